// Package services holds the built-in tunnel services: notification
// polling and publishing, scheduler administration and diagnostics.
package services

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Service names as addressed through the tunnel.
const (
	NotificationConsumerService = "ClientNotificationConsumerService"
	NotificationService         = "ClientNotificationService"
	SchedulerService            = "SchedulerService"
	DiagnosticService           = "DiagnosticService"
)

// Service exposes its tunnel operations.
type Service interface {
	Name() string
	Operations() map[string]tunnel.Operation
}

// Register adds every service to r.
func Register(r *tunnel.ServiceRegistry, svcs ...Service) error {
	for _, svc := range svcs {
		if err := r.Register(svc.Name(), svc.Operations()); err != nil {
			return errors.Wrapf(err, "register %s", svc.Name())
		}
	}
	return nil
}

// callerSession returns the session the request runs for.
func callerSession(ctx context.Context) (types.Session, error) {
	s, ok := tunnel.SessionFrom(ctx)
	if !ok || s.ID == "" {
		return types.Session{}, errors.Mark(errors.New("request carries no session"), tunnel.ErrBadRequest)
	}
	return s, nil
}
