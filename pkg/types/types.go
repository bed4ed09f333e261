// Package types defines the identity types shared by the scheduler, the
// notification queue and the service tunnel.
package types

import (
	"fmt"
	"strconv"
)

// JobKey identifies a scheduler job. At most one job per key is available
// and at most one is running at any time.
type JobKey struct {
	GroupID string `json:"group_id" yaml:"group_id"`
	JobID   string `json:"job_id" yaml:"job_id"`
}

// Matches reports whether k is selected by the (groupID, jobID) pattern.
// An empty pattern component matches everything.
func (k JobKey) Matches(groupID, jobID string) bool {
	if groupID != "" && groupID != k.GroupID {
		return false
	}
	if jobID != "" && jobID != k.JobID {
		return false
	}
	return true
}

func (k JobKey) String() string {
	return k.GroupID + "/" + k.JobID
}

// SessionID identifies one client session.
type SessionID string

// Session is the identity of the caller on whose behalf notifications are
// consumed and tunnel requests are executed.
type Session struct {
	ID     SessionID `json:"session_id"`
	UserID string    `json:"user_id,omitempty"`
}

// IsZero reports whether the session carries no identity.
func (s Session) IsZero() bool {
	return s.ID == "" && s.UserID == ""
}

func (s Session) String() string {
	if s.UserID == "" {
		return string(s.ID)
	}
	return fmt.Sprintf("%s(%s)", s.ID, s.UserID)
}

// RequestSeq is the per-client, strictly increasing sequence number of a
// tunnel request. It is the correlation key for cancellation.
type RequestSeq uint64

func (s RequestSeq) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// ParseRequestSeq parses the decimal form produced by RequestSeq.String.
func ParseRequestSeq(s string) (RequestSeq, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return RequestSeq(v), nil
}

// TransactionKey identifies a request currently executing on the server.
type TransactionKey struct {
	Session SessionID
	Seq     RequestSeq
}

func (k TransactionKey) String() string {
	return string(k.Session) + "#" + k.Seq.String()
}
