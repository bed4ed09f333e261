package tunnel

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/scout-runtime/internal/metrics"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// Operation is a server side tunnel operation. The calling session and the
// request seq are available from ctx; ctx is cancelled when the request is
// cancelled through the cancellation service.
type Operation func(ctx context.Context, args []any) (any, error)

// ServiceRegistry maps service and operation names to implementations.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]map[string]Operation
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]map[string]Operation)}
}

// Register adds the operations of service. Registering a service twice
// adds to it; registering an existing operation fails.
func (r *ServiceRegistry) Register(service string, ops map[string]Operation) error {
	if service == "" {
		return errors.New("service name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.services[service]
	for name, op := range ops {
		if name == "" || op == nil {
			return errors.Newf("service %s: empty operation name or nil operation", service)
		}
		if _, dup := existing[name]; dup {
			return errors.Newf("operation %s.%s already registered", service, name)
		}
	}
	if existing == nil {
		existing = make(map[string]Operation, len(ops))
		r.services[service] = existing
	}
	for name, op := range ops {
		existing[name] = op
	}
	return nil
}

// Lookup finds an operation.
func (r *ServiceRegistry) Lookup(service, operation string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops, ok := r.services[service]
	if !ok {
		return nil, errors.Mark(errors.Newf("service %q", service), ErrUnknownService)
	}
	op, ok := ops[operation]
	if !ok {
		return nil, errors.Mark(errors.Newf("operation %s.%s", service, operation), ErrUnknownOperation)
	}
	return op, nil
}

// Services lists the registered service names, sorted.
func (r *ServiceRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TransactionRegistry tracks the requests executing on the server so
// that the cancellation service can interrupt them.
type TransactionRegistry struct {
	metrics *metrics.Collector

	mu      sync.Mutex
	running map[types.TransactionKey]context.CancelFunc
}

func NewTransactionRegistry(m *metrics.Collector) *TransactionRegistry {
	return &TransactionRegistry{
		metrics: m,
		running: make(map[types.TransactionKey]context.CancelFunc),
	}
}

// Register records cancel as the way to interrupt key.
func (r *TransactionRegistry) Register(key types.TransactionKey, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.running[key]; dup {
		return errors.Mark(errors.Newf("transaction %s", key), ErrDuplicateTransaction)
	}
	r.running[key] = cancel
	r.metrics.SetActiveTransactions(len(r.running))
	return nil
}

func (r *TransactionRegistry) Unregister(key types.TransactionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.running, key)
	r.metrics.SetActiveTransactions(len(r.running))
}

// Cancel interrupts the transaction and reports whether it was running.
// An unknown key is not an error.
func (r *TransactionRegistry) Cancel(key types.TransactionKey) bool {
	r.mu.Lock()
	cancel, ok := r.running[key]
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordCancel("not_found")
		return false
	}
	cancel()
	r.metrics.RecordCancel("cancelled")
	return true
}

func (r *TransactionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
