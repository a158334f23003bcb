package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/hrpulse/errors"
)

// JobHandler defines the interface for executing a specific job type.
// Domain packages implement this interface to handle their job types,
// allowing the queue to remain decoupled from domain logic.
type JobHandler interface {
	// Execute runs the job. Returning nil completes it; returning an error
	// asks the queue to retry unless the error is marked Permanent.
	Execute(ctx context.Context, job *Job) error

	// Name returns the handler name (e.g. "stage-email.send").
	// Used for handler registration and job routing.
	Name() string
}

// HandlerFunc adapts a plain function to JobHandler.
type HandlerFunc func(ctx context.Context, job *Job) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h namedHandler) Name() string                                 { return h.name }
func (h namedHandler) Execute(ctx context.Context, job *Job) error { return h.fn(ctx, job) }

// NewHandler wraps fn as a JobHandler called name.
func NewHandler(name string, fn HandlerFunc) JobHandler {
	return namedHandler{name: name, fn: fn}
}

// HandlerRegistry manages job handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches job to its registered handler. A job naming an unknown
// handler fails permanently.
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return Permanent(errors.New("job missing handler_name"))
	}

	handler := r.Get(job.HandlerName)
	if handler == nil {
		return Permanent(errors.Newf("no handler registered for handler name: %s", job.HandlerName))
	}
	return handler.Execute(ctx, job)
}
