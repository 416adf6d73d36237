package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gustavoali/ytrag/errors"
)

// TaskHandler executes one kind of task.
//
// Handlers identify themselves by name ("ingest.download") and load whatever
// they need from the pipeline job named by task.JobID.
type TaskHandler interface {
	// Execute runs the task. Handlers must honor ctx cancellation at every
	// external call.
	Execute(ctx context.Context, task *Task) error

	// Name returns the handler name used for routing.
	Name() string
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, task *Task) error
}

// Execute calls h.Fn
func (h HandlerFunc) Execute(ctx context.Context, task *Task) error {
	return h.Fn(ctx, task)
}

// Name returns h.HandlerName
func (h HandlerFunc) Name() string {
	return h.HandlerName
}

// HandlerRegistry manages task handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]TaskHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]TaskHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) TaskHandler {
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

// Execute dispatches the task to its registered handler.
func (r *HandlerRegistry) Execute(ctx context.Context, task *Task) error {
	if task.HandlerName == "" {
		return errors.New("task missing handler_name")
	}

	handler := r.Get(task.HandlerName)
	if handler == nil {
		return errors.Newf("no handler registered for handler name: %s", task.HandlerName)
	}
	return handler.Execute(ctx, task)
}
