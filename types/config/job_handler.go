package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/types"
)

// Handler executes one job type. A nil error means success; any error is a
// failure whose message is recorded on the job.
type Handler interface {
	Handle(ctx context.Context, payload types.Payload) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload types.Payload) error

func (f HandlerFunc) Handle(ctx context.Context, payload types.Payload) error {
	return f(ctx, payload)
}

// JobHandler maps job type names to their handlers.
type JobHandler struct {
	handlers map[string]Handler
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]Handler),
	}
}

// Register adds a new job handler by name.
func (jh *JobHandler) Register(name string, handler Handler) error {
	if name == "" || handler == nil {
		return errors.New("handler must have a job type name and an implementation")
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	jh.handlers[name] = handler
	return nil
}

// RegisterFunc is Register for plain functions.
func (jh *JobHandler) RegisterFunc(name string, fn func(ctx context.Context, payload types.Payload) error) error {
	if fn == nil {
		return jh.Register(name, nil)
	}
	return jh.Register(name, HandlerFunc(fn))
}

func (jh *JobHandler) Exists(name string) bool {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	_, exists := jh.handlers[name]
	return exists
}

// Get returns the handler for name or an *UnknownJobTypeError.
func (jh *JobHandler) Get(name string) (Handler, error) {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	handler, exists := jh.handlers[name]
	if !exists {
		return nil, &custom_errors.UnknownJobTypeError{Type: name}
	}
	return handler, nil
}

func (jh *JobHandler) Execute(ctx context.Context, name string, payload types.Payload) error {
	handler, err := jh.Get(name)
	if err != nil {
		return err
	}
	return handler.Handle(ctx, payload)
}

// List returns the registered type names in sorted order.
func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
