package inmate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// YieldFunc reports progress values back to the caller. An error means the
// values could not be delivered and the handler should give up.
type YieldFunc func(values ...any) error

// Handler implements one inmate method.
type Handler func(ctx context.Context, args []any, yield YieldFunc) (any, error)

// Inmate is what an embedding application implements to expose methods to
// the sandbox.
type Inmate interface {
	Methods() map[string]Handler
}

// Methods adapts a plain map to the Inmate interface.
type Methods map[string]Handler

// Methods returns m.
func (m Methods) Methods() map[string]Handler {
	return m
}

// Registry maps method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names must be unique and non-empty.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("method name is required")
	}
	if h == nil {
		return fmt.Errorf("method %s: handler is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("method %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Call invokes name directly, without any sandbox in between. A nil yield
// discards progress values.
func (r *Registry) Call(ctx context.Context, name string, args []any, yield YieldFunc) (any, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return nil, &NoMethodError{Method: name}
	}
	if yield == nil {
		yield = func(...any) error { return nil }
	}
	if args == nil {
		args = []any{}
	}
	return h(ctx, args, yield)
}

// Loader produces the inmate at sandbox start.
type Loader func() (Inmate, error)

// Load builds a registry from the inmate returned by loader. Any failure to
// obtain or register the method table is reported as an *ImportError.
func Load(loader Loader) (reg *Registry, err error) {
	if loader == nil {
		return nil, &ImportError{Err: fmt.Errorf("no inmate loader configured")}
	}

	defer func() {
		if p := recover(); p != nil {
			reg = nil
			err = &ImportError{Err: fmt.Errorf("inmate loader panicked: %v", p)}
		}
	}()

	in, err := loader()
	if err != nil {
		return nil, &ImportError{Err: err}
	}
	if in == nil {
		return nil, &ImportError{Err: fmt.Errorf("inmate loader returned nil")}
	}

	methods := in.Methods()
	if len(methods) == 0 {
		return nil, &ImportError{Err: fmt.Errorf("inmate exposes no methods")}
	}

	reg = NewRegistry()
	for name, h := range methods {
		if err := reg.Register(name, h); err != nil {
			return nil, &ImportError{Err: err}
		}
	}
	return reg, nil
}
