package xrpc

import (
	"context"
	"errors"
	"sync"
)

// Method is a callable RPC endpoint. Its error is the result of the call.
type Method func(ctx context.Context, args Args) error

// binding is one registered method of a handler.
type binding struct {
	static bool
	call   func(ctx context.Context, args Args) error
}

// Registry maps handler names to their methods. Handlers are registered at
// startup; processor aliases in configuration point at handler names.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]binding
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]binding)}
}

// RegisterStatic registers methods that need no receiver.
func (r *Registry) RegisterStatic(handler string, methods map[string]Method) error {
	if handler == "" {
		return errors.New("handler name must not be empty")
	}
	bs := make(map[string]binding, len(methods))
	for name, m := range methods {
		if name == "" || m == nil {
			return errors.New("handler methods must be named and non-nil")
		}
		bs[name] = binding{static: true, call: m}
	}
	r.add(handler, bs)
	return nil
}

// RegisterInstance registers methods invoked on a receiver that newFn builds
// afresh for every call. Method expressions fit directly:
//
//	xrpc.RegisterInstance(reg, "BillingHandler", NewBilling, map[string]func(*Billing, context.Context, xrpc.Args) error{
//	    "charge": (*Billing).Charge,
//	})
func RegisterInstance[T any](r *Registry, handler string, newFn func() T, methods map[string]func(T, context.Context, Args) error) error {
	if handler == "" {
		return errors.New("handler name must not be empty")
	}
	if newFn == nil {
		return errors.New("handler constructor must not be nil")
	}
	bs := make(map[string]binding, len(methods))
	for name, m := range methods {
		if name == "" || m == nil {
			return errors.New("handler methods must be named and non-nil")
		}
		m := m
		bs[name] = binding{call: func(ctx context.Context, args Args) error {
			return m(newFn(), ctx, args)
		}}
	}
	r.add(handler, bs)
	return nil
}

func (r *Registry) add(handler string, bs map[string]binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.handlers[handler]
	if !ok {
		r.handlers[handler] = bs
		return
	}
	for k, v := range bs {
		existing[k] = v
	}
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(handler string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[handler]
	return ok
}

func (r *Registry) lookup(handler, method string) (b binding, handlerOK, methodOK bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.handlers[handler]
	if !ok {
		return binding{}, false, false
	}
	b, ok = ms[method]
	return b, true, ok
}
