package xrpc

import (
	"context"
	"strings"
)

// Resolver turns an "alias.method" action into a callable handler method.
// Aliases map to handler names through the configured processors table.
type Resolver struct {
	processors map[string]string
	registry   *Registry
}

// NewResolver copies processors so later changes to the caller's map are not observed.
func NewResolver(processors map[string]string, registry *Registry) *Resolver {
	p := make(map[string]string, len(processors))
	for k, v := range processors {
		p[k] = v
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{processors: p, registry: registry}
}

// Call is a resolved action ready to invoke.
type Call struct {
	Alias   string
	Handler string
	Method  string
	Static  bool

	fn func(ctx context.Context, args Args) error
}

// Invoke runs the method. Errors and panics of the handler are not intercepted.
func (c *Call) Invoke(ctx context.Context, args Args) error {
	return c.fn(ctx, args)
}

// SplitAction returns the alias and method of action.
func SplitAction(action string) (alias, method string, err error) {
	parts := strings.Split(action, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &ResolveError{Kind: ErrMalformedAction, Action: action}
	}
	return parts[0], parts[1], nil
}

// Resolve locates the handler method for action. Each stage fails with its own
// *ResolveError kind.
func (r *Resolver) Resolve(action string) (*Call, error) {
	alias, method, err := SplitAction(action)
	if err != nil {
		return nil, err
	}
	if len(r.processors) == 0 {
		return nil, &ResolveError{Kind: ErrNoProcessorsConfigured, Action: action, Alias: alias, Method: method}
	}
	handler, ok := r.processors[alias]
	if !ok {
		return nil, &ResolveError{Kind: ErrUnknownAlias, Action: action, Alias: alias, Method: method}
	}
	b, handlerOK, methodOK := r.registry.lookup(handler, method)
	if !handlerOK {
		return nil, &ResolveError{Kind: ErrHandlerNotFound, Action: action, Alias: alias, Handler: handler, Method: method}
	}
	if !methodOK {
		return nil, &ResolveError{Kind: ErrMethodNotFound, Action: action, Alias: alias, Handler: handler, Method: method}
	}
	return &Call{Alias: alias, Handler: handler, Method: method, Static: b.static, fn: b.call}, nil
}
