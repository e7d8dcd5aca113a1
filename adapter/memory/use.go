package memory

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrpc"
)

// Use builds a Node that publishes and consumes through one in-memory
// transport and installs it as the process-wide default.
//
// Example:
//
//	node, tr := memory.Use("billing", key, memory.Defaults(),
//	    memory.WithProcessors(map[string]string{"billing": "BillingHandler"}),
//	    memory.WithRegistry(reg),
//	)
//
// The returned transport is the one the node owns; tests can inspect it
// with Published.
func Use(app string, key []byte, cfg Config, opts ...Option) (*xrpc.Node, *Transport) {
	tr := NewTransport(cfg)
	nb := xrpc.NewNodeBuilder().
		WithApp(app).
		WithKey(key).
		WithPublisherInstance(TransportName, tr)

	for _, o := range opts {
		if o != nil {
			o(nb)
		}
	}

	node, err := nb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xrpc.SetDefault(node)
	return node, tr
}

// Option configures the xrpc.NodeBuilder when calling Use.
type Option func(*xrpc.NodeBuilder)

// WithLogger injects a zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *xrpc.NodeBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrpc.NodeBuilder) { b.WithClock(c) }
}

// WithDebug enables debug payloads in logs.
func WithDebug(on bool) Option {
	return func(b *xrpc.NodeBuilder) { b.WithDebug(on) }
}

// WithRegistry sets the handler registry actions resolve against.
func WithRegistry(r *xrpc.Registry) Option {
	return func(b *xrpc.NodeBuilder) { b.WithRegistry(r) }
}

// WithProcessors sets the alias to handler table.
func WithProcessors(aliases map[string]string) Option {
	return func(b *xrpc.NodeBuilder) { b.WithProcessors(aliases) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xrpc.Middleware) Option {
	return func(b *xrpc.NodeBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xrpc.NodeBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrpc.Observer) Option {
	return func(b *xrpc.NodeBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool dispatches observer notifications asynchronously.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrpc.NodeBuilder) { b.WithAsyncObservers(workers, bufferSize) }
}
