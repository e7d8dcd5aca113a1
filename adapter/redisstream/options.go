package redisstream

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrpc"
)

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

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xrpc.NodeBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrpc.Observer) Option {
	return func(b *xrpc.NodeBuilder) { b.WithObserver(obs...) }
}
