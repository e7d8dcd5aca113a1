package xrpc

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// ctxKey is the base for all context keys in xrpc (prevents collisions).
type ctxKey string

const (
	envelopeCtxKey ctxKey = "xrpc:envelope"
	clockCtxKey    ctxKey = "xrpc:clock"
)

// injectEnvelope attaches the request being served so handler methods can see
// its request_id and reply_to.
func injectEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeCtxKey, env)
}

// EnvelopeFromContext returns the envelope of the request a handler method is serving.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeCtxKey).(Envelope)
	return env, ok
}

func injectLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// LoggerFromContext returns the node logger attached to a handler context,
// or a disabled logger when there is none.
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}
