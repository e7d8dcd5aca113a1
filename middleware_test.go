package xrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChain_Order(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				trace = append(trace, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(func(context.Context, *Message) error {
		trace = append(trace, "handler")
		return nil
	}, tag("outer"), nil, tag("inner"))

	assert.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Message) error {
		panic("boom")
	})

	err := h(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Message) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	err := TimeoutMiddleware(10*time.Millisecond)(slow)(context.Background(), &Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fast := func(context.Context, *Message) error { return errors.New("done") }
	assert.EqualError(t, TimeoutMiddleware(time.Second)(fast)(context.Background(), &Message{}), "done")
}

func TestTimeoutMiddleware_DisabledAndPanics(t *testing.T) {
	called := false
	h := TimeoutMiddleware(0)(func(context.Context, *Message) error {
		called = true
		return nil
	})
	assert.NoError(t, h(context.Background(), &Message{}))
	assert.True(t, called)

	p := TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { panic("late") })
	assert.ErrorIs(t, p(context.Background(), &Message{}), ErrHandlerPanic)
}
