package xrpc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	obs := LoggingObserver{Logger: zerolog.New(&buf)}

	obs.OnEvent(Event{Type: ConsumeDone, Topic: "rpc.billing", RequestID: "shop_1", Outcome: OutcomeFailed, Duration: time.Millisecond})
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"outcome":"failed"`)
	assert.Contains(t, buf.String(), `"request_id":"shop_1"`)

	buf.Reset()
	obs.OnEvent(Event{Type: ErrorReply, Topic: "shop"})
	assert.Contains(t, buf.String(), `"level":"info"`)

	buf.Reset()
	obs.OnEvent(Event{Type: ErrorReply, Topic: "shop", Err: errors.New("broker down")})
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "broker down")

	buf.Reset()
	obs.OnEvent(Event{Type: Nack, Topic: "rpc.billing"})
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

type countingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (c *countingObserver) OnEvent(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *countingObserver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestObserverPool_DispatchesAndDrains(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16, zerolog.Nop())
	obs := &countingObserver{}
	panicky := ObserverFunc(func(Event) { panic("observer bug") })

	for range 10 {
		pool.Notify(Event{Type: Dispatch}, []Observer{panicky, obs})
	}
	require.NoError(t, pool.Close(time.Second))

	assert.Equal(t, 10, obs.count(), "a panicking observer does not starve the others")
	assert.Equal(t, uint64(10), pool.Stats().Processed)

	pool.Notify(Event{Type: Dispatch}, []Observer{obs})
	assert.Equal(t, 10, obs.count(), "closed pool ignores events")
	assert.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocking := ObserverFunc(func(Event) { <-release })

	pool := NewObserverPool(context.Background(), 1, 1, zerolog.Nop())
	for range 5 {
		pool.Notify(Event{Type: Dispatch}, []Observer{blocking})
	}
	assert.Positive(t, pool.Stats().Dropped)

	close(release)
	assert.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_CloseTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewObserverPool(context.Background(), 1, 1, zerolog.Nop())
	pool.Notify(Event{Type: Dispatch}, []Observer{ObserverFunc(func(Event) { <-release })})
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Close(10*time.Millisecond), ErrObserverPoolShutdownTimeout)
}
