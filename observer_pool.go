package xrpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrObserverPoolShutdownTimeout is returned when queued events are still
// being dispatched after the Close timeout.
var ErrObserverPoolShutdownTimeout = errors.New("xrpc: observer pool shutdown timed out")

// ObserverPool dispatches node events to observers on worker goroutines so a
// slow observer never holds up message processing. Events are dropped when
// the buffer is full.
type ObserverPool struct {
	eventCh   chan pooledEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	log       zerolog.Logger
}

type pooledEvent struct {
	event     Event
	observers []Observer
}

// PoolStats is telemetry about the observer pool.
type PoolStats struct {
	Dropped   uint64
	Processed uint64
}

// NewObserverPool starts workers goroutines reading from a bufferSize queue.
func NewObserverPool(ctx context.Context, workers, bufferSize int, log zerolog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan pooledEvent, bufferSize),
		ctx:     poolCtx,
		cancel:  cancel,
		log:     log,
	}
	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}
	return op
}

// Notify queues e for the given observers and returns immediately.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	select {
	case op.eventCh <- pooledEvent{event: e, observers: observers}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case pe := <-op.eventCh:
					op.dispatch(pe)
				default:
					return
				}
			}
		case pe := <-op.eventCh:
			op.dispatch(pe)
		}
	}
}

func (op *ObserverPool) dispatch(pe pooledEvent) {
	for _, obs := range pe.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.log.Warn().Interface("panic", r).Str("type", string(pe.event.Type)).Msg("xrpc: observer panic (recovered)")
				}
			}()
			obs.OnEvent(pe.event)
		}()
	}
	op.processed.Add(1)
}

// Close stops accepting events and waits up to timeout for the queue to drain.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:   op.dropped.Load(),
		Processed: op.processed.Load(),
	}
}
