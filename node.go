package xrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// Node is the Facade of an RPC participant: it serves requests arriving on
// its consumer transport and hands out publishers for outgoing ones.
type Node struct {
	app         string
	consumer    Transport
	publishers  map[string]*Publisher
	defaultPub  *Publisher
	transports  []Transport
	processor   *Processor
	clock       xclock.Clock
	logger      zerolog.Logger
	middlewares []Middleware
	ackTimeout  time.Duration

	observersMu sync.RWMutex
	observers   []Observer
	pool        *ObserverPool

	metrics   nodeMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// nodeMetrics uses lock-free atomics.
type nodeMetrics struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	handled       atomic.Uint64
	failed        atomic.Uint64
	rejected      atomic.Uint64
	undecodable   atomic.Uint64
	invalid       atomic.Uint64
	notifications atomic.Uint64
	replies       atomic.Uint64
	errors        atomic.Uint64
	processingNs  atomic.Int64
}

// App is the identity stamped as reply_to on everything this node sends.
func (n *Node) App() string { return n.app }

// Processor returns the node's message processor.
func (n *Node) Processor() *Processor { return n.processor }

// Publisher returns the publisher configured under name; an empty name
// selects the default (the last one configured).
func (n *Node) Publisher(name string) (*Publisher, error) {
	if name == "" {
		return n.defaultPub, nil
	}
	p, ok := n.publishers[name]
	if !ok {
		return nil, ErrUnknownPublisher{name: name}
	}
	return p, nil
}

// Request starts an envelope on the default publisher.
func (n *Node) Request() *Request {
	return n.defaultPub.Request()
}

// Serve consumes RPC messages from topic within group until ctx is done or
// the subscription is closed. An empty topic means the node's own app
// identity, which is where replies addressed to it arrive.
func (n *Node) Serve(ctx context.Context, topic, group string) (Subscription, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	if topic == "" {
		topic = n.app
	}
	if group == "" {
		return nil, ErrInvalidSubscription
	}

	// Always enable panic recovery first for dependability.
	base := RecoveryMiddleware()(n.handler(topic, group))
	wh := Chain(base, n.middlewares...)

	hctx := injectLogger(ctx, n.logger)
	hctx = injectClock(hctx, n.clock)

	return n.consumer.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Warn().Msg("xrpc: delivery panic (recovered)")
				n.metrics.errors.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		msg := d.Message()
		n.metrics.consumed.Add(1)
		n.notify(Event{Type: ConsumeStart, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name})

		err := wh(hctx, msg)
		if err == nil {
			n.metrics.acked.Add(1)
			n.ackWithTimeout(hctx, d, true, nil)
			n.notify(Event{Type: Ack, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name})
			return
		}

		n.metrics.nacked.Add(1)
		n.ackWithTimeout(hctx, d, false, err)
		n.notify(Event{Type: Nack, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name, Err: err})
	})
}

// handler adapts the Processor to the transport Handler contract: acked
// outcomes return nil, the rest an error that makes the transport Nack.
func (n *Node) handler(topic, group string) Handler {
	return func(ctx context.Context, msg *Message) error {
		start := n.clock.Now()
		outcome := n.processor.Process(ctx, msg.Payload)
		duration := n.clock.Since(start)
		n.recordProcessingTime(duration.Nanoseconds())
		n.countOutcome(outcome)

		n.notify(Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Outcome:   outcome,
			Duration:  duration,
		})

		if outcome.Ack() {
			return nil
		}
		return fmt.Errorf("xrpc: message %s", outcome)
	}
}

func (n *Node) countOutcome(o Outcome) {
	switch o {
	case OutcomeHandled:
		n.metrics.handled.Add(1)
	case OutcomeFailed:
		n.metrics.failed.Add(1)
	case OutcomeRejected:
		n.metrics.rejected.Add(1)
	case OutcomeUndecodable:
		n.metrics.undecodable.Add(1)
	case OutcomeInvalid:
		n.metrics.invalid.Add(1)
	case OutcomeErrorNotification:
		n.metrics.notifications.Add(1)
	}
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (n *Node) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if n.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, n.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			n.metrics.errors.Add(1)
			n.notify(Event{Type: Error, Err: err})
			n.logger.Warn().Err(err).Msg("xrpc: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		n.metrics.errors.Add(1)
		n.notify(Event{Type: Error, Err: err})
		n.logger.Warn().Err(err).Msg("xrpc: nack failed")
	}
}

// ObserverStats reports the async observer pool, when one is configured.
func (n *Node) ObserverStats() (PoolStats, bool) {
	if n.pool == nil {
		return PoolStats{}, false
	}
	return n.pool.Stats(), true
}

// Stats returns current node metrics.
func (n *Node) Stats() Metrics {
	return Metrics{
		Published:           n.metrics.published.Load(),
		PublishErrors:       n.metrics.publishErrors.Load(),
		Consumed:            n.metrics.consumed.Load(),
		Acked:               n.metrics.acked.Load(),
		Nacked:              n.metrics.nacked.Load(),
		Handled:             n.metrics.handled.Load(),
		Failed:              n.metrics.failed.Load(),
		Rejected:            n.metrics.rejected.Load(),
		Undecodable:         n.metrics.undecodable.Load(),
		Invalid:             n.metrics.invalid.Load(),
		ErrorNotifications:  n.metrics.notifications.Load(),
		RepliesSent:         n.metrics.replies.Load(),
		Errors:              n.metrics.errors.Load(),
		AvgProcessingTimeMs: float64(n.metrics.processingNs.Load()) / 1e6,
	}
}

// Health checks node health for Kubernetes probes.
func (n *Node) Health(ctx context.Context) HealthStatus {
	if n.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: n.clock.Now(),
			Message:   "node is closed",
		}
	}

	m := n.Stats()
	status := "healthy"

	// Degraded if more than 5% of publishes fail.
	if m.PublishErrors > 0 && m.Published > 0 {
		if float64(m.PublishErrors)/float64(m.Published) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   m,
		Timestamp: n.clock.Now(),
	}
}

// Close releases every transport the node owns. It is idempotent.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		if n.pool != nil {
			if err := n.pool.Close(5 * time.Second); err != nil {
				errs = append(errs, err)
			}
		}
		for _, t := range n.transports {
			if err := t.Close(ctx); err != nil {
				n.logger.Error().Err(err).Msg("xrpc: transport close failed")
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe).
func (n *Node) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	n.observersMu.Lock()
	n.observers = append(n.observers, obs)
	n.observersMu.Unlock()
}

// RemoveObserver removes an observer. Only comparable observers (pointers)
// can be removed; an ObserverFunc stays registered.
func (n *Node) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	n.observersMu.Lock()
	defer n.observersMu.Unlock()

	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	for i, o := range n.observers {
		if reflect.TypeOf(o) == reflect.TypeOf(obs) && o == obs {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			break
		}
	}
}

// onEvent is the sink for publisher and processor events.
func (n *Node) onEvent(e Event) {
	switch e.Type {
	case PublishDone:
		n.metrics.published.Add(1)
		if e.Err != nil {
			n.metrics.publishErrors.Add(1)
		}
	case ErrorReply:
		if e.Err == nil {
			n.metrics.replies.Add(1)
		}
	}
	n.notify(e)
}

func (n *Node) notify(e Event) {
	n.observersMu.RLock()
	if len(n.observers) == 0 {
		n.observersMu.RUnlock()
		return
	}
	obs := make([]Observer, len(n.observers))
	copy(obs, n.observers)
	n.observersMu.RUnlock()

	if n.pool != nil {
		n.pool.Notify(e, obs)
		return
	}
	for _, o := range obs {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average.
func (n *Node) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := n.metrics.processingNs.Load()
	if current == 0 {
		n.metrics.processingNs.Store(ns)
		return
	}
	n.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
