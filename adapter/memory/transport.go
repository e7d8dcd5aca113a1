package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xrpc"
)

const TransportName = "memory"

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("xrpc/memory: transport is closed")

func init() {
	if err := xrpc.RegisterTransport(TransportName, func(cfg map[string]any) (xrpc.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrpc/memory: failed to register transport: %w", err))
	}
}

// Transport implements xrpc.Transport using in-memory channels (dev/testing).
// Every topic is a route; each consumer group on it receives every message
// once and shares it among its workers.
type Transport struct {
	cfg Config

	mu      sync.RWMutex
	topics  map[string]*topic
	history map[string][]*xrpc.Message
	subs    map[*subscription]struct{}

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

var _ xrpc.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries <= 0 && cfg.RedeliveryDelay < MinRedeliveryDelay {
		cfg.RedeliveryDelay = MinRedeliveryDelay
	}

	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		history: make(map[string][]*xrpc.Message),
		subs:    make(map[*subscription]struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups for the topic. Messages
// published to a topic nobody subscribed to are only kept in the history.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xrpc.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = "mem-" + uuid.NewString()
		}
		t.record(topic, m)
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()
	if !ok {
		t.metrics.published.Add(uint64(len(msgs)))
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}

		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{topic: topic, group: g, msg: m, tr: t}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			}
		}
		top.mu.RUnlock()

		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xrpc.Delivery)) (xrpc.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, xrpc.ErrInvalidSubscription
	}

	top := t.ensureTopic(topic)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	sub := &subscription{}
	sub.close = func() error {
		cancel()
		wg.Wait()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		// Keep group and queue alive for other subscribers
		return nil
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xrpc.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			task.deliveries.Add(1)
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: t})
		}
	}
}

// Published returns copies of the messages published to topic, oldest first.
func (t *Transport) Published(topic string) []*xrpc.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src := t.history[topic]
	out := make([]*xrpc.Message, len(src))
	for i, m := range src {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m *xrpc.Message) *xrpc.Message {
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	cp.Metadata = maps.Clone(m.Metadata)
	return &cp
}

func (t *Transport) record(topic string, m *xrpc.Message) {
	if t.cfg.HistorySize <= 0 {
		return
	}
	cp := cloneMessage(m)

	t.mu.Lock()
	h := append(t.history[topic], cp)
	if len(h) > t.cfg.HistorySize {
		h = h[len(h)-t.cfg.HistorySize:]
	}
	t.history[topic] = h
	t.mu.Unlock()
}

// Close stops every subscription and discards queued messages.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	for _, s := range subs {
		_ = s.Close()
	}

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dropped:     t.metrics.dropped.Load(),
	}
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.close != nil {
			err = s.close()
		}
	})
	return err
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr         *Transport
	topic      string
	group      *group
	msg        *xrpc.Message
	deliveries atomic.Int32
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Message() *xrpc.Message {
	return d.task.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the message unless it used up MaxDeliveries.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)

		if limit := d.tr.cfg.MaxDeliveries; limit > 0 && int(d.task.deliveries.Load()) >= limit {
			d.tr.metrics.dropped.Add(1)
			return
		}
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			}
			return
		}

		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			<-timer.C
			select {
			case d.task.group.queue <- d.task:
			default:
				d.tr.metrics.dropped.Add(1)
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{
		name:  name,
		queue: make(chan *deliveryTask, bufferSize),
	}
	tp.groups[name] = g
	return g
}
