package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrpc"
)

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// StatsOf returns the telemetry of a transport created by this package.
func StatsOf(t xrpc.Transport) (Stats, bool) {
	tr, ok := t.(*transport)
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Published:     tr.metrics.published.Load(),
		Consumed:      tr.metrics.consumed.Load(),
		Acked:         tr.metrics.acked.Load(),
		Nacked:        tr.metrics.nacked.Load(),
		Claimed:       tr.metrics.claimed.Load(),
		DeadLettered:  tr.metrics.deadLettered.Load(),
		PublishErrors: tr.metrics.publishErrors.Load(),
		ConsumeErrors: tr.metrics.consumeErrors.Load(),
	}, true
}

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config) (xrpc.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("redisstream: %w", err)
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		subs:    make(map[*subscription]struct{}),
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}, nil
}

// Publish sends messages to the route stream using XADD (pipelined).
func (t *transport) Publish(ctx context.Context, topic string, msgs ...*xrpc.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		pipe.XAdd(ctx, t.xaddArgs(topic, encodeMessage(m)))
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("redisstream: publish to %s: %w", topic, err)
	}

	// Hand the stream IDs back so callers can correlate with broker logs.
	for i, c := range cmds {
		if xc, ok := c.(*redis.StringCmd); ok && i < len(msgs) && msgs[i].ID == "" {
			msgs[i].ID = xc.Val()
		}
	}

	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

func (t *transport) xaddArgs(stream string, vals map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
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

// Subscribe reads the route stream as consumer cfg.Consumer of group, with
// cfg.Concurrency workers. An empty group falls back to cfg.Group.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xrpc.Delivery)) (xrpc.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if group == "" {
		group = t.cfg.Group
	}
	if topic == "" || handler == nil {
		return nil, xrpc.ErrInvalidSubscription
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)

	workers := max(1, t.cfg.Concurrency)
	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	var consumers sync.WaitGroup
	for i := 0; i < workers; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}

	go func() {
		producers.Wait()
		close(workCh)
	}()

	sub := &subscription{}
	sub.close = func() error {
		cancel()
		producers.Wait()
		consumers.Wait()
		t.subsMu.Lock()
		delete(t.subs, sub)
		t.subsMu.Unlock()
		return nil
	}

	t.subsMu.Lock()
	t.subs[sub] = struct{}{}
	t.subsMu.Unlock()
	return sub, nil
}

// pollerLoop reads new entries and distributes them to workers.
func (t *transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = 100 * time.Millisecond
				continue
			}

			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond
		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !t.dispatch(ctx, workCh, topic, group, msg, 1) {
					return
				}
			}
		}
	}
}

func (t *transport) dispatch(ctx context.Context, workCh chan<- *delivery, topic, group string, msg redis.XMessage, attempt int64) bool {
	d := t.newDelivery()
	d.t = t
	d.topic = topic
	d.group = group
	d.id = msg.ID
	d.attempt = attempt
	d.msg = decodeMessage(msg.ID, msg.Values)
	d.onceAck = &sync.Once{}

	t.metrics.consumed.Add(1)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

// claimLoop periodically takes over entries left pending longer than
// ClaimMinIdle (nacked, or owned by a crashed consumer) and redelivers them.
// Entries that already reached MaxDeliveries are dead-lettered instead.
func (t *transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		attempts := make(map[string]int64, len(pending))
		for _, p := range pending {
			if t.cfg.MaxDeliveries > 0 && p.RetryCount >= int64(t.cfg.MaxDeliveries) {
				t.expire(ctx, topic, group, p.ID)
				continue
			}
			ids = append(ids, p.ID)
			attempts[p.ID] = p.RetryCount + 1
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			t.metrics.consumeErrors.Add(1)
			continue
		}

		for _, msg := range claimed {
			t.metrics.claimed.Add(1)
			if !t.dispatch(ctx, workCh, topic, group, msg, attempts[msg.ID]) {
				return
			}
		}
	}
}

// expire dead-letters and acks an entry that used up its deliveries.
func (t *transport) expire(ctx context.Context, topic, group, id string) {
	entries, err := t.client.XRangeN(ctx, topic, id, id, 1).Result()
	if err != nil {
		t.metrics.consumeErrors.Add(1)
		return
	}
	if len(entries) == 1 && t.cfg.DeadLetter != "" {
		msg := decodeMessage(id, entries[0].Values)
		if err := t.deadLetter(ctx, topic, id, msg, errMaxDeliveries); err != nil {
			t.metrics.consumeErrors.Add(1)
			return
		}
	}
	_ = t.client.XAck(ctx, topic, group, id).Err()
}

func (t *transport) deadLetter(ctx context.Context, topic, id string, msg *xrpc.Message, reason error) error {
	values := encodeMessage(msg)
	values[fieldOrigTopic] = topic
	values[fieldOrigID] = id
	values[fieldError] = fmt.Sprintf("%v", reason)

	if err := t.client.XAdd(ctx, t.xaddArgs(t.cfg.DeadLetter, values)).Err(); err != nil {
		return err
	}
	t.metrics.deadLettered.Add(1)
	return nil
}

func (t *transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	*d = delivery{}
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// Close stops every subscription, letting in-flight handlers finish their
// acks, then closes the Redis client.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.subsMu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subsMu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return t.client.Close()
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
