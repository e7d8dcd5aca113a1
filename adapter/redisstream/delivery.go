package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xrpc"
)

// delivery implements xrpc.Delivery for Redis Streams.
type delivery struct {
	t       *transport
	topic   string
	group   string
	id      string
	attempt int64
	msg     *xrpc.Message

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Message() *xrpc.Message {
	return d.msg
}

// Ack acknowledges a message, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack negative-acknowledges a message. Redis Streams has no NACK: the entry
// either stays pending for the claim loop to redeliver, or, once it used up
// MaxDeliveries and a dead-letter stream is configured, is copied there and
// acknowledged.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)

		dl := d.t.cfg.DeadLetter
		if dl == "" || d.attempt < int64(d.t.cfg.MaxDeliveries) {
			return
		}
		if err = d.t.deadLetter(ctx, d.topic, d.id, d.msg, reason); err != nil {
			return
		}
		err = d.ack(ctx)
	})
	return err
}

// encodeMessage flattens a message into stream entry values.
func encodeMessage(m *xrpc.Message) map[string]any {
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs an xrpc.Message from Redis stream entry values.
func decodeMessage(id string, vals map[string]any) *xrpc.Message {
	msg := &xrpc.Message{
		ID:       id,
		Metadata: make(map[string]string, 4),
	}

	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}

	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}

	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}

	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}

	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
