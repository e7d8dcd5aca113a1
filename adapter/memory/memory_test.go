package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrpc"
)

func TestTransport_GroupsEachReceiveEveryMessage(t *testing.T) {
	tr := NewTransport(Defaults())
	defer tr.Close(context.Background())

	var a, b atomic.Int32
	subA, err := tr.Subscribe(context.Background(), "rpc.billing", "a", func(d xrpc.Delivery) {
		a.Add(1)
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(context.Background(), "rpc.billing", "b", func(d xrpc.Delivery) {
		b.Add(1)
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer subB.Close()

	for range 3 {
		require.NoError(t, tr.Publish(context.Background(), "rpc.billing", &xrpc.Message{Payload: []byte("x")}))
	}

	assert.Eventually(t, func() bool { return a.Load() == 3 && b.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return tr.Stats().Acked == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), tr.Stats().Published)
}

func TestTransport_WorkersShareAGroup(t *testing.T) {
	cfg := Defaults()
	cfg.Concurrency = 4
	tr := NewTransport(cfg)
	defer tr.Close(context.Background())

	var seen sync.Map
	var total atomic.Int32
	sub, err := tr.Subscribe(context.Background(), "rpc.billing", "billing", func(d xrpc.Delivery) {
		if _, dup := seen.LoadOrStore(d.Message().ID, true); !dup {
			total.Add(1)
		}
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer sub.Close()

	for range 50 {
		require.NoError(t, tr.Publish(context.Background(), "rpc.billing", &xrpc.Message{}))
	}
	assert.Eventually(t, func() bool { return tr.Stats().Acked == 50 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(50), total.Load(), "each message handled once per group")
}

func TestTransport_NackRedeliversUntilLimit(t *testing.T) {
	cfg := Defaults()
	cfg.MaxDeliveries = 3
	tr := NewTransport(cfg)
	defer tr.Close(context.Background())

	var attempts atomic.Int32
	sub, err := tr.Subscribe(context.Background(), "rpc.billing", "billing", func(d xrpc.Delivery) {
		attempts.Add(1)
		_ = d.Nack(context.Background(), errors.New("handler failed"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(context.Background(), "rpc.billing", &xrpc.Message{}))

	assert.Eventually(t, func() bool { return tr.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	st := tr.Stats()
	assert.Equal(t, uint64(3), st.Nacked)
	assert.Equal(t, uint64(2), st.Redelivered)
}

func TestTransport_NackAfterDelay(t *testing.T) {
	cfg := Defaults()
	cfg.RedeliveryDelay = 20 * time.Millisecond
	tr := NewTransport(cfg)
	defer tr.Close(context.Background())

	var attempts atomic.Int32
	sub, err := tr.Subscribe(context.Background(), "rpc.billing", "billing", func(d xrpc.Delivery) {
		if attempts.Add(1) == 1 {
			_ = d.Nack(context.Background(), errors.New("retry"))
			return
		}
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(context.Background(), "rpc.billing", &xrpc.Message{}))
	assert.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestTransport_UnlimitedDeliveriesAreSpaced(t *testing.T) {
	cfg := Defaults()
	cfg.MaxDeliveries = 0
	tr := NewTransport(cfg)
	defer tr.Close(context.Background())

	var (
		attempts atomic.Int32
		first    time.Time
		gap      atomic.Int64
	)
	sub, err := tr.Subscribe(context.Background(), "rpc.billing", "billing", func(d xrpc.Delivery) {
		if attempts.Add(1) == 1 {
			first = time.Now()
			_ = d.Nack(context.Background(), errors.New("retry"))
			return
		}
		gap.Store(int64(time.Since(first)))
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(context.Background(), "rpc.billing", &xrpc.Message{}))
	assert.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Duration(gap.Load()), MinRedeliveryDelay)
}

func TestDefaults_BoundDeliveries(t *testing.T) {
	assert.Equal(t, 3, Defaults().MaxDeliveries)
	assert.Equal(t, 3, ConfigFromMap(map[string]any{}).MaxDeliveries)
	assert.Zero(t, ConfigFromMap(map[string]any{"max_deliveries": 0}).MaxDeliveries, "0 still means unlimited")
}

func TestTransport_AckIsOnce(t *testing.T) {
	tr := NewTransport(Defaults())
	defer tr.Close(context.Background())

	done := make(chan struct{})
	sub, err := tr.Subscribe(context.Background(), "q", "g", func(d xrpc.Delivery) {
		_ = d.Ack(context.Background())
		_ = d.Ack(context.Background())
		_ = d.Nack(context.Background(), errors.New("late"))
		close(done)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(context.Background(), "q", &xrpc.Message{}))
	<-done
	st := tr.Stats()
	assert.Equal(t, uint64(1), st.Acked)
	assert.Zero(t, st.Nacked)
}

func TestTransport_History(t *testing.T) {
	cfg := Defaults()
	cfg.HistorySize = 2
	tr := NewTransport(cfg)
	defer tr.Close(context.Background())

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Publish(context.Background(), "shop", &xrpc.Message{Payload: []byte(body), Metadata: map[string]string{"k": body}}))
	}

	got := tr.Published("shop")
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Payload))
	assert.Equal(t, "c", string(got[1].Payload))
	assert.NotEmpty(t, got[1].ID, "ids are assigned")
	assert.Contains(t, got[1].ID, "mem-")

	got[1].Metadata["k"] = "changed"
	assert.Equal(t, "c", tr.Published("shop")[1].Metadata["k"], "history holds copies")
	assert.Empty(t, tr.Published("nobody"))
}

func TestTransport_SubscribeValidation(t *testing.T) {
	tr := NewTransport(Defaults())
	noop := func(xrpc.Delivery) {}

	_, err := tr.Subscribe(context.Background(), "", "g", noop)
	assert.ErrorIs(t, err, xrpc.ErrInvalidSubscription)
	_, err = tr.Subscribe(context.Background(), "q", "", noop)
	assert.ErrorIs(t, err, xrpc.ErrInvalidSubscription)
	_, err = tr.Subscribe(context.Background(), "q", "g", nil)
	assert.ErrorIs(t, err, xrpc.ErrInvalidSubscription)
}

func TestTransport_Close(t *testing.T) {
	tr := NewTransport(Defaults())
	sub, err := tr.Subscribe(context.Background(), "q", "g", func(xrpc.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))
	assert.NoError(t, sub.Close())

	assert.ErrorIs(t, tr.Publish(context.Background(), "q", &xrpc.Message{}), ErrClosed)
	_, err = tr.Subscribe(context.Background(), "q", "g", func(xrpc.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	cfg := Config{
		BufferSize:      64,
		Concurrency:     3,
		RedeliveryDelay: time.Second,
		MaxDeliveries:   5,
		AssignIDs:       false,
		HistorySize:     0,
	}
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))

	fromYAML := ConfigFromMap(map[string]any{
		"buffer_size":      float64(16),
		"redelivery_delay": "250ms",
		"max_deliveries":   int64(2),
	})
	assert.Equal(t, 16, fromYAML.BufferSize)
	assert.Equal(t, 250*time.Millisecond, fromYAML.RedeliveryDelay)
	assert.Equal(t, 2, fromYAML.MaxDeliveries)
	assert.True(t, fromYAML.AssignIDs)
	assert.Equal(t, 256, fromYAML.HistorySize)

	assert.Equal(t, Defaults(), ConfigFromMap(nil))
}

func TestRegisteredFactory(t *testing.T) {
	assert.Contains(t, xrpc.Transports(), TransportName)

	tr, err := xrpc.NewTransport(TransportName, map[string]any{"history_size": 1})
	require.NoError(t, err)
	defer tr.Close(context.Background())
	assert.IsType(t, &Transport{}, tr)
}
