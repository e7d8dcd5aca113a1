package xrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

// frozenAt is the instant every test clock is pinned to.
var frozenAt = time.Unix(1700000000, 0)

type sent struct {
	topic string
	msg   *Message
}

// recordingTransport keeps every published message and can fail chosen topics.
type recordingTransport struct {
	mu     sync.Mutex
	sent   []sent
	fail   map[string]error
	closed int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{fail: map[string]error{}}
}

func (r *recordingTransport) Publish(ctx context.Context, topic string, msgs ...*Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[topic]; err != nil {
		return err
	}
	for _, m := range msgs {
		r.sent = append(r.sent, sent{topic: topic, msg: m})
	}
	return nil
}

func (r *recordingTransport) Subscribe(context.Context, string, string, func(Delivery)) (Subscription, error) {
	return nil, ErrInvalidSubscription
}

func (r *recordingTransport) Close(context.Context) error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) messages() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sent, len(r.sent))
	copy(out, r.sent)
	return out
}

func testKey(t testing.TB) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

func testBox(t testing.TB, key []byte) *SecretBox {
	t.Helper()
	box, err := NewSecretBox(key)
	require.NoError(t, err)
	return box
}

func testPublisher(t testing.TB, app string, tr Transport, c Cipher) *Publisher {
	t.Helper()
	p, err := NewPublisher(PublisherConfig{
		Name:      "test",
		App:       app,
		Transport: tr,
		Cipher:    c,
		Clock:     xclock.NewFrozen(frozenAt),
	})
	require.NoError(t, err)
	return p
}

// open decrypts and decodes a published message back into its fields.
func open(t testing.TB, c Cipher, m *Message) map[string]any {
	t.Helper()
	plain, err := c.Decrypt(m.Payload)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, JSONCodec{}.Unmarshal(plain, &fields))
	return fields
}

// seal encodes and encrypts a raw envelope document the way a peer would.
func seal(t testing.TB, c Cipher, fields map[string]any) []byte {
	t.Helper()
	plain, err := JSONCodec{}.Marshal(fields)
	require.NoError(t, err)
	token, err := c.Encrypt(plain)
	require.NoError(t, err)
	return token
}
