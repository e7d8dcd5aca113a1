package xrpc

import (
	"context"
)

// Handler processes a single transport message. Return error to trigger Nack.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic (routing key / stream).
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic within a consumer group.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding envelopes before encryption.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Cipher seals encoded envelopes for the wire and opens received ones.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	// Decrypt returns an error wrapping ErrDecryption when token was not
	// produced by the same key.
	Decrypt(token []byte) ([]byte, error)
}

// Observer receives node lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete node surface.
type API interface {
	Request() *Request
	Publisher(name string) (*Publisher, error)
	Serve(ctx context.Context, topic, group string) (Subscription, error)
	Close(ctx context.Context) error
	Stats() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Node)(nil)
var _ HealthChecker = (*Node)(nil)
