package xrpc

import (
	"time"
)

// Metadata keys stamped on every outgoing RPC message.
const (
	MetaDeliveryMode = "delivery_mode"

	// DeliveryPersistent asks the broker to keep the message across restarts.
	DeliveryPersistent = "persistent"
)

// Message is the transport unit. Payload holds the encrypted envelope token.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the envelope action, or "error" for error replies.
	Name string
	// Payload is the ciphertext of the encoded envelope.
	Payload []byte
	// Metadata carries delivery properties in clear text. Correlation fields
	// live only inside the encrypted envelope.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Persistent reports whether the producer asked for a durable delivery.
func (m *Message) Persistent() bool {
	return m != nil && m.Metadata[MetaDeliveryMode] == DeliveryPersistent
}
