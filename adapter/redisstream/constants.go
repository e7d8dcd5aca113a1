package redisstream

import "errors"

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// dead-letter entries
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("redisstream: transport is closed")

var errMaxDeliveries = errors.New("redisstream: max deliveries reached")
