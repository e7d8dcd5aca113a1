package memory

import (
	"time"
)

// MinRedeliveryDelay is the requeue delay enforced when MaxDeliveries is
// unlimited, so a message that always fails cannot spin a worker.
const MinRedeliveryDelay = 100 * time.Millisecond

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the default number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	// With unlimited deliveries it is raised to at least MinRedeliveryDelay.
	RedeliveryDelay time.Duration
	// MaxDeliveries caps deliveries of one message per group; a nacked message
	// that reached it is dropped (default: 3, 0 = unlimited).
	MaxDeliveries int
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
	// HistorySize bounds the published messages kept per topic for Published (default: 256, 0 disables).
	HistorySize int
}

// Defaults returns the configuration used when no options are given.
func Defaults() Config {
	return Config{
		BufferSize:    1024,
		Concurrency:   1,
		MaxDeliveries: 3,
		AssignIDs:     true,
		HistorySize:   256,
	}
}

// ConfigFromMap reads the generic options blob handed to the transport factory.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := Defaults()
	return Config{
		BufferSize:      max(1, getInt("buffer_size", def.BufferSize)),
		Concurrency:     max(1, getInt("concurrency", def.Concurrency)),
		RedeliveryDelay: getDur("redelivery_delay", def.RedeliveryDelay),
		MaxDeliveries:   max(0, getInt("max_deliveries", def.MaxDeliveries)),
		AssignIDs:       getBool("assign_ids", def.AssignIDs),
		HistorySize:     max(0, getInt("history_size", def.HistorySize)),
	}
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
		"assign_ids":       c.AssignIDs,
		"history_size":     c.HistorySize,
	}
}
