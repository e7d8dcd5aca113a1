package redisstream

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config for the Redis Streams transport. One stream per route; consumer
// groups give each serving app its own cursor.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery: entries idle longer than ClaimMinIdle are
	// claimed and handed to this consumer again.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
	// MaxDeliveries is the delivery count after which a nacked entry goes to
	// DeadLetter instead of staying pending (0 = dead-letter on first Nack).
	MaxDeliveries int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrpc"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xrpc",
		Consumer:      fmt.Sprintf("xrpc-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("config: max_deliveries must be >= 0, got %d", c.MaxDeliveries)
	}
	return nil
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"max_deliveries":     c.MaxDeliveries,
	}
}

// ConfigFromMap converts a generic options map to Config, starting from
// Defaults. Numbers and durations are accepted in the shapes YAML and
// environment providers produce (int, float64, string).
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := toInt64(m["db"]); ok {
		c.DB = int(v)
	}
	if v, ok := toBool(m["tls"]); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := toInt64(m["concurrency"]); ok && v > 0 {
		c.Concurrency = int(v)
	}
	if v, ok := toInt64(m["batch_size"]); ok && v > 0 {
		c.BatchSize = int(v)
	}
	if v, ok := toDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := toBool(m["auto_create"]); ok {
		c.AutoCreate = v
	}
	if v, ok := toBool(m["auto_delete_on_ack"]); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := toInt64(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := toDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := toInt64(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = int(v)
	}
	if v, ok := toDuration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	if v, ok := toInt64(m["max_deliveries"]); ok && v >= 0 {
		c.MaxDeliveries = int(v)
	}

	return c
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	return false, false
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	case int:
		return time.Duration(d), true
	case int64:
		return time.Duration(d), true
	case float64:
		return time.Duration(d), true
	}
	return 0, false
}
