package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xrpc"
)

const TransportName = "redis-streams"

func init() {
	if err := xrpc.RegisterTransport(TransportName, func(cfg map[string]any) (xrpc.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrpc: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Node that publishes and consumes through Redis Streams, sets
// it as the default Node and returns it.
func Use(app string, key []byte, cfg Config, opts ...Option) *xrpc.Node {
	nb := xrpc.NewNodeBuilder().
		WithApp(app).
		WithKey(key).
		WithPublisher(TransportName, TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(nb)
		}
	}
	node, err := nb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	// Install as process-wide default (replaces any existing default).
	xrpc.SetDefault(node)
	return node
}
