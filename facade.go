package xrpc

import (
	"context"
	"sync"
)

var (
	defaultNode   *Node
	defaultNodeMu sync.Mutex
)

// Default returns the process-wide Node. The first call builds it from init;
// later calls return that same Node and ignore init.
func Default(init func(b *NodeBuilder)) (*Node, error) {
	defaultNodeMu.Lock()
	defer defaultNodeMu.Unlock()

	if defaultNode != nil {
		return defaultNode, nil
	}
	b := NewNodeBuilder()
	if init != nil {
		init(b)
	}
	n, err := b.Build()
	if err != nil {
		return nil, err
	}
	defaultNode = n
	return defaultNode, nil
}

// SetDefault replaces the process-wide default Node. Passing nil clears it.
func SetDefault(n *Node) {
	defaultNodeMu.Lock()
	defaultNode = n
	defaultNodeMu.Unlock()
}

// Call publishes an action with positional attributes through the default Node.
func Call(ctx context.Context, action string, args []any, destinations ...string) error {
	n, err := Default(nil)
	if err != nil {
		return err
	}
	return n.Request().Action(action).Attributes(args...).Publish(ctx, destinations...)
}

// Serve consumes from topic through the default Node.
func Serve(ctx context.Context, topic, group string) (Subscription, error) {
	n, err := Default(nil)
	if err != nil {
		return nil, err
	}
	return n.Serve(ctx, topic, group)
}
