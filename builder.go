package xrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

type publisherEntry struct {
	name          string
	transportName string
	transportCfg  map[string]any
	transportInst Transport
}

// NodeBuilder constructs Node instances (Builder pattern).
type NodeBuilder struct {
	app   string
	debug bool

	publishers     []publisherEntry
	replyPublisher string

	consumerName string
	consumerCfg  map[string]any
	consumerInst Transport

	codecName string
	codecInst Codec

	cipher Cipher
	key    []byte

	registry   *Registry
	processors map[string]string

	middlewares []Middleware
	observers   []Observer
	logger      *zerolog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewNodeBuilder returns a new builder with sensible defaults.
func NewNodeBuilder() *NodeBuilder {
	return &NodeBuilder{
		codecName:  "json",
		ackTimeout: 5 * time.Second,
	}
}

// WithApp sets the identity stamped into request_id and reply_to.
func (nb *NodeBuilder) WithApp(name string) *NodeBuilder {
	nb.app = name
	return nb
}

// WithDebug enables debug payloads (envelope dumps, stacks) in logs.
func (nb *NodeBuilder) WithDebug(on bool) *NodeBuilder {
	nb.debug = on
	return nb
}

// WithPublisher adds a named publisher whose transport is built from the
// registry. Configuring the same name twice replaces the earlier entry. The
// last publisher configured is the default.
func (nb *NodeBuilder) WithPublisher(name, transport string, cfg map[string]any) *NodeBuilder {
	nb.addPublisher(publisherEntry{name: name, transportName: transport, transportCfg: cfg})
	return nb
}

// WithPublisherInstance adds a named publisher over a ready Transport.
func (nb *NodeBuilder) WithPublisherInstance(name string, t Transport) *NodeBuilder {
	nb.addPublisher(publisherEntry{name: name, transportInst: t})
	return nb
}

func (nb *NodeBuilder) addPublisher(ps publisherEntry) {
	for i, existing := range nb.publishers {
		if existing.name == ps.name {
			nb.publishers = append(nb.publishers[:i], nb.publishers[i+1:]...)
			break
		}
	}
	nb.publishers = append(nb.publishers, ps)
}

// WithReplyPublisher selects the publisher used for error replies. The
// default publisher is used when unset.
func (nb *NodeBuilder) WithReplyPublisher(name string) *NodeBuilder {
	nb.replyPublisher = name
	return nb
}

// WithConsumer sets the transport the node serves from. When unset the
// default publisher's transport is shared.
func (nb *NodeBuilder) WithConsumer(transport string, cfg map[string]any) *NodeBuilder {
	nb.consumerName = transport
	nb.consumerCfg = cfg
	return nb
}

// WithConsumerInstance accepts a ready Transport for consuming.
func (nb *NodeBuilder) WithConsumerInstance(t Transport) *NodeBuilder {
	nb.consumerInst = t
	return nb
}

func (nb *NodeBuilder) WithCodec(name string) *NodeBuilder {
	nb.codecName = name
	return nb
}

// WithCodecInstance accepts a ready Codec instance.
func (nb *NodeBuilder) WithCodecInstance(c Codec) *NodeBuilder {
	nb.codecInst = c
	return nb
}

// WithCipher sets the cipher shared by publishing and processing.
func (nb *NodeBuilder) WithCipher(c Cipher) *NodeBuilder {
	nb.cipher = c
	return nb
}

// WithKey builds a SecretBox from a raw key at Build time.
func (nb *NodeBuilder) WithKey(key []byte) *NodeBuilder {
	nb.key = key
	return nb
}

func (nb *NodeBuilder) WithRegistry(r *Registry) *NodeBuilder {
	nb.registry = r
	return nb
}

// WithProcessors sets the alias to handler name table used to resolve actions.
func (nb *NodeBuilder) WithProcessors(aliases map[string]string) *NodeBuilder {
	nb.processors = aliases
	return nb
}

func (nb *NodeBuilder) WithMiddleware(mw ...Middleware) *NodeBuilder {
	if len(mw) == 0 {
		return nb
	}
	nb.middlewares = append(nb.middlewares, mw...)
	return nb
}

func (nb *NodeBuilder) WithObserver(obs ...Observer) *NodeBuilder {
	for _, o := range obs {
		if o != nil {
			nb.observers = append(nb.observers, o)
		}
	}
	return nb
}

func (nb *NodeBuilder) WithLogger(l zerolog.Logger) *NodeBuilder {
	nb.logger = &l
	return nb
}

func (nb *NodeBuilder) WithClock(c xclock.Clock) *NodeBuilder {
	nb.clock = c
	return nb
}

func (nb *NodeBuilder) WithAckTimeout(d time.Duration) *NodeBuilder {
	if d > 0 {
		nb.ackTimeout = d
	}
	return nb
}

// WithAsyncObservers dispatches events to observers on a worker pool
// instead of inline on the processing goroutine.
func (nb *NodeBuilder) WithAsyncObservers(workers, bufferSize int) *NodeBuilder {
	nb.poolWorkers = workers
	nb.poolBuffer = bufferSize
	return nb
}

// Build wires publishers, the processor and the consumer into a Node.
// Transports already opened are closed again when a later step fails.
func (nb *NodeBuilder) Build() (*Node, error) {
	lg := zerolog.Nop()
	if nb.logger != nil {
		lg = *nb.logger
	}

	if nb.app == "" {
		return nil, fmt.Errorf("xrpc: app identity is required")
	}
	if len(nb.publishers) == 0 {
		lg.Error().Msg("xrpc: no RPC publishers defined")
		return nil, ErrNoPublishersConfigured
	}

	cipher := nb.cipher
	if cipher == nil {
		if len(nb.key) == 0 {
			return nil, fmt.Errorf("xrpc: cipher key is required")
		}
		box, err := NewSecretBox(nb.key)
		if err != nil {
			return nil, err
		}
		cipher = box
	}

	var cd Codec
	if nb.codecInst != nil {
		cd = nb.codecInst
	} else {
		var err error
		cd, err = NewCodec(nb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := nb.clock
	if clk == nil {
		clk = xclock.Default()
	}

	n := &Node{
		app:         nb.app,
		publishers:  make(map[string]*Publisher, len(nb.publishers)),
		clock:       clk,
		logger:      lg,
		middlewares: nb.middlewares,
		ackTimeout:  nb.ackTimeout,
	}

	var defaultTransport Transport
	for _, ps := range nb.publishers {
		tr, err := nb.openPublisher(ps)
		if err != nil {
			return nil, n.abort(fmt.Errorf("xrpc: publisher %q: %w", ps.name, err))
		}
		n.own(tr)

		pub, err := NewPublisher(PublisherConfig{
			Name:      ps.name,
			App:       nb.app,
			Transport: tr,
			Cipher:    cipher,
			Codec:     cd,
			Clock:     clk,
			Logger:    &lg,
			Debug:     nb.debug,
		})
		if err != nil {
			return nil, n.abort(err)
		}
		pub.notify = n.onEvent
		n.publishers[ps.name] = pub
		n.defaultPub = pub
		defaultTransport = tr
	}

	switch {
	case nb.consumerInst != nil:
		n.consumer = nb.consumerInst
	case nb.consumerName != "":
		tr, err := NewTransport(nb.consumerName, nb.consumerCfg)
		if err != nil {
			return nil, n.abort(fmt.Errorf("xrpc: consumer: %w", err))
		}
		n.consumer = tr
	default:
		n.consumer = defaultTransport
	}
	n.own(n.consumer)

	replies, err := n.Publisher(nb.replyPublisher)
	if err != nil {
		return nil, n.abort(err)
	}

	proc, err := NewProcessor(ProcessorConfig{
		Cipher:   cipher,
		Codec:    cd,
		Resolver: NewResolver(nb.processors, nb.registry),
		Replies:  replies,
		Logger:   &lg,
		Debug:    nb.debug,
	})
	if err != nil {
		return nil, n.abort(err)
	}
	proc.notify = n.onEvent
	n.processor = proc

	if nb.poolWorkers > 0 {
		n.pool = NewObserverPool(context.Background(), nb.poolWorkers, nb.poolBuffer, lg)
	}

	hasLoggingObserver := false
	for _, o := range nb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && nb.logger != nil {
		n.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range nb.observers {
		n.AddObserver(o)
	}

	return n, nil
}

func (nb *NodeBuilder) openPublisher(ps publisherEntry) (Transport, error) {
	switch {
	case ps.transportInst != nil:
		return ps.transportInst, nil
	case ps.transportName != "":
		return NewTransport(ps.transportName, ps.transportCfg)
	}
	return nil, ErrNoPublishersConfigured
}

// own records t for Close, skipping duplicates of a shared instance.
func (n *Node) own(t Transport) {
	for _, existing := range n.transports {
		if existing == t {
			return
		}
	}
	n.transports = append(n.transports, t)
}

// abort closes whatever Build already opened and returns cause.
func (n *Node) abort(cause error) error {
	var errs []error
	for _, t := range n.transports {
		if err := t.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(append([]error{cause}, errs...)...)
}

// New constructs a Node via Builder and returns a close func for convenience.
func New(init func(b *NodeBuilder)) (*Node, func() error, error) {
	b := NewNodeBuilder()
	if init != nil {
		init(b)
	}
	n, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return n.Close(context.Background()) }
	return n, closeFn, nil
}
