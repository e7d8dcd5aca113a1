package xrpc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"golang.org/x/sync/errgroup"
)

// fanoutLimit bounds concurrent transport publishes of one multi-destination send.
const fanoutLimit = 8

// Publisher sends RPC envelopes through the one transport it was bound to at
// construction. It is safe for concurrent use; per-request state lives in
// the Request values it hands out.
type Publisher struct {
	name      string
	app       string
	transport Transport
	codec     Codec
	cipher    Cipher
	clock     xclock.Clock
	log       zerolog.Logger
	debug     bool

	// notify receives publish lifecycle events (set by Node).
	notify func(Event)
}

// PublisherConfig carries the collaborators of a standalone Publisher.
type PublisherConfig struct {
	Name      string
	App       string
	Transport Transport
	Cipher    Cipher
	Codec     Codec
	Clock     xclock.Clock
	Logger    *zerolog.Logger
	Debug     bool
}

// NewPublisher binds a Publisher to cfg.Transport.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Transport == nil {
		return nil, ErrNoPublishersConfigured
	}
	if cfg.App == "" {
		return nil, fmt.Errorf("xrpc: app identity is required")
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("xrpc: cipher is required")
	}
	p := &Publisher{
		name:      cfg.Name,
		app:       cfg.App,
		transport: cfg.Transport,
		codec:     cfg.Codec,
		cipher:    cfg.Cipher,
		clock:     cfg.Clock,
		debug:     cfg.Debug,
		log:       zerolog.Nop(),
	}
	if p.codec == nil {
		p.codec = JSONCodec{}
	}
	if p.clock == nil {
		p.clock = xclock.Default()
	}
	if cfg.Logger != nil {
		p.log = *cfg.Logger
	}
	return p, nil
}

// Name is the configured publisher name.
func (p *Publisher) Name() string { return p.name }

// Request starts a new envelope. Every call returns an independent builder.
func (p *Publisher) Request() *Request {
	return &Request{p: p}
}

// Request collects the optional envelope fields of one publish call.
type Request struct {
	p        *Publisher
	action   string
	errMsg   string
	replyFor string
	attrs    Args
}

// Action sets the "<alias>.<method>" to invoke on the receiving side.
func (r *Request) Action(action string) *Request {
	r.action = action
	return r
}

// Error turns the envelope into an error reply.
func (r *Request) Error(msg string) *Request {
	r.errMsg = msg
	return r
}

// Attributes sets positional arguments for the action.
func (r *Request) Attributes(args ...any) *Request {
	r.attrs = Positional(args...)
	return r
}

// NamedAttributes sets keyword arguments for the action.
func (r *Request) NamedAttributes(args map[string]any) *Request {
	r.attrs = Named(args)
	return r
}

// ReplyFor correlates an error reply with the request_id it answers.
func (r *Request) ReplyFor(requestID string) *Request {
	r.replyFor = requestID
	return r
}

// Envelope stamps correlation fields and returns the envelope as it would be sent.
func (r *Request) Envelope() Envelope {
	return Envelope{
		RequestID:  r.p.app + "_" + strconv.FormatInt(r.p.clock.Now().Unix(), 10),
		ReplyTo:    r.p.app,
		Action:     r.action,
		Attributes: r.attrs,
		Error:      r.errMsg,
		ReplyFor:   r.replyFor,
	}
}

// Publish sends the envelope to every destination. See Send.
func (r *Request) Publish(ctx context.Context, destinations ...string) error {
	_, err := r.Send(ctx, destinations...)
	return err
}

// Send validates, encrypts and publishes the envelope, returning what was sent.
// With one destination the transport error is returned as is. With several,
// every destination is attempted concurrently and failures come back as
// *FanoutError. A destination listed more than once is sent to once.
// An invalid envelope is rejected before any transport call.
func (r *Request) Send(ctx context.Context, destinations ...string) (Envelope, error) {
	p := r.p
	env := r.Envelope()

	destinations = uniqueDestinations(destinations)
	if len(destinations) == 0 {
		return env, ErrNoDestination
	}
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: RPC publish fails: %v", ErrInvalidEnvelope, err)
	}

	plain, err := p.codec.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("xrpc: encode envelope: %w", err)
	}
	token, err := p.cipher.Encrypt(plain)
	if err != nil {
		return env, fmt.Errorf("xrpc: encrypt envelope: %w", err)
	}

	name := env.Action
	if name == "" {
		name = FieldError
	}

	if len(destinations) == 1 {
		return env, p.send(ctx, destinations[0], name, env, plain, token)
	}

	var (
		mu     sync.Mutex
		failed map[string]error
		g      errgroup.Group
	)
	g.SetLimit(fanoutLimit)
	for _, dest := range destinations {
		g.Go(func() error {
			if err := p.send(ctx, dest, name, env, plain, token); err != nil {
				mu.Lock()
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[dest] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed != nil {
		return env, &FanoutError{Failed: failed}
	}
	return env, nil
}

func uniqueDestinations(destinations []string) []string {
	if len(destinations) < 2 {
		return destinations
	}
	seen := make(map[string]struct{}, len(destinations))
	out := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (p *Publisher) send(ctx context.Context, dest, name string, env Envelope, plain, token []byte) error {
	if p.debug {
		p.log.Info().
			Str("route", dest).
			RawJSON("envelope", plain).
			Msgf("xrpc: message sent to route %s", dest)
	}

	msg := &Message{
		Name:    name,
		Payload: token,
		Metadata: map[string]string{
			MetaDeliveryMode: DeliveryPersistent,
		},
		ProducedAt: p.clock.Now(),
	}

	start := p.clock.Now()
	p.emit(Event{Type: PublishStart, Topic: dest, EventName: name, RequestID: env.RequestID})
	err := p.transport.Publish(ctx, dest, msg)
	p.emit(Event{
		Type:      PublishDone,
		Topic:     dest,
		EventName: name,
		RequestID: env.RequestID,
		Duration:  p.clock.Since(start),
		Err:       err,
	})
	return err
}

func (p *Publisher) emit(e Event) {
	if p.notify != nil {
		p.notify(e)
	}
}
