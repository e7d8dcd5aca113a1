package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the terminal state of processing one inbound message.
type Outcome int

const (
	// OutcomeIgnored: a valid envelope that asked for nothing.
	OutcomeIgnored Outcome = iota
	// OutcomeUndecodable: the body could not be decrypted or parsed.
	OutcomeUndecodable
	// OutcomeInvalid: the envelope failed validation.
	OutcomeInvalid
	// OutcomeErrorNotification: the envelope is an error reply to an earlier request.
	OutcomeErrorNotification
	// OutcomeHandled: the action ran and returned no error.
	OutcomeHandled
	// OutcomeFailed: the handler failed; an error reply was attempted.
	OutcomeFailed
	// OutcomeRejected: the action could not be resolved; an error reply was attempted.
	OutcomeRejected
)

var outcomeNames = [...]string{
	OutcomeIgnored:           "ignored",
	OutcomeUndecodable:       "undecodable",
	OutcomeInvalid:           "invalid",
	OutcomeErrorNotification: "error_notification",
	OutcomeHandled:           "handled",
	OutcomeFailed:            "failed",
	OutcomeRejected:          "rejected",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Ack reports whether the transport should acknowledge the message.
// Undecodable and rejected messages are acknowledged so a permanently broken
// body or an action this node cannot serve is not redelivered forever; invalid
// and failed ones are left to the transport's redelivery policy.
func (o Outcome) Ack() bool {
	switch o {
	case OutcomeInvalid, OutcomeFailed:
		return false
	}
	return true
}

// Processor is the consuming side of the protocol: it turns a delivered
// body into a handler call and answers failures with a correlated error
// envelope. It holds no per-message state and is safe for concurrent use.
type Processor struct {
	codec    Codec
	cipher   Cipher
	resolver *Resolver
	replies  *Publisher
	sink     sink

	replyTimeout time.Duration

	notify func(Event)
}

// ProcessorConfig carries the collaborators of a Processor. Replies may be
// nil, in which case failures are only logged.
type ProcessorConfig struct {
	Cipher   Cipher
	Codec    Codec
	Resolver *Resolver
	Replies  *Publisher
	Logger   *zerolog.Logger
	Debug    bool
	// ReplyTimeout bounds publishing one error reply (default: 5s).
	ReplyTimeout time.Duration
}

const defaultReplyTimeout = 5 * time.Second

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("xrpc: cipher is required")
	}
	p := &Processor{
		codec:    cfg.Codec,
		cipher:   cfg.Cipher,
		resolver: cfg.Resolver,
		replies:  cfg.Replies,
		sink:     sink{log: zerolog.Nop(), debug: cfg.Debug},

		replyTimeout: cfg.ReplyTimeout,
	}
	if p.replyTimeout <= 0 {
		p.replyTimeout = defaultReplyTimeout
	}
	if p.codec == nil {
		p.codec = JSONCodec{}
	}
	if p.resolver == nil {
		p.resolver = NewResolver(nil, nil)
	}
	if cfg.Logger != nil {
		p.sink.log = *cfg.Logger
	}
	return p, nil
}

// Process handles one message body. It never panics and never returns an
// error; the Outcome says what happened and whether to ack.
func (p *Processor) Process(ctx context.Context, body []byte) Outcome {
	plain, err := p.cipher.Decrypt(body)
	if err != nil {
		p.sink.Error(fmt.Sprintf("xrpc: can't decrypt message: %v", err), "")
		return OutcomeUndecodable
	}

	var fields map[string]any
	if err := p.codec.Unmarshal(plain, &fields); err != nil || len(fields) == 0 {
		p.sink.Error("xrpc: can't decode envelope from body", string(plain))
		return OutcomeUndecodable
	}

	if errs := Validate(fields); len(errs) > 0 {
		p.sink.Error("xrpc: incorrect RPC request: "+errs.Error(), dump(fields))
		return OutcomeInvalid
	}

	env := envelopeFromFields(fields)
	switch {
	case env.Action != "":
		return p.dispatch(ctx, env, fields)
	case env.Error != "":
		p.sink.Info(fmt.Sprintf("xrpc: previous RPC action %q returns an error: %s", env.ReplyFor, env.Error), "")
		return OutcomeErrorNotification
	}
	return OutcomeIgnored
}

func (p *Processor) dispatch(ctx context.Context, env Envelope, fields map[string]any) Outcome {
	call, err := p.resolver.Resolve(env.Action)
	if err != nil {
		p.fail(ctx, env, fields, err, "")
		return OutcomeRejected
	}

	p.emit(Event{Type: Dispatch, EventName: env.Action, RequestID: env.RequestID})
	if stack, err := invoke(injectEnvelope(ctx, env), call, env.Attributes); err != nil {
		p.fail(ctx, env, fields, err, stack)
		return OutcomeFailed
	}
	return OutcomeHandled
}

// invoke runs the call, turning a handler panic into an error plus its stack.
func invoke(ctx context.Context, call *Call, args Args) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			stack = string(debug.Stack())
		}
	}()
	return "", call.Invoke(ctx, args)
}

func (p *Processor) fail(ctx context.Context, env Envelope, fields map[string]any, cause error, stack string) {
	msg := cause.Error()
	if !strings.HasPrefix(msg, "xrpc: ") {
		msg = "xrpc: " + msg
	}
	debugPayload := dump(fields)
	if stack != "" {
		debugPayload = stack + "\n" + debugPayload
	}
	p.sink.Error(msg, debugPayload)
	p.reply(ctx, env, msg)
}

// reply publishes an error envelope back to the requester when it can be
// identified. The reply outlives the handler's context: a handler that failed
// because its deadline passed must still be answered.
func (p *Processor) reply(ctx context.Context, env Envelope, msg string) {
	if env.RequestID == "" || env.ReplyTo == "" {
		return
	}
	if p.replies == nil {
		p.sink.Error("xrpc: no publisher for error reply to "+env.ReplyTo, "")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.replyTimeout)
	defer cancel()
	err := p.replies.Request().
		Error(msg).
		ReplyFor(env.RequestID).
		Publish(ctx, env.ReplyTo)
	p.emit(Event{Type: ErrorReply, Topic: env.ReplyTo, EventName: env.Action, RequestID: env.RequestID, Err: err})
	if err != nil {
		p.sink.Error(fmt.Sprintf("xrpc: error reply to %s for %s failed: %v", env.ReplyTo, env.RequestID, err), "")
	}
}

func (p *Processor) emit(e Event) {
	if p.notify != nil {
		p.notify(e)
	}
}

func dump(fields map[string]any) string {
	b, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Sprintf("%#v", fields)
	}
	return string(b)
}
