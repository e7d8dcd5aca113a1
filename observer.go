package xrpc

import (
	"time"

	"github.com/rs/zerolog"
)

// EventType enumerates node lifecycle events for the Observer pattern.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Dispatch     EventType = "dispatch"
	ErrorReply   EventType = "error_reply"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	EventName string
	RequestID string
	Outcome   Outcome
	Duration  time.Duration
	Err       error
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits node events via zerolog.
type LoggingObserver struct {
	Logger zerolog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	ctx := o.Logger.With().
		Str("type", string(e.Type)).
		Str("topic", e.Topic).
		Str("group", e.Group).
		Str("message_id", e.MessageID).
		Str("event_name", e.EventName)
	if e.RequestID != "" {
		ctx = ctx.Str("request_id", e.RequestID)
	}
	if e.Type == ConsumeDone {
		ctx = ctx.Stringer("outcome", e.Outcome)
	}
	l := ctx.Logger()

	switch {
	case e.Type == Error, e.Type == Nack, e.Err != nil && e.Type == ErrorReply:
		l.Warn().Err(e.Err).Msg("xrpc event")
	case e.Type == ErrorReply:
		l.Info().Msg("xrpc event")
	default:
		ev := l.Debug()
		if e.Duration > 0 {
			ev = ev.Dur("duration", e.Duration)
		}
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		ev.Msg("xrpc event")
	}
}
