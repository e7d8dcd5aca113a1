package xrpc

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	box     *SecretBox
	replies *recordingTransport
	proc    *Processor
	logs    *bytes.Buffer
	events  []Event
	charged []int64
}

func newProcessorFixture(t *testing.T, debug bool) *processorFixture {
	t.Helper()
	f := &processorFixture{
		box:     testBox(t, testKey(t)),
		replies: newRecordingTransport(),
		logs:    &bytes.Buffer{},
	}

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStatic("BillingHandler", map[string]Method{
		"charge": func(ctx context.Context, args Args) error {
			amount, err := args.Int(0)
			if err != nil {
				return err
			}
			f.charged = append(f.charged, amount)
			return nil
		},
		"fail": func(context.Context, Args) error {
			return errors.New("card declined")
		},
		"explode": func(context.Context, Args) error {
			panic("nil card")
		},
		"whoami": func(ctx context.Context, args Args) error {
			env, ok := EnvelopeFromContext(ctx)
			if !ok || env.ReplyTo != "shop" {
				return errors.New("envelope missing from context")
			}
			return nil
		},
	}))

	lg := zerolog.New(f.logs)
	proc, err := NewProcessor(ProcessorConfig{
		Cipher:   f.box,
		Resolver: NewResolver(map[string]string{"billing": "BillingHandler", "ghost": "GhostHandler"}, reg),
		Replies:  testPublisher(t, "billing", f.replies, f.box),
		Logger:   &lg,
		Debug:    debug,
	})
	require.NoError(t, err)
	proc.notify = func(e Event) { f.events = append(f.events, e) }
	f.proc = proc
	return f
}

func (f *processorFixture) process(t *testing.T, fields map[string]any) Outcome {
	return f.proc.Process(context.Background(), seal(t, f.box, fields))
}

func request(action string, attrs ...any) map[string]any {
	m := map[string]any{FieldRequestID: "X", FieldReplyTo: "Q", FieldAction: action}
	if attrs != nil {
		m[FieldAttributes] = attrs
	}
	return m
}

func TestProcess_Handled(t *testing.T) {
	f := newProcessorFixture(t, false)

	out := f.process(t, request("billing.charge", 100, "USD"))
	assert.Equal(t, OutcomeHandled, out)
	assert.True(t, out.Ack())
	assert.Equal(t, []int64{100}, f.charged)
	assert.Empty(t, f.replies.messages())

	require.NotEmpty(t, f.events)
	assert.Equal(t, Dispatch, f.events[0].Type)
	assert.Equal(t, "X", f.events[0].RequestID)
}

func TestProcess_HandlerSeesEnvelope(t *testing.T) {
	f := newProcessorFixture(t, false)
	m := request("billing.whoami")
	m[FieldReplyTo] = "shop"
	assert.Equal(t, OutcomeHandled, f.process(t, m))
}

func TestProcess_FailureSendsOneCorrelatedReply(t *testing.T) {
	for name, tc := range map[string]struct {
		action string
		want   Outcome
	}{
		"handler error":   {"billing.fail", OutcomeFailed},
		"handler panic":   {"billing.explode", OutcomeFailed},
		"bad arguments":   {"billing.charge", OutcomeFailed},
		"unknown alias":   {"shipping.send", OutcomeRejected},
		"missing handler": {"ghost.charge", OutcomeRejected},
		"missing method":  {"billing.refund", OutcomeRejected},
	} {
		t.Run(name, func(t *testing.T) {
			f := newProcessorFixture(t, false)
			attrs := []any{"not a number"}

			out := f.process(t, request(tc.action, attrs...))
			assert.Equal(t, tc.want, out)
			assert.Equal(t, tc.want == OutcomeRejected, out.Ack(), "only permanent failures are acked")

			msgs := f.replies.messages()
			require.Len(t, msgs, 1, "exactly one reply")
			assert.Equal(t, "Q", msgs[0].topic)

			reply := open(t, f.box, msgs[0].msg)
			assert.Equal(t, "X", reply[FieldReplyFor])
			assert.Equal(t, "billing", reply[FieldReplyTo])
			assert.NotEmpty(t, reply[FieldError])
			assert.NotContains(t, reply, FieldAction)
		})
	}
}

func TestProcess_ReplyCarriesCause(t *testing.T) {
	f := newProcessorFixture(t, false)
	f.process(t, request("billing.fail"))

	reply := open(t, f.box, f.replies.messages()[0].msg)
	assert.Equal(t, "xrpc: card declined", reply[FieldError])

	f = newProcessorFixture(t, false)
	f.process(t, request("shipping.send"))
	reply = open(t, f.box, f.replies.messages()[0].msg)
	assert.Equal(t, `xrpc: unknown handler alias "shipping"`, reply[FieldError])
}

func TestProcess_ReplyOutlivesHandlerContext(t *testing.T) {
	f := newProcessorFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.proc.Process(ctx, seal(t, f.box, request("billing.fail")))
	assert.Equal(t, OutcomeFailed, out)
	require.Len(t, f.replies.messages(), 1, "reply is sent after the handler context ended")
	assert.Equal(t, "Q", f.replies.messages()[0].topic)

	var replies []Event
	for _, e := range f.events {
		if e.Type == ErrorReply {
			replies = append(replies, e)
		}
	}
	require.Len(t, replies, 1)
	assert.NoError(t, replies[0].Err)
}

func TestProcess_PanicLogsStackOnlyInDebug(t *testing.T) {
	quiet := newProcessorFixture(t, false)
	assert.Equal(t, OutcomeFailed, quiet.process(t, request("billing.explode")))
	assert.Contains(t, quiet.logs.String(), "xrpc: handler panic: nil card")
	assert.NotContains(t, quiet.logs.String(), "xrpc: xrpc:")
	assert.NotContains(t, quiet.logs.String(), "goroutine")

	loud := newProcessorFixture(t, true)
	assert.Equal(t, OutcomeFailed, loud.process(t, request("billing.explode")))
	assert.Contains(t, loud.logs.String(), "goroutine")
}

func TestProcess_ErrorNotification(t *testing.T) {
	f := newProcessorFixture(t, false)

	out := f.process(t, map[string]any{
		FieldRequestID: "billing_1",
		FieldReplyTo:   "billing",
		FieldError:     "xrpc: card declined",
		FieldReplyFor:  "shop_1",
	})
	assert.Equal(t, OutcomeErrorNotification, out)
	assert.True(t, out.Ack())
	assert.Empty(t, f.replies.messages(), "error replies are never answered")
	assert.Contains(t, f.logs.String(), `previous RPC action \"shop_1\" returns an error`)
	assert.Contains(t, f.logs.String(), `"level":"info"`)
}

func TestProcess_Invalid(t *testing.T) {
	f := newProcessorFixture(t, true)

	out := f.process(t, map[string]any{FieldRequestID: "X", FieldReplyTo: "Q", FieldAction: "a.b.c"})
	assert.Equal(t, OutcomeInvalid, out)
	assert.False(t, out.Ack())
	assert.Empty(t, f.replies.messages(), "invalid requests get no reply")
	assert.Contains(t, f.logs.String(), "incorrect RPC request")
	assert.Contains(t, f.logs.String(), "a.b.c", "field dump in debug mode")
}

func TestProcess_Undecodable(t *testing.T) {
	f := newProcessorFixture(t, false)

	assert.Equal(t, OutcomeUndecodable, f.proc.Process(context.Background(), []byte("plain text")))

	foreign := testBox(t, testKey(t))
	assert.Equal(t, OutcomeUndecodable, f.proc.Process(context.Background(), seal(t, foreign, request("billing.charge", 1))))

	notJSON, err := f.box.Encrypt([]byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUndecodable, f.proc.Process(context.Background(), notJSON))

	emptyDoc, err := f.box.Encrypt([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUndecodable, f.proc.Process(context.Background(), emptyDoc))

	assert.True(t, OutcomeUndecodable.Ack())
	assert.Empty(t, f.replies.messages())
	assert.Empty(t, f.charged)
}

func TestProcess_ActionWinsOverError(t *testing.T) {
	f := newProcessorFixture(t, false)
	m := request("billing.charge", 7)
	m[FieldError] = "also an error"
	m[FieldReplyFor] = "Y"
	assert.Equal(t, OutcomeHandled, f.process(t, m))
	assert.Equal(t, []int64{7}, f.charged)
}

func TestProcess_NoReplyWithoutCorrelation(t *testing.T) {
	f := newProcessorFixture(t, false)
	env := Envelope{Action: "billing.fail"}
	f.proc.reply(context.Background(), env, "xrpc: boom")
	assert.Empty(t, f.replies.messages())
}

func TestProcess_ReplyPublishFailureIsLogged(t *testing.T) {
	f := newProcessorFixture(t, false)
	f.replies.fail["Q"] = errors.New("broker down")

	assert.Equal(t, OutcomeFailed, f.process(t, request("billing.fail")))
	assert.Contains(t, f.logs.String(), "broker down")

	var reply *Event
	for i := range f.events {
		if f.events[i].Type == ErrorReply {
			reply = &f.events[i]
		}
	}
	require.NotNil(t, reply)
	assert.Error(t, reply.Err)
}

func TestProcess_WithoutReplyPublisher(t *testing.T) {
	box := testBox(t, testKey(t))
	proc, err := NewProcessor(ProcessorConfig{Cipher: box})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, proc.Process(context.Background(), seal(t, box, request("billing.charge"))))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "handled", OutcomeHandled.String())
	assert.Equal(t, "error_notification", OutcomeErrorNotification.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.True(t, OutcomeRejected.Ack())
	assert.False(t, OutcomeFailed.Ack())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
