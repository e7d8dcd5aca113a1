package xrpc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDecryption             = errors.New("xrpc: message cannot be decrypted")
	ErrInvalidEnvelope        = errors.New("xrpc: invalid envelope")
	ErrNoPublishersConfigured = errors.New("xrpc: no publishers defined")
	ErrNoDestination          = errors.New("xrpc: no destination given")
	ErrNodeClosed             = errors.New("xrpc: node is closed")
	ErrInvalidSubscription    = errors.New("xrpc: topic and group are required")
	ErrHandlerPanic           = errors.New("xrpc: handler panic")

	// Resolution failures, matched by *ResolveError via errors.Is.
	ErrMalformedAction        = errors.New("malformed action")
	ErrNoProcessorsConfigured = errors.New("no RPC processors configured")
	ErrUnknownAlias           = errors.New("unknown handler alias")
	ErrHandlerNotFound        = errors.New("handler not found")
	ErrMethodNotFound         = errors.New("method not found")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

type ErrUnknownPublisher struct{ name string }

func (e ErrUnknownPublisher) Error() string { return fmt.Sprintf("unknown publisher: %s", e.name) }

// ResolveError reports which stage of action resolution failed.
type ResolveError struct {
	Kind    error
	Action  string
	Alias   string
	Handler string
	Method  string
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case ErrMalformedAction:
		return fmt.Sprintf("%v: %q, expected <alias>.<method>", e.Kind, e.Action)
	case ErrNoProcessorsConfigured:
		return e.Kind.Error()
	case ErrUnknownAlias:
		return fmt.Sprintf("%v %q", e.Kind, e.Alias)
	case ErrHandlerNotFound:
		return fmt.Sprintf("%v: %s (alias %q)", e.Kind, e.Handler, e.Alias)
	default:
		return fmt.Sprintf("%v: %s - %s.%s", e.Kind, e.Action, e.Handler, e.Method)
	}
}

func (e *ResolveError) Unwrap() error { return e.Kind }

// FanoutError maps each failed destination of a multi-destination publish to its error.
type FanoutError struct {
	Failed map[string]error
}

func (e *FanoutError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("xrpc: publish failed for ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%v)", k, e.Failed[k])
	}
	return b.String()
}

// Unwrap exposes every destination error to errors.Is / errors.As.
func (e *FanoutError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}
