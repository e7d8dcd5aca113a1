package xrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope field names on the wire.
const (
	FieldRequestID  = "request_id"
	FieldReplyTo    = "reply_to"
	FieldAction     = "action"
	FieldAttributes = "attributes"
	FieldError      = "error"
	FieldReplyFor   = "reply_for"
)

// Envelope is the RPC body exchanged over the broker.
// Either Action (a request) or Error (a failure reply) is set.
type Envelope struct {
	RequestID  string `json:"request_id"`
	ReplyTo    string `json:"reply_to"`
	Action     string `json:"action,omitempty"`
	Attributes Args   `json:"attributes,omitzero"`
	Error      string `json:"error,omitempty"`
	ReplyFor   string `json:"reply_for,omitempty"`
}

// IsReply reports whether the envelope answers a previous request with an error.
func (e Envelope) IsReply() bool { return e.Action == "" && e.Error != "" }

// Fields returns the envelope as the flat document it is sent as, omitting unset fields.
func (e Envelope) Fields() map[string]any {
	m := map[string]any{
		FieldRequestID: e.RequestID,
		FieldReplyTo:   e.ReplyTo,
	}
	if e.Action != "" {
		m[FieldAction] = e.Action
	}
	if !e.Attributes.IsZero() {
		m[FieldAttributes] = e.Attributes
	}
	if e.Error != "" {
		m[FieldError] = e.Error
	}
	if e.ReplyFor != "" {
		m[FieldReplyFor] = e.ReplyFor
	}
	return m
}

// Validate checks the envelope against the same rules applied on receipt.
func (e Envelope) Validate() error {
	if errs := Validate(e.Fields()); len(errs) > 0 {
		return errs
	}
	return nil
}

// envelopeFromFields builds an Envelope from a document that already passed Validate.
func envelopeFromFields(fields map[string]any) Envelope {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	env := Envelope{
		RequestID: str(FieldRequestID),
		ReplyTo:   str(FieldReplyTo),
		Action:    str(FieldAction),
		Error:     str(FieldError),
		ReplyFor:  str(FieldReplyFor),
	}
	switch a := fields[FieldAttributes].(type) {
	case []any:
		env.Attributes = Positional(a...)
	case map[string]any:
		env.Attributes = Named(a)
	case Args:
		env.Attributes = a
	}
	return env
}

// Args are the arguments handed to a handler method: positional values from a
// JSON array, or named values from a JSON object.
type Args struct {
	list  []any
	named map[string]any
}

// Positional builds Args from ordered values.
func Positional(values ...any) Args {
	return Args{list: values}
}

// Named builds Args from keyword values.
func Named(values map[string]any) Args {
	return Args{named: values}
}

func (a Args) IsZero() bool { return len(a.list) == 0 && len(a.named) == 0 }

// Len returns the number of positional arguments.
func (a Args) Len() int { return len(a.list) }

// Values returns the positional arguments.
func (a Args) Values() []any { return a.list }

// At returns the i-th positional argument, or nil if out of range.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a.list) {
		return nil
	}
	return a.list[i]
}

// Get returns a named argument.
func (a Args) Get(name string) (any, bool) {
	v, ok := a.named[name]
	return v, ok
}

// String returns the i-th positional argument as a string.
func (a Args) String(i int) (string, error) {
	switch v := a.At(i).(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("argument %d missing", i)
	default:
		return "", fmt.Errorf("argument %d: want string, got %T", i, v)
	}
}

// Int returns the i-th positional argument as an int64.
func (a Args) Int(i int) (int64, error) {
	switch v := a.At(i).(type) {
	case json.Number:
		return v.Int64()
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("argument %d: %v is not an integer", i, v)
		}
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("argument %d missing", i)
	default:
		return 0, fmt.Errorf("argument %d: want integer, got %T", i, v)
	}
}

// Float returns the i-th positional argument as a float64.
func (a Args) Float(i int) (float64, error) {
	switch v := a.At(i).(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	case nil:
		return 0, fmt.Errorf("argument %d missing", i)
	default:
		return 0, fmt.Errorf("argument %d: want number, got %T", i, v)
	}
}

// Bind decodes the i-th positional argument into v through JSON.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a.list) {
		return fmt.Errorf("argument %d missing", i)
	}
	raw, err := json.Marshal(a.list[i])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// BindNamed decodes the named arguments into v (a struct or map pointer) through JSON.
func (a Args) BindNamed(v any) error {
	raw, err := json.Marshal(a.named)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (a Args) MarshalJSON() ([]byte, error) {
	if len(a.named) > 0 {
		return json.Marshal(a.named)
	}
	if a.list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.list)
}

func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case []any:
		*a = Positional(t...)
	case map[string]any:
		*a = Named(t)
	default:
		return fmt.Errorf("attributes: want array or object, got %T", v)
	}
	return nil
}
