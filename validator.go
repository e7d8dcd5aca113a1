package xrpc

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// actionPattern is <alias>.<method>, ASCII letters only, case-insensitive.
var actionPattern = regexp.MustCompile(`^[A-Za-z]+\.[A-Za-z]+$`)

// ValidationErrors maps an envelope field to the reasons it was rejected.
type ValidationErrors map[string][]string

func (v ValidationErrors) Error() string {
	b, err := json.Marshal(map[string][]string(v))
	if err != nil {
		return fmt.Sprintf("%v", map[string][]string(v))
	}
	return string(b)
}

// Is lets errors.Is(err, ErrInvalidEnvelope) match bare validation errors.
func (v ValidationErrors) Is(target error) bool { return target == ErrInvalidEnvelope }

func (v ValidationErrors) add(field, reason string) {
	v[field] = append(v[field], reason)
}

// Validate checks a decoded envelope document. A nil result means the
// document is well formed. Values are never coerced.
func Validate(fields map[string]any) ValidationErrors {
	errs := ValidationErrors{}

	for _, f := range []string{FieldRequestID, FieldReplyTo} {
		if !filled(fields, f) {
			errs.add(f, fmt.Sprintf("The %s field is required.", f))
			continue
		}
		checkString(errs, fields, f)
	}

	hasAction := filled(fields, FieldAction)
	hasError := filled(fields, FieldError)

	if !hasAction && !hasError {
		errs.add(FieldAction, "The action field is required when error is not present.")
		errs.add(FieldError, "The error field is required when action is not present.")
	}

	if _, ok := fields[FieldAction]; ok {
		if checkString(errs, fields, FieldAction) {
			if s := fields[FieldAction].(string); s != "" && !actionPattern.MatchString(s) {
				errs.add(FieldAction, "The action field format is invalid, expected <alias>.<method>.")
			}
		}
	}

	if v, ok := fields[FieldAttributes]; ok {
		switch v.(type) {
		case []any, map[string]any, Args:
		default:
			errs.add(FieldAttributes, "The attributes field must be an array.")
		}
	}

	if _, ok := fields[FieldError]; ok {
		checkString(errs, fields, FieldError)
	}

	if hasError && !filled(fields, FieldReplyFor) {
		errs.add(FieldReplyFor, "The reply_for field is required when error is present.")
	} else if _, ok := fields[FieldReplyFor]; ok {
		checkString(errs, fields, FieldReplyFor)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func checkString(errs ValidationErrors, fields map[string]any, f string) bool {
	if _, ok := fields[f].(string); !ok {
		errs.add(f, fmt.Sprintf("The %s field must be a string.", f))
		return false
	}
	return true
}

// filled reports presence with a non-empty value.
func filled(fields map[string]any, f string) bool {
	v, ok := fields[f]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
