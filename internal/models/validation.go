package models

import (
	"errors"
	"strings"
)

// FieldError marks one unusable field of a decoded value.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e FieldError) Unwrap() error { return e.Err }

// FieldErrors collects every failing field so a skipped entry can be logged
// with all of its problems at once. The zero value is ready to use.
type FieldErrors []FieldError

// Require records err against field unless ok holds.
func (v *FieldErrors) Require(ok bool, field string, err error) {
	if !ok {
		*v = append(*v, FieldError{Field: field, Err: err})
	}
}

// Err returns nil when nothing failed.
func (v FieldErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v FieldErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets errors.Is and errors.As reach each field's cause.
func (v FieldErrors) Unwrap() []error {
	out := make([]error, 0, len(v))
	for _, fe := range v {
		out = append(out, fe)
	}
	return out
}

// Fields returns the failing field names in the order they were checked.
func Fields(err error) []string {
	var v FieldErrors
	if !errors.As(err, &v) {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, fe := range v {
		out = append(out, fe.Field)
	}
	return out
}
