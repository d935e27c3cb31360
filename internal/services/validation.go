package services

import "strings"

// FieldViolation describes one invalid input field.
type FieldViolation struct {
	Field   string
	Message string
}

// ValidationError reports several invalid fields at once. It unwraps to the service sentinel so
// callers can keep matching with errors.Is.
type ValidationError struct {
	Err    error
	Fields []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return e.Err.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type violations []FieldViolation

func (v *violations) add(field, message string) {
	*v = append(*v, FieldViolation{Field: field, Message: message})
}

func (v violations) err(sentinel error) error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Err: sentinel, Fields: v}
}
