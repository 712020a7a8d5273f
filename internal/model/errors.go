package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = eris.New("not found")

// FieldError describes one invalid field in a rejected input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when input is malformed. Nothing is persisted.
type ValidationError struct {
	Entity string       `json:"entity"`
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(parts, "; "))
}

// Add records a field problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it carries at least one field error.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// TransitionError is returned when a state machine rejects an action.
// Current always holds the state the aggregate is actually in.
type TransitionError struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Current string `json:"current"`
	Action  string `json:"action"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s %s is %q, cannot %s", e.Entity, e.ID, e.Current, e.Action)
}
