package session

import (
	"errors"
	"fmt"
)

// ErrNilSink is returned by Create when no sink is supplied
var ErrNilSink = errors.New("session: response sink is required")

// ValidationError reports a missing required request field
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// DuplicateIDError reports a correlation id that already has an active session
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("session %q is already active", e.ID)
}
