package delta

import (
	"errors"
	"fmt"

	"github.com/polravi/mapmyactivities/internal/schema"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means a push kept losing races against concurrent writers.
	ErrConflict = errors.New("concurrent modification")

	// ErrNotFound is returned by Restore for unknown tasks.
	ErrNotFound = errors.New("record not found")
)

// ValidationError rejects a malformed request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// invalid converts a record error into a ValidationError rooted at path.
func invalid(path string, err error) *ValidationError {
	var fe *schema.FieldError
	if errors.As(err, &fe) {
		field := path
		if fe.Field != "" {
			field = path + "." + fe.Field
		}
		return &ValidationError{Field: field, Reason: fe.Reason}
	}
	return &ValidationError{Field: path, Reason: err.Error()}
}

// PushError reports a persistence failure during a push. Nothing from the
// push was applied.
type PushError struct {
	Op  string // fetch, encode, commit
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push failed during %s: %v", e.Op, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}
