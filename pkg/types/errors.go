package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUserID = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole   = errors.New("role must be student, teacher or admin")
	ErrInvalidType   = errors.New("unknown notification type")
)

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field string
	Tag   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s failed %q validation", e.Field, e.Tag)
}
