package roster

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input is rejected before any request.
	ErrValidation = errors.New("roster: validation failed")
	// ErrDuplicate is returned when adding a relation that is already cached.
	ErrDuplicate = errors.New("roster: relation already exists")
)

// FetchError is a failed snapshot or pending-list fetch.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("roster: fetch failed: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// RequestError is a failed relation mutation.
type RequestError struct {
	Op       string
	TargetID int64
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("roster: %s %d failed: %v", e.Op, e.TargetID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
