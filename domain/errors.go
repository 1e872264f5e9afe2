package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the record store when no record has the id.
var ErrNotFound = errors.New("record not found")

// StoreError wraps a record store failure with the operation that caused it.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports an inbound payload that could not be decoded or is
// missing required fields.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
