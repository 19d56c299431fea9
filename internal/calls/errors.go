package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("calls: not found")
	ErrInvalidInput = errors.New("calls: invalid input")
)

// PersistenceError reports a durable store failure on a load-bearing operation.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("calls: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("calls: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
