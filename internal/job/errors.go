package job

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("job not found")

// StoreError means persistence was unavailable or rejected the operation.
// It is fatal to the current call; callers decide whether to retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore returns nil for nil err, and passes ErrNotFound through unwrapped.
func WrapStore(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
