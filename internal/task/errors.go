package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCancelled   = errors.New("task cancelled")
	ErrInvalidArgs = errors.New("invalid task arguments")
	ErrUnknownTask = errors.New("unknown task")
)

// ConfigurationError is a registry problem detected at process start. It is
// never attributed to a single job.
type ConfigurationError struct {
	Task   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Task == "" {
		return "task configuration: " + e.Reason
	}
	return fmt.Sprintf("task configuration %q: %s", e.Task, e.Reason)
}

// NoRetry marks an error as permanent.
//
// Handlers wrap validation errors or other failures that will not go away
// so the executor marks the job failed without spending its retries.
//
//	return task.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests the delay before the next attempt, e.g. from an HTTP
// 429 Retry-After header. The executor caps the hint at its max delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// ResourceExhausted reports that this process, not the job, ran out of
// something (memory, disk, file handles). The job goes back to the queue
// without consuming a retry.
func ResourceExhausted(err error) error {
	if err == nil {
		return nil
	}
	return exhaustedError{err: err}
}

func IsResourceExhausted(err error) bool {
	var e exhaustedError
	return errors.As(err, &e)
}

type exhaustedError struct{ err error }

func (e exhaustedError) Error() string { return fmt.Sprintf("resource exhausted: %v", e.err) }
func (e exhaustedError) Unwrap() error { return e.err }
