package task

import (
	"errors"
	"time"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
	Cancelled
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Cancelled:
		return "cancelled"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is a classified handler return.
type Result struct {
	Outcome   Outcome
	Retryable bool
	Err       error
	// RetryAfter is the handler's delay hint, 0 when none was given.
	RetryAfter time.Duration
}

// Classify maps a handler error to an outcome. cancelled reports whether
// the job's cancel token had fired by the time the handler returned; any
// error after that point counts as a cooperative stop.
func Classify(err error, cancelled bool) Result {
	if err == nil {
		return Result{Outcome: Success}
	}
	if errors.Is(err, ErrCancelled) || cancelled {
		return Result{Outcome: Cancelled, Err: err}
	}
	if IsResourceExhausted(err) {
		return Result{Outcome: Exhausted, Err: err}
	}
	r := Result{Outcome: Failure, Retryable: !IsNoRetry(err) && !errors.Is(err, ErrInvalidArgs), Err: err}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		r.RetryAfter = ra.RetryAfter()
	}
	return r
}
