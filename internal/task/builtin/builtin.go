// Package builtin provides the task types every executor ships with.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobexec/internal/task"
)

const (
	Noop        = "noop"
	Sleep       = "sleep"
	CleanupJobs = "cleanup-jobs"
)

const defaultRetention = 30 * 24 * time.Hour

// Cleaner deletes finished jobs.
type Cleaner interface {
	CleanupFinished(ctx context.Context, before time.Time) (int, error)
}

// Tasks returns the built-in task types. A nil cleaner leaves out
// cleanup-jobs.
func Tasks(c Cleaner) []task.Task {
	ts := []task.Task{
		{Name: Noop, Handler: func(tc *task.Context) error {
			tc.Progress(100)
			return nil
		}},
		{Name: Sleep, Handler: sleep, ValidateArgs: validateSleep},
	}
	if c != nil {
		ts = append(ts, task.Task{Name: CleanupJobs, Handler: cleanup(c, time.Now), ValidateArgs: validateCleanup})
	}
	return ts
}

type sleepArgs struct {
	Seconds int `json:"seconds"`
}

func validateSleep(args []byte) error {
	var a sleepArgs
	if err := task.DecodeArgs(args, &a); err != nil {
		return err
	}
	if a.Seconds < 0 {
		return errors.New("seconds must be >= 0")
	}
	return nil
}

// sleep waits one second at a time so progress and cancellation are
// observed between steps.
func sleep(tc *task.Context) error {
	var a sleepArgs
	if err := tc.Decode(&a); err != nil {
		return task.NoRetry(err)
	}
	tc.Infof("sleeping %ds", a.Seconds)
	for i := 0; i < a.Seconds; i++ {
		if err := tc.Sleep(time.Second); err != nil {
			return err
		}
		tc.Progress((i + 1) * 100 / a.Seconds)
	}
	tc.Progress(100)
	return nil
}

type cleanupArgs struct {
	OlderThan string `json:"older_than"`
}

func (a cleanupArgs) retention() (time.Duration, error) {
	s := strings.TrimSpace(a.OlderThan)
	if s == "" {
		return defaultRetention, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("older_than: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("older_than must be > 0")
	}
	return d, nil
}

func validateCleanup(args []byte) error {
	var a cleanupArgs
	if err := task.DecodeArgs(args, &a); err != nil {
		return err
	}
	_, err := a.retention()
	return err
}

func cleanup(c Cleaner, now func() time.Time) task.Handler {
	return func(tc *task.Context) error {
		var a cleanupArgs
		if err := tc.Decode(&a); err != nil {
			return task.NoRetry(err)
		}
		keep, err := a.retention()
		if err != nil {
			return task.NoRetry(fmt.Errorf("%w: %v", task.ErrInvalidArgs, err))
		}
		before := now().Add(-keep)
		n, err := c.CleanupFinished(tc.Context(), before)
		if err != nil {
			return err
		}
		tc.Infof("removed %d finished jobs older than %s", n, keep)
		tc.Progress(100)
		return nil
	}
}
