package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"jobexec/internal/job"
)

// LogSink receives a handler's log lines. The executor persists them as job
// log entries.
type LogSink func(level job.LogLevel, msg string)

// Context is what a handler sees of its job: arguments, a progress sink, a
// log sink and the cancel signal.
type Context struct {
	ctx   context.Context
	job   job.Job
	token *CancelToken
	sink  LogSink

	progress atomic.Int32
}

// NewContext builds a run context. A nil sink discards log lines.
func NewContext(ctx context.Context, j job.Job, token *CancelToken, sink LogSink) *Context {
	if token == nil {
		token = NewCancelToken()
	}
	if sink == nil {
		sink = func(job.LogLevel, string) {}
	}
	c := &Context{ctx: ctx, job: j, token: token, sink: sink}
	c.progress.Store(int32(j.Progress))
	return c
}

// Context is cancelled on executor shutdown and when the job is cancelled.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) JobID() string   { return c.job.ID }
func (c *Context) Task() string    { return c.job.Task }
func (c *Context) Group() string   { return c.job.Group }
func (c *Context) Subject() string { return c.job.Subject }

// Attempt is 1 on the first run and grows with every retry.
func (c *Context) Attempt() int { return c.job.Retries + 1 }

func (c *Context) Args() []byte { return c.job.Args }

// Decode unmarshals JSON args into v. Empty args leave v untouched.
func (c *Context) Decode(v any) error {
	return DecodeArgs(c.job.Args, v)
}

func DecodeArgs(args []byte, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func (c *Context) Cancelled() bool { return c.token.Cancelled() }

func (c *Context) CheckCancelled() error {
	if c.token.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Progress records completion in percent. Values are clamped to 0..100 and
// only the latest one is sent on the next heartbeat.
func (c *Context) Progress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	c.progress.Store(int32(p))
}

func (c *Context) CurrentProgress() int { return int(c.progress.Load()) }

// Sleep waits for d, returning ErrCancelled or the context error early.
func (c *Context) Sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.token.Done():
		return ErrCancelled
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Context) Log(level job.LogLevel, msg string) { c.sink(level, msg) }

func (c *Context) Debugf(format string, args ...any) {
	c.sink(job.LogDebug, fmt.Sprintf(format, args...))
}
func (c *Context) Infof(format string, args ...any) {
	c.sink(job.LogInfo, fmt.Sprintf(format, args...))
}
func (c *Context) Warnf(format string, args ...any) {
	c.sink(job.LogWarn, fmt.Sprintf(format, args...))
}
func (c *Context) Errorf(format string, args ...any) {
	c.sink(job.LogError, fmt.Sprintf(format, args...))
}
