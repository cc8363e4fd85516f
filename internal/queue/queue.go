// Package queue is the submission facade used by the HTTP API and the CLI.
// It validates requests against the task registry, writes through the job
// store and wakes executors.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	logx "jobexec/pkg/logx"
)

// Request is a job submission.
type Request struct {
	Task     string          `json:"task"`
	Group    string          `json:"group"`
	Args     json.RawMessage `json:"args,omitempty"`
	Subject  string          `json:"subject"`
	Priority job.Priority    `json:"priority"`
	// MaxRetries nil means the configured default.
	MaxRetries *int `json:"max_retries,omitempty"`
	// Delay postpones the first claim.
	Delay time.Duration `json:"-"`
}

// Notifier wakes remote executors.
type Notifier interface {
	Notify()
	NotifyCancel(worker, jobID string)
}

// Local is the executor running in this process, if any.
type Local interface {
	Wake()
	CancelLocal(id string) bool
}

type Validator interface {
	Validate(name string, args []byte) error
}

type Options struct {
	MaxRetries int
	Notifier   Notifier
	Local      Local
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Queue struct {
	store      storage.Store
	tasks      Validator
	maxRetries int
	notifier   Notifier
	local      Local
	bus        eventbus.Bus
	log        logx.Logger
}

// New returns a facade over store. tasks may be nil to skip validation,
// which the CLI does when it has no task registry.
func New(store storage.Store, tasks Validator, opts Options) *Queue {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Queue{
		store:      store,
		tasks:      tasks,
		maxRetries: opts.MaxRetries,
		notifier:   opts.Notifier,
		local:      opts.Local,
		bus:        opts.Bus,
		log:        opts.Log,
	}
}

// Submit validates and stores a job, then wakes executors. Validation
// failures wrap task.ErrInvalidArgs or task.ErrUnknownTask.
func (q *Queue) Submit(ctx context.Context, r Request) (string, error) {
	r.Task = strings.TrimSpace(r.Task)
	r.Group = strings.TrimSpace(r.Group)
	if r.Task == "" {
		return "", fmt.Errorf("%w: task is required", task.ErrInvalidArgs)
	}
	if r.Group == "" {
		return "", fmt.Errorf("%w: group is required", task.ErrInvalidArgs)
	}
	if len(r.Args) > 0 && !json.Valid(r.Args) {
		return "", fmt.Errorf("%w: args are not valid JSON", task.ErrInvalidArgs)
	}
	if q.tasks != nil {
		if err := q.tasks.Validate(r.Task, r.Args); err != nil {
			return "", err
		}
	}
	maxRetries := q.maxRetries
	if r.MaxRetries != nil {
		if *r.MaxRetries < 0 {
			return "", fmt.Errorf("%w: max_retries must be >= 0", task.ErrInvalidArgs)
		}
		maxRetries = *r.MaxRetries
	}
	nj := job.NewJob{
		Task:       r.Task,
		Group:      r.Group,
		Args:       []byte(r.Args),
		Subject:    r.Subject,
		Priority:   r.Priority,
		MaxRetries: maxRetries,
	}
	if r.Delay > 0 {
		nj.NotBefore = time.Now().Add(r.Delay)
	}

	id, err := q.store.Submit(ctx, nj)
	if err != nil {
		return "", err
	}
	q.log.Info("job submitted", logx.Job(id), logx.String("task", r.Task), logx.String("group", r.Group))
	eventbus.Publish(q.bus, eventbus.JobSubmitted, job.Summary{ID: id, Task: r.Task, Group: r.Group, Subject: r.Subject, Priority: r.Priority, State: job.StateWaiting})
	q.wake()
	return id, nil
}

// Cancel removes a waiting job or flags a running one. A running job's
// owner is told directly so it does not wait for its next heartbeat.
func (q *Queue) Cancel(ctx context.Context, id string) (job.CancelResult, error) {
	res, worker, err := q.store.RequestCancel(ctx, id)
	if err != nil {
		return job.CancelNotFound, err
	}
	switch res {
	case job.CancelRemoved:
		q.log.Info("waiting job removed", logx.Job(id))
		eventbus.Publish(q.bus, eventbus.JobCancelled, map[string]string{"job_id": id})
	case job.CancelRequested:
		q.log.Info("cancel requested", logx.Job(id), logx.String("worker", worker))
		if q.local != nil && q.local.CancelLocal(id) {
			break
		}
		if q.notifier != nil {
			q.notifier.NotifyCancel(worker, id)
		}
	}
	return res, nil
}

func (q *Queue) QueueState(ctx context.Context, group string, opts storage.QueueQuery) (job.QueueState, error) {
	return q.store.QueueState(ctx, strings.TrimSpace(group), opts)
}

// Get returns a job with its log.
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, []job.LogEntry, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	logs, err := q.store.Logs(ctx, id)
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return j, nil, err
	}
	return j, logs, nil
}

func (q *Queue) wake() {
	if q.local != nil {
		q.local.Wake()
	}
	if q.notifier != nil {
		q.notifier.Notify()
	}
}
