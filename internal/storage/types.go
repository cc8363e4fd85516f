package storage

import (
	"context"
	"errors"
	"time"

	"jobexec/internal/job"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": a local SQLite file (Path); fine for one host, many processes
//   - "postgres": a shared PostgreSQL database (DSN)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxOpenConn int           // postgres only; 0 keeps the driver default

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Store is the persistence contract of the job queue. Every cross-process
// decision (claiming, group exclusivity, periodic dedup) is a conditional
// update here; callers never read-then-write.
type Store interface {
	Submit(ctx context.Context, nj job.NewJob) (string, error)
	// ClaimNext returns nil, nil when nothing is eligible or the race was lost.
	ClaimNext(ctx context.Context, req ClaimRequest) (*job.Job, error)
	Heartbeat(ctx context.Context, id, worker string, progress int) (HeartbeatResult, error)
	Finish(ctx context.Context, id, worker string, state job.State) (bool, error)
	Requeue(ctx context.Context, id, worker string, r Requeue) (bool, error)
	// RequestCancel also returns the owning worker when the job is running.
	RequestCancel(ctx context.Context, id string) (job.CancelResult, string, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	QueueState(ctx context.Context, group string, q QueueQuery) (job.QueueState, error)
	AppendLog(ctx context.Context, id string, level job.LogLevel, msg string) error
	Logs(ctx context.Context, id string) ([]job.LogEntry, error)

	ResetWorker(ctx context.Context, worker string) (int, error)
	CleanupFinished(ctx context.Context, before time.Time) (int, error)

	RegisterNode(ctx context.Context, n job.Node) error
	ListNodes(ctx context.Context, kind string, freshAfter time.Time) ([]job.Node, error)
	RemoveNode(ctx context.Context, id string) error

	UpsertPeriodic(ctx context.Context, p job.PeriodicTask) (job.PeriodicTask, error)
	ListPeriodic(ctx context.Context, enabledOnly bool) ([]job.PeriodicTask, error)
	DeletePeriodicExcept(ctx context.Context, names []string) (int, error)
	// TriggerPeriodic submits p.Job for one occurrence at most once across
	// all processes. ok is false when another process got there first.
	TriggerPeriodic(ctx context.Context, p PeriodicTrigger) (jobID string, ok bool, err error)

	Close() error
}

// ClaimRequest describes which jobs a worker may take.
//
// A running job whose heartbeat is older than StaleBefore is considered
// abandoned and can be claimed again. Zero StaleBefore disables reclaim.
type ClaimRequest struct {
	Worker      string
	Tasks       []string
	Now         time.Time
	StaleBefore time.Time
}

type HeartbeatResult struct {
	Owned           bool
	CancelRequested bool
}

// Requeue returns a running job to waiting.
type Requeue struct {
	IncrementRetry bool
	NotBefore      time.Time
}

type QueueQuery struct {
	// DoneLimit bounds the finished list (most recent first). 0 means 50.
	DoneLimit int
	// WithLogs attaches log entries to every summary.
	WithLogs bool
}

type PeriodicTrigger struct {
	ID         string
	Occurrence time.Time
	Worker     string
	MarkerTTL  time.Duration
	Job        job.NewJob
}
