package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"jobexec/internal/job"
	"jobexec/internal/storage"
)

// Config controls the executor.
//
// The app layer maps config.executor into this struct.
type Config struct {
	Enabled bool

	// WorkerID identifies this process in the job table. It must be stable
	// across restarts of the same executor so leftovers can be reset.
	WorkerID string
	Workers  int

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// LivenessTimeout lets other executors reclaim a running job whose
	// heartbeat is older than this. Negative disables reclaim.
	LivenessTimeout time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%, 0 disables

	// TaskLimits caps concurrent runs per task type in this process.
	TaskLimits map[string]int

	HistorySize int

	// Circuit breaker (consecutive-failure based, per task type).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 2 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 10 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Store is the part of the job store the executor drives.
type Store interface {
	ClaimNext(ctx context.Context, req storage.ClaimRequest) (*job.Job, error)
	Heartbeat(ctx context.Context, id, worker string, progress int) (storage.HeartbeatResult, error)
	Finish(ctx context.Context, id, worker string, state job.State) (bool, error)
	Requeue(ctx context.Context, id, worker string, r storage.Requeue) (bool, error)
	AppendLog(ctx context.Context, id string, level job.LogLevel, msg string) error
	ResetWorker(ctx context.Context, worker string) (int, error)
}

type HistoryItem struct {
	ID       string
	Task     string
	Group    string
	Attempt  int
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Error    string
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Group    string        `json:"group"`
	Worker   string        `json:"worker"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type RunningJob struct {
	ID       string
	Task     string
	Group    string
	Started  time.Time
	Progress int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	WorkerID string
	Workers  int
	InFlight int
	Running  []RunningJob

	Claimed   uint64
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Cancelled uint64
	Requeued  uint64

	PollInterval    time.Duration
	LivenessTimeout time.Duration
	TaskLimits      map[string]int

	// Circuit breaker diagnostics.
	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
