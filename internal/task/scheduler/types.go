package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	"jobexec/internal/storage"
	logx "jobexec/pkg/logx"
)

// Config controls the periodic scheduler.
type Config struct {
	Enabled       bool
	SweepInterval time.Duration
	Timezone      string // IANA TZ, e.g. "Asia/Jakarta"
	// MarkerTTL bounds how long a crashed sweeper can block an occurrence.
	MarkerTTL time.Duration
	// MaxRetries is given to every job a definition submits.
	MaxRetries int
	// WorkerID tags trigger markers; any stable process id works.
	WorkerID string
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Definition is a recurring job as written in config.
type Definition struct {
	Name     string
	Task     string
	Group    string
	Subject  string
	Args     []byte
	Priority job.Priority
	Timer    string
	Enabled  bool
}

// Store is the part of the job store the scheduler needs.
type Store interface {
	UpsertPeriodic(ctx context.Context, p job.PeriodicTask) (job.PeriodicTask, error)
	ListPeriodic(ctx context.Context, enabledOnly bool) ([]job.PeriodicTask, error)
	DeletePeriodicExcept(ctx context.Context, names []string) (int, error)
	TriggerPeriodic(ctx context.Context, p storage.PeriodicTrigger) (string, bool, error)
}

// Notifier wakes executors after a trigger.
type Notifier interface {
	Notify()
}

// TaskValidator rejects definitions naming unknown task types.
type TaskValidator interface {
	Validate(name string, args []byte) error
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	loc      *time.Location
	bus      eventbus.Bus
	store    Store
	notifier Notifier
	tasks    TaskValidator
	now      func() time.Time

	parser cron.Parser
	c      *cron.Cron
	entry  cron.EntryID
	// runCtx is cancelled by Stop; sweeps started by cron use it.
	runCtx    context.Context
	runCancel context.CancelFunc

	// compiled timers keyed by timer string.
	smu    sync.Mutex
	scheds map[string]cron.Schedule

	// Trigger error throttling: key is definition name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	stats sweepStats
}

type sweepStats struct {
	mu        sync.Mutex
	sweeps    uint64
	triggered uint64
	lost      uint64
	errors    uint64
	lastSweep time.Time
	lastTook  time.Duration
}

type ScheduleInfo struct {
	ID            string
	Name          string
	Task          string
	Group         string
	Timer         string
	Enabled       bool
	LastTriggered *time.Time
	LastJobID     string
	Next          time.Time
	Error         string
}

type Snapshot struct {
	Enabled       bool
	Timezone      string
	SweepInterval time.Duration
	Sweeps        uint64
	Triggered     uint64
	Lost          uint64
	Errors        uint64
	LastSweep     time.Time
	LastSweepTook time.Duration
	NextSweep     time.Time
	Schedules     []ScheduleInfo
}
