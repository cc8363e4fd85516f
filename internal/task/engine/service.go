// Package engine is the per-process executor: it claims jobs from the store,
// runs them in a bounded pool, heartbeats while they run and applies the
// retry policy when they fail.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	"jobexec/internal/task"
	logx "jobexec/pkg/logx"

	rtsup "jobexec/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store Store
	reg   *task.Registry
	now   func() time.Time

	// wake and released are 1-slot: extra signals coalesce.
	wake     chan struct{}
	released chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	rmu     sync.Mutex
	running map[string]*run

	limits   limiterStore
	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	claimed   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	cancelled atomic.Uint64
	requeued  atomic.Uint64

	lastClaimWarnAt int64
}

// run is one job executing in this process.
type run struct {
	job     job.Job
	token   *task.CancelToken
	cancel  context.CancelFunc
	tc      *task.Context
	started time.Time
}

// stop fires the cooperative token and cancels the handler's context.
func (r *run) stop() {
	r.token.Cancel()
	r.cancel()
}

func New(cfg Config, store Store, reg *task.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    store,
		reg:      reg,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		released: make(chan struct{}, 1),
		running:  make(map[string]*run),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) WorkerID() string {
	s.mu.Lock()
	id := s.cfg.WorkerID
	s.mu.Unlock()
	return id
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Supervisor returns the executor's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the config. Pool size, limits and the worker id only change
// on a restart of the loop; in-flight jobs are requeued by that restart.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	if cfg.WorkerID != prev.WorkerID && prev.WorkerID != "" {
		cfg.WorkerID = prev.WorkerID
	}
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		if cfg.Enabled && !prev.Enabled {
			return s.Start(ctx)
		}
		return nil
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return nil
	}
	if prev.Workers != cfg.Workers || !sameLimits(prev.TaskLimits, cfg.TaskLimits) {
		s.Stop(ctx)
		return s.Start(ctx)
	}
	s.Wake()
	return nil
}

func sameLimits(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Start resets leftovers of a previous incarnation of this worker and
// starts the poll loop. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	if s.store == nil {
		s.mu.Unlock()
		return ErrNoStore
	}
	if s.reg == nil || len(s.reg.Names()) == 0 {
		s.mu.Unlock()
		return ErrNoTasks
	}
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return nil
		}
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.mu.Unlock()

	if n, err := s.store.ResetWorker(ctx, cfg.WorkerID); err != nil {
		s.log.Warn("reset of previous runs failed", logx.String("worker", cfg.WorkerID), logx.Err(err))
	} else if n > 0 {
		s.log.Info("requeued jobs left running by a previous run", logx.String("worker", cfg.WorkerID), logx.Int("jobs", n))
	}

	s.limits.reset(cfg.TaskLimits)
	permits := make(chan struct{}, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		permits <- struct{}{}
	}

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		// A failing job must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("poll", func(c context.Context) error {
		s.loop(c, stopCh, sup, permits)
		// Clean exits happen only on shutdown.
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poll loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("executor started",
		logx.String("worker", cfg.WorkerID),
		logx.Int("workers", cfg.Workers),
		logx.Any("tasks", s.reg.Names()),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("liveness", cfg.LivenessTimeout),
	)
	return nil
}

// Stop cancels running handlers and waits for their jobs to be settled.
// Jobs interrupted by the shutdown are requeued without using a retry.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
	}
}

// Wake asks the poll loop to claim now instead of waiting for the poll
// interval. It never blocks.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelLocal stops a job running in this process right away. It reports
// false when the job is not running here.
func (s *Service) CancelLocal(id string) bool {
	s.rmu.Lock()
	r := s.running[id]
	s.rmu.Unlock()
	if r == nil {
		return false
	}
	s.log.Info("job cancelled locally", logx.Job(id))
	r.stop()
	return true
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()

	s.rmu.Lock()
	running := make([]RunningJob, 0, len(s.running))
	for _, r := range s.running {
		running = append(running, RunningJob{
			ID:       r.job.ID,
			Task:     r.job.Task,
			Group:    r.job.Group,
			Started:  r.started,
			Progress: r.tc.CurrentProgress(),
		})
	}
	s.rmu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].Started.Before(running[j].Started) })

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.circuitSnapshot(s.now(), cfg)
	limits := make(map[string]int, len(cfg.TaskLimits))
	for k, v := range cfg.TaskLimits {
		limits[k] = v
	}

	return Snapshot{
		Enabled:         cfg.Enabled,
		WorkerID:        cfg.WorkerID,
		Workers:         cfg.Workers,
		InFlight:        len(running),
		Running:         running,
		Claimed:         s.claimed.Load(),
		Succeeded:       s.succeeded.Load(),
		Failed:          s.failed.Load(),
		Retried:         s.retried.Load(),
		Cancelled:       s.cancelled.Load(),
		Requeued:        s.requeued.Load(),
		PollInterval:    cfg.PollInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		TaskLimits:      limits,
		CircuitTotal:    ct,
		CircuitOpen:     co,
		History:         h,
	}
}

func (s *Service) track(r *run) {
	s.rmu.Lock()
	s.running[r.job.ID] = r
	s.rmu.Unlock()
}

func (s *Service) untrack(r *run) {
	s.rmu.Lock()
	if s.running[r.job.ID] == r {
		delete(s.running, r.job.ID)
	}
	s.rmu.Unlock()
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if size <= 0 {
		size = 200
	}
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
