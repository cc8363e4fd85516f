package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobexec/internal/eventbus"
	logx "jobexec/pkg/logx"
)

// New builds the scheduler. notifier and tasks may be nil.
func New(cfg Config, store Store, notifier Notifier, tasks TaskValidator, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    store,
		notifier: notifier,
		tasks:    tasks,
		now:      time.Now,
		parser:   NewParser(),
		scheds:   map[string]cron.Schedule{},
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && (strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) || prev.SweepInterval != cfg.SweepInterval):
		// restart cron with the new location or sweep interval
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start schedules the sweep. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled || s.store == nil {
		return
	}
	cur := s.cfg
	loc := s.loadLocationLocked()
	s.loc = loc
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.runCtx

	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(logx.CronLogger(s.log)),
		// A sweep slower than the interval must not pile up.
		cron.WithChain(cron.Recover(logx.CronLogger(s.log)), cron.SkipIfStillRunning(logx.CronLogger(s.log))),
	)
	sched, spread := makeSweepSchedule(cur.SweepInterval, s.now().In(loc), cur.WorkerID)
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Sweep(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Warn("periodic sweep failed", logx.Err(err))
		}
	}))
	s.c.Start()
	s.log.Info("periodic scheduler started",
		logx.String("tz", loc.String()),
		logx.Duration("sweep", cur.SweepInterval),
		logx.Duration("first_sweep_in", spread),
	)
}

// Stop stops the sweep and waits for a running one to finish, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("periodic scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.loadLocationLocked()
	}
	return s.loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// compile caches parsed timers; definitions rarely change.
func (s *Service) compile(timer string) (cron.Schedule, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if sched, ok := s.scheds[timer]; ok {
		return sched, nil
	}
	sched, err := Compile(s.parser, timer)
	if err != nil {
		return nil, err
	}
	s.scheds[timer] = sched
	return sched, nil
}

// previewNextRuns returns a short, human-friendly list of upcoming run times
// for the given timer.
func (s *Service) previewNextRuns(timer string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.compile(timer)
	if err != nil {
		return ""
	}
	t := s.now().In(s.location())
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
