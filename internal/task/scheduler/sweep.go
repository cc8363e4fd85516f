package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	"jobexec/internal/storage"
	logx "jobexec/pkg/logx"
)

const (
	triggerWarnThrottle = 5 * time.Second
	maxProbeWindow      = 10 * 366 * 24 * time.Hour
)

// TriggerEvent is published on the bus for every won trigger.
type TriggerEvent struct {
	Definition string    `json:"definition"`
	JobID      string    `json:"job_id"`
	Occurrence time.Time `json:"occurrence"`
}

// DueOccurrence returns the latest occurrence of sched in (baseline, now].
// Occurrences missed while nobody was sweeping collapse into that one.
func DueOccurrence(sched cron.Schedule, baseline, now time.Time) (time.Time, bool) {
	if !now.After(baseline) {
		return time.Time{}, false
	}
	// Intervals count from the baseline, not from whenever we look.
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		if cd.Delay <= 0 {
			return time.Time{}, false
		}
		n := now.Sub(baseline) / cd.Delay
		if n < 1 {
			return time.Time{}, false
		}
		return baseline.Add(n * cd.Delay), true
	}

	// cron schedules only walk forward; probe back from now with a growing
	// window until it holds an occurrence, then walk that window. The window
	// never grows past maxProbeWindow, longer than any cron gap.
	start := baseline
	for d := time.Second; ; d *= 2 {
		if d > maxProbeWindow {
			start = now.Add(-maxProbeWindow)
			break
		}
		p := now.Add(-d)
		if !p.After(baseline) {
			break
		}
		if next := sched.Next(p); !next.IsZero() && !next.After(now) {
			start = p
			break
		}
	}
	var last time.Time
	for t := sched.Next(start); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		last = t
	}
	return last, !last.IsZero()
}

// Sweep evaluates every enabled definition once and triggers the due ones.
// It returns how many jobs this process submitted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	started := time.Now()
	cfg := s.config()
	loc := s.location()
	now := s.now().In(loc)

	defs, err := s.store.ListPeriodic(ctx, true)
	if err != nil {
		s.noteSweep(started, 0, 0, 1)
		return 0, err
	}

	var (
		won, lost int
		errs      error
	)
	for _, p := range defs {
		if ctx.Err() != nil {
			break
		}
		sched, err := s.compile(p.Timer)
		if err != nil {
			s.reportTriggerError(p.Name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}
		baseline := p.Created
		if p.LastTriggered != nil {
			baseline = *p.LastTriggered
		}
		occ, due := DueOccurrence(sched, baseline.In(loc), now)
		if !due {
			continue
		}

		jobID, ok, err := s.store.TriggerPeriodic(ctx, storage.PeriodicTrigger{
			ID:         p.ID,
			Occurrence: occ,
			Worker:     cfg.WorkerID,
			MarkerTTL:  cfg.MarkerTTL,
			Job: job.NewJob{
				Task:       p.Task,
				Group:      p.Group,
				Args:       p.Args,
				Subject:    p.Subject,
				Priority:   p.Priority,
				MaxRetries: cfg.MaxRetries,
			},
		})
		if err != nil {
			s.reportTriggerError(p.Name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}
		if !ok {
			// Another process took this occurrence.
			lost++
			s.log.Debug("periodic occurrence taken elsewhere", logx.String("periodic", p.Name), logx.Time("occurrence", occ))
			continue
		}
		won++
		s.log.Info("periodic job submitted",
			logx.String("periodic", p.Name),
			logx.Job(jobID),
			logx.Time("occurrence", occ),
		)
		eventbus.Publish(s.bus, eventbus.PeriodicTriggered, TriggerEvent{Definition: p.Name, JobID: jobID, Occurrence: occ})
	}

	if won > 0 && s.notifier != nil {
		s.notifier.Notify()
	}
	s.noteSweep(started, won, lost, len(multierr.Errors(errs)))
	return won, errs
}

func (s *Service) noteSweep(started time.Time, won, lost, errs int) {
	s.stats.mu.Lock()
	s.stats.sweeps++
	s.stats.triggered += uint64(won)
	s.stats.lost += uint64(lost)
	s.stats.errors += uint64(errs)
	s.stats.lastSweep = started
	s.stats.lastTook = time.Since(started)
	s.stats.mu.Unlock()
}

func (s *Service) reportTriggerError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < triggerWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("periodic trigger failed", logx.String("periodic", name), logx.Err(err))
}

// nextOccurrence is the occurrence the next sweep will act on. A due one is
// returned as is, even though it lies in the past.
func nextOccurrence(sched cron.Schedule, p job.PeriodicTask, now time.Time) time.Time {
	baseline := p.Created
	if p.LastTriggered != nil {
		baseline = *p.LastTriggered
	}
	baseline = baseline.In(now.Location())
	if occ, due := DueOccurrence(sched, baseline, now); due {
		return occ
	}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		return baseline.Add(cd.Delay)
	}
	return sched.Next(baseline)
}
