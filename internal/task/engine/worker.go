package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	logx "jobexec/pkg/logx"

	rtsup "jobexec/internal/runtime/supervisor"
)

// settleTimeout bounds the store writes that finish a job, which run on a
// context detached from shutdown.
const settleTimeout = 10 * time.Second

// loop is the single claim loop of this process. A claim is attempted only
// while a pool permit is held, so at most Workers jobs run at once.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, sup *rtsup.Supervisor, permits chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-permits:
		}

		j, err := s.claim(ctx)
		if j != nil {
			s.launch(ctx, sup, j, permits, rng.Int63())
			continue
		}
		permits <- struct{}{}

		if err != nil && ctx.Err() == nil && s.shouldWarn(&s.lastClaimWarnAt, time.Now()) {
			s.log.Warn("claim failed", logx.Err(err))
		}
		if !s.idle(ctx, stopCh, s.config().PollInterval) {
			return
		}
	}
}

// idle waits for the poll interval, a wake-up or a finished job, whichever
// comes first. It reports false on shutdown.
func (s *Service) idle(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
	case <-s.wake:
		eventbus.Publish(s.bus, eventbus.ExecutorWake, s.config().WorkerID)
	case <-s.released:
	}
	return true
}

func (s *Service) claim(ctx context.Context) (*job.Job, error) {
	cfg := s.config()
	now := s.now()
	tasks := s.claimable(now, cfg)
	if len(tasks) == 0 {
		return nil, nil
	}
	req := storage.ClaimRequest{Worker: cfg.WorkerID, Tasks: tasks, Now: now}
	if cfg.LivenessTimeout > 0 {
		req.StaleBefore = now.Add(-cfg.LivenessTimeout)
	}
	return s.store.ClaimNext(ctx, req)
}

// claimable drops task types whose circuit is open or whose local limit
// is saturated.
func (s *Service) claimable(now time.Time, cfg Config) []string {
	names := s.reg.Names()
	out := names[:0]
	for _, n := range names {
		if open, _ := s.circuitIsOpen(now, n, cfg); open {
			continue
		}
		if !s.limits.get(n).available() {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *Service) launch(ctx context.Context, sup *rtsup.Supervisor, j *job.Job, permits chan struct{}, seed int64) {
	s.claimed.Add(1)
	sem := s.limits.get(j.Task)
	// Only this loop acquires, so a type seen available above still is.
	sem.tryAcquire()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{job: *j, token: task.NewCancelToken(), cancel: cancel, started: time.Now()}
	bg := context.WithoutCancel(ctx)
	r.tc = task.NewContext(runCtx, *j, r.token, func(level job.LogLevel, msg string) {
		s.jobLog(bg, j.ID, level, msg)
	})
	s.track(r)

	sup.Go0("job", func(context.Context) {
		defer func() {
			cancel()
			s.untrack(r)
			sem.release()
			permits <- struct{}{}
			select {
			case s.released <- struct{}{}:
			default:
			}
		}()
		s.execute(runCtx, r, rand.New(rand.NewSource(seed)))
	})
}

func (s *Service) execute(ctx context.Context, r *run, rng *rand.Rand) {
	cfg := s.config()
	j := r.job
	bg := context.WithoutCancel(ctx)
	log := s.log.With(logx.Job(j.ID), logx.String("task", j.Task), logx.String("group", j.Group))

	attempt := j.Retries + 1
	s.jobLog(bg, j.ID, job.LogInfo, fmt.Sprintf("started on %s (attempt %d of %d)", cfg.WorkerID, attempt, j.MaxRetries+1))
	eventbus.Publish(s.bus, eventbus.JobStarted, s.event(j, cfg, 0, 0, nil))
	log.Debug("job started", logx.Int("attempt", attempt))

	t, ok := s.reg.Lookup(j.Task)
	if !ok {
		// Claims only name registered types; a miss means the registry
		// changed under a reload. Hand the job back.
		s.requeue(bg, r, cfg, time.Time{}, false, "task type not registered here", log)
		return
	}

	lost := make(chan struct{})
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(bg, r, cfg, hbStop, lost)
	}()

	err := s.invoke(t.Handler, r.tc, log)
	close(hbStop)
	<-hbDone

	dur := time.Since(r.started)
	select {
	case <-lost:
		s.onLost(r, cfg, dur, log)
		return
	default:
	}

	shutdown := ctx.Err() != nil && !r.token.Cancelled()
	res := task.Classify(err, r.token.Cancelled())
	s.settle(bg, r, cfg, res, shutdown, dur, rng, log)
}

func (s *Service) invoke(h task.Handler, tc *task.Context, log logx.Logger) (err error) {
	// A handler panic fails the job, not the worker.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			log.Error("job panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(tc)
}

// heartbeat pushes progress and liveness until stop is closed. It fires
// the cancel token when the job was cancelled in the store, and closes lost
// when another worker took the job over.
func (s *Service) heartbeat(ctx context.Context, r *run, cfg Config, stop <-chan struct{}, lost chan<- struct{}) {
	t := time.NewTicker(cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		hctx, cancel := context.WithTimeout(ctx, cfg.HeartbeatInterval)
		progress := r.tc.CurrentProgress()
		res, err := s.store.Heartbeat(hctx, r.job.ID, cfg.WorkerID, progress)
		cancel()
		if err != nil {
			s.log.Debug("heartbeat failed", logx.Job(r.job.ID), logx.Err(err))
			continue
		}
		s.log.Trace("heartbeat", logx.Job(r.job.ID), logx.Int("progress", progress), logx.Bool("owned", res.Owned))
		if !res.Owned {
			close(lost)
			r.stop()
			return
		}
		if res.CancelRequested && !r.token.Cancelled() {
			s.log.Info("cancel requested", logx.Job(r.job.ID))
			r.stop()
		}
	}
}

func (s *Service) settle(ctx context.Context, r *run, cfg Config, res task.Result, shutdown bool, dur time.Duration, rng *rand.Rand, log logx.Logger) {
	j := r.job
	now := s.now()
	item := HistoryItem{ID: j.ID, Task: j.Task, Group: j.Group, Attempt: j.Retries + 1, Started: r.started, Duration: dur, Outcome: res.Outcome.String()}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	defer func() { s.record(item, cfg.HistorySize) }()

	switch {
	case res.Outcome == task.Success:
		s.circuitRecordResult(now, j.Task, cfg, nil)
		if s.finish(ctx, r, cfg, job.StateSuccess, fmt.Sprintf("succeeded in %s", dur.Round(time.Millisecond)), log) {
			s.succeeded.Add(1)
			eventbus.Publish(s.bus, eventbus.JobFinished, s.event(j, cfg, dur, 0, nil))
			if dur >= 750*time.Millisecond {
				log.Info("job succeeded", logx.Duration("dur", dur))
			} else {
				log.Debug("job succeeded", logx.Duration("dur", dur))
			}
		}

	case shutdown:
		item.Outcome = "requeued"
		s.requeue(ctx, r, cfg, time.Time{}, false, "interrupted by executor shutdown", log)

	case res.Outcome == task.Exhausted:
		item.Outcome = "requeued"
		s.requeue(ctx, r, cfg, now.Add(cfg.RetryBase), false, "executor out of resources: "+res.Err.Error(), log)

	case res.Outcome == task.Cancelled:
		if s.finish(ctx, r, cfg, job.StateCancelled, "cancelled", log) {
			s.cancelled.Add(1)
			eventbus.Publish(s.bus, eventbus.JobCancelled, s.event(j, cfg, dur, 0, nil))
			log.Info("job cancelled", logx.Duration("dur", dur))
		}

	case res.Retryable && j.Retries < j.MaxRetries:
		s.tripCircuit(now, j.Task, cfg, res.Err, log)
		delay := backoffDelayWithHint(cfg, j.Retries+1, res.RetryAfter, rng)
		item.Outcome = "retry"
		msg := fmt.Sprintf("failed: %v; retry %d of %d in %s", res.Err, j.Retries+1, j.MaxRetries, delay.Round(time.Millisecond))
		if s.requeueRetry(ctx, r, cfg, now.Add(delay), msg) {
			s.retried.Add(1)
			eventbus.Publish(s.bus, eventbus.JobRetry, s.event(j, cfg, dur, delay, res.Err))
			log.Warn("job failed, retry scheduled", logx.Err(res.Err), logx.Int("retry", j.Retries+1), logx.Duration("delay", delay))
		}

	default:
		s.tripCircuit(now, j.Task, cfg, res.Err, log)
		if s.finish(ctx, r, cfg, job.StateFailed, fmt.Sprintf("failed: %v", res.Err), log) {
			s.failed.Add(1)
			eventbus.Publish(s.bus, eventbus.JobFailed, s.event(j, cfg, dur, 0, res.Err))
			log.Warn("job failed", logx.Err(res.Err), logx.Int("attempts", j.Retries+1), logx.Duration("dur", dur))
		}
	}
}

func (s *Service) tripCircuit(now time.Time, taskType string, cfg Config, err error, log logx.Logger) {
	if until := s.circuitRecordResult(now, taskType, cfg, err); !until.IsZero() {
		log.Warn("circuit open: task type paused", logx.Time("until", until))
	}
}

func (s *Service) finish(ctx context.Context, r *run, cfg Config, state job.State, msg string, log logx.Logger) bool {
	// Log first: once the job is terminal a cleanup may remove it.
	level := job.LogInfo
	if state == job.StateFailed {
		level = job.LogError
	}
	s.jobLog(ctx, r.job.ID, level, msg)

	fctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	ok, err := s.store.Finish(fctx, r.job.ID, cfg.WorkerID, state)
	if err != nil {
		log.Error("finish failed", logx.String("state", string(state)), logx.Err(err))
		return false
	}
	if !ok {
		log.Warn("finish skipped: job no longer owned", logx.String("state", string(state)))
	}
	return ok
}

func (s *Service) requeue(ctx context.Context, r *run, cfg Config, notBefore time.Time, increment bool, why string, log logx.Logger) {
	if !s.requeueWith(ctx, r, cfg, storage.Requeue{IncrementRetry: increment, NotBefore: notBefore}, "requeued: "+why) {
		return
	}
	s.requeued.Add(1)
	eventbus.Publish(s.bus, eventbus.JobRequeued, s.event(r.job, cfg, 0, 0, nil))
	log.Info("job requeued", logx.String("reason", why))
}

func (s *Service) requeueRetry(ctx context.Context, r *run, cfg Config, notBefore time.Time, msg string) bool {
	return s.requeueWith(ctx, r, cfg, storage.Requeue{IncrementRetry: true, NotBefore: notBefore}, msg)
}

func (s *Service) requeueWith(ctx context.Context, r *run, cfg Config, rq storage.Requeue, msg string) bool {
	level := job.LogInfo
	if rq.IncrementRetry {
		level = job.LogWarn
	}
	s.jobLog(ctx, r.job.ID, level, msg)

	rctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	ok, err := s.store.Requeue(rctx, r.job.ID, cfg.WorkerID, rq)
	if err != nil {
		s.log.Error("requeue failed", logx.Job(r.job.ID), logx.Err(err))
		return false
	}
	return ok
}

func (s *Service) onLost(r *run, cfg Config, dur time.Duration, log logx.Logger) {
	log.Warn("job lost: claim taken over by another worker", logx.Duration("dur", dur))
	eventbus.Publish(s.bus, eventbus.JobLost, s.event(r.job, cfg, dur, 0, nil))
	s.record(HistoryItem{ID: r.job.ID, Task: r.job.Task, Group: r.job.Group, Attempt: r.job.Retries + 1, Started: r.started, Duration: dur, Outcome: "lost"}, cfg.HistorySize)
}

func (s *Service) jobLog(ctx context.Context, id string, level job.LogLevel, msg string) {
	lctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := s.store.AppendLog(lctx, id, level, msg); err != nil {
		s.log.Debug("job log not stored", logx.Job(id), logx.Err(err))
	}
}

func (s *Service) event(j job.Job, cfg Config, dur, delay time.Duration, err error) JobEvent {
	ev := JobEvent{ID: j.ID, Task: j.Task, Group: j.Group, Worker: cfg.WorkerID, Attempt: j.Retries + 1, Duration: dur, Delay: delay}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// backoffDelayWithHint prefers a handler's retry-after hint (bounded by
// RetryMaxDelay) over the exponential schedule.
func backoffDelayWithHint(cfg Config, retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	if hint > 0 {
		return jitter(min(hint, cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

// backoffDelay is RetryBase * 2^(retry-1), capped at RetryMaxDelay.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 10 * time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(min(d, maxD), cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	j := cfg.RetryJitter
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if cfg.RetryMaxDelay > 0 && d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
