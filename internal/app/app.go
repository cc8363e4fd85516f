// Package app wires the executor process: config, logging, the job store,
// the executor, the periodic scheduler, the notifier and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"

	"jobexec/internal/config"
	"jobexec/internal/eventbus"
	"jobexec/internal/httpapi"
	"jobexec/internal/notifier"
	"jobexec/internal/queue"
	rtsup "jobexec/internal/runtime/supervisor"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	"jobexec/internal/task/builtin"
	"jobexec/internal/task/engine"
	"jobexec/internal/task/scheduler"
	logx "jobexec/pkg/logx"
	"jobexec/pkg/systemd"
)

// Options customise the process.
type Options struct {
	// Tasks are registered next to the built-in task types.
	Tasks []task.Task
	// Environ replaces the process environment for JOBEXEC_ overrides.
	Environ map[string]string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tasks *task.Registry

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	queue  *queue.Queue
	http   *httpapi.Service
	sd     *systemd.Notifier
}

func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if opts.Environ != nil {
		cfgm.SetEnviron(opts.Environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a, err := build(cfg, opts, store, log, bus)
	if err != nil {
		err = multierr.Append(err, store.Close())
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	appLog.Info("store opened", logx.String("driver", sc.Driver))
	return a, nil
}

// build assembles the components over an open store.
func build(cfg *config.Config, opts Options, store storage.Store, log logx.Logger, bus eventbus.Bus) (*App, error) {
	all, err := task.NewRegistry(append(builtin.Tasks(store), opts.Tasks...)...)
	if err != nil {
		return nil, err
	}
	// This process runs a subset; submissions and periodic definitions
	// may name any registered type.
	local, err := all.Select(cfg.Executor.Tasks)
	if err != nil {
		return nil, fmt.Errorf("executor.tasks: %w", err)
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, store, local, log.With(logx.String("comp", "executor")), bus)
	workerID := eng.WorkerID()

	ncfg, err := mapNotifierConfig(cfg, workerID)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, store, log.With(logx.String("comp", "notifier")), bus)
	notif.SetWaker(eng)

	schedCfg, err := mapSchedulerConfig(cfg, workerID)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, notif, all, log.With(logx.String("comp", "periodic")), bus)

	q := queue.New(store, all, queue.Options{
		MaxRetries: retryMax(cfg),
		Notifier:   notif,
		Local:      eng,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "queue")),
	})

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		log:    log,
		bus:    bus,
		store:  store,
		tasks:  all,
		engine: eng,
		sched:  sched,
		notif:  notif,
		queue:  q,
		sd:     systemd.New(log.With(logx.String("comp", "systemd"))),
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Queue:    q,
		Executor: eng,
		Periodic: sched,
		Notifier: notif,
		Runtime:  a.runtimeSnapshots,
	}, log.With(logx.String("comp", "http")))
	return a, nil
}

// runtimeSnapshots exposes every component supervisor for /api/v1/status.
func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":      a.sup.Snapshot(),
		"executor": a.engine.Supervisor().Snapshot(),
		"notifier": a.notif.Supervisor().Snapshot(),
		"http":     a.http.Supervisor().Snapshot(),
	}
}

func (a *App) Queue() *queue.Queue           { return a.queue }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) HTTPAddr() string              { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	defs, err := mapPeriodicDefinitions(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Sync(ctx, defs); err != nil {
		return fmt.Errorf("sync periodic definitions: %w", err)
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.engine.Enabled() {
		if err := a.engine.Start(runCtx); err != nil {
			return err
		}
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	// Keep this debug-level; job events are frequent.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.log.Info("app started",
		logx.String("worker", a.engine.WorkerID()),
		logx.Bool("executor", a.engine.Enabled()),
		logx.Bool("periodic", a.sched.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("http", a.http.Enabled()),
		logx.Any("tasks", a.tasks.Names()),
	)
	return nil
}

// validate rejects a reloaded config before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs error
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := a.tasks.Select(cfg.Executor.Tasks); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("executor.tasks: %w", err))
	}
	if _, err := mapSchedulerConfig(cfg, ""); err != nil {
		errs = multierr.Append(errs, err)
	}
	if defs, err := mapPeriodicDefinitions(cfg); err != nil {
		errs = multierr.Append(errs, err)
	} else if err := a.sched.Validate(defs); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg, ""); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.sd.Reloading()
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
			a.sd.Ready()
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if !slices.Equal(prev.Executor.Tasks, next.Executor.Tasks) {
		a.log.Warn("executor.tasks changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else if err := a.engine.Apply(c, engCfg); err != nil {
		a.log.Warn("executor apply failed", logx.Err(err))
	}
	workerID := a.engine.WorkerID()

	if ncfg, err := mapNotifierConfig(next, workerID); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(c, ncfg)
	}

	if scfg, err := mapSchedulerConfig(next, workerID); err != nil {
		a.log.Warn("invalid periodic_scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(c, scfg)
	}
	if defs, err := mapPeriodicDefinitions(next); err != nil {
		a.log.Warn("invalid periodic definitions; keeping previous", logx.Err(err))
	} else if err := a.sched.Sync(c, defs); err != nil {
		a.log.Warn("periodic sync failed", logx.Err(err))
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hcfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Stop taking requests first, then producers, then the executor so its
	// in-flight jobs are requeued while the store is still open.
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("periodic", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("store", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}

// close releases resources of an app that was never started.
func (a *App) close() error {
	err := a.store.Close()
	if a.logs != nil {
		err = multierr.Append(err, a.logs.Close())
	}
	return err
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return nil
	}
}
