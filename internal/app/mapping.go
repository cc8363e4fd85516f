package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobexec/internal/config"
	"jobexec/internal/httpapi"
	"jobexec/internal/job"
	"jobexec/internal/notifier"
	"jobexec/internal/storage"
	"jobexec/internal/task/builtin"
	"jobexec/internal/task/engine"
	"jobexec/internal/task/scheduler"
	logx "jobexec/pkg/logx"
)

const (
	defaultRetryMax     = 3
	defaultCleanupTimer = "@daily"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxOpenConn: sc.MaxOpenConns,
	}, nil
}

func retryMax(cfg *config.Config) int {
	if cfg.Executor.RetryMax != nil {
		return *cfg.Executor.RetryMax
	}
	return defaultRetryMax
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ex := cfg.Executor
	out := engine.Config{
		Enabled:             cfg.ExecutorEnabled(),
		WorkerID:            strings.TrimSpace(ex.ID),
		Workers:             ex.Workers,
		TaskLimits:          ex.TaskLimits,
		HistorySize:         ex.HistorySize,
		CircuitTripFailures: ex.Circuit.TripFailures,
		RetryJitter:         0.2,
	}
	if ex.RetryJitter != nil {
		out.RetryJitter = *ex.RetryJitter
	}

	var err error
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.poll_interval", ex.PollInterval, &out.PollInterval},
		{"executor.heartbeat_interval", ex.HeartbeatInterval, &out.HeartbeatInterval},
		{"executor.retry_base", ex.RetryBase, &out.RetryBase},
		{"executor.retry_max_delay", ex.RetryMaxDelay, &out.RetryMaxDelay},
		{"executor.circuit.base_delay", ex.Circuit.BaseDelay, &out.CircuitBaseDelay},
		{"executor.circuit.max_delay", ex.Circuit.MaxDelay, &out.CircuitMaxDelay},
		{"executor.circuit.reset_after", ex.Circuit.ResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durs {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return engine.Config{}, err
		}
	}
	if out.LivenessTimeout, err = config.ParseSignedDuration("executor.liveness_timeout", ex.LivenessTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config, workerID string) (scheduler.Config, error) {
	ps := cfg.PeriodicScheduler
	sweep, err := config.ParseDurationField("periodic_scheduler.sweep_interval", ps.SweepInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	ttl, err := config.ParseDurationField("periodic_scheduler.marker_ttl", ps.MarkerTTL)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       ps.Enabled,
		SweepInterval: sweep,
		Timezone:      strings.TrimSpace(ps.Timezone),
		MarkerTTL:     ttl,
		MaxRetries:    retryMax(cfg),
		WorkerID:      workerID,
	}, nil
}

// mapPeriodicDefinitions returns the configured definitions plus the
// built-in cleanup-jobs one, unless store.cleanup_timer is "off" or the
// config already defines a definition with that name.
func mapPeriodicDefinitions(cfg *config.Config) ([]scheduler.Definition, error) {
	defs := make([]scheduler.Definition, 0, len(cfg.Periodic)+1)
	seen := map[string]bool{}
	for i, p := range cfg.Periodic {
		prio, err := job.ParsePriority(p.Priority)
		if err != nil {
			return nil, fmt.Errorf("periodic[%d].priority: %w", i, err)
		}
		enabled := p.Enabled == nil || *p.Enabled
		defs = append(defs, scheduler.Definition{
			Name:     strings.TrimSpace(p.Name),
			Task:     strings.TrimSpace(p.Task),
			Group:    strings.TrimSpace(p.Group),
			Subject:  p.Subject,
			Args:     []byte(p.Args),
			Priority: prio,
			Timer:    p.Timer,
			Enabled:  enabled,
		})
		seen[strings.TrimSpace(p.Name)] = true
	}

	timer := strings.TrimSpace(cfg.Store.CleanupTimer)
	if strings.EqualFold(timer, "off") || seen[builtin.CleanupJobs] {
		return defs, nil
	}
	if timer == "" {
		timer = defaultCleanupTimer
	}
	var args []byte
	if r := strings.TrimSpace(cfg.Store.Retention); r != "" {
		b, err := json.Marshal(map[string]string{"older_than": r})
		if err != nil {
			return nil, err
		}
		args = b
	}
	defs = append(defs, scheduler.Definition{
		Name:    builtin.CleanupJobs,
		Task:    builtin.CleanupJobs,
		Group:   "maintenance",
		Subject: "remove finished jobs",
		Args:    args,
		Timer:   timer,
		Enabled: true,
	})
	return defs, nil
}

func mapNotifierConfig(cfg *config.Config, nodeID string) (notifier.Config, error) {
	nc := cfg.Notifier
	ttl, err := config.ParseDurationField("notifier.node_ttl", nc.NodeTTL)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("notifier.timeout", nc.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		Enabled:      nc.Enabled,
		NodeID:       nodeID,
		AdvertiseURL: strings.TrimRight(strings.TrimSpace(nc.AdvertiseURL), "/"),
		NodeTTL:      ttl,
		Timeout:      timeout,
		RatePerSec:   nc.RatePerSec,
		// Peers share one token with this node's API.
		AuthToken: strings.TrimSpace(cfg.HTTP.Token),
		Redis: notifier.RedisConfig{
			Addr:     strings.TrimSpace(nc.Redis.Addr),
			Password: nc.Redis.Password,
			DB:       nc.Redis.DB,
			Prefix:   strings.TrimSpace(nc.Redis.Prefix),
		},
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Profiler:      hc.Profiler,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}
