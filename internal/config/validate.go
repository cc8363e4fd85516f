package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"jobexec/internal/job"
)

// Validate checks everything that can be checked without opening the
// store or building the task registry.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs error
	add := func(err error) { errs = multierr.Append(errs, err) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			add(err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Store.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			add(fmt.Errorf("store.path is required when store.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			add(fmt.Errorf("store.dsn is required when store.driver=postgres"))
		}
	case "":
		add(fmt.Errorf("store.driver is required"))
	default:
		add(fmt.Errorf("unknown store.driver: %s", cfg.Store.Driver))
	}
	if cfg.Store.MaxOpenConns < 0 {
		add(fmt.Errorf("store.max_open_conns must be >= 0"))
	}
	dur("store.busy_timeout", cfg.Store.BusyTimeout)
	dur("store.retention", cfg.Store.Retention)

	ex := cfg.Executor
	if ex.Workers < 0 {
		add(fmt.Errorf("executor.workers must be >= 0"))
	}
	if ex.HistorySize < 0 {
		add(fmt.Errorf("executor.history_size must be >= 0"))
	}
	if ex.RetryMax != nil && *ex.RetryMax < 0 {
		add(fmt.Errorf("executor.retry_max must be >= 0"))
	}
	if ex.RetryJitter != nil && (*ex.RetryJitter < 0 || *ex.RetryJitter > 1) {
		add(fmt.Errorf("executor.retry_jitter must be within 0..1"))
	}
	for name, n := range ex.TaskLimits {
		if n < 0 {
			add(fmt.Errorf("executor.task_limits.%s must be >= 0", name))
		}
	}
	dur("executor.poll_interval", ex.PollInterval)
	dur("executor.heartbeat_interval", ex.HeartbeatInterval)
	if _, err := ParseSignedDuration("executor.liveness_timeout", ex.LivenessTimeout); err != nil {
		add(err)
	}
	dur("executor.retry_base", ex.RetryBase)
	dur("executor.retry_max_delay", ex.RetryMaxDelay)
	dur("executor.circuit.base_delay", ex.Circuit.BaseDelay)
	dur("executor.circuit.max_delay", ex.Circuit.MaxDelay)
	dur("executor.circuit.reset_after", ex.Circuit.ResetAfter)
	if hb, err := ParseDurationOrDefault("", ex.HeartbeatInterval, 10*time.Second); err == nil {
		if lt, err := ParseSignedDuration("", ex.LivenessTimeout); err == nil && lt > 0 && lt <= hb {
			add(fmt.Errorf("executor.liveness_timeout (%s) must exceed heartbeat_interval (%s)", lt, hb))
		}
	}

	ps := cfg.PeriodicScheduler
	dur("periodic_scheduler.sweep_interval", ps.SweepInterval)
	dur("periodic_scheduler.marker_ttl", ps.MarkerTTL)
	if tz := strings.TrimSpace(ps.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("periodic_scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	for i, p := range cfg.Periodic {
		if _, err := job.ParsePriority(p.Priority); err != nil {
			add(fmt.Errorf("periodic[%d].priority: %w", i, err))
		}
	}

	n := cfg.Notifier
	dur("notifier.node_ttl", n.NodeTTL)
	dur("notifier.timeout", n.Timeout)
	if n.RatePerSec < 0 {
		add(fmt.Errorf("notifier.rate_per_sec must be >= 0"))
	}

	h := cfg.HTTP
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)

	return errs
}
