package config

import (
	"reflect"
	"strings"

	logx "jobexec/pkg/logx"
)

// RestartSections need a process restart to take effect.
var RestartSections = map[string]bool{"store": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// fields for logging them. Secrets (DSN, tokens, passwords) are reported
// only as set or unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.String("store.path", newCfg.Store.Path),
			logx.Bool("store.dsn_set", strings.TrimSpace(newCfg.Store.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Bool("executor.enabled", newCfg.ExecutorEnabled()),
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.String("executor.poll_interval", newCfg.Executor.PollInterval),
			logx.Int("executor.task_limits", len(newCfg.Executor.TaskLimits)),
		)
	}

	if !reflect.DeepEqual(oldCfg.PeriodicScheduler, newCfg.PeriodicScheduler) {
		changed = append(changed, "periodic_scheduler")
		attrs = append(attrs,
			logx.Bool("periodic_scheduler.enabled", newCfg.PeriodicScheduler.Enabled),
			logx.String("periodic_scheduler.timezone", newCfg.PeriodicScheduler.Timezone),
			logx.String("periodic_scheduler.sweep_interval", newCfg.PeriodicScheduler.SweepInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Periodic, newCfg.Periodic) {
		changed = append(changed, "periodic")
		attrs = append(attrs, logx.Int("periodic.count", len(newCfg.Periodic)))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.String("notifier.advertise_url", newCfg.Notifier.AdvertiseURL),
			logx.Bool("notifier.redis", strings.TrimSpace(newCfg.Notifier.Redis.Addr) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.profiler", newCfg.HTTP.Profiler),
		)
	}
	return changed, attrs
}
