package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Executor runs jobs from the store. Disable it on submit-only hosts.
	Executor ExecutorConfig `json:"executor"`

	// PeriodicScheduler sweeps the periodic definitions below.
	PeriodicScheduler PeriodicSchedulerConfig `json:"periodic_scheduler"`
	Periodic          []PeriodicConfig        `json:"periodic,omitempty"`

	Notifier NotifierConfig `json:"notifier"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors warn-and-above lines to stderr in a compact form.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StoreConfig selects the job store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./jobexec.db" }
//	"store": { "driver": "postgres", "dsn": "postgres://jobexec@db/jobexec" }
type StoreConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`            // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`   // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // postgres
	Retention    string `json:"retention,omitempty"`      // default cleanup-jobs age
	CleanupTimer string `json:"cleanup_timer,omitempty"`  // "" = "@daily", "off" disables
}

// ExecutorConfig controls the per-process job loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - poll_interval: "30s"
//   - heartbeat_interval: "10s"
//   - liveness_timeout: "2m" ("-1s" disables reclaim)
//   - retry_max: 3
//   - retry_base: "10s"
//   - retry_max_delay: "10m"
//   - retry_jitter: 0.2
type ExecutorConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	ID      string `json:"id,omitempty"`
	Workers int    `json:"workers,omitempty"`
	// Tasks restricts which task types this process runs. Empty means all.
	Tasks []string `json:"tasks,omitempty"`

	PollInterval      string `json:"poll_interval,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	LivenessTimeout   string `json:"liveness_timeout,omitempty"`

	RetryMax      *int     `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	RetryJitter   *float64 `json:"retry_jitter,omitempty"`

	TaskLimits  map[string]int `json:"task_limits,omitempty"`
	HistorySize int            `json:"history_size,omitempty"`

	Circuit CircuitConfig `json:"circuit,omitempty"`
}

// CircuitConfig pauses a task type after consecutive failures.
// trip_failures < 0 disables the breaker.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type PeriodicSchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	// Timezone for calendar rules (IANA name). Empty means local time.
	Timezone  string `json:"timezone,omitempty"`
	MarkerTTL string `json:"marker_ttl,omitempty"`
}

// PeriodicConfig is one recurring job.
type PeriodicConfig struct {
	Name     string          `json:"name"`
	Task     string          `json:"task"`
	Group    string          `json:"group,omitempty"`
	Subject  string          `json:"subject,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Priority string          `json:"priority,omitempty"`
	// Timer is a cron expression ("0 3 * * *", "@hourly") or an interval
	// ("15m", "02:30").
	Timer   string `json:"timer"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// NotifierConfig controls how peers are woken.
type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// AdvertiseURL is the base URL peers use to reach this node's HTTP API.
	AdvertiseURL string      `json:"advertise_url,omitempty"`
	NodeTTL      string      `json:"node_ttl,omitempty"`
	Timeout      string      `json:"timeout,omitempty"`
	RatePerSec   int         `json:"rate_per_sec,omitempty"`
	Redis        RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool `json:"profiler,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ExecutorEnabled defaults to true when omitted.
func (c *Config) ExecutorEnabled() bool {
	return c.Executor.Enabled == nil || *c.Executor.Enabled
}
