package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{"store":{"driver":"sqlite","path":"jobs.db"}}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func load(t *testing.T, path string, environ map[string]string) (*Config, error) {
	t.Helper()
	m := NewConfigManager(path)
	if environ == nil {
		environ = map[string]string{}
	}
	m.SetEnviron(environ)
	return m.Load()
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	yamlBody := `
store:
  driver: sqlite
  path: ./jobs.db
executor:
  workers: 4
  task_limits:
    sleep: 1
periodic:
  - name: nightly
    task: cleanup-jobs
    timer: "0 3 * * *"
    args: {older_than: 720h}
`
	cfg, err := load(t, writeFile(t, "c.yaml", yamlBody), nil)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Executor.Workers != 4 || cfg.Executor.TaskLimits["sleep"] != 1 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if len(cfg.Periodic) != 1 || string(cfg.Periodic[0].Args) != `{"older_than":"720h"}` {
		t.Fatalf("periodic = %+v", cfg.Periodic)
	}
	if !cfg.ExecutorEnabled() {
		t.Fatal("executor should default to enabled")
	}

	if _, err := load(t, writeFile(t, "c.json", minimalJSON), nil); err != nil {
		t.Fatalf("json: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{"unknown field", "c.json", `{"store":{"driver":"sqlite","path":"x"},"telegram":{}}`},
		{"trailing data", "c.json", minimalJSON + `{}`},
		{"bad yaml", "c.yaml", "store: [\n"},
		{"missing driver", "c.json", `{}`},
		{"sqlite without path", "c.json", `{"store":{"driver":"sqlite"}}`},
		{"postgres without dsn", "c.json", `{"store":{"driver":"postgres"}}`},
		{"bad duration", "c.json", `{"store":{"driver":"sqlite","path":"x"},"executor":{"poll_interval":"soon"}}`},
		{"negative workers", "c.json", `{"store":{"driver":"sqlite","path":"x"},"executor":{"workers":-1}}`},
		{"liveness below heartbeat", "c.json", `{"store":{"driver":"sqlite","path":"x"},"executor":{"heartbeat_interval":"10s","liveness_timeout":"5s"}}`},
		{"bad timezone", "c.json", `{"store":{"driver":"sqlite","path":"x"},"periodic_scheduler":{"timezone":"Mars/Base"}}`},
		{"bad priority", "c.json", `{"store":{"driver":"sqlite","path":"x"},"periodic":[{"name":"a","task":"t","timer":"1m","priority":"urgent"}]}`},
	}
	for _, tt := range tests {
		if _, err := load(t, writeFile(t, tt.file, tt.body), nil); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestLivenessCanBeDisabled(t *testing.T) {
	t.Parallel()
	body := `{"store":{"driver":"sqlite","path":"x"},"executor":{"liveness_timeout":"-1s"}}`
	if _, err := load(t, writeFile(t, "c.json", body), nil); err != nil {
		t.Fatalf("negative liveness should be accepted: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, writeFile(t, "c.json", minimalJSON), map[string]string{
		"JOBEXEC_STORE_DRIVER":  "postgres",
		"JOBEXEC_STORE_DSN":     "postgres://db/jobs",
		"JOBEXEC_EXECUTOR_ID":   "node-7",
		"JOBEXEC_ADVERTISE_URL": "http://10.0.0.7:8080",
		"JOBEXEC_HTTP_ADDR":     "0.0.0.0:8080",
		"JOBEXEC_LOG_LEVEL":     "debug",
		"JOBEXEC_REDIS_ADDR":    "redis:6379",
		"STORE_DSN":             "ignored without prefix",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://db/jobs" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Executor.ID != "node-7" || cfg.Notifier.AdvertiseURL != "http://10.0.0.7:8080" ||
		cfg.HTTP.Addr != "0.0.0.0:8080" || cfg.Logging.Level != "debug" || cfg.Notifier.Redis.Addr != "redis:6379" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestParseDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative should be rejected")
	}
	if d, err := ParseSignedDuration("x", "-1s"); err != nil || d != -time.Second {
		t.Fatalf("signed = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x.y", "nope"); err == nil || !strings.Contains(err.Error(), "x.y") {
		t.Fatalf("error should name the field, got %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Store: StoreConfig{Driver: "sqlite", Path: "a"}}
	b := *a
	b.HTTP = HTTPConfig{Enabled: true, Token: "secret"}
	b.Periodic = []PeriodicConfig{{Name: "x"}}
	sections, attrs := SummarizeConfigChange(a, &b)
	if strings.Join(sections, ",") != "periodic,http" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if s, _ := SummarizeConfigChange(a, a); len(s) != 0 {
		t.Fatalf("no-op diff = %v", s)
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", minimalJSON)
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("unchanged reload = %v, %v", published, err)
	}

	rejected := errors.New("nope")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Executor.Workers == 13 {
			return rejected
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"sqlite","path":"jobs.db"},"executor":{"workers":13}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !errors.Is(err, rejected) {
		t.Fatalf("validator error = %v", err)
	}
	if m.Get().Executor.Workers != 0 {
		t.Fatal("rejected config must not be committed")
	}

	if err := os.WriteFile(path, []byte(`{"store":{"driver":"sqlite","path":"jobs.db"},"executor":{"workers":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("reload = %v, %v", published, err)
	}
	select {
	case c := <-sub:
		if c.Executor.Workers != 3 {
			t.Fatalf("published workers = %d", c.Executor.Workers)
		}
	default:
		t.Fatal("expected a published config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", minimalJSON)
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for i := 1; ; i++ {
		body := `{"store":{"driver":"sqlite","path":"jobs.db"},"executor":{"workers":` + string(rune('0'+i%9+1)) + `}}`
		_ = os.WriteFile(path, []byte(body), 0o600)
		select {
		case c := <-sub:
			if c.Executor.Workers == 0 {
				t.Fatal("unexpected config")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch never published")
		}
	}
}
