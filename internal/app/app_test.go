package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobexec/internal/config"
	"jobexec/internal/job"
	"jobexec/internal/queue"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	"jobexec/internal/task/builtin"
	logx "jobexec/pkg/logx"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "logging": {"level": "warn"},
  "store": {"driver": "sqlite", "path": %q},
  "executor": {"workers": 2, "poll_interval": "100ms", "heartbeat_interval": "50ms", "retry_base": "10ms"},
  "http": {"enabled": true, "addr": "127.0.0.1:0"}%s
}`, filepath.Join(dir, "jobs.db"), extra)
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppRunsSubmittedJob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var ran atomic.Int32
	echo := task.Task{Name: "echo", Handler: func(tc *task.Context) error {
		ran.Add(1)
		tc.Infof("hello %s", tc.Subject())
		return nil
	}}

	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, dir, ""), Options{Tasks: []task.Task{echo}, Environ: map[string]string{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx, StopAppStop); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	var addr string
	waitFor(t, "http api", func() bool { addr = a.HTTPAddr(); return addr != "" })

	resp, err := http.Post("http://"+addr+"/api/v1/jobs", "application/json",
		bytes.NewBufferString(`{"task":"echo","group":"g","subject":"world"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || out.ID == "" {
		t.Fatalf("submit status = %d id=%q", resp.StatusCode, out.ID)
	}

	var logs []job.LogEntry
	waitFor(t, "job success", func() bool {
		j, l, err := a.Queue().Get(ctx, out.ID)
		logs = l
		return err == nil && j.State == job.StateSuccess
	})
	if ran.Load() != 1 {
		t.Fatalf("handler ran %d times", ran.Load())
	}
	found := false
	for _, l := range logs {
		found = found || strings.Contains(l.Message, "hello world")
	}
	if !found {
		t.Fatalf("job log missing handler output: %+v", logs)
	}

	resp, err = http.Get("http://" + addr + "/api/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status struct {
		Runtime map[string]json.RawMessage `json:"runtime"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&status)
	_ = resp.Body.Close()
	for _, comp := range []string{"app", "executor", "http"} {
		if _, ok := status.Runtime[comp]; !ok {
			t.Fatalf("status runtime misses %q: %v", comp, status.Runtime)
		}
	}

	snap, err := a.Scheduler().Snapshot(ctx)
	if err != nil {
		t.Fatalf("periodic snapshot: %v", err)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != builtin.CleanupJobs {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
}

func TestNewRejectsUnknownExecutorTask(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeConfig(t, dir, ``)
	body, _ := os.ReadFile(p)
	body = bytes.Replace(body, []byte(`"workers": 2,`), []byte(`"workers": 2, "tasks": ["nope"],`), 1)
	if err := os.WriteFile(p, body, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), p, Options{Environ: map[string]string{}}); err == nil || !strings.Contains(err.Error(), "executor.tasks") {
		t.Fatalf("New err = %v", err)
	}
}

func TestClientSubmitAndCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeConfig(t, dir, "")
	ctx := context.Background()

	c, err := OpenClient(ctx, p, Options{Environ: map[string]string{}}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	id, err := c.Queue.Submit(ctx, queue.Request{Task: builtin.Noop, Group: "cli"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.Queue.Submit(ctx, queue.Request{Task: "unknown", Group: "cli"}); err == nil {
		t.Fatal("unknown task accepted")
	}
	st, err := c.Queue.QueueState(ctx, "cli", storage.QueueQuery{})
	if err != nil || len(st.Queued) != 1 || st.Queued[0].ID != id {
		t.Fatalf("queue state = %+v err=%v", st, err)
	}
	res, err := c.Queue.Cancel(ctx, id)
	if err != nil || res != job.CancelRemoved {
		t.Fatalf("cancel = %v err=%v", res, err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMapPeriodicDefinitions(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name      string
		cfg       config.Config
		wantNames []string
		wantArgs  string
	}{
		{
			name:      "default cleanup",
			cfg:       config.Config{},
			wantNames: []string{builtin.CleanupJobs},
		},
		{
			name:      "cleanup off",
			cfg:       config.Config{Store: config.StoreConfig{CleanupTimer: "off"}},
			wantNames: []string{},
		},
		{
			name:      "retention becomes args",
			cfg:       config.Config{Store: config.StoreConfig{Retention: "48h"}},
			wantNames: []string{builtin.CleanupJobs},
			wantArgs:  `{"older_than":"48h"}`,
		},
		{
			name: "configured definitions first, explicit cleanup wins",
			cfg: config.Config{Periodic: []config.PeriodicConfig{
				{Name: "report", Task: "noop", Timer: "@hourly", Enabled: &off},
				{Name: builtin.CleanupJobs, Task: builtin.CleanupJobs, Timer: "@weekly"},
			}},
			wantNames: []string{"report", builtin.CleanupJobs},
		},
	}
	for _, tt := range tests {
		defs, err := mapPeriodicDefinitions(&tt.cfg)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		names := []string{}
		for _, d := range defs {
			names = append(names, d.Name)
		}
		if strings.Join(names, ",") != strings.Join(tt.wantNames, ",") {
			t.Fatalf("%s: names = %v, want %v", tt.name, names, tt.wantNames)
		}
		if tt.wantArgs != "" && string(defs[len(defs)-1].Args) != tt.wantArgs {
			t.Fatalf("%s: args = %s", tt.name, defs[len(defs)-1].Args)
		}
	}

	defs, _ := mapPeriodicDefinitions(&config.Config{Periodic: []config.PeriodicConfig{{Name: "r", Task: "noop", Timer: "1h", Enabled: &off}}})
	if defs[0].Enabled {
		t.Fatal("explicit enabled=false lost")
	}
	if _, err := mapPeriodicDefinitions(&config.Config{Periodic: []config.PeriodicConfig{{Name: "r", Priority: "urgent"}}}); err == nil {
		t.Fatal("bad priority accepted")
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	jitter := 0.0
	cfg := &config.Config{Executor: config.ExecutorConfig{
		ID:              " w1 ",
		LivenessTimeout: "-1s",
		RetryJitter:     &jitter,
		PollInterval:    "5s",
	}}
	got, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !got.Enabled || got.WorkerID != "w1" || got.LivenessTimeout >= 0 || got.RetryJitter != 0 || got.PollInterval != 5*time.Second {
		t.Fatalf("engine config = %+v", got)
	}
	if got, _ := mapEngineConfig(&config.Config{}); got.RetryJitter != 0.2 {
		t.Fatalf("default jitter = %v", got.RetryJitter)
	}
	if retryMax(&config.Config{}) != defaultRetryMax {
		t.Fatal("retry max default")
	}
}

func TestNotifierSharesHTTPToken(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		HTTP:     config.HTTPConfig{Token: "t"},
		Notifier: config.NotifierConfig{Enabled: true, AdvertiseURL: "http://h:8080/"},
	}
	nc, err := mapNotifierConfig(cfg, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if nc.AuthToken != "t" || nc.NodeID != "w1" || nc.AdvertiseURL != "http://h:8080" {
		t.Fatalf("notifier config = %+v", nc)
	}
}
