package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"jobexec/internal/job"
	logx "jobexec/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openAt(t *testing.T, path string, clk *testClock) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path, Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func openTest(t *testing.T) (Store, *testClock) {
	t.Helper()
	clk := newClock()
	return openAt(t, filepath.Join(t.TempDir(), "jobs.db"), clk), clk
}

func submit(t *testing.T, st Store, nj job.NewJob) string {
	t.Helper()
	id, err := st.Submit(context.Background(), nj)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func claim(t *testing.T, st Store, clk *testClock, worker string, tasks ...string) *job.Job {
	t.Helper()
	j, err := st.ClaimNext(context.Background(), ClaimRequest{Worker: worker, Tasks: tasks, Now: clk.Now()})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return j
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	t.Parallel()
	st, _ := openTest(t)
	_, err := st.Submit(context.Background(), job.NewJob{Task: "noop"})
	if !job.IsStoreError(err) {
		t.Fatalf("err = %v, want StoreError", err)
	}
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("priority within group", func(t *testing.T) {
		t.Parallel()
		st, clk := openTest(t)
		a := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Priority: job.PriorityHigh, Subject: "A"})
		clk.Advance(time.Second)
		b := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Priority: job.PriorityLow, Subject: "B"})

		first := claim(t, st, clk, "w1", "noop")
		if first == nil || first.ID != a {
			t.Fatalf("first claim = %+v, want A", first)
		}
		if next := claim(t, st, clk, "w1", "noop"); next != nil {
			t.Fatalf("group g1 is busy, got %s", next.ID)
		}
		if ok, err := st.Finish(ctx, a, "w1", job.StateSuccess); err != nil || !ok {
			t.Fatalf("finish A: ok=%v err=%v", ok, err)
		}
		second := claim(t, st, clk, "w1", "noop")
		if second == nil || second.ID != b {
			t.Fatalf("second claim = %+v, want B", second)
		}
	})

	t.Run("high beats earlier low", func(t *testing.T) {
		t.Parallel()
		st, clk := openTest(t)
		submit(t, st, job.NewJob{Task: "noop", Group: "g1", Priority: job.PriorityLow})
		clk.Advance(time.Second)
		high := submit(t, st, job.NewJob{Task: "noop", Group: "g2", Priority: job.PriorityHigh})
		if got := claim(t, st, clk, "w1", "noop"); got == nil || got.ID != high {
			t.Fatalf("claim = %+v, want high priority job", got)
		}
	})

	t.Run("fifo on equal priority", func(t *testing.T) {
		t.Parallel()
		st, clk := openTest(t)
		first := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})
		submit(t, st, job.NewJob{Task: "noop", Group: "g2"})
		if got := claim(t, st, clk, "w1", "noop"); got == nil || got.ID != first {
			t.Fatalf("claim = %+v, want first submitted", got)
		}
	})

	t.Run("unsupported task skipped", func(t *testing.T) {
		t.Parallel()
		st, clk := openTest(t)
		submit(t, st, job.NewJob{Task: "ocr", Group: "g1"})
		if got := claim(t, st, clk, "w1", "noop"); got != nil {
			t.Fatalf("claimed unsupported task %s", got.Task)
		}
		if got := claim(t, st, clk, "w1"); got != nil {
			t.Fatal("empty task list must claim nothing")
		}
	})
}

func TestClaimConcurrentExactlyOne(t *testing.T) {
	t.Parallel()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := st.ClaimNext(context.Background(), ClaimRequest{Worker: uuid.NewString(), Tasks: []string{"noop"}, Now: clk.Now()})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if j != nil {
				if j.ID != id {
					t.Errorf("claimed unexpected job %s", j.ID)
				}
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("wins = %d, want 1", got)
	}
}

func TestClaimAcrossProcesses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.db")
	clk := newClock()
	a := openAt(t, path, clk)
	b := openAt(t, path, clk)
	for i := 0; i < 5; i++ {
		submit(t, a, job.NewJob{Task: "noop", Group: uuid.NewString()})
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for _, st := range []Store{a, b, a, b} {
		wg.Add(1)
		go func(st Store) {
			defer wg.Done()
			for {
				j, err := st.ClaimNext(context.Background(), ClaimRequest{Worker: "w", Tasks: []string{"noop"}, Now: clk.Now()})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(st)
	}
	wg.Wait()
	if len(seen) != 5 {
		t.Fatalf("claimed %d distinct jobs, want 5", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimRespectsNotBefore(t *testing.T) {
	t.Parallel()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1", NotBefore: clk.Now().Add(time.Minute)})
	if got := claim(t, st, clk, "w1", "noop"); got != nil {
		t.Fatal("claimed before not_before")
	}
	clk.Advance(time.Minute)
	if got := claim(t, st, clk, "w1", "noop"); got == nil || got.ID != id {
		t.Fatalf("claim = %+v, want %s", got, id)
	}
}

func TestStaleReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1", MaxRetries: 1})
	if got := claim(t, st, clk, "w1", "noop"); got == nil {
		t.Fatal("expected claim")
	}

	req := func() ClaimRequest {
		now := clk.Now()
		return ClaimRequest{Worker: "w2", Tasks: []string{"noop"}, Now: now, StaleBefore: now.Add(-2 * time.Minute)}
	}
	clk.Advance(time.Minute)
	if got, err := st.ClaimNext(ctx, req()); err != nil || got != nil {
		t.Fatalf("fresh job reclaimed: %+v %v", got, err)
	}

	clk.Advance(5 * time.Minute)
	got, err := st.ClaimNext(ctx, req())
	if err != nil || got == nil || got.ID != id || got.Worker != "w2" || got.Retries != 1 {
		t.Fatalf("reclaim = %+v %v", got, err)
	}

	hb, err := st.Heartbeat(ctx, id, "w1", 50)
	if err != nil || hb.Owned {
		t.Fatalf("old owner heartbeat = %+v %v, want not owned", hb, err)
	}
	if ok, _ := st.Finish(ctx, id, "w1", job.StateSuccess); ok {
		t.Fatal("old owner must not finish the job")
	}
}

func TestStaleReclaimExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1", MaxRetries: 1})
	claim(t, st, clk, "w1", "noop")

	claims := 1
	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Minute)
		now := clk.Now()
		got, err := st.ClaimNext(ctx, ClaimRequest{Worker: "w2", Tasks: []string{"noop"}, Now: now, StaleBefore: now.Add(-2 * time.Minute)})
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got != nil {
			claims++
		}
	}
	if claims != 2 {
		t.Fatalf("claims = %d, want 2 (max retries 1)", claims)
	}
	j, _ := st.Get(ctx, id)
	if j.State != job.StateFailed || j.Retries != 1 || j.Finished == nil || j.Worker != "" {
		t.Fatalf("abandoned job = %+v, want failed after one retry", j)
	}

	// No reclaim at all without a liveness window.
	other := submit(t, st, job.NewJob{Task: "noop", Group: "g2"})
	claim(t, st, clk, "w1", "noop")
	clk.Advance(time.Hour)
	if got := claim(t, st, clk, "w2", "noop"); got != nil {
		t.Fatalf("claimed %+v without StaleBefore", got)
	}
	if j, _ := st.Get(ctx, other); j.State != job.StateRunning {
		t.Fatalf("state = %s, want running", j.State)
	}
}

func TestHeartbeatAndFinish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})
	claim(t, st, clk, "w1", "noop")

	hb, err := st.Heartbeat(ctx, id, "w1", 140)
	if err != nil || !hb.Owned || hb.CancelRequested {
		t.Fatalf("heartbeat = %+v %v", hb, err)
	}
	j, err := st.Get(ctx, id)
	if err != nil || j.Progress != 100 {
		t.Fatalf("progress = %+v %v, want clamped 100", j, err)
	}

	if _, err := st.Finish(ctx, id, "w1", job.StateRunning); err == nil {
		t.Fatal("finish with non-terminal state must fail")
	}
	if ok, err := st.Finish(ctx, id, "w1", job.StateFailed); err != nil || !ok {
		t.Fatalf("finish = %v %v", ok, err)
	}
	j, _ = st.Get(ctx, id)
	if j.State != job.StateFailed || j.Finished == nil || j.Worker != "" {
		t.Fatalf("unexpected finished job %+v", j)
	}
	if ok, _ := st.Finish(ctx, id, "w1", job.StateSuccess); ok {
		t.Fatal("terminal job must not transition again")
	}
}

func TestRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)
	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1", MaxRetries: 2})
	claim(t, st, clk, "w1", "noop")

	ok, err := st.Requeue(ctx, id, "w1", Requeue{IncrementRetry: true, NotBefore: clk.Now().Add(10 * time.Second)})
	if err != nil || !ok {
		t.Fatalf("requeue = %v %v", ok, err)
	}
	j, _ := st.Get(ctx, id)
	if j.State != job.StateWaiting || j.Retries != 1 || j.NotBefore == nil || j.Worker != "" {
		t.Fatalf("unexpected requeued job %+v", j)
	}
	if j.Started == nil {
		t.Fatal("requeue cleared started of a job that has run")
	}
	if got := claim(t, st, clk, "w1", "noop"); got != nil {
		t.Fatal("claimed during backoff")
	}
	clk.Advance(10 * time.Second)
	claim(t, st, clk, "w1", "noop")
	if ok, _ := st.Requeue(ctx, id, "w1", Requeue{}); !ok {
		t.Fatal("requeue without increment failed")
	}
	j, _ = st.Get(ctx, id)
	if j.Retries != 1 {
		t.Fatalf("retries = %d, want 1", j.Retries)
	}
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)

	waiting := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})
	if err := st.AppendLog(ctx, waiting, job.LogInfo, "queued"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	res, _, err := st.RequestCancel(ctx, waiting)
	if err != nil || res != job.CancelRemoved {
		t.Fatalf("cancel waiting = %v %v", res, err)
	}
	if _, err := st.Get(ctx, waiting); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("get removed = %v, want ErrNotFound", err)
	}
	if logs, _ := st.Logs(ctx, waiting); len(logs) != 0 {
		t.Fatalf("logs of removed job survived: %v", logs)
	}
	if got := claim(t, st, clk, "w1", "noop"); got != nil {
		t.Fatal("removed job was claimed")
	}

	running := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})
	claim(t, st, clk, "w1", "noop")
	res, worker, err := st.RequestCancel(ctx, running)
	if err != nil || res != job.CancelRequested || worker != "w1" {
		t.Fatalf("cancel running = %v %q %v", res, worker, err)
	}
	j, _ := st.Get(ctx, running)
	if j.State != job.StateRunning {
		t.Fatalf("state = %s, cancel must not force a transition", j.State)
	}
	hb, _ := st.Heartbeat(ctx, running, "w1", 10)
	if !hb.CancelRequested {
		t.Fatal("heartbeat did not report cancel flag")
	}

	if _, err := st.Finish(ctx, running, "w1", job.StateCancelled); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if res, _, _ := st.RequestCancel(ctx, running); res != job.CancelNotFound {
		t.Fatalf("cancel terminal = %v, want not_found", res)
	}
	if res, _, _ := st.RequestCancel(ctx, "missing"); res != job.CancelNotFound {
		t.Fatalf("cancel missing = %v, want not_found", res)
	}
}

func TestQueueState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)

	done := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Subject: "done"})
	claim(t, st, clk, "w1", "noop")
	_ = st.AppendLog(ctx, done, job.LogInfo, "started")
	_, _ = st.Finish(ctx, done, "w1", job.StateSuccess)

	run := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Subject: "run"})
	claim(t, st, clk, "w1", "noop")
	low := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Subject: "low"})
	high := submit(t, st, job.NewJob{Task: "noop", Group: "g1", Subject: "high", Priority: job.PriorityHigh})
	submit(t, st, job.NewJob{Task: "noop", Group: "other"})

	qs, err := st.QueueState(ctx, "g1", QueueQuery{WithLogs: true})
	if err != nil {
		t.Fatalf("queue state: %v", err)
	}
	if len(qs.Running) != 1 || qs.Running[0].ID != run {
		t.Fatalf("running = %+v", qs.Running)
	}
	if len(qs.Queued) != 2 || qs.Queued[0].ID != high || qs.Queued[1].ID != low {
		t.Fatalf("queued order = %+v", qs.Queued)
	}
	if len(qs.Done) != 1 || qs.Done[0].ID != done || qs.Done[0].Progress != 100 {
		t.Fatalf("done = %+v", qs.Done)
	}
	if len(qs.Done[0].Logs) != 1 || qs.Done[0].Logs[0].Message != "started" {
		t.Fatalf("done logs = %+v", qs.Done[0].Logs)
	}

	all, _ := st.QueueState(ctx, "", QueueQuery{DoneLimit: 1})
	if len(all.Queued) != 3 {
		t.Fatalf("all groups queued = %d, want 3", len(all.Queued))
	}
}

func TestResetWorkerAndCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)

	id := submit(t, st, job.NewJob{Task: "noop", Group: "g1"})
	claim(t, st, clk, "w1", "noop")
	if n, err := st.ResetWorker(ctx, "w1"); err != nil || n != 1 {
		t.Fatalf("reset = %d %v", n, err)
	}
	j, _ := st.Get(ctx, id)
	if j.State != job.StateWaiting || j.Started == nil {
		t.Fatalf("reset job = %+v, want waiting with started kept", j)
	}

	claim(t, st, clk, "w1", "noop")
	_, _ = st.Finish(ctx, id, "w1", job.StateSuccess)
	_ = st.AppendLog(ctx, id, job.LogInfo, "bye")
	clk.Advance(time.Hour)
	n, err := st.CleanupFinished(ctx, clk.Now().Add(-30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d %v", n, err)
	}
	if _, err := st.Get(ctx, id); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", err)
	}
}

func TestNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)
	if err := st.RegisterNode(ctx, job.Node{ID: "a", Kind: job.NodeExecutor, URL: "http://a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.Advance(5 * time.Minute)
	_ = st.RegisterNode(ctx, job.Node{ID: "b", Kind: job.NodeExecutor, URL: "http://b"})

	nodes, err := st.ListNodes(ctx, job.NodeExecutor, clk.Now().Add(-2*time.Minute))
	if err != nil || len(nodes) != 1 || nodes[0].ID != "b" {
		t.Fatalf("fresh nodes = %+v %v", nodes, err)
	}
	_ = st.RegisterNode(ctx, job.Node{ID: "a", Kind: job.NodeExecutor, URL: "http://a2"})
	nodes, _ = st.ListNodes(ctx, job.NodeExecutor, clk.Now().Add(-2*time.Minute))
	if len(nodes) != 2 || nodes[0].URL != "http://a2" {
		t.Fatalf("nodes after re-register = %+v", nodes)
	}
	_ = st.RemoveNode(ctx, "a")
	nodes, _ = st.ListNodes(ctx, job.NodeExecutor, time.Time{})
	if len(nodes) != 1 {
		t.Fatalf("nodes after remove = %+v", nodes)
	}
}

func TestPeriodicUpsertKeepsTriggerState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, clk := openTest(t)

	p, err := st.UpsertPeriodic(ctx, job.PeriodicTask{Name: "cleanup", Task: "noop", Group: "sys", Timer: "@hourly", Enabled: true})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	occ := clk.Now()
	if _, ok, err := st.TriggerPeriodic(ctx, PeriodicTrigger{ID: p.ID, Occurrence: occ, Worker: "w1", Job: job.NewJob{Task: "noop", Group: "sys"}}); err != nil || !ok {
		t.Fatalf("trigger = %v %v", ok, err)
	}

	p2, err := st.UpsertPeriodic(ctx, job.PeriodicTask{Name: "cleanup", Task: "noop", Group: "sys", Timer: "@daily", Enabled: true})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if p2.ID != p.ID || p2.Timer != "@daily" || p2.LastTriggered == nil || !p2.LastTriggered.Equal(occ) {
		t.Fatalf("upsert lost state: %+v", p2)
	}

	_, _ = st.UpsertPeriodic(ctx, job.PeriodicTask{Name: "other", Task: "noop", Group: "sys", Timer: "@daily"})
	enabled, _ := st.ListPeriodic(ctx, true)
	if len(enabled) != 1 {
		t.Fatalf("enabled = %d, want 1", len(enabled))
	}
	n, err := st.DeletePeriodicExcept(ctx, []string{"cleanup"})
	if err != nil || n != 1 {
		t.Fatalf("delete except = %d %v", n, err)
	}
}

func TestTriggerPeriodicOncePerOccurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	clk := newClock()
	a := openAt(t, path, clk)
	b := openAt(t, path, clk)

	p, err := a.UpsertPeriodic(ctx, job.PeriodicTask{Name: "hourly", Task: "noop", Group: "sys", Timer: "@hourly", Enabled: true})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	occ := clk.Now().Truncate(time.Hour)
	trig := PeriodicTrigger{ID: p.ID, Occurrence: occ, MarkerTTL: time.Minute, Job: job.NewJob{Task: "noop", Group: "sys"}}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i, st := range []Store{a, b, a, b} {
		wg.Add(1)
		go func(i int, st Store) {
			defer wg.Done()
			tr := trig
			tr.Worker = uuid.NewString()
			_, ok, err := st.TriggerPeriodic(ctx, tr)
			if err != nil {
				t.Errorf("trigger %d: %v", i, err)
			}
			if ok {
				wins.Add(1)
			}
		}(i, st)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("wins = %d, want 1", got)
	}
	qs, _ := a.QueueState(ctx, "sys", QueueQuery{})
	if len(qs.Queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(qs.Queued))
	}

	if _, ok, _ := a.TriggerPeriodic(ctx, PeriodicTrigger{ID: p.ID, Occurrence: occ.Add(-time.Hour), Job: trig.Job}); ok {
		t.Fatal("older occurrence must not trigger")
	}
	if _, ok, _ := a.TriggerPeriodic(ctx, PeriodicTrigger{ID: p.ID, Occurrence: occ.Add(time.Hour), Job: trig.Job}); !ok {
		t.Fatal("next occurrence should trigger")
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st, _ := openTest(t)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := st.Submit(context.Background(), job.NewJob{Task: "noop", Group: "g"})
	if !errors.Is(err, ErrClosed) || !job.IsStoreError(err) {
		t.Fatalf("err = %v, want StoreError(ErrClosed)", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	got := dialectPostgres.rebind("SELECT a FROM t WHERE x = ? AND y IN (?,?)")
	if want := "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)"; got != want {
		t.Fatalf("rebind = %s, want %s", got, want)
	}
	if q := "x = ?"; dialectSQLite.rebind(q) != q {
		t.Fatal("sqlite must keep ? placeholders")
	}
}

// TestPostgresClaim runs against a real database when
// JOBEXEC_TEST_POSTGRES_DSN is set.
func TestPostgresClaim(t *testing.T) {
	dsn := os.Getenv("JOBEXEC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBEXEC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	task := "pgtest-" + uuid.NewString()
	group := uuid.NewString()
	first := submit(t, st, job.NewJob{Task: task, Group: group})
	submit(t, st, job.NewJob{Task: task, Group: group})

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := st.ClaimNext(ctx, ClaimRequest{Worker: uuid.NewString(), Tasks: []string{task}, Now: time.Now()})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if j != nil {
				if j.ID != first {
					t.Errorf("claimed %s, want %s", j.ID, first)
				}
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("wins = %d, want 1 (group exclusivity)", got)
	}
}
