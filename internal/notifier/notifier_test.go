package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobexec/internal/job"
	logx "jobexec/pkg/logx"
)

type memNodes struct {
	mu    sync.Mutex
	nodes map[string]job.Node
}

func newMemNodes(nodes ...job.Node) *memNodes {
	m := &memNodes{nodes: map[string]job.Node{}}
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
	return m
}

func (m *memNodes) RegisterNode(_ context.Context, n job.Node) error {
	m.mu.Lock()
	m.nodes[n.ID] = n
	m.mu.Unlock()
	return nil
}

func (m *memNodes) ListNodes(_ context.Context, kind string, freshAfter time.Time) ([]job.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Node
	for _, n := range m.nodes {
		if n.Kind == kind && n.Updated.After(freshAfter) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNodes) RemoveNode(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()
	return nil
}

func (m *memNodes) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[id]
	return ok
}

type peer struct {
	srv     *httptest.Server
	wakes   atomic.Int32
	cancels chan string
	auth    atomic.Value
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{cancels: make(chan string, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+NotifyPath, func(w http.ResponseWriter, r *http.Request) {
		p.auth.Store(r.Header.Get("Authorization"))
		p.wakes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		p.cancels <- r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startService(t *testing.T, cfg Config, st Store) *Service {
	t.Helper()
	s := New(cfg, st, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyWakesPeersExceptSelf(t *testing.T) {
	t.Parallel()
	a, b := newPeer(t), newPeer(t)
	self := newPeer(t)
	now := time.Now()
	st := newMemNodes(
		job.Node{ID: "a", Kind: job.NodeExecutor, URL: a.srv.URL, Updated: now},
		job.Node{ID: "b", Kind: job.NodeExecutor, URL: b.srv.URL + "/", Updated: now},
		job.Node{ID: "self", Kind: job.NodeExecutor, URL: self.srv.URL, Updated: now},
		job.Node{ID: "stale", Kind: job.NodeExecutor, URL: self.srv.URL, Updated: now.Add(-time.Hour)},
	)
	s := startService(t, Config{Enabled: true, NodeID: "self", AuthToken: "tok"}, st)

	s.Notify()
	waitFor(t, "both peers woken", func() bool { return a.wakes.Load() == 1 && b.wakes.Load() == 1 })
	if self.wakes.Load() != 0 {
		t.Fatal("self must not be woken")
	}
	if got, _ := a.auth.Load().(string); got != "Bearer tok" {
		t.Fatalf("authorization = %q", got)
	}
	if s.Stats().Peers != 2 {
		t.Fatalf("peers = %d, want 2", s.Stats().Peers)
	}
}

func TestNotifyCoalesces(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-block
		}
	}))
	t.Cleanup(srv.Close)
	st := newMemNodes(job.Node{ID: "p", Kind: job.NodeExecutor, URL: srv.URL, Updated: time.Now()})
	s := startService(t, Config{Enabled: true, NodeID: "me", Timeout: 2 * time.Second}, st)

	s.Notify()
	waitFor(t, "first call in flight", func() bool { return hits.Load() == 1 })
	for i := 0; i < 10; i++ {
		s.Notify()
	}
	close(block)
	waitFor(t, "second call", func() bool { return hits.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 2 {
		t.Fatalf("peer calls = %d, want 2", got)
	}
	if s.Stats().Coalesced != 9 {
		t.Fatalf("coalesced = %d, want 9", s.Stats().Coalesced)
	}
}

func TestNotifyCancelTargetsOwner(t *testing.T) {
	t.Parallel()
	owner, other := newPeer(t), newPeer(t)
	now := time.Now()
	st := newMemNodes(
		job.Node{ID: "w1", Kind: job.NodeExecutor, URL: owner.srv.URL, Updated: now},
		job.Node{ID: "w2", Kind: job.NodeExecutor, URL: other.srv.URL, Updated: now},
	)
	s := startService(t, Config{Enabled: true, NodeID: "me"}, st)

	s.NotifyCancel("w1", "job-42")
	select {
	case id := <-owner.cancels:
		if id != "job-42" {
			t.Fatalf("cancelled %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("owner never received cancel")
	}
	select {
	case id := <-other.cancels:
		t.Fatalf("non-owner received cancel for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
	waitFor(t, "cancel counted", func() bool { return s.Stats().CancelsSent == 1 })
}

func TestRegistersAndDeregisters(t *testing.T) {
	t.Parallel()
	st := newMemNodes()
	s := New(Config{Enabled: true, NodeID: "n1", AdvertiseURL: "http://127.0.0.1:1"}, st, logx.Nop(), nil)
	s.Start(context.Background())
	waitFor(t, "registration", func() bool { return st.has("n1") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if st.has("n1") {
		t.Fatal("node should be removed on stop")
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after stop")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newMemNodes(), logx.Nop(), nil)
	s.Start(context.Background())
	s.Notify()
	s.NotifyCancel("w", "j")
	if s.Supervisor() != nil || s.Stats().Notifies != 0 {
		t.Fatal("disabled notifier must not run")
	}
}

type countWaker struct{ n atomic.Int32 }

func (c *countWaker) Wake() { c.n.Add(1) }

func TestRedisWake(t *testing.T) {
	addr := os.Getenv("JOBEXEC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBEXEC_TEST_REDIS_ADDR not set")
	}
	prefix := "jobexec-test-" + time.Now().Format("150405.000000")
	w := &countWaker{}
	sub := New(Config{Enabled: true, NodeID: "sub", Redis: RedisConfig{Addr: addr, Prefix: prefix}}, nil, logx.Nop(), nil)
	sub.SetWaker(w)
	sub.Start(context.Background())
	pub := startService(t, Config{Enabled: true, NodeID: "pub", Redis: RedisConfig{Addr: addr, Prefix: prefix}}, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sub.Stop(ctx)
	}()

	waitFor(t, "redis wake", func() bool {
		pub.Notify()
		return w.n.Load() > 0
	})
}

func TestFlushDeliversQueuedWork(t *testing.T) {
	t.Parallel()
	a := newPeer(t)
	st := newMemNodes(job.Node{ID: "a", Kind: job.NodeExecutor, URL: a.srv.URL, Updated: time.Now()})
	s := startService(t, Config{Enabled: true}, st)

	s.NotifyCancel("a", "j9")
	s.Notify()
	s.Flush(context.Background())

	// The background loops may win the race; either way both arrive.
	waitFor(t, "wake delivered", func() bool { return a.wakes.Load() == 1 })
	select {
	case id := <-a.cancels:
		if id != "j9" {
			t.Fatalf("cancelled %q, want j9", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancel not delivered")
	}
}
