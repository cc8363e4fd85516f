package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	rtsup "jobexec/internal/runtime/supervisor"
	logx "jobexec/pkg/logx"
)

// Service wakes executor peers: a coalescing wake slot, a small cancel
// queue, node registration and an optional redis channel.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	store  Store
	client *http.Client
	now    func() time.Time

	cfg     Config
	limiter *rate.Limiter
	waker   Waker

	pending  chan struct{}
	cancels  chan cancelReq
	sup      *rtsup.Supervisor
	rdb      *redis.Client
	stopDone chan struct{} // non-nil while stopping

	notifies, coalesced, peerCalls, peerErrors atomic.Uint64
	cancelsSent, published, received           atomic.Uint64
	lastBroadcast                              atomic.Int64
	peers                                      atomic.Int64
}

// New builds the notifier. store may be nil, in which case only redis
// wake-ups are sent.
func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		store:  store,
		client: &http.Client{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// SetWaker registers the local executor for redis wake-ups. Call before Start.
func (s *Service) SetWaker(w Waker) {
	s.mu.Lock()
	s.waker = w
	s.mu.Unlock()
}

// Apply swaps the config, restarting when the node identity or transport
// changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	if !running || !needsRestart(prev, cfg) {
		s.applyLocked(cfg)
		s.mu.Unlock()
		if !running && cfg.Enabled {
			s.Start(ctx)
		}
		return
	}
	s.mu.Unlock()

	s.Stop(ctx)
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	return a.Enabled != b.Enabled || a.NodeID != b.NodeID || a.AdvertiseURL != b.AdvertiseURL ||
		a.NodeTTL != b.NodeTTL || a.Redis != b.Redis
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.pending = make(chan struct{}, 1)
	s.cancels = make(chan cancelReq, 64)
	if cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// wake-ups are best-effort; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup, pending, cancels, rdb, waker := s.sup, s.pending, s.cancels, s.rdb, s.waker
	s.mu.Unlock()

	sup.GoRestart("wake", func(c context.Context) error {
		s.wakeLoop(c, pending)
		return c.Err()
	})
	sup.GoRestart("cancel", func(c context.Context) error {
		s.cancelLoop(c, cancels)
		return c.Err()
	})
	if cfg.AdvertiseURL != "" && cfg.NodeID != "" && s.store != nil {
		sup.GoRestart("register", func(c context.Context) error {
			return s.registerLoop(c, cfg)
		}, rtsup.WithPublishFirstError(true))
	}
	if rdb != nil && waker != nil {
		sup.GoRestart("redis.subscribe", func(c context.Context) error {
			return s.subscribeLoop(c, rdb, cfg, waker)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	s.log.Info("notifier started",
		logx.String("node", cfg.NodeID),
		logx.String("url", cfg.AdvertiseURL),
		logx.Bool("redis", rdb != nil),
	)
}

// Stop cancels the loops and deregisters the node, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	cfg := s.cfg
	rdb := s.rdb
	s.mu.Unlock()

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	go func() {
		defer close(done)
		defer rcancel()
		sup.Cancel()
		_ = sup.Wait(context.Background())
		if rdb != nil {
			_ = rdb.Close()
		}
		// Leave the node table so peers stop calling us.
		if cfg.AdvertiseURL != "" && cfg.NodeID != "" && s.store != nil {
			if err := s.store.RemoveNode(rctx, cfg.NodeID); err != nil {
				s.log.Debug("node deregistration failed", logx.Err(err))
			}
		}
		s.mu.Lock()
		s.sup = nil
		s.rdb = nil
		s.pending = nil
		s.cancels = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify schedules one wake-up of all peers. It never blocks; calls made
// while a wake-up is pending are merged into it.
func (s *Service) Notify() {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return
	}
	s.notifies.Add(1)
	select {
	case pending <- struct{}{}:
	default:
		s.coalesced.Add(1)
	}
}

// NotifyCancel asks the node running jobID to cancel it now. It never
// blocks; the store's cancel flag stays authoritative either way.
func (s *Service) NotifyCancel(worker, jobID string) {
	if strings.TrimSpace(worker) == "" || strings.TrimSpace(jobID) == "" {
		return
	}
	s.mu.Lock()
	cancels := s.cancels
	s.mu.Unlock()
	if cancels == nil {
		return
	}
	select {
	case cancels <- cancelReq{worker: worker, jobID: jobID}:
	default:
		s.log.Debug("cancel notification dropped", logx.Job(jobID), logx.String("worker", worker))
	}
}

// Flush delivers queued wake-up and cancel notifications on the calling
// goroutine. Short-lived processes such as the CLI call it before Stop.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	pending, cancels := s.pending, s.cancels
	s.mu.Unlock()
	if pending == nil {
		return
	}
drain:
	for {
		select {
		case r := <-cancels:
			s.sendCancel(ctx, r)
		default:
			break drain
		}
	}
	select {
	case <-pending:
		s.broadcast(ctx)
	default:
	}
}

func (s *Service) Stats() Stats {
	st := Stats{
		Notifies:       s.notifies.Load(),
		Coalesced:      s.coalesced.Load(),
		PeerCalls:      s.peerCalls.Load(),
		PeerErrors:     s.peerErrors.Load(),
		CancelsSent:    s.cancelsSent.Load(),
		RedisPublished: s.published.Load(),
		RedisReceived:  s.received.Load(),
		Peers:          int(s.peers.Load()),
	}
	if ns := s.lastBroadcast.Load(); ns != 0 {
		st.LastBroadcast = time.Unix(0, ns)
	}
	return st
}

func (s *Service) wakeLoop(ctx context.Context, pending <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending:
			s.broadcast(ctx)
		}
	}
}

func (s *Service) cancelLoop(ctx context.Context, cancels <-chan cancelReq) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-cancels:
			s.sendCancel(ctx, r)
		}
	}
}

func (s *Service) registerLoop(ctx context.Context, cfg Config) error {
	t := time.NewTicker(cfg.registerEvery())
	defer t.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := s.store.RegisterNode(rctx, job.Node{ID: cfg.NodeID, Kind: job.NodeExecutor, URL: cfg.AdvertiseURL, Updated: s.now()})
		cancel()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("node registration failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) redisClient() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rdb
}

func (s *Service) limiterNow() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func isStopping(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
