package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobexec/internal/eventbus"
	"jobexec/internal/job"
	logx "jobexec/pkg/logx"
)

const (
	NotifyPath = "/api/v1/notify"
	cancelPath = "/api/v1/jobs/%s/cancel"
)

// CancelPath is the peer endpoint that cancels a running job locally.
func CancelPath(jobID string) string {
	return fmt.Sprintf(cancelPath, url.PathEscape(jobID))
}

// WakeChannel is the redis channel wake-ups are published on.
func WakeChannel(prefix string) string { return prefix + ":wake" }

func (s *Service) broadcast(ctx context.Context) {
	cfg := s.config()
	s.lastBroadcast.Store(s.now().UnixNano())

	if rdb := s.redisClient(); rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := rdb.Publish(pctx, WakeChannel(cfg.Redis.Prefix), cfg.NodeID).Err()
		cancel()
		if err != nil {
			s.log.Debug("redis wake publish failed", logx.Err(err))
		} else {
			s.published.Add(1)
		}
	}

	peers := s.peerNodes(ctx, cfg)
	s.peers.Store(int64(len(peers)))
	sent := 0
	for _, n := range peers {
		if err := s.post(ctx, cfg, n.URL, NotifyPath); err != nil {
			if isStopping(err) && ctx.Err() != nil {
				return
			}
			s.log.Debug("peer wake failed", logx.String("node", n.ID), logx.String("url", n.URL), logx.Err(err))
			continue
		}
		sent++
	}
	eventbus.Publish(s.bus, eventbus.ExecutorWake, map[string]int{"peers": len(peers), "sent": sent})
}

func (s *Service) sendCancel(ctx context.Context, r cancelReq) {
	cfg := s.config()
	if r.worker == cfg.NodeID {
		return
	}
	for _, n := range s.peerNodes(ctx, cfg) {
		if n.ID != r.worker {
			continue
		}
		if err := s.post(ctx, cfg, n.URL, CancelPath(r.jobID)); err != nil {
			s.log.Debug("peer cancel failed", logx.Job(r.jobID), logx.String("node", n.ID), logx.Err(err))
			return
		}
		s.cancelsSent.Add(1)
		return
	}
	s.log.Debug("owner of running job not reachable", logx.Job(r.jobID), logx.String("worker", r.worker))
}

// peerNodes lists fresh executors other than this one.
func (s *Service) peerNodes(ctx context.Context, cfg Config) []job.Node {
	if s.store == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	nodes, err := s.store.ListNodes(lctx, job.NodeExecutor, s.now().Add(-cfg.NodeTTL))
	if err != nil {
		s.log.Debug("list nodes failed", logx.Err(err))
		return nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.ID == cfg.NodeID || strings.TrimSpace(n.URL) == "" {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *Service) post(ctx context.Context, cfg Config, base, path string) error {
	if lim := s.limiterNow(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	s.peerCalls.Add(1)
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		s.peerErrors.Add(1)
		return err
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.peerErrors.Add(1)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		s.peerErrors.Add(1)
		return fmt.Errorf("peer returned %s", resp.Status)
	}
	return nil
}

// subscribeLoop wakes the local executor for every wake-up another node
// publishes.
func (s *Service) subscribeLoop(ctx context.Context, rdb *redis.Client, cfg Config, w Waker) error {
	sub := rdb.Subscribe(ctx, WakeChannel(cfg.Redis.Prefix))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	s.log.Debug("redis wake subscription active", logx.String("channel", WakeChannel(cfg.Redis.Prefix)))

	ch := sub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			if msg.Payload == cfg.NodeID {
				continue
			}
			s.received.Add(1)
			w.Wake()
		}
	}
}
