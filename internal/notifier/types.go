package notifier

import (
	"context"
	"errors"
	"time"

	"jobexec/internal/job"
)

var ErrStopped = errors.New("notifier stopped")

// Config controls peer notification.
type Config struct {
	Enabled bool
	// NodeID identifies this process; use the executor worker id so cancel
	// requests can find the owner of a running job.
	NodeID string
	// AdvertiseURL is this node's base URL. Empty means the node is not
	// registered and peers cannot reach it over HTTP.
	AdvertiseURL string
	// NodeTTL is how long a registration counts as fresh.
	NodeTTL time.Duration
	// Timeout bounds each peer call.
	Timeout    time.Duration
	RatePerSec int
	// AuthToken is sent as a bearer token on peer calls.
	AuthToken string
	Redis     RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func (c Config) withDefaults() Config {
	if c.NodeTTL <= 0 {
		c.NodeTTL = 2 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "jobexec"
	}
	return c
}

// registerEvery refreshes the registration well inside the TTL.
func (c Config) registerEvery() time.Duration {
	return c.NodeTTL / 4
}

// Store is the node registry.
type Store interface {
	RegisterNode(ctx context.Context, n job.Node) error
	ListNodes(ctx context.Context, kind string, freshAfter time.Time) ([]job.Node, error)
	RemoveNode(ctx context.Context, id string) error
}

// Waker is woken by wake-ups received over redis.
type Waker interface {
	Wake()
}

type Stats struct {
	Notifies       uint64    `json:"notifies"`
	Coalesced      uint64    `json:"coalesced"`
	PeerCalls      uint64    `json:"peer_calls"`
	PeerErrors     uint64    `json:"peer_errors"`
	CancelsSent    uint64    `json:"cancels_sent"`
	RedisPublished uint64    `json:"redis_published"`
	RedisReceived  uint64    `json:"redis_received"`
	LastBroadcast  time.Time `json:"last_broadcast"`
	Peers          int       `json:"peers"`
}

type cancelReq struct {
	worker string
	jobID  string
}
