package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"jobexec/internal/config"
	"jobexec/internal/notifier"
	"jobexec/internal/queue"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	"jobexec/internal/task/builtin"
	"jobexec/internal/task/scheduler"
	logx "jobexec/pkg/logx"
)

// Client is what one-shot CLI commands use: the queue facade and the
// periodic view over the configured store, with no executor running.
type Client struct {
	Queue    *queue.Queue
	Periodic *scheduler.Service

	cfg   *config.Config
	store storage.Store
	notif *notifier.Service
}

// OpenClient loads the config and opens the store. log should write to
// stderr so command output stays parseable.
func OpenClient(ctx context.Context, cfgPath string, opts Options, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfgm := config.NewConfigManager(cfgPath)
	if opts.Environ != nil {
		cfgm.SetEnviron(opts.Environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c, err := newClient(ctx, cfg, opts, store, log)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	return c, nil
}

func newClient(ctx context.Context, cfg *config.Config, opts Options, store storage.Store, log logx.Logger) (*Client, error) {
	reg, err := task.NewRegistry(append(builtin.Tasks(store), opts.Tasks...)...)
	if err != nil {
		return nil, err
	}
	// No node id: a client wakes peers but is never woken itself.
	ncfg, err := mapNotifierConfig(cfg, "")
	if err != nil {
		return nil, err
	}
	ncfg.AdvertiseURL = ""
	scfg, err := mapSchedulerConfig(cfg, "")
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, store, log.With(logx.String("comp", "notifier")), nil)
	notif.Start(ctx)
	return &Client{
		Queue: queue.New(store, reg, queue.Options{
			MaxRetries: retryMax(cfg),
			Notifier:   notif,
			Log:        log.With(logx.String("comp", "queue")),
		}),
		// Never started; it only serves Snapshot and Sync.
		Periodic: scheduler.New(scfg, store, notif, reg, log.With(logx.String("comp", "periodic")), nil),
		cfg:      cfg,
		store:    store,
		notif:    notif,
	}, nil
}

// SyncPeriodic writes the configured periodic definitions to the store,
// as serve does at startup.
func (c *Client) SyncPeriodic(ctx context.Context) error {
	defs, err := mapPeriodicDefinitions(c.cfg)
	if err != nil {
		return err
	}
	return c.Periodic.Sync(ctx, defs)
}

// Close delivers pending peer notifications and closes the store.
func (c *Client) Close(ctx context.Context) error {
	c.notif.Flush(ctx)
	c.notif.Stop(ctx)
	return c.store.Close()
}
