package config

import (
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "JOBEXEC_"

// envOverrides are applied on top of the file so deployments can keep
// secrets and per-host values out of it.
type envOverrides struct {
	StoreDriver  string `env:"STORE_DRIVER"`
	StorePath    string `env:"STORE_PATH"`
	StoreDSN     string `env:"STORE_DSN"`
	ExecutorID   string `env:"EXECUTOR_ID"`
	AdvertiseURL string `env:"ADVERTISE_URL"`
	HTTPAddr     string `env:"HTTP_ADDR"`
	HTTPToken    string `env:"HTTP_TOKEN"`
	LogLevel     string `env:"LOG_LEVEL"`
	RedisAddr    string `env:"REDIS_ADDR"`
}

// ApplyEnv overlays JOBEXEC_* variables from environ (os.Environ() when nil).
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Store.Driver, o.StoreDriver)
	set(&cfg.Store.Path, o.StorePath)
	set(&cfg.Store.DSN, o.StoreDSN)
	set(&cfg.Executor.ID, o.ExecutorID)
	set(&cfg.Notifier.AdvertiseURL, o.AdvertiseURL)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Notifier.Redis.Addr, o.RedisAddr)
	return nil
}
