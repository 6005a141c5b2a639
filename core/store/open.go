// Package store selects the persistence backend named in configuration.
package store

import (
	"context"
	"fmt"

	"github.com/cordum/toolforge/core/infra/config"
	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/redisutil"
	"github.com/cordum/toolforge/core/store/redisstore"
	"github.com/cordum/toolforge/core/store/sqlstore"
	"github.com/cordum/toolforge/core/tool"
)

// Open connects to the store named by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, policy *config.Policy) (tool.Store, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlstore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logging.Info("store", "using sqlite", "path", cfg.SQLitePath)
		return s, nil
	case config.DriverRedis, "":
		client, err := redisutil.Connect(ctx, cfg.RedisURL, RedisTLS(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		logging.Info("store", "using redis", "url", cfg.RedisURL, "tls", client.Options().TLSConfig != nil)
		return redisstore.New(client,
			redisstore.WithMaxRetries(policy.TxMaxRetries),
			redisstore.WithSnapshotGrace(policy.SnapshotGrace()),
		), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// RedisTLS turns the configured TLS settings into a connect option.
func RedisTLS(cfg *config.Config) redisutil.Option {
	return redisutil.WithTLS(redisutil.TLS{
		CAFile:     cfg.RedisTLS.CAFile,
		ServerName: cfg.RedisTLS.ServerName,
		Insecure:   cfg.RedisTLS.Insecure,
	})
}
