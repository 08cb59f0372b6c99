package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/casstore"
)

// openStore builds the configured CAS store and, for Redis, a health check.
func openStore(cfg *config.Config) (*casstore.Store, func(context.Context) error, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, nil, err
		}
		backend, err := casstore.NewRedisBackend(opts, cfg.Instance)
		if err != nil {
			return nil, nil, err
		}
		return casstore.New(backend, cfg.Store.Options()), backend.Ping, nil
	case config.BackendFile:
		backend, err := casstore.NewFileBackend(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return casstore.New(backend, cfg.Store.Options()), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}
