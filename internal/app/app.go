// Package app assembles the components shared by the api, worker and horusctl
// binaries from a Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"horus-server/internal/config"
	"horus-server/internal/jobs"
	"horus-server/internal/juggler"
	"horus-server/internal/ratelimit"
	"horus-server/internal/storage"
	"horus-server/internal/store"
	"horus-server/internal/store/memory"
)

// OpenRepository connects the configured record store and applies migrations.
func OpenRepository(ctx context.Context, cfg config.Config, opts ...store.Option) (store.Repository, error) {
	switch cfg.StoreDriver {
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// JobEnv is what jobs see while executing.
func JobEnv(cfg config.Config, repo store.Repository, objects storage.ObjectStorage, log logrus.FieldLogger) jobs.Env {
	return jobs.Env{
		Versions: repo,
		Keys:     repo,
		Storage:  objects,
		Thumbnails: jobs.ThumbnailSettings{
			Enabled: cfg.ThumbnailsEnabled,
			Width:   cfg.ThumbnailWidth,
		},
		Logger: log,
	}
}

func NewJuggler(cfg config.Config, repo store.Repository, objects storage.ObjectStorage, log logrus.FieldLogger) *juggler.Juggler {
	return juggler.New(repo, JobEnv(cfg, repo, objects, log),
		juggler.WithID(cfg.JugglerID),
		juggler.WithCapacity(cfg.JugglerQueueCapacity),
		juggler.WithThrottle(cfg.JugglerThrottle),
		juggler.WithLogger(log),
	)
}

// NewLimiter returns nil when no Redis address is configured.
func NewLimiter(cfg config.Config) (*ratelimit.TokenBucket, *redis.Client) {
	if cfg.RedisAddr == "" || cfg.RateLimitCapacity <= 0 {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour), client
}
