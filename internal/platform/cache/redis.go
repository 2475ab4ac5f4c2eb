package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/ratelimit"
)

const storeRedis = "redis"

// NewRedisClient connects to the configured Redis server. A failed ping is
// logged, not fatal; rate-limit checks surface the error per request.
func NewRedisClient(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				log.Warnw("redis_ping_failed", "addr", cfg.Redis.Addr, "err", err)
				return nil
			}
			log.Infow("connected to redis", "addr", cfg.Redis.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// NewRateLimitStore selects the counter store. The memory store is swept in
// the background for the lifetime of the app.
func NewRateLimitStore(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config) ratelimit.Store {
	if cfg.RateLimit.Store == storeRedis {
		client := NewRedisClient(lc, log, cfg)
		log.Infow("rate limiter using redis store", "prefix", cfg.Redis.Prefix)
		return ratelimit.NewRedisStore(client, cfg.Redis.Prefix)
	}

	store := ratelimit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go store.Run(ctx, cfg.RateLimit.SweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	log.Infow("rate limiter using memory store", "sweep_interval", cfg.RateLimit.SweepInterval)
	return store
}

var Module = fx.Options(
	fx.Provide(NewRateLimitStore),
	fx.Provide(ratelimit.New),
)
