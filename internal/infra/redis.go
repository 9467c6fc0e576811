package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient возвращает nil, если Redis не настроен. Недоступность при старте
// не фатальна: подписчики переподключаются сами.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger *zap.Logger) *redis.Client {
	if !cfg.Enabled() {
		logger.Info("redis disabled, running single-instance")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return rdb
}
