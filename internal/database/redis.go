package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledgercore/internal/config"
	"github.com/sirupsen/logrus"
)

// OpenRedis creates a Redis client and pings it.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log *logrus.Entry) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.WithField("addr", cfg.Addr()).Info("redis connection established")
	return rdb, nil
}
