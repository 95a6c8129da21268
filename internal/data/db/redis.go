package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// RedisService owns the shared client used by the work log, the progress
// bus, and submit idempotency.
type RedisService struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewRedisService(logg *logger.Logger) (*RedisService, error) {
	serviceLog := logg.With("service", "RedisService")

	addr := envutil.String("REDIS_ADDR", "localhost:6379")
	password := envutil.String("REDIS_PASSWORD", "")
	dbNum := envutil.Int("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          dbNum,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	serviceLog.Info("Connected to Redis", "addr", addr, "db", dbNum)
	return &RedisService{rdb: rdb, log: serviceLog}, nil
}

func (s *RedisService) Client() *redis.Client { return s.rdb }

func (s *RedisService) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisService) Close() error { return s.rdb.Close() }
