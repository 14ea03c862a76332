package cache

import (
	"context"
	"fmt"
	"time"

	"foodorder-svc/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.Redis, logger *zap.Logger) (*redis.Client, error) {
	rdb := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.Addr()))
	return rdb, nil
}

// NewClient builds a client without checking connectivity.
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          0,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})
}

func roleKey(userID, role string) string {
	return fmt.Sprintf("role:%s:%s", role, userID)
}

// GetRole returns redis.Nil when nothing is cached for the pair.
func GetRole(ctx context.Context, rdb *redis.Client, userID, role string) (bool, error) {
	v, err := rdb.Get(ctx, roleKey(userID, role)).Result()
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func SetRole(ctx context.Context, rdb *redis.Client, userID, role string, granted bool, ttl time.Duration) error {
	v := "0"
	if granted {
		v = "1"
	}
	return rdb.Set(ctx, roleKey(userID, role), v, ttl).Err()
}

func DeleteRole(ctx context.Context, rdb *redis.Client, userID, role string) error {
	return rdb.Del(ctx, roleKey(userID, role)).Err()
}
