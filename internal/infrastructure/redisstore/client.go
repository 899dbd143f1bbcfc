// Package redisstore keeps verification records and sessions in Redis. Every
// conditional mutation runs as a Lua script so the check and the write are one
// atomic step on the server, independent of how many service instances run.
//
// Scripts receive every key they touch in KEYS. On Redis Cluster the key
// prefix must carry a hash tag, such as "{authcore}:", so those keys share a slot.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-auth-nosql/internal/config"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/redis/go-redis/v9"
)

// NewClient builds a Redis client from config and checks connectivity.
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// optionalMillis renders the zero time as 0.
func optionalMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return toMillis(t)
}

// exclusiveMax renders a ZRANGEBYSCORE upper bound that excludes ts.
func exclusiveMax(ts time.Time) string {
	return "(" + strconv.FormatInt(toMillis(ts), 10)
}

func storageErr(op string, err error) error {
	return domain.StorageError("redis "+op, err)
}
