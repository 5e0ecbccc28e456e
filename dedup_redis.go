package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger shares the dedup ledger between processes (several terminals or devices
// logged in as the same user).
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration
}

// NewRedisLedger connects to redisURL (redis://host:port/db) and verifies the connection.
func NewRedisLedger(ctx context.Context, redisURL, keyPrefix string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLedgerFromClient(client, keyPrefix), nil
}

// NewRedisLedgerFromClient wraps an existing client.
func NewRedisLedgerFromClient(client redis.UniversalClient, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "chatsync:events:"
	}
	return &RedisLedger{client: client, keyPrefix: keyPrefix, window: DedupWindow}
}

// CheckAndRecord uses SET NX with the window as TTL; expiry does the pruning.
func (l *RedisLedger) CheckAndRecord(ctx context.Context, key string, now time.Time) (bool, error) {
	created, err := l.client.SetNX(ctx, l.keyPrefix+key, now.UnixMilli(), l.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !created, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
