// Package rediskv implements the Redis-backed adapters: the event stream,
// dead letter queue, locks, idempotence markers and key-value repositories.
package rediskv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/config"
)

// NewClient builds a go-redis client from configuration.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr(),
		DB:   cfg.RedisDB,
	})
}

// Connect pings the backend with exponential backoff so service start
// tolerates Redis coming up slightly later.
func Connect(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := NewClient(cfg)
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(op, bo); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=rediskv.Connect addr=%s: %w", cfg.RedisAddr(), err)
	}
	return rdb, nil
}

// EnsureGroup creates the consumer group on the stream with MKSTREAM
// semantics and an initial id of 0-0. BUSYGROUP on re-create is ignored.
func EnsureGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=rediskv.EnsureGroup stream=%s group=%s: %w", stream, group, err)
	}
	if err == nil {
		slog.Info("consumer group created", slog.String("stream", stream), slog.String("group", group))
	}
	return nil
}
