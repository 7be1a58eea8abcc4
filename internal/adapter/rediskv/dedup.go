package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// Deduper marks event ids processed per consumer group under
// processed:{group}:{event_id}, bounded by the dedupe TTL.
type Deduper struct {
	rdb *redis.Client
}

// NewDeduper wraps the client.
func NewDeduper(rdb *redis.Client) *Deduper { return &Deduper{rdb: rdb} }

var _ domain.Deduper = (*Deduper)(nil)

func processedKey(group, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", group, eventID)
}

// MarkIfNew sets the marker iff absent. Returns true when this call won,
// false when the event id was already processed by the group.
func (d *Deduper) MarkIfNew(ctx context.Context, group, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, processedKey(group, eventID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=deduper.MarkIfNew group=%s event=%s: %w", group, eventID, err)
	}
	return ok, nil
}

// IsProcessed reports whether the marker exists.
func (d *Deduper) IsProcessed(ctx context.Context, group, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, processedKey(group, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=deduper.IsProcessed group=%s event=%s: %w", group, eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed sets the marker unconditionally.
func (d *Deduper) MarkProcessed(ctx context.Context, group, eventID string, ttl time.Duration) error {
	if err := d.rdb.Set(ctx, processedKey(group, eventID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("op=deduper.MarkProcessed group=%s event=%s: %w", group, eventID, err)
	}
	return nil
}

// AttemptTracker maintains the per-message attempt hash
// attempts:{group}:{message_id} with first/last seen timestamps.
type AttemptTracker struct {
	rdb *redis.Client
}

// NewAttemptTracker wraps the client.
func NewAttemptTracker(rdb *redis.Client) *AttemptTracker { return &AttemptTracker{rdb: rdb} }

func attemptsKey(group, msgID string) string {
	return fmt.Sprintf("attempts:%s:%s", group, msgID)
}

// Bump increments the attempt counter, stamps first_seen_at once and
// last_seen_at always, and refreshes the TTL. Returns the new meta.
func (t *AttemptTracker) Bump(ctx context.Context, group, msgID string, ttl time.Duration) (domain.AttemptMeta, error) {
	key := attemptsKey(group, msgID)
	now := float64(time.Now().UnixMilli()) / 1000.0

	attempts, err := t.rdb.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return domain.AttemptMeta{}, fmt.Errorf("op=attempts.Bump group=%s id=%s: %w", group, msgID, err)
	}
	if attempts == 1 {
		_ = t.rdb.HSetNX(ctx, key, "first_seen_at", now).Err()
	}
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key, "last_seen_at", now)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.AttemptMeta{}, fmt.Errorf("op=attempts.Bump group=%s id=%s: %w", group, msgID, err)
	}
	return t.Get(ctx, group, msgID)
}

// Get loads the attempt meta for the message, zero-valued when absent.
func (t *AttemptTracker) Get(ctx context.Context, group, msgID string) (domain.AttemptMeta, error) {
	vals, err := t.rdb.HGetAll(ctx, attemptsKey(group, msgID)).Result()
	if err != nil {
		return domain.AttemptMeta{}, fmt.Errorf("op=attempts.Get group=%s id=%s: %w", group, msgID, err)
	}
	var meta domain.AttemptMeta
	if v, ok := vals["attempts"]; ok {
		_, _ = fmt.Sscanf(v, "%d", &meta.Attempts)
	}
	if v, ok := vals["first_seen_at"]; ok {
		_, _ = fmt.Sscanf(v, "%g", &meta.FirstSeenAt)
	}
	if v, ok := vals["last_seen_at"]; ok {
		_, _ = fmt.Sscanf(v, "%g", &meta.LastSeenAt)
	}
	return meta, nil
}

// Clear removes the attempt hash, called after terminal handling.
func (t *AttemptTracker) Clear(ctx context.Context, group, msgID string) error {
	if err := t.rdb.Del(ctx, attemptsKey(group, msgID)).Err(); err != nil {
		return fmt.Errorf("op=attempts.Clear group=%s id=%s: %w", group, msgID, err)
	}
	return nil
}
