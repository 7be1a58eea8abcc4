package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// Stream adapts go-redis streams to the domain EventStream port. Every
// envelope travels as a single-field entry {event: <json>}.
type Stream struct {
	rdb *redis.Client
}

// NewStream wraps the client.
func NewStream(rdb *redis.Client) *Stream { return &Stream{rdb: rdb} }

var _ domain.EventStream = (*Stream)(nil)

// Publish appends the envelope to the stream and returns the entry id.
func (s *Stream) Publish(ctx context.Context, stream string, env domain.EventEnvelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("op=stream.Publish type=%s: %w", env.EventType, err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=stream.Publish type=%s: %w", env.EventType, err)
	}
	return id, nil
}

// ReadGroup reads new (">") entries for the consumer group, blocking up to
// block. A timeout yields an empty batch, not an error.
func (s *Stream) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=stream.ReadGroup stream=%s group=%s: %w", stream, group, err)
	}
	var msgs []domain.StreamMessage
	for _, str := range res {
		for _, m := range str.Messages {
			msgs = append(msgs, toStreamMessage(m))
		}
	}
	return msgs, nil
}

// AutoClaim transfers ownership of entries pending longer than minIdle,
// scanning from 0-0. Errors are logged and suppressed: reclaim is
// best-effort and the next tick retries.
func (s *Stream) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]domain.StreamMessage, error) {
	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("pending reclaim failed",
			slog.String("stream", stream),
			slog.String("group", group),
			slog.Any("error", err))
		return nil, nil
	}
	msgs := make([]domain.StreamMessage, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, toStreamMessage(m))
	}
	return msgs, nil
}

// Ack acknowledges one entry for the group.
func (s *Stream) Ack(ctx context.Context, stream, group, msgID string) error {
	if err := s.rdb.XAck(ctx, stream, group, msgID).Err(); err != nil {
		return fmt.Errorf("op=stream.Ack stream=%s group=%s id=%s: %w", stream, group, msgID, err)
	}
	return nil
}

// EnsureGroup creates the group, tolerating BUSYGROUP.
func (s *Stream) EnsureGroup(ctx context.Context, stream, group string) error {
	return EnsureGroup(ctx, s.rdb, stream, group)
}

func toStreamMessage(m redis.XMessage) domain.StreamMessage {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return domain.StreamMessage{ID: m.ID, Fields: fields}
}
