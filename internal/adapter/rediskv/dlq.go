package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// stackBudget caps the stack trace attached to a DLQ document.
const stackBudget = 4096

// DeadLetter appends structured failure documents to the DLQ stream as
// single-field entries {dlq: <json>}.
type DeadLetter struct {
	rdb    *redis.Client
	stream string
}

// NewDeadLetter wraps the client for the given DLQ stream.
func NewDeadLetter(rdb *redis.Client, stream string) *DeadLetter {
	return &DeadLetter{rdb: rdb, stream: stream}
}

var _ domain.DLQ = (*DeadLetter)(nil)

// Publish appends one document. The original event is best-effort decoded
// from the "event" field; when decoding fails the raw fields alone are kept.
func (d *DeadLetter) Publish(ctx context.Context, reason string, originalFields map[string]string, opts domain.DLQOptions) (string, error) {
	if reason == "" {
		reason = "unspecified"
	}
	doc := map[string]any{
		"timestamp":       domain.NowISO(),
		"reason":          reason,
		"original_fields": originalFields,
	}
	if original := tryParseEvent(originalFields); original != nil {
		doc["original_event"] = original
		if id, ok := original["event_id"].(string); ok {
			doc["event_id"] = id
		}
		if typ, ok := original["event_type"].(string); ok {
			doc["event_type"] = typ
		}
	}
	if opts.SchemaID != "" {
		doc["schema_id"] = opts.SchemaID
	}
	if opts.ConsumerGroup != "" {
		doc["consumer_group"] = opts.ConsumerGroup
	}
	if opts.Attempts > 0 {
		doc["attempts"] = opts.Attempts
	}
	if opts.FirstSeenAt > 0 {
		doc["first_seen_at"] = opts.FirstSeenAt
	}
	if opts.LastSeenAt > 0 {
		doc["last_seen_at"] = opts.LastSeenAt
	}
	if opts.Err != nil {
		doc["error_class"] = fmt.Sprintf("%T", opts.Err)
		doc["error_message"] = opts.Err.Error()
		stack := debug.Stack()
		if len(stack) > stackBudget {
			stack = stack[:stackBudget]
		}
		doc["stack_trace"] = string(stack)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("op=dlq.Publish: %w", err)
	}
	id, err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{"dlq": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=dlq.Publish stream=%s: %w", d.stream, err)
	}
	return id, nil
}

func tryParseEvent(fields map[string]string) map[string]any {
	raw, ok := fields["event"]
	if !ok || raw == "" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}
