package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TraceLogger appends agent decision records to a per-agent Redis stream so
// that a reviewer can replay why an agent acted. When no Redis client is
// configured (unit tests, dry runs) entries accumulate in memory instead.
type TraceLogger struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	buffer map[string][]TraceEntry
}

// TraceEntry is one recorded decision.
type TraceEntry struct {
	Timestamp     string         `json:"timestamp"`
	Agent         string         `json:"agent"`
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// NewTraceLogger builds a TraceLogger writing under prefix (e.g.
// "audit:trace"). rdb may be nil to keep traces in memory only.
func NewTraceLogger(rdb *redis.Client, prefix string) *TraceLogger {
	return &TraceLogger{rdb: rdb, prefix: prefix, buffer: make(map[string][]TraceEntry)}
}

// Record appends one decision for the agent. Failures are logged and
// swallowed; tracing must never break event processing.
func (t *TraceLogger) Record(ctx context.Context, agent, action string, detail map[string]any) {
	entry := TraceEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Agent:         agent,
		Action:        action,
		CorrelationID: CorrelationIDFromContext(ctx),
		Detail:        detail,
	}
	if t.rdb == nil {
		t.mu.Lock()
		t.buffer[agent] = append(t.buffer[agent], entry)
		t.mu.Unlock()
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("trace marshal failed", slog.String("agent", agent), slog.Any("error", err))
		return
	}
	err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey(agent),
		Values: map[string]any{"trace": string(raw)},
	}).Err()
	if err != nil {
		slog.Warn("trace append failed", slog.String("agent", agent), slog.Any("error", err))
	}
}

// Fetch returns up to count most recent entries for the agent, oldest first.
func (t *TraceLogger) Fetch(ctx context.Context, agent string, count int64) ([]TraceEntry, error) {
	if t.rdb == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.buffer[agent]
		if count > 0 && int64(len(entries)) > count {
			entries = entries[int64(len(entries))-count:]
		}
		return append([]TraceEntry(nil), entries...), nil
	}
	msgs, err := t.rdb.XRevRangeN(ctx, t.streamKey(agent), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("op=trace.Fetch agent=%s: %w", agent, err)
	}
	entries := make([]TraceEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["trace"].(string)
		if !ok {
			continue
		}
		var e TraceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t *TraceLogger) streamKey(agent string) string {
	return t.prefix + ":" + agent
}
