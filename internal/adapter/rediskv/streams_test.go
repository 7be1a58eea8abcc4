package rediskv_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/rediskv"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStream_PublishReadAck(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	s := rediskv.NewStream(rdb)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "audit:events", "orchestrator"))
	// Re-creating the group must tolerate BUSYGROUP.
	require.NoError(t, s.EnsureGroup(ctx, "audit:events", "orchestrator"))

	env := domain.NewEnvelope(domain.EventWorkItemStarted, map[string]any{
		"project_id": "p1", "backlog_item_id": "b1", "started_at": domain.NowISO(),
	}, "worker", domain.EnvelopeOptions{})
	id, err := s.Publish(ctx, "audit:events", env)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := s.ReadGroup(ctx, "audit:events", "orchestrator", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	var decoded domain.EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Fields["event"]), &decoded))
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, domain.EventWorkItemStarted, decoded.EventType)

	require.NoError(t, s.Ack(ctx, "audit:events", "orchestrator", id))

	// Nothing new after ack.
	msgs, err = s.ReadGroup(ctx, "audit:events", "orchestrator", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStream_AutoClaimReassignsPending(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	s := rediskv.NewStream(rdb)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "audit:events", "g"))
	env := domain.NewEnvelope(domain.EventWorkItemStarted, map[string]any{
		"project_id": "p1", "backlog_item_id": "b1", "started_at": domain.NowISO(),
	}, "worker", domain.EnvelopeOptions{})
	_, err := s.Publish(ctx, "audit:events", env)
	require.NoError(t, err)

	// c1 reads but never acks; with zero min-idle c2 can reclaim immediately.
	msgs, err := s.ReadGroup(ctx, "audit:events", "g", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	claimed, err := s.AutoClaim(ctx, "audit:events", "g", "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)
	assert.Equal(t, msgs[0].Fields["event"], claimed[0].Fields["event"])
}

func TestLocker_TokenScopedRelease(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	l := rediskv.NewLocker(rdb)
	ctx := context.Background()

	key := rediskv.LockKey("backlog_item", "b1")
	lock, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, lock.Token)

	// Second acquire on the held key must fail without error.
	_, ok, err = l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stolen token must not release the lock.
	released, err := l.Release(ctx, domain.Lock{Key: key, Token: "not-the-token"})
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing twice reports false.
	released, err = l.Release(ctx, lock)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestDeduper_MarkIfNew(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	d := rediskv.NewDeduper(rdb)
	ctx := context.Background()

	fresh, err := d.MarkIfNew(ctx, "orchestrator", "ev-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = d.MarkIfNew(ctx, "orchestrator", "ev-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Scoped per consumer group.
	fresh, err = d.MarkIfNew(ctx, "dev_worker_workers", "ev-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	processed, err := d.IsProcessed(ctx, "orchestrator", "ev-1")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = d.IsProcessed(ctx, "orchestrator", "ev-2")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestAttemptTracker_BumpAndClear(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	tr := rediskv.NewAttemptTracker(rdb)
	ctx := context.Background()

	meta, err := tr.Bump(ctx, "g", "1-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Attempts)
	assert.Greater(t, meta.FirstSeenAt, 0.0)

	first := meta.FirstSeenAt
	meta, err = tr.Bump(ctx, "g", "1-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Attempts)
	assert.Equal(t, first, meta.FirstSeenAt)
	assert.GreaterOrEqual(t, meta.LastSeenAt, first)

	require.NoError(t, tr.Clear(ctx, "g", "1-0"))
	meta, err = tr.Get(ctx, "g", "1-0")
	require.NoError(t, err)
	assert.Zero(t, meta.Attempts)
}
