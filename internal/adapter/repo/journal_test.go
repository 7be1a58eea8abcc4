package repo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/repo"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

func TestStateJournal_RedisPreferredOverFile(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := repo.NewStateJournal(rdb, "agent_manager:state", path)
	ctx := context.Background()

	j.Record(ctx, domain.PhaseState{Phase: "analyse", MessageID: "1-0", Timestamp: 100})
	j.Record(ctx, domain.PhaseState{Phase: "code", MessageID: "1-0", Timestamp: 200})

	state, ok := j.LastKnownState(ctx)
	require.True(t, ok)
	assert.Equal(t, "code", state.Phase)
	assert.Equal(t, "1-0", state.MessageID)
	assert.Equal(t, 200.0, state.Timestamp)

	j.Clear(ctx)
	_, ok = j.LastKnownState(ctx)
	assert.False(t, ok)
}

func TestStateJournal_FileFallback(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := repo.NewStateJournal(nil, "", path)
	ctx := context.Background()

	_, ok := j.LastKnownState(ctx)
	require.False(t, ok)

	j.Record(ctx, domain.PhaseState{Phase: "review", MessageID: "2-0", Timestamp: 42})

	state, ok := j.LastKnownState(ctx)
	require.True(t, ok)
	assert.Equal(t, "review", state.Phase)
	assert.Equal(t, "2-0", state.MessageID)
}

func TestFileFactLedger_AppendAndLoad(t *testing.T) {
	t.Parallel()
	ledger, err := repo.NewFileFactLedger(t.TempDir())
	require.NoError(t, err)

	facts := []domain.Fact{
		{ID: "f1", Field: "task_minutes", Value: 90.0, Provenance: map[string]any{"row": 0.0}},
	}
	path, err := ledger.Record("p1", "b1", facts, map[string]any{"hourly_rate": 55.0})
	require.NoError(t, err)
	assert.Contains(t, path, "p1_ledger.jsonl")

	_, err = ledger.Record("p1", "b2", nil, nil)
	require.NoError(t, err)

	entries, err := ledger.LoadEntries("p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b1", entries[0].BacklogItemID)
	require.Len(t, entries[0].Facts, 1)
	assert.Equal(t, "task_minutes", entries[0].Facts[0].Field)
	assert.Equal(t, 55.0, entries[0].Coefficients["hourly_rate"])

	entries, err = ledger.LoadEntries("unknown")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
