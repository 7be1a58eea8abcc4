package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/repo"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

func TestOrderStore_DraftMissingAnomaliesExport(t *testing.T) {
	t.Parallel()
	s, err := repo.NewOrderStore(newTestClient(t), "", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveOrderDraft(ctx, "o1", map[string]any{"lines": []any{}}))
	draft, err := s.GetOrderDraft(ctx, "o1")
	require.NoError(t, err)
	assert.Contains(t, draft, "lines")

	require.NoError(t, s.SaveMissingFields(ctx, "o1", []map[string]any{{"field": "quantity"}}))
	missing, err := s.GetMissingFields(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "quantity", missing[0]["field"])

	anomalies, err := s.GetAnomalies(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	require.NoError(t, s.RecordExport(ctx, "o1", map[string]any{"rows": 10.0}))
	export, err := s.GetExport(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, export["rows"])

	_, err = s.GetOrderDraft(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderStore_ArtifactMetadataTTL(t *testing.T) {
	t.Parallel()
	s, err := repo.NewOrderStore(newTestClient(t), "audit:orders", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveArtifactMetadata(ctx, "a1", map[string]any{"filename": "orders.csv"}, time.Minute))
	meta, err := s.GetArtifactMetadata(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "orders.csv", meta["filename"])
}

func TestOrderStore_PendingValidationSet(t *testing.T) {
	t.Parallel()
	s, err := repo.NewOrderStore(newTestClient(t), "", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	setKey := "audit:orders:pending_validation"

	require.NoError(t, s.AddPendingValidation(ctx, setKey, "o2"))
	require.NoError(t, s.AddPendingValidation(ctx, setKey, "o1"))

	pending, err := s.ListPendingValidation(ctx, setKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, pending)

	require.NoError(t, s.RemovePendingValidation(ctx, setKey, "o1"))
	pending, err = s.ListPendingValidation(ctx, setKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"o2"}, pending)
}

func TestOrderStore_Paths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := repo.NewOrderStore(newTestClient(t), "", dir)
	require.NoError(t, err)

	p, err := s.ArtifactPath("o1", "a1", "orders.csv")
	require.NoError(t, err)
	assert.Contains(t, p, "a1_orders.csv")

	p, err = s.ExportPath("o1")
	require.NoError(t, err)
	assert.Contains(t, p, "o1.csv")
}
