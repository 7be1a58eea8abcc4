package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// OrderStore persists order-intake state: uploaded artifact metadata (with
// TTL), order drafts, detected missing fields and anomalies, export records
// and the pending-validation set. File artifacts live under storageDir.
type OrderStore struct {
	rdb        *redis.Client
	prefix     string
	storageDir string
}

// NewOrderStore wraps the client; prefix defaults to "audit:orders".
func NewOrderStore(rdb *redis.Client, prefix, storageDir string) (*OrderStore, error) {
	if prefix == "" {
		prefix = "audit:orders"
	}
	if storageDir == "" {
		storageDir = "storage/orders"
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("op=orders.New dir=%s: %w", storageDir, err)
	}
	return &OrderStore{rdb: rdb, prefix: prefix, storageDir: storageDir}, nil
}

func (s *OrderStore) artifactKey(artifactID string) string {
	return fmt.Sprintf("%s:artifact:%s", s.prefix, artifactID)
}

func (s *OrderStore) draftKey(orderID string) string {
	return fmt.Sprintf("%s:%s:draft", s.prefix, orderID)
}

func (s *OrderStore) missingKey(orderID string) string {
	return fmt.Sprintf("%s:%s:missing", s.prefix, orderID)
}

func (s *OrderStore) anomalyKey(orderID string) string {
	return fmt.Sprintf("%s:%s:anomalies", s.prefix, orderID)
}

func (s *OrderStore) exportKey(orderID string) string {
	return fmt.Sprintf("%s:%s:export", s.prefix, orderID)
}

// SaveArtifactMetadata stores upload metadata bounded by ttl.
func (s *OrderStore) SaveArtifactMetadata(ctx context.Context, artifactID string, metadata map[string]any, ttl time.Duration) error {
	return s.setJSON(ctx, s.artifactKey(artifactID), metadata, ttl)
}

// GetArtifactMetadata loads upload metadata; domain.ErrNotFound when expired
// or absent.
func (s *OrderStore) GetArtifactMetadata(ctx context.Context, artifactID string) (map[string]any, error) {
	var meta map[string]any
	if err := s.getJSON(ctx, s.artifactKey(artifactID), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// SaveOrderDraft stores the normalized draft document.
func (s *OrderStore) SaveOrderDraft(ctx context.Context, orderID string, draft map[string]any) error {
	return s.setJSON(ctx, s.draftKey(orderID), draft, 0)
}

// GetOrderDraft loads the draft; domain.ErrNotFound when absent.
func (s *OrderStore) GetOrderDraft(ctx context.Context, orderID string) (map[string]any, error) {
	var draft map[string]any
	if err := s.getJSON(ctx, s.draftKey(orderID), &draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// SaveMissingFields records the fields the parser could not resolve.
func (s *OrderStore) SaveMissingFields(ctx context.Context, orderID string, missing []map[string]any) error {
	return s.setJSON(ctx, s.missingKey(orderID), missing, 0)
}

// GetMissingFields returns the recorded missing fields, empty when none.
func (s *OrderStore) GetMissingFields(ctx context.Context, orderID string) ([]map[string]any, error) {
	var missing []map[string]any
	if err := s.getJSON(ctx, s.missingKey(orderID), &missing); err != nil {
		if err == domain.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return missing, nil
}

// SaveAnomalies records detected data anomalies.
func (s *OrderStore) SaveAnomalies(ctx context.Context, orderID string, anomalies []map[string]any) error {
	return s.setJSON(ctx, s.anomalyKey(orderID), anomalies, 0)
}

// GetAnomalies returns the recorded anomalies, empty when none.
func (s *OrderStore) GetAnomalies(ctx context.Context, orderID string) ([]map[string]any, error) {
	var anomalies []map[string]any
	if err := s.getJSON(ctx, s.anomalyKey(orderID), &anomalies); err != nil {
		if err == domain.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return anomalies, nil
}

// RecordExport stores the export record for the order.
func (s *OrderStore) RecordExport(ctx context.Context, orderID string, exportMeta map[string]any) error {
	return s.setJSON(ctx, s.exportKey(orderID), exportMeta, 0)
}

// GetExport loads the export record; domain.ErrNotFound when absent.
func (s *OrderStore) GetExport(ctx context.Context, orderID string) (map[string]any, error) {
	var meta map[string]any
	if err := s.getJSON(ctx, s.exportKey(orderID), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// AddPendingValidation adds the order to the validation set.
func (s *OrderStore) AddPendingValidation(ctx context.Context, setKey, orderID string) error {
	if err := s.rdb.SAdd(ctx, setKey, orderID).Err(); err != nil {
		return fmt.Errorf("op=orders.AddPendingValidation order=%s: %w", orderID, err)
	}
	return nil
}

// RemovePendingValidation removes the order from the validation set.
func (s *OrderStore) RemovePendingValidation(ctx context.Context, setKey, orderID string) error {
	if err := s.rdb.SRem(ctx, setKey, orderID).Err(); err != nil {
		return fmt.Errorf("op=orders.RemovePendingValidation order=%s: %w", orderID, err)
	}
	return nil
}

// ListPendingValidation returns the orders awaiting validation, sorted.
func (s *OrderStore) ListPendingValidation(ctx context.Context, setKey string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=orders.ListPendingValidation: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ArtifactPath returns (and creates) the on-disk location for an uploaded
// artifact.
func (s *OrderStore) ArtifactPath(orderID, artifactID, filename string) (string, error) {
	base := filepath.Join(s.storageDir, "artifacts", orderID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("op=orders.ArtifactPath order=%s: %w", orderID, err)
	}
	return filepath.Join(base, artifactID+"_"+filename), nil
}

// ExportPath returns (and creates) the on-disk location for the order export.
func (s *OrderStore) ExportPath(orderID string) (string, error) {
	base := filepath.Join(s.storageDir, "exports")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("op=orders.ExportPath order=%s: %w", orderID, err)
	}
	return filepath.Join(base, orderID+".csv"), nil
}

func (s *OrderStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=orders.setJSON key=%s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=orders.setJSON key=%s: %w", key, err)
	}
	return nil
}

func (s *OrderStore) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("op=orders.getJSON key=%s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("op=orders.getJSON key=%s: %w", key, err)
	}
	return nil
}
