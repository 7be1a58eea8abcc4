package rediskv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// ApprovalMarker stores pending human-approval flags under
// approval:pending:{project_id}:{item_id}.
type ApprovalMarker struct {
	rdb *redis.Client
}

// NewApprovalMarker wraps the client.
func NewApprovalMarker(rdb *redis.Client) *ApprovalMarker {
	return &ApprovalMarker{rdb: rdb}
}

var _ domain.ApprovalStore = (*ApprovalMarker)(nil)

func approvalKey(projectID, itemID string) string {
	return fmt.Sprintf("approval:pending:%s:%s", projectID, itemID)
}

// SetPending marks the item as awaiting human approval.
func (a *ApprovalMarker) SetPending(ctx context.Context, projectID, itemID string) error {
	if err := a.rdb.Set(ctx, approvalKey(projectID, itemID), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=approval.SetPending item=%s: %w", itemID, err)
	}
	return nil
}

// ClearPending removes the marker; clearing an absent marker is a no-op.
func (a *ApprovalMarker) ClearPending(ctx context.Context, projectID, itemID string) error {
	if err := a.rdb.Del(ctx, approvalKey(projectID, itemID)).Err(); err != nil {
		return fmt.Errorf("op=approval.ClearPending item=%s: %w", itemID, err)
	}
	return nil
}

// IsPending reports whether the marker is set.
func (a *ApprovalMarker) IsPending(ctx context.Context, projectID, itemID string) (bool, error) {
	n, err := a.rdb.Exists(ctx, approvalKey(projectID, itemID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=approval.IsPending item=%s: %w", itemID, err)
	}
	return n == 1, nil
}
