// Package repo implements the Redis-backed repositories for backlog items,
// questions, projects and work orders. All documents are JSON strings with
// set-based id indexes; iteration is id-sorted for determinism.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// BacklogRepo stores backlog items under
// {prefix}:project:{pid}:backlog:item:{iid} with an all-ids index and one
// set per status.
type BacklogRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewBacklogRepo wraps the client with the key prefix.
func NewBacklogRepo(rdb *redis.Client, prefix string) *BacklogRepo {
	return &BacklogRepo{rdb: rdb, prefix: prefix}
}

var _ domain.BacklogRepository = (*BacklogRepo)(nil)

func (r *BacklogRepo) itemKey(projectID, itemID string) string {
	return fmt.Sprintf("%s:project:%s:backlog:item:%s", r.prefix, projectID, itemID)
}

func (r *BacklogRepo) indexKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:backlog:index", r.prefix, projectID)
}

func (r *BacklogRepo) statusKey(projectID string, status domain.BacklogStatus) string {
	return fmt.Sprintf("%s:project:%s:backlog:status:%s", r.prefix, projectID, status)
}

// PutItem upserts the item and maintains the id and status indexes.
func (r *BacklogRepo) PutItem(ctx context.Context, item domain.BacklogItem) error {
	if item.ID == "" || item.ProjectID == "" {
		return fmt.Errorf("op=backlog.PutItem: id and project_id required: %w", domain.ErrInvalidArgument)
	}
	var prevStatus domain.BacklogStatus
	if prev, err := r.GetItem(ctx, item.ProjectID, item.ID); err == nil {
		prevStatus = prev.Status
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("op=backlog.PutItem item=%s: %w", item.ID, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.itemKey(item.ProjectID, item.ID), raw, 0)
	pipe.SAdd(ctx, r.indexKey(item.ProjectID), item.ID)
	if prevStatus != "" && prevStatus != item.Status {
		pipe.SRem(ctx, r.statusKey(item.ProjectID, prevStatus), item.ID)
	}
	if item.Status != "" {
		pipe.SAdd(ctx, r.statusKey(item.ProjectID, item.Status), item.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=backlog.PutItem item=%s: %w", item.ID, err)
	}
	return nil
}

// GetItem loads one item; domain.ErrNotFound when absent.
func (r *BacklogRepo) GetItem(ctx context.Context, projectID, itemID string) (domain.BacklogItem, error) {
	raw, err := r.rdb.Get(ctx, r.itemKey(projectID, itemID)).Result()
	if err == redis.Nil {
		return domain.BacklogItem{}, fmt.Errorf("op=backlog.GetItem item=%s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BacklogItem{}, fmt.Errorf("op=backlog.GetItem item=%s: %w", itemID, err)
	}
	var item domain.BacklogItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return domain.BacklogItem{}, fmt.Errorf("op=backlog.GetItem item=%s: %w", itemID, err)
	}
	return item, nil
}

// SetStatus loads, mutates and re-puts the item. A no-op when the status is
// unchanged. The caller is responsible for transition legality.
func (r *BacklogRepo) SetStatus(ctx context.Context, projectID, itemID string, status domain.BacklogStatus) error {
	item, err := r.GetItem(ctx, projectID, itemID)
	if err != nil {
		return err
	}
	if item.Status == status {
		return nil
	}
	item.Status = status
	return r.PutItem(ctx, item)
}

// ListItemIDs returns all item ids, sorted.
func (r *BacklogRepo) ListItemIDs(ctx context.Context, projectID string) ([]string, error) {
	return r.sortedMembers(ctx, r.indexKey(projectID))
}

// ListItemIDsByStatus returns the ids in one status set, sorted.
func (r *BacklogRepo) ListItemIDsByStatus(ctx context.Context, projectID string, status domain.BacklogStatus) ([]string, error) {
	return r.sortedMembers(ctx, r.statusKey(projectID, status))
}

// Items loads all items in id order, skipping dangling index entries.
func (r *BacklogRepo) Items(ctx context.Context, projectID string) ([]domain.BacklogItem, error) {
	ids, err := r.ListItemIDs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return r.loadItems(ctx, projectID, ids)
}

// ItemsByStatus loads items in one status, in id order.
func (r *BacklogRepo) ItemsByStatus(ctx context.Context, projectID string, status domain.BacklogStatus) ([]domain.BacklogItem, error) {
	ids, err := r.ListItemIDsByStatus(ctx, projectID, status)
	if err != nil {
		return nil, err
	}
	return r.loadItems(ctx, projectID, ids)
}

func (r *BacklogRepo) loadItems(ctx context.Context, projectID string, ids []string) ([]domain.BacklogItem, error) {
	items := make([]domain.BacklogItem, 0, len(ids))
	for _, id := range ids {
		item, err := r.GetItem(ctx, projectID, id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *BacklogRepo) sortedMembers(ctx context.Context, key string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=backlog.sortedMembers key=%s: %w", key, err)
	}
	sort.Strings(ids)
	return ids, nil
}
