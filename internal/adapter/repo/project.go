package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// Message read states.
const (
	MessageUnread    = "UNREAD"
	MessageResponded = "RESPONDED"
)

// ProjectRepo stores project documents, interaction history (a list) and
// customer messages (a list plus an unread id set).
type ProjectRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewProjectRepo wraps the client with the key prefix.
func NewProjectRepo(rdb *redis.Client, prefix string) *ProjectRepo {
	return &ProjectRepo{rdb: rdb, prefix: prefix}
}

var _ domain.ProjectRepository = (*ProjectRepo)(nil)

func (r *ProjectRepo) projectKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:info", r.prefix, projectID)
}

func (r *ProjectRepo) indexKey() string {
	return fmt.Sprintf("%s:projects:all", r.prefix)
}

func (r *ProjectRepo) interactionsKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:interactions", r.prefix, projectID)
}

func (r *ProjectRepo) messagesKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:messages", r.prefix, projectID)
}

func (r *ProjectRepo) unreadKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:messages:unread", r.prefix, projectID)
}

// CreateProject stores a new project, generating an id when none is given.
func (r *ProjectRepo) CreateProject(ctx context.Context, name, description string, requester, metadata map[string]any, projectID string) (domain.Project, error) {
	if projectID == "" {
		projectID = uuid.NewString()
	}
	if requester == nil {
		requester = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := domain.NowISO()
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Description: description,
		Status:      domain.ProjectCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Requester:   requester,
		Metadata:    metadata,
	}
	if err := r.save(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r *ProjectRepo) save(ctx context.Context, p domain.Project) error {
	p.UpdatedAt = domain.NowISO()
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=project.save project=%s: %w", p.ID, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.projectKey(p.ID), raw, 0)
	pipe.SAdd(ctx, r.indexKey(), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=project.save project=%s: %w", p.ID, err)
	}
	return nil
}

// GetProject loads one project; domain.ErrNotFound when absent.
func (r *ProjectRepo) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	raw, err := r.rdb.Get(ctx, r.projectKey(projectID)).Result()
	if err == redis.Nil {
		return domain.Project{}, fmt.Errorf("op=project.GetProject project=%s: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("op=project.GetProject project=%s: %w", projectID, err)
	}
	var p domain.Project
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Project{}, fmt.Errorf("op=project.GetProject project=%s: %w", projectID, err)
	}
	return p, nil
}

// UpdateProjectStatus updates the lifecycle status and, when non-nil, the
// completion percentage and blocked-item count.
func (r *ProjectRepo) UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, completionPercentage, blockedItems *int) (domain.Project, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	p.Status = status
	if completionPercentage != nil {
		p.CompletionPercentage = *completionPercentage
	}
	if blockedItems != nil {
		p.BlockedItems = *blockedItems
	}
	if err := r.save(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ListProjects returns all project ids, sorted.
func (r *ProjectRepo) ListProjects(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=project.ListProjects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteProject removes the project and all related data. Returns false when
// the project does not exist.
func (r *ProjectRepo) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return false, nil
	}
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, r.projectKey(projectID))
	pipe.Del(ctx, r.interactionsKey(projectID))
	pipe.Del(ctx, r.messagesKey(projectID))
	pipe.Del(ctx, r.unreadKey(projectID))
	pipe.SRem(ctx, r.indexKey(), projectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("op=project.DeleteProject project=%s: %w", projectID, err)
	}
	return true, nil
}

// AddInteraction appends one interaction to the project history.
func (r *ProjectRepo) AddInteraction(ctx context.Context, projectID, interactionType, content string, metadata map[string]any) (domain.Interaction, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	in := domain.Interaction{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Type:      interactionType,
		Content:   content,
		Timestamp: domain.NowISO(),
		Metadata:  metadata,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return domain.Interaction{}, fmt.Errorf("op=project.AddInteraction project=%s: %w", projectID, err)
	}
	if err := r.rdb.RPush(ctx, r.interactionsKey(projectID), raw).Err(); err != nil {
		return domain.Interaction{}, fmt.Errorf("op=project.AddInteraction project=%s: %w", projectID, err)
	}
	return in, nil
}

// GetInteractions returns up to limit interactions starting at offset, in
// insertion order.
func (r *ProjectRepo) GetInteractions(ctx context.Context, projectID string, limit, offset int) ([]domain.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := r.rdb.LRange(ctx, r.interactionsKey(projectID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=project.GetInteractions project=%s: %w", projectID, err)
	}
	interactions := make([]domain.Interaction, 0, len(raws))
	for _, raw := range raws {
		var in domain.Interaction
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			continue
		}
		interactions = append(interactions, in)
	}
	return interactions, nil
}

// SendMessageToCustomer records an orchestrator-to-requester message and
// marks it unread.
func (r *ProjectRepo) SendMessageToCustomer(ctx context.Context, projectID, messageType, content string, relatedItemID *string, requiresResponse bool) (domain.CustomerMessage, error) {
	msg := domain.CustomerMessage{
		ID:               ulid.Make().String(),
		ProjectID:        projectID,
		MessageType:      messageType,
		Content:          content,
		Status:           MessageUnread,
		Timestamp:        domain.NowISO(),
		RelatedItemID:    relatedItemID,
		RequiresResponse: requiresResponse,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return domain.CustomerMessage{}, fmt.Errorf("op=project.SendMessageToCustomer project=%s: %w", projectID, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, r.messagesKey(projectID), raw)
	pipe.SAdd(ctx, r.unreadKey(projectID), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.CustomerMessage{}, fmt.Errorf("op=project.SendMessageToCustomer project=%s: %w", projectID, err)
	}
	return msg, nil
}

// GetCustomerMessages returns messages in insertion order, optionally only
// the unread ones.
func (r *ProjectRepo) GetCustomerMessages(ctx context.Context, projectID string, unreadOnly bool) ([]domain.CustomerMessage, error) {
	raws, err := r.rdb.LRange(ctx, r.messagesKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=project.GetCustomerMessages project=%s: %w", projectID, err)
	}
	unread := map[string]bool{}
	if unreadOnly {
		ids, err := r.rdb.SMembers(ctx, r.unreadKey(projectID)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=project.GetCustomerMessages project=%s: %w", projectID, err)
		}
		for _, id := range ids {
			unread[id] = true
		}
	}
	messages := make([]domain.CustomerMessage, 0, len(raws))
	for _, raw := range raws {
		var msg domain.CustomerMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if unreadOnly && !unread[msg.ID] {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkMessageRead removes the message from the unread set.
func (r *ProjectRepo) MarkMessageRead(ctx context.Context, projectID, messageID string) error {
	if err := r.rdb.SRem(ctx, r.unreadKey(projectID), messageID).Err(); err != nil {
		return fmt.Errorf("op=project.MarkMessageRead project=%s: %w", projectID, err)
	}
	return nil
}

// RespondToMessage records the requester's response in place and marks the
// message read.
func (r *ProjectRepo) RespondToMessage(ctx context.Context, projectID, messageID, response string) (domain.CustomerMessage, error) {
	raws, err := r.rdb.LRange(ctx, r.messagesKey(projectID), 0, -1).Result()
	if err != nil {
		return domain.CustomerMessage{}, fmt.Errorf("op=project.RespondToMessage project=%s: %w", projectID, err)
	}
	for i, raw := range raws {
		var msg domain.CustomerMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.ID != messageID {
			continue
		}
		msg.Status = MessageResponded
		msg.Response = &response
		updated, err := json.Marshal(msg)
		if err != nil {
			return domain.CustomerMessage{}, fmt.Errorf("op=project.RespondToMessage message=%s: %w", messageID, err)
		}
		if err := r.rdb.LSet(ctx, r.messagesKey(projectID), int64(i), updated).Err(); err != nil {
			return domain.CustomerMessage{}, fmt.Errorf("op=project.RespondToMessage message=%s: %w", messageID, err)
		}
		if err := r.MarkMessageRead(ctx, projectID, messageID); err != nil {
			return domain.CustomerMessage{}, err
		}
		return msg, nil
	}
	return domain.CustomerMessage{}, fmt.Errorf("op=project.RespondToMessage message=%s: %w", messageID, domain.ErrNotFound)
}

// CalculateProjectStatus derives the project view from backlog counts and
// writes the derived status back to the project document.
func (r *ProjectRepo) CalculateProjectStatus(ctx context.Context, projectID string, backlog domain.BacklogRepository) (domain.ProjectProgress, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}

	items, err := backlog.Items(ctx, projectID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}

	var completed, blocked, inProgress int
	for _, item := range items {
		switch item.Status {
		case domain.StatusDone:
			completed++
		case domain.StatusBlocked:
			blocked++
		case domain.StatusInProgress:
			inProgress++
		}
	}
	total := len(items)

	pct := 0
	if total > 0 {
		pct = completed * 100 / total
	}

	var state string
	switch {
	case total == 0:
		state = "CREATED"
	case completed == total:
		state = "COMPLETED"
	case blocked > 0:
		state = "AWAITING_INPUT"
	case inProgress > 0:
		state = "IN_PROGRESS"
	default:
		state = "READY"
	}

	// READY has no project-level equivalent; it maps to IN_PROGRESS.
	status := domain.ProjectStatus(state)
	switch status {
	case domain.ProjectCreated, domain.ProjectInProgress, domain.ProjectAwaitingInput, domain.ProjectCompleted, domain.ProjectFailed:
	default:
		status = domain.ProjectInProgress
	}
	if _, err := r.UpdateProjectStatus(ctx, projectID, status, &pct, &blocked); err != nil {
		return domain.ProjectProgress{}, err
	}

	return domain.ProjectProgress{
		ProjectID:            projectID,
		Name:                 p.Name,
		State:                state,
		CompletionPercentage: pct,
		TotalItems:           total,
		CompletedItems:       completed,
		BlockedItems:         blocked,
		InProgressItems:      inProgress,
	}, nil
}
