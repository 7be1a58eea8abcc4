package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/repo"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

func TestProjectRepo_Lifecycle(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	r := repo.NewProjectRepo(rdb, "audit")
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "Q3 audit", "time waste analysis", nil, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, domain.ProjectCreated, p.Status)
	assert.NotEmpty(t, p.CreatedAt)

	pct := 40
	blocked := 1
	updated, err := r.UpdateProjectStatus(ctx, p.ID, domain.ProjectInProgress, &pct, &blocked)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectInProgress, updated.Status)
	assert.Equal(t, 40, updated.CompletionPercentage)
	assert.Equal(t, 1, updated.BlockedItems)

	ids, err := r.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)

	ok, err := r.DeleteProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DeleteProject(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.GetProject(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProjectRepo_InteractionsOrdered(t *testing.T) {
	t.Parallel()
	r := repo.NewProjectRepo(newTestClient(t), "audit")
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "demo", "", nil, nil, "p1")
	require.NoError(t, err)

	_, err = r.AddInteraction(ctx, p.ID, "user_input", "please audit our time logs", nil)
	require.NoError(t, err)
	_, err = r.AddInteraction(ctx, p.ID, "system_response", "backlog created", nil)
	require.NoError(t, err)

	got, err := r.GetInteractions(ctx, p.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user_input", got[0].Type)
	assert.Equal(t, "system_response", got[1].Type)

	got, err = r.GetInteractions(ctx, p.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "system_response", got[0].Type)
}

func TestProjectRepo_CustomerMessageFlow(t *testing.T) {
	t.Parallel()
	r := repo.NewProjectRepo(newTestClient(t), "audit")
	ctx := context.Background()

	_, err := r.CreateProject(ctx, "demo", "", nil, nil, "p1")
	require.NoError(t, err)

	item := "b1"
	msg, err := r.SendMessageToCustomer(ctx, "p1", "clarification", "Which KPIs matter?", &item, true)
	require.NoError(t, err)
	assert.Equal(t, repo.MessageUnread, msg.Status)
	assert.True(t, msg.RequiresResponse)

	unread, err := r.GetCustomerMessages(ctx, "p1", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	responded, err := r.RespondToMessage(ctx, "p1", msg.ID, "revenue and churn")
	require.NoError(t, err)
	assert.Equal(t, repo.MessageResponded, responded.Status)
	require.NotNil(t, responded.Response)
	assert.Equal(t, "revenue and churn", *responded.Response)

	unread, err = r.GetCustomerMessages(ctx, "p1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := r.GetCustomerMessages(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, repo.MessageResponded, all[0].Status)

	_, err = r.RespondToMessage(ctx, "p1", "ghost", "?")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProjectRepo_CalculateProjectStatus(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	projects := repo.NewProjectRepo(rdb, "audit")
	backlog := repo.NewBacklogRepo(rdb, "audit")
	ctx := context.Background()

	_, err := projects.CreateProject(ctx, "demo", "", nil, nil, "p1")
	require.NoError(t, err)

	put := func(id string, status domain.BacklogStatus) {
		require.NoError(t, backlog.PutItem(ctx, domain.BacklogItem{
			ID: id, ProjectID: "p1", Type: "task", Title: id, Status: status,
		}))
	}
	put("b1", domain.StatusDone)
	put("b2", domain.StatusBlocked)
	put("b3", domain.StatusInProgress)
	put("b4", domain.StatusReady)

	progress, err := projects.CalculateProjectStatus(ctx, "p1", backlog)
	require.NoError(t, err)
	assert.Equal(t, "AWAITING_INPUT", progress.State)
	assert.Equal(t, 25, progress.CompletionPercentage)
	assert.Equal(t, 4, progress.TotalItems)
	assert.Equal(t, 1, progress.CompletedItems)
	assert.Equal(t, 1, progress.BlockedItems)
	assert.Equal(t, 1, progress.InProgressItems)

	// Derived status is written back to the project document.
	p, err := projects.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAwaitingInput, p.Status)
	assert.Equal(t, 25, p.CompletionPercentage)

	// All done -> COMPLETED.
	for _, id := range []string{"b2", "b3", "b4"} {
		item, err := backlog.GetItem(ctx, "p1", id)
		require.NoError(t, err)
		item.Status = domain.StatusDone
		require.NoError(t, backlog.PutItem(ctx, item))
	}
	progress, err = projects.CalculateProjectStatus(ctx, "p1", backlog)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", progress.State)
	assert.Equal(t, 100, progress.CompletionPercentage)
}

func TestProjectRepo_EmptyBacklogIsCreated(t *testing.T) {
	t.Parallel()
	rdb := newTestClient(t)
	projects := repo.NewProjectRepo(rdb, "audit")
	backlog := repo.NewBacklogRepo(rdb, "audit")
	ctx := context.Background()

	_, err := projects.CreateProject(ctx, "empty", "", nil, nil, "p2")
	require.NoError(t, err)

	progress, err := projects.CalculateProjectStatus(ctx, "p2", backlog)
	require.NoError(t, err)
	assert.Equal(t, "CREATED", progress.State)
	assert.Zero(t, progress.CompletionPercentage)
}
