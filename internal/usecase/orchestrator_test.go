package usecase_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/rediskv"
	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/repo"
	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
	"github.com/fairyhunter13/audit-orchestrator/internal/usecase"
)

type orchFixture struct {
	rdb       *redis.Client
	cfg       config.Config
	orch      *usecase.Orchestrator
	backlog   *repo.BacklogRepo
	questions *repo.QuestionRepo
	projects  *repo.ProjectRepo
	approvals *rediskv.ApprovalMarker
	trace     *observability.TraceLogger
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{
		StreamName:       "audit:events",
		DLQStream:        "audit:dlq",
		ConsumerGroup:    "orchestrator",
		ConsumerName:     "c1",
		KeyPrefix:        "audit",
		DispatchLockTTLS: 30,
		LockTTLS:         300,
	}

	fx := &orchFixture{
		rdb:       rdb,
		cfg:       cfg,
		backlog:   repo.NewBacklogRepo(rdb, cfg.KeyPrefix),
		questions: repo.NewQuestionRepo(rdb, cfg.KeyPrefix),
		projects:  repo.NewProjectRepo(rdb, cfg.KeyPrefix),
		approvals: rediskv.NewApprovalMarker(rdb),
		trace:     observability.NewTraceLogger(nil, cfg.TracePrefix()),
	}
	fx.orch = usecase.NewOrchestrator(
		cfg,
		fx.backlog,
		fx.questions,
		fx.projects,
		rediskv.NewStream(rdb),
		rediskv.NewLocker(rdb),
		fx.approvals,
		usecase.DefaultRoutingTable(),
		fx.trace,
		nil,
		nil,
	)
	return fx
}

// emitted returns all stream events of the given type, oldest first.
func (fx *orchFixture) emitted(t *testing.T, eventType string) []domain.EventEnvelope {
	t.Helper()
	msgs, err := fx.rdb.XRange(context.Background(), fx.cfg.StreamName, "-", "+").Result()
	require.NoError(t, err)
	var out []domain.EventEnvelope
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var env domain.EventEnvelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

func initialRequest(projectID, text string) domain.EventEnvelope {
	return domain.NewEnvelope(domain.EventProjectInitialRequest, map[string]any{
		"project_id":   projectID,
		"request_text": text,
	}, "web_gateway", domain.EnvelopeOptions{})
}

func TestOrchestrator_InitialRequestDispatchesBacklog(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	env := initialRequest("p1", "Audit the service desk backlog for Q3 and flag anomalies")
	require.NoError(t, fx.orch.Handle(ctx, env))

	items, err := fx.backlog.Items(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, domain.StatusInProgress, item.Status)
	}

	dispatches := fx.emitted(t, domain.EventWorkItemDispatched)
	require.Len(t, dispatches, 3)
	targets := map[string]string{}
	for _, d := range dispatches {
		require.Equal(t, env.CorrelationID, d.CorrelationID)
		require.NotNil(t, d.CausationID)
		assert.Equal(t, env.EventID, *d.CausationID)
		title := ""
		for _, item := range items {
			if item.ID == d.Payload["backlog_item_id"] {
				title = item.Title
			}
		}
		targets[title] = d.Payload["agent_target"].(string)
		ctxMap, ok := d.Payload["work_context"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, ctxMap, "rows")
	}
	assert.Equal(t, "requirements_manager", targets["Collect requirements"])
	assert.Equal(t, "dev_worker", targets["Run checks"])
	assert.Equal(t, "test_worker", targets["Produce report"])
}

func TestOrchestrator_ShortRequestBlocksAndAsks(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.Handle(ctx, initialRequest("p1", "audit")))

	items, err := fx.backlog.Items(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, domain.StatusBlocked, item.Status)
	}

	questions := fx.emitted(t, domain.EventQuestionCreated)
	require.Len(t, questions, 3)
	q, ok := questions[0].Payload["question"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, q["question_text"], "too short")

	clarifications := fx.emitted(t, domain.EventClarificationNeeded)
	assert.Len(t, clarifications, 3)
	assert.Empty(t, fx.emitted(t, domain.EventWorkItemDispatched))

	open, err := fx.questions.ListOpen(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

func TestOrchestrator_KPIWithoutQuestionMarkNeedsClarification(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)

	require.NoError(t, fx.orch.Handle(context.Background(),
		initialRequest("p1", "Report on our KPI trends this quarter")))

	questions := fx.emitted(t, domain.EventQuestionCreated)
	require.NotEmpty(t, questions)
	q := questions[0].Payload["question"].(map[string]any)
	assert.Contains(t, q["question_text"], "Which KPIs")
}

func TestOrchestrator_AnswerUnblocksAndDispatches(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.Handle(ctx, initialRequest("p1", "audit")))
	clar := fx.emitted(t, domain.EventClarificationNeeded)[0]
	questionID := clar.Payload["question_id"].(string)
	itemID := clar.Payload["backlog_item_id"].(string)

	answer := domain.NewEnvelope(domain.EventUserAnswerSubmitted, map[string]any{
		"project_id":  "p1",
		"question_id": questionID,
		"answer":      "SLA and MTTR, weekly",
	}, "web_gateway", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, answer))

	q, err := fx.questions.GetQuestion(ctx, "p1", questionID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionClosed, q.Status)

	unblocked := fx.emitted(t, domain.EventBacklogItemUnblocked)
	require.Len(t, unblocked, 1)
	assert.Equal(t, itemID, unblocked[0].Payload["backlog_item_id"])

	item, err := fx.backlog.GetItem(ctx, "p1", itemID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, item.Status)
	assert.Len(t, fx.emitted(t, domain.EventWorkItemDispatched), 1)
}

func TestOrchestrator_CompletionPassesDoD(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	item := domain.BacklogItem{
		ID: "b1", ProjectID: "p1", Type: "TASK", Title: "Run checks",
		Status: domain.StatusInProgress,
	}
	require.NoError(t, fx.backlog.PutItem(ctx, item))

	done := domain.NewEnvelope(domain.EventWorkItemCompleted, map[string]any{
		"project_id":      "p1",
		"backlog_item_id": "b1",
		"evidence":        map[string]any{"rows_processed": 42},
	}, "dev_worker", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, done))

	got, err := fx.backlog.GetItem(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Empty(t, fx.emitted(t, domain.EventWorkItemFailed))

	entries, err := fx.trace.Fetch(ctx, "dev_worker", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "definition_of_done_passed", entries[0].Action)

	// Replayed completion is tolerated: the item is already DONE.
	require.NoError(t, fx.orch.Handle(ctx, done))
	got, err = fx.backlog.GetItem(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Empty(t, fx.emitted(t, domain.EventWorkItemFailed))
}

func TestOrchestrator_CompletionFailingDoDEmitsFailure(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.backlog.PutItem(ctx, domain.BacklogItem{
		ID: "b1", ProjectID: "p1", Type: "TASK", Title: "Run checks",
		Status: domain.StatusInProgress,
	}))

	done := domain.NewEnvelope(domain.EventWorkItemCompleted, map[string]any{
		"project_id":      "p1",
		"backlog_item_id": "b1",
		"evidence": map[string]any{
			"facts": []any{
				map[string]any{"field": "task_minutes", "value": 600.0},
			},
		},
	}, "dev_worker", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, done))

	failures := fx.emitted(t, domain.EventWorkItemFailed)
	require.Len(t, failures, 1)
	failure := failures[0].Payload["failure"].(map[string]any)
	assert.Equal(t, string(domain.FailureDataInsufficiency), failure["category"])
	assert.Contains(t, failure["reason"], "total_minutes_exceeds_cap")

	clar := fx.emitted(t, domain.EventClarificationNeeded)
	require.Len(t, clar, 1)
	assert.Equal(t, "dev_worker", clar[0].Payload["agent"])

	// Status must not advance on a rejected completion.
	got, err := fx.backlog.GetItem(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestOrchestrator_CompletionWithTopLevelFactsOverCapFails(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.backlog.PutItem(ctx, domain.BacklogItem{
		ID: "b1", ProjectID: "p1", Type: "TASK", Title: "Run checks",
		Status: domain.StatusInProgress,
	}))

	// The worker template reports summary evidence plus top-level facts.
	facts := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		facts = append(facts, map[string]any{"field": "task_minutes", "value": 100.0})
	}
	done := domain.NewEnvelope(domain.EventWorkItemCompleted, map[string]any{
		"project_id":      "p1",
		"backlog_item_id": "b1",
		"evidence": map[string]any{
			"total_minutes": 1000.0,
			"total_hours":   16.67,
			"row_count":     10,
		},
		"facts": facts,
	}, "dev_worker", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, done))

	failures := fx.emitted(t, domain.EventWorkItemFailed)
	require.Len(t, failures, 1)
	failure := failures[0].Payload["failure"].(map[string]any)
	assert.Equal(t, string(domain.FailureDataInsufficiency), failure["category"])
	assert.Contains(t, failure["reason"], "total_minutes_exceeds_cap:1000")

	got, err := fx.backlog.GetItem(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestOrchestrator_ApprovalMarkerLifecycle(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	req := domain.NewEnvelope(domain.EventHumanApprovalRequested, map[string]any{
		"project_id":      "p1",
		"backlog_item_id": "b1",
		"reason":          "production deploy",
	}, "dev_worker", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, req))

	pending, err := fx.approvals.IsPending(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.True(t, pending)

	sub := domain.NewEnvelope(domain.EventHumanApprovalSubmitted, map[string]any{
		"project_id":      "p1",
		"backlog_item_id": "b1",
		"approved":        true,
	}, "web_gateway", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, sub))

	pending, err = fx.approvals.IsPending(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestOrchestrator_UserPromptAcksAndRelaysOpenQuestions(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	_, err := fx.projects.CreateProject(ctx, "Audit", "", nil, nil, "p1")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Handle(ctx, initialRequest("p1", "audit")))

	prompt := domain.NewEnvelope(domain.EventUserPromptSubmitted, map[string]any{
		"project_id":     "p1",
		"prompt":         "How is my audit going?",
		"interaction_id": "i1",
	}, "web_gateway", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, prompt))

	msgs, err := fx.projects.GetCustomerMessages(ctx, "p1", false)
	require.NoError(t, err)
	var statusUpdates, clarifications int
	for _, m := range msgs {
		switch m.MessageType {
		case "status_update":
			statusUpdates++
		case "clarification":
			clarifications++
			assert.True(t, m.RequiresResponse)
			require.NotNil(t, m.RelatedItemID)
		}
	}
	assert.Equal(t, 1, statusUpdates)
	assert.Equal(t, 3, clarifications)
	assert.Len(t, fx.emitted(t, domain.EventOrchestratorMsgSent), 4)

	interactions, err := fx.projects.GetInteractions(ctx, "p1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, interactions)
}

func TestOrchestrator_CustomerResponseUnblocksRelatedItem(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	_, err := fx.projects.CreateProject(ctx, "Audit", "", nil, nil, "p1")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Handle(ctx, initialRequest("p1", "audit")))

	clar := fx.emitted(t, domain.EventClarificationNeeded)[0]
	itemID := clar.Payload["backlog_item_id"].(string)
	relID := itemID
	msg, err := fx.projects.SendMessageToCustomer(ctx, "p1", "clarification", "Which KPIs?", &relID, true)
	require.NoError(t, err)

	resp := domain.NewEnvelope(domain.EventCustomerMsgResponded, map[string]any{
		"project_id":      "p1",
		"message_id":      msg.ID,
		"response":        "SLA and MTTR please",
		"related_item_id": itemID,
	}, "web_gateway", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(ctx, resp))

	item, err := fx.backlog.GetItem(ctx, "p1", itemID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, item.Status)
	assert.Len(t, fx.emitted(t, domain.EventBacklogItemUnblocked), 1)

	stored, err := fx.projects.GetCustomerMessages(ctx, "p1", false)
	require.NoError(t, err)
	var responded bool
	for _, m := range stored {
		if m.ID == msg.ID {
			require.NotNil(t, m.Response)
			assert.Equal(t, "SLA and MTTR please", *m.Response)
			responded = true
		}
	}
	assert.True(t, responded)
}

func TestOrchestrator_DispatchLockHeldByPeerSkips(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.backlog.PutItem(ctx, domain.BacklogItem{
		ID: "b1", ProjectID: "p1", Type: "TASK", Title: "Run checks",
		Status: domain.StatusReady,
	}))

	// A peer holds the dispatch lock for this item.
	locker := rediskv.NewLocker(fx.rdb)
	_, ok, err := locker.Acquire(ctx, "lock:project:p1:item:b1:dispatch", fx.cfg.DispatchLockTTL())
	require.NoError(t, err)
	require.True(t, ok)

	parent := initialRequest("p1", "ignored")
	assert.Zero(t, fx.orch.DispatchReadyTasks(ctx, parent, "p1"))
	assert.Empty(t, fx.emitted(t, domain.EventWorkItemDispatched))

	item, err := fx.backlog.GetItem(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, item.Status)
}

func TestOrchestrator_IgnoresUnhandledEventTypes(t *testing.T) {
	t.Parallel()
	fx := newOrchFixture(t)

	env := domain.NewEnvelope(domain.EventDeliverablePublished, map[string]any{
		"deliverable": map[string]any{"type": "report"},
	}, "test_worker", domain.EnvelopeOptions{})
	require.NoError(t, fx.orch.Handle(context.Background(), env))
	assert.Empty(t, fx.emitted(t, domain.EventWorkItemFailed))
}
