package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
)

// Orchestrator is the single consumer of the main event stream. It owns the
// backlog lifecycle, the clarification loop, definition-of-done checks and
// dispatch. Business failures are expressed as events on the stream, never as
// handler errors.
type Orchestrator struct {
	cfg       config.Config
	backlog   domain.BacklogRepository
	questions domain.QuestionRepository
	projects  domain.ProjectRepository
	events    domain.EventStream
	locker    domain.Locker
	approvals domain.ApprovalStore
	dod       *DefinitionOfDoneRegistry
	routing   RoutingTable
	trace     *observability.TraceLogger
	recorder  *observability.Recorder
	log       *slog.Logger
}

// NewOrchestrator wires the orchestrator. The definition-of-done registry is
// pre-registered with the default validator for every known worker agent.
func NewOrchestrator(
	cfg config.Config,
	backlog domain.BacklogRepository,
	questions domain.QuestionRepository,
	projects domain.ProjectRepository,
	events domain.EventStream,
	locker domain.Locker,
	approvals domain.ApprovalStore,
	routing RoutingTable,
	trace *observability.TraceLogger,
	recorder *observability.Recorder,
	log *slog.Logger,
) *Orchestrator {
	if recorder == nil {
		recorder = observability.NewRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	dod := NewDefinitionOfDoneRegistry()
	for _, agent := range []string{"test_worker", "dev_worker", "requirements_manager", "scenario_worker"} {
		dod.Register(agent, DefaultValidator)
	}
	if len(routing.Rules) == 0 && routing.Default == "" {
		routing = DefaultRoutingTable()
	}
	return &Orchestrator{
		cfg:       cfg,
		backlog:   backlog,
		questions: questions,
		projects:  projects,
		events:    events,
		locker:    locker,
		approvals: approvals,
		dod:       dod,
		routing:   routing,
		trace:     trace,
		recorder:  recorder,
		log:       log.With(slog.String("component", "orchestrator")),
	}
}

// DoD exposes the registry so deployments can install custom validators.
func (o *Orchestrator) DoD() *DefinitionOfDoneRegistry { return o.dod }

const serviceOrchestrator = "orchestrator"

// Handle routes one validated envelope. Unhandled event types are ignored;
// the caller acks regardless.
func (o *Orchestrator) Handle(ctx context.Context, env domain.EventEnvelope) error {
	switch env.EventType {
	case domain.EventProjectInitialRequest:
		return o.onInitialRequest(ctx, env)
	case domain.EventUserAnswerSubmitted:
		return o.onAnswerSubmitted(ctx, env)
	case domain.EventWorkItemCompleted:
		return o.onWorkItemCompleted(ctx, env)
	case domain.EventHumanApprovalRequested:
		return o.onApprovalRequested(ctx, env)
	case domain.EventHumanApprovalSubmitted:
		return o.onApprovalSubmitted(ctx, env)
	case domain.EventUserPromptSubmitted:
		return o.onUserPrompt(ctx, env)
	case domain.EventCustomerMsgResponded:
		return o.onCustomerResponse(ctx, env)
	default:
		return nil
	}
}

// backlogTemplate is the deterministic initial backlog: at least three TASK
// items, all READY.
func backlogTemplate(projectID string) []domain.BacklogItem {
	template := []struct{ title, description string }{
		{"Collect requirements", "Clarify scope and KPIs"},
		{"Run checks", "Compute KPIs and anomalies"},
		{"Produce report", "Generate deliverable"},
	}
	items := make([]domain.BacklogItem, 0, len(template))
	for _, t := range template {
		items = append(items, domain.BacklogItem{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Type:        "TASK",
			Title:       t.title,
			Description: t.description,
			Status:      domain.StatusReady,
			Evidence:    map[string]any{},
		})
	}
	return items
}

// needsClarification applies the ambiguity heuristic to the request text.
func needsClarification(requestText string) (string, bool) {
	txt := strings.TrimSpace(requestText)
	if len(txt) < 12 {
		return "Request too short: specify scope and expected KPIs.", true
	}
	if strings.Contains(strings.ToLower(txt), "kpi") && !strings.Contains(txt, "?") {
		return "Which KPIs do you want (SLA, MTTR, backlog aging, incident volume, etc.)?", true
	}
	return "", false
}

func (o *Orchestrator) onInitialRequest(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	requestText, _ := env.Payload["request_text"].(string)

	for _, item := range backlogTemplate(projectID) {
		if err := o.backlog.PutItem(ctx, item); err != nil {
			return fmt.Errorf("op=orchestrator.onInitialRequest project=%s: %w", projectID, err)
		}
	}

	items, err := o.backlog.Items(ctx, projectID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.onInitialRequest project=%s: %w", projectID, err)
	}
	for _, item := range items {
		reason, needs := needsClarification(requestText)
		if !needs {
			continue
		}
		if ok, why := o.applyStatusSafe(ctx, projectID, item.ID, domain.StatusBlocked); !ok {
			o.log.Warn("skip blocking item", slog.String("item_id", item.ID), slog.String("reason", why))
			continue
		}
		q, err := o.questions.CreateQuestion(ctx, domain.Question{
			ProjectID:     projectID,
			BacklogItemID: item.ID,
			QuestionText:  reason,
			AnswerType:    domain.AnswerText,
			Status:        domain.QuestionOpen,
			CorrelationID: env.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("op=orchestrator.onInitialRequest project=%s: %w", projectID, err)
		}
		o.emit(ctx, env, domain.EventQuestionCreated, map[string]any{
			"question": map[string]any{
				"id":              q.ID,
				"project_id":      q.ProjectID,
				"backlog_item_id": q.BacklogItemID,
				"question_text":   q.QuestionText,
				"answer_type":     string(q.AnswerType),
				"status":          string(q.Status),
				"correlation_id":  q.CorrelationID,
			},
		})
		o.emit(ctx, env, domain.EventClarificationNeeded, map[string]any{
			"project_id":      projectID,
			"backlog_item_id": item.ID,
			"question_id":     q.ID,
		})
	}

	o.DispatchReadyTasks(ctx, env, projectID)
	return nil
}

func (o *Orchestrator) onAnswerSubmitted(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	questionID, _ := env.Payload["question_id"].(string)
	answer := env.Payload["answer"]

	if err := o.questions.SetAnswer(ctx, projectID, questionID, answer); err != nil {
		return fmt.Errorf("op=orchestrator.onAnswerSubmitted q=%s: %w", questionID, err)
	}
	if err := o.questions.CloseQuestion(ctx, projectID, questionID); err != nil {
		return fmt.Errorf("op=orchestrator.onAnswerSubmitted q=%s: %w", questionID, err)
	}

	q, err := o.questions.GetQuestion(ctx, projectID, questionID)
	if err != nil || q.BacklogItemID == "" {
		return nil
	}
	if ok, why := o.applyStatusSafe(ctx, projectID, q.BacklogItemID, domain.StatusReady); !ok {
		o.log.Warn("unblock skipped", slog.String("item_id", q.BacklogItemID), slog.String("reason", why))
		return nil
	}
	o.emit(ctx, env, domain.EventBacklogItemUnblocked, map[string]any{
		"project_id":      projectID,
		"backlog_item_id": q.BacklogItemID,
		"question_id":     questionID,
	})
	o.DispatchReadyTasks(ctx, env, projectID)
	return nil
}

func (o *Orchestrator) onWorkItemCompleted(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	itemID, _ := env.Payload["backlog_item_id"].(string)
	agent := env.Source.Service
	if agent == "" {
		agent = "unknown"
	}
	o.recorder.Inc("work_item_completed_seen")

	result := o.dod.Validate(agent, env.Payload)
	if !result.OK {
		reason := result.Reason
		if reason == "" {
			reason = "dod_failed"
		}
		failure := domain.Failure{Category: domain.FailureDataInsufficiency, Reason: reason}
		o.emit(ctx, env, domain.EventWorkItemFailed, map[string]any{
			"project_id":      projectID,
			"backlog_item_id": itemID,
			"failure":         failure.ToPayload(),
		})
		o.emit(ctx, env, domain.EventClarificationNeeded, map[string]any{
			"project_id":      projectID,
			"backlog_item_id": itemID,
			"reason":          reason,
			"agent":           agent,
		})
		return nil
	}

	item, err := o.backlog.GetItem(ctx, projectID, itemID)
	if err == nil && item.Status != domain.StatusDone {
		if ok, why := o.applyStatusSafe(ctx, projectID, itemID, domain.StatusDone); !ok {
			failure := domain.Failure{Category: domain.FailureToolFailure, Reason: why}
			o.emit(ctx, env, domain.EventWorkItemFailed, map[string]any{
				"project_id":      projectID,
				"backlog_item_id": itemID,
				"failure":         failure.ToPayload(),
			})
			return nil
		}
	}
	o.traceRecord(ctx, agent, "definition_of_done_passed", map[string]any{
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"status":          string(domain.StatusDone),
	})
	return nil
}

func (o *Orchestrator) onApprovalRequested(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	itemID, _ := env.Payload["backlog_item_id"].(string)
	if err := o.approvals.SetPending(ctx, projectID, itemID); err != nil {
		return fmt.Errorf("op=orchestrator.onApprovalRequested item=%s: %w", itemID, err)
	}
	o.recorder.Inc("human_approval_requested")
	return nil
}

func (o *Orchestrator) onApprovalSubmitted(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	itemID, _ := env.Payload["backlog_item_id"].(string)
	if err := o.approvals.ClearPending(ctx, projectID, itemID); err != nil {
		return fmt.Errorf("op=orchestrator.onApprovalSubmitted item=%s: %w", itemID, err)
	}
	o.recorder.Inc("human_approval_completed")
	o.DispatchReadyTasks(ctx, env, projectID)
	return nil
}

func (o *Orchestrator) onUserPrompt(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	prompt, _ := env.Payload["prompt"].(string)
	interactionID := env.Payload["interaction_id"]

	o.log.Info("user prompt received",
		slog.String("project_id", projectID),
		slog.String("prompt", truncate(prompt, 50)))
	o.recorder.Inc("user_prompt_received")

	_, err := o.projects.AddInteraction(ctx, projectID, "system_response",
		"Received prompt: "+truncate(prompt, 100)+"...",
		map[string]any{"interaction_id": interactionID})
	if err != nil {
		o.log.Warn("interaction record failed", slog.String("project_id", projectID), slog.Any("error", err))
	}

	o.sendCustomerMessage(ctx, env, projectID, "status_update",
		"Your request is being processed: "+truncate(prompt, 100)+"...", nil, false)

	blocked, err := o.backlog.ItemsByStatus(ctx, projectID, domain.StatusBlocked)
	if err != nil {
		return fmt.Errorf("op=orchestrator.onUserPrompt project=%s: %w", projectID, err)
	}
	for _, item := range blocked {
		openIDs, err := o.questions.ListOpen(ctx, projectID)
		if err != nil {
			return fmt.Errorf("op=orchestrator.onUserPrompt project=%s: %w", projectID, err)
		}
		for _, qid := range openIDs {
			q, err := o.questions.GetQuestion(ctx, projectID, qid)
			if err != nil || q.BacklogItemID != item.ID {
				continue
			}
			itemID := item.ID
			o.sendCustomerMessage(ctx, env, projectID, "clarification", q.QuestionText, &itemID, true)
		}
	}
	return nil
}

func (o *Orchestrator) onCustomerResponse(ctx context.Context, env domain.EventEnvelope) error {
	projectID, _ := env.Payload["project_id"].(string)
	messageID, _ := env.Payload["message_id"].(string)
	response, _ := env.Payload["response"].(string)
	relatedItemID, _ := env.Payload["related_item_id"].(string)

	o.recorder.Inc("customer_message_responded")

	_, err := o.projects.AddInteraction(ctx, projectID, "user_input",
		"Customer response: "+response,
		map[string]any{"message_id": messageID, "related_item_id": relatedItemID})
	if err != nil {
		o.log.Warn("interaction record failed", slog.String("project_id", projectID), slog.Any("error", err))
	}
	if _, err := o.projects.RespondToMessage(ctx, projectID, messageID, response); err != nil {
		o.log.Warn("message response record failed", slog.String("message_id", messageID), slog.Any("error", err))
	}

	if relatedItemID != "" {
		item, err := o.backlog.GetItem(ctx, projectID, relatedItemID)
		if err == nil && item.Status == domain.StatusBlocked {
			openIDs, err := o.questions.ListOpen(ctx, projectID)
			if err != nil {
				return fmt.Errorf("op=orchestrator.onCustomerResponse project=%s: %w", projectID, err)
			}
			for _, qid := range openIDs {
				q, err := o.questions.GetQuestion(ctx, projectID, qid)
				if err != nil || q.BacklogItemID != relatedItemID {
					continue
				}
				// The customer response answers the blocking question.
				if err := o.questions.SetAnswer(ctx, projectID, qid, response); err != nil {
					return fmt.Errorf("op=orchestrator.onCustomerResponse q=%s: %w", qid, err)
				}
				if err := o.questions.CloseQuestion(ctx, projectID, qid); err != nil {
					return fmt.Errorf("op=orchestrator.onCustomerResponse q=%s: %w", qid, err)
				}
				o.applyStatusSafe(ctx, projectID, relatedItemID, domain.StatusReady)
				o.emit(ctx, env, domain.EventBacklogItemUnblocked, map[string]any{
					"project_id":      projectID,
					"backlog_item_id": relatedItemID,
					"question_id":     qid,
				})
				break
			}
			o.DispatchReadyTasks(ctx, env, projectID)
		}
	}

	o.sendCustomerMessage(ctx, env, projectID, "status_update",
		"Thank you for your response. We're processing your input.", nil, false)
	return nil
}

// DispatchReadyTasks emits WORK.ITEM_DISPATCHED for every READY item of the
// project and moves it to IN_PROGRESS. Each item is dispatched under a short
// per-item lock so concurrent orchestrator peers never double-dispatch.
// Returns the number of items dispatched.
func (o *Orchestrator) DispatchReadyTasks(ctx context.Context, parent domain.EventEnvelope, projectID string) int {
	readyIDs, err := o.backlog.ListItemIDsByStatus(ctx, projectID, domain.StatusReady)
	if err != nil {
		o.log.Error("list ready items failed", slog.String("project_id", projectID), slog.Any("error", err))
		return 0
	}

	dispatched := 0
	for _, itemID := range readyIDs {
		item, err := o.backlog.GetItem(ctx, projectID, itemID)
		if err != nil {
			o.log.Warn("dispatch skip: item missing", slog.String("item_id", itemID))
			continue
		}

		lockKey := fmt.Sprintf("lock:project:%s:item:%s:dispatch", projectID, itemID)
		lock, ok, err := o.locker.Acquire(ctx, lockKey, o.cfg.DispatchLockTTL())
		if err != nil {
			o.log.Error("dispatch lock failed", slog.String("item_id", itemID), slog.Any("error", err))
			continue
		}
		if !ok {
			// A peer is already dispatching this item.
			continue
		}

		agentTarget := o.routing.Route(item.Title)
		o.emit(ctx, parent, domain.EventWorkItemDispatched, map[string]any{
			"project_id":      projectID,
			"backlog_item_id": itemID,
			"item_type":       item.Type,
			"agent_target":    agentTarget,
			"work_context":    map[string]any{"rows": []any{}},
		})
		if ok, why := o.applyStatusSafe(ctx, projectID, itemID, domain.StatusInProgress); !ok {
			o.log.Warn("dispatch transition skipped", slog.String("item_id", itemID), slog.String("reason", why))
		}
		dispatched++

		if _, err := o.locker.Release(ctx, lock); err != nil {
			o.log.Warn("dispatch lock release failed", slog.String("item_id", itemID), slog.Any("error", err))
		}
	}
	if dispatched > 0 {
		o.recorder.Add("items_dispatched", int64(dispatched))
	}
	return dispatched
}

// applyStatusSafe runs the transition through the state machine and persists
// it. Illegal transitions are reported, never propagated.
func (o *Orchestrator) applyStatusSafe(ctx context.Context, projectID, itemID string, to domain.BacklogStatus) (bool, string) {
	item, err := o.backlog.GetItem(ctx, projectID, itemID)
	if err != nil {
		return false, "missing item"
	}
	if err := domain.AssertTransition(item.Status, to, itemID); err != nil {
		o.log.Warn("illegal transition",
			slog.String("item_id", itemID),
			slog.String("from", string(item.Status)),
			slog.String("to", string(to)))
		return false, err.Error()
	}
	if err := o.backlog.SetStatus(ctx, projectID, itemID, to); err != nil {
		return false, err.Error()
	}
	observability.BacklogTransitionsTotal.WithLabelValues(string(item.Status), string(to)).Inc()
	return true, ""
}

// sendCustomerMessage stores the message and mirrors it onto the stream as
// ORCHESTRATOR.MESSAGE_SENT so the web gateway can deliver it.
func (o *Orchestrator) sendCustomerMessage(ctx context.Context, parent domain.EventEnvelope, projectID, messageType, content string, relatedItemID *string, requiresResponse bool) {
	msg, err := o.projects.SendMessageToCustomer(ctx, projectID, messageType, content, relatedItemID, requiresResponse)
	if err != nil {
		o.log.Warn("customer message store failed", slog.String("project_id", projectID), slog.Any("error", err))
		return
	}
	payload := map[string]any{
		"project_id":        projectID,
		"message_id":        msg.ID,
		"message_type":      messageType,
		"content":           content,
		"requires_response": requiresResponse,
	}
	if relatedItemID != nil {
		payload["related_item_id"] = *relatedItemID
	}
	o.emit(ctx, parent, domain.EventOrchestratorMsgSent, payload)
	o.log.Info("customer message sent",
		slog.String("project_id", projectID),
		slog.String("message_id", msg.ID),
		slog.String("message_type", messageType))
}

// emit publishes a child envelope inheriting correlation and causation from
// the triggering event. Publish failures are logged; the handler continues.
func (o *Orchestrator) emit(ctx context.Context, parent domain.EventEnvelope, eventType string, payload map[string]any) {
	env := domain.ChildEnvelope(parent, eventType, payload, serviceOrchestrator)
	if _, err := o.events.Publish(ctx, o.cfg.StreamName, env); err != nil {
		o.log.Error("event publish failed",
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) traceRecord(ctx context.Context, agent, action string, detail map[string]any) {
	if o.trace == nil {
		return
	}
	o.trace.Record(ctx, agent, action, detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
