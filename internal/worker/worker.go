// Package worker implements the generic worker template and the
// time-analysis agent built on it. A worker consumes WORK.ITEM_DISPATCHED
// events addressed to its agent name, runs its process function under a
// per-item lock, and reports the result back onto the stream.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/rediskv"
	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
	"github.com/fairyhunter13/audit-orchestrator/internal/usecase"
)

// Task is the unit of work handed to a process function.
type Task struct {
	ProjectID     string
	BacklogItemID string
	WorkContext   map[string]any
	Env           domain.EventEnvelope
}

// Result is a successful process outcome. Evidence must be non-empty; the
// deliverable fields feed DELIVERABLE.PUBLISHED.
type Result struct {
	DeliverableType string
	Content         map[string]any
	Evidence        map[string]any
	Confidence      float64
	Facts           []domain.Fact
}

// ProcessFunc runs the agent-specific work. Return a *domain.MissingDataError
// to trigger the clarification loop; any other error becomes a typed failure
// event.
type ProcessFunc func(ctx context.Context, task Task) (Result, error)

// Worker filters dispatches for one agent and turns process results into
// events. It is used as the handler of a stream.Processor whose consumer
// group is `{agent}_workers`.
type Worker struct {
	cfg      config.Config
	agent    string
	events   domain.EventStream
	locker   domain.Locker
	process  ProcessFunc
	trace    *observability.TraceLogger
	recorder *observability.Recorder
	log      *slog.Logger
}

// NewWorker wires a worker for the agent name.
func NewWorker(
	cfg config.Config,
	agent string,
	events domain.EventStream,
	locker domain.Locker,
	process ProcessFunc,
	trace *observability.TraceLogger,
	recorder *observability.Recorder,
	log *slog.Logger,
) *Worker {
	if recorder == nil {
		recorder = observability.NewRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		agent:    agent,
		events:   events,
		locker:   locker,
		process:  process,
		trace:    trace,
		recorder: recorder,
		log:      log.With(slog.String("agent", agent)),
	}
}

// Agent returns the agent name this worker answers to.
func (w *Worker) Agent() string { return w.agent }

// Handle consumes one validated envelope. Events that are not dispatches for
// this agent are ignored (the processor acks them).
func (w *Worker) Handle(ctx context.Context, env domain.EventEnvelope) error {
	if env.EventType != domain.EventWorkItemDispatched {
		return nil
	}
	if target, _ := env.Payload["agent_target"].(string); target != w.agent {
		return nil
	}

	projectID, _ := env.Payload["project_id"].(string)
	itemID, _ := env.Payload["backlog_item_id"].(string)
	workContext, _ := env.Payload["work_context"].(map[string]any)

	lock, ok, err := w.locker.Acquire(ctx, rediskv.LockKey("backlog", itemID), w.cfg.LockTTL())
	if err != nil {
		return err
	}
	if !ok {
		// Another worker of this group already holds the item.
		w.log.Info("item locked by peer, skipping", slog.String("backlog_item_id", itemID))
		w.recorder.Inc("items_skipped_locked")
		return nil
	}
	defer func() {
		if _, err := w.locker.Release(ctx, lock); err != nil {
			w.log.Warn("lock release failed", slog.String("backlog_item_id", itemID), slog.Any("error", err))
		}
	}()

	w.emit(ctx, env, domain.EventWorkItemStarted, map[string]any{
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"started_at":      domain.NowISO(),
	})

	task := Task{ProjectID: projectID, BacklogItemID: itemID, WorkContext: workContext, Env: env}
	result, err := w.process(ctx, task)
	if err != nil {
		w.reportFailure(ctx, env, projectID, itemID, err)
		return nil
	}

	deliverable := map[string]any{
		"type":            result.DeliverableType,
		"content":         result.Content,
		"timestamp":       domain.NowISO(),
		"confidence":      result.Confidence,
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"agent":           w.agent,
	}
	w.emit(ctx, env, domain.EventDeliverablePublished, map[string]any{
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"deliverable":     deliverable,
	})

	evidence := result.Evidence
	if len(evidence) == 0 {
		evidence = map[string]any{"agent": w.agent}
	}
	completion := map[string]any{
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"evidence":        evidence,
	}
	if len(result.Facts) > 0 {
		completion["facts"] = usecase.FactRecords(result.Facts)
	}
	w.emit(ctx, env, domain.EventWorkItemCompleted, completion)

	w.recorder.Inc("items_completed")
	if w.trace != nil {
		w.trace.Record(ctx, w.agent, "work_item_completed", map[string]any{
			"project_id":      projectID,
			"backlog_item_id": itemID,
			"deliverable":     result.DeliverableType,
		})
	}
	return nil
}

// reportFailure maps a process error to the right event: data insufficiency
// re-enters the clarification loop, everything else becomes a typed failure.
func (w *Worker) reportFailure(ctx context.Context, env domain.EventEnvelope, projectID, itemID string, err error) {
	var missing *domain.MissingDataError
	if errors.As(err, &missing) {
		w.emit(ctx, env, domain.EventClarificationNeeded, map[string]any{
			"project_id":      projectID,
			"backlog_item_id": itemID,
			"reason":          missing.Error(),
			"missing_fields":  missing.Fields,
			"agent":           w.agent,
		})
		w.recorder.Inc("items_clarification_needed")
		return
	}
	failure := domain.FailureFromError(err)
	w.emit(ctx, env, domain.EventWorkItemFailed, map[string]any{
		"project_id":      projectID,
		"backlog_item_id": itemID,
		"failure":         failure.ToPayload(),
	})
	w.recorder.Inc("items_failed")
	w.log.Error("process failed",
		slog.String("backlog_item_id", itemID),
		slog.String("category", string(failure.Category)),
		slog.Any("error", err))
}

func (w *Worker) emit(ctx context.Context, parent domain.EventEnvelope, eventType string, payload map[string]any) {
	env := domain.ChildEnvelope(parent, eventType, payload, w.agent)
	if _, err := w.events.Publish(ctx, w.cfg.StreamName, env); err != nil {
		w.log.Error("event publish failed", slog.String("event_type", eventType), slog.Any("error", err))
	}
}
