package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
)

// Phase names the stages of one managed workflow run.
type Phase string

const (
	PhaseAnalyze      Phase = "analyse"
	PhaseArchitecture Phase = "architecture"
	PhaseCode         Phase = "code"
	PhaseReview       Phase = "review"
)

// phaseOrder is the fixed execution order of a workflow.
var phaseOrder = []Phase{PhaseAnalyze, PhaseArchitecture, PhaseCode, PhaseReview}

// RepublishFunc re-enqueues the message after a phase timeout. It is called
// at most once per failing phase; an error escalates to the incident handler.
type RepublishFunc func(ctx context.Context, messageID string, phase Phase) error

// IncidentFunc escalates an unrecoverable phase failure to an operator.
type IncidentFunc func(ctx context.Context, messageID string, phase Phase, reason string)

// AgentManager drives the phased workflow for one message: each phase is
// journalled before it runs, executed under its configured wall-clock bound,
// and the review phase is retried. The journal is cleared only after a fully
// successful run, so a crash leaves a resume point behind.
type AgentManager struct {
	cfg       config.Config
	journal   domain.PhaseJournal
	republish RepublishFunc
	incident  IncidentFunc
	recorder  *observability.Recorder
	log       *slog.Logger
}

// NewAgentManager wires the manager. republish and incident may be nil.
func NewAgentManager(
	cfg config.Config,
	journal domain.PhaseJournal,
	republish RepublishFunc,
	incident IncidentFunc,
	recorder *observability.Recorder,
	log *slog.Logger,
) *AgentManager {
	if recorder == nil {
		recorder = observability.NewRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	return &AgentManager{
		cfg:       cfg,
		journal:   journal,
		republish: republish,
		incident:  incident,
		recorder:  recorder,
		log:       log.With(slog.String("component", "agent_manager")),
	}
}

// RunWorkflow executes the configured phases for the message in order.
// Missing phases are skipped. Returns true when every phase completed.
func (m *AgentManager) RunWorkflow(ctx context.Context, messageID string, phases map[Phase]PhaseFunc) bool {
	for _, phase := range phaseOrder {
		fn, ok := phases[phase]
		if !ok {
			continue
		}
		if phase == PhaseReview {
			if !m.runReviewWithRetry(ctx, fn, messageID) {
				return false
			}
			continue
		}
		if !m.runPhase(ctx, phase, fn, messageID) {
			return false
		}
	}
	if m.journal != nil {
		m.journal.Clear(ctx)
	}
	return true
}

// LastKnownState exposes the resume point, if any.
func (m *AgentManager) LastKnownState(ctx context.Context) (domain.PhaseState, bool) {
	if m.journal == nil {
		return domain.PhaseState{}, false
	}
	return m.journal.LastKnownState(ctx)
}

func (m *AgentManager) runPhase(ctx context.Context, phase Phase, fn PhaseFunc, messageID string) bool {
	if m.journal != nil {
		m.journal.Record(ctx, domain.PhaseState{
			Phase:     string(phase),
			MessageID: messageID,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		})
	}

	start := time.Now()
	ok, reason := fn(ctx)
	outcome := "ok"
	if !ok {
		outcome = "failed"
		if reason == ReasonTimeout {
			outcome = ReasonTimeout
		}
	}
	observability.PhaseDuration.WithLabelValues(string(phase), outcome).Observe(time.Since(start).Seconds())
	m.recorder.Observe("phase_"+string(phase)+"_seconds", time.Since(start))

	if ok {
		return true
	}
	if reason == "" {
		reason = "unknown error"
	}
	m.handleFailure(ctx, phase, messageID, reason)
	return false
}

func (m *AgentManager) runReviewWithRetry(ctx context.Context, fn PhaseFunc, messageID string) bool {
	maxAttempts := m.cfg.ReviewMaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.runPhase(ctx, PhaseReview, fn, messageID) {
			return true
		}
		m.log.Warn("retrying review",
			slog.String("message_id", messageID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts))
	}
	m.handleFailure(ctx, PhaseReview, messageID, "all review attempts failed")
	return false
}

// handleFailure republishes once on timeout; republish errors and every other
// failure enter incident mode.
func (m *AgentManager) handleFailure(ctx context.Context, phase Phase, messageID, reason string) {
	if reason == ReasonTimeout && m.republish != nil {
		m.log.Warn("phase timed out, republishing",
			slog.String("phase", string(phase)),
			slog.String("message_id", messageID))
		m.recorder.Inc("phase_republished")
		err := m.republish(ctx, messageID, phase)
		if err == nil {
			return
		}
		m.log.Error("republish failed",
			slog.String("phase", string(phase)),
			slog.String("message_id", messageID),
			slog.Any("error", err))
	}

	m.log.Error("entering incident mode",
		slog.String("phase", string(phase)),
		slog.String("message_id", messageID),
		slog.String("reason", reason))
	m.recorder.Inc("phase_incidents")
	if m.incident != nil {
		m.incident(ctx, messageID, phase, reason)
	}
}
