// Package usecase holds the orchestration and worker business logic on top
// of the domain ports: definition-of-done validation, grounding, dispatch and
// the event handlers of each service.
package usecase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// DoDResult reports a definition-of-done check.
type DoDResult struct {
	OK     bool
	Reason string
}

// DoDValidator checks one completion payload for one agent.
type DoDValidator func(payload map[string]any) DoDResult

// DefinitionOfDoneRegistry maps agent names to completion validators. Agents
// without a registered validator fall back to the evidence-presence check.
type DefinitionOfDoneRegistry struct {
	mu        sync.RWMutex
	registry  map[string]DoDValidator
	Evaluator *OutcomeEvaluator
}

// NewDefinitionOfDoneRegistry returns an empty registry with the default
// evaluator.
func NewDefinitionOfDoneRegistry() *DefinitionOfDoneRegistry {
	return &DefinitionOfDoneRegistry{
		registry:  map[string]DoDValidator{},
		Evaluator: NewOutcomeEvaluator(),
	}
}

// Register installs a validator for the agent, replacing any previous one.
func (r *DefinitionOfDoneRegistry) Register(agentName string, v DoDValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[agentName] = v
}

// Validate runs the agent validator, or the evidence-presence fallback when
// none is registered.
func (r *DefinitionOfDoneRegistry) Validate(agentName string, payload map[string]any) DoDResult {
	r.mu.RLock()
	v, ok := r.registry[agentName]
	r.mu.RUnlock()
	if !ok {
		if evidenceOf(payload) != nil {
			return DoDResult{OK: true}
		}
		return DoDResult{OK: false, Reason: "missing evidence"}
	}
	return v(payload)
}

// DefaultValidator requires non-empty evidence and feeds declarative facts
// plus an optional deliverable to the outcome evaluator. Workers report facts
// and the deliverable at the top level of the completion payload; evidence
// keys take precedence when both are present. Contradiction errors surface as
// the rejection reason.
func DefaultValidator(payload map[string]any) DoDResult {
	evidence := evidenceOf(payload)
	if evidence == nil {
		return DoDResult{OK: false, Reason: "missing evidence"}
	}
	facts := factsOf(evidence["facts"])
	if len(facts) == 0 {
		facts = factsOf(payload["facts"])
	}
	deliverable, _ := evidence["deliverable"].(map[string]any)
	if deliverable == nil {
		deliverable, _ = payload["deliverable"].(map[string]any)
	}
	result, err := NewOutcomeEvaluator().Evaluate(facts, deliverable)
	if err != nil {
		return DoDResult{OK: false, Reason: err.Error()}
	}
	if !result.OK {
		return DoDResult{OK: false, Reason: strings.Join(result.Alerts, ";")}
	}
	return DoDResult{OK: true}
}

// EvaluationResult lists the alerts raised over a completion.
type EvaluationResult struct {
	OK     bool
	Alerts []string
}

// OutcomeEvaluator applies sanity rules over grounded facts and a
// deliverable: a time cap, a unit-mismatch check and a hard refusal of claims
// without sources.
type OutcomeEvaluator struct {
	MaxMinutes        float64
	GuardUnverifiable bool
}

// NewOutcomeEvaluator caps totals at one 8-hour day and guards unverifiable
// claims.
func NewOutcomeEvaluator() *OutcomeEvaluator {
	return &OutcomeEvaluator{MaxMinutes: 8 * 60, GuardUnverifiable: true}
}

// Evaluate returns alerts for soft violations and a *ContradictionError for
// claims without sources.
func (e *OutcomeEvaluator) Evaluate(facts []map[string]any, deliverable map[string]any) (EvaluationResult, error) {
	var alerts []string

	var totalMinutes float64
	for _, f := range facts {
		if f["field"] == "task_minutes" {
			totalMinutes += numberOf(f["value"])
		}
	}
	if totalMinutes > e.MaxMinutes {
		alerts = append(alerts, fmt.Sprintf("total_minutes_exceeds_cap:%g", totalMinutes))
	}

	if e.GuardUnverifiable && deliverable != nil {
		if rawClaims, ok := deliverable["claims"]; ok {
			claims, _ := rawClaims.([]any)
			for _, rc := range claims {
				claim, _ := rc.(map[string]any)
				if claim == nil {
					continue
				}
				if sources, _ := claim["sources"].([]any); len(sources) == 0 {
					return EvaluationResult{}, &domain.ContradictionError{Message: "unverifiable claims detected"}
				}
			}
		}
	}

	units := map[string]bool{}
	sawNilUnit := false
	for _, f := range facts {
		prov, _ := f["provenance"].(map[string]any)
		if prov == nil {
			continue
		}
		if unit, ok := prov["unit"].(string); ok {
			units[unit] = true
		} else if _, present := prov["unit"]; present {
			sawNilUnit = true
		}
	}
	if !sawNilUnit && len(units) > 1 {
		alerts = append(alerts, "unit_mismatch")
	}

	return EvaluationResult{OK: len(alerts) == 0, Alerts: alerts}, nil
}

func evidenceOf(payload map[string]any) map[string]any {
	evidence, _ := payload["evidence"].(map[string]any)
	if len(evidence) == 0 {
		return nil
	}
	return evidence
}

func factsOf(raw any) []map[string]any {
	list, _ := raw.([]any)
	facts := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if f, ok := item.(map[string]any); ok {
			facts = append(facts, f)
		}
	}
	return facts
}

func numberOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
