package domain

import (
	"fmt"
	"strings"
)

// FailureCategory classifies domain-level failures, distinct from transport
// errors.
type FailureCategory string

const (
	// FailureToolFailure covers upstream dependency timeouts or errors.
	FailureToolFailure FailureCategory = "TOOL_FAILURE"
	// FailureDataInsufficiency marks missing required input, recoverable via
	// clarification.
	FailureDataInsufficiency FailureCategory = "DATA_INSUFFICIENCY"
	// FailureReasoningContradiction marks output refused by the evaluator.
	FailureReasoningContradiction FailureCategory = "REASONING_CONTRADICTION"
)

// Failure is the typed payload carried by WORK.ITEM_FAILED.
type Failure struct {
	Category FailureCategory `json:"category"`
	Reason   string          `json:"reason"`
	Details  map[string]any  `json:"details,omitempty"`
}

// ToPayload renders the failure as an event payload fragment.
func (f Failure) ToPayload() map[string]any {
	payload := map[string]any{"category": string(f.Category), "reason": f.Reason}
	if len(f.Details) > 0 {
		payload["details"] = f.Details
	}
	return payload
}

// MissingDataError signals absent critical fields; it maps to
// DATA_INSUFFICIENCY and feeds the clarification loop.
type MissingDataError struct {
	Fields []string
}

func (e *MissingDataError) Error() string {
	return "missing critical fields: " + strings.Join(e.Fields, ",")
}

// Failure converts the error to its typed failure.
func (e *MissingDataError) Failure() Failure {
	return Failure{Category: FailureDataInsufficiency, Reason: e.Error()}
}

// ContradictionError signals output the evaluator refused to accept.
type ContradictionError struct {
	Message string
}

func (e *ContradictionError) Error() string { return e.Message }

// Failure converts the error to its typed failure.
func (e *ContradictionError) Failure() Failure {
	return Failure{Category: FailureReasoningContradiction, Reason: e.Message}
}

// FailureFromError maps an error to a typed Failure, defaulting to
// TOOL_FAILURE for unclassified errors.
func FailureFromError(err error) Failure {
	switch e := err.(type) {
	case *MissingDataError:
		return e.Failure()
	case *ContradictionError:
		return e.Failure()
	default:
		return Failure{Category: FailureToolFailure, Reason: fmt.Sprintf("%v", err)}
	}
}
