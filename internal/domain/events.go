package domain

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the work stream.
const (
	EventProjectInitialRequest  = "PROJECT.INITIAL_REQUEST_RECEIVED"
	EventQuestionCreated        = "QUESTION.CREATED"
	EventClarificationNeeded    = "CLARIFICATION.NEEDED"
	EventUserAnswerSubmitted    = "USER.ANSWER_SUBMITTED"
	EventBacklogItemUnblocked   = "BACKLOG.ITEM_UNBLOCKED"
	EventWorkItemDispatched     = "WORK.ITEM_DISPATCHED"
	EventWorkItemStarted        = "WORK.ITEM_STARTED"
	EventWorkItemCompleted      = "WORK.ITEM_COMPLETED"
	EventWorkItemFailed         = "WORK.ITEM_FAILED"
	EventDeliverablePublished   = "DELIVERABLE.PUBLISHED"
	EventHumanApprovalRequested = "HUMAN.APPROVAL_REQUESTED"
	EventHumanApprovalSubmitted = "HUMAN.APPROVAL_SUBMITTED"
	EventUserPromptSubmitted    = "USER.PROMPT_SUBMITTED"
	EventCustomerMsgResponded   = "CUSTOMER.MESSAGE_RESPONDED"
	EventOrchestratorMsgSent    = "ORCHESTRATOR.MESSAGE_SENT"
)

// EventSource identifies the publishing service and instance.
type EventSource struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
}

// EventEnvelope is the validated outer layer of every event on the transport.
// All fields are required except CausationID, which is nullable.
type EventEnvelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	EventVersion  int            `json:"event_version"`
	Timestamp     string         `json:"timestamp"`
	Source        EventSource    `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   *string        `json:"causation_id"`
	Payload       map[string]any `json:"payload"`
}

// EnvelopeOptions are the optional fields of NewEnvelope.
type EnvelopeOptions struct {
	CorrelationID string
	CausationID   *string
	Instance      string
	EventVersion  int
}

// NowISO returns the wire timestamp format (UTC, second precision).
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// NewEnvelope builds a compliant envelope. The correlation id is generated
// when absent; the instance defaults to HOSTNAME or "<service>-1".
func NewEnvelope(eventType string, payload map[string]any, service string, opts EnvelopeOptions) EventEnvelope {
	version := opts.EventVersion
	if version == 0 {
		version = 1
	}
	corr := opts.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	instance := opts.Instance
	if instance == "" {
		instance = os.Getenv("HOSTNAME")
	}
	if instance == "" {
		instance = service + "-1"
	}
	return EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     NowISO(),
		Source:        EventSource{Service: service, Instance: instance},
		CorrelationID: corr,
		CausationID:   opts.CausationID,
		Payload:       payload,
	}
}

// ChildEnvelope derives an envelope from a triggering event: it inherits the
// correlation id and sets causation to the parent's event id.
func ChildEnvelope(parent EventEnvelope, eventType string, payload map[string]any, service string) EventEnvelope {
	causation := parent.EventID
	return NewEnvelope(eventType, payload, service, EnvelopeOptions{
		CorrelationID: parent.CorrelationID,
		CausationID:   &causation,
	})
}
