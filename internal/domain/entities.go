// Package domain holds the core entities and ports of the orchestrator.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrLockBusy        = errors.New("lock busy")
	ErrInternal        = errors.New("internal error")
)

// BacklogStatus enumerates backlog item lifecycle states.
type BacklogStatus string

const (
	StatusCreated    BacklogStatus = "CREATED"
	StatusReady      BacklogStatus = "READY"
	StatusBlocked    BacklogStatus = "BLOCKED"
	StatusInProgress BacklogStatus = "IN_PROGRESS"
	StatusDone       BacklogStatus = "DONE"
	StatusFailed     BacklogStatus = "FAILED"
)

// BacklogItem is the unit of work tracked by the orchestrator. The
// orchestrator creates and mutates items; workers only mutate via events.
type BacklogItem struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      BacklogStatus  `json:"status"`
	Evidence    map[string]any `json:"evidence"`
}

// QuestionStatus enumerates question lifecycle states.
type QuestionStatus string

const (
	QuestionOpen   QuestionStatus = "OPEN"
	QuestionClosed QuestionStatus = "CLOSED"
)

// AnswerType enumerates the accepted answer encodings for a question.
type AnswerType string

const (
	AnswerText   AnswerType = "text"
	AnswerNumber AnswerType = "number"
	AnswerJSON   AnswerType = "json"
	AnswerChoice AnswerType = "choice"
)

// Question is a clarification request blocking a backlog item. The answer is
// stored under a separate key so the question object stays schema-strict.
type Question struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	BacklogItemID string         `json:"backlog_item_id"`
	QuestionText  string         `json:"question_text"`
	AnswerType    AnswerType     `json:"answer_type"`
	Status        QuestionStatus `json:"status"`
	CorrelationID string         `json:"correlation_id"`
}

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectCreated       ProjectStatus = "CREATED"
	ProjectInProgress    ProjectStatus = "IN_PROGRESS"
	ProjectAwaitingInput ProjectStatus = "AWAITING_INPUT"
	ProjectCompleted     ProjectStatus = "COMPLETED"
	ProjectFailed        ProjectStatus = "FAILED"
)

// Project tracks a long-running request end to end. Derived status is
// recomputable from backlog counts.
type Project struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Status               ProjectStatus  `json:"status"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
	Requester            map[string]any `json:"requester"`
	Metadata             map[string]any `json:"metadata"`
	CompletionPercentage int            `json:"completion_percentage"`
	BlockedItems         int            `json:"blocked_items"`
}

// Interaction is a single recorded exchange with the orchestrator.
type Interaction struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// CustomerMessage is a message from the orchestrator to the requester that may
// require a response.
type CustomerMessage struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	MessageType      string  `json:"message_type"`
	Content          string  `json:"content"`
	Status           string  `json:"status"`
	Timestamp        string  `json:"timestamp"`
	RelatedItemID    *string `json:"related_item_id"`
	RequiresResponse bool    `json:"requires_response"`
	Response         *string `json:"response"`
}

// ProjectProgress is the derived view of a project computed from its backlog.
type ProjectProgress struct {
	ProjectID            string `json:"project_id"`
	Name                 string `json:"name"`
	State                string `json:"state"`
	CompletionPercentage int    `json:"completion_percentage"`
	TotalItems           int    `json:"total_items"`
	CompletedItems       int    `json:"completed_items"`
	BlockedItems         int    `json:"blocked_items"`
	InProgressItems      int    `json:"in_progress_items"`
}

// AttemptMeta tracks delivery attempts per (consumer group, message id).
type AttemptMeta struct {
	Attempts    int
	FirstSeenAt float64
	LastSeenAt  float64
}

// Fact is one grounded observation extracted from worker input rows.
type Fact struct {
	ID         string         `json:"id"`
	Field      string         `json:"field"`
	Value      any            `json:"value"`
	Provenance map[string]any `json:"provenance"`
}

// LedgerEntry is one append-only fact-ledger record linking outputs back to
// input facts and coefficients.
type LedgerEntry struct {
	ProjectID     string         `json:"project_id"`
	BacklogItemID string         `json:"backlog_item_id"`
	Facts         []Fact         `json:"facts"`
	Coefficients  map[string]any `json:"coefficients"`
}

// Lock is a held token-scoped lock. Release must compare-and-delete against
// the token so an expired-and-reacquired lock is never released by a stale
// holder.
type Lock struct {
	Key   string
	Token string
}

// Repositories (ports)

// BacklogRepository persists backlog items with an all-items index and a
// per-status index, both kept coherent on every write.
type BacklogRepository interface {
	PutItem(ctx Context, item BacklogItem) error
	GetItem(ctx Context, projectID, itemID string) (BacklogItem, error)
	SetStatus(ctx Context, projectID, itemID string, status BacklogStatus) error
	ListItemIDs(ctx Context, projectID string) ([]string, error)
	ListItemIDsByStatus(ctx Context, projectID string, status BacklogStatus) ([]string, error)
	ItemsByStatus(ctx Context, projectID string, status BacklogStatus) ([]BacklogItem, error)
	Items(ctx Context, projectID string) ([]BacklogItem, error)
}

// QuestionRepository persists questions, their open index, and answers.
type QuestionRepository interface {
	CreateQuestion(ctx Context, q Question) (Question, error)
	GetQuestion(ctx Context, projectID, questionID string) (Question, error)
	ListOpen(ctx Context, projectID string) ([]string, error)
	ListAll(ctx Context, projectID string) ([]string, error)
	SetAnswer(ctx Context, projectID, questionID string, answer any) error
	GetAnswer(ctx Context, questionID string) (any, bool, error)
	CloseQuestion(ctx Context, projectID, questionID string) error
}

// ProjectRepository persists projects, interactions and customer messages.
type ProjectRepository interface {
	CreateProject(ctx Context, name, description string, requester, metadata map[string]any, projectID string) (Project, error)
	GetProject(ctx Context, projectID string) (Project, error)
	UpdateProjectStatus(ctx Context, projectID string, status ProjectStatus, completionPercentage, blockedItems *int) (Project, error)
	ListProjects(ctx Context) ([]string, error)
	DeleteProject(ctx Context, projectID string) (bool, error)
	AddInteraction(ctx Context, projectID, interactionType, content string, metadata map[string]any) (Interaction, error)
	GetInteractions(ctx Context, projectID string, limit, offset int) ([]Interaction, error)
	SendMessageToCustomer(ctx Context, projectID, messageType, content string, relatedItemID *string, requiresResponse bool) (CustomerMessage, error)
	GetCustomerMessages(ctx Context, projectID string, unreadOnly bool) ([]CustomerMessage, error)
	MarkMessageRead(ctx Context, projectID, messageID string) error
	RespondToMessage(ctx Context, projectID, messageID, response string) (CustomerMessage, error)
	CalculateProjectStatus(ctx Context, projectID string, backlog BacklogRepository) (ProjectProgress, error)
}

// EventStream publishes and consumes envelopes on the durable log.
type EventStream interface {
	Publish(ctx Context, stream string, env EventEnvelope) (string, error)
	ReadGroup(ctx Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error)
	AutoClaim(ctx Context, stream, group, consumer string, minIdle time.Duration, count int) ([]StreamMessage, error)
	Ack(ctx Context, stream, group, msgID string) error
	EnsureGroup(ctx Context, stream, group string) error
}

// StreamMessage is one raw entry read from a stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// DLQ appends structured failure documents to the dead-letter stream.
type DLQ interface {
	Publish(ctx Context, reason string, originalFields map[string]string, opts DLQOptions) (string, error)
}

// DLQOptions carries the optional context attached to a DLQ document.
type DLQOptions struct {
	SchemaID      string
	Err           error
	ConsumerGroup string
	Attempts      int
	FirstSeenAt   float64
	LastSeenAt    float64
}

// Locker provides token-scoped TTL locks.
type Locker interface {
	Acquire(ctx Context, key string, ttl time.Duration) (Lock, bool, error)
	Release(ctx Context, lock Lock) (bool, error)
}

// Deduper marks event ids processed per consumer group.
type Deduper interface {
	// MarkIfNew returns true iff the id was not seen before and is now marked.
	MarkIfNew(ctx Context, consumerGroup, eventID string, ttl time.Duration) (bool, error)
	IsProcessed(ctx Context, consumerGroup, eventID string) (bool, error)
	MarkProcessed(ctx Context, consumerGroup, eventID string, ttl time.Duration) error
}

// PhaseState is the minimal resume point persisted by the phase journal.
type PhaseState struct {
	Phase     string  `json:"phase"`
	MessageID string  `json:"message_id"`
	Timestamp float64 `json:"timestamp"`
}

// PhaseJournal persists the last known workflow phase so a restarted manager
// can resume. Writes are best-effort and must never fail phase execution.
type PhaseJournal interface {
	Record(ctx Context, state PhaseState)
	Clear(ctx Context)
	LastKnownState(ctx Context) (PhaseState, bool)
}

// ApprovalStore tracks pending human-approval markers per backlog item.
type ApprovalStore interface {
	SetPending(ctx Context, projectID, itemID string) error
	ClearPending(ctx Context, projectID, itemID string) error
	IsPending(ctx Context, projectID, itemID string) (bool, error)
}

// FactLedger records grounded facts append-only, one JSON object per line.
type FactLedger interface {
	Record(projectID, backlogItemID string, facts []Fact, coefficients map[string]any) (string, error)
	LoadEntries(projectID string) ([]LedgerEntry, error)
}

// Context is an alias to decouple domain signatures from std context.
type Context = context.Context
