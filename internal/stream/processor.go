// Package stream implements the reliable stream-processing runtime shared by
// the orchestrator and every worker: consumer-group reads with pending
// reclaim, envelope and payload validation, per-group idempotence, bounded
// retry and dead-letter routing.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/rediskv"
	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
	"github.com/fairyhunter13/audit-orchestrator/internal/schema"
)

// OutcomeKind tags the result of processing one message.
type OutcomeKind string

const (
	// OutcomeHandled means the handler ran and the message was acked.
	OutcomeHandled OutcomeKind = "handled"
	// OutcomeDuplicate means the event id was already processed by this group.
	OutcomeDuplicate OutcomeKind = "duplicate"
	// OutcomeContractError means decoding or schema validation failed; the
	// message was dead-lettered and acked.
	OutcomeContractError OutcomeKind = "contract_error"
	// OutcomeHandlerError means the handler returned an error. The message is
	// left pending for redelivery until attempts reach the bound, then
	// dead-lettered and acked.
	OutcomeHandlerError OutcomeKind = "handler_error"
)

// ProcessOutcome is the tagged result of one message.
type ProcessOutcome struct {
	Kind     OutcomeKind
	SchemaID string
	Reason   string
	Attempts int
	Cause    error
}

// Handler consumes one validated envelope. Errors are retried up to the
// configured attempt bound. Business failures must be expressed as events,
// not errors.
type Handler func(ctx context.Context, env domain.EventEnvelope) error

// Processor drives one consumer of one consumer group.
type Processor struct {
	cfg      config.Config
	stream   domain.EventStream
	dlq      domain.DLQ
	deduper  domain.Deduper
	attempts *rediskv.AttemptTracker
	registry *schema.Registry
	handler  Handler
	recorder *observability.Recorder
	log      *slog.Logger
}

// NewProcessor wires the runtime. EnsureGroup must have been called (or use
// Start, which calls it).
func NewProcessor(
	cfg config.Config,
	es domain.EventStream,
	dlq domain.DLQ,
	deduper domain.Deduper,
	attempts *rediskv.AttemptTracker,
	registry *schema.Registry,
	handler Handler,
	recorder *observability.Recorder,
	log *slog.Logger,
) *Processor {
	if recorder == nil {
		recorder = observability.NewRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		stream:   es,
		dlq:      dlq,
		deduper:  deduper,
		attempts: attempts,
		registry: registry,
		handler:  handler,
		recorder: recorder,
		log:      log.With(slog.String("group", cfg.ConsumerGroup), slog.String("consumer", cfg.ConsumerName)),
	}
}

// Recorder exposes the in-memory counters for inspection.
func (p *Processor) Recorder() *observability.Recorder { return p.recorder }

// ConsumeOnce performs one tick: prefer new messages, otherwise reclaim
// pending ones, and process each in order. Returns the number of messages
// seen.
func (p *Processor) ConsumeOnce(ctx context.Context) (int, error) {
	msgs, err := p.stream.ReadGroup(ctx, p.cfg.StreamName, p.cfg.ConsumerGroup, p.cfg.ConsumerName, p.cfg.ReadCount, p.cfg.Block())
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		msgs, _ = p.stream.AutoClaim(ctx, p.cfg.StreamName, p.cfg.ConsumerGroup, p.cfg.ConsumerName, p.cfg.IdleReclaim(), p.cfg.ReclaimCount)
		if len(msgs) > 0 {
			observability.EventsReclaimedTotal.WithLabelValues(p.cfg.ConsumerGroup).Add(float64(len(msgs)))
			p.recorder.Add("events_reclaimed", int64(len(msgs)))
		}
	}
	for _, msg := range msgs {
		p.ProcessMessage(ctx, msg)
	}
	return len(msgs), nil
}

// Run loops ConsumeOnce until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.stream.EnsureGroup(ctx, p.cfg.StreamName, p.cfg.ConsumerGroup); err != nil {
		return err
	}
	p.log.Info("stream processor started", slog.String("stream", p.cfg.StreamName))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("stream processor stopping")
			return ctx.Err()
		default:
		}
		n, err := p.ConsumeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("consume tick failed", slog.Any("error", err))
			time.Sleep(250 * time.Millisecond)
			continue
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// ProcessMessage applies the full contract pipeline to one raw entry.
func (p *Processor) ProcessMessage(ctx context.Context, msg domain.StreamMessage) ProcessOutcome {
	meta, err := p.attempts.Bump(ctx, p.cfg.ConsumerGroup, msg.ID, p.cfg.DedupeTTL())
	if err != nil {
		p.log.Error("attempt accounting failed", slog.String("msg_id", msg.ID), slog.Any("error", err))
	}

	raw, ok := msg.Fields["event"]
	if !ok {
		return p.contractError(ctx, msg, meta, "missing field 'event'", "", nil)
	}

	var env domain.EventEnvelope
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return p.contractError(ctx, msg, meta, "invalid json: "+err.Error(), "", err)
	}

	if res := p.registry.ValidateEnvelope(generic); !res.OK {
		return p.contractError(ctx, msg, meta, res.Error, res.SchemaID, nil)
	}
	// Decoding cannot fail after envelope validation passed.
	_ = json.Unmarshal([]byte(raw), &env)

	if res := p.registry.ValidatePayload(env.EventType, generic["payload"]); !res.OK {
		return p.contractError(ctx, msg, meta, res.Error, res.SchemaID, nil)
	}

	processed, err := p.deduper.IsProcessed(ctx, p.cfg.ConsumerGroup, env.EventID)
	if err != nil {
		p.log.Error("idempotence check failed", slog.String("event_id", env.EventID), slog.Any("error", err))
	}
	if processed {
		p.log.Info("skip duplicate",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType))
		observability.EventsDuplicateTotal.WithLabelValues(p.cfg.ConsumerGroup).Inc()
		p.recorder.Inc("events_duplicate")
		p.ack(ctx, msg.ID)
		return ProcessOutcome{Kind: OutcomeDuplicate}
	}

	hctx := observability.ContextWithCorrelationID(ctx, env.CorrelationID)
	hctx = observability.ContextWithLogger(hctx, p.log.With(
		slog.String("event_type", env.EventType),
		slog.String("correlation_id", env.CorrelationID)))
	start := time.Now()
	handlerErr := p.handler(hctx, env)
	observability.HandlerDuration.WithLabelValues(p.cfg.ConsumerGroup, env.EventType).Observe(time.Since(start).Seconds())
	p.recorder.Observe("handler_seconds", time.Since(start))

	if handlerErr != nil {
		p.log.Error("handler error",
			slog.String("event_type", env.EventType),
			slog.String("msg_id", msg.ID),
			slog.Int("attempts", meta.Attempts),
			slog.Any("error", handlerErr))
		if meta.Attempts >= p.cfg.MaxAttempts {
			p.publishDLQ(ctx, "max attempts exceeded", msg.Fields, meta, "", handlerErr)
			observability.EventsDeadLetteredTotal.WithLabelValues(p.cfg.ConsumerGroup, "max_attempts").Inc()
			p.recorder.Inc("events_dead_lettered")
			p.ack(ctx, msg.ID)
		} else {
			observability.EventsRetriedTotal.WithLabelValues(p.cfg.ConsumerGroup).Inc()
			p.recorder.Inc("events_retried")
		}
		return ProcessOutcome{Kind: OutcomeHandlerError, Attempts: meta.Attempts, Cause: handlerErr}
	}

	if err := p.deduper.MarkProcessed(ctx, p.cfg.ConsumerGroup, env.EventID, p.cfg.DedupeTTL()); err != nil {
		p.log.Error("idempotence mark failed", slog.String("event_id", env.EventID), slog.Any("error", err))
	}
	p.ack(ctx, msg.ID)
	observability.EventsProcessedTotal.WithLabelValues(p.cfg.ConsumerGroup, env.EventType).Inc()
	p.recorder.Inc("events_processed")
	return ProcessOutcome{Kind: OutcomeHandled}
}

func (p *Processor) contractError(ctx context.Context, msg domain.StreamMessage, meta domain.AttemptMeta, reason, schemaID string, cause error) ProcessOutcome {
	p.publishDLQ(ctx, reason, msg.Fields, meta, schemaID, cause)
	p.ack(ctx, msg.ID)
	observability.EventsInvalidTotal.WithLabelValues(p.cfg.ConsumerGroup, "contract").Inc()
	p.recorder.Inc("events_invalid")
	return ProcessOutcome{Kind: OutcomeContractError, SchemaID: schemaID, Reason: reason, Cause: cause}
}

func (p *Processor) publishDLQ(ctx context.Context, reason string, fields map[string]string, meta domain.AttemptMeta, schemaID string, cause error) {
	_, err := p.dlq.Publish(ctx, reason, fields, domain.DLQOptions{
		SchemaID:      schemaID,
		Err:           cause,
		ConsumerGroup: p.cfg.ConsumerGroup,
		Attempts:      meta.Attempts,
		FirstSeenAt:   meta.FirstSeenAt,
		LastSeenAt:    meta.LastSeenAt,
	})
	if err != nil {
		p.log.Error("dlq publish failed", slog.String("reason", reason), slog.Any("error", err))
	}
}

func (p *Processor) ack(ctx context.Context, msgID string) {
	if err := p.stream.Ack(ctx, p.cfg.StreamName, p.cfg.ConsumerGroup, msgID); err != nil {
		p.log.Error("ack failed", slog.String("msg_id", msgID), slog.Any("error", err))
	}
}
