package playbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var pipelineTracer = otel.Tracer("playbookd.playbook.pipeline")

// Pipeline states, recorded on spans and logs as each event advances.
const (
	StateReceived       = "received"
	StateInsightPending = "insight_pending"
	StateDeltaResolved  = "delta_resolved"
	StateCommitted      = "committed"
	StateAborted        = "aborted"
)

// Default reflector retry policy. Transient generation failures are
// retried with exponential backoff before the event is abandoned.
const (
	DefaultReflectorRetries = 2
	DefaultReflectorBackoff = 500 * time.Millisecond
)

// Pipeline runs a feedback event through insight generation, delta
// resolution, counter updates, and a durable commit.
//
// Before mutating anything it captures a snapshot of the store and the
// processed-feedback set; any failure between the first mutation and a
// successful commit restores both, so a failed event leaves no trace and
// may be retried.
type Pipeline struct {
	store    *Store
	deltas   *DeltaEngine
	counters *CounterUpdater
	persist  Committer
	insights InsightSource
	logger   *zap.Logger
	metrics  *Metrics

	retries int
	backoff time.Duration
	sleep   func(time.Duration)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineMetrics attaches metrics recording.
func WithPipelineMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRetryPolicy overrides the reflector retry count and initial
// backoff. The backoff doubles per attempt.
func WithRetryPolicy(retries int, backoff time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if retries >= 0 {
			p.retries = retries
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// NewPipeline wires the learning loop. All collaborators are required.
func NewPipeline(
	store *Store,
	deltas *DeltaEngine,
	counters *CounterUpdater,
	persist Committer,
	insights InsightSource,
	logger *zap.Logger,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deltas == nil {
		return nil, fmt.Errorf("delta engine cannot be nil")
	}
	if counters == nil {
		return nil, fmt.Errorf("counter updater cannot be nil")
	}
	if persist == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if insights == nil {
		return nil, fmt.Errorf("insight source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		store:    store,
		deltas:   deltas,
		counters: counters,
		persist:  persist,
		insights: insights,
		logger:   logger,
		retries:  DefaultReflectorRetries,
		backoff:  DefaultReflectorBackoff,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Result summarizes one learning run.
type Result struct {
	FeedbackID     string
	State          string
	BulletsAdded   int
	BulletsUpdated int
	Duration       time.Duration
	Err            error
}

// Process runs one feedback event end to end. Duplicate feedback ids are
// acknowledged without reprocessing. A non-nil error indicates the event
// was aborted and all state rolled back; the Result carries the terminal
// state either way.
func (p *Pipeline) Process(ctx context.Context, event Event) (Result, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("feedback_id", event.FeedbackID),
		attribute.String("polarity", string(event.Polarity)),
	)

	start := timeNow()
	logger := p.logger.With(zap.String("feedback_id", event.FeedbackID))
	logger.Info("feedback event received", zap.String("state", StateReceived))

	res := Result{FeedbackID: event.FeedbackID, State: StateReceived}

	if p.counters.Seen(event.FeedbackID) {
		logger.Info("duplicate feedback, already committed")
		span.SetAttributes(attribute.Bool("duplicate", true))
		res.State = StateCommitted
		res.Duration = timeNow().Sub(start)
		return res, nil
	}

	// Rollback point. Nothing below mutates state until the snapshot is
	// taken, so restoring it undoes the whole event.
	before := p.store.Snapshot()
	beforeProcessed := p.counters.ProcessedIDs()

	err := p.run(ctx, event, logger, &res)
	res.Duration = timeNow().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.rollback(ctx, before, beforeProcessed, logger)
		if p.metrics != nil {
			p.metrics.RecordEvent(ctx, StateAborted, res.Duration)
		}
		res.State = StateAborted
		res.Err = err
		res.BulletsAdded, res.BulletsUpdated = 0, 0
		return res, err
	}

	span.SetStatus(codes.Ok, "success")
	if p.metrics != nil {
		p.metrics.RecordEvent(ctx, StateCommitted, res.Duration)
	}
	res.State = StateCommitted
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, event Event, logger *zap.Logger, res *Result) error {
	logger.Debug("generating insight", zap.String("state", StateInsightPending))
	insight, err := p.generateInsight(ctx, event)
	if err != nil {
		return fmt.Errorf("%w: generating insight: %v", ErrCollaborator, err)
	}

	delta, resolveErr := p.deltas.Resolve(ctx, insight)
	if errors.Is(resolveErr, ErrLowConfidence) {
		logger.Info("insight below confidence gate, aborting",
			zap.Float64("confidence", insight.Confidence))
		return resolveErr
	}
	if resolveErr != nil {
		return fmt.Errorf("resolving delta: %w", resolveErr)
	}

	logger.Debug("delta resolved",
		zap.String("state", StateDeltaResolved),
		zap.String("op", string(delta.Op)))
	if _, err := p.deltas.Apply(ctx, delta); err != nil {
		return fmt.Errorf("applying delta: %w", err)
	}
	switch delta.Op {
	case OpAdd:
		res.BulletsAdded++
	case OpUpdate:
		res.BulletsUpdated++
	}

	if err := p.counters.Apply(event); err != nil {
		return fmt.Errorf("applying counters: %w", err)
	}

	snap := p.store.Snapshot()
	snap.ProcessedFeedback = p.counters.ProcessedIDs()
	if err := p.persist.Commit(snap); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	logger.Info("feedback event committed",
		zap.String("state", StateCommitted),
		zap.Int("playbook_size", len(snap.Bullets)))
	return nil
}

// generateInsight calls the insight source with bounded retries.
func (p *Pipeline) generateInsight(ctx context.Context, event Event) (Insight, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(1<<(attempt-1))
			p.logger.Warn("insight generation failed, retrying",
				zap.String("feedback_id", event.FeedbackID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			p.sleep(backoff)
		}
		if err := ctx.Err(); err != nil {
			return Insight{}, err
		}

		insight, err := p.insights.GenerateInsight(ctx, event)
		if err == nil {
			return insight, nil
		}
		lastErr = err
	}
	return Insight{}, lastErr
}

// rollback restores the pre-event snapshot and processed set.
func (p *Pipeline) rollback(ctx context.Context, before Snapshot, processed []string, logger *zap.Logger) {
	logger.Warn("rolling back feedback event", zap.String("state", StateAborted))

	if err := p.store.Restore(ctx, before); err != nil {
		logger.Error("rollback restore failed", zap.Error(err))
	}
	p.counters.RestoreProcessed(processed)
}
