package playbook

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var deltaTracer = otel.Tracer("playbookd.playbook.delta")

// DefaultMinConfidence is the confidence below which an insight is
// discarded instead of becoming a playbook mutation.
const DefaultMinConfidence = 0.5

// DefaultSection is assigned when an insight does not suggest one.
const DefaultSection = "General Strategies"

// DeltaEngine turns validated insights into concrete playbook mutations
// and applies them to the store.
type DeltaEngine struct {
	store          *Store
	minConfidence  float64
	defaultSection string
	logger         *zap.Logger
}

// DeltaOption configures a DeltaEngine.
type DeltaOption func(*DeltaEngine)

// WithMinConfidence overrides the confidence gate.
func WithMinConfidence(min float64) DeltaOption {
	return func(e *DeltaEngine) { e.minConfidence = min }
}

// WithDefaultSection overrides the section assigned when an insight does
// not suggest one.
func WithDefaultSection(section string) DeltaOption {
	return func(e *DeltaEngine) {
		if section != "" {
			e.defaultSection = section
		}
	}
}

// NewDeltaEngine creates a delta engine over the given store.
func NewDeltaEngine(store *Store, logger *zap.Logger, opts ...DeltaOption) (*DeltaEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &DeltaEngine{
		store:          store,
		minConfidence:  DefaultMinConfidence,
		defaultSection: DefaultSection,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Resolve maps an insight to a mutation. Low-confidence insights return
// ErrLowConfidence. When an existing bullet is semantically close to the
// insight the result is an update of that bullet; otherwise an add. The
// same insight against the same store state always resolves to the same
// delta.
func (e *DeltaEngine) Resolve(ctx context.Context, insight Insight) (Delta, error) {
	ctx, span := deltaTracer.Start(ctx, "DeltaEngine.Resolve")
	defer span.End()

	if err := insight.Validate(); err != nil {
		span.RecordError(err)
		return Delta{}, err
	}
	if insight.Confidence < e.minConfidence {
		span.SetAttributes(attribute.Float64("confidence", insight.Confidence))
		return Delta{}, fmt.Errorf("%w: %.2f below %.2f",
			ErrLowConfidence, insight.Confidence, e.minConfidence)
	}

	section := insight.SuggestedSection
	if section == "" {
		section = e.defaultSection
	}

	matchID, found, err := e.store.FindSimilar(ctx, insight.Summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Delta{}, err
	}

	if found {
		span.SetAttributes(
			attribute.String("op", string(OpUpdate)),
			attribute.String("target_id", matchID),
		)
		return Delta{
			Op:       OpUpdate,
			TargetID: matchID,
			Content:  insight.Summary,
			Section:  section,
		}, nil
	}

	span.SetAttributes(attribute.String("op", string(OpAdd)))
	return Delta{
		Op:      OpAdd,
		Content: insight.Summary,
		Section: section,
	}, nil
}

// Apply executes a delta against the store and returns the id of the
// bullet it touched.
func (e *DeltaEngine) Apply(ctx context.Context, delta Delta) (string, error) {
	ctx, span := deltaTracer.Start(ctx, "DeltaEngine.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("op", string(delta.Op)))

	switch delta.Op {
	case OpAdd:
		id, err := e.store.Insert(ctx, delta.Content, delta.Section)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("applying add: %w", err)
		}
		e.logger.Info("delta applied",
			zap.String("op", string(OpAdd)),
			zap.String("id", id))
		return id, nil

	case OpUpdate:
		if err := e.store.UpdateContent(ctx, delta.TargetID, delta.Content, delta.Section); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("applying update: %w", err)
		}
		e.logger.Info("delta applied",
			zap.String("op", string(OpUpdate)),
			zap.String("id", delta.TargetID))
		return delta.TargetID, nil

	case OpRemove:
		if _, err := e.store.Get(delta.TargetID); err != nil {
			return "", fmt.Errorf("applying remove: %w", err)
		}
		e.store.remove(delta.TargetID)
		e.logger.Info("delta applied",
			zap.String("op", string(OpRemove)),
			zap.String("id", delta.TargetID))
		return delta.TargetID, nil

	default:
		return "", fmt.Errorf("unknown delta op %q", delta.Op)
	}
}
