package reflector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// ErrAllSourcesFailed is returned when every source in the chain failed.
var ErrAllSourcesFailed = errors.New("reflector: all insight sources failed")

// Chain tries insight sources in order until one succeeds. It lets a
// cheap local model front a remote one, or a primary provider fall back
// to a secondary during outages.
type Chain struct {
	sources []playbook.InsightSource
	logger  *zap.Logger
}

// NewChain creates an ordered fallback chain. At least one source is
// required.
func NewChain(logger *zap.Logger, sources ...playbook.InsightSource) (*Chain, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{sources: sources, logger: logger}, nil
}

// GenerateInsight returns the first successful insight. Failures short of
// the last source are logged and skipped; context cancellation stops the
// chain immediately.
func (c *Chain) GenerateInsight(ctx context.Context, event playbook.Event) (playbook.Insight, error) {
	var errs []error
	for i, source := range c.sources {
		if err := ctx.Err(); err != nil {
			return playbook.Insight{}, err
		}

		insight, err := source.GenerateInsight(ctx, event)
		if err == nil {
			return insight, nil
		}
		errs = append(errs, err)
		c.logger.Warn("insight source failed, trying next",
			zap.Int("source", i),
			zap.String("feedback_id", event.FeedbackID),
			zap.Error(err))
	}
	return playbook.Insight{}, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}
