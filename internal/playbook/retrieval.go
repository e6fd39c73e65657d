package playbook

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var retrievalTracer = otel.Tracer("playbookd.playbook.retrieval")

// DefaultTopK is the number of bullets returned when the caller does not
// specify one.
const DefaultTopK = 3

// Retriever answers similarity queries against the store, filtering out
// bullets whose track record has gone negative.
type Retriever struct {
	store    *Store
	logger   *zap.Logger
	metrics  *Metrics
	defaultK int
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverMetrics attaches metrics recording.
func WithRetrieverMetrics(m *Metrics) RetrieverOption {
	return func(r *Retriever) { r.metrics = m }
}

// WithTopK sets the result count used when a query does not specify one.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.defaultK = k
		}
	}
}

// NewRetriever creates a retriever over the given store.
func NewRetriever(store *Store, logger *zap.Logger, opts ...RetrieverOption) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retriever{store: store, logger: logger, defaultK: DefaultTopK}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve returns up to k bullets relevant to the query, ordered by
// similarity descending with ties broken by ascending id. Bullets with
// more harmful than helpful marks are excluded before the cut, so a
// filtered bullet never displaces an eligible one.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]ScoredBullet, error) {
	ctx, span := retrievalTracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = r.defaultK
	}
	span.SetAttributes(attribute.Int("k", k))

	// Over-fetch so that filtering does not starve the result set.
	hits, err := r.store.Search(ctx, query, k+r.store.Size())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]ScoredBullet, 0, k)
	for _, h := range hits {
		if h.Bullet.Harmful > h.Bullet.Helpful {
			continue
		}
		results = append(results, h)
		if len(results) == k {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.RecordRetrieval(ctx, len(results))
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")

	r.logger.Debug("retrieved bullets",
		zap.Int("requested", k),
		zap.Int("returned", len(results)))
	return results, nil
}
