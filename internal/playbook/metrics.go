package playbook

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const playbookInstrumentationName = "github.com/fyrsmithlabs/playbookd/internal/playbook"

// Metrics holds all playbook-related metrics.
type Metrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	eventDuration metric.Float64Histogram
	events        metric.Int64Counter
	retrievals    metric.Int64Counter
	resultCount   metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance for the playbook engine.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(playbookInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.eventDuration, err = m.meter.Float64Histogram(
		"playbookd.feedback.event_duration_seconds",
		metric.WithDescription("End-to-end duration of a feedback event through the learning pipeline, labeled by outcome (committed, aborted)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create event duration histogram", zap.Error(err))
	}

	m.events, err = m.meter.Int64Counter(
		"playbookd.feedback.events_total",
		metric.WithDescription("Total feedback events by outcome (committed, aborted)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create events counter", zap.Error(err))
	}

	m.retrievals, err = m.meter.Int64Counter(
		"playbookd.retrieval.requests_total",
		metric.WithDescription("Total retrieval requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retrievals counter", zap.Error(err))
	}

	m.resultCount, err = m.meter.Int64Histogram(
		"playbookd.retrieval.result_count",
		metric.WithDescription("Number of bullets returned per retrieval after track-record filtering"),
		metric.WithUnit("{bullet}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 10, 25),
	)
	if err != nil {
		m.logger.Warn("failed to create result count histogram", zap.Error(err))
	}
}

// RecordEvent records the outcome and duration of one feedback event.
func (m *Metrics) RecordEvent(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.events != nil {
		m.events.Add(ctx, 1, attrs)
	}
	if m.eventDuration != nil {
		m.eventDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordRetrieval records one retrieval request and its result size.
func (m *Metrics) RecordRetrieval(ctx context.Context, results int) {
	if m.retrievals != nil {
		m.retrievals.Add(ctx, 1)
	}
	if m.resultCount != nil {
		m.resultCount.Record(ctx, int64(results))
	}
}
