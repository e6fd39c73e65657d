package playbook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineFixture struct {
	store    *Store
	counters *CounterUpdater
	commit   *recordingCommitter
	source   InsightSource
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T, source InsightSource, opts ...PipelineOption) *pipelineFixture {
	t.Helper()

	store := newTestStore(t)
	deltas, err := NewDeltaEngine(store, zap.NewNop())
	require.NoError(t, err)
	counters, err := NewCounterUpdater(store, zap.NewNop())
	require.NoError(t, err)
	commit := &recordingCommitter{}

	p, err := NewPipeline(store, deltas, counters, commit, source, zap.NewNop(), opts...)
	require.NoError(t, err)
	p.sleep = func(time.Duration) {}

	return &pipelineFixture{
		store:    store,
		counters: counters,
		commit:   commit,
		source:   source,
		pipeline: p,
	}
}

func TestPipeline_NewBulletFromInsight(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &stubInsightSource{insight: Insight{
		Summary:          "deploy cache",
		Confidence:       0.9,
		SuggestedSection: "Success Patterns",
	}})
	used := mustInsert(t, f.store, "retry timeout", "")

	res, err := f.pipeline.Process(context.Background(), Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{used},
		Rating:        5,
		Polarity:      PolarityPositive,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 1, res.BulletsAdded)
	assert.Equal(t, 0, res.BulletsUpdated)

	// One new bullet with zero counters; the used bullet got its credit.
	assert.Equal(t, 2, f.store.Size())
	usedBullet, err := f.store.Get(used)
	require.NoError(t, err)
	assert.Equal(t, 1, usedBullet.Helpful)

	for _, id := range f.store.IDs() {
		if id == used {
			continue
		}
		b, err := f.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "deploy cache", b.Content)
		assert.Equal(t, "Success Patterns", b.Section)
		assert.Equal(t, 0, b.Helpful)
		assert.Equal(t, 0, b.Harmful)
	}

	require.Equal(t, 1, f.commit.Commits())
	assert.Len(t, f.commit.Last().Bullets, 2)
	assert.Equal(t, []string{"fb-1"}, f.commit.Last().ProcessedFeedback)
}

func TestPipeline_UpdatesSimilarBullet(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &stubInsightSource{insight: Insight{
		Summary:    "retry retry timeout",
		Confidence: 0.9,
	}})
	existing := mustInsert(t, f.store, "retry timeout", "Success Patterns")

	res, err := f.pipeline.Process(context.Background(), Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{existing},
		Polarity:      PolarityNegative,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.BulletsAdded)
	assert.Equal(t, 1, res.BulletsUpdated)

	assert.Equal(t, 1, f.store.Size())
	b, err := f.store.Get(existing)
	require.NoError(t, err)
	assert.Equal(t, "retry retry timeout", b.Content)
	assert.Equal(t, 1, b.Harmful)
}

func TestPipeline_LowConfidenceAborts(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &stubInsightSource{insight: Insight{
		Summary:    "deploy cache",
		Confidence: 0.4,
	}})
	used := mustInsert(t, f.store, "retry timeout", "")

	res, err := f.pipeline.Process(context.Background(), Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{used},
		Polarity:      PolarityPositive,
	})
	require.ErrorIs(t, err, ErrLowConfidence)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 0, res.BulletsAdded)

	// Gated insight leaves no trace: no new bullet, counters untouched,
	// nothing committed, event retryable.
	assert.Equal(t, 1, f.store.Size())
	b, err := f.store.Get(used)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Helpful)
	assert.Equal(t, 0, f.commit.Commits())
	assert.False(t, f.counters.Seen("fb-1"))
}

func TestPipeline_DuplicateFeedbackSkipped(t *testing.T) {
	t.Parallel()

	source := &stubInsightSource{insight: Insight{Summary: "deploy cache", Confidence: 0.9}}
	f := newPipelineFixture(t, source)

	event := Event{FeedbackID: "fb-1", Polarity: PolarityPositive}
	_, err := f.pipeline.Process(context.Background(), event)
	require.NoError(t, err)

	res, err := f.pipeline.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 0, res.BulletsAdded)

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, 1, f.commit.Commits())
	assert.Equal(t, 1, f.store.Size())
}

func TestPipeline_ReflectorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	source := &flakyInsightSource{
		failures: 2,
		insight:  Insight{Summary: "deploy cache", Confidence: 0.9},
	}
	f := newPipelineFixture(t, source)

	_, err := f.pipeline.Process(context.Background(), Event{FeedbackID: "fb-1", Polarity: PolarityPositive})
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
	assert.Equal(t, 1, f.store.Size())
}

func TestPipeline_ConfiguredRetryPolicy(t *testing.T) {
	t.Parallel()

	// Zero retries: a single transient failure aborts the event.
	source := &flakyInsightSource{
		failures: 1,
		insight:  Insight{Summary: "deploy cache", Confidence: 0.9},
	}
	f := newPipelineFixture(t, source, WithRetryPolicy(0, time.Millisecond))

	_, err := f.pipeline.Process(context.Background(), Event{FeedbackID: "fb-1", Polarity: PolarityPositive})
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Equal(t, 1, source.calls)

	// Four retries ride out three consecutive failures.
	source = &flakyInsightSource{
		failures: 3,
		insight:  Insight{Summary: "deploy cache", Confidence: 0.9},
	}
	f = newPipelineFixture(t, source, WithRetryPolicy(4, time.Millisecond))

	_, err = f.pipeline.Process(context.Background(), Event{FeedbackID: "fb-2", Polarity: PolarityPositive})
	require.NoError(t, err)
	assert.Equal(t, 4, source.calls)
}

func TestPipeline_ReflectorExhaustedAborts(t *testing.T) {
	t.Parallel()

	source := &stubInsightSource{err: fmt.Errorf("provider down")}
	f := newPipelineFixture(t, source)
	used := mustInsert(t, f.store, "retry timeout", "")

	res, err := f.pipeline.Process(context.Background(), Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{used},
		Polarity:      PolarityPositive,
	})
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Equal(t, StateAborted, res.State)
	require.ErrorIs(t, res.Err, ErrCollaborator)

	// Initial attempt plus two retries.
	assert.Equal(t, 3, source.calls)

	// Nothing committed, nothing mutated, event retryable.
	assert.Equal(t, 0, f.commit.Commits())
	assert.Equal(t, 1, f.store.Size())
	b, err := f.store.Get(used)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Helpful)
	assert.False(t, f.counters.Seen("fb-1"))
}

func TestPipeline_CommitFailureRollsBack(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	deltas, err := NewDeltaEngine(store, zap.NewNop())
	require.NoError(t, err)
	counters, err := NewCounterUpdater(store, zap.NewNop())
	require.NoError(t, err)
	commit := &failingCommitter{}
	source := &stubInsightSource{insight: Insight{Summary: "deploy cache", Confidence: 0.9}}

	p, err := NewPipeline(store, deltas, counters, commit, source, zap.NewNop())
	require.NoError(t, err)
	p.sleep = func(time.Duration) {}

	used := mustInsert(t, store, "retry timeout", "")
	require.NoError(t, store.Increment(used, PolarityPositive))

	_, err = p.Process(context.Background(), Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{used},
		Polarity:      PolarityPositive,
	})
	require.Error(t, err)

	// The added bullet is gone, counters are back, the feedback id may
	// be retried.
	assert.Equal(t, 1, store.Size())
	assert.Equal(t, 1, store.IndexSize())
	b, err := store.Get(used)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Helpful)
	assert.False(t, counters.Seen("fb-1"))
	assert.Equal(t, 1, commit.Commits())
}

func TestPipeline_AbortedEventCanBeRetried(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	deltas, err := NewDeltaEngine(store, zap.NewNop())
	require.NoError(t, err)
	counters, err := NewCounterUpdater(store, zap.NewNop())
	require.NoError(t, err)
	commit := &recordingCommitter{}
	source := &stubInsightSource{insight: Insight{Summary: "deploy cache", Confidence: 0.9}}

	p, err := NewPipeline(store, deltas, counters, &failingCommitter{}, source, zap.NewNop())
	require.NoError(t, err)
	p.sleep = func(time.Duration) {}

	event := Event{FeedbackID: "fb-1", Polarity: PolarityPositive}
	res, err := p.Process(context.Background(), event)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)

	// Same event through a healthy pipeline commits normally.
	p2, err := NewPipeline(store, deltas, counters, commit, source, zap.NewNop())
	require.NoError(t, err)
	p2.sleep = func(time.Duration) {}

	_, err = p2.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Size())
	assert.Equal(t, 1, commit.Commits())
	assert.True(t, counters.Seen("fb-1"))
}
