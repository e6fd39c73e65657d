package playbook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDeltaEngine(t *testing.T, store *Store, opts ...DeltaOption) *DeltaEngine {
	t.Helper()
	e, err := NewDeltaEngine(store, zap.NewNop(), opts...)
	require.NoError(t, err)
	return e
}

func TestDeltaEngine_ConfidenceGate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store)
	ctx := context.Background()

	_, err := e.Resolve(ctx, Insight{Summary: "retry timeout", Confidence: 0.4})
	assert.ErrorIs(t, err, ErrLowConfidence)

	delta, err := e.Resolve(ctx, Insight{Summary: "retry timeout", Confidence: 0.5})
	require.NoError(t, err)
	assert.Equal(t, OpAdd, delta.Op)
}

func TestDeltaEngine_ResolveAddWhenNoMatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustInsert(t, store, "deploy cache", "")
	e := newTestDeltaEngine(t, store)

	delta, err := e.Resolve(context.Background(), Insight{
		Summary:          "retry timeout",
		Confidence:       0.9,
		SuggestedSection: "Success Patterns",
	})
	require.NoError(t, err)
	assert.Equal(t, OpAdd, delta.Op)
	assert.Empty(t, delta.TargetID)
	assert.Equal(t, "retry timeout", delta.Content)
	assert.Equal(t, "Success Patterns", delta.Section)
}

func TestDeltaEngine_ResolveUpdateWhenSimilar(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	existing := mustInsert(t, store, "retry timeout", "Success Patterns")
	e := newTestDeltaEngine(t, store)

	delta, err := e.Resolve(context.Background(), Insight{
		Summary:    "retry retry timeout",
		Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, delta.Op)
	assert.Equal(t, existing, delta.TargetID)
	assert.Equal(t, "retry retry timeout", delta.Content)
}

func TestDeltaEngine_ResolveDeterministic(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustInsert(t, store, "retry timeout", "")
	e := newTestDeltaEngine(t, store)

	insight := Insight{Summary: "retry retry timeout", Confidence: 0.7}
	first, err := e.Resolve(context.Background(), insight)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Resolve(context.Background(), insight)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeltaEngine_DefaultSection(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store)

	delta, err := e.Resolve(context.Background(), Insight{Summary: "retry timeout", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, DefaultSection, delta.Section)
}

func TestDeltaEngine_CustomDefaultSection(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store, WithDefaultSection("Deployment"))

	delta, err := e.Resolve(context.Background(), Insight{Summary: "retry timeout", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "Deployment", delta.Section)

	// A suggested section still wins over the configured default.
	delta, err = e.Resolve(context.Background(), Insight{
		Summary:          "deploy cache",
		Confidence:       0.9,
		SuggestedSection: "Caching",
	})
	require.NoError(t, err)
	assert.Equal(t, "Caching", delta.Section)
}

func TestDeltaEngine_InvalidInsight(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store)
	ctx := context.Background()

	_, err := e.Resolve(ctx, Insight{Summary: "", Confidence: 0.9})
	assert.ErrorIs(t, err, ErrInvalidInsight)

	_, err = e.Resolve(ctx, Insight{Summary: "retry", Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidInsight)
}

func TestDeltaEngine_CustomThreshold(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store, WithMinConfidence(0.8))

	_, err := e.Resolve(context.Background(), Insight{Summary: "retry timeout", Confidence: 0.7})
	assert.ErrorIs(t, err, ErrLowConfidence)
}

func TestDeltaEngine_ApplyAdd(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store)

	id, err := e.Apply(context.Background(), Delta{Op: OpAdd, Content: "retry timeout", Section: "Success Patterns"})
	require.NoError(t, err)

	b, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "retry timeout", b.Content)
	assert.Equal(t, 0, b.Helpful)
	assert.Equal(t, 0, b.Harmful)
}

func TestDeltaEngine_ApplyUpdatePreservesCounters(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	id := mustInsert(t, store, "retry timeout", "Success Patterns")
	require.NoError(t, store.Increment(id, PolarityPositive))
	e := newTestDeltaEngine(t, store)

	got, err := e.Apply(context.Background(), Delta{Op: OpUpdate, TargetID: id, Content: "retry retry timeout"})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	b, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "retry retry timeout", b.Content)
	assert.Equal(t, 1, b.Helpful)
	assert.Equal(t, 1, store.Size())
}

func TestDeltaEngine_ApplyRemove(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	id := mustInsert(t, store, "retry timeout", "")
	e := newTestDeltaEngine(t, store)

	got, err := e.Apply(context.Background(), Delta{Op: OpRemove, TargetID: id})
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, 0, store.Size())

	_, err = e.Apply(context.Background(), Delta{Op: OpRemove, TargetID: id})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeltaEngine_ApplyUnknownOp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	e := newTestDeltaEngine(t, store)

	_, err := e.Apply(context.Background(), Delta{Op: Op("MERGE")})
	assert.Error(t, err)
}
