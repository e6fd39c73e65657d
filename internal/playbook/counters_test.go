package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCounters(t *testing.T, store *Store) *CounterUpdater {
	t.Helper()
	u, err := NewCounterUpdater(store, zap.NewNop())
	require.NoError(t, err)
	return u
}

func TestCounterUpdater_AppliesToUsedBullets(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "")
	b := mustInsert(t, store, "deploy cache", "")
	c := mustInsert(t, store, "index batch", "")
	u := newTestCounters(t, store)

	err := u.Apply(Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{a, b, c},
		Polarity:      PolarityPositive,
	})
	require.NoError(t, err)

	for _, id := range []string{a, b, c} {
		bullet, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, 1, bullet.Helpful, "bullet %s", id)
		assert.Equal(t, 0, bullet.Harmful, "bullet %s", id)
	}
}

func TestCounterUpdater_Idempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "")
	u := newTestCounters(t, store)

	event := Event{FeedbackID: "fb-1", UsedBulletIDs: []string{a}, Polarity: PolarityPositive}
	require.NoError(t, u.Apply(event))
	require.NoError(t, u.Apply(event))
	require.NoError(t, u.Apply(event))

	b, err := store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Helpful)
	assert.True(t, u.Seen("fb-1"))
}

func TestCounterUpdater_DistinctFeedbackAccumulates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "")
	u := newTestCounters(t, store)

	require.NoError(t, u.Apply(Event{FeedbackID: "fb-1", UsedBulletIDs: []string{a}, Polarity: PolarityPositive}))
	require.NoError(t, u.Apply(Event{FeedbackID: "fb-2", UsedBulletIDs: []string{a}, Polarity: PolarityPositive}))
	require.NoError(t, u.Apply(Event{FeedbackID: "fb-3", UsedBulletIDs: []string{a}, Polarity: PolarityNegative}))

	b, err := store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Helpful)
	assert.Equal(t, 1, b.Harmful)
}

func TestCounterUpdater_UnknownBulletSkipped(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "")
	u := newTestCounters(t, store)

	err := u.Apply(Event{
		FeedbackID:    "fb-1",
		UsedBulletIDs: []string{"ctx-gone0000", a},
		Polarity:      PolarityPositive,
	})
	require.NoError(t, err)

	b, err := store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Helpful)
	assert.True(t, u.Seen("fb-1"))
}

func TestCounterUpdater_NeutralMarksProcessed(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "")
	u := newTestCounters(t, store)

	require.NoError(t, u.Apply(Event{FeedbackID: "fb-1", UsedBulletIDs: []string{a}, Polarity: PolarityNeutral}))

	b, err := store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Helpful)
	assert.Equal(t, 0, b.Harmful)
	assert.True(t, u.Seen("fb-1"))
}

func TestCounterUpdater_EmptyFeedbackID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	u := newTestCounters(t, store)
	assert.Error(t, u.Apply(Event{Polarity: PolarityPositive}))
}

func TestCounterUpdater_ProcessedRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	u := newTestCounters(t, store)

	require.NoError(t, u.Apply(Event{FeedbackID: "fb-b", Polarity: PolarityNeutral}))
	require.NoError(t, u.Apply(Event{FeedbackID: "fb-a", Polarity: PolarityNeutral}))

	assert.Equal(t, []string{"fb-a", "fb-b"}, u.ProcessedIDs())

	other := newTestCounters(t, store)
	other.RestoreProcessed(u.ProcessedIDs())
	assert.True(t, other.Seen("fb-a"))
	assert.True(t, other.Seen("fb-b"))
	assert.False(t, other.Seen("fb-c"))

	other.Forget("fb-a")
	assert.False(t, other.Seen("fb-a"))
}
