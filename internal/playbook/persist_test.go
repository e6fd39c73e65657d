package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPersister(t *testing.T) *Persister {
	t.Helper()
	p, err := NewPersister(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestPersister_CommitLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	id := mustInsert(t, store, "retry timeout", "Success Patterns")
	require.NoError(t, store.Increment(id, PolarityPositive))

	snap := store.Snapshot()
	snap.ProcessedFeedback = []string{"fb-1"}

	p := newTestPersister(t)
	require.NoError(t, p.Commit(snap))

	loaded, err := p.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Bullets, 1)
	assert.Equal(t, id, loaded.Bullets[0].ID)
	assert.Equal(t, "retry timeout", loaded.Bullets[0].Content)
	assert.Equal(t, 1, loaded.Bullets[0].Helpful)
	assert.Equal(t, []string{"fb-1"}, loaded.ProcessedFeedback)
	require.Contains(t, loaded.Vectors, id)

	// The loaded snapshot must restore into a working store without
	// re-embedding.
	fresh, err := NewStore(StoreConfig{Dimension: len(testVocab)}, &failingEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(context.Background(), loaded))
	assert.Equal(t, 1, fresh.Size())
}

func TestPersister_LoadEmptyDir(t *testing.T) {
	t.Parallel()

	p := newTestPersister(t)
	snap, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Bullets)
	assert.Nil(t, snap.Vectors)
}

func TestPersister_WritesAllThreeArtifacts(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustInsert(t, store, "retry timeout", "Success Patterns")

	p := newTestPersister(t)
	require.NoError(t, p.Commit(store.Snapshot()))

	for _, name := range []string{"metadata.json", "playbook.md", "vectors.gob"} {
		_, err := os.Stat(filepath.Join(p.Dir(), name))
		assert.NoError(t, err, name)
	}

	// No stray temp files after a clean commit.
	entries, err := os.ReadDir(p.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPersister_CorruptVectorsTriggersRebuild(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	id := mustInsert(t, store, "retry timeout", "")

	p := newTestPersister(t)
	require.NoError(t, p.Commit(store.Snapshot()))

	require.NoError(t, os.WriteFile(filepath.Join(p.Dir(), "vectors.gob"), []byte("not gob"), 0o644))

	loaded, err := p.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Bullets, 1)
	assert.Nil(t, loaded.Vectors)

	// Restore re-embeds from metadata.
	fresh := newTestStore(t)
	require.NoError(t, fresh.Restore(context.Background(), loaded))
	results, err := fresh.Search(context.Background(), "retry timeout", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Bullet.ID)
}

func TestPersister_MissingVectorsTolerated(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustInsert(t, store, "retry timeout", "")

	p := newTestPersister(t)
	require.NoError(t, p.Commit(store.Snapshot()))
	require.NoError(t, os.Remove(filepath.Join(p.Dir(), "vectors.gob")))

	loaded, err := p.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Bullets, 1)
	assert.Nil(t, loaded.Vectors)
}

func TestPersister_CorruptMetadataIsAnError(t *testing.T) {
	t.Parallel()

	p := newTestPersister(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir(), "metadata.json"), []byte("{broken"), 0o644))

	_, err := p.Load()
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestPersister_MarkdownRendering(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	a := mustInsert(t, store, "retry timeout", "Success Patterns")
	require.NoError(t, store.Increment(a, PolarityPositive))
	mustInsert(t, store, "deploy cache", "General Strategies")

	p := newTestPersister(t)
	require.NoError(t, p.Commit(store.Snapshot()))

	md, err := os.ReadFile(filepath.Join(p.Dir(), "playbook.md"))
	require.NoError(t, err)

	text := string(md)
	assert.Contains(t, text, "# Playbook")
	assert.Contains(t, text, "## Success Patterns")
	assert.Contains(t, text, "## General Strategies")
	assert.Contains(t, text, "(helpful=1 harmful=0) retry timeout")
	assert.Contains(t, text, a)
}

func TestPersister_CommitOverwritesPreviousGeneration(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustInsert(t, store, "retry timeout", "")

	p := newTestPersister(t)
	require.NoError(t, p.Commit(store.Snapshot()))

	mustInsert(t, store, "deploy cache", "")
	require.NoError(t, p.Commit(store.Snapshot()))

	loaded, err := p.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Bullets, 2)
	assert.Len(t, loaded.Vectors, 2)
}
