package playbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testVocab is the fixed vocabulary of the bag-of-words test embedder.
// Cosine similarity between two texts is |shared|/sqrt(|a|*|b|) over
// vocabulary word occurrences, which makes similarities easy to reason
// about: disjoint texts score 0.0, repeated-word variants score high.
var testVocab = []string{"deploy", "rollback", "cache", "index", "retry", "timeout", "batch", "log"}

// bagEmbedder embeds text as vocabulary word counts. Deterministic and
// reproducible, like a real embedder only for texts that share words.
type bagEmbedder struct{}

func (e *bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *bagEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func (e *bagEmbedder) embed(text string) []float32 {
	vec := make([]float32, len(testVocab))
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, v := range testVocab {
			if w == v {
				vec[i]++
			}
		}
	}
	return vec
}

// failingEmbedder always errors, for exercising embedding failure paths.
type failingEmbedder struct{}

func (e *failingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder unavailable")
}

func (e *failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedder unavailable")
}

// stubInsightSource returns a fixed insight or error.
type stubInsightSource struct {
	insight Insight
	err     error
	calls   int
}

func (s *stubInsightSource) GenerateInsight(ctx context.Context, event Event) (Insight, error) {
	s.calls++
	if s.err != nil {
		return Insight{}, s.err
	}
	return s.insight, nil
}

// flakyInsightSource fails the first n calls, then succeeds.
type flakyInsightSource struct {
	failures int
	insight  Insight
	calls    int
}

func (s *flakyInsightSource) GenerateInsight(ctx context.Context, event Event) (Insight, error) {
	s.calls++
	if s.calls <= s.failures {
		return Insight{}, fmt.Errorf("transient failure %d", s.calls)
	}
	return s.insight, nil
}

// failingCommitter rejects every commit.
type failingCommitter struct{ commits int }

func (c *failingCommitter) Commit(snap Snapshot) error {
	c.commits++
	return fmt.Errorf("disk full")
}

func (c *failingCommitter) Commits() int {
	return c.commits
}

// recordingCommitter captures the last committed snapshot. Safe for use
// from the worker goroutine.
type recordingCommitter struct {
	mu      sync.Mutex
	commits int
	last    Snapshot
}

func (c *recordingCommitter) Commit(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	c.last = snap
	return nil
}

func (c *recordingCommitter) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *recordingCommitter) Last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Dimension: len(testVocab)}, &bagEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	return store
}

// mustInsert inserts content and returns the new id.
func mustInsert(t *testing.T, store *Store, content, section string) string {
	t.Helper()
	id, err := store.Insert(context.Background(), content, section)
	require.NoError(t, err)
	return id
}
