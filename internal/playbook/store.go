package playbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// storeTracer for OpenTelemetry instrumentation.
var storeTracer = otel.Tracer("playbookd.playbook.store")

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// StoreConfig holds configuration for the bullet store.
type StoreConfig struct {
	// DedupThreshold is the cosine similarity above which a candidate is
	// considered a duplicate of an existing bullet. Fixed operating point,
	// not per-call. Default: 0.8.
	DedupThreshold float64

	// Dimension is the embedding dimension. Must match the embedder's
	// output. Default: 384 (bge-small-en-v1.5).
	Dimension int
}

// ApplyDefaults sets default values for unset fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.DedupThreshold == 0 {
		c.DedupThreshold = 0.8
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
}

// Validate validates the configuration.
func (c *StoreConfig) Validate() error {
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("dedup threshold must be in (0,1], got %v", c.DedupThreshold)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}

// Store is the authoritative bullet table plus its embedding index.
//
// The two live behind a single lock so that every mutation keeps them in
// 1:1 correspondence by id: a reader sees either the pre-write or the
// post-write state of a mutation, never an intermediate one. Reads
// (Search, Get, FindSimilar, Snapshot) take the read lock and may run
// concurrently; writes are serialized.
//
// Ids are allocated here and never reused, even after pruning.
type Store struct {
	mu       sync.RWMutex
	bullets  map[string]*Bullet
	index    *Index
	retired  map[string]struct{}
	embedder Embedder
	config   StoreConfig
	logger   *zap.Logger
}

// NewStore creates an empty store backed by the given embedder.
func NewStore(cfg StoreConfig, embedder Embedder, logger *zap.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating store config: %w", err)
	}

	ix, err := NewIndex(cfg.Dimension)
	if err != nil {
		return nil, err
	}

	return &Store{
		bullets:  make(map[string]*Bullet),
		index:    ix,
		retired:  make(map[string]struct{}),
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Insert adds a new bullet with zeroed counters and returns its fresh id.
// The content embedding is added to the index in the same critical section.
func (s *Store) Insert(ctx context.Context, content, section string) (string, error) {
	ctx, span := storeTracer.Start(ctx, "Store.Insert")
	defer span.End()

	if content == "" {
		return "", ErrEmptyContent
	}

	vec, err := s.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocateID()
	now := timeNow()
	if err := s.index.Add(id, vec[0]); err != nil {
		span.RecordError(err)
		return "", err
	}
	s.bullets[id] = &Bullet{
		ID:        id,
		Content:   content,
		Section:   section,
		CreatedAt: now,
		LastUsed:  now,
	}

	span.SetAttributes(attribute.String("bullet_id", id))
	span.SetStatus(codes.Ok, "success")

	s.logger.Info("bullet inserted",
		zap.String("id", id),
		zap.String("section", section),
		zap.Int("store_size", len(s.bullets)))

	return id, nil
}

// allocateID returns an id that has never been issued by this store.
// Caller must hold the write lock.
func (s *Store) allocateID() string {
	for {
		id := newBulletID()
		if _, live := s.bullets[id]; live {
			continue
		}
		if _, gone := s.retired[id]; gone {
			continue
		}
		return id
	}
}

// UpdateContent replaces the content and section of an existing bullet
// without touching its counters, re-embedding the new content.
func (s *Store) UpdateContent(ctx context.Context, id, content, section string) error {
	ctx, span := storeTracer.Start(ctx, "Store.UpdateContent")
	defer span.End()
	span.SetAttributes(attribute.String("bullet_id", id))

	if content == "" {
		return ErrEmptyContent
	}

	vec, err := s.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.index.Add(id, vec[0]); err != nil {
		span.RecordError(err)
		return err
	}
	b.Content = content
	if section != "" {
		b.Section = section
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("bullet updated", zap.String("id", id), zap.String("section", b.Section))
	return nil
}

// Increment adds 1 to the helpful or harmful counter of a bullet depending
// on polarity. Neutral polarity is a no-op. Returns ErrNotFound for
// unknown ids.
func (s *Store) Increment(id string, polarity Polarity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch polarity {
	case PolarityPositive:
		b.Helpful++
	case PolarityNegative:
		b.Harmful++
	default:
		return nil
	}
	b.LastUsed = timeNow()
	return nil
}

// FindSimilar checks candidate content against existing bullets and returns
// the closest match if its similarity meets the configured dedup threshold.
func (s *Store) FindSimilar(ctx context.Context, content string) (string, bool, error) {
	ctx, span := storeTracer.Start(ctx, "Store.FindSimilar")
	defer span.End()

	if content == "" {
		return "", false, ErrEmptyContent
	}

	vec, err := s.embedder.EmbedQuery(ctx, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index.Size() == 0 {
		return "", false, nil
	}
	hits, err := s.index.Search(vec, 1)
	if err != nil {
		return "", false, err
	}
	if len(hits) == 0 || float64(hits[0].Score) < s.config.DedupThreshold {
		return "", false, nil
	}

	span.SetAttributes(
		attribute.String("match_id", hits[0].ID),
		attribute.Float64("score", float64(hits[0].Score)),
	)
	return hits[0].ID, true, nil
}

// ScoredBullet pairs a bullet copy with its similarity score.
type ScoredBullet struct {
	Bullet Bullet
	Score  float32
}

// Search embeds the query and returns up to k bullets by similarity,
// resolved to their current content. Results carry value copies so callers
// never observe later mutations.
func (s *Store) Search(ctx context.Context, query string, k int) ([]ScoredBullet, error) {
	ctx, span := storeTracer.Start(ctx, "Store.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index.Size() == 0 {
		return []ScoredBullet{}, nil
	}
	hits, err := s.index.Search(vec, k)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredBullet, 0, len(hits))
	for _, h := range hits {
		b, ok := s.bullets[h.ID]
		if !ok {
			// Bijection violation; should be unreachable.
			s.logger.Error("indexed id missing from bullet table", zap.String("id", h.ID))
			continue
		}
		results = append(results, ScoredBullet{Bullet: *b, Score: h.Score})
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Get returns a copy of the bullet with the given id.
func (s *Store) Get(id string) (Bullet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bullets[id]
	if !ok {
		return Bullet{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *b, nil
}

// Size returns the number of live bullets.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bullets)
}

// IDs returns the ids of all live bullets in ascending order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.bullets))
	for id := range s.bullets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IndexSize returns the number of indexed vectors. Always equal to Size()
// outside of a write critical section.
func (s *Store) IndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Size()
}

// Stats summarizes the playbook.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalBullets: len(s.bullets),
		Sections:     make(map[string]int),
	}
	for _, b := range s.bullets {
		st.Sections[b.Section]++
		st.TotalHelpful += b.Helpful
		st.TotalHarmful += b.Harmful
	}
	if total := st.TotalHelpful + st.TotalHarmful; total > 0 {
		st.HelpfulRatio = float64(st.TotalHelpful) / float64(total)
	}
	return st
}

// Snapshot returns a full consistent copy of the store: bullets sorted by
// id, the vector cache, and the retired id list. ProcessedFeedback is left
// empty; the learning pipeline fills it from the counter updater.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bullets := make([]Bullet, 0, len(s.bullets))
	for _, b := range s.bullets {
		bullets = append(bullets, *b)
	}
	sort.Slice(bullets, func(i, j int) bool { return bullets[i].ID < bullets[j].ID })

	retired := make([]string, 0, len(s.retired))
	for id := range s.retired {
		retired = append(retired, id)
	}
	sort.Strings(retired)

	return Snapshot{
		Bullets: bullets,
		Vectors: s.index.Export(),
		Retired: retired,
		SavedAt: timeNow(),
	}
}

// Restore replaces the entire store state from a snapshot.
//
// When the snapshot's vector cache does not cover every bullet (missing or
// stale vectors artifact), all content is re-embedded: the bullet table is
// the source of truth and the index is always derivable from it.
func (s *Store) Restore(ctx context.Context, snap Snapshot) error {
	ctx, span := storeTracer.Start(ctx, "Store.Restore")
	defer span.End()
	span.SetAttributes(attribute.Int("bullets", len(snap.Bullets)))

	vectors := snap.Vectors
	if !vectorsCover(snap) {
		s.logger.Warn("vector cache incomplete, rebuilding index from bullet content",
			zap.Int("bullets", len(snap.Bullets)),
			zap.Int("vectors", len(snap.Vectors)))

		rebuilt, err := s.rebuildVectors(ctx, snap.Bullets)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		vectors = rebuilt
	} else {
		// Drop vectors for ids no longer present.
		trimmed := make(map[string][]float32, len(snap.Bullets))
		for _, b := range snap.Bullets {
			trimmed[b.ID] = vectors[b.ID]
		}
		vectors = trimmed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Reset(vectors); err != nil {
		span.RecordError(err)
		return err
	}

	bullets := make(map[string]*Bullet, len(snap.Bullets))
	for i := range snap.Bullets {
		b := snap.Bullets[i]
		bullets[b.ID] = &b
	}
	s.bullets = bullets

	retired := make(map[string]struct{}, len(snap.Retired))
	for _, id := range snap.Retired {
		retired[id] = struct{}{}
	}
	s.retired = retired

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("store restored",
		zap.Int("bullets", len(s.bullets)),
		zap.Int("vectors", s.index.Size()))
	return nil
}

// rebuildVectors re-embeds every bullet's content in one batch.
func (s *Store) rebuildVectors(ctx context.Context, bullets []Bullet) (map[string][]float32, error) {
	if len(bullets) == 0 {
		return map[string][]float32{}, nil
	}

	texts := make([]string, len(bullets))
	for i, b := range bullets {
		texts[i] = b.Content
	}
	embedded, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(embedded) != len(bullets) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts",
			ErrEmbedding, len(embedded), len(bullets))
	}

	vectors := make(map[string][]float32, len(bullets))
	for i, b := range bullets {
		vectors[b.ID] = embedded[i]
	}
	return vectors, nil
}

// vectorsCover reports whether the snapshot's vector cache has an entry for
// every bullet.
func vectorsCover(snap Snapshot) bool {
	if snap.Vectors == nil {
		return len(snap.Bullets) == 0
	}
	for _, b := range snap.Bullets {
		if _, ok := snap.Vectors[b.ID]; !ok {
			return false
		}
	}
	return true
}

// remove deletes a bullet and retires its id.
func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bullets[id]; !ok {
		return
	}
	delete(s.bullets, id)
	s.index.Remove(id)
	s.retired[id] = struct{}{}
}

// Prune removes bullets whose harmful count exceeds their helpful count and
// that are older than the grace period. Removed ids are retired and never
// reissued. Returns the removed ids in ascending order.
func (s *Store) Prune(ctx context.Context, grace time.Duration) []string {
	_, span := storeTracer.Start(ctx, "Store.Prune")
	defer span.End()

	cutoff := timeNow().Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, b := range s.bullets {
		if b.Harmful > b.Helpful && b.CreatedAt.Before(cutoff) {
			delete(s.bullets, id)
			s.index.Remove(id)
			s.retired[id] = struct{}{}
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	span.SetAttributes(attribute.Int("removed", len(removed)))
	if len(removed) > 0 {
		s.logger.Info("pruned harmful bullets",
			zap.Strings("ids", removed),
			zap.Int("remaining", len(s.bullets)))
	}
	return removed
}
