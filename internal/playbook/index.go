package playbook

import (
	"fmt"
	"math"
	"sort"
)

// Scored is a single nearest-neighbor hit.
type Scored struct {
	ID    string
	Score float32
}

// Index is an in-memory cosine-similarity index over bullet embeddings.
//
// Vectors are normalized on insert so similarity reduces to a dot product.
// Search results are ordered by descending score with ties broken by
// ascending id, so identical queries against an unchanged index always
// return identical orderings.
//
// Index does no locking of its own; the Store serializes all access.
type Index struct {
	dimension int
	vectors   map[string][]float32
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}
	return &Index{
		dimension: dimension,
		vectors:   make(map[string][]float32),
	}, nil
}

// Add inserts or replaces the vector for id.
func (ix *Index) Add(id string, vector []float32) error {
	if id == "" {
		return fmt.Errorf("index: id cannot be empty")
	}
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(vector), ix.dimension)
	}
	ix.vectors[id] = normalize(vector)
	return nil
}

// Remove deletes the vector for id. Removing an absent id is a no-op.
func (ix *Index) Remove(id string) {
	delete(ix.vectors, id)
}

// Has reports whether a vector is indexed for id.
func (ix *Index) Has(id string) bool {
	_, ok := ix.vectors[id]
	return ok
}

// Size returns the number of indexed vectors.
func (ix *Index) Size() int {
	return len(ix.vectors)
}

// IDs returns all indexed ids in ascending order.
func (ix *Index) IDs() []string {
	ids := make([]string, 0, len(ix.vectors))
	for id := range ix.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Search returns the k ids most similar to the query vector, ordered by
// descending score, ties by ascending id. Returns fewer than k results when
// the index holds fewer vectors.
func (ix *Index) Search(query []float32, k int) ([]Scored, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(query), ix.dimension)
	}
	if k <= 0 {
		return nil, fmt.Errorf("index: k must be positive, got %d", k)
	}

	q := normalize(query)
	hits := make([]Scored, 0, len(ix.vectors))
	for id, vec := range ix.vectors {
		hits = append(hits, Scored{ID: id, Score: dot(q, vec)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// Export returns a copy of the indexed vectors, keyed by id.
func (ix *Index) Export() map[string][]float32 {
	out := make(map[string][]float32, len(ix.vectors))
	for id, vec := range ix.vectors {
		cp := make([]float32, len(vec))
		copy(cp, vec)
		out[id] = cp
	}
	return out
}

// Reset discards all vectors and repopulates the index from the given map.
// Used for full rebuilds when loading a snapshot.
func (ix *Index) Reset(vectors map[string][]float32) error {
	fresh := make(map[string][]float32, len(vectors))
	for id, vec := range vectors {
		if len(vec) != ix.dimension {
			return fmt.Errorf("%w: vector for %s has %d dims, index expects %d",
				ErrDimensionMismatch, id, len(vec), ix.dimension)
		}
		fresh[id] = normalize(vec)
	}
	ix.vectors = fresh
	return nil
}

// normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
