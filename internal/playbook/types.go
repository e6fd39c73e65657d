package playbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for playbook operations.
var (
	ErrNotFound          = errors.New("bullet not found")
	ErrEmptyContent      = errors.New("bullet content cannot be empty")
	ErrEmptyQuery        = errors.New("query cannot be empty")
	ErrInvalidInsight    = errors.New("invalid insight")
	ErrLowConfidence     = errors.New("insight confidence below threshold")
	ErrEmbedding         = errors.New("embedding generation failed")
	ErrPersistence       = errors.New("persistence commit failed")
	ErrCollaborator      = errors.New("external collaborator failure")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Polarity classifies feedback as positive, negative, or neutral.
type Polarity string

const (
	// PolarityPositive indicates the response was rated helpful.
	PolarityPositive Polarity = "positive"

	// PolarityNegative indicates the response was rated harmful or wrong.
	PolarityNegative Polarity = "negative"

	// PolarityNeutral indicates middling feedback that moves no counters.
	PolarityNeutral Polarity = "neutral"
)

// PolarityFromRating derives a polarity from a 1-5 rating.
// Ratings of 4 or above are positive, 2 or below are negative.
func PolarityFromRating(rating float64) Polarity {
	switch {
	case rating >= 4:
		return PolarityPositive
	case rating <= 2:
		return PolarityNegative
	default:
		return PolarityNeutral
	}
}

// Bullet is a single reusable strategy entry in the playbook.
//
// Bullets are created by the learning pipeline when an insight has no
// near-duplicate in the store, and updated in place when it does. The
// helpful/harmful counters track how often the bullet contributed to a
// positively vs. negatively rated response; they only ever increase.
type Bullet struct {
	// ID is the unique bullet identifier ("ctx-" + 8 hex chars).
	// IDs are never reused, even after a bullet is pruned.
	ID string `json:"id"`

	// Content is the strategy text.
	Content string `json:"content"`

	// Section is the grouping label (e.g., "Success Patterns").
	Section string `json:"section"`

	// Helpful counts positively rated responses this bullet was used in.
	Helpful int `json:"helpful"`

	// Harmful counts negatively rated responses this bullet was used in.
	Harmful int `json:"harmful"`

	// CreatedAt is when the bullet was first added.
	CreatedAt time.Time `json:"created_at"`

	// LastUsed is when a counter for this bullet last moved.
	LastUsed time.Time `json:"last_used"`
}

// newBulletID allocates a fresh bullet id in the "ctx-xxxxxxxx" form.
func newBulletID() string {
	return "ctx-" + uuid.NewString()[:8]
}

// Insight is the structured output of the external Reflector: a summary of
// why a response succeeded or failed, with a confidence score.
type Insight struct {
	// Summary is the actionable strategy distilled from the feedback.
	Summary string `json:"summary"`

	// Confidence is the Reflector's self-assessed reliability, 0.0-1.0.
	Confidence float64 `json:"confidence"`

	// SuggestedSection is the section this insight belongs in, if any.
	SuggestedSection string `json:"suggested_section,omitempty"`

	// Polarity indicates whether this insight comes from positive or
	// negative feedback.
	Polarity Polarity `json:"polarity"`
}

// Validate checks the structural contract of an insight.
func (in Insight) Validate() error {
	if in.Summary == "" {
		return fmt.Errorf("%w: empty summary", ErrInvalidInsight)
	}
	if in.Confidence < 0.0 || in.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidInsight, in.Confidence)
	}
	return nil
}

// Op identifies the kind of mutation a Delta carries.
type Op string

const (
	// OpAdd creates a new bullet.
	OpAdd Op = "ADD"

	// OpUpdate replaces the content and section of an existing bullet.
	OpUpdate Op = "UPDATE"

	// OpRemove deletes a bullet. Only the pruning extension emits it.
	OpRemove Op = "REMOVE"
)

// Delta is a concrete store mutation resolved from an insight.
type Delta struct {
	// Op is the mutation kind.
	Op Op `json:"op"`

	// TargetID is the bullet to mutate. Set only for OpUpdate and OpRemove.
	TargetID string `json:"target_id,omitempty"`

	// Content is the bullet content for OpAdd and OpUpdate.
	Content string `json:"content,omitempty"`

	// Section is the grouping label for OpAdd and OpUpdate.
	Section string `json:"section,omitempty"`
}

// Event is one feedback event joined with the chat record it refers to.
// It is the unit of work consumed by the learning pipeline.
type Event struct {
	// FeedbackID identifies the answered request this feedback is about.
	FeedbackID string `json:"feedback_id"`

	// Question and Response are the original exchange.
	Question string `json:"question"`
	Response string `json:"response"`

	// UsedBulletIDs lists the bullets retrieved for the answer, in order.
	// Duplicates are possible and each occurrence counts.
	UsedBulletIDs []string `json:"used_bullet_ids"`

	// Rating is the numeric user rating (1-5).
	Rating float64 `json:"rating"`

	// Comment is the free-text user feedback.
	Comment string `json:"comment,omitempty"`

	// Polarity is derived from Rating via PolarityFromRating.
	Polarity Polarity `json:"polarity"`
}

// InsightSource turns an answered request plus its feedback into an Insight.
//
// Implementations are external collaborators (LLM-backed reflectors with
// provider fallback). The pipeline treats any error as an
// ErrCollaborator-class failure and aborts the learning run.
type InsightSource interface {
	GenerateInsight(ctx context.Context, ev Event) (Insight, error)
}

// Embedder generates vector embeddings from text.
//
// The store uses the same embedder for indexing bullet content, for
// deduplication checks, and (via Retrieval) for query embedding, so all
// comparisons happen in one vector space.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Snapshot is a full, consistent copy of the playbook state: every bullet,
// every vector, the processed-feedback set, and the retired id list.
//
// The bullet table is the source of truth; Vectors is a derived cache that
// can always be rebuilt by re-embedding bullet content.
type Snapshot struct {
	// Bullets holds every live bullet, sorted by ascending id.
	Bullets []Bullet `json:"bullets"`

	// Vectors maps bullet id to its embedding. May be empty after a load
	// in which the vector artifact was missing or stale.
	Vectors map[string][]float32 `json:"-"`

	// ProcessedFeedback lists feedback ids whose counter updates have
	// already been applied, for idempotent reprocessing.
	ProcessedFeedback []string `json:"processed_feedback"`

	// Retired lists ids of pruned bullets so they are never reissued.
	Retired []string `json:"retired,omitempty"`

	// SavedAt is when the snapshot was taken.
	SavedAt time.Time `json:"saved_at"`
}

// Stats summarizes the playbook for operators.
type Stats struct {
	TotalBullets int            `json:"total_bullets"`
	Sections     map[string]int `json:"sections"`
	TotalHelpful int            `json:"total_helpful"`
	TotalHarmful int            `json:"total_harmful"`
	HelpfulRatio float64        `json:"helpful_ratio"`
}
