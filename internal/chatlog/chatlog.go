// Package chatlog holds recent chat exchanges awaiting feedback.
//
// Records are ephemeral. They exist so a later feedback submission can be
// joined back to the question, response, and the bullets that informed it.
// The store is bounded; once full, the oldest record is evicted.
package chatlog

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRecords bounds the store when no limit is configured.
const DefaultMaxRecords = 1024

// ErrNotFound is returned when no record exists for a feedback id.
var ErrNotFound = errors.New("chatlog: record not found")

// Record is one chat exchange awaiting feedback.
type Record struct {
	FeedbackID    string    `json:"feedback_id"`
	Question      string    `json:"question"`
	Response      string    `json:"response"`
	UsedBulletIDs []string  `json:"used_bullet_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is a bounded in-memory record store keyed by feedback id.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
	max     int
	logger  *zap.Logger
}

// NewStore creates a Store holding at most max records.
// max <= 0 selects DefaultMaxRecords.
func NewStore(max int, logger *zap.Logger) *Store {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records: make(map[string]Record),
		max:     max,
		logger:  logger,
	}
}

// Add stores a new exchange and returns its feedback id.
func (s *Store) Add(question, response string, usedBulletIDs []string) string {
	id := uuid.NewString()[:8]

	rec := Record{
		FeedbackID:    id,
		Question:      question,
		Response:      response,
		UsedBulletIDs: append([]string(nil), usedBulletIDs...),
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
		s.logger.Debug("evicted chat record", zap.String("feedback_id", oldest))
	}

	s.records[id] = rec
	s.order = append(s.order, id)
	return id
}

// Get returns the record for a feedback id.
func (s *Store) Get(feedbackID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[feedbackID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Remove deletes the record for a feedback id. Unknown ids are ignored.
func (s *Store) Remove(feedbackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[feedbackID]; !ok {
		return
	}
	delete(s.records, feedbackID)
	for i, id := range s.order {
		if id == feedbackID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
