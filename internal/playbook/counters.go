package playbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// CounterUpdater applies feedback counter increments to the bullets an
// answer actually used, at most once per feedback id. The processed set
// is part of persisted state so redelivered feedback stays a no-op across
// restarts.
type CounterUpdater struct {
	mu        sync.Mutex
	store     *Store
	processed map[string]struct{}
	logger    *zap.Logger
}

// NewCounterUpdater creates a counter updater over the given store.
func NewCounterUpdater(store *Store, logger *zap.Logger) (*CounterUpdater, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterUpdater{
		store:     store,
		processed: make(map[string]struct{}),
		logger:    logger,
	}, nil
}

// Apply increments counters on every bullet listed in the event according
// to its polarity. A feedback id seen before is skipped entirely.
// Unknown bullet ids are logged and skipped; they do not fail the event.
// Neutral polarity marks the event processed without touching counters.
func (u *CounterUpdater) Apply(event Event) error {
	if event.FeedbackID == "" {
		return fmt.Errorf("feedback id cannot be empty")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, seen := u.processed[event.FeedbackID]; seen {
		u.logger.Debug("feedback already processed, skipping",
			zap.String("feedback_id", event.FeedbackID))
		return nil
	}

	for _, id := range event.UsedBulletIDs {
		if err := u.store.Increment(id, event.Polarity); err != nil {
			if errors.Is(err, ErrNotFound) {
				u.logger.Warn("feedback references unknown bullet",
					zap.String("feedback_id", event.FeedbackID),
					zap.String("bullet_id", id))
				continue
			}
			return err
		}
	}
	u.processed[event.FeedbackID] = struct{}{}

	u.logger.Info("feedback counters applied",
		zap.String("feedback_id", event.FeedbackID),
		zap.String("polarity", string(event.Polarity)),
		zap.Int("bullets", len(event.UsedBulletIDs)))
	return nil
}

// Seen reports whether a feedback id has already been processed.
func (u *CounterUpdater) Seen(feedbackID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.processed[feedbackID]
	return ok
}

// Forget removes a feedback id from the processed set. Used by the
// pipeline when rolling back a failed event so a retry is not treated as
// a duplicate.
func (u *CounterUpdater) Forget(feedbackID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.processed, feedbackID)
}

// ProcessedIDs returns the processed feedback ids in ascending order.
func (u *CounterUpdater) ProcessedIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]string, 0, len(u.processed))
	for id := range u.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RestoreProcessed replaces the processed set, typically from a loaded
// snapshot.
func (u *CounterUpdater) RestoreProcessed(ids []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.processed = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		u.processed[id] = struct{}{}
	}
}
