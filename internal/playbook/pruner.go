package playbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pruner periodically removes bullets whose harmful count has overtaken
// their helpful count, once they are past a grace period. Disabled unless
// explicitly started.
type Pruner struct {
	store    *Store
	counters *CounterUpdater
	persist  Committer
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewPruner creates a pruner. Interval and grace must be positive.
func NewPruner(store *Store, counters *CounterUpdater, persist Committer, interval, grace time.Duration, logger *zap.Logger) (*Pruner, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if counters == nil {
		return nil, fmt.Errorf("counter updater cannot be nil")
	}
	if persist == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	if grace <= 0 {
		return nil, fmt.Errorf("grace must be positive, got %v", grace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pruner{
		store:    store,
		counters: counters,
		persist:  persist,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}, nil
}

// Start launches the pruning loop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pruner already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, p.stopCh, p.done)
	p.logger.Info("pruner started",
		zap.Duration("interval", p.interval),
		zap.Duration("grace", p.grace))
	return nil
}

// Stop halts the pruning loop and waits for any in-flight sweep.
func (p *Pruner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
	p.logger.Info("pruner stopped")
}

func (p *Pruner) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass and persists the result if anything was
// removed.
func (p *Pruner) Sweep(ctx context.Context) {
	removed := p.store.Prune(ctx, p.grace)
	if len(removed) == 0 {
		return
	}

	snap := p.store.Snapshot()
	snap.ProcessedFeedback = p.counters.ProcessedIDs()
	if err := p.persist.Commit(snap); err != nil {
		p.logger.Error("persisting after prune failed", zap.Error(err))
	}
}
