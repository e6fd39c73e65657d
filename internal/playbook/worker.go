package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the feedback queue. Submissions beyond it are
// rejected rather than blocking the caller.
const DefaultQueueSize = 64

// ErrQueueFull is returned when the feedback queue cannot accept more
// events.
var ErrQueueFull = fmt.Errorf("feedback queue full")

// Worker drains feedback events onto the pipeline from a single
// goroutine, making it the only writer of playbook state. Submission is
// fire-and-forget: callers get queue admission, not processing results.
type Worker struct {
	pipeline *Pipeline
	queue    chan Event
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	queueSize int
}

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) WorkerOption {
	return func(c *workerConfig) { c.queueSize = n }
}

// NewWorker creates a worker over the given pipeline.
func NewWorker(pipeline *Pipeline, logger *zap.Logger, opts ...WorkerOption) (*Worker, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := workerConfig{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", cfg.queueSize)
	}

	return &Worker{
		pipeline: pipeline,
		queue:    make(chan Event, cfg.queueSize),
		logger:   logger,
	}, nil
}

// Start launches the processing goroutine. Starting a running worker is
// an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	go w.loop(ctx, w.stopCh, w.done)
	w.logger.Info("feedback worker started", zap.Int("queue_capacity", cap(w.queue)))
	return nil
}

// Stop signals the worker and waits for the in-flight event to finish.
// Queued but unprocessed events are dropped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("feedback worker stopped", zap.Int("dropped", len(w.queue)))
}

// Submit enqueues an event if the worker is running and the queue has
// room. It never blocks.
func (w *Worker) Submit(event Event) error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return fmt.Errorf("worker not running")
	}

	select {
	case w.queue <- event:
		return nil
	default:
		w.logger.Warn("feedback queue full, rejecting event",
			zap.String("feedback_id", event.FeedbackID))
		return ErrQueueFull
	}
}

// QueueDepth returns the number of events waiting to be processed.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

func (w *Worker) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-w.queue:
			w.process(ctx, event)
		}
	}
}

// process runs one event, containing panics so a single bad event cannot
// kill the worker.
func (w *Worker) process(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic processing feedback event",
				zap.String("feedback_id", event.FeedbackID),
				zap.Any("panic", r))
		}
	}()

	res, err := w.pipeline.Process(ctx, event)
	if errors.Is(err, ErrLowConfidence) {
		w.logger.Info("feedback event dropped below confidence gate",
			zap.String("feedback_id", event.FeedbackID))
		return
	}
	if err != nil {
		w.logger.Error("feedback event aborted",
			zap.String("feedback_id", event.FeedbackID),
			zap.Error(err))
		return
	}
	w.logger.Debug("feedback event processed",
		zap.String("feedback_id", event.FeedbackID),
		zap.String("state", res.State),
		zap.Int("bullets_added", res.BulletsAdded),
		zap.Int("bullets_updated", res.BulletsUpdated),
		zap.Duration("duration", res.Duration))
}
