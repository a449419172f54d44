package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aspor-platform/extraction-engine/internal/repository"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("run queue closed")

// Queue feeds submitted runs to a fixed pool of workers, each driving one
// run at a time with ProcessRun. Distinct runs proceed fully in parallel;
// the per-run no-op guard in the engine keeps duplicate enqueues harmless.
type Queue struct {
	engine *Engine
	jobs   chan uuid.UUID
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue builds the queue and starts its workers.
func NewQueue(ctx context.Context, engine *Engine, workers, size int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}

	q := &Queue{
		engine: engine,
		jobs:   make(chan uuid.UUID, size),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	return q
}

// Enqueue schedules a run for processing. It blocks while the queue is full
// until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	// The read lock is held across the send so Shutdown cannot close the
	// channel underneath a blocked sender. Workers keep draining until the
	// channel closes, so held sends always complete.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for in-flight runs until ctx
// expires.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("engine.queue.shutdown_timeout")
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for runID := range q.jobs {
		if ctx.Err() != nil {
			return
		}
		if err := q.engine.ProcessRun(ctx, runID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			// Stage failures are already recorded on the run; this log is
			// the worker's only concern with them.
			q.logger.Warn("engine.queue.run_failed", "worker", id, "run_id", runID, "error", err)
		}
	}
}
