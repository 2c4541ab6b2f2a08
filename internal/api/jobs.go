package api

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/docuwise/rag"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("ingest queue is full")

// Queue runs background ingestion jobs on a bounded number of workers.
type Queue struct {
	jobs    chan string
	workers int
	process func(ctx context.Context, fileID string) error
	logger  rag.Logger
}

// NewQueue returns a queue holding up to backlog pending file ids.
func NewQueue(workers, backlog int, process func(ctx context.Context, fileID string) error, logger rag.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 64
	}
	return &Queue{
		jobs:    make(chan string, backlog),
		workers: workers,
		process: process,
		logger:  logger,
	}
}

// Submit enqueues fileID without blocking.
func (q *Queue) Submit(fileID string) error {
	select {
	case q.jobs <- fileID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is done, then waits for running jobs.
// A failed job is logged and does not stop the queue.
func (q *Queue) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(q.workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case id := <-q.jobs:
			g.Go(func() error {
				if err := q.process(ctx, id); err != nil {
					q.logger.Error("Background ingestion failed", "file_id", id, "error", err)
				}
				return nil
			})
		}
	}
}
