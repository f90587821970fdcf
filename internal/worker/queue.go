// Package worker serializes pipeline work. Update cycles and removal
// requests from the API, the periodic ticker and crash recovery all
// funnel through one queue with one worker, so no two cycles ever run
// concurrently and a burst of triggers collapses into a bounded backlog.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// JobKind selects the pipeline operation a job runs.
type JobKind string

const (
	// JobUpdate runs one full update cycle.
	JobUpdate JobKind = "update"
	// JobRemoveAll wipes every entry and resets the filtering process.
	JobRemoveAll JobKind = "remove_all"
)

type Job struct {
	Kind JobKind
	// Requested tags where the job came from, for the logs.
	Requested string
}

var ErrQueueClosed = errors.New("worker: queue closed")
var ErrQueueFull = errors.New("worker: queue full")

// ErrQueueNotStarted says the queue should be started before work
var ErrQueueNotStarted = errors.New("worker: queue not started")

// Handler runs one job to completion.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// Queue runs jobs strictly one at a time.
type Queue struct {
	handler Handler
	jobs    chan Job
	logger  *zap.Logger

	started atomic.Bool
	closed  atomic.Bool

	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}
}

func NewQueue(handler Handler, backlog int, logger *zap.Logger) (*Queue, error) {
	if handler == nil {
		return nil, errors.New("worker: required handler")
	}
	if backlog <= 0 {
		backlog = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		handler: handler,
		jobs:    make(chan Job, backlog),
		logger:  logger,

		done: make(chan struct{}),
	}, nil
}

// Start launches the worker. ctx bounds every job it runs; cancel it
// before Stop for a prompt shutdown.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		// its started
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.wg.Add(1)
	go q.run(ctx)
	return nil
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.wg.Wait()
	})
}

// Submit enqueues a job without blocking. The jobs channel is never
// closed; shutdown is signalled through done only, so a send can never
// panic on a stopped queue.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if !q.started.Load() {
		return ErrQueueNotStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			// Run down jobs accepted before the stop, then exit.
			for {
				select {
				case job := <-q.jobs:
					q.handle(ctx, job)
				default:
					return
				}
			}
		case job := <-q.jobs:
			q.handle(ctx, job)
		}
	}
}

func (q *Queue) handle(ctx context.Context, job Job) {
	if err := q.handler.Handle(ctx, job); err != nil {
		q.logger.Error("job failed",
			zap.String("kind", string(job.Kind)),
			zap.String("requested", job.Requested),
			zap.Error(err),
		)
	}
}
