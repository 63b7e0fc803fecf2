// Package memory provides the in-process job queue used by the single
// binary engine and by tests.
package memory

import (
	"context"
	"sync"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Queue is an unbounded in-memory FIFO with idle detection. A run is
// finished when no job is queued and none is executing; Run returns nil
// at that point. The queue is unbounded because handlers enqueue while
// executing, and a bounded channel would deadlock a worker enqueuing
// into its own full queue.
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	jobs        []crawl.Job
	outstanding int
	closed      bool
}

// New constructs an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job. The job counts as outstanding until its
// handler returns.
func (q *Queue) Enqueue(ctx context.Context, job crawl.Job) error {
	if err := ctx.Err(); err != nil {
		return &crawl.QueueError{Op: "enqueue", Err: err}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return &crawl.QueueError{Op: "enqueue", Err: context.Canceled}
	}
	q.jobs = append(q.jobs, job)
	q.outstanding++
	q.cond.Broadcast()
	return nil
}

// Run feeds jobs to the handler until the queue goes idle or the
// context ends. Multiple goroutines may call Run concurrently to form a
// worker pool; they all return once the job tree is exhausted.
func (q *Queue) Run(ctx context.Context, h crawl.Handler) error {
	stop := context.AfterFunc(ctx, q.cond.Broadcast)
	defer stop()

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && q.outstanding > 0 && !q.closed && ctx.Err() == nil {
			q.cond.Wait()
		}
		if ctx.Err() != nil || q.closed {
			q.mu.Unlock()
			return ctx.Err()
		}
		if len(q.jobs) == 0 && q.outstanding == 0 {
			q.mu.Unlock()
			return nil
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		err := h(ctx, job)

		q.mu.Lock()
		q.outstanding--
		q.cond.Broadcast()
		q.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// Outstanding reports queued plus executing jobs. Test helper.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Close wakes all waiters and rejects further enqueues.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
