// Package memory provides an in-process job queue for development and
// testing. Submission is idempotent by task id; jobs carry a priority and
// an optional delay.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Queue is a bounded in-memory priority queue. It implements both the
// producer side (harvest.Queue) and the consumer side (harvest.Consumer).
type Queue struct {
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	wake    chan struct{}
	ready   jobHeap
	delayed map[string]*delayedJob
	seen    map[string]struct{}
	paused  bool
	closed  bool
	seq     uint64

	active    int
	completed int
	failed    int
}

// NewQueue constructs a queue holding at most capacity waiting jobs.
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		capacity: capacity,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		delayed:  make(map[string]*delayedJob),
		seen:     make(map[string]struct{}),
	}
}

// Submit enqueues a job keyed by its task id. A duplicate of a job already
// submitted is coalesced and reported as false with no error.
func (q *Queue) Submit(_ context.Context, job harvest.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, fmt.Errorf("queue is closed")
	}
	if _, dup := q.seen[job.TaskID]; dup {
		q.logger.Debug("duplicate job submission coalesced", zap.String("task_id", job.TaskID))
		return false, nil
	}
	if q.ready.Len()+len(q.delayed) >= q.capacity {
		return false, fmt.Errorf("queue is full (capacity %d)", q.capacity)
	}
	q.seen[job.TaskID] = struct{}{}

	if job.Delay > 0 {
		taskID := job.TaskID
		q.delayed[taskID] = &delayedJob{
			job:   job,
			timer: time.AfterFunc(job.Delay, func() { q.promote(taskID, job) }),
		}
		return true, nil
	}

	q.pushLocked(job)
	q.signalLocked()
	return true, nil
}

// promote moves a delayed job into the ready heap once its delay elapses.
func (q *Queue) promote(taskID string, job harvest.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.delayed[taskID]; !ok {
		// Drained or closed while the timer was pending.
		return
	}
	delete(q.delayed, taskID)
	q.pushLocked(job)
	q.signalLocked()
}

// Dequeue pops the highest-priority ready job, blocking until one is
// available, the queue closes, or the context ends. A paused queue holds
// jobs back without rejecting submissions.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return harvest.Job{}, fmt.Errorf("queue is closed")
		}
		if !q.paused && q.ready.Len() > 0 {
			job := heap.Pop(&q.ready).(*queuedJob).job
			q.active++
			// More jobs may remain; keep other waiters moving.
			q.signalLocked()
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return harvest.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		}
	}
}

// Done reports the outcome of a dequeued job. The task id is released so a
// later resubmission (e.g. a manual re-trigger) is possible.
func (q *Queue) Done(_ context.Context, job harvest.Job, failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if failed {
		q.failed++
	} else {
		q.completed++
	}
	delete(q.seen, job.TaskID)
}

// Stats reports queue counters.
func (q *Queue) Stats(_ context.Context) (harvest.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return harvest.QueueStats{
		Waiting:   q.ready.Len(),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   len(q.delayed),
	}, nil
}

// Pause holds ready jobs back from consumers.
func (q *Queue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.logger.Info("queue paused")
	return nil
}

// Resume releases held jobs to consumers.
func (q *Queue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.signalLocked()
	q.logger.Info("queue resumed")
	return nil
}

// Drain discards every waiting and delayed job and returns them so the
// caller can compensate (release reservations, terminate tasks). Active
// jobs finish normally.
func (q *Queue) Drain(_ context.Context) ([]harvest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []harvest.Job
	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*queuedJob)
		delete(q.seen, item.job.TaskID)
		dropped = append(dropped, item.job)
	}
	for taskID, held := range q.delayed {
		held.timer.Stop()
		delete(q.delayed, taskID)
		delete(q.seen, taskID)
		dropped = append(dropped, held.job)
	}
	q.logger.Info("queue drained", zap.Int("dropped", len(dropped)))
	return dropped, nil
}

// Close shuts the queue down; pending Dequeue calls return an error.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for taskID, held := range q.delayed {
		held.timer.Stop()
		delete(q.delayed, taskID)
	}
	close(q.wake)
}

func (q *Queue) pushLocked(job harvest.Job) {
	q.seq++
	heap.Push(&q.ready, &queuedJob{job: job, seq: q.seq})
}

// signalLocked nudges one blocked Dequeue without ever blocking the
// caller.
func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// delayedJob holds a not-yet-ready job together with its promotion timer
// so Drain can report what it dropped.
type delayedJob struct {
	job   harvest.Job
	timer *time.Timer
}

// queuedJob orders the heap by priority (higher first), then submission
// order.
type queuedJob struct {
	job harvest.Job
	seq uint64
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
