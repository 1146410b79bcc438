package dispatch

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// queueItem is one heap entry: ordered by (-priority, createdAt) so
// higher Priority values dequeue first and ties break FIFO, matching
// original_source/core/builder/manager.py's TaskQueue ordering.
type queueItem struct {
	job   *Job
	index int
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].job.Priority, h[j].job.Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the bounded-concurrency priority task queue (§4.6), grounded
// on original_source/core/builder/manager.py's TaskQueue: a priority
// heap feeding a bounded set of concurrently running jobs.
type Queue struct {
	cfg    QueueConfig
	logger *Logger

	mu      sync.Mutex
	pending jobHeap
	running map[string]*Job
	done    map[string]*Job
}

// NewQueue constructs a Queue with the configured concurrency cap
// (default 3, matching the source's default max_concurrent).
func NewQueue(cfg QueueConfig, logger *Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	q := &Queue{
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]*Job),
		done:    make(map[string]*Job),
	}
	heap.Init(&q.pending)
	return q
}

// Submit enqueues a job for later dispatch.
func (q *Queue) Submit(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pending, &queueItem{job: job})
}

// Next pops the highest-priority pending job if the running set has
// spare capacity, skipping (and discarding, per the REDESIGN FLAG fix
// for the source's stale-task bug) any job that was cancelled while it
// sat in the queue. Returns nil if nothing is eligible to run right now.
func (q *Queue) Next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) >= q.cfg.MaxConcurrent {
		return nil
	}

	for q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*queueItem)
		job := item.job
		if job.CurrentState() == StateCancelled {
			q.done[job.ID] = job
			continue
		}
		q.running[job.ID] = job
		return job
	}
	return nil
}

// MarkDone moves a job from running to the completed set. Safe to call
// for a job that was never tracked as running (e.g. cancelled pre-dequeue).
func (q *Queue) MarkDone(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, job.ID)
	q.done[job.ID] = job
}

// Get returns a tracked job by ID, searching pending, running, and done.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.running[id]; ok {
		return job, true
	}
	if job, ok := q.done[id]; ok {
		return job, true
	}
	for _, item := range q.pending {
		if item.job.ID == id {
			return item.job, true
		}
	}
	return nil, false
}

// Delete forgets a job's record entirely (Dispatcher.Cleanup, spec
// §4.7's Cleanup). Deleting a job that is still running, or still pending
// and not yet terminal, is refused so in-flight work is never silently
// lost; a terminal job still sitting in the pending heap (e.g. cancelled
// before dispatch) is removed from it. Deleting one already forgotten, or
// never tracked, is a no-op to keep Cleanup idempotent.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[id]; ok {
		return fmt.Errorf("cannot delete job %q: still running", id)
	}
	for i, item := range q.pending {
		if item.job.ID == id {
			if !item.job.CurrentState().Terminal() {
				return fmt.Errorf("cannot delete job %q: still pending", id)
			}
			heap.Remove(&q.pending, i)
			break
		}
	}
	delete(q.done, id)
	return nil
}

// RunningByWorker counts jobs currently running on the named worker,
// feeding the Balancer's running-tasks requirement gate (spec §4.5:
// running-tasks >= 10 excludes a candidate).
func (q *Queue) RunningByWorker(name string) int {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.running))
	for _, job := range q.running {
		jobs = append(jobs, job)
	}
	q.mu.Unlock()

	n := 0
	for _, job := range jobs {
		if job.Snapshot().AssignedWorker == name {
			n++
		}
	}
	return n
}

// Status is the queue-wide snapshot returned by QueueStatus.
type Status struct {
	Pending       int
	Running       int
	Completed     int
	MaxConcurrent int
}

// QueueStatus reports the current pending/running/completed counts.
func (q *Queue) QueueStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending:       q.pending.Len(),
		Running:       len(q.running),
		Completed:     len(q.done),
		MaxConcurrent: q.cfg.MaxConcurrent,
	}
}

// PollInterval is how often a Dispatcher owner loop should call Next
// when nothing was eligible on the previous attempt.
func (q *Queue) PollInterval() time.Duration {
	if q.cfg.PollInterval <= 0 {
		return time.Second
	}
	return q.cfg.PollInterval
}
