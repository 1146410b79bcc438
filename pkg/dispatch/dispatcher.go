package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Dispatcher is the single entry point for job submission and worker
// administration (§4.8), grounded on
// original_source/core/builder/manager.py's BuildManager: it owns job
// creation, delegates placement to the Balancer, scheduling to the
// Queue, and execution to per-job Runners.
type Dispatcher struct {
	registry *Registry
	pool     *Pool
	balancer *Balancer
	queue    *Queue
	runner   *Runner
	logger   *Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobKind  map[string]Kind
	jobCancel map[string]context.CancelFunc
}

// NewDispatcher wires the components together. Callers construct
// Registry/Pool/Balancer/Queue/Runner themselves (each has its own
// grounding and config) and hand them here.
func NewDispatcher(registry *Registry, pool *Pool, balancer *Balancer, queue *Queue, runner *Runner, logger *Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:  registry,
		pool:      pool,
		balancer:  balancer,
		queue:     queue,
		runner:    runner,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		jobKind:   make(map[string]Kind),
		jobCancel: make(map[string]context.CancelFunc),
	}
}

// Start launches the dispatch loop that pulls eligible jobs off the
// Queue and assigns them to a Runner goroutine.
func (d *Dispatcher) Start() {
	d.pool.Start()
	d.wg.Add(1)
	go d.dispatchLoop()
}

// Stop cancels all in-flight jobs and waits for the dispatch loop to
// exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.pool.Close()
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.queue.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for {
				job := d.queue.Next()
				if job == nil {
					break
				}
				d.runJob(job)
			}
		}
	}
}

func (d *Dispatcher) runJob(job *Job) {
	d.mu.Lock()
	kind := d.jobKind[job.ID]
	d.mu.Unlock()

	jobCtx, cancel := context.WithCancel(d.ctx)
	d.mu.Lock()
	d.jobCancel[job.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.jobCancel, job.ID)
			delete(d.jobKind, job.ID)
			d.mu.Unlock()
			cancel()
			d.queue.MarkDone(job)
		}()
		d.runner.Run(jobCtx, job, kind)
	}()
}

// Create builds a new Job for platform/entryScript, selects an eligible
// worker kind (but not a specific worker — that is the Balancer's job at
// dispatch time), and submits it to the Queue.
func (d *Dispatcher) Create(platform, entryScript, workspace string, priority Priority, cfg BuildConfig) (*Job, error) {
	kind, ok := PlatformKind(platform)
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}

	job := &Job{
		ID:          NextJobID(platform, entryScript),
		Platform:    platform,
		Priority:    priority,
		EntryScript: entryScript,
		Workspace:   workspace,
		Config:      cfg,
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	d.mu.Lock()
	d.jobKind[job.ID] = kind
	d.mu.Unlock()

	d.queue.Submit(job)
	d.logger.Info("job created", "job_id", job.ID, "platform", platform, "priority", priority)
	return job, nil
}

// Status returns a job's current snapshot.
func (d *Dispatcher) Status(jobID string) (Snapshot, error) {
	job, ok := d.queue.Get(jobID)
	if !ok {
		return Snapshot{}, fmt.Errorf("job %q not found", jobID)
	}
	return job.Snapshot(), nil
}

// Cancel marks a job cancelled. A pending job is discarded the next time
// the Queue dequeues it; a running job's cancellation is observed at the
// next phase boundary by its Runner.
func (d *Dispatcher) Cancel(jobID string) error {
	job, ok := d.queue.Get(jobID)
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	if job.CurrentState().Terminal() {
		return ErrJobTerminal
	}

	job.Transition(func(j *Job) { j.State = StateCancelled })

	d.mu.Lock()
	cancel, running := d.jobCancel[jobID]
	d.mu.Unlock()
	if running {
		cancel()
	}
	return nil
}

// Cleanup implements spec §4.7/§4.8's Cleanup for a terminal job: it
// removes the worker-side directories via Runner.RemoteCleanup, removes
// the local artifact directory, and forgets the Job record entirely. It
// does not release the worker lease itself; the lease is returned to the
// pool only by Run's deferred Release. It is idempotent for a terminal job — a job
// that was already cleaned up, or never tracked, is treated as
// already-clean rather than an error.
func (d *Dispatcher) Cleanup(jobID string) error {
	job, ok := d.queue.Get(jobID)
	if !ok {
		return nil
	}
	snap := job.Snapshot()
	if !snap.State.Terminal() {
		return fmt.Errorf("cannot clean up job %q: not yet terminal", jobID)
	}

	if snap.AssignedWorker != "" {
		if lease, ok := d.registry.Lease(snap.AssignedWorker); ok {
			if err := d.runner.RemoteCleanup(d.ctx, job, lease.Transport); err != nil {
				d.logger.Warn("remote cleanup failed", "job_id", jobID, "worker", snap.AssignedWorker, "error", err)
			}
		}
	}

	if snap.ArtifactPath != "" {
		if err := os.RemoveAll(snap.ArtifactPath); err != nil {
			return fmt.Errorf("remove artifact directory: %w", err)
		}
	}

	d.mu.Lock()
	cancel, running := d.jobCancel[jobID]
	delete(d.jobCancel, jobID)
	delete(d.jobKind, jobID)
	d.mu.Unlock()
	if running {
		cancel()
	}

	return d.queue.Delete(jobID)
}

// QueueStatus reports the queue-wide pending/running/completed counts.
func (d *Dispatcher) QueueStatus() Status {
	return d.queue.QueueStatus()
}

// ClusterStatus reports the current status of every connected worker.
func (d *Dispatcher) ClusterStatus() []WorkerStatus {
	return d.balancer.ClusterStatus()
}

// RegisterWorker adds a new worker to the registry without connecting it.
func (d *Dispatcher) RegisterWorker(w Worker) error {
	return d.registry.Add(w)
}

// DeregisterWorker disconnects and removes a worker.
func (d *Dispatcher) DeregisterWorker(ctx context.Context, name string) error {
	return d.registry.Remove(ctx, name)
}

// ConnectWorker dials a registered worker and makes it available to the
// pool.
func (d *Dispatcher) ConnectWorker(ctx context.Context, name string) error {
	return d.registry.Connect(ctx, name)
}

// DisconnectWorker tears down a worker's live connection.
func (d *Dispatcher) DisconnectWorker(ctx context.Context, name string) error {
	return d.registry.Disconnect(ctx, name)
}
