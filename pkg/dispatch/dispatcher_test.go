package dispatch

import (
	"os"
	"testing"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 2}, retry, testLogger())
	registry := NewRegistry(pool, retry, testLogger())
	queue := NewQueue(QueueConfig{MaxConcurrent: 2}, testLogger())
	balancer := NewBalancer(registry, pool, nil)
	runner := NewRunner(pool, balancer, retry, testLogger())
	return NewDispatcher(registry, pool, balancer, queue, runner, testLogger())
}

func TestDispatcher_CreateRejectsUnknownPlatform(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Create("amiga", "main.py", t.TempDir(), PriorityMedium, BuildConfig{}); err == nil {
		t.Fatal("expected an error for an unsupported platform")
	}
}

func TestDispatcher_CreateAndStatus(t *testing.T) {
	d := newTestDispatcher(t)
	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := d.Status(job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.State != StatePending {
		t.Fatalf("expected a freshly created job to be PENDING, got %s", snap.State)
	}
}

func TestDispatcher_CancelPendingJob(t *testing.T) {
	d := newTestDispatcher(t)
	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := d.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := d.Cancel(job.ID); err != ErrJobTerminal {
		t.Fatalf("expected ErrJobTerminal cancelling an already-cancelled job, got %v", err)
	}
}

func TestDispatcher_StatusUnknownJob(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Status("nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown job id")
	}
}

func TestDispatcher_CleanupRejectsNonTerminalJob(t *testing.T) {
	d := newTestDispatcher(t)
	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := d.Cleanup(job.ID); err == nil {
		t.Fatal("expected Cleanup to refuse a pending (non-terminal) job")
	}
}

func TestDispatcher_CleanupRemovesArtifactDirAndRecord(t *testing.T) {
	d := newTestDispatcher(t)
	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	artifact := t.TempDir()
	job.Transition(func(j *Job) {
		j.State = StateSuccess
		j.ArtifactPath = artifact
	})
	d.queue.MarkDone(job)

	if err := d.Cleanup(job.ID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("expected the artifact directory to be removed, stat err=%v", err)
	}
	if _, ok := d.queue.Get(job.ID); ok {
		t.Fatal("expected the Job record to be forgotten after Cleanup")
	}
}

func TestDispatcher_CleanupIsIdempotentForTerminalJob(t *testing.T) {
	d := newTestDispatcher(t)
	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job.Transition(func(j *Job) { j.State = StateFailed })
	d.queue.MarkDone(job)

	if err := d.Cleanup(job.ID); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := d.Cleanup(job.ID); err != nil {
		t.Fatalf("expected a second Cleanup of an already-removed job to be a no-op, got %v", err)
	}
}

func TestDispatcher_RegisterAndDeregisterWorker(t *testing.T) {
	d := newTestDispatcher(t)
	w := Worker{Name: "w1", Kind: KindUnix, Conn: ConnConfig{Host: "h", Port: 22}}
	if err := d.RegisterWorker(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.DeregisterWorker(t.Context(), "w1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
}
