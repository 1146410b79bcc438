package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunner_RunSucceeds(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: time.Second}, retry, testLogger())

	ft := newFakeTransport()
	_ = ft.Connect(context.Background())
	worker := &Worker{Name: "w1", Kind: KindUnix}
	lease := &LeaseableTransport{Worker: worker, Transport: ft, lastHealthCheck: time.Now()}
	pool.Add(KindUnix, lease)

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write workspace file: %v", err)
	}

	job := &Job{
		ID:          "build_linux_main_1",
		Platform:    "linux",
		EntryScript: "main.py",
		Workspace:   workspace,
		Config:      BuildConfig{Builder: BuilderPyInstaller, Name: "main"},
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	runner := NewRunner(pool, nil, retry, testLogger())
	runner.Run(context.Background(), job, KindUnix)

	snap := job.Snapshot()
	if snap.State != StateSuccess {
		t.Fatalf("expected success, got state=%s error=%s", snap.State, snap.Error)
	}
	if snap.UploadedFiles != 1 {
		t.Fatalf("expected 1 uploaded file, got %d", snap.UploadedFiles)
	}
	if snap.StartedAt.IsZero() {
		t.Fatal("expected StartedAt to be recorded")
	}
	if snap.EndedAt.IsZero() {
		t.Fatal("expected EndedAt to be recorded on success")
	}
	if snap.EndedAt.Before(snap.StartedAt) {
		t.Fatalf("expected EndedAt (%v) not to precede StartedAt (%v)", snap.EndedAt, snap.StartedAt)
	}
}

func TestRunner_RunFailsOnUnimplementedBuilder(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: time.Second}, retry, testLogger())

	ft := newFakeTransport()
	_ = ft.Connect(context.Background())
	worker := &Worker{Name: "w1", Kind: KindUnix}
	lease := &LeaseableTransport{Worker: worker, Transport: ft, lastHealthCheck: time.Now()}
	pool.Add(KindUnix, lease)

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "main.py"), []byte("pass"), 0o644); err != nil {
		t.Fatalf("write workspace file: %v", err)
	}

	job := &Job{
		ID:          "build_linux_main_2",
		Platform:    "linux",
		EntryScript: "main.py",
		Workspace:   workspace,
		Config:      BuildConfig{Builder: BuilderCxFreeze, Name: "main"},
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	runner := NewRunner(pool, nil, retry, testLogger())
	runner.Run(context.Background(), job, KindUnix)

	snap := job.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected failure for an unimplemented builder, got %s", snap.State)
	}
	if snap.EndedAt.IsZero() {
		t.Fatal("expected EndedAt to be recorded on failure")
	}
}

func TestRunner_RunUsesBalancerToChooseWorker(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "idle", "busy")

	setSample(t, registry, "idle", HealthSample{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5})
	setSample(t, registry, "busy", HealthSample{CPUPercent: 95, MemoryPercent: 95, DiskPercent: 95})

	balancer := NewBalancer(registry, pool, nil)

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write workspace file: %v", err)
	}

	job := &Job{
		ID:          "build_linux_main_4",
		Platform:    "linux",
		EntryScript: "main.py",
		Workspace:   workspace,
		Config:      BuildConfig{Builder: BuilderPyInstaller, Name: "main"},
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	runner := NewRunner(pool, balancer, retry, testLogger())
	runner.Run(context.Background(), job, KindUnix)

	snap := job.Snapshot()
	if snap.State != StateSuccess {
		t.Fatalf("expected success, got state=%s error=%s", snap.State, snap.Error)
	}
	if snap.AssignedWorker != "idle" {
		t.Fatalf("expected the balancer to pick the lightly-loaded worker, got %q", snap.AssignedWorker)
	}
}

func TestRunner_RunFailsWhenBalancerFindsNoEligibleWorker(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "overloaded")
	setSample(t, registry, "overloaded", HealthSample{CPUPercent: 95, MemoryPercent: 95, DiskPercent: 95})

	balancer := NewBalancer(registry, pool, nil)

	job := &Job{
		ID:        "build_linux_main_5",
		Platform:  "linux",
		Workspace: t.TempDir(),
		Config:    BuildConfig{Builder: BuilderPyInstaller, Name: "main"},
		CreatedAt: time.Now(),
		State:     StatePending,
	}

	runner := NewRunner(pool, balancer, retry, testLogger())
	runner.Run(context.Background(), job, KindUnix)

	snap := job.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected failure when no worker meets requirements, got %s", snap.State)
	}
}

func TestRunner_RunHonorsPreexistingCancellation(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: time.Second}, retry, testLogger())

	ft := newFakeTransport()
	_ = ft.Connect(context.Background())
	worker := &Worker{Name: "w1", Kind: KindUnix}
	lease := &LeaseableTransport{Worker: worker, Transport: ft, lastHealthCheck: time.Now()}
	pool.Add(KindUnix, lease)

	job := &Job{
		ID:        "build_linux_main_3",
		Platform:  "linux",
		Workspace: t.TempDir(),
		Config:    BuildConfig{Builder: BuilderPyInstaller, Name: "main"},
		CreatedAt: time.Now(),
		State:     StatePending,
	}
	job.Transition(func(j *Job) { j.State = StateCancelled })

	runner := NewRunner(pool, nil, retry, testLogger())
	runner.Run(context.Background(), job, KindUnix)

	snap := job.Snapshot()
	if snap.State != StateCancelled {
		t.Fatalf("expected cancellation to be preserved, got %s", snap.State)
	}
	if snap.EndedAt.IsZero() {
		t.Fatal("expected EndedAt to be recorded on cancellation")
	}
}

// TestRunner_CancelDuringUploadNeverResurrectsState pins invariant 5 ("no
// Job transitions out of a terminal state"): a Cancel landing while a
// phase is in flight must not let the next phase's transition overwrite
// CANCELLED with BUILDING/DOWNLOADING.
func TestRunner_CancelDuringUploadNeverResurrectsState(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: time.Second}, retry, testLogger())

	ft := newFakeTransport()
	_ = ft.Connect(context.Background())
	started := make(chan struct{})
	block := make(chan struct{})
	ft.mu.Lock()
	ft.execStarted, ft.execBlock = started, block
	ft.mu.Unlock()

	worker := &Worker{Name: "w1", Kind: KindUnix}
	lease := &LeaseableTransport{Worker: worker, Transport: ft, lastHealthCheck: time.Now()}
	pool.Add(KindUnix, lease)

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write workspace file: %v", err)
	}

	job := &Job{
		ID:          "build_linux_main_6",
		Platform:    "linux",
		EntryScript: "main.py",
		Workspace:   workspace,
		Config:      BuildConfig{Builder: BuilderPyInstaller, Name: "main"},
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	runner := NewRunner(pool, nil, retry, testLogger())
	done := make(chan struct{})
	go func() {
		runner.Run(context.Background(), job, KindUnix)
		close(done)
	}()

	<-started // upload phase is blocked inside its first Exec (the sha256sum probe)
	job.Transition(func(j *Job) { j.State = StateCancelled })
	close(block) // let the upload's Exec return; build/verify/download still queued

	<-done

	if snap := job.Snapshot(); snap.State != StateCancelled {
		t.Fatalf("expected the cancellation to survive the remaining phases, got %s", snap.State)
	}
}
