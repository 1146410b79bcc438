package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServer_CreateTask(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	body, _ := json.Marshal(createTaskRequest{
		Platform:    "linux",
		EntryScript: "main.py",
		Workspace:   t.TempDir(),
		Config:      BuildConfig{Name: "main"},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var created envelope
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !created.Success {
		t.Fatalf("expected success, got error %q", created.Error)
	}
}

func TestServer_TaskStatusUnknownID(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServer_DeleteTaskRejectsPendingJob(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+job.ID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 cleaning up a still-pending job, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_DeleteTaskRemovesTerminalJob(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	job, err := d.Create("linux", "main.py", t.TempDir(), PriorityMedium, BuildConfig{Name: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job.Transition(func(j *Job) { j.State = StateFailed })
	d.queue.MarkDone(job)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+job.ID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := d.Status(job.ID); err == nil {
		t.Fatal("expected the job to be gone after cleanup")
	}
}

func TestServer_QueueStatus(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	req := httptest.NewRequest(http.MethodGet, "/tasks/queue", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_ListBuilders(t *testing.T) {
	d := newTestHTTPDispatcher(t)
	srv := NewServer(d)

	req := httptest.NewRequest(http.MethodGet, "/builders", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !env.Success {
		t.Fatalf("expected success listing builders, got error %q", env.Error)
	}
}

func newTestHTTPDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 2}, retry, testLogger())
	registry := NewRegistry(pool, retry, testLogger())
	queue := NewQueue(QueueConfig{MaxConcurrent: 2}, testLogger())
	balancer := NewBalancer(registry, pool, nil)
	runner := NewRunner(pool, balancer, retry, testLogger())
	return NewDispatcher(registry, pool, balancer, queue, runner, testLogger())
}
