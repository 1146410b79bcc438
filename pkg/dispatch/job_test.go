package dispatch

import "testing"

func TestNextJobID_MonotonicAcrossCalls(t *testing.T) {
	first := NextJobID("linux", "main.py")
	second := NextJobID("linux", "main.py")
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
}

func TestNextJobID_UsesEntryScriptBasename(t *testing.T) {
	id := NextJobID("windows", "src/app/entry.py")
	if id == "" {
		t.Fatal("expected a non-empty id")
	}
	// the directory component must not leak into the id
	if want := "build_windows_entry.py_"; len(id) <= len(want) || id[:len(want)] != want {
		t.Fatalf("expected id to start with %q, got %q", want, id)
	}
}

func TestState_Terminal(t *testing.T) {
	cases := map[State]bool{
		StatePending:     false,
		StateUploading:   false,
		StateBuilding:    false,
		StateDownloading: false,
		StateSuccess:     true,
		StateFailed:      true,
		StateCancelled:   true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Errorf("State(%s).Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestJob_TransitionIsSerializedUnderConcurrentAccess(t *testing.T) {
	job := &Job{ID: "build_linux_main_test", State: StatePending}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			job.Transition(func(j *Job) { j.Progress++ })
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		job.Transition(func(j *Job) { j.Progress++ })
	}
	<-done

	if snap := job.Snapshot(); snap.Progress != 2000 {
		t.Fatalf("expected 2000 serialized increments, got %v", snap.Progress)
	}
}
