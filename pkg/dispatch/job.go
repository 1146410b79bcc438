package dispatch

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Priority orders jobs within the task queue; higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// State is a Job's position in the Runner state machine (§4.7).
type State string

const (
	StatePending     State = "PENDING"
	StateUploading   State = "UPLOADING"
	StateBuilding    State = "BUILDING"
	StateDownloading State = "DOWNLOADING"
	StateSuccess     State = "SUCCESS"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether a state is one of the Job's exit states.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// BuilderKind selects the packaging tool used to build a job.
type BuilderKind string

const (
	BuilderPyInstaller BuilderKind = "pyinstaller"
	BuilderCxFreeze    BuilderKind = "cx_freeze"
	BuilderPy2App      BuilderKind = "py2app"
	BuilderPy2Exe      BuilderKind = "py2exe"
)

// ExtraDataPair copies src into dst inside the produced artifact.
type ExtraDataPair struct {
	Src string
	Dst string
}

// BuildConfig is the build configuration enumerated at spec §6.
type BuildConfig struct {
	Builder       BuilderKind
	Name          string
	Version       string
	EntryScript   string
	Icon          string
	Console       bool
	OneFile       bool
	Clean         bool
	Requirements  string
	ExtraData     []ExtraDataPair
	Binaries      []string
	HiddenImports []string
	Excludes      []string
	RuntimeHooks  []string
	ExtraArgs     []string
}

// Job is a single packaging request and its mutable run state. A Job is
// created by the Dispatcher and, after that, mutated by its owning Runner
// and by Dispatcher.Cancel, always through Transition (invariant 1-3 in
// spec §3).
type Job struct {
	ID          string
	Platform    string
	Priority    Priority
	EntryScript string
	Workspace   string
	Config      BuildConfig
	CreatedAt   time.Time

	mu             sync.Mutex
	StartedAt      time.Time
	EndedAt        time.Time
	State          State
	Progress       float64
	CurrentPhase   string
	Error          string
	AssignedWorker string
	ArtifactPath   string
	UploadedFiles  map[string]struct{}
	TotalFiles     int
}

// Transition applies fn under j.mu, the only way the Runner may mutate a
// Job's post-creation fields (invariant 1-3 in spec §3).
func (j *Job) Transition(fn func(j *Job)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j)
}

// CurrentState reads State under lock, for callers (e.g. the Queue) that
// need the field in isolation rather than a full Snapshot.
func (j *Job) CurrentState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

// Snapshot is a read-only copy of a Job safe to hand to callers outside
// the owning Runner.
type Snapshot struct {
	ID             string
	Platform       string
	Priority       Priority
	State          State
	Progress       float64
	CurrentPhase   string
	Error          string
	AssignedWorker string
	ArtifactPath   string
	UploadedFiles  int
	TotalFiles     int
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        time.Time
}

// Snapshot copies the Job's public-facing fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:             j.ID,
		Platform:       j.Platform,
		Priority:       j.Priority,
		State:          j.State,
		Progress:       j.Progress,
		CurrentPhase:   j.CurrentPhase,
		Error:          j.Error,
		AssignedWorker: j.AssignedWorker,
		ArtifactPath:   j.ArtifactPath,
		UploadedFiles:  len(j.UploadedFiles),
		TotalFiles:     j.TotalFiles,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		EndedAt:        j.EndedAt,
	}
}

var jobSeq atomic.Uint64

// NextJobID generates a job id from a monotonically increasing sequence,
// independent of the current job-table size (REDESIGN FLAG: the original
// `len(tasks)` counter is not collision-safe across cleanup).
func NextJobID(platform, entryScript string) string {
	seq := jobSeq.Add(1)
	base := filepath.Base(entryScript)
	return fmt.Sprintf("build_%s_%s_%d", platform, base, seq)
}
