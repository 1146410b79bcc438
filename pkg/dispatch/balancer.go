package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Fixed requirement-gating thresholds from
// original_source/core/server/manager.py's _meets_requirements
// (cpu>0.8, memory>0.8, disk>0.9, running tasks>=10, expressed here on
// the 0-100 scale HealthSample uses). Unlike the other dimensions the
// source's network>0.8 check has no counterpart sample field here
// (HealthSample carries no network reading, §4.1) and is not gated on.
const (
	maxCPUPercent    = 80
	maxMemoryPercent = 80
	maxDiskPercent   = 90
	maxRunningTasks  = 10
)

// Requirements is a per-job reservation: the load a candidate worker is
// expected to take on if chosen, added to its current sample value
// before comparison against the fixed thresholds above (spec §4.5:
// "Per-dimension reservations are added to the current value before
// comparison"). The zero value reserves nothing and gates purely on the
// worker's current load.
type Requirements struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	RunningTasks  int
}

// DefaultRequirements reserves nothing, for callers that have no
// job-specific load estimate to contribute.
func DefaultRequirements() Requirements {
	return Requirements{}
}

func (r Requirements) meets(sample HealthSample, runningTasks int) bool {
	if sample.CPUPercent+r.CPUPercent > maxCPUPercent {
		return false
	}
	if sample.MemoryPercent+r.MemoryPercent > maxMemoryPercent {
		return false
	}
	if sample.DiskPercent+r.DiskPercent > maxDiskPercent {
		return false
	}
	if runningTasks+r.RunningTasks >= maxRunningTasks {
		return false
	}
	return true
}

// scoreHistory keeps the last 100 samples for a worker, used by the
// richer trend-adjusted reporting variant (ClusterStatus/WorkerStatus),
// grounded on original_source/core/scheduler/balancer.py's numpy
// linear-regression trend.
type scoreHistory struct {
	scores []float64
}

func (h *scoreHistory) push(score float64) {
	h.scores = append(h.scores, score)
	if len(h.scores) > 100 {
		h.scores = h.scores[len(h.scores)-100:]
	}
}

// trend fits a simple least-squares slope over the last 10 samples and
// clamps it to [-0.2, 0.2], matching the source's clamp.
func (h *scoreHistory) trend() float64 {
	n := len(h.scores)
	if n < 2 {
		return 0
	}
	window := h.scores
	if n > 10 {
		window = h.scores[n-10:]
	}
	m := len(window)

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := float64(m)*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (float64(m)*sumXY - sumX*sumY) / denom

	if slope > 0.2 {
		return 0.2
	}
	if slope < -0.2 {
		return -0.2
	}
	return slope
}

// Balancer selects the least-loaded eligible worker of a given Kind
// (§4.5), grounded on original_source/core/server/manager.py's
// LoadBalancer for Select and core/scheduler/balancer.py for the richer
// reporting variant exposed through ClusterStatus/WorkerStatus.
type Balancer struct {
	registry *Registry
	pool     *Pool

	mu          sync.Mutex
	lastChosen  map[string]time.Time
	history     map[string]*scoreHistory
	runningTask func(worker string) int
}

// NewBalancer constructs a Balancer. runningTaskCounter reports how many
// jobs are currently assigned to a worker, supplied by the Queue so the
// balancer can gate on running-task count without importing Queue
// directly.
func NewBalancer(registry *Registry, pool *Pool, runningTaskCounter func(worker string) int) *Balancer {
	if runningTaskCounter == nil {
		runningTaskCounter = func(string) int { return 0 }
	}
	return &Balancer{
		registry:    registry,
		pool:        pool,
		lastChosen:  make(map[string]time.Time),
		history:     make(map[string]*scoreHistory),
		runningTask: runningTaskCounter,
	}
}

// score computes the simple, spec-authoritative selection score: lower is
// better. 0.4*cpu + 0.3*memory + 0.3*disk, each as a 0-100 percentage.
func score(sample HealthSample) float64 {
	return 0.4*sample.CPUPercent + 0.3*sample.MemoryPercent + 0.3*sample.DiskPercent
}

type candidate struct {
	name  string
	lease *LeaseableTransport
	score float64
}

// Select returns the name of the least-loaded eligible worker of kind,
// applying requirements gating, a 5-second anti-thundering-herd filter
// per worker (a just-chosen worker is skipped until its cooldown
// elapses), and uniform-random choice among the top 3 lowest-scoring
// eligible candidates.
func (b *Balancer) Select(ctx context.Context, kind Kind, req Requirements) (string, error) {
	names := b.registry.ActiveByKind(kind)
	if len(names) == 0 {
		return "", ErrNoHealthyWorker
	}

	b.mu.Lock()
	now := time.Now()
	var candidates []candidate
	for _, name := range names {
		if last, ok := b.lastChosen[name]; ok && now.Sub(last) < 5*time.Second {
			continue
		}
		lease, ok := b.registry.Lease(name)
		if !ok {
			continue
		}
		sample := lease.Sample()
		if !req.meets(sample, b.runningTask(name)) {
			continue
		}
		candidates = append(candidates, candidate{name: name, lease: lease, score: score(sample)})
	}
	b.mu.Unlock()

	if len(candidates) == 0 {
		return "", ErrNoHealthyWorker
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	chosen := top[rand.Intn(len(top))]

	b.mu.Lock()
	b.lastChosen[chosen.name] = now
	hist, ok := b.history[chosen.name]
	if !ok {
		hist = &scoreHistory{}
		b.history[chosen.name] = hist
	}
	hist.push(chosen.score)
	b.mu.Unlock()

	return chosen.name, nil
}

// WorkerStatus is the richer per-worker report surfaced through metrics
// and the dispatcher's status endpoints.
type WorkerStatus struct {
	Name    string
	Kind    Kind
	Score   float64
	Trend   float64
	Sample  HealthSample
}

// WorkerStatus reports the current score, trend, and last sample for a
// single worker.
func (b *Balancer) WorkerStatus(name string) (WorkerStatus, error) {
	worker, ok := b.registry.Get(name)
	if !ok {
		return WorkerStatus{}, fmt.Errorf("worker %q not registered", name)
	}

	var sample HealthSample
	if lease, ok := b.registry.Lease(name); ok {
		sample = lease.Sample()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	hist := b.history[name]
	trend := 0.0
	if hist != nil {
		trend = hist.trend()
	}

	return WorkerStatus{Name: name, Kind: worker.Kind, Score: score(sample), Trend: trend, Sample: sample}, nil
}

// ClusterStatus reports WorkerStatus for every connected worker.
func (b *Balancer) ClusterStatus() []WorkerStatus {
	names := b.registry.Active()
	out := make([]WorkerStatus, 0, len(names))
	for _, name := range names {
		if st, err := b.WorkerStatus(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}
