package dispatch

import (
	"context"
	"testing"
	"time"
)

func newConnectedRegistry(t *testing.T, pool *Pool, retry *RetryPolicy, names ...string) *Registry {
	t.Helper()
	registry := NewRegistry(pool, retry, testLogger())
	for _, name := range names {
		if err := registry.Add(Worker{Name: name, Kind: KindUnix}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		// Bypass Connect (which dials a real transport) by directly
		// wiring a fake, connected lease the way Connect would after a
		// successful dial.
		ft := newFakeTransport()
		_ = ft.Connect(context.Background())
		lease := &LeaseableTransport{Worker: &Worker{Name: name, Kind: KindUnix}, Transport: ft, lastHealthCheck: time.Now()}
		registry.mu.Lock()
		entry := registry.workers[name]
		entry.connected = true
		entry.lease = lease
		registry.mu.Unlock()
		pool.Add(KindUnix, lease)
	}
	return registry
}

func setSample(t *testing.T, registry *Registry, name string, sample HealthSample) {
	t.Helper()
	lease, ok := registry.Lease(name)
	if !ok {
		t.Fatalf("no lease for %s", name)
	}
	lease.mu.Lock()
	lease.lastSample = sample
	lease.mu.Unlock()
}

func TestBalancer_SelectPicksLowestScore(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "low", "high")

	setSample(t, registry, "low", HealthSample{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5})
	setSample(t, registry, "high", HealthSample{CPUPercent: 90, MemoryPercent: 90, DiskPercent: 90})

	balancer := NewBalancer(registry, pool, nil)
	chosen, err := balancer.Select(context.Background(), KindUnix, DefaultRequirements())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if chosen != "low" {
		t.Fatalf("expected the lowest-scored worker, got %q", chosen)
	}
}

func TestBalancer_SelectGatesOnRequirements(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "overloaded")

	setSample(t, registry, "overloaded", HealthSample{CPUPercent: 95, MemoryPercent: 95, DiskPercent: 95})

	balancer := NewBalancer(registry, pool, nil)
	_, err := balancer.Select(context.Background(), KindUnix, DefaultRequirements())
	if err != ErrNoHealthyWorker {
		t.Fatalf("expected ErrNoHealthyWorker for an overloaded worker, got %v", err)
	}
}

func TestBalancer_SelectGatesOnReservation(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "borderline")

	setSample(t, registry, "borderline", HealthSample{CPUPercent: 75, MemoryPercent: 5, DiskPercent: 5})

	balancer := NewBalancer(registry, pool, nil)
	req := Requirements{CPUPercent: 10}
	if _, err := balancer.Select(context.Background(), KindUnix, req); err != ErrNoHealthyWorker {
		t.Fatalf("expected the reservation (75+10 > 80) to exclude the worker, got %v", err)
	}

	if _, err := balancer.Select(context.Background(), KindUnix, DefaultRequirements()); err != nil {
		t.Fatalf("expected no reservation to admit the same worker: %v", err)
	}
}

func TestBalancer_SelectAppliesCooldown(t *testing.T) {
	retry := NewRetryPolicy(nil)
	pool := NewPool(PoolConfig{Capacity: 4, AcquireTimeout: time.Second}, retry, testLogger())
	registry := newConnectedRegistry(t, pool, retry, "only")
	setSample(t, registry, "only", HealthSample{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5})

	balancer := NewBalancer(registry, pool, nil)
	if _, err := balancer.Select(context.Background(), KindUnix, DefaultRequirements()); err != nil {
		t.Fatalf("first select: %v", err)
	}

	if _, err := balancer.Select(context.Background(), KindUnix, DefaultRequirements()); err != ErrNoHealthyWorker {
		t.Fatalf("expected the just-chosen worker to be on cooldown, got %v", err)
	}
}

func TestScoreHistory_TrendClampedToRange(t *testing.T) {
	h := &scoreHistory{}
	for i := 0; i < 10; i++ {
		h.push(float64(i) * 100)
	}
	if trend := h.trend(); trend != 0.2 {
		t.Fatalf("expected trend clamped to 0.2 for a steeply rising series, got %v", trend)
	}
}
