package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// registryEntry pairs a Worker's static identity with its current
// connection status, tracked independently of the pool's lease state.
type registryEntry struct {
	worker    *Worker
	transport Transport
	lease     *LeaseableTransport
	connected bool
}

// Registry is the authoritative set of known workers (§4.4), grounded on
// original_source/core/server/manager.py's ServerManager: add/remove,
// connect/disconnect with bounded retry, and an on-demand health-check
// sweep (CheckAll) that runs independently of the Pool's own sweep.
type Registry struct {
	pool   *Pool
	retry  *RetryPolicy
	logger *Logger

	mu      sync.Mutex
	workers map[string]*registryEntry
}

// NewRegistry constructs a Registry backed by pool for lease storage.
func NewRegistry(pool *Pool, retry *RetryPolicy, logger *Logger) *Registry {
	return &Registry{
		pool:    pool,
		retry:   retry,
		logger:  logger,
		workers: make(map[string]*registryEntry),
	}
}

// Add registers a new worker, constructing its Transport via kind but not
// connecting it. Add is idempotent by name: re-adding replaces the config
// for a worker that is not currently connected.
func (r *Registry) Add(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[w.Name]; ok && existing.connected {
		return fmt.Errorf("worker %q already registered and connected", w.Name)
	}

	transport, err := NewTransport(w.Kind, w.Conn, r.logger.WithWorker(w.Name))
	if err != nil {
		return fmt.Errorf("construct transport for %q: %w", w.Name, err)
	}

	worker := w
	r.workers[w.Name] = &registryEntry{worker: &worker, transport: transport}
	return nil
}

// Remove disconnects and deregisters a worker.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.workers[name]
	if ok {
		delete(r.workers, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("worker %q not registered", name)
	}
	if entry.lease != nil {
		r.pool.Remove(entry.worker.Kind, entry.lease)
	}
	if entry.connected {
		return entry.transport.Disconnect()
	}
	return nil
}

// Connect dials the worker's transport under the connect retry class and
// inserts it into the pool's partition for that kind on success.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %q not registered", name)
	}

	if err := r.retry.Do(ctx, OpConnect, func() error {
		return entry.transport.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect worker %q: %w", name, err)
	}

	lease := &LeaseableTransport{Worker: entry.worker, Transport: entry.transport}

	r.mu.Lock()
	entry.connected = true
	entry.lease = lease
	r.mu.Unlock()

	r.pool.Add(entry.worker.Kind, lease)
	r.logger.Info("worker connected", "worker", name, "kind", entry.worker.Kind)
	return nil
}

// Disconnect tears down a worker's live connection without deregistering
// it, leaving it available for a later Connect.
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %q not registered", name)
	}

	if entry.lease != nil {
		r.pool.Remove(entry.worker.Kind, entry.lease)
	}

	r.mu.Lock()
	entry.connected = false
	entry.lease = nil
	r.mu.Unlock()

	return entry.transport.Disconnect()
}

// Lease returns the pool lease currently backing a connected worker, if
// any. Callers use this to read the worker's cached health sample
// without reaching into Registry's internals.
func (r *Registry) Lease(name string) (*LeaseableTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.workers[name]
	if !ok || entry.lease == nil {
		return nil, false
	}
	return entry.lease, true
}

// Get returns the registered Worker by name.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.workers[name]
	if !ok {
		return Worker{}, false
	}
	return *entry.worker, true
}

// Active returns the names of all currently connected workers.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, entry := range r.workers {
		if entry.connected {
			names = append(names, name)
		}
	}
	return names
}

// ActiveByKind returns connected workers of the given kind.
func (r *Registry) ActiveByKind(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, entry := range r.workers {
		if entry.connected && entry.worker.Kind == kind {
			names = append(names, name)
		}
	}
	return names
}

// CheckAll probes health for every connected worker and attempts a bounded
// reconnect for any that fail, evicting workers that stay unreachable
// (§4.4's health-check sweep, mirrored by the Pool's own sweep but driven
// independently here so a caller can force an out-of-band check).
func (r *Registry) CheckAll(ctx context.Context) map[string]error {
	r.mu.Lock()
	type target struct {
		name  string
		entry *registryEntry
	}
	var targets []target
	for name, entry := range r.workers {
		if entry.connected {
			targets = append(targets, target{name, entry})
		}
	}
	r.mu.Unlock()

	results := make(map[string]error, len(targets))
	for _, t := range targets {
		sample, err := t.entry.transport.Health(ctx)
		if err == nil && sample.Healthy() {
			results[t.name] = nil
			continue
		}
		if rerr := r.retry.Do(ctx, OpConnect, func() error {
			_ = t.entry.transport.Disconnect()
			return t.entry.transport.Connect(ctx)
		}); rerr != nil {
			r.logger.Warn("worker unreachable after reconnect attempts, evicting", "worker", t.name, "error", rerr)
			_ = r.Disconnect(ctx, t.name)
			results[t.name] = rerr
			continue
		}
		results[t.name] = nil
	}
	return results
}
