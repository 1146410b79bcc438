package dispatch

import (
	"context"
	"sync"
	"time"
)

// LeaseableTransport binds a Transport to a Worker plus the pool
// bookkeeping fields from spec §3: in-use flag, last-used timestamp,
// consecutive-failure counter, last health sample.
type LeaseableTransport struct {
	Worker *Worker
	Transport Transport

	mu                  sync.Mutex
	inUse               bool
	lastUsed            time.Time
	consecutiveFailures int
	lastHealthCheck     time.Time
	lastSample          HealthSample
}

func (l *LeaseableTransport) markAcquired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inUse = true
	l.lastUsed = time.Now()
}

func (l *LeaseableTransport) markReleased() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inUse = false
	l.lastUsed = time.Now()
}

// Sample returns the most recently cached health sample.
func (l *LeaseableTransport) Sample() HealthSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSample
}

// partition is one worker-kind's pool of leaseable transports, with a
// bounded FIFO waitlist implemented via a buffered semaphore channel.
type partition struct {
	capacity  int
	entries   []*LeaseableTransport
	available chan *LeaseableTransport
}

func newPartition(capacity int) *partition {
	return &partition{capacity: capacity, available: make(chan *LeaseableTransport, capacity)}
}

// Pool is a connection pool partitioned by worker Kind (§4.3).
type Pool struct {
	cfg    PoolConfig
	retry  *RetryPolicy
	logger *Logger

	mu         sync.Mutex
	partitions map[Kind]*partition

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool constructs a pool with defaults from cfg (§4.3: capacity 10,
// acquire timeout 30s, max idle 300s, health interval 60s, 3 failures).
func NewPool(cfg PoolConfig, retry *RetryPolicy, logger *Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 300 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 3
	}
	return &Pool{
		cfg:        cfg,
		retry:      retry,
		logger:     logger,
		partitions: make(map[Kind]*partition),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the idle-eviction and health-sweep background tasks.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.idleEvictionLoop()
	go p.healthSweepLoop()
}

// Close stops background tasks and disconnects every pooled transport.
func (p *Pool) Close() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, part := range p.partitions {
		for _, entry := range part.entries {
			_ = entry.Transport.Disconnect()
		}
	}
	p.partitions = make(map[Kind]*partition)
}

func (p *Pool) partitionFor(kind Kind) *partition {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.partitions[kind]
	if !ok {
		part = newPartition(p.cfg.Capacity)
		p.partitions[kind] = part
	}
	return part
}

// Add registers a transport into the kind's partition, available for
// acquisition. It does not connect the transport (Registry's job).
func (p *Pool) Add(kind Kind, entry *LeaseableTransport) {
	part := p.partitionFor(kind)

	p.mu.Lock()
	part.entries = append(part.entries, entry)
	p.mu.Unlock()

	select {
	case part.available <- entry:
	default:
	}
}

// Remove drops a transport from the kind's partition.
func (p *Pool) Remove(kind Kind, entry *LeaseableTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.partitions[kind]
	if !ok {
		return
	}
	kept := part.entries[:0]
	for _, e := range part.entries {
		if e != entry {
			kept = append(kept, e)
		}
	}
	part.entries = kept
	p.drainAndRefillLocked(part)
}

// drainAndRefillLocked rebuilds the available channel from entries that
// are not in use. Caller must hold p.mu.
func (p *Pool) drainAndRefillLocked(part *partition) {
	for {
		select {
		case <-part.available:
		default:
			goto refill
		}
	}
refill:
	for _, e := range part.entries {
		e.mu.Lock()
		inUse := e.inUse
		e.mu.Unlock()
		if !inUse {
			select {
			case part.available <- e:
			default:
			}
		}
	}
}

// Acquire blocks up to cfg.AcquireTimeout for a healthy, available lease
// in the given kind's partition (§4.3's health-aware acquisition).
func (p *Pool) Acquire(ctx context.Context, kind Kind) (*LeaseableTransport, error) {
	part := p.partitionFor(kind)

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPoolExhausted
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		select {
		case entry, ok := <-part.available:
			cancel()
			if !ok {
				return nil, ErrPoolExhausted
			}
			if p.checkHealthy(ctx, kind, part, entry) {
				entry.markAcquired()
				return entry, nil
			}
			// entry was unhealthy (discarded, or put back with its
			// failure count raised) by checkHealthy; keep searching
			// until the deadline.
			continue
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPoolExhausted
		}
	}
}

// AcquireNamed blocks up to cfg.AcquireTimeout for the specific named
// worker's lease to become available and healthy, used once the Balancer
// has already chosen a candidate and the Runner needs that exact
// worker's Transport rather than any free one in the kind's partition.
func (p *Pool) AcquireNamed(ctx context.Context, kind Kind, name string) (*LeaseableTransport, error) {
	part := p.partitionFor(kind)

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPoolExhausted
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		select {
		case entry, ok := <-part.available:
			cancel()
			if !ok {
				return nil, ErrPoolExhausted
			}
			if entry.Worker.Name != name {
				select {
				case part.available <- entry:
				default:
				}
				continue
			}
			if p.checkHealthy(ctx, kind, part, entry) {
				entry.markAcquired()
				return entry, nil
			}
			continue
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPoolExhausted
		}
	}
}

// checkHealthy applies the §4.3 acquisition checks: reconnect if the
// failure count crossed the threshold, refresh the health sample if
// stale. Returns false when the entry could not be brought back to
// health: an entry whose reconnect failed is dropped from the partition,
// while one whose health probe failed is put back on the available
// channel with its failure count incremented.
func (p *Pool) checkHealthy(ctx context.Context, kind Kind, part *partition, entry *LeaseableTransport) bool {
	entry.mu.Lock()
	failures := entry.consecutiveFailures
	staleSince := time.Since(entry.lastHealthCheck)
	entry.mu.Unlock()

	if failures >= p.cfg.MaxFailedAttempts {
		if err := p.retry.Do(ctx, OpConnect, func() error {
			_ = entry.Transport.Disconnect()
			return entry.Transport.Connect(ctx)
		}); err != nil {
			p.logger.WarnContext(ctx, "reconnect failed, discarding pool entry", "worker", entry.Worker.Name, "error", err)
			p.Remove(kind, entry)
			return false
		}
		entry.mu.Lock()
		entry.consecutiveFailures = 0
		entry.mu.Unlock()
	}

	if staleSince > p.cfg.HealthInterval {
		var sample HealthSample
		err := p.retry.Do(ctx, OpHealth, func() error {
			var herr error
			sample, herr = entry.Transport.Health(ctx)
			return herr
		})
		entry.mu.Lock()
		entry.lastHealthCheck = time.Now()
		entry.lastSample = sample
		entry.mu.Unlock()

		if err != nil || !sample.Healthy() {
			entry.mu.Lock()
			entry.consecutiveFailures++
			entry.mu.Unlock()
			// put it back for a future health-aware pass instead of
			// dropping it outright; the health sweep will reconnect it
			// once it crosses the failure threshold.
			select {
			case part.available <- entry:
			default:
			}
			return false
		}
	}

	return true
}

// Release returns a lease to the partition it came from.
func (p *Pool) Release(kind Kind, entry *LeaseableTransport) {
	entry.markReleased()
	part := p.partitionFor(kind)
	select {
	case part.available <- entry:
	default:
	}
}

// PartitionStatus is the per-kind count snapshot returned by Status.
type PartitionStatus struct {
	Total     int
	Available int
	Failed    int
}

// Status reports per-kind counts.
func (p *Pool) Status() map[Kind]PartitionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Kind]PartitionStatus, len(p.partitions))
	for kind, part := range p.partitions {
		failed := 0
		for _, e := range part.entries {
			e.mu.Lock()
			if e.consecutiveFailures > 0 {
				failed++
			}
			e.mu.Unlock()
		}
		out[kind] = PartitionStatus{
			Total:     len(part.entries),
			Available: len(part.available),
			Failed:    failed,
		}
	}
	return out
}

func (p *Pool) idleEvictionLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	kinds := make([]Kind, 0, len(p.partitions))
	for k := range p.partitions {
		kinds = append(kinds, k)
	}
	p.mu.Unlock()

	for _, kind := range kinds {
		p.mu.Lock()
		part, ok := p.partitions[kind]
		if !ok {
			p.mu.Unlock()
			continue
		}
		var idle, kept []*LeaseableTransport
		for _, e := range part.entries {
			e.mu.Lock()
			inUse := e.inUse
			idleTime := time.Since(e.lastUsed)
			e.mu.Unlock()
			if !inUse && idleTime > p.cfg.MaxIdleTime {
				idle = append(idle, e)
			} else {
				kept = append(kept, e)
			}
		}
		part.entries = kept
		p.drainAndRefillLocked(part)
		p.mu.Unlock()

		for _, e := range idle {
			if err := e.Transport.Disconnect(); err != nil {
				p.logger.Error("idle eviction disconnect failed", "worker", e.Worker.Name, "error", err)
			} else {
				p.logger.Info("evicted idle connection", "worker", e.Worker.Name)
			}
		}
	}
}

func (p *Pool) healthSweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepHealth()
		}
	}
}

func (p *Pool) sweepHealth() {
	p.mu.Lock()
	var all []struct {
		kind  Kind
		entry *LeaseableTransport
	}
	for kind, part := range p.partitions {
		for _, e := range part.entries {
			all = append(all, struct {
				kind  Kind
				entry *LeaseableTransport
			}{kind, e})
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, item := range all {
		e := item.entry
		e.mu.Lock()
		inUse := e.inUse
		e.mu.Unlock()
		if inUse {
			continue
		}

		sample, err := e.Transport.Health(ctx)
		e.mu.Lock()
		e.lastHealthCheck = time.Now()
		e.lastSample = sample
		if err != nil || !sample.Healthy() {
			e.consecutiveFailures++
		}
		crossed := e.consecutiveFailures >= p.cfg.MaxFailedAttempts
		e.mu.Unlock()

		if crossed {
			if rerr := p.retry.Do(ctx, OpConnect, func() error {
				_ = e.Transport.Disconnect()
				return e.Transport.Connect(ctx)
			}); rerr == nil {
				e.mu.Lock()
				e.consecutiveFailures = 0
				e.mu.Unlock()
			} else {
				p.logger.Warn("health sweep reconnect failed", "worker", e.Worker.Name, "error", rerr)
			}
		}
	}
}
