package restpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/virtualkey"
	"hermes/internal/metrics"
	"hermes/internal/ratelimit"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// pooledEntry tracks one live REST handle and its bookkeeping
type pooledEntry struct {
	client     Client
	createdAt  time.Time
	lastUsedAt time.Time
	reuseCount int

	healthCheckedAt time.Time
	healthy         bool
	checking        bool
}

// Pool caches REST exchange clients keyed by userID:exchange. Handles
// are reused up to a cap and rebuilt after it, evicted when idle too
// long, and the globally least-recently-used entry makes room when the
// pool is full. Outbound acquisition self-throttles against the
// per-exchange request budget.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*pooledEntry

	factory  Factory
	limiters *ratelimit.ExchangeLimiters
	cfg      config.RestPoolConfig

	// injectable clock for tests
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

// NewPool creates a pool and starts its idle-cleanup task
func NewPool(factory Factory, limiters *ratelimit.ExchangeLimiters, cfg config.RestPoolConfig, log *logger.Logger) *Pool {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 2 * time.Minute
	}
	p := &Pool{
		entries:  make(map[string]*pooledEntry),
		factory:  factory,
		limiters: limiters,
		cfg:      cfg,
		now:      time.Now,
		done:     make(chan struct{}),
		logger:   log.With("component", "rest_pool"),
	}

	go p.cleanupLoop()

	return p
}

func poolKey(userID uuid.UUID, exchange virtualkey.ExchangeType) string {
	return userID.String() + ":" + exchange.String()
}

// Get returns the pooled client for (userID, exchange), building one
// when absent or worn out. Blocks until the exchange's request budget
// admits the call.
func (p *Pool) Get(ctx context.Context, userID uuid.UUID, exchange virtualkey.ExchangeType, pair virtualkey.SecretPair, testnet bool) (Client, error) {
	if err := p.limiters.Wait(ctx, exchange.String()); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(userID, exchange)
	now := p.now()

	if entry, ok := p.entries[key]; ok {
		if entry.reuseCount < p.cfg.MaxReuseCount {
			entry.reuseCount++
			entry.lastUsedAt = now
			return entry.client, nil
		}

		// Worn out, force a refresh
		p.logger.Debugw("Pooled client hit reuse cap, rebuilding",
			"key", key,
			"reuse_count", entry.reuseCount,
		)
		entry.client.Close()
		delete(p.entries, key)
		metrics.RestPoolEvictions.WithLabelValues("reuse_cap").Inc()
	}

	if len(p.entries) >= p.cfg.MaxConnections {
		p.evictOldestLocked()
	}

	client, err := p.factory.Build(exchange, pair, testnet)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s client", exchange)
	}

	p.entries[key] = &pooledEntry{
		client:          client,
		createdAt:       now,
		lastUsedAt:      now,
		reuseCount:      1,
		healthy:         true,
		healthCheckedAt: now,
	}

	metrics.RestPoolSize.Set(float64(len(p.entries)))
	p.logger.Infow("Built REST client",
		"key", key,
		"pool_size", len(p.entries),
	)

	return client, nil
}

// evictOldestLocked closes and removes the entry with the oldest
// lastUsedAt. Caller must hold p.mu.
func (p *Pool) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time

	for key, entry := range p.entries {
		if oldestKey == "" || entry.lastUsedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUsedAt
		}
	}

	if oldestKey == "" {
		return
	}

	p.entries[oldestKey].client.Close()
	delete(p.entries, oldestKey)
	metrics.RestPoolEvictions.WithLabelValues("lru").Inc()
	p.logger.Infow("Evicted least-recently-used REST client", "key", oldestKey)
}

// CheckHealth reports whether the pooled client for (userID, exchange)
// answers a server-time call. Results are cached for the configured
// interval so repeated checks inside it are free.
func (p *Pool) CheckHealth(ctx context.Context, userID uuid.UUID, exchange virtualkey.ExchangeType) bool {
	key := poolKey(userID, exchange)

	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return false
	}

	now := p.now()
	if now.Sub(entry.healthCheckedAt) < p.cfg.HealthCheckInterval || entry.checking {
		healthy := entry.healthy
		p.mu.Unlock()
		return healthy
	}
	entry.checking = true
	client := entry.client
	p.mu.Unlock()

	// Network call happens outside the pool lock
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	_, err := client.ServerTime(checkCtx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	// The entry may have been evicted or replaced while we were checking
	if current, ok := p.entries[key]; ok && current == entry {
		entry.checking = false
		entry.healthCheckedAt = p.now()
		entry.healthy = err == nil
	}

	if err != nil {
		metrics.RestHealthChecks.WithLabelValues("unhealthy").Inc()
		p.logger.Warnw("REST health check failed", "key", key, "error", err)
		return false
	}
	metrics.RestHealthChecks.WithLabelValues("healthy").Inc()
	return true
}

// Refresh force-closes and rebuilds the client regardless of health
func (p *Pool) Refresh(ctx context.Context, userID uuid.UUID, exchange virtualkey.ExchangeType, pair virtualkey.SecretPair, testnet bool) (Client, error) {
	key := poolKey(userID, exchange)

	p.mu.Lock()
	if entry, ok := p.entries[key]; ok {
		entry.client.Close()
		delete(p.entries, key)
		metrics.RestPoolEvictions.WithLabelValues("refresh").Inc()
	}
	p.mu.Unlock()

	return p.Get(ctx, userID, exchange, pair, testnet)
}

// Has reports whether a pooled client exists for (userID, exchange)
func (p *Pool) Has(userID uuid.UUID, exchange virtualkey.ExchangeType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[poolKey(userID, exchange)]
	return ok
}

// Remove closes and drops the pooled client, if any
func (p *Pool) Remove(userID uuid.UUID, exchange virtualkey.ExchangeType) {
	key := poolKey(userID, exchange)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.client.Close()
		delete(p.entries, key)
	}
}

// CleanupIdle closes and removes entries idle past the configured limit
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.MaxIdleTime)
	removed := 0
	for key, entry := range p.entries {
		if entry.lastUsedAt.Before(cutoff) {
			entry.client.Close()
			delete(p.entries, key)
			removed++
		}
	}

	if removed > 0 {
		metrics.RestPoolEvictions.WithLabelValues("idle").Add(float64(removed))
		metrics.RestPoolSize.Set(float64(len(p.entries)))
		p.logger.Infow("Closed idle REST clients",
			"removed", removed,
			"pool_size", len(p.entries),
		)
	}
}

// Len returns the number of pooled clients
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the cleanup task and closes every pooled client
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.entries {
		entry.client.Close()
		delete(p.entries, key)
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.CleanupIdle()
		}
	}
}
