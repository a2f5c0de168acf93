package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Manager supervises reconnection of a single persistent connection with
// exponential backoff and a hard attempt budget. Exhausting the budget is
// terminal for the connection; the owner is expected to discard it and let a
// fresh one be built on next use.
type Manager struct {
	minBackoff        time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	maxAttempts       int
	heartbeatTimeout  time.Duration

	mu                  sync.Mutex
	currentBackoff      time.Duration
	consecutiveFailures int
	totalReconnects     int
	exhausted           bool

	// Unix seconds of the last observed inbound traffic
	lastActivity atomic.Int64

	logger *logger.Logger
}

// Config configures the reconnect manager
type Config struct {
	MinBackoff        time.Duration // Initial backoff (e.g. 1s)
	MaxBackoff        time.Duration // Backoff cap (e.g. 30s)
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g. 2.0)
	MaxAttempts       int           // Consecutive failures before giving up
	HeartbeatTimeout  time.Duration // Max silence before the connection is considered dead
}

// NewManager creates a reconnect manager with sensible defaults
func NewManager(config Config, log *logger.Logger) *Manager {
	if config.MinBackoff == 0 {
		config.MinBackoff = 1 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 60 * time.Second
	}

	return &Manager{
		minBackoff:        config.MinBackoff,
		maxBackoff:        config.MaxBackoff,
		backoffMultiplier: config.BackoffMultiplier,
		maxAttempts:       config.MaxAttempts,
		heartbeatTimeout:  config.HeartbeatTimeout,
		currentBackoff:    config.MinBackoff,
		logger:            log,
	}
}

// RecordActivity updates the last traffic timestamp.
// Call on every inbound frame, ping or pong.
func (m *Manager) RecordActivity() {
	m.lastActivity.Store(time.Now().Unix())
}

// IsHealthy reports whether traffic has been observed recently enough
func (m *Manager) IsHealthy() bool {
	last := m.lastActivity.Load()
	if last == 0 {
		// No traffic yet, just connected
		return true
	}

	silence := time.Since(time.Unix(last, 0))
	if silence > m.heartbeatTimeout {
		m.logger.Warnw("Connection appears dead, no traffic observed",
			"silence", silence,
			"heartbeat_timeout", m.heartbeatTimeout,
		)
		return false
	}
	return true
}

// ShouldRetry reports whether another reconnect attempt is allowed
func (m *Manager) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.exhausted && m.consecutiveFailures < m.maxAttempts
}

// Exhausted reports whether the attempt budget has been spent
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Backoff returns the current backoff duration
func (m *Manager) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBackoff
}

// RecordFailure records a failed attempt and grows the backoff
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++

	next := time.Duration(float64(m.currentBackoff) * m.backoffMultiplier)
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.currentBackoff = next

	m.logger.Warnw("Reconnect attempt failed",
		"consecutive_failures", m.consecutiveFailures,
		"max_attempts", m.maxAttempts,
		"next_backoff", m.currentBackoff,
	)

	if m.consecutiveFailures >= m.maxAttempts {
		m.exhausted = true
		m.logger.Errorw("Reconnect budget exhausted, giving up on this connection",
			"consecutive_failures", m.consecutiveFailures,
		)
	}
}

// RecordSuccess resets the backoff and failure counter
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveFailures > 0 {
		m.logger.Infow("Reconnected, resetting backoff",
			"previous_failures", m.consecutiveFailures,
		)
	}

	m.currentBackoff = m.minBackoff
	m.consecutiveFailures = 0
	m.totalReconnects++
	m.lastActivity.Store(time.Now().Unix())
}

// Stats contains reconnection statistics
type Stats struct {
	ConsecutiveFailures int
	TotalReconnects     int
	CurrentBackoff      time.Duration
	Exhausted           bool
	LastActivity        time.Time
}

// GetStats returns a snapshot of the manager state
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last time.Time
	if ts := m.lastActivity.Load(); ts != 0 {
		last = time.Unix(ts, 0)
	}

	return Stats{
		ConsecutiveFailures: m.consecutiveFailures,
		TotalReconnects:     m.totalReconnects,
		CurrentBackoff:      m.currentBackoff,
		Exhausted:           m.exhausted,
		LastActivity:        last,
	}
}

// Retry waits out the current backoff and runs reconnectFn once, recording the
// outcome. Returns ErrMaxReconnectAttempts once the budget is spent.
func (m *Manager) Retry(ctx context.Context, reconnectFn func(context.Context) error) error {
	if !m.ShouldRetry() {
		return errors.ErrMaxReconnectAttempts
	}

	backoff := m.Backoff()
	if backoff > 0 {
		m.logger.Infow("Waiting before reconnect attempt", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := reconnectFn(ctx); err != nil {
		m.RecordFailure()
		return errors.Wrap(err, "reconnect failed")
	}

	m.RecordSuccess()
	return nil
}
