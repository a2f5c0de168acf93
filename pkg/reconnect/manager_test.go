package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zapLog.Sugar()}
}

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, newTestLogger())
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(Config{})

	assert.Equal(t, 1*time.Second, m.minBackoff)
	assert.Equal(t, 30*time.Second, m.maxBackoff)
	assert.Equal(t, 2.0, m.backoffMultiplier)
	assert.Equal(t, 5, m.maxAttempts)
	assert.Equal(t, 60*time.Second, m.heartbeatTimeout)
	assert.Equal(t, 1*time.Second, m.Backoff())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	m := newTestManager(Config{
		MinBackoff:        100 * time.Millisecond,
		MaxBackoff:        350 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxAttempts:       10,
	})

	assert.Equal(t, 100*time.Millisecond, m.Backoff())

	m.RecordFailure()
	assert.Equal(t, 200*time.Millisecond, m.Backoff())

	m.RecordFailure()
	assert.Equal(t, 350*time.Millisecond, m.Backoff(), "backoff is capped")

	m.RecordFailure()
	assert.Equal(t, 350*time.Millisecond, m.Backoff())
}

func TestExhaustionIsTerminal(t *testing.T) {
	m := newTestManager(Config{MaxAttempts: 2, MinBackoff: time.Millisecond})

	assert.True(t, m.ShouldRetry())

	m.RecordFailure()
	assert.True(t, m.ShouldRetry())
	assert.False(t, m.Exhausted())

	m.RecordFailure()
	assert.False(t, m.ShouldRetry())
	assert.True(t, m.Exhausted())

	// Success after exhaustion does not resurrect the budget
	m.RecordSuccess()
	assert.True(t, m.Exhausted())
	assert.False(t, m.ShouldRetry())
}

func TestRecordSuccessResetsBackoff(t *testing.T) {
	m := newTestManager(Config{
		MinBackoff:        100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		MaxAttempts:       10,
	})

	m.RecordFailure()
	m.RecordFailure()
	require.Greater(t, m.Backoff(), 100*time.Millisecond)

	m.RecordSuccess()
	assert.Equal(t, 100*time.Millisecond, m.Backoff())

	stats := m.GetStats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 1, stats.TotalReconnects)
}

func TestRetry_SuccessAndFailure(t *testing.T) {
	m := newTestManager(Config{MinBackoff: time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	calls := 0
	err := m.Retry(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.GetStats().TotalReconnects)

	failing := func(ctx context.Context) error { return errors.New("dial refused") }
	require.Error(t, m.Retry(ctx, failing))
	require.Error(t, m.Retry(ctx, failing))

	// Budget spent, the function is not even invoked
	err = m.Retry(ctx, func(ctx context.Context) error {
		t.Fatal("must not be called after exhaustion")
		return nil
	})
	assert.True(t, errors.Is(err, errors.ErrMaxReconnectAttempts))
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	m := newTestManager(Config{MinBackoff: time.Hour, MaxAttempts: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Retry(ctx, func(ctx context.Context) error {
		t.Fatal("must not run, backoff outlives the context")
		return nil
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIsHealthy(t *testing.T) {
	m := newTestManager(Config{HeartbeatTimeout: time.Hour})

	// No traffic observed yet counts as healthy
	assert.True(t, m.IsHealthy())

	m.RecordActivity()
	assert.True(t, m.IsHealthy())

	// Backdate the last activity past the heartbeat timeout
	m.lastActivity.Store(time.Now().Add(-2 * time.Hour).Unix())
	assert.False(t, m.IsHealthy())
}
