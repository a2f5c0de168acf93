package restpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/virtualkey"
	"hermes/internal/ratelimit"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zl, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zl.Sugar()}
}

// fakeClient counts closes and serves a controllable server time
type fakeClient struct {
	exchange  virtualkey.ExchangeType
	closed    atomic.Bool
	timeErr   error
	timeCalls atomic.Int32
}

func (f *fakeClient) Exchange() virtualkey.ExchangeType { return f.exchange }

func (f *fakeClient) ServerTime(ctx context.Context) (time.Time, error) {
	f.timeCalls.Add(1)
	if f.timeErr != nil {
		return time.Time{}, f.timeErr
	}
	return time.Now(), nil
}

func (f *fakeClient) Close() { f.closed.Store(true) }

// fakeFactory counts constructions
type fakeFactory struct {
	mu       sync.Mutex
	builds   int
	clients  []*fakeClient
	timeErr  error
	buildErr error
}

func (f *fakeFactory) Build(exchange virtualkey.ExchangeType, pair virtualkey.SecretPair, testnet bool) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.builds++
	c := &fakeClient{exchange: exchange, timeErr: f.timeErr}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func testPoolConfig() config.RestPoolConfig {
	return config.RestPoolConfig{
		MaxConnections:      3,
		MaxReuseCount:       5,
		MaxIdleTime:         5 * time.Minute,
		CleanupInterval:     time.Hour,
		HealthCheckInterval: time.Minute,
		HealthCheckTimeout:  time.Second,
	}
}

func newTestPool(t *testing.T, cfg config.RestPoolConfig) (*Pool, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	pool := NewPool(factory, ratelimit.NewExchangeLimiters(), cfg, newTestLogger())
	t.Cleanup(pool.Close)
	return pool, factory
}

var testPair = virtualkey.SecretPair{APIKey: "k", Secret: "s"}

func TestPool_ReusesClient(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	ctx := context.Background()
	userID := uuid.New()

	c1, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)
	c2, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, factory.buildCount())
	assert.Equal(t, 1, pool.Len())
}

func TestPool_BuildFailureIsWrapped(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	factory.buildErr = errors.ErrConnect

	_, err := pool.Get(context.Background(), uuid.New(), virtualkey.ExchangeBinance, testPair, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnect))
	assert.Contains(t, err.Error(), "build binance client")
	assert.Equal(t, 0, pool.Len(), "failed build leaves no entry behind")
}

func TestPool_ConcurrentGetBuildsOnce(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxReuseCount = 1000
	pool, factory := newTestPool(t, cfg)
	userID := uuid.New()

	var wg sync.WaitGroup
	clients := make([]Client, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(context.Background(), userID, virtualkey.ExchangeBinance, testPair, false)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, factory.buildCount(), "concurrent callers share one construction")
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}

func TestPool_RebuildAfterReuseCap(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxReuseCount = 2
	pool, factory := newTestPool(t, cfg)
	ctx := context.Background()
	userID := uuid.New()

	c1, _ := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)

	// Third acquisition exceeds the cap and rebuilds
	c3, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, factory.buildCount())
	assert.True(t, factory.clients[0].closed.Load(), "worn-out client is closed")
}

func TestPool_LRUEvictionAtCapacity(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig()) // MaxConnections: 3
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for i, u := range users[:3] {
		now = now.Add(time.Duration(i) * time.Second)
		_, err := pool.Get(ctx, u, virtualkey.ExchangeBinance, testPair, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, pool.Len())

	// A fourth user evicts exactly the oldest entry (users[0])
	now = now.Add(time.Second)
	_, err := pool.Get(ctx, users[3], virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, 4, factory.buildCount())
	assert.True(t, factory.clients[0].closed.Load(), "LRU entry's client is closed")
	assert.False(t, factory.clients[1].closed.Load())
	assert.False(t, factory.clients[2].closed.Load())
}

func TestPool_CheckHealthCachesResult(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	ctx := context.Background()
	userID := uuid.New()

	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	// No entry yet
	assert.False(t, pool.CheckHealth(ctx, userID, virtualkey.ExchangeBinance))

	_, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	// Fresh entry: first check is free (built healthy), no server call yet
	assert.True(t, pool.CheckHealth(ctx, userID, virtualkey.ExchangeBinance))
	assert.Equal(t, int32(0), factory.clients[0].timeCalls.Load())

	// Past the interval the real call happens, then is cached again
	now = now.Add(2 * time.Minute)
	assert.True(t, pool.CheckHealth(ctx, userID, virtualkey.ExchangeBinance))
	assert.Equal(t, int32(1), factory.clients[0].timeCalls.Load())

	assert.True(t, pool.CheckHealth(ctx, userID, virtualkey.ExchangeBinance))
	assert.Equal(t, int32(1), factory.clients[0].timeCalls.Load(), "second check within interval is cached")
}

func TestPool_CheckHealthFailure(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	factory.timeErr = context.DeadlineExceeded
	ctx := context.Background()
	userID := uuid.New()

	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	_, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.False(t, pool.CheckHealth(ctx, userID, virtualkey.ExchangeBinance))
}

func TestPool_Refresh(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	ctx := context.Background()
	userID := uuid.New()

	c1, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	c2, err := pool.Refresh(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.True(t, factory.clients[0].closed.Load())
	assert.Equal(t, 1, pool.Len())
}

func TestPool_CleanupIdle(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	userA, userB := uuid.New(), uuid.New()
	_, err := pool.Get(ctx, userA, virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)
	_, err = pool.Get(ctx, userB, virtualkey.ExchangeBybit, testPair, false)
	require.NoError(t, err)

	// userA is now 6 minutes idle, past the 5 minute limit
	now = now.Add(2 * time.Minute)
	pool.CleanupIdle()

	assert.Equal(t, 1, pool.Len())
	assert.True(t, factory.clients[0].closed.Load())
	assert.False(t, factory.clients[1].closed.Load())
}

func TestPool_CloseClosesEverything(t *testing.T) {
	pool, factory := newTestPool(t, testPoolConfig())
	ctx := context.Background()

	_, err := pool.Get(ctx, uuid.New(), virtualkey.ExchangeBinance, testPair, false)
	require.NoError(t, err)
	_, err = pool.Get(ctx, uuid.New(), virtualkey.ExchangeBybit, testPair, false)
	require.NoError(t, err)

	pool.Close()

	assert.Zero(t, pool.Len())
	for _, c := range factory.clients {
		assert.True(t, c.closed.Load())
	}
}

func TestPool_ExchangeRateLimitBlocks(t *testing.T) {
	limiters := ratelimit.NewExchangeLimiters()
	limiters.Add("binance", 60) // 1 rps refill, burst 60

	factory := &fakeFactory{}
	pool := NewPool(factory, limiters, testPoolConfig(), newTestLogger())
	t.Cleanup(pool.Close)

	userID := uuid.New()

	// Burst capacity admits the full per-minute budget immediately
	start := time.Now()
	for i := 0; i < 60; i++ {
		_, err := pool.Get(context.Background(), userID, virtualkey.ExchangeBinance, testPair, false)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	// The 61st call waits for the window instead of failing
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Get(ctx, userID, virtualkey.ExchangeBinance, testPair, false)
	assert.Error(t, err, "call is delayed until the budget refills, so a short deadline expires")
}
