package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hermes/internal/domain/virtualkey"
	"hermes/internal/ratelimit"
	"hermes/internal/secrets"
	"hermes/pkg/crypto"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zl, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zl.Sugar()}
}

// fakeRepo is an in-memory virtualkey.Repository
type fakeRepo struct {
	keys        map[uuid.UUID]*virtualkey.VirtualKey
	gets        int
	touches     int
	touchErr    error
	lastTouched uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{keys: make(map[uuid.UUID]*virtualkey.VirtualKey)}
}

func (r *fakeRepo) Create(ctx context.Context, key *virtualkey.VirtualKey) error {
	r.keys[key.ID] = key
	return nil
}

func (r *fakeRepo) GetByIDAndUser(ctx context.Context, id, userID uuid.UUID) (*virtualkey.VirtualKey, error) {
	r.gets++
	key, ok := r.keys[id]
	if !ok || key.UserID != userID {
		return nil, errors.Wrapf(errors.ErrNotFound, "virtual key %s", id)
	}
	return key, nil
}

func (r *fakeRepo) GetByUser(ctx context.Context, userID uuid.UUID) ([]*virtualkey.VirtualKey, error) {
	var out []*virtualkey.VirtualKey
	for _, k := range r.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *fakeRepo) Update(ctx context.Context, key *virtualkey.VirtualKey) error { return nil }

func (r *fakeRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	r.touches++
	r.lastTouched = id
	return r.touchErr
}

func (r *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(r.keys, id)
	return nil
}

type testEnv struct {
	svc    *Service
	repo   *fakeRepo
	cache  *secrets.Cache
	userID uuid.UUID
	keyID  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	enc, err := crypto.NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	cache, err := secrets.NewCache(time.Hour, time.Hour, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	repo := newFakeRepo()

	env := &testEnv{
		svc:    NewService(repo, cache, enc, ratelimit.NewWindow(), newTestLogger()),
		repo:   repo,
		cache:  cache,
		userID: uuid.New(),
		keyID:  uuid.New(),
	}

	key := &virtualkey.VirtualKey{
		ID:                 env.keyID,
		UserID:             env.userID,
		Exchange:           virtualkey.ExchangeBinance,
		Permissions:        []string{"read", "trade"},
		RateLimitPerMinute: 3,
		IsActive:           true,
	}
	require.NoError(t, key.SetPair(virtualkey.KindHMAC,
		virtualkey.SecretPair{APIKey: "rest-key", Secret: "rest-secret"}, enc))
	require.NoError(t, key.SetPair(virtualkey.KindEd25519,
		virtualkey.SecretPair{APIKey: "ws-key", Secret: "ws-secret"}, enc))
	repo.keys[env.keyID] = key

	return env
}

func TestResolve_DecryptsAndCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, key, err := env.svc.Resolve(ctx, env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	require.NoError(t, err)
	assert.Equal(t, "rest-key", pair.APIKey)
	assert.Equal(t, "rest-secret", pair.Secret)
	assert.Equal(t, env.keyID, key.ID)
	assert.Equal(t, 1, env.repo.touches, "lastUsedAt is touched on resolve")

	// Second resolve is served from the cache
	cacheKey := secrets.CacheKey{UserID: env.userID, Exchange: virtualkey.ExchangeBinance, Kind: virtualkey.KindHMAC}
	_, hit := env.cache.Get(cacheKey)
	assert.True(t, hit)

	pair2, _, err := env.svc.Resolve(ctx, env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	require.NoError(t, err)
	assert.Equal(t, pair, pair2)
}

func TestResolve_KindsAreSeparate(t *testing.T) {
	env := newTestEnv(t)

	pair, _, err := env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindEd25519, OpTrade)
	require.NoError(t, err)
	assert.Equal(t, "ws-key", pair.APIKey)
	assert.Equal(t, "ws-secret", pair.Secret)
}

func TestResolve_UnknownKey(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.Resolve(context.Background(), env.userID, uuid.New(), virtualkey.KindHMAC, OpRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolve_WrongOwner(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.Resolve(context.Background(), uuid.New(), env.keyID, virtualkey.KindHMAC, OpRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolve_InactiveKey(t *testing.T) {
	env := newTestEnv(t)
	env.repo.keys[env.keyID].IsActive = false

	_, _, err := env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrKeyInactive))
}

func TestResolve_PermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.repo.keys[env.keyID].Permissions = []string{"read"}

	_, _, err := env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindHMAC, OpTrade)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPermissionDenied))

	// Read is still allowed
	_, _, err = env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	assert.NoError(t, err)
}

func TestResolve_MissingPairForKind(t *testing.T) {
	env := newTestEnv(t)
	env.repo.keys[env.keyID].StreamKeyEncrypted = nil
	env.repo.keys[env.keyID].StreamSecretEncrypted = nil

	// A key with only an HMAC pair cannot serve a stream connection
	_, _, err := env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindEd25519, OpTrade)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolve_TouchFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.repo.touchErr = errors.New("db down")

	_, _, err := env.svc.Resolve(context.Background(), env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	assert.NoError(t, err)
}

func TestCheckRateLimit(t *testing.T) {
	env := newTestEnv(t)
	key := env.repo.keys[env.keyID]

	for i := 0; i < 3; i++ {
		assert.NoError(t, env.svc.CheckRateLimit(key))
	}

	err := env.svc.CheckRateLimit(key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Resolve(ctx, env.userID, env.keyID, virtualkey.KindHMAC, OpRead)
	require.NoError(t, err)

	env.svc.Invalidate(env.userID, virtualkey.ExchangeBinance)

	cacheKey := secrets.CacheKey{UserID: env.userID, Exchange: virtualkey.ExchangeBinance, Kind: virtualkey.KindHMAC}
	_, hit := env.cache.Get(cacheKey)
	assert.False(t, hit)
}
