package credentials

import (
	"context"

	"github.com/google/uuid"

	"hermes/internal/domain/virtualkey"
	"hermes/internal/metrics"
	"hermes/internal/ratelimit"
	"hermes/internal/secrets"
	"hermes/pkg/crypto"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Operation is the capability a caller needs from a virtual key
type Operation string

const (
	OpRead  Operation = "read"
	OpTrade Operation = "trade"
)

// Service resolves virtual keys into usable credential pairs, enforcing
// the key's permission flags and per-key rate limit on the way. Decrypted
// pairs are cached so the persisted store is not hit on every call.
type Service struct {
	repo   virtualkey.Repository
	cache  *secrets.Cache
	enc    *crypto.Encryptor
	window *ratelimit.Window
	logger *logger.Logger
}

// NewService creates a credential resolver
func NewService(
	repo virtualkey.Repository,
	cache *secrets.Cache,
	enc *crypto.Encryptor,
	window *ratelimit.Window,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		enc:    enc,
		window: window,
		logger: log,
	}
}

// Resolve returns the decrypted credential pair of the given kind for a
// virtual key, after checking ownership, active state and permissions.
// lastUsedAt bookkeeping is best-effort and never fails the call.
func (s *Service) Resolve(
	ctx context.Context,
	userID, virtualKeyID uuid.UUID,
	kind virtualkey.KeyKind,
	op Operation,
) (virtualkey.SecretPair, *virtualkey.VirtualKey, error) {
	key, err := s.repo.GetByIDAndUser(ctx, virtualKeyID, userID)
	if err != nil {
		return virtualkey.SecretPair{}, nil, err
	}

	if !key.IsActive {
		return virtualkey.SecretPair{}, nil, errors.Wrapf(errors.ErrKeyInactive, "virtual key %s", virtualKeyID)
	}

	if err := checkPermission(key, op); err != nil {
		return virtualkey.SecretPair{}, nil, err
	}

	cacheKey := secrets.CacheKey{
		UserID:   userID,
		Exchange: key.Exchange,
		Kind:     kind,
	}

	pair, hit := s.cache.Get(cacheKey)
	if hit {
		metrics.SecretCacheOps.WithLabelValues("hit").Inc()
	} else {
		metrics.SecretCacheOps.WithLabelValues("miss").Inc()
		pair, err = key.Pair(kind, s.enc)
		if err != nil {
			return virtualkey.SecretPair{}, nil, err
		}

		if err := s.cache.Set(cacheKey, pair, 0); err != nil {
			// Cache failure is not fatal; the pair is still usable
			s.logger.Warnw("Failed to cache credential pair",
				"virtual_key_id", virtualKeyID,
				"error", err,
			)
		}
	}

	if err := s.repo.TouchLastUsed(ctx, key.ID); err != nil {
		s.logger.Warnw("Failed to update virtual key last_used_at",
			"virtual_key_id", key.ID,
			"error", err,
		)
	}

	return pair, key, nil
}

// CheckRateLimit consumes one slot of the key's per-minute budget.
// Callers must invoke this before each actual exchange call made with a
// resolved pair.
func (s *Service) CheckRateLimit(key *virtualkey.VirtualKey) error {
	if s.window.Allow(key.ID.String(), key.RateLimitPerMinute) {
		return nil
	}
	metrics.RateLimitRejections.WithLabelValues(key.Exchange.String()).Inc()
	return errors.Wrapf(errors.ErrRateLimited,
		"virtual key %s exceeded %d requests/minute", key.ID, key.RateLimitPerMinute)
}

// Invalidate drops any cached pairs for a virtual key, e.g. after the
// key was rotated or deactivated
func (s *Service) Invalidate(userID uuid.UUID, exchange virtualkey.ExchangeType) {
	for _, kind := range []virtualkey.KeyKind{virtualkey.KindHMAC, virtualkey.KindEd25519} {
		s.cache.Remove(secrets.CacheKey{UserID: userID, Exchange: exchange, Kind: kind})
	}
}

func checkPermission(key *virtualkey.VirtualKey, op Operation) error {
	switch op {
	case OpRead:
		if key.CanRead() {
			return nil
		}
	case OpTrade:
		if key.CanTrade() {
			return nil
		}
	default:
		return errors.Wrapf(errors.ErrInvalidInput, "unknown operation: %s", op)
	}
	return errors.Wrapf(errors.ErrPermissionDenied, "virtual key %s lacks %s permission", key.ID, op)
}
