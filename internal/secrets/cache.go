package secrets

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hermes/internal/domain/virtualkey"
	"hermes/pkg/crypto"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// CacheKey identifies one credential pair in the cache
type CacheKey struct {
	UserID   uuid.UUID
	Exchange virtualkey.ExchangeType
	Kind     virtualkey.KeyKind
}

// cacheEntry holds one pair encrypted at rest. Plaintext exists only
// transiently inside Get and Set.
type cacheEntry struct {
	apiKeyCT []byte
	secretCT []byte
	expireAt time.Time
}

// Cache is a process-wide store of decrypted credential pairs, AES-GCM
// encrypted at rest with a random key that never leaves this process.
// Entries expire on a sliding-but-bounded schedule: each read pushes the
// deadline out by half of the remaining TTL, so an idle entry still dies.
type Cache struct {
	mu      sync.Mutex
	entries map[CacheKey]*cacheEntry

	enc           *crypto.Encryptor
	defaultTTL    time.Duration
	sweepInterval time.Duration

	// injectable clock for expiry tests
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

// NewCache creates a cache and starts its background sweep
func NewCache(defaultTTL, sweepInterval time.Duration, log *logger.Logger) (*Cache, error) {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	enc, err := crypto.NewRandomEncryptor()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache encryptor")
	}

	c := &Cache{
		entries:       make(map[CacheKey]*cacheEntry),
		enc:           enc,
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		now:           time.Now,
		done:          make(chan struct{}),
		logger:        log,
	}

	go c.sweepLoop()

	return c, nil
}

// Get returns the decrypted pair for key, extending its deadline by half
// of the remaining TTL. A found-but-expired or undecryptable entry is
// removed and reported as a miss.
func (c *Cache) Get(key CacheKey) (virtualkey.SecretPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		return virtualkey.SecretPair{}, false
	}

	now := c.now()
	if !now.Before(entry.expireAt) {
		delete(c.entries, key)
		return virtualkey.SecretPair{}, false
	}

	apiKey, err := c.enc.Decrypt(entry.apiKeyCT)
	if err == nil {
		var secret string
		secret, err = c.enc.Decrypt(entry.secretCT)
		if err == nil {
			entry.expireAt = now.Add(entry.expireAt.Sub(now) * 3 / 2)
			return virtualkey.SecretPair{APIKey: apiKey, Secret: secret}, true
		}
	}

	// Corrupted ciphertext; drop the entry rather than serve garbage
	c.logger.Warnw("Dropping undecryptable secret cache entry",
		"user_id", key.UserID,
		"exchange", key.Exchange,
		"kind", key.Kind,
	)
	delete(c.entries, key)
	return virtualkey.SecretPair{}, false
}

// Set stores pair under key. A non-positive ttl uses the default.
func (c *Cache) Set(key CacheKey, pair virtualkey.SecretPair, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	apiKeyCT, err := c.enc.Encrypt(pair.APIKey)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt API key for cache")
	}
	secretCT, err := c.enc.Encrypt(pair.Secret)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt secret for cache")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		apiKeyCT: apiKeyCT,
		secretCT: secretCT,
		expireAt: c.now().Add(ttl),
	}
	return nil
}

// Remove deletes one entry
func (c *Cache) Remove(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear deletes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[CacheKey]*cacheEntry)
}

// Len returns the number of entries, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep and clears all entries
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.Clear()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expireAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debugw("Swept expired secret cache entries",
			"removed", removed,
			"remaining", len(c.entries),
		)
	}
}
