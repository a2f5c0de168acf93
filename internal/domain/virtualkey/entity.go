package virtualkey

import (
	"time"

	"github.com/google/uuid"

	"hermes/pkg/crypto"
	"hermes/pkg/errors"
)

// VirtualKey is an indirection layer over a user's real exchange API
// credentials. It carries its own permission flags and rate limit, so
// application code never touches raw secret material directly.
type VirtualKey struct {
	ID       uuid.UUID    `db:"id"`
	UserID   uuid.UUID    `db:"user_id"`
	Exchange ExchangeType `db:"exchange"`
	Label    string       `db:"label"`

	// HMAC pair used for REST request signing
	APIKeyEncrypted []byte `db:"api_key_encrypted"`
	SecretEncrypted []byte `db:"secret_encrypted"`

	// Ed25519 pair used for WebSocket session logon
	StreamKeyEncrypted    []byte `db:"stream_key_encrypted"`
	StreamSecretEncrypted []byte `db:"stream_secret_encrypted"`

	IsTestnet          bool       `db:"is_testnet"`
	Permissions        []string   `db:"permissions"` // read, trade
	RateLimitPerMinute int        `db:"rate_limit_per_minute"`
	IsActive           bool       `db:"is_active"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// ExchangeType defines supported exchanges
type ExchangeType string

const (
	ExchangeBinance ExchangeType = "binance"
	ExchangeBybit   ExchangeType = "bybit"
)

// Valid checks if exchange type is valid
func (e ExchangeType) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeBybit:
		return true
	}
	return false
}

// String returns string representation
func (e ExchangeType) String() string {
	return string(e)
}

// KeyKind identifies which credential pair of a virtual key is meant
type KeyKind string

const (
	// KindHMAC is the HMAC-SHA256 pair used by REST clients
	KindHMAC KeyKind = "hmac"
	// KindEd25519 is the Ed25519 pair used by the WebSocket trading API
	KindEd25519 KeyKind = "ed25519"
)

// SecretPair is a decrypted credential pair. Callers must not persist it.
type SecretPair struct {
	APIKey string
	Secret string
}

// CanRead reports whether the key grants read access
func (k *VirtualKey) CanRead() bool {
	return k.hasPermission("read")
}

// CanTrade reports whether the key grants trading access
func (k *VirtualKey) CanTrade() bool {
	return k.hasPermission("trade")
}

func (k *VirtualKey) hasPermission(name string) bool {
	for _, p := range k.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// SetPair encrypts and stores a credential pair of the given kind
func (k *VirtualKey) SetPair(kind KeyKind, pair SecretPair, enc *crypto.Encryptor) error {
	apiKey, err := enc.Encrypt(pair.APIKey)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt API key")
	}
	secret, err := enc.Encrypt(pair.Secret)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt secret")
	}

	switch kind {
	case KindHMAC:
		k.APIKeyEncrypted = apiKey
		k.SecretEncrypted = secret
	case KindEd25519:
		k.StreamKeyEncrypted = apiKey
		k.StreamSecretEncrypted = secret
	default:
		return errors.Wrapf(errors.ErrInvalidInput, "unknown key kind: %s", kind)
	}
	return nil
}

// Pair decrypts and returns the credential pair of the given kind.
// ErrNotFound is returned when the key has no pair of that kind stored.
func (k *VirtualKey) Pair(kind KeyKind, enc *crypto.Encryptor) (SecretPair, error) {
	var keyCT, secretCT []byte

	switch kind {
	case KindHMAC:
		keyCT, secretCT = k.APIKeyEncrypted, k.SecretEncrypted
	case KindEd25519:
		keyCT, secretCT = k.StreamKeyEncrypted, k.StreamSecretEncrypted
	default:
		return SecretPair{}, errors.Wrapf(errors.ErrInvalidInput, "unknown key kind: %s", kind)
	}

	if len(keyCT) == 0 || len(secretCT) == 0 {
		return SecretPair{}, errors.Wrapf(errors.ErrNotFound, "no %s credentials stored for key %s", kind, k.ID)
	}

	apiKey, err := enc.Decrypt(keyCT)
	if err != nil {
		return SecretPair{}, errors.Wrap(err, "failed to decrypt API key")
	}
	secret, err := enc.Decrypt(secretCT)
	if err != nil {
		return SecretPair{}, errors.Wrap(err, "failed to decrypt secret")
	}

	return SecretPair{APIKey: apiKey, Secret: secret}, nil
}
