package secrets

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalQuery(t *testing.T) {
	assert.Equal(t, "", CanonicalQuery(nil))
	assert.Equal(t, "a=1", CanonicalQuery([]Param{{"a", "1"}}))
	assert.Equal(t, "b=2&a=1", CanonicalQuery([]Param{{"b", "2"}, {"a", "1"}}),
		"order must be preserved exactly as given")
}

func TestSignEd25519_VerifiableSignature(t *testing.T) {
	seed := testSeed()
	secret := hex.EncodeToString(seed)

	params := []Param{
		{"apiKey", "test-key"},
		{"timestamp", "1700000000000"},
	}

	sig, err := SignEd25519(params, secret)
	require.NoError(t, err)

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	assert.True(t, ed25519.Verify(pub, []byte("apiKey=test-key&timestamp=1700000000000"), sigBytes))
}

func TestSignEd25519_Deterministic(t *testing.T) {
	secret := hex.EncodeToString(testSeed())
	params := []Param{{"symbol", "BTCUSDT"}, {"side", "BUY"}}

	sig1, err := SignEd25519(params, secret)
	require.NoError(t, err)
	sig2, err := SignEd25519(params, secret)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	// Changing any value changes the signature
	sig3, err := SignEd25519([]Param{{"symbol", "BTCUSDT"}, {"side", "SELL"}}, secret)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3)

	// Parameter order matters
	sig4, err := SignEd25519([]Param{{"side", "BUY"}, {"symbol", "BTCUSDT"}}, secret)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig4)
}

func TestSignEd25519_BadSecret(t *testing.T) {
	_, err := SignEd25519([]Param{{"a", "1"}}, "")
	require.Error(t, err)
}

func TestSignHMAC_SortedCanonicalization(t *testing.T) {
	secret := "rest-api-secret"
	params := map[string]string{
		"timestamp": "1700000000000",
		"symbol":    "BTCUSDT",
		"side":      "BUY",
	}

	sig, err := SignHMAC(params, secret)
	require.NoError(t, err)

	// Keys sorted alphabetically: side, symbol, timestamp
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("side=BUY&symbol=BTCUSDT&timestamp=1700000000000"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignHMAC_Deterministic(t *testing.T) {
	params := map[string]string{"a": "1", "b": "2"}

	sig1, err := SignHMAC(params, "secret")
	require.NoError(t, err)
	sig2, err := SignHMAC(params, "secret")
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	sig3, err := SignHMAC(map[string]string{"a": "1", "b": "3"}, "secret")
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3)
}

func TestSignHMAC_EmptySecret(t *testing.T) {
	_, err := SignHMAC(map[string]string{"a": "1"}, "")
	require.Error(t, err)
}
