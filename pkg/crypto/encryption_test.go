package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncryptor_KeyLength(t *testing.T) {
	_, err := NewEncryptor("too-short")
	require.Error(t, err)

	_, err = NewEncryptor("0123456789abcdef0123456789abcdef")
	assert.NoError(t, err)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("super-secret-api-key")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "super-secret")

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plaintext)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	first, err := enc.Encrypt("same input")
	require.NoError(t, err)
	second, err := enc.Encrypt("same input")
	require.NoError(t, err)

	// Random nonce makes every ciphertext distinct
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("payload")
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = enc.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	enc, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	other, err := NewEncryptor("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("payload")
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	enc, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	_, err = enc.DecryptBytes([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewRandomEncryptor(t *testing.T) {
	enc, err := NewRandomEncryptor()
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("cached secret")
	require.NoError(t, err)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "cached secret", plaintext)

	// A second random encryptor cannot read it
	other, err := NewRandomEncryptor()
	require.NoError(t, err)
	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}
