package secrets

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Stored secrets arrive in whatever format the user pasted into the UI:
// multi-line PEM, PEM collapsed to a single line, bare Base64 (raw seed or
// PKCS#8 blob), hex, or the raw seed itself. DecodeEd25519Seed tries each
// format in order and returns the 32-byte seed.

const (
	seedLen   = ed25519.SeedSize // 32
	pkcs8Len  = 48
	pemHeader = "-----BEGIN"
	pemFooter = "-----END"
)

// decodeStrategy attempts one encoding; ok=false means "not this format",
// a non-nil error means the format matched but the payload is broken.
type decodeStrategy struct {
	name   string
	decode func(s string) (seed []byte, ok bool, err error)
}

var strategies = []decodeStrategy{
	{"pem", decodePEM},
	{"base64", decodeBase64},
	{"hex", decodeHex},
	{"raw", decodeRaw},
}

// DecodeEd25519Seed converts an opaque stored secret into a 32-byte Ed25519
// seed. Returns ErrKeyDecode when no strategy can make sense of the input.
func DecodeEd25519Seed(secret string) ([]byte, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.Wrap(errors.ErrKeyDecode, "empty secret")
	}

	for _, s := range strategies {
		seed, ok, err := s.decode(trimmed)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrKeyDecode, "%s: %v (%s)", s.name, err, describeSecret(trimmed))
		}
		if ok {
			return seed, nil
		}
	}

	return nil, errors.Wrapf(errors.ErrKeyDecode, "unrecognized secret format (%s)", describeSecret(trimmed))
}

// PrivateKeyFromSecret decodes the secret and builds a signing key from it
func PrivateKeyFromSecret(secret string) (ed25519.PrivateKey, error) {
	seed, err := DecodeEd25519Seed(secret)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodePEM(s string) ([]byte, bool, error) {
	if !strings.Contains(s, pemHeader) {
		return nil, false, nil
	}

	// Secrets pasted through web forms often lose their newlines; rebuild
	// the three-line layout before stripping markers.
	if !strings.Contains(s, "\n") {
		s = reflowPEM(s)
	}

	var body strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, pemHeader) || strings.HasPrefix(line, pemFooter) {
			continue
		}
		body.WriteString(line)
	}

	decoded, err := base64.StdEncoding.DecodeString(body.String())
	if err != nil {
		return nil, false, fmt.Errorf("PEM body is not valid base64: %w", err)
	}

	seed, err := seedFromDER(decoded)
	if err != nil {
		return nil, false, err
	}
	return seed, true, nil
}

// reflowPEM reinserts newlines around the header and footer of a
// single-line PEM string
func reflowPEM(s string) string {
	// Header is "-----BEGIN <label> KEY-----", so find its closing marker
	idx := strings.Index(s, "KEY-----")
	if idx < 0 {
		return s
	}
	headerStop := idx + len("KEY-----")

	footerStart := strings.Index(s, pemFooter)
	if footerStart < 0 || footerStart < headerStop {
		return s
	}

	return s[:headerStop] + "\n" + strings.TrimSpace(s[headerStop:footerStart]) + "\n" + s[footerStart:]
}

func decodeBase64(s string) ([]byte, bool, error) {
	looksBase64 := strings.ContainsAny(s, "+/=") || len(s)%4 == 0
	if !looksBase64 {
		return nil, false, nil
	}

	// A 64-char hex string is also decodable base64 (into 48 garbage
	// bytes); let the hex strategy claim it.
	if isHexSeed(s) {
		return nil, false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Length happened to be a multiple of 4 but it is not base64;
		// let the next strategy have a go.
		return nil, false, nil
	}

	switch {
	case len(decoded) == seedLen:
		return decoded, true, nil
	case len(decoded) == pkcs8Len:
		seed, err := seedFromDER(decoded)
		if err != nil {
			return nil, false, err
		}
		return seed, true, nil
	case len(decoded) > seedLen:
		// Some exports append metadata; probe both ends for a usable seed
		if seed := probeSeed(decoded[:seedLen]); seed != nil {
			return seed, true, nil
		}
		if seed := probeSeed(decoded[len(decoded)-seedLen:]); seed != nil {
			return seed, true, nil
		}
		return nil, false, nil
	default:
		// Decoded fine but too short to be a seed; not this format
		return nil, false, nil
	}
}

func decodeHex(s string) ([]byte, bool, error) {
	if !isHexSeed(s) {
		return nil, false, nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, false, nil
	}
	return decoded, true, nil
}

func isHexSeed(s string) bool {
	if len(s) != seedLen*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// decodeRaw treats the string bytes as the seed itself, padding or
// truncating to 32 bytes. A wrong-length input still yields a valid but
// almost certainly wrong signing key, so this path is logged loudly.
// Kept only because some stored secrets predate format validation.
func decodeRaw(s string) ([]byte, bool, error) {
	raw := []byte(s)
	if len(raw) == seedLen {
		return raw, true, nil
	}

	logger.Get().Warnw("Secret is not a recognized key format, padding/truncating to 32 bytes (degraded)",
		"secret", describeSecret(s),
	)

	seed := make([]byte, seedLen)
	copy(seed, raw)
	return seed, true, nil
}

// seedFromDER extracts the seed from a 48-byte PKCS#8 Ed25519 blob
func seedFromDER(der []byte) ([]byte, error) {
	if len(der) == seedLen {
		return der, nil
	}
	if len(der) != pkcs8Len {
		return nil, fmt.Errorf("DER blob is %d bytes, expected %d", len(der), pkcs8Len)
	}

	// Prefer the real parser; fall back to the fixed offset for blobs with
	// slightly malformed metadata.
	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if priv, ok := parsed.(ed25519.PrivateKey); ok {
			return priv.Seed(), nil
		}
	}

	return der[16:48], nil
}

// probeSeed returns candidate if it is usable as a seed
func probeSeed(candidate []byte) []byte {
	if len(candidate) != seedLen {
		return nil
	}
	return candidate
}

// describeSecret renders a secret for logs without revealing it
func describeSecret(s string) string {
	if len(s) <= 8 {
		return fmt.Sprintf("len=%d", len(s))
	}
	return fmt.Sprintf("len=%d prefix=%s suffix=%s", len(s), s[:4], s[len(s)-4:])
}
