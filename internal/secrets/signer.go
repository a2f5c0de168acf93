package secrets

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"

	"hermes/pkg/errors"
)

// Param is a single request parameter. Signing canonicalization is
// order-sensitive, so parameters travel as an ordered slice rather than
// a map.
type Param struct {
	Key   string
	Value string
}

// CanonicalQuery joins params as key=value pairs with & in the given order
func CanonicalQuery(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// SignEd25519 signs the canonical query string built from params in the
// exact order given. Callers must pre-sort when the protocol requires
// alphabetical ordering. Returns the Base64-encoded signature.
func SignEd25519(params []Param, secret string) (string, error) {
	priv, err := PrivateKeyFromSecret(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to build signing key")
	}

	payload := CanonicalQuery(params)
	sig := ed25519.Sign(priv, []byte(payload))

	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignHMAC signs the canonical query string with parameters sorted
// alphabetically by key, per the REST protocol. Returns the hex-encoded
// HMAC-SHA256 signature.
func SignHMAC(params map[string]string, secret string) (string, error) {
	if secret == "" {
		return "", errors.Wrap(errors.ErrKeyDecode, "empty HMAC secret")
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]Param, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, Param{Key: k, Value: params[k]})
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalQuery(ordered)))

	return hex.EncodeToString(mac.Sum(nil)), nil
}
