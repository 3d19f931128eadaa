package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// DefaultTokenLength is the entropy of exchange codes and oauth2 state, in bytes.
const DefaultTokenLength = 32

var ErrEmptyToken = errors.New("token and hash cannot be empty")

// HashedToken is an opaque random value and the digest kept server-side.
type HashedToken struct {
	Token string // returned to the client
	Hash  string // stored
}

// GenerateToken returns n random bytes, base64url encoded without padding.
// n <= 0 means DefaultTokenLength.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateHashedToken mints a DefaultTokenLength token with its digest.
func GenerateHashedToken() (*HashedToken, error) {
	token, err := GenerateToken(DefaultTokenLength)
	if err != nil {
		return nil, err
	}
	return &HashedToken{Token: token, Hash: HashToken(token)}, nil
}

// HashToken is the lookup key for any bearer value stored server-side:
// hex-encoded SHA-256.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to storedHash, in constant time.
func VerifyToken(token, storedHash string) (bool, error) {
	if token == "" || storedHash == "" {
		return false, ErrEmptyToken
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(storedHash)) == 1, nil
}
