package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/lborres/susi/core"
)

// PasswordHandler is the credential verifier port, re-declared for callers
// that only import this package.
type PasswordHandler = core.PasswordHandler

var _ PasswordHandler = (*Argon2)(nil)

var (
	ErrInvalidHashFormat    = errors.New("invalid hash format")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrIncompatibleVersion  = errors.New("incompatible argon2 version")
	ErrHashParameters       = errors.New("argon2 parameters out of range")
)

// Limits on parameters read back from a stored hash. A tampered row must not
// make a login allocate unbounded memory.
const (
	maxStoredMemory     = 1 << 20 // KiB, 1 GiB
	maxStoredIterations = 16
	minStoredSalt       = 8
	minStoredKey        = 16
)

// Argon2 hashes passwords with Argon2id into PHC strings:
// $argon2id$v=19$m=<KiB>,t=<iterations>,p=<threads>$<salt>$<key>
type Argon2 struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32 // ignored by Verify
	KeyLength   uint32
}

// NewArgon2 returns the OWASP-recommended Argon2id parameters.
//
// @ref https://cheatsheetseries.owasp.org/cheatsheets/Password_Storage_Cheat_Sheet.html
func NewArgon2() *Argon2 {
	return &Argon2{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// argon2Hash is a decoded PHC string.
type argon2Hash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (h *argon2Hash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key),
	)
}

func (a *Argon2) Hash(password string) (string, error) {
	salt := make([]byte, a.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	h := &argon2Hash{
		memory:      a.Memory,
		iterations:  a.Iterations,
		parallelism: a.Parallelism,
		salt:        salt,
	}
	h.key = argon2.IDKey([]byte(password), salt, h.iterations, h.memory, h.parallelism, a.KeyLength)
	return h.String(), nil
}

// Verify recomputes the key with the parameters stored in encodedHash, so
// hashes made under older settings keep working.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	h, err := parseArgon2Hash(encodedHash)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(h.key, key) == 1, nil
}

func parseArgon2Hash(encoded string) (*argon2Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrInvalidHashFormat
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHashFormat, err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}

	h := &argon2Hash{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidHashFormat, err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrInvalidHashFormat, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrInvalidHashFormat, err)
	}

	switch {
	case h.memory == 0 || h.memory > maxStoredMemory,
		h.iterations == 0 || h.iterations > maxStoredIterations,
		h.parallelism == 0,
		len(h.salt) < minStoredSalt,
		len(h.key) < minStoredKey:
		return nil, ErrHashParameters
	}
	return h, nil
}
