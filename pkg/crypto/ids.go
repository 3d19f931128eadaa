package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/bits"
)

// Prefixes of generated row IDs.
const (
	PrefixIdentityLink = "idl"
	PrefixRefreshToken = "rtk"
)

const (
	idAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	idSize        = 22 // 132 bits of entropy over the default alphabet
	minIDAlphabet = 2
	maxIDAlphabet = 256
)

var (
	ErrAlphabetSize     = fmt.Errorf("alphabet must contain %d to %d characters", minIDAlphabet, maxIDAlphabet)
	ErrAlphabetNotASCII = errors.New("alphabet must contain only ASCII characters")
	ErrIDSize           = errors.New("id size must be positive")
)

// IDGenerator draws fixed-size random strings from an alphabet. Bytes that
// fall outside the alphabet after masking are discarded so every symbol is
// equally likely.
type IDGenerator struct {
	alphabet string
	mask     byte
	size     int
}

var defaultIDs = &IDGenerator{alphabet: idAlphabet, mask: maskFor(len(idAlphabet)), size: idSize}

func NewIDGenerator(alphabet string, size int) (*IDGenerator, error) {
	if len(alphabet) < minIDAlphabet || len(alphabet) > maxIDAlphabet {
		return nil, ErrAlphabetSize
	}
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] > 127 {
			return nil, ErrAlphabetNotASCII
		}
	}
	if size <= 0 {
		return nil, ErrIDSize
	}
	return &IDGenerator{alphabet: alphabet, mask: maskFor(len(alphabet)), size: size}, nil
}

// maskFor returns the smallest all-ones byte covering every alphabet index.
func maskFor(n int) byte {
	return byte(1<<bits.Len(uint(n-1)) - 1)
}

func (g *IDGenerator) Generate() (string, error) {
	out := make([]byte, 0, g.size)
	// Oversample a little so one read usually suffices.
	buf := make([]byte, g.size+g.size/2+1)
	for len(out) < g.size {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if idx := int(b & g.mask); idx < len(g.alphabet) {
				out = append(out, g.alphabet[idx])
				if len(out) == g.size {
					break
				}
			}
		}
	}
	return string(out), nil
}

// NewID returns "<prefix>_<22 random characters>", or just the random part
// when prefix is empty.
func NewID(prefix string) (string, error) {
	id, err := defaultIDs.Generate()
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return id, nil
	}
	return prefix + "_" + id, nil
}
