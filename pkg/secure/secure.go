// Package secure provides the randomness and hashing capabilities used by
// the CWDTP handshake. Both are passed into the connection as values, so a
// test can swap the random source or the hash algorithm without touching
// the state machine.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Errors returned by this package.
var (
	ErrUnsupportedAlgorithm = errors.New("secure: unsupported hash algorithm")
	ErrInvalidLength        = errors.New("secure: byte count must be positive")
)

// Algorithm identifies a one-way hash function.
type Algorithm uint8

const (
	SHA256     Algorithm = iota + 1 // Protocol default
	SHA512                          // SHA-512
	SHA3_256                        // Keccak-based SHA3-256
	BLAKE2b256                      // BLAKE2b with a 256-bit digest
)

// String returns the canonical algorithm name.
func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "SHA-256"
	case SHA512:
		return "SHA-512"
	case SHA3_256:
		return "SHA3-256"
	case BLAKE2b256:
		return "BLAKE2b-256"
	default:
		return "Unknown"
	}
}

// ParseAlgorithm maps a name such as "sha-256" or "sha3-256" to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "-")) {
	case "SHA-256", "SHA256":
		return SHA256, nil
	case "SHA-512", "SHA512":
		return SHA512, nil
	case "SHA3-256", "SHA3":
		return SHA3_256, nil
	case "BLAKE2B-256", "BLAKE2B":
		return BLAKE2b256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// Hash returns the digest of buf under alg.
func Hash(buf []byte, alg Algorithm) ([]byte, error) {
	h, err := alg.new()
	if err != nil {
		return nil, err
	}
	h.Write(buf)
	return h.Sum(nil), nil
}

// Hasher computes digests with one fixed algorithm.
type Hasher interface {
	Sum(buf []byte) []byte
	Algorithm() Algorithm
}

type algHasher struct {
	alg Algorithm
}

// NewHasher returns a Hasher for alg.
func NewHasher(alg Algorithm) (Hasher, error) {
	if _, err := alg.new(); err != nil {
		return nil, err
	}
	return algHasher{alg: alg}, nil
}

// DefaultHasher returns the SHA-256 hasher used by the protocol.
func DefaultHasher() Hasher {
	return algHasher{alg: SHA256}
}

func (h algHasher) Sum(buf []byte) []byte {
	sum, _ := Hash(buf, h.alg)
	return sum
}

func (h algHasher) Algorithm() Algorithm {
	return h.alg
}

// Source produces cryptographically secure random bytes.
type Source struct {
	r io.Reader
}

// NewSource wraps r. A nil reader means crypto/rand.
func NewSource(r io.Reader) *Source {
	if r == nil {
		r = rand.Reader
	}
	return &Source{r: r}
}

// DefaultSource reads from crypto/rand.
var DefaultSource = NewSource(nil)

// Read returns n random bytes.
func (s *Source) Read(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("secure: read random bytes: %w", err)
	}
	return buf, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return DefaultSource.Read(n)
}
