package protocol

import (
	"crypto/subtle"

	"github.com/colonialwars/cwclient/pkg/binconv"
	"github.com/colonialwars/cwclient/pkg/secure"
)

// Subprotocol is the WebSocket subprotocol token both sides must negotiate.
const Subprotocol = "cwdtp"

// Salt is appended to the request key before hashing. Client and server
// share it as part of the protocol definition.
const Salt = "0c6f7a1e-3b5d-4e8a-9f21-6d7c8b9a0e45"

// RequestKeySize is the number of random bytes in a request key.
const RequestKeySize = 16

// NewRequestKey draws a fresh request key from src.
func NewRequestKey(src *secure.Source) (string, error) {
	if src == nil {
		src = secure.DefaultSource
	}
	b, err := src.Read(RequestKeySize)
	if err != nil {
		return "", err
	}
	return binconv.ToBase64(b), nil
}

// ComputeResponseKey derives the response key the server must return for
// reqKey. A nil hasher means SHA-256.
func ComputeResponseKey(reqKey string, h secure.Hasher) string {
	if h == nil {
		h = secure.DefaultHasher()
	}
	return binconv.ToBase64(h.Sum(binconv.ToBinary(reqKey + Salt)))
}

// VerifyResponseKey reports whether resKey answers reqKey. The comparison
// runs in constant time.
func VerifyResponseKey(reqKey, resKey string, h secure.Hasher) bool {
	want := ComputeResponseKey(reqKey, h)
	return subtle.ConstantTimeCompare([]byte(want), []byte(resKey)) == 1
}
