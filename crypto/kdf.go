package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Personalisation strings for the two key derivation domains.
const (
	PersonalE2E = "3ma-e2e"
	PersonalCSP = "3ma-csp"
)

const kdfFieldSize = 16

var (
	// ErrInvalidKDFInput is returned for an out-of-range secret, salt or
	// personal string.
	ErrInvalidKDFInput = errors.New("invalid kdf input")
)

// DeriveKey derives a 32-byte key from secret using keyed BLAKE2b-256.
//
// The personal and salt strings are each at most 16 bytes. They are
// zero-padded to 16 bytes and hashed as the message, which gives the same
// domain separation as the BLAKE2b parameter block fields. The secret is
// used as the BLAKE2b key and must be 1..64 bytes long.
func DeriveKey(personal, salt string, secret []byte) ([32]byte, error) {
	if len(personal) > kdfFieldSize || len(salt) > kdfFieldSize {
		return [32]byte{}, fmt.Errorf("%w: personal/salt longer than %d bytes", ErrInvalidKDFInput, kdfFieldSize)
	}
	if len(secret) == 0 || len(secret) > blake2b.Size {
		return [32]byte{}, fmt.Errorf("%w: secret length %d", ErrInvalidKDFInput, len(secret))
	}

	h, err := blake2b.New256(secret)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKDFInput, err)
	}

	var fields [2 * kdfFieldSize]byte
	copy(fields[:kdfFieldSize], personal)
	copy(fields[kdfFieldSize:], salt)
	h.Write(fields[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MAC computes a keyed BLAKE2b-256 over the concatenation of parts.
func MAC(key []byte, parts ...[]byte) ([32]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKDFInput, err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hash512 computes an unkeyed BLAKE2b-512 over the concatenation of parts.
// It compresses secrets that exceed the 64-byte BLAKE2b key limit.
func Hash512(parts ...[]byte) [64]byte {
	h, _ := blake2b.New512(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
