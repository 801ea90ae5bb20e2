package coder

import (
	"crypto/rand"
	"fmt"

	"github.com/opd-ai/cspcore/limits"
)

// pad appends PKCS#7 style padding of 1..254 random bytes, raised so that
// the result is at least limits.MinMessagePaddedLen long.
func pad(plain []byte) ([]byte, error) {
	var r [1]byte
	if _, err := rand.Read(r[:]); err != nil {
		return nil, fmt.Errorf("failed to generate padding length: %w", err)
	}
	n := int(r[0])%254 + 1
	if len(plain)+n < limits.MinMessagePaddedLen {
		n = limits.MinMessagePaddedLen - len(plain)
	}
	out := make([]byte, len(plain), len(plain)+n)
	copy(out, plain)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out, nil
}

// unpad strips the padding. The last byte is the padding length.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrBadMessage)
	}
	n := int(padded[len(padded)-1])
	realLen := len(padded) - n
	if realLen < 1 {
		return nil, fmt.Errorf("%w: bad padding", ErrBadMessage)
	}
	return padded[:realLen], nil
}
