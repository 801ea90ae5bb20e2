package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/salsa20/salsa"
)

// SharedSecret computes the NaCl precomputed box key between privateKey
// and peerPublicKey. The result is identical to box.Precompute, but
// low-order peer keys are rejected instead of producing a predictable key.
func SharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	dh, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		NewLogger("SharedSecret").
			WithFields(keyPreview(peerPublicKey[:], "peer_key")).
			WithError(err, "x25519").
			Warn("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var point [32]byte
	copy(point[:], dh)
	ZeroBytes(dh)

	var zero [16]byte
	var key [32]byte
	salsa.HSalsa20(&key, &zero, &point, &salsa.Sigma)
	ZeroBytes(point[:])

	return key, nil
}
