package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size of a NaCl nonce.
const NonceSize = 24

// BoxOverhead is the authenticator length added by box and secretbox.
const BoxOverhead = box.Overhead

// Nonce is a 24-byte value used for encryption.
type Nonce [NonceSize]byte

// ZeroNonce is used where every key is used exactly once, such as
// forward-secrecy ratchet keys.
var ZeroNonce Nonce

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals message for recipientPK using the sender's long-term
// secret key (NaCl box).
func Encrypt(message []byte, nonce Nonce, recipientPK, senderSK [32]byte) []byte {
	return box.Seal(nil, message, (*[24]byte)(&nonce), &recipientPK, &senderSK)
}

// EncryptShared seals message with a key computed by SharedKey.
func EncryptShared(message []byte, nonce Nonce, sharedKey [32]byte) []byte {
	return box.SealAfterPrecomputation(nil, message, (*[24]byte)(&nonce), &sharedKey)
}

// EncryptSymmetric seals message with a symmetric key (NaCl secretbox).
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) []byte {
	return secretbox.Seal(nil, message, (*[24]byte)(&nonce), &key)
}
