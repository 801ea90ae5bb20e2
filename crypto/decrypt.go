package crypto

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailed is returned when a box fails authentication.
var ErrDecryptionFailed = errors.New("decryption failed")

// Decrypt opens a box produced by Encrypt.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) < BoxOverhead {
		return nil, ErrDecryptionFailed
	}
	plaintext, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), &senderPK, &recipientSK)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":        "Decrypt",
			"ciphertext_size": len(ciphertext),
		}).Debug("Box authentication failed")
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptShared opens a box produced by EncryptShared.
func DecryptShared(ciphertext []byte, nonce Nonce, sharedKey [32]byte) ([]byte, error) {
	if len(ciphertext) < BoxOverhead {
		return nil, ErrDecryptionFailed
	}
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, (*[24]byte)(&nonce), &sharedKey)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptSymmetric opens a secretbox produced by EncryptSymmetric.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) < BoxOverhead {
		return nil, ErrDecryptionFailed
	}
	plaintext, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
