package crypto

import (
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding key material with zeros.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe without the nil check error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKey zeroes a fixed-size key in place.
func WipeKey(key *[32]byte) {
	if key != nil {
		ZeroBytes(key[:])
	}
}

// WipeKeyPair erases the private half of a key pair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
