package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, isZeroKey(kp.Public))
	assert.False(t, isZeroKey(kp.Private))

	kp2, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, kp2.Public)
}

func TestFromSecretKey(t *testing.T) {
	t.Run("derives matching public key", func(t *testing.T) {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)

		restored, err := FromSecretKey(kp.Private)
		require.NoError(t, err)
		assert.Equal(t, kp.Public, restored.Public)
	})

	t.Run("rejects zero key", func(t *testing.T) {
		_, err := FromSecretKey([32]byte{})
		assert.Error(t, err)
	})
}

func TestBoxRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ct := Encrypt([]byte("hello bob"), nonce, bob.Public, alice.Private)
	assert.Len(t, ct, len("hello bob")+BoxOverhead)

	pt, err := Decrypt(ct, nonce, alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt)

	ct[0] ^= 0xff
	_, err = Decrypt(ct, nonce, alice.Public, bob.Private)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSharedSecretMatchesPrecompute(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)
	ba, err := SharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	var expected [32]byte
	box.Precompute(&expected, &bob.Public, &alice.Private)
	assert.Equal(t, expected, ab)

	nonce, err := GenerateNonce()
	require.NoError(t, err)
	ct := EncryptShared([]byte("payload"), nonce, ab)
	pt, err := Decrypt(ct, nonce, alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestSharedSecretRejectsLowOrderPoint(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SharedSecret([32]byte{}, kp.Private)
	assert.Error(t, err)
}

func TestSymmetricRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 7

	ct := EncryptSymmetric([]byte("secret"), ZeroNonce, key)
	pt, err := DecryptSymmetric(ct, ZeroNonce, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	key[1] = 1
	_, err = DecryptSymmetric(ct, ZeroNonce, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = DecryptSymmetric([]byte{1, 2, 3}, ZeroNonce, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))

	assert.Error(t, SecureWipe(nil))
	assert.Error(t, WipeKeyPair(nil))

	key := [32]byte{1, 2, 3}
	WipeKey(&key)
	assert.True(t, isZeroKey(key))
}
