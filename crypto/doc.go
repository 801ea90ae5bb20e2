// Package crypto wraps the NaCl and BLAKE2b primitives used by the chat
// server protocol and the end-to-end message layers.
//
// # Boxes
//
// Long-term identity keys encrypt message envelopes with NaCl box:
//
//	nonce, _ := crypto.GenerateNonce()
//	ct := crypto.Encrypt(plaintext, nonce, peerPublicKey, myPrivateKey)
//	pt, err := crypto.Decrypt(ct, nonce, peerPublicKey, myPrivateKey)
//
// Connections and ratchets work on precomputed keys (SharedSecret) and on
// symmetric secretbox keys (EncryptSymmetric, DecryptSymmetric).
//
// # Key derivation
//
// DeriveKey is a keyed BLAKE2b-256 with a personal string and a salt. The
// two personal strings in use are PersonalCSP for the server handshake
// and message metadata, and PersonalE2E for forward-secrecy sessions.
// MAC computes the handshake vouch.
//
// # Nonces
//
// NonceStore is the nonce factory for message envelopes. It hands out
// fresh nonces for outgoing messages and detects replayed incoming ones.
//
// # Memory hygiene
//
// Private keys and derived secrets are wiped with ZeroBytes, WipeKey and
// WipeKeyPair once they are no longer needed.
package crypto
