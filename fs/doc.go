// Package fs implements forward secrecy for end-to-end messages.
//
// A session between two identities starts with the initiator sending an
// Init carrying an ephemeral public key. Until the Accept arrives the
// initiator encrypts with a 2DH ratchet derived from its long-term key
// pair and the ephemeral key. The responder answers with its own
// ephemeral key; both sides then derive a 4DH ratchet pair from all four
// Diffie-Hellman combinations and drop the 2DH ratchets once the first
// 4DH message has been seen.
//
// Every message key comes from a KDFRatchet turned once per message, so
// a compromised long-term key does not reveal past messages.
//
// Incoming messages are decrypted by ProcessEnvelope, which does not
// advance the peer ratchet past the message. The application calls
// CommitPeerRatchet after the message has been stored, so a crash in
// between leads to the message being decrypted again instead of lost:
//
//	inner, rid, err := proc.ProcessEnvelope(contact, env)
//	if err != nil {
//	    return err
//	}
//	if inner != nil {
//	    deliver(inner)
//	}
//	return proc.CommitPeerRatchet(rid)
//
// Sessions are kept in a SessionStore. MemoryStore is provided here and a
// SQLite store lives in package storage.
package fs
