package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// MessageIDLen is the length of a message id.
const MessageIDLen = 8

// MessageID is the random, sender-chosen identifier of a message. It is
// only unique per sender and recipient pair.
type MessageID [MessageIDLen]byte

// NewMessageID returns a random message id.
func NewMessageID() (MessageID, error) {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		return MessageID{}, err
	}
	return id, nil
}

// MessageIDFromBytes copies a message id from b.
func MessageIDFromBytes(b []byte) (MessageID, error) {
	var id MessageID
	if len(b) != MessageIDLen {
		return id, fmt.Errorf("message id must be %d bytes, got %d", MessageIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MessageIDFromUint64 converts the little-endian integer form used in
// protobuf fields back to a message id.
func MessageIDFromUint64(v uint64) MessageID {
	var id MessageID
	binary.LittleEndian.PutUint64(id[:], v)
	return id
}

// Uint64 returns the message id as a little-endian integer.
func (id MessageID) Uint64() uint64 {
	return binary.LittleEndian.Uint64(id[:])
}

// String returns the message id in hex.
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// QueueMessageID identifies an outgoing envelope for ack matching.
// Message ids are not unique across recipients, so the recipient is part
// of the key.
type QueueMessageID struct {
	MessageID MessageID
	Recipient Identity
}

func (q QueueMessageID) String() string {
	return fmt.Sprintf("%s/%s", q.Recipient, q.MessageID)
}
