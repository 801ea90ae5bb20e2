package coder

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/limits"
	"github.com/opd-ai/cspcore/protocol"
)

// Offsets into the fixed envelope header.
const (
	offFrom        = 0
	offTo          = offFrom + protocol.IdentityLen
	offMessageID   = offTo + protocol.IdentityLen
	offDate        = offMessageID + protocol.MessageIDLen
	offFlags       = offDate + 4
	offReserved    = offFlags + 1
	offMetadataLen = offReserved + 1
	offPushFrom    = offMetadataLen + 2
	headerLen      = offPushFrom + protocol.PushFromLen
)

// MessageBox is the encrypted envelope exchanged with the chat server.
type MessageBox struct {
	From         protocol.Identity
	To           protocol.Identity
	MessageID    protocol.MessageID
	Date         time.Time
	Flags        byte
	PushFromName string
	MetadataBox  []byte
	Nonce        crypto.Nonce
	Box          []byte
}

// QueueID identifies the envelope in the send queue and in server acks.
func (b *MessageBox) QueueID() protocol.QueueMessageID {
	return protocol.QueueMessageID{MessageID: b.MessageID, Recipient: b.To}
}

// HasFlag reports whether all bits of flag are set.
func (b *MessageBox) HasFlag(flag byte) bool { return b.Flags&flag == flag }

// truncatePushFrom cuts name to the push-from field without splitting a
// UTF-8 sequence.
func truncatePushFrom(name string) string {
	if len(name) <= protocol.PushFromLen {
		return name
	}
	cut := protocol.PushFromLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// Bytes serializes the envelope.
func (b *MessageBox) Bytes() ([]byte, error) {
	if len(b.MetadataBox) > limits.MaxMetadataLen {
		return nil, fmt.Errorf("%w: metadata box of %d bytes", limits.ErrMessageTooLarge, len(b.MetadataBox))
	}
	out := make([]byte, headerLen, headerLen+len(b.MetadataBox)+crypto.NonceSize+len(b.Box))
	from, to := b.From.Bytes(), b.To.Bytes()
	copy(out[offFrom:], from[:])
	copy(out[offTo:], to[:])
	copy(out[offMessageID:], b.MessageID[:])
	binary.LittleEndian.PutUint32(out[offDate:], uint32(b.Date.Unix()))
	out[offFlags] = b.Flags
	binary.LittleEndian.PutUint16(out[offMetadataLen:], uint16(len(b.MetadataBox)))
	copy(out[offPushFrom:offPushFrom+protocol.PushFromLen], truncatePushFrom(b.PushFromName))
	out = append(out, b.MetadataBox...)
	out = append(out, b.Nonce[:]...)
	return append(out, b.Box...), nil
}

// ParseMessageBox reads an envelope received from the server.
func ParseMessageBox(data []byte) (*MessageBox, error) {
	if len(data) < headerLen+crypto.NonceSize {
		return nil, fmt.Errorf("%w: envelope of %d bytes is too short", ErrBadMessage, len(data))
	}
	from, err := protocol.ParseIdentity(data[offFrom:offTo])
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrBadMessage, err)
	}
	to, err := protocol.ParseIdentity(data[offTo:offMessageID])
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrBadMessage, err)
	}

	metadataLen := int(binary.LittleEndian.Uint16(data[offMetadataLen:]))
	if len(data) < headerLen+metadataLen+crypto.NonceSize {
		return nil, fmt.Errorf("%w: metadata length %d exceeds envelope", ErrBadMessage, metadataLen)
	}

	b := &MessageBox{
		From:         from,
		To:           to,
		Date:         time.Unix(int64(binary.LittleEndian.Uint32(data[offDate:])), 0),
		Flags:        data[offFlags],
		PushFromName: trimNUL(data[offPushFrom:headerLen]),
	}
	copy(b.MessageID[:], data[offMessageID:offDate])

	rest := data[headerLen:]
	if metadataLen > 0 {
		b.MetadataBox = append([]byte(nil), rest[:metadataLen]...)
	}
	rest = rest[metadataLen:]
	copy(b.Nonce[:], rest[:crypto.NonceSize])
	b.Box = append([]byte(nil), rest[crypto.NonceSize:]...)
	return b, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
