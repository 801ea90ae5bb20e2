package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketLen is the largest decrypted frame the server accepts.
	MaxPacketLen = 8192

	// PacketHeaderLen is the payload type byte plus three reserved bytes
	// at the start of every decrypted frame.
	PacketHeaderLen = 4

	// EncryptionOverhead is the Poly1305 tag added by NaCl box and secretbox.
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/box.Overhead

	// NonceLen is the size of a NaCl nonce.
	NonceLen = 24

	// MessageHeaderLen is the fixed envelope header: two identities,
	// message id, date, flags, reserved byte, metadata length and the
	// push-name field.
	MessageHeaderLen = 8 + 8 + 8 + 4 + 1 + 1 + 2 + 32

	// MaxMessageLen is the largest envelope body (metadata box plus
	// message box) that still fits into one frame.
	MaxMessageLen = MaxPacketLen - EncryptionOverhead - PacketHeaderLen - MessageHeaderLen - NonceLen

	// MinMessagePaddedLen is the minimum plaintext length after padding.
	MinMessagePaddedLen = 32

	// MaxFrameLen is the largest value of the 16-bit frame length prefix.
	MaxFrameLen = 0xffff

	// MaxMetadataLen is the largest metadata box the 16-bit length field
	// can describe.
	MaxMetadataLen = 0xffff
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateEnvelopeBody checks that an encrypted envelope body, made of
// the metadata box and the message box, fits into a single frame.
func ValidateEnvelopeBody(metadataLen, boxLen int) error {
	if boxLen == 0 {
		return ErrMessageEmpty
	}
	if metadataLen > MaxMetadataLen {
		return fmt.Errorf("%w: metadata size %d exceeds limit %d", ErrMessageTooLarge, metadataLen, MaxMetadataLen)
	}
	if total := metadataLen + boxLen; total > MaxMessageLen {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, total, MaxMessageLen)
	}
	return nil
}

// ValidateFrame checks a decrypted frame before it is encrypted and sent.
func ValidateFrame(frame []byte) error {
	if len(frame) < PacketHeaderLen {
		return fmt.Errorf("frame of %d bytes is shorter than the %d byte header", len(frame), PacketHeaderLen)
	}
	if len(frame) > MaxPacketLen {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, len(frame), MaxPacketLen)
	}
	return nil
}
