package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/limits"
	"github.com/opd-ai/cspcore/protocol"
)

// Payload is a decrypted frame.
type Payload struct {
	Type protocol.PayloadType
	Data []byte
}

// Bytes returns the frame plaintext: type, three reserved bytes, data.
func (p Payload) Bytes() []byte {
	out := make([]byte, limits.PacketHeaderLen, limits.PacketHeaderLen+len(p.Data))
	out[0] = byte(p.Type)
	return append(out, p.Data...)
}

// ParsePayload splits a decrypted frame.
func ParsePayload(frame []byte) (Payload, error) {
	if len(frame) < limits.PacketHeaderLen {
		return Payload{}, protocolError("short payload of %d bytes", len(frame))
	}
	return Payload{Type: protocol.PayloadType(frame[0]), Data: frame[limits.PacketHeaderLen:]}, nil
}

// SealFrame encrypts a payload under the next nonce of the sending
// direction.
func SealFrame(p Payload, key [32]byte, nonces *NonceCounter) ([]byte, error) {
	plain := p.Bytes()
	if err := limits.ValidateFrame(plain); err != nil {
		return nil, err
	}
	return crypto.EncryptShared(plain, nonces.Next(), key), nil
}

// OpenFrame decrypts a frame under the next nonce of the receiving
// direction.
func OpenFrame(box []byte, key [32]byte, nonces *NonceCounter) (Payload, error) {
	plain, err := crypto.DecryptShared(box, nonces.Next(), key)
	if err != nil {
		return Payload{}, protocolError("payload decryption failed")
	}
	return ParsePayload(plain)
}

// WriteFrame writes box with its 16-bit little-endian length prefix.
func WriteFrame(w io.Writer, box []byte) error {
	if len(box) > limits.MaxFrameLen {
		return fmt.Errorf("%w: frame of %d bytes", limits.ErrMessageTooLarge, len(box))
	}
	buf := make([]byte, 2, 2+len(box))
	binary.LittleEndian.PutUint16(buf, uint16(len(box)))
	_, err := w.Write(append(buf, box...))
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if n < limits.PacketHeaderLen {
		return nil, protocolError("short frame of %d bytes", n)
	}
	box := make([]byte, n)
	if _, err := io.ReadFull(r, box); err != nil {
		return nil, err
	}
	return box, nil
}
