package coder

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/limits"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// Coder converts logical messages to and from envelopes for the local
// identity.
type Coder struct {
	contacts identity.ContactStore
	identity identity.Store
}

// New creates a Coder.
func New(contacts identity.ContactStore, id identity.Store) *Coder {
	return &Coder{contacts: contacts, identity: id}
}

func (c *Coder) publicKey(id protocol.Identity) ([32]byte, error) {
	contact := c.contacts.Contact(id)
	if contact == nil {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrMissingPublicKey, id)
	}
	return contact.PublicKey, nil
}

// Encode pads, encrypts and wraps m for its recipient under nonce. The
// sender is set to the local identity when empty.
func (c *Coder) Encode(m messages.Message, nonce crypto.Nonce) (*MessageBox, error) {
	h := m.MessageHeader()
	if h.From == "" {
		h.From = c.identity.Identity()
	}
	if h.Date.IsZero() {
		h.Date = time.Now()
	}

	plain, err := messages.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", m.Type(), err)
	}
	if err := limits.ValidateMessageSize(plain, limits.MaxMessageLen-limits.EncryptionOverhead); err != nil {
		return nil, fmt.Errorf("cannot encode %s: %w", m.Type(), err)
	}
	padded, err := pad(plain)
	if err != nil {
		return nil, err
	}

	peer, err := c.publicKey(h.To)
	if err != nil {
		return nil, err
	}
	sealed, err := c.identity.Encrypt(padded, nonce, peer)
	if err != nil {
		return nil, err
	}

	md := &Metadata{MessageID: h.ID, CreatedAt: h.Date}
	nickname := ""
	if m.AllowUserProfileDistribution() {
		nickname = c.identity.Nickname()
		if h.Nickname != "" {
			nickname = h.Nickname
		}
		md.Nickname, md.HasNickname = nickname, nickname != ""
	}
	ss, err := c.identity.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	mdBox, err := sealMetadata(md, nonce, ss)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Encode",
		"type":     m.Type().String(),
		"to":       h.To.String(),
		"id":       h.ID.String(),
		"padded":   len(padded),
	}).Debug("Encoded message")

	return &MessageBox{
		From:         h.From,
		To:           h.To,
		MessageID:    h.ID,
		Date:         h.Date,
		Flags:        messages.Flags(m),
		PushFromName: nickname,
		MetadataBox:  mdBox,
		Nonce:        nonce,
		Box:          sealed,
	}, nil
}

// Decode decrypts and parses an envelope addressed to the local identity.
func (c *Coder) Decode(box *MessageBox) (messages.Message, error) {
	me := c.identity.Identity()
	if box.To != me {
		return nil, fmt.Errorf("%w: envelope addressed to %s", ErrBadMessage, box.To)
	}
	if box.From == me {
		return nil, fmt.Errorf("%w: envelope claims to come from the local identity", ErrBadMessage)
	}

	peer, err := c.publicKey(box.From)
	if err != nil {
		return nil, err
	}

	padded, err := c.identity.Decrypt(box.Box, box.Nonce, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed for %s from %s", ErrBadMessage, box.MessageID, box.From)
	}
	if len(padded) == 1 {
		return nil, fmt.Errorf("%w: empty message", ErrBadMessage)
	}
	plain, err := unpad(padded)
	if err != nil {
		return nil, err
	}

	m, err := parse(plain)
	if err != nil {
		return nil, err
	}

	h := m.MessageHeader()
	h.From = box.From
	h.To = box.To
	h.ID = box.MessageID
	h.Date = box.Date
	h.Flags = box.Flags
	h.Nickname = box.PushFromName

	if len(box.MetadataBox) > 0 {
		ss, err := c.identity.SharedSecret(peer)
		if err != nil {
			return nil, err
		}
		md, err := openMetadata(box.MetadataBox, box.Nonce, ss)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrBadMessage, err)
		}
		var zero protocol.MessageID
		if md.MessageID != zero && md.MessageID != box.MessageID {
			logrus.WithFields(logrus.Fields{
				"function":    "Decode",
				"from":        box.From.String(),
				"envelope_id": box.MessageID.String(),
				"metadata_id": md.MessageID.String(),
			}).Warn("Metadata message id does not match envelope")
			return nil, fmt.Errorf("%w: metadata message id mismatch", ErrBadMessage)
		}
		if !md.CreatedAt.IsZero() {
			h.Date = md.CreatedAt
		}
		if md.HasNickname {
			h.Nickname = md.Nickname
		}
	}

	return m, nil
}

// DecodeEncapsulated parses the plaintext of a forward-secrecy message.
// Header fields are taken from the outer envelope.
func (c *Coder) DecodeEncapsulated(plain []byte, outer messages.Message, version protocol.FSVersion) (messages.Message, error) {
	if len(plain) < 1 {
		return nil, fmt.Errorf("%w: empty encapsulated message", ErrBadMessage)
	}
	t := protocol.MsgType(plain[0])
	if t == protocol.MsgForwardSecurity {
		return nil, fmt.Errorf("%w: nested forward security envelope", ErrBadMessage)
	}
	if version == protocol.FSVersion1_0 && messages.IsGroupType(t) {
		return nil, fmt.Errorf("%w: group message %s not allowed in version %s", ErrBadMessage, t, version)
	}

	m, err := parse(plain)
	if err != nil {
		return nil, err
	}
	oh, h := outer.MessageHeader(), m.MessageHeader()
	h.From = oh.From
	h.To = oh.To
	h.ID = oh.ID
	h.Date = oh.Date
	h.Flags = oh.Flags
	h.Nickname = oh.Nickname
	return m, nil
}

func parse(plain []byte) (messages.Message, error) {
	t := protocol.MsgType(plain[0])
	m, err := messages.Parse(t, plain[1:])
	if err != nil {
		if errors.Is(err, messages.ErrUnknownType) || errors.Is(err, messages.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return nil, err
	}
	return m, nil
}
