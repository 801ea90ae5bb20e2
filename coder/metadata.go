package coder

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/protocol"
)

// metadataSalt derives the metadata key from the envelope shared secret.
const metadataSalt = "mm"

// nicknamePadTo hides short nicknames' lengths in the metadata box.
const nicknamePadTo = 16

// Metadata is the encrypted per-envelope metadata container.
type Metadata struct {
	Nickname    string
	HasNickname bool
	MessageID   protocol.MessageID
	CreatedAt   time.Time
}

func (md *Metadata) marshal() []byte {
	var b []byte
	if md.HasNickname {
		if pad := nicknamePadTo - len(md.Nickname); pad > 0 {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendBytes(b, make([]byte, pad))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, md.Nickname)
	}
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, md.MessageID.Uint64())
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(md.CreatedAt.UnixMilli()))
}

func unmarshalMetadata(b []byte) (*Metadata, error) {
	md := &Metadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 2 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			md.Nickname, md.HasNickname = string(v), true
			n = m
		case num == 3 && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			md.MessageID = protocol.MessageIDFromUint64(v)
			n = m
		case num == 4 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			if v != 0 {
				md.CreatedAt = time.UnixMilli(int64(v))
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return md, nil
}

func metadataKey(sharedSecret [32]byte) ([32]byte, error) {
	return crypto.DeriveKey(crypto.PersonalCSP, metadataSalt, sharedSecret[:])
}

func sealMetadata(md *Metadata, nonce crypto.Nonce, sharedSecret [32]byte) ([]byte, error) {
	key, err := metadataKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKey(&key)
	return crypto.EncryptSymmetric(md.marshal(), nonce, key), nil
}

func openMetadata(sealed []byte, nonce crypto.Nonce, sharedSecret [32]byte) (*Metadata, error) {
	key, err := metadataKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKey(&key)
	plain, err := crypto.DecryptSymmetric(sealed, nonce, key)
	if err != nil {
		return nil, err
	}
	md, err := unmarshalMetadata(plain)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return md, nil
}
