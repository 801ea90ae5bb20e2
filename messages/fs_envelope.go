package messages

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/cspcore/protocol"
)

// FSSessionIDLen is the length of a forward-secrecy session id.
const FSSessionIDLen = 16

// FSSessionID identifies a forward-secrecy session between two peers.
type FSSessionID [FSSessionIDLen]byte

// NewFSSessionID returns a random session id.
func NewFSSessionID() (FSSessionID, error) {
	var id FSSessionID
	if _, err := rand.Read(id[:]); err != nil {
		return FSSessionID{}, fmt.Errorf("failed to generate session id: %w", err)
	}
	return id, nil
}

func (id FSSessionID) String() string { return hex.EncodeToString(id[:]) }

// DHType selects the ratchet family of an encapsulated message.
type DHType uint8

// DH types.
const (
	DHType2DH DHType = 0
	DHType4DH DHType = 1
)

func (t DHType) String() string {
	if t == DHType4DH {
		return "4DH"
	}
	return "2DH"
}

// RejectCause explains why an encapsulated message was rejected.
type RejectCause uint8

// Reject causes.
const (
	RejectStateMismatch   RejectCause = 0
	RejectUnknownSession  RejectCause = 1
	RejectDisabledByLocal RejectCause = 2
)

func (c RejectCause) String() string {
	switch c {
	case RejectStateMismatch:
		return "STATE_MISMATCH"
	case RejectUnknownSession:
		return "UNKNOWN_SESSION"
	case RejectDisabledByLocal:
		return "DISABLED_BY_LOCAL"
	}
	return fmt.Sprintf("RejectCause(%d)", uint8(c))
}

// TerminateCause explains why a session was terminated.
type TerminateCause uint8

// Terminate causes.
const (
	TerminateUnknownSession   TerminateCause = 0
	TerminateReset            TerminateCause = 1
	TerminateDisabledByLocal  TerminateCause = 2
	TerminateDisabledByRemote TerminateCause = 3
)

func (c TerminateCause) String() string {
	switch c {
	case TerminateUnknownSession:
		return "UNKNOWN_SESSION"
	case TerminateReset:
		return "RESET"
	case TerminateDisabledByLocal:
		return "DISABLED_BY_LOCAL"
	case TerminateDisabledByRemote:
		return "DISABLED_BY_REMOTE"
	}
	return fmt.Sprintf("TerminateCause(%d)", uint8(c))
}

// FSData is the payload of a forward-security envelope: one of *FSInit,
// *FSAccept, *FSReject, *FSTerminate or *FSMessage.
type FSData interface {
	Session() FSSessionID
	appendTo(b []byte) []byte
}

// FSInit starts a new session and carries the initiator's ephemeral key.
type FSInit struct {
	SessionID          FSSessionID
	Versions           protocol.VersionRange
	EphemeralPublicKey [32]byte
}

// FSAccept answers an Init with the responder's ephemeral key.
type FSAccept struct {
	SessionID          FSSessionID
	Versions           protocol.VersionRange
	EphemeralPublicKey [32]byte
}

// FSReject tells the sender that one of its messages could not be
// decrypted. The session is gone on the rejecting side.
type FSReject struct {
	SessionID         FSSessionID
	RejectedMessageID protocol.MessageID
	Cause             RejectCause
}

// FSTerminate ends a session.
type FSTerminate struct {
	SessionID FSSessionID
	Cause     TerminateCause
}

// FSMessage carries an encrypted inner message.
type FSMessage struct {
	SessionID      FSSessionID
	DHType         DHType
	Counter        uint64
	OfferedVersion protocol.FSVersion
	AppliedVersion protocol.FSVersion
	Ciphertext     []byte
}

func (d *FSInit) Session() FSSessionID { return d.SessionID }
func (d *FSAccept) Session() FSSessionID { return d.SessionID }
func (d *FSReject) Session() FSSessionID { return d.SessionID }
func (d *FSTerminate) Session() FSSessionID { return d.SessionID }
func (d *FSMessage) Session() FSSessionID { return d.SessionID }

// Envelope field numbers.
const (
	fsFieldSessionID    = 1
	fsFieldInit         = 2
	fsFieldAccept       = 3
	fsFieldReject       = 4
	fsFieldTerminate    = 5
	fsFieldEncapsulated = 6
)

func appendVersionRange(b []byte, r protocol.VersionRange) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(r.Min))
	inner = protowire.AppendTag(inner, 2, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(r.Max))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendKeyExchange(b []byte, field protowire.Number, pub [32]byte, versions protocol.VersionRange) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.BytesType)
	inner = protowire.AppendBytes(inner, pub[:])
	inner = appendVersionRange(inner, versions)
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func (d *FSInit) appendTo(b []byte) []byte {
	return appendKeyExchange(b, fsFieldInit, d.EphemeralPublicKey, d.Versions)
}

func (d *FSAccept) appendTo(b []byte) []byte {
	return appendKeyExchange(b, fsFieldAccept, d.EphemeralPublicKey, d.Versions)
}

func (d *FSReject) appendTo(b []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.Fixed64Type)
	inner = protowire.AppendFixed64(inner, d.RejectedMessageID.Uint64())
	inner = protowire.AppendTag(inner, 2, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.Cause))
	b = protowire.AppendTag(b, fsFieldReject, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func (d *FSTerminate) appendTo(b []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.Cause))
	b = protowire.AppendTag(b, fsFieldTerminate, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func (d *FSMessage) appendTo(b []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.DHType))
	inner = protowire.AppendTag(inner, 2, protowire.Fixed64Type)
	inner = protowire.AppendFixed64(inner, d.Counter)
	inner = protowire.AppendTag(inner, 3, protowire.BytesType)
	inner = protowire.AppendBytes(inner, d.Ciphertext)
	inner = protowire.AppendTag(inner, 4, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.OfferedVersion))
	inner = protowire.AppendTag(inner, 5, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.AppliedVersion))
	b = protowire.AppendTag(b, fsFieldEncapsulated, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func parseVersionRange(b []byte) (protocol.VersionRange, error) {
	var r protocol.VersionRange
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n, err := consumeVarint(typ, b)
			if num == 1 {
				r.Min = protocol.FSVersion(v)
			} else {
				r.Max = protocol.FSVersion(v)
			}
			return n, err
		}
		return -1, nil
	})
	return r, err
}

func parseKeyExchange(b []byte) (pub [32]byte, versions protocol.VersionRange, err error) {
	haveKey := false
	err = protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v) != len(pub) {
				return 0, fmt.Errorf("%w: ephemeral key length %d", ErrMalformed, len(v))
			}
			copy(pub[:], v)
			haveKey = true
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			versions, err = parseVersionRange(v)
			return n, err
		}
		return -1, nil
	})
	if err == nil && !haveKey {
		err = fmt.Errorf("%w: missing ephemeral key", ErrMalformed)
	}
	// Peers that predate version negotiation send no range.
	if versions.Min == protocol.FSVersionUnspecified {
		versions.Min = protocol.FSVersion1_0
	}
	if versions.Max == protocol.FSVersionUnspecified {
		versions.Max = protocol.FSVersion1_0
	}
	return pub, versions, err
}

func parseFSReject(b []byte) (*FSReject, error) {
	d := &FSReject{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeFixed64(typ, b)
			d.RejectedMessageID = protocol.MessageIDFromUint64(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			d.Cause = RejectCause(v)
			return n, err
		}
		return -1, nil
	})
	return d, err
}

func parseFSTerminate(b []byte) (*FSTerminate, error) {
	d := &FSTerminate{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			d.Cause = TerminateCause(v)
			return n, err
		}
		return -1, nil
	})
	return d, err
}

func parseFSMessage(b []byte) (*FSMessage, error) {
	d := &FSMessage{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err == nil && v > uint64(DHType4DH) {
				err = fmt.Errorf("%w: unknown DH type %d", ErrMalformed, v)
			}
			d.DHType = DHType(v)
			return n, err
		case 2:
			v, n, err := consumeFixed64(typ, b)
			d.Counter = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			d.Ciphertext = append([]byte(nil), v...)
			return n, err
		case 4, 5:
			v, n, err := consumeVarint(typ, b)
			if num == 4 {
				d.OfferedVersion = protocol.FSVersion(v)
			} else {
				d.AppliedVersion = protocol.FSVersion(v)
			}
			return n, err
		}
		return -1, nil
	})
	return d, err
}

// ForwardSecurityEnvelope is the outer message of the forward-secrecy
// sub-protocol.
type ForwardSecurityEnvelope struct {
	Header
	Data FSData
}

func (*ForwardSecurityEnvelope) Type() protocol.MsgType { return protocol.MsgForwardSecurity }

// DefaultFlags is zero; flags of an encapsulated message are copied into
// Header.Flags by the sender.
func (*ForwardSecurityEnvelope) DefaultFlags() byte { return 0 }

// MinimumFSVersion reports that envelopes are never nested.
func (*ForwardSecurityEnvelope) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersionUnspecified, false
}

// AllowUserProfileDistribution follows the wrapped message via the
// Nickname already copied into the header.
func (m *ForwardSecurityEnvelope) AllowUserProfileDistribution() bool {
	return m.Nickname != ""
}

func (m *ForwardSecurityEnvelope) Body() ([]byte, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("%w: forward security envelope without data", ErrMalformed)
	}
	sid := m.Data.Session()
	var b []byte
	b = protowire.AppendTag(b, fsFieldSessionID, protowire.BytesType)
	b = protowire.AppendBytes(b, sid[:])
	return m.Data.appendTo(b), nil
}

func parseForwardSecurityEnvelope(body []byte) (Message, error) {
	var (
		sid     FSSessionID
		haveSID bool
		data    FSData
	)
	err := protoFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fsFieldSessionID {
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v) != FSSessionIDLen {
				return 0, fmt.Errorf("%w: session id length %d", ErrMalformed, len(v))
			}
			copy(sid[:], v)
			haveSID = true
			return n, nil
		}
		if num < fsFieldInit || num > fsFieldEncapsulated {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		if data != nil {
			return 0, fmt.Errorf("%w: more than one forward security payload", ErrMalformed)
		}
		switch num {
		case fsFieldInit:
			d := &FSInit{}
			d.EphemeralPublicKey, d.Versions, err = parseKeyExchange(v)
			data = d
		case fsFieldAccept:
			d := &FSAccept{}
			d.EphemeralPublicKey, d.Versions, err = parseKeyExchange(v)
			data = d
		case fsFieldReject:
			data, err = parseFSReject(v)
		case fsFieldTerminate:
			data, err = parseFSTerminate(v)
		case fsFieldEncapsulated:
			data, err = parseFSMessage(v)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if !haveSID || data == nil {
		return nil, fmt.Errorf("%w: incomplete forward security envelope", ErrMalformed)
	}
	switch d := data.(type) {
	case *FSInit:
		d.SessionID = sid
	case *FSAccept:
		d.SessionID = sid
	case *FSReject:
		d.SessionID = sid
	case *FSTerminate:
		d.SessionID = sid
	case *FSMessage:
		d.SessionID = sid
	}
	return &ForwardSecurityEnvelope{Data: data}, nil
}

func init() {
	register(protocol.MsgForwardSecurity, parseForwardSecurityEnvelope)
}
