package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/cspcore/protocol"
)

var (
	// ErrMalformed is returned when a message body does not match the
	// layout of its type.
	ErrMalformed = errors.New("malformed message body")

	// ErrUnknownType is returned for type bytes outside the known table.
	ErrUnknownType = errors.New("unknown message type")
)

// FSMode records which forward-secrecy layer a received message came
// through.
type FSMode uint8

const (
	// FSModeNone means the message was not encapsulated.
	FSModeNone FSMode = iota
	// FSMode2DH means the message was decrypted with a 2DH ratchet.
	FSMode2DH
	// FSMode4DH means the message was decrypted with a 4DH ratchet.
	FSMode4DH
)

func (m FSMode) String() string {
	switch m {
	case FSMode2DH:
		return "2DH"
	case FSMode4DH:
		return "4DH"
	default:
		return "none"
	}
}

// Message is a logical end-to-end message. Every kind embeds Header,
// which supplies the common fields and default behaviour.
type Message interface {
	// Type returns the message type byte.
	Type() protocol.MsgType
	// Body returns the type-specific body without the type byte.
	Body() ([]byte, error)
	// MessageHeader returns the common header fields.
	MessageHeader() *Header
	// DefaultFlags returns the envelope flags this kind always carries.
	DefaultFlags() byte
	// AllowUserProfileDistribution reports whether the sender's nickname
	// may be attached to this kind.
	AllowUserProfileDistribution() bool
	// MinimumFSVersion returns the lowest forward-secrecy version that can
	// carry this kind. ok is false for kinds that are never encapsulated.
	MinimumFSVersion() (version protocol.FSVersion, ok bool)
}

// Header holds the fields shared by all messages.
type Header struct {
	From     protocol.Identity
	To       protocol.Identity
	ID       protocol.MessageID
	Date     time.Time
	Flags    byte // flags in addition to DefaultFlags, or as received
	Nickname string
	FSMode   FSMode
}

// MessageHeader returns h.
func (h *Header) MessageHeader() *Header { return h }

// DefaultFlags requests a push notification.
func (h *Header) DefaultFlags() byte { return protocol.FlagSendPush }

// AllowUserProfileDistribution defaults to false.
func (h *Header) AllowUserProfileDistribution() bool { return false }

// MinimumFSVersion defaults to 1.0.
func (h *Header) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_0, true
}

// NewHeader fills in a fresh random message id and the current time.
func NewHeader(from, to protocol.Identity) (Header, error) {
	id, err := protocol.NewMessageID()
	if err != nil {
		return Header{}, err
	}
	return Header{From: from, To: to, ID: id, Date: time.Now()}, nil
}

// Flags returns the effective envelope flags of m.
func Flags(m Message) byte {
	return m.DefaultFlags() | m.MessageHeader().Flags
}

// Encode returns the type byte followed by the body.
func Encode(m Message) ([]byte, error) {
	body, err := m.Body()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(m.Type()))
	return append(out, body...), nil
}

type parser func(body []byte) (Message, error)

var parsers = map[protocol.MsgType]parser{}

func register(t protocol.MsgType, p parser) {
	if _, dup := parsers[t]; dup {
		panic(fmt.Sprintf("messages: duplicate parser for type %s", t))
	}
	parsers[t] = p
}

// Parse decodes a body of the given type. The header is left empty for
// the caller to fill in from the envelope.
func Parse(t protocol.MsgType, body []byte) (Message, error) {
	p, ok := parsers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return p(body)
}

// Known reports whether t is a registered message type.
func Known(t protocol.MsgType) bool {
	_, ok := parsers[t]
	return ok
}

func badLength(kind string, got int) error {
	return fmt.Errorf("%w: bad length %d for %s", ErrMalformed, got, kind)
}

func isGroupType(t protocol.MsgType) bool {
	switch t {
	case protocol.MsgGroupText, protocol.MsgGroupLocation, protocol.MsgGroupImage,
		protocol.MsgGroupVideo, protocol.MsgGroupAudio, protocol.MsgGroupFile,
		protocol.MsgGroupCreate, protocol.MsgGroupRename, protocol.MsgGroupLeave,
		protocol.MsgGroupSetPhoto, protocol.MsgGroupRequestSync, protocol.MsgGroupBallotCreate,
		protocol.MsgGroupBallotVote, protocol.MsgGroupDeletePhoto, protocol.MsgGroupDeliveryReceipt,
		protocol.MsgGroupReaction, protocol.MsgGroupEditMessage, protocol.MsgGroupDeleteMessage:
		return true
	}
	return false
}

// IsGroupType reports whether t belongs to a group conversation.
func IsGroupType(t protocol.MsgType) bool { return isGroupType(t) }
