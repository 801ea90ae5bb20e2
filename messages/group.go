package messages

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/cspcore/protocol"
)

// GroupID is the creator-scoped identifier of a group.
type GroupID [protocol.GroupIDLen]byte

// NewGroupID returns a random group id.
func NewGroupID() (GroupID, error) {
	var id GroupID
	if _, err := rand.Read(id[:]); err != nil {
		return GroupID{}, fmt.Errorf("failed to generate group id: %w", err)
	}
	return id, nil
}

func (g GroupID) String() string { return hex.EncodeToString(g[:]) }

// GroupIdentity names a group globally: its creator plus the group id.
type GroupIdentity struct {
	Creator protocol.Identity
	ID      GroupID
}

func (g GroupIdentity) String() string { return string(g.Creator) + "/" + g.ID.String() }

const groupIdentityLen = protocol.IdentityLen + protocol.GroupIDLen

func (g GroupIdentity) appendTo(b []byte) []byte {
	creator := g.Creator.Bytes()
	b = append(b, creator[:]...)
	return append(b, g.ID[:]...)
}

func parseGroupIdentity(b []byte) (GroupIdentity, []byte, error) {
	if len(b) < groupIdentityLen {
		return GroupIdentity{}, nil, badLength("group identity", len(b))
	}
	creator, err := protocol.ParseIdentity(b[:protocol.IdentityLen])
	if err != nil {
		return GroupIdentity{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var g GroupIdentity
	g.Creator = creator
	copy(g.ID[:], b[protocol.IdentityLen:groupIdentityLen])
	return g, b[groupIdentityLen:], nil
}

// GroupHeader is embedded by messages addressed to a group.
type GroupHeader struct {
	Header
	Group GroupIdentity
}

// DefaultFlags adds the group flag.
func (g *GroupHeader) DefaultFlags() byte { return protocol.FlagSendPush | protocol.FlagGroup }

// MinimumFSVersion for group messages is 1.2.
func (g *GroupHeader) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_2, true
}

// Group control messages do not trigger a push.
const groupControlFlags = protocol.FlagGroup

// GroupCreate announces the member list. It is sent by the creator, so
// only the group id travels with it.
type GroupCreate struct {
	GroupHeader
	Members []protocol.Identity
}

func (*GroupCreate) DefaultFlags() byte { return groupControlFlags }

func (*GroupCreate) Type() protocol.MsgType { return protocol.MsgGroupCreate }

func (m *GroupCreate) Body() ([]byte, error) {
	b := make([]byte, 0, protocol.GroupIDLen+len(m.Members)*protocol.IdentityLen)
	b = append(b, m.Group.ID[:]...)
	for _, member := range m.Members {
		if err := member.Validate(); err != nil {
			return nil, err
		}
		id := member.Bytes()
		b = append(b, id[:]...)
	}
	return b, nil
}

func parseGroupCreate(body []byte) (Message, error) {
	if len(body) < protocol.GroupIDLen+protocol.IdentityLen ||
		(len(body)-protocol.GroupIDLen)%protocol.IdentityLen != 0 {
		return nil, badLength("group create", len(body))
	}
	m := &GroupCreate{}
	copy(m.Group.ID[:], body[:protocol.GroupIDLen])
	for rest := body[protocol.GroupIDLen:]; len(rest) > 0; rest = rest[protocol.IdentityLen:] {
		member, err := protocol.ParseIdentity(rest[:protocol.IdentityLen])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.Members = append(m.Members, member)
	}
	return m, nil
}

// GroupRename sets the group name. Sent by the creator.
type GroupRename struct {
	GroupHeader
	Name string
}

func (*GroupRename) DefaultFlags() byte { return groupControlFlags }

func (*GroupRename) Type() protocol.MsgType { return protocol.MsgGroupRename }

func (m *GroupRename) Body() ([]byte, error) {
	b := make([]byte, 0, protocol.GroupIDLen+len(m.Name))
	b = append(b, m.Group.ID[:]...)
	return append(b, m.Name...), nil
}

func parseGroupRename(body []byte) (Message, error) {
	if len(body) < protocol.GroupIDLen {
		return nil, badLength("group rename", len(body))
	}
	m := &GroupRename{}
	copy(m.Group.ID[:], body[:protocol.GroupIDLen])
	m.Name = string(body[protocol.GroupIDLen:])
	return m, nil
}

// GroupLeave is sent by a member leaving the group.
type GroupLeave struct{ GroupHeader }

func (*GroupLeave) DefaultFlags() byte { return groupControlFlags }

func (*GroupLeave) Type() protocol.MsgType { return protocol.MsgGroupLeave }

func (m *GroupLeave) Body() ([]byte, error) {
	return m.Group.appendTo(nil), nil
}

func parseGroupLeave(body []byte) (Message, error) {
	if len(body) != groupIdentityLen {
		return nil, badLength("group leave", len(body))
	}
	g, _, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupLeave{}
	m.Group = g
	return m, nil
}

// GroupRequestSync asks the creator to resend the group state.
type GroupRequestSync struct{ GroupHeader }

func (*GroupRequestSync) DefaultFlags() byte { return groupControlFlags }

func (*GroupRequestSync) Type() protocol.MsgType { return protocol.MsgGroupRequestSync }

func (m *GroupRequestSync) Body() ([]byte, error) {
	return append([]byte(nil), m.Group.ID[:]...), nil
}

func parseGroupRequestSync(body []byte) (Message, error) {
	if len(body) != protocol.GroupIDLen {
		return nil, badLength("group request sync", len(body))
	}
	m := &GroupRequestSync{}
	copy(m.Group.ID[:], body)
	return m, nil
}

// GroupSetPhoto distributes a new group picture. Sent by the creator.
type GroupSetPhoto struct {
	GroupHeader
	Blob BlobRef
}

func (*GroupSetPhoto) DefaultFlags() byte { return groupControlFlags }

func (*GroupSetPhoto) Type() protocol.MsgType { return protocol.MsgGroupSetPhoto }

func (m *GroupSetPhoto) Body() ([]byte, error) {
	b := make([]byte, 0, protocol.GroupIDLen+blobRefLen)
	b = append(b, m.Group.ID[:]...)
	return m.Blob.appendTo(b), nil
}

func parseGroupSetPhoto(body []byte) (Message, error) {
	if len(body) != protocol.GroupIDLen+blobRefLen {
		return nil, badLength("group set photo", len(body))
	}
	m := &GroupSetPhoto{}
	copy(m.Group.ID[:], body[:protocol.GroupIDLen])
	m.Blob = parseBlobRef(body[protocol.GroupIDLen:])
	return m, nil
}

// GroupDeletePhoto removes the group picture. Sent by the creator.
type GroupDeletePhoto struct{ GroupHeader }

func (*GroupDeletePhoto) DefaultFlags() byte { return groupControlFlags }

func (*GroupDeletePhoto) Type() protocol.MsgType { return protocol.MsgGroupDeletePhoto }

func (m *GroupDeletePhoto) Body() ([]byte, error) {
	return append([]byte(nil), m.Group.ID[:]...), nil
}

func parseGroupDeletePhoto(body []byte) (Message, error) {
	if len(body) != protocol.GroupIDLen {
		return nil, badLength("group delete photo", len(body))
	}
	m := &GroupDeletePhoto{}
	copy(m.Group.ID[:], body)
	return m, nil
}

func init() {
	register(protocol.MsgGroupCreate, parseGroupCreate)
	register(protocol.MsgGroupRename, parseGroupRename)
	register(protocol.MsgGroupLeave, parseGroupLeave)
	register(protocol.MsgGroupRequestSync, parseGroupRequestSync)
	register(protocol.MsgGroupSetPhoto, parseGroupSetPhoto)
	register(protocol.MsgGroupDeletePhoto, parseGroupDeletePhoto)
}
