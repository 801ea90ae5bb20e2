package messages

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/cspcore/protocol"
)

// protoFields walks a protobuf message and hands every field to fn. Unknown
// fields are skipped by the callers simply ignoring them.
func protoFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeFixed64(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("%w: expected fixed64", ErrMalformed)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field", ErrMalformed)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint", ErrMalformed)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

// EditContent replaces the text of an earlier message.
type EditContent struct {
	MessageID protocol.MessageID
	Text      string
}

func (e EditContent) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.MessageID.Uint64())
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, e.Text)
}

func parseEditContent(b []byte) (EditContent, error) {
	var e EditContent
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeFixed64(typ, b)
			e.MessageID = protocol.MessageIDFromUint64(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			e.Text = string(v)
			return n, err
		}
		return -1, nil
	})
	return e, err
}

// DeleteContent retracts an earlier message.
type DeleteContent struct {
	MessageID protocol.MessageID
}

func (d DeleteContent) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, d.MessageID.Uint64())
}

func parseDeleteContent(b []byte) (DeleteContent, error) {
	var d DeleteContent
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeFixed64(typ, b)
			d.MessageID = protocol.MessageIDFromUint64(v)
			return n, err
		}
		return -1, nil
	})
	return d, err
}

// ReactionContent applies or withdraws an emoji reaction.
type ReactionContent struct {
	MessageID protocol.MessageID
	Emoji     string
	Withdraw  bool
}

func (r ReactionContent) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, r.MessageID.Uint64())
	field := protowire.Number(2)
	if r.Withdraw {
		field = 3
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, r.Emoji)
}

func parseReactionContent(b []byte) (ReactionContent, error) {
	var r ReactionContent
	seenAction := false
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeFixed64(typ, b)
			r.MessageID = protocol.MessageIDFromUint64(v)
			return n, err
		case 2, 3:
			v, n, err := consumeBytes(typ, b)
			r.Emoji = string(v)
			r.Withdraw = num == 3
			seenAction = true
			return n, err
		}
		return -1, nil
	})
	if err == nil && !seenAction {
		err = fmt.Errorf("%w: reaction without action", ErrMalformed)
	}
	return r, err
}

// EditMessage edits one of the sender's 1:1 messages.
type EditMessage struct {
	Header
	EditContent
}

func (*EditMessage) Type() protocol.MsgType { return protocol.MsgEditMessage }
func (m *EditMessage) Body() ([]byte, error) { return m.EditContent.appendTo(nil), nil }

func (*EditMessage) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

// DeleteMessage deletes one of the sender's 1:1 messages.
type DeleteMessage struct {
	Header
	DeleteContent
}

func (*DeleteMessage) Type() protocol.MsgType { return protocol.MsgDeleteMessage }
func (m *DeleteMessage) Body() ([]byte, error) { return m.DeleteContent.appendTo(nil), nil }

func (*DeleteMessage) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

// Reaction reacts to a 1:1 message.
type Reaction struct {
	Header
	ReactionContent
}

func (*Reaction) Type() protocol.MsgType { return protocol.MsgReaction }
func (m *Reaction) Body() ([]byte, error) { return m.ReactionContent.appendTo(nil), nil }

func (*Reaction) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

// GroupEditMessage edits one of the sender's group messages.
type GroupEditMessage struct {
	GroupHeader
	EditContent
}

func (*GroupEditMessage) Type() protocol.MsgType { return protocol.MsgGroupEditMessage }

func (m *GroupEditMessage) Body() ([]byte, error) {
	return m.EditContent.appendTo(m.Group.appendTo(nil)), nil
}

// GroupDeleteMessage deletes one of the sender's group messages.
type GroupDeleteMessage struct {
	GroupHeader
	DeleteContent
}

func (*GroupDeleteMessage) Type() protocol.MsgType { return protocol.MsgGroupDeleteMessage }

func (m *GroupDeleteMessage) Body() ([]byte, error) {
	return m.DeleteContent.appendTo(m.Group.appendTo(nil)), nil
}

// GroupReaction reacts to a group message.
type GroupReaction struct {
	GroupHeader
	ReactionContent
}

func (*GroupReaction) Type() protocol.MsgType { return protocol.MsgGroupReaction }

func (m *GroupReaction) Body() ([]byte, error) {
	return m.ReactionContent.appendTo(m.Group.appendTo(nil)), nil
}

func init() {
	register(protocol.MsgEditMessage, func(body []byte) (Message, error) {
		e, err := parseEditContent(body)
		if err != nil {
			return nil, err
		}
		return &EditMessage{EditContent: e}, nil
	})
	register(protocol.MsgDeleteMessage, func(body []byte) (Message, error) {
		d, err := parseDeleteContent(body)
		if err != nil {
			return nil, err
		}
		return &DeleteMessage{DeleteContent: d}, nil
	})
	register(protocol.MsgReaction, func(body []byte) (Message, error) {
		r, err := parseReactionContent(body)
		if err != nil {
			return nil, err
		}
		return &Reaction{ReactionContent: r}, nil
	})
	register(protocol.MsgGroupEditMessage, func(body []byte) (Message, error) {
		g, rest, err := parseGroupIdentity(body)
		if err != nil {
			return nil, err
		}
		e, err := parseEditContent(rest)
		if err != nil {
			return nil, err
		}
		m := &GroupEditMessage{EditContent: e}
		m.Group = g
		return m, nil
	})
	register(protocol.MsgGroupDeleteMessage, func(body []byte) (Message, error) {
		g, rest, err := parseGroupIdentity(body)
		if err != nil {
			return nil, err
		}
		d, err := parseDeleteContent(rest)
		if err != nil {
			return nil, err
		}
		m := &GroupDeleteMessage{DeleteContent: d}
		m.Group = g
		return m, nil
	})
	register(protocol.MsgGroupReaction, func(body []byte) (Message, error) {
		g, rest, err := parseGroupIdentity(body)
		if err != nil {
			return nil, err
		}
		r, err := parseReactionContent(rest)
		if err != nil {
			return nil, err
		}
		m := &GroupReaction{ReactionContent: r}
		m.Group = g
		return m, nil
	})
}
