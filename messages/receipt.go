package messages

import (
	"github.com/opd-ai/cspcore/protocol"
)

// ReceiptStatus is the status carried by a delivery receipt.
type ReceiptStatus byte

// Receipt statuses.
const (
	ReceiptReceived    ReceiptStatus = 0x01
	ReceiptRead        ReceiptStatus = 0x02
	ReceiptUserAck     ReceiptStatus = 0x03
	ReceiptUserDecline ReceiptStatus = 0x04
)

func appendReceipt(b []byte, status ReceiptStatus, ids []protocol.MessageID) []byte {
	b = append(b, byte(status))
	for _, id := range ids {
		b = append(b, id[:]...)
	}
	return b
}

func parseReceipt(kind string, b []byte) (ReceiptStatus, []protocol.MessageID, error) {
	if len(b) < 1+protocol.MessageIDLen || (len(b)-1)%protocol.MessageIDLen != 0 {
		return 0, nil, badLength(kind, len(b))
	}
	status := ReceiptStatus(b[0])
	ids := make([]protocol.MessageID, 0, (len(b)-1)/protocol.MessageIDLen)
	for rest := b[1:]; len(rest) > 0; rest = rest[protocol.MessageIDLen:] {
		var id protocol.MessageID
		copy(id[:], rest)
		ids = append(ids, id)
	}
	return status, ids, nil
}

// DeliveryReceipt acknowledges one or more 1:1 messages.
type DeliveryReceipt struct {
	Header
	Status     ReceiptStatus
	MessageIDs []protocol.MessageID
}

func (*DeliveryReceipt) Type() protocol.MsgType { return protocol.MsgDeliveryReceipt }
func (*DeliveryReceipt) DefaultFlags() byte { return 0 }

func (*DeliveryReceipt) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

func (m *DeliveryReceipt) Body() ([]byte, error) {
	if len(m.MessageIDs) == 0 {
		return nil, badLength("delivery receipt", 1)
	}
	return appendReceipt(nil, m.Status, m.MessageIDs), nil
}

func parseDeliveryReceipt(body []byte) (Message, error) {
	status, ids, err := parseReceipt("delivery receipt", body)
	if err != nil {
		return nil, err
	}
	return &DeliveryReceipt{Status: status, MessageIDs: ids}, nil
}

// GroupDeliveryReceipt reacts to group messages.
type GroupDeliveryReceipt struct {
	GroupHeader
	Status     ReceiptStatus
	MessageIDs []protocol.MessageID
}

func (*GroupDeliveryReceipt) Type() protocol.MsgType { return protocol.MsgGroupDeliveryReceipt }
func (*GroupDeliveryReceipt) DefaultFlags() byte { return protocol.FlagGroup }

func (m *GroupDeliveryReceipt) Body() ([]byte, error) {
	if len(m.MessageIDs) == 0 {
		return nil, badLength("group delivery receipt", 1)
	}
	return appendReceipt(m.Group.appendTo(nil), m.Status, m.MessageIDs), nil
}

func parseGroupDeliveryReceipt(body []byte) (Message, error) {
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	status, ids, err := parseReceipt("group delivery receipt", rest)
	if err != nil {
		return nil, err
	}
	m := &GroupDeliveryReceipt{Status: status, MessageIDs: ids}
	m.Group = g
	return m, nil
}

// TypingIndicator signals that the sender started or stopped typing. It
// is neither queued nor acknowledged by the server.
type TypingIndicator struct {
	Header
	Typing bool
}

func (*TypingIndicator) Type() protocol.MsgType { return protocol.MsgTypingIndicator }

func (*TypingIndicator) DefaultFlags() byte {
	return protocol.FlagNoServerQueuing | protocol.FlagNoServerAck
}

func (*TypingIndicator) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

func (m *TypingIndicator) Body() ([]byte, error) {
	if m.Typing {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func parseTypingIndicator(body []byte) (Message, error) {
	if len(body) != 1 {
		return nil, badLength("typing indicator", len(body))
	}
	return &TypingIndicator{Typing: body[0] != 0}, nil
}

func init() {
	register(protocol.MsgDeliveryReceipt, parseDeliveryReceipt)
	register(protocol.MsgGroupDeliveryReceipt, parseGroupDeliveryReceipt)
	register(protocol.MsgTypingIndicator, parseTypingIndicator)
}
