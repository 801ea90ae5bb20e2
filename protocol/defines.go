package protocol

import "fmt"

// Envelope flags.
const (
	FlagSendPush           byte = 0x01
	FlagNoServerQueuing    byte = 0x02
	FlagNoServerAck        byte = 0x04
	FlagGroup              byte = 0x10
	FlagShortLived         byte = 0x20
	FlagNoDeliveryReceipts byte = 0x80
)

// Field widths shared by several message types.
const (
	BlobIDLen   = 16
	BlobKeyLen  = 32
	GroupIDLen  = 8
	BallotIDLen = 8
	PushFromLen = 32
	CookieLen   = 16
)

// PayloadType is the first byte of a decrypted frame.
type PayloadType byte

// Payload types exchanged with the chat server.
const (
	PayloadEchoRequest                       PayloadType = 0x00
	PayloadOutgoingMessage                   PayloadType = 0x01
	PayloadIncomingMessage                   PayloadType = 0x02
	PayloadPushToken                         PayloadType = 0x20
	PayloadEchoReply                         PayloadType = 0x80
	PayloadOutgoingMessageAck                PayloadType = 0x81
	PayloadIncomingMessageAck                PayloadType = 0x82
	PayloadQueueSendComplete                 PayloadType = 0xd0
	PayloadDeviceCookieChangeIndication      PayloadType = 0xd2
	PayloadClearDeviceCookieChangeIndication PayloadType = 0xd3
	PayloadError                             PayloadType = 0xe0
	PayloadAlert                             PayloadType = 0xe1
)

var payloadTypeNames = map[PayloadType]string{
	PayloadEchoRequest:                       "echo-request",
	PayloadOutgoingMessage:                   "outgoing-message",
	PayloadIncomingMessage:                   "incoming-message",
	PayloadPushToken:                         "push-token",
	PayloadEchoReply:                         "echo-reply",
	PayloadOutgoingMessageAck:                "outgoing-message-ack",
	PayloadIncomingMessageAck:                "incoming-message-ack",
	PayloadQueueSendComplete:                 "queue-send-complete",
	PayloadDeviceCookieChangeIndication:      "device-cookie-change-indication",
	PayloadClearDeviceCookieChangeIndication: "clear-device-cookie-change-indication",
	PayloadError:                             "error",
	PayloadAlert:                             "alert",
}

func (p PayloadType) String() string {
	if name, ok := payloadTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("payload(0x%02x)", byte(p))
}

// MsgType is the leading byte of an end-to-end encrypted message body.
// Values are stable and never reused.
type MsgType byte

// Message types.
const (
	MsgText                 MsgType = 0x01
	MsgImage                MsgType = 0x02
	MsgLocation             MsgType = 0x10
	MsgVideo                MsgType = 0x13
	MsgAudio                MsgType = 0x14
	MsgBallotCreate         MsgType = 0x15
	MsgBallotVote           MsgType = 0x16
	MsgFile                 MsgType = 0x17
	MsgContactSetPhoto      MsgType = 0x18
	MsgContactDeletePhoto   MsgType = 0x19
	MsgContactRequestPhoto  MsgType = 0x1a
	MsgGroupText            MsgType = 0x41
	MsgGroupLocation        MsgType = 0x42
	MsgGroupImage           MsgType = 0x43
	MsgGroupVideo           MsgType = 0x44
	MsgGroupAudio           MsgType = 0x45
	MsgGroupFile            MsgType = 0x46
	MsgGroupCreate          MsgType = 0x4a
	MsgGroupRename          MsgType = 0x4b
	MsgGroupLeave           MsgType = 0x4c
	MsgGroupSetPhoto        MsgType = 0x50
	MsgGroupRequestSync     MsgType = 0x51
	MsgGroupBallotCreate    MsgType = 0x52
	MsgGroupBallotVote      MsgType = 0x53
	MsgGroupDeletePhoto     MsgType = 0x54
	MsgVoipCallOffer        MsgType = 0x60
	MsgVoipCallAnswer       MsgType = 0x61
	MsgVoipICECandidates    MsgType = 0x62
	MsgVoipCallHangup       MsgType = 0x63
	MsgVoipCallRinging      MsgType = 0x64
	MsgDeliveryReceipt      MsgType = 0x80
	MsgGroupDeliveryReceipt MsgType = 0x81
	MsgReaction             MsgType = 0x82
	MsgGroupReaction        MsgType = 0x83
	MsgTypingIndicator      MsgType = 0x90
	MsgEditMessage          MsgType = 0x91
	MsgDeleteMessage        MsgType = 0x92
	MsgGroupEditMessage     MsgType = 0x93
	MsgGroupDeleteMessage   MsgType = 0x94
	MsgForwardSecurity      MsgType = 0xa0
	MsgEmpty                MsgType = 0xfc
	MsgWebSessionResume     MsgType = 0xfe
)

func (t MsgType) String() string {
	return fmt.Sprintf("0x%02x", byte(t))
}
