package transport

import (
	"encoding/binary"
	"time"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/protocol"
)

// State is the connection state.
type State uint8

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means a TCP connect is in progress.
	StateConnecting
	// StateConnected means the socket is open and the handshake runs.
	StateConnected
	// StateLoggedIn means the handshake succeeded and payloads flow.
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged-in"
	default:
		return "disconnected"
	}
}

// ProcessResult tells the connection whether an incoming envelope was
// handled and may be acknowledged.
type ProcessResult struct {
	Processed bool
	Type      protocol.MsgType
}

// MessageProcessor handles incoming envelopes and server notices.
type MessageProcessor interface {
	ProcessIncomingMessage(box *coder.MessageBox) ProcessResult
	ProcessServerAlert(alert string)
	ProcessServerError(message string, reconnectAllowed bool)
}

// AckListener is called for every outgoing message ack.
type AckListener func(id protocol.QueueMessageID)

// StateListener is called on every state change with the address of the
// server currently in use.
type StateListener func(state State, address string)

// QueueSendCompleteListener is called once the server has delivered all
// messages queued for this identity.
type QueueSendCompleteListener func()

// LoginAck is the decrypted login acknowledgement.
type LoginAck struct {
	ServerTime     time.Time
	QueuedMessages uint32
}

const loginAckLen = 16

func parseLoginAck(b []byte) LoginAck {
	var ack LoginAck
	if secs := binary.LittleEndian.Uint64(b[4:12]); secs != 0 {
		ack.ServerTime = time.Unix(int64(secs), 0)
	}
	ack.QueuedMessages = binary.LittleEndian.Uint32(b[12:16])
	return ack
}
