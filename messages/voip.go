package messages

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/cspcore/protocol"
)

// Voip carries one call signalling step. The body is a JSON object whose
// schema depends on Kind; it is kept raw apart from the call id.
type Voip struct {
	Header
	Kind protocol.MsgType
	Data json.RawMessage
}

func (m *Voip) Type() protocol.MsgType { return m.Kind }

func (m *Voip) DefaultFlags() byte {
	if m.Kind == protocol.MsgVoipCallOffer {
		return protocol.FlagSendPush | protocol.FlagShortLived
	}
	return protocol.FlagShortLived
}

func (*Voip) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

func (m *Voip) Body() ([]byte, error) {
	if !json.Valid(m.Data) {
		return nil, fmt.Errorf("%w: voip payload is not JSON", ErrMalformed)
	}
	return m.Data, nil
}

// CallID returns the "callId" field, or zero if absent.
func (m *Voip) CallID() uint32 {
	var v struct {
		CallID uint32 `json:"callId"`
	}
	_ = json.Unmarshal(m.Data, &v)
	return v.CallID
}

func voipParser(kind protocol.MsgType) parser {
	return func(body []byte) (Message, error) {
		var object map[string]json.RawMessage
		if err := decodeJSON(kind.String(), body, &object); err != nil {
			return nil, err
		}
		return &Voip{Kind: kind, Data: append(json.RawMessage(nil), body...)}, nil
	}
}

func init() {
	for _, t := range []protocol.MsgType{
		protocol.MsgVoipCallOffer,
		protocol.MsgVoipCallAnswer,
		protocol.MsgVoipICECandidates,
		protocol.MsgVoipCallHangup,
		protocol.MsgVoipCallRinging,
	} {
		register(t, voipParser(t))
	}
}
