package messages

import "github.com/opd-ai/cspcore/protocol"

// Empty carries no content. It is used to advance a forward-secrecy
// session without showing anything to the user.
type Empty struct{ Header }

func (*Empty) Type() protocol.MsgType { return protocol.MsgEmpty }
func (*Empty) DefaultFlags() byte { return 0 }
func (*Empty) Body() ([]byte, error) { return nil, nil }

func (*Empty) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

// WebSessionResume asks a web client session to reconnect. The body is
// opaque to this package.
type WebSessionResume struct {
	Header
	Data []byte
}

func (*WebSessionResume) Type() protocol.MsgType { return protocol.MsgWebSessionResume }
func (*WebSessionResume) DefaultFlags() byte { return protocol.FlagSendPush }
func (m *WebSessionResume) Body() ([]byte, error) { return m.Data, nil }

func (*WebSessionResume) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersionUnspecified, false
}

func init() {
	register(protocol.MsgEmpty, emptyBody("empty", func() Message { return &Empty{} }))
	register(protocol.MsgWebSessionResume, func(body []byte) (Message, error) {
		return &WebSessionResume{Data: append([]byte(nil), body...)}, nil
	})
}
