// Package messages defines the logical end-to-end messages exchanged
// between identities and their binary bodies.
//
// Every kind implements Message. Bodies are produced by Body and read
// back by Parse, which dispatches on the type byte:
//
//	raw, _ := messages.Encode(&messages.Text{Text: "hi"})
//	m, err := messages.Parse(protocol.MsgType(raw[0]), raw[1:])
//
// Parse leaves the Header empty; the envelope codec fills it from the
// outer envelope. ForwardSecurityEnvelope carries the control and data
// messages of the forward-secrecy sub-protocol.
package messages
