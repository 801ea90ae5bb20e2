// Package transport implements the client side of the chat server
// protocol: the login handshake, the encrypted frame stream and the
// reconnecting Connection built on top of them.
//
// # Handshake
//
// The client sends a temporary public key and a random cookie. The
// server answers with its own cookie and a box holding its temporary key,
// sealed with its long-term key. The client then sends a login box with
// its identity, a vouch proving possession of its long-term key, and an
// extensions box carrying the client version, the payload version and
// the optional device cookie. A login ack completes the handshake.
//
// # Frames
//
// After login every frame is a 16-bit little-endian length followed by
// a box under the temporary shared key. Each direction uses its own
// cookie-based nonce sequence (NonceCounter). A decrypted frame starts
// with the payload type and three reserved bytes.
//
// # Connection
//
//	conn := transport.New(transport.DefaultOptions(), server, id, nonces)
//	conn.SetMessageProcessor(processor)
//	conn.AddAckListener(func(id protocol.QueueMessageID) { queue.ProcessAck(id) })
//	if err := conn.Start(ctx); err != nil {
//	    return err
//	}
//	defer conn.Stop()
//
// Connection resolves the server host, tries IPv6 addresses first and
// moves on to the next address after a failed login. Reconnects wait
// BackoffBase^(attempts-1) seconds, capped at BackoffMax. Echo requests
// are sent every KeepaliveInterval and a missing reply drops the socket.
//
// Incoming envelopes are handed to the MessageProcessor and acknowledged
// once processed. Envelopes whose nonce was seen before are acknowledged
// without processing them again.
//
// Package csptest provides an in-process server for tests.
package transport
