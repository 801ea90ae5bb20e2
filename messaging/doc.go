// Package messaging implements the outgoing message queue.
//
// Every message passes through a Queue on its way to the server. The
// queue encodes it, sends it right away when the connection is logged in
// and keeps the envelope until the server acknowledges it:
//
//	q := messaging.NewQueue(c, nonces, "ECHOECHO")
//	q.SetTransmitter(conn)
//	box, err := q.Enqueue(msg)
//
// The connection reports acks through ProcessAck and calls Flush after
// each login so that unacknowledged envelopes are retransmitted. The
// receiving side has to tolerate duplicates, which it does by message id.
//
// Serialize and Restore keep pending envelopes across restarts.
package messaging
