package messaging

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/limits"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// Transmitter hands envelopes to the server connection.
type Transmitter interface {
	IsLoggedIn() bool
	SendBoxedMessage(box *coder.MessageBox) error
}

// Encoder turns a message into an envelope under the given nonce.
type Encoder interface {
	Encode(m messages.Message, nonce crypto.Nonce) (*coder.MessageBox, error)
}

// NonceSource hands out fresh envelope nonces and records used ones.
type NonceSource interface {
	Next(store bool) (crypto.Nonce, error)
	Store(nonce crypto.Nonce) bool
}

// Queue holds envelopes that have not been acknowledged by the server
// yet. Envelopes are sent immediately while logged in and retransmitted
// on every login until acked.
type Queue struct {
	mu          sync.Mutex
	queue       []*coder.MessageBox
	encoder     Encoder
	nonces      NonceSource
	identity    protocol.Identity
	transmitter Transmitter
}

// NewQueue creates an empty queue for the local identity.
func NewQueue(encoder Encoder, nonces NonceSource, identity protocol.Identity) *Queue {
	return &Queue{
		queue:    make([]*coder.MessageBox, 0),
		encoder:  encoder,
		nonces:   nonces,
		identity: identity,
	}
}

// SetTransmitter attaches the connection used for sending.
func (q *Queue) SetTransmitter(t Transmitter) {
	q.mu.Lock()
	q.transmitter = t
	q.mu.Unlock()
}

// Enqueue encodes m and sends it if logged in. The envelope is kept until
// acked unless the message opts out of server acks (when sent) or of
// server queuing (when offline).
func (q *Queue) Enqueue(m messages.Message) (*coder.MessageBox, error) {
	h := m.MessageHeader()
	if h.From == "" {
		h.From = q.identity
	}
	flags := messages.Flags(m)

	nonce, err := q.nonces.Next(false)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	box, err := q.encoder.Encode(m, nonce)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateEnvelopeBody(len(box.MetadataBox), len(box.Box)); err != nil {
		return nil, err
	}
	if flags&protocol.FlagNoServerQueuing == 0 {
		q.nonces.Store(nonce)
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"type":     m.Type().String(),
		"id":       box.QueueID().String(),
	})

	// The envelope is queued before it is sent so that an ack arriving
	// on the receive loop always finds it.
	q.mu.Lock()
	t := q.transmitter
	q.queue = append(q.queue, box)
	q.mu.Unlock()

	sent := false
	if t != nil && t.IsLoggedIn() {
		if err := t.SendBoxedMessage(box); err != nil {
			logger.WithError(err).Warn("Send failed, keeping message for next login")
		} else {
			sent = true
		}
	}

	switch {
	case sent && box.HasFlag(protocol.FlagNoServerAck):
		q.remove(box)
		logger.Debug("Sent without ack")
	case !sent && box.HasFlag(protocol.FlagNoServerQueuing):
		q.remove(box)
		logger.Debug("Not connected, dropping message that must not be queued")
	default:
		logger.WithField("sent", sent).Debug("Message queued")
	}
	return box, nil
}

func (q *Queue) add(box *coder.MessageBox) {
	q.mu.Lock()
	q.queue = append(q.queue, box)
	q.mu.Unlock()
}

// remove drops exactly box, if it is still queued.
func (q *Queue) remove(box *coder.MessageBox) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.queue {
		if queued == box {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

func (q *Queue) indexOf(id protocol.QueueMessageID) int {
	for i, box := range q.queue {
		if box.QueueID() == id {
			return i
		}
	}
	return -1
}

// IsQueued reports whether an envelope with id is waiting for its ack.
func (q *Queue) IsQueued(id protocol.QueueMessageID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(id) >= 0
}

// Dequeue removes the envelope with id. It returns false if none matched.
func (q *Queue) Dequeue(id protocol.QueueMessageID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	q.queue = append(q.queue[:i], q.queue[i+1:]...)
	return true
}

// DequeueAll removes every envelope carrying message id, whatever its
// recipient, and returns how many were dropped.
func (q *Queue) DequeueAll(id protocol.MessageID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, box := range q.queue {
		if box.MessageID != id {
			kept = append(kept, box)
		}
	}
	removed := len(q.queue) - len(kept)
	for i := len(kept); i < len(q.queue); i++ {
		q.queue[i] = nil
	}
	q.queue = kept
	return removed
}

// ProcessAck removes the acknowledged envelope. A missing match is only
// logged since the application may have dequeued it already.
func (q *Queue) ProcessAck(id protocol.QueueMessageID) {
	if !q.Dequeue(id) {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessAck",
			"id":       id.String(),
		}).Warn("Ack for message that is not in the queue")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "ProcessAck",
		"id":       id.String(),
	}).Debug("Message acknowledged")
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Flush retransmits every queued envelope. It is called on login.
// Envelopes that opt out of acks are dropped once sent.
func (q *Queue) Flush() {
	q.mu.Lock()
	t := q.transmitter
	pending := make([]*coder.MessageBox, len(q.queue))
	copy(pending, q.queue)
	q.mu.Unlock()

	if t == nil || !t.IsLoggedIn() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Flush",
		"count":    len(pending),
	}).Info("Sending queued messages")

	for _, box := range pending {
		if err := t.SendBoxedMessage(box); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Flush",
				"id":       box.QueueID().String(),
				"error":    err.Error(),
			}).Warn("Retransmission failed")
			return
		}
		if box.HasFlag(protocol.FlagNoServerAck) {
			q.Dequeue(box.QueueID())
		}
	}
}

// Serialize writes the queued envelopes to w as a sequence of 32-bit
// big-endian length prefixed envelopes.
func (q *Queue) Serialize(w io.Writer) error {
	q.mu.Lock()
	pending := make([]*coder.MessageBox, len(q.queue))
	copy(pending, q.queue)
	q.mu.Unlock()

	bw := bufio.NewWriter(w)
	var lenBuf [4]byte
	for _, box := range pending {
		raw, err := box.Bytes()
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", box.QueueID(), err)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(raw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Restore appends envelopes written by Serialize. Envelopes from another
// identity are skipped.
func (q *Queue) Restore(r io.Reader) error {
	br := bufio.NewReader(r)
	restored, skipped := 0, 0
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read queue entry length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > limits.MaxPacketLen {
			return fmt.Errorf("queue entry of %d bytes is too large", n)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(br, raw); err != nil {
			return fmt.Errorf("failed to read queue entry: %w", err)
		}
		box, err := coder.ParseMessageBox(raw)
		if err != nil {
			return fmt.Errorf("failed to parse queue entry: %w", err)
		}
		if box.From != q.identity {
			skipped++
			continue
		}
		q.add(box)
		restored++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Restore",
		"restored": restored,
		"skipped":  skipped,
	}).Info("Restored message queue")
	return nil
}
