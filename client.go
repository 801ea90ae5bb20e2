package cspcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/messaging"
	"github.com/opd-ai/cspcore/protocol"
	"github.com/opd-ai/cspcore/storage"
	"github.com/opd-ai/cspcore/transport"
)

const (
	queueFile        = "queue.bin"
	sessionsFile     = "sessions.db"
	deviceCookieFile = "device_cookie"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("client closed")

// MessageHandler receives every decrypted incoming message. A non-nil
// error leaves the message unacknowledged so that the server delivers it
// again on the next login.
type MessageHandler func(m messages.Message) error

// AckCallback is called when the server acknowledges an outgoing message.
type AckCallback func(id protocol.QueueMessageID)

// StateCallback is called on every connection state change.
type StateCallback func(state transport.State)

// ServerAlertCallback is called once per distinct server alert.
type ServerAlertCallback func(alert string)

// ServerErrorCallback is called for server errors.
type ServerErrorCallback func(message string, reconnectAllowed bool)

// Client ties the message coder, the send queue, the server connection
// and the forward security processor together.
type Client struct {
	options  *Options
	identity identity.Store
	contacts identity.ContactStore
	coder    *coder.Coder
	nonces   *crypto.NonceStore
	sessions fs.SessionStore
	ownStore *storage.SQLiteSessionStore
	queue    *messaging.Queue
	fs       *fs.Processor
	conn     *transport.Connection

	callbackMu          sync.RWMutex
	messageCallback     MessageHandler
	ackCallback         AckCallback
	stateCallback       StateCallback
	serverAlertCallback ServerAlertCallback
	serverErrorCallback ServerErrorCallback

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a stopped client for the local identity. A queue
// left by a previous Close is restored.
func NewClient(id identity.Store, options *Options) (*Client, error) {
	if id == nil {
		return nil, errors.New("identity is required")
	}
	if options == nil {
		return nil, errors.New("options are required")
	}

	contacts := options.Contacts
	if contacts == nil {
		contacts = identity.NewMemoryContacts()
	}

	nonces, err := crypto.NewNonceStore(options.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open nonce store: %w", err)
	}

	c := &Client{
		options:  options,
		identity: id,
		contacts: contacts,
		coder:    coder.New(contacts, id),
		nonces:   nonces,
		sessions: options.SessionStore,
		closed:   make(chan struct{}),
	}

	if c.sessions == nil {
		store, err := storage.OpenSQLiteSessionStore(c.dataPath(sessionsFile, ":memory:"))
		if err != nil {
			nonces.Close()
			return nil, err
		}
		c.ownStore = store
		c.sessions = store
	}

	c.queue = messaging.NewQueue(c.coder, nonces, id.Identity())
	if err := c.restoreQueue(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewClient",
			"error":    err.Error(),
		}).Warn("Could not restore send queue, starting empty")
	}

	c.fs = fs.NewProcessor(options.ForwardSecurity, id, c.sessions, c.coder, c.queue)
	c.fs.SetStatusListener(&statusLogger{next: options.StatusListener})

	c.conn = transport.New(options.Transport, options.Server, id, nonces)
	c.conn.SetMessageProcessor(c)
	c.conn.SetDeviceCookieManager(transport.NewFileDeviceCookie(
		c.dataPath(deviceCookieFile, ""), c.deviceCookieChanged))
	c.conn.AddAckListener(c.queue.ProcessAck)
	c.conn.AddAckListener(c.notifyAck)
	c.conn.AddStateListener(c.stateChanged)
	c.conn.AddQueueSendCompleteListener(func() {
		logrus.WithFields(logrus.Fields{
			"function": "QueueSendComplete",
			"identity": id.Identity().String(),
		}).Info("Server delivered all queued messages")
	})
	c.queue.SetTransmitter(c.conn)

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"identity": id.Identity().String(),
		"queued":   c.queue.Len(),
	}).Info("Client created")
	return c, nil
}

// Start connects to the server in the background.
func (c *Client) Start(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.conn.Start(ctx)
}

// Close stops the connection, saves the pending queue and closes the
// stores the client opened.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Stop()
		if serr := c.saveQueue(); serr != nil {
			err = serr
		}
		if nerr := c.nonces.Close(); nerr != nil && err == nil {
			err = nerr
		}
		if c.ownStore != nil {
			if derr := c.ownStore.Close(); derr != nil && err == nil {
				err = derr
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"identity": c.identity.Identity().String(),
		}).Info("Client closed")
	})
	return err
}

// Identity returns the local identity.
func (c *Client) Identity() protocol.Identity { return c.identity.Identity() }

// Contacts returns the contact store used for key lookups.
func (c *Client) Contacts() identity.ContactStore { return c.contacts }

// Connection returns the underlying server connection.
func (c *Client) Connection() *transport.Connection { return c.conn }

// Queue returns the send queue.
func (c *Client) Queue() *messaging.Queue { return c.queue }

// OnMessage sets the handler for incoming messages.
func (c *Client) OnMessage(callback MessageHandler) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.messageCallback = callback
}

// OnAck sets the callback for server acks of outgoing messages.
func (c *Client) OnAck(callback AckCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.ackCallback = callback
}

// OnStateChange sets the callback for connection state changes.
func (c *Client) OnStateChange(callback StateCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.stateCallback = callback
}

// OnServerAlert sets the callback for server alerts.
func (c *Client) OnServerAlert(callback ServerAlertCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.serverAlertCallback = callback
}

// OnServerError sets the callback for server errors.
func (c *Client) OnServerError(callback ServerErrorCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.serverErrorCallback = callback
}

// Send encrypts m for its recipient and queues it. Messages to contacts
// with forward security support are encapsulated first; types that a
// session cannot carry yet are sent without the extra layer.
func (c *Client) Send(m messages.Message) (*coder.MessageBox, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	h := m.MessageHeader()
	if h.From == "" {
		h.From = c.identity.Identity()
	}
	contact, err := identity.Lookup(c.contacts, h.To)
	if err != nil {
		return nil, fmt.Errorf("cannot send to %s: %w", h.To, err)
	}

	out := m
	if !c.options.DisableForwardSecurity && contact.Supports(identity.FeatureForwardSecurity) {
		env, err := c.fs.MakeMessage(contact, m)
		switch {
		case err == nil:
			out = env
		case errors.Is(err, fs.ErrMessageTypeNotSupported):
			logrus.WithFields(logrus.Fields{
				"function": "Send",
				"to":       h.To.String(),
				"type":     m.Type().String(),
			}).Debug("Sending without forward security")
		default:
			return nil, err
		}
	}

	box, err := c.queue.Enqueue(out)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"to":         h.To.String(),
		"message_id": h.ID.String(),
		"type":       m.Type().String(),
	}).Debug("Message queued")
	return box, nil
}

// SendText sends a text message to id.
func (c *Client) SendText(to protocol.Identity, text string) (*coder.MessageBox, error) {
	h, err := messages.NewHeader(c.identity.Identity(), to)
	if err != nil {
		return nil, err
	}
	return c.Send(&messages.Text{Header: h, Text: text})
}

// ResetForwardSecurity terminates every session with the contact.
func (c *Client) ResetForwardSecurity(peer protocol.Identity) error {
	contact, err := identity.Lookup(c.contacts, peer)
	if err != nil {
		return err
	}
	return c.fs.TerminateAllSessions(contact, messages.TerminateReset)
}

// ProcessIncomingMessage implements transport.MessageProcessor.
func (c *Client) ProcessIncomingMessage(box *coder.MessageBox) transport.ProcessResult {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "ProcessIncomingMessage",
		"from":       box.From.String(),
		"message_id": box.MessageID.String(),
	})

	m, err := c.coder.Decode(box)
	if err != nil {
		if errors.Is(err, coder.ErrMissingPublicKey) {
			logger.WithField("error", err.Error()).Warn("Unknown sender, leaving message on the server")
			return transport.ProcessResult{Processed: false}
		}
		logger.WithField("error", err.Error()).Warn("Dropping undecodable message")
		return transport.ProcessResult{Processed: true}
	}

	var ratchet *fs.PeerRatchetID
	if env, ok := m.(*messages.ForwardSecurityEnvelope); ok {
		contact, err := identity.Lookup(c.contacts, box.From)
		if err != nil {
			logger.WithField("error", err.Error()).Warn("Envelope from unknown contact")
			return transport.ProcessResult{Processed: false}
		}
		inner, rid, err := c.fs.ProcessEnvelope(contact, env)
		if err != nil {
			if isProtocolError(err) {
				logger.WithField("error", err.Error()).Warn("Dropping forward security message")
				// A message that decrypted but did not parse still used up its key.
				if cerr := c.fs.CommitPeerRatchet(rid); cerr != nil {
					logger.WithField("error", cerr.Error()).Warn("Failed to commit peer ratchet")
				}
				return transport.ProcessResult{Processed: true, Type: protocol.MsgForwardSecurity}
			}
			logger.WithField("error", err.Error()).Error("Forward security processing failed")
			return transport.ProcessResult{Processed: false}
		}
		if inner == nil {
			return transport.ProcessResult{Processed: true, Type: protocol.MsgForwardSecurity}
		}
		m, ratchet = inner, rid
	}

	c.callbackMu.RLock()
	handler := c.messageCallback
	c.callbackMu.RUnlock()
	if handler != nil {
		if err := handler(m); err != nil {
			logger.WithField("error", err.Error()).Warn("Message handler failed, message will be redelivered")
			return transport.ProcessResult{Processed: false, Type: m.Type()}
		}
	}

	if err := c.fs.CommitPeerRatchet(ratchet); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to commit peer ratchet")
	}
	return transport.ProcessResult{Processed: true, Type: m.Type()}
}

func isProtocolError(err error) bool {
	for _, target := range []error{
		coder.ErrBadMessage,
		fs.ErrBadMessage,
		fs.ErrRatchetRotation,
		fs.ErrRatchetRegression,
		fs.ErrIllegalSessionState,
		fs.ErrUnknownSession,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ProcessServerAlert implements transport.MessageProcessor.
func (c *Client) ProcessServerAlert(alert string) {
	c.callbackMu.RLock()
	callback := c.serverAlertCallback
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(alert)
	}
}

// ProcessServerError implements transport.MessageProcessor.
func (c *Client) ProcessServerError(message string, reconnectAllowed bool) {
	c.callbackMu.RLock()
	callback := c.serverErrorCallback
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(message, reconnectAllowed)
	}
}

func (c *Client) notifyAck(id protocol.QueueMessageID) {
	c.callbackMu.RLock()
	callback := c.ackCallback
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(id)
	}
}

func (c *Client) stateChanged(state transport.State, address string) {
	if state == transport.StateLoggedIn {
		c.queue.Flush()
	}
	c.callbackMu.RLock()
	callback := c.stateCallback
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(state)
	}
}

func (c *Client) deviceCookieChanged() {
	logrus.WithFields(logrus.Fields{
		"function": "deviceCookieChanged",
		"identity": c.identity.Identity().String(),
	}).Warn("Server reports a login from another device")
}

// dataPath returns name inside the data directory, or fallback when the
// client keeps its state in memory.
func (c *Client) dataPath(name, fallback string) string {
	if c.options.DataDir == "" {
		return fallback
	}
	return filepath.Join(c.options.DataDir, name)
}

func (c *Client) restoreQueue() error {
	if c.options.DataDir == "" {
		return nil
	}
	path := filepath.Join(c.options.DataDir, queueFile)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return c.queue.Restore(f)
}

func (c *Client) saveQueue() error {
	if c.options.DataDir == "" {
		return nil
	}
	path := filepath.Join(c.options.DataDir, queueFile)
	if c.queue.Len() == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to save send queue: %w", err)
	}
	if err := c.queue.Serialize(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to save send queue: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
