package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/limits"
	"github.com/opd-ai/cspcore/protocol"
)

// NonceChecker remembers the nonces of processed incoming envelopes.
// *crypto.NonceStore implements it.
type NonceChecker interface {
	Exists(nonce crypto.Nonce) bool
	Store(nonce crypto.Nonce) bool
}

// Connection keeps a logged-in session with the chat server. It
// reconnects with exponential backoff until Stop is called or the server
// forbids reconnecting.
//
//	conn := transport.New(transport.DefaultOptions(), server, id, nonces)
//	conn.SetMessageProcessor(processor)
//	conn.AddAckListener(queue.ProcessAck)
//	conn.Start(ctx)
//	defer conn.Stop()
type Connection struct {
	opts     Options
	server   ServerInfo
	identity identity.Store
	nonces   NonceChecker
	addrs    *addressList

	mu         sync.RWMutex
	processor  MessageProcessor
	cookies    DeviceCookieManager
	pushToken  string
	pushType   byte
	state      State
	address    string
	conn       net.Conn
	sess       *session
	sendCh     chan Payload
	connNumber uint64
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}

	attempts     int
	anotherConn  int
	echoSent     uint32
	echoReceived uint32
	alerts       map[string]struct{}

	tempKey        *crypto.KeyPair
	tempKeyCreated time.Time

	ackListeners   []AckListener
	stateListeners []StateListener
	qscListeners   []QueueSendCompleteListener
}

// New creates a stopped connection to server for the local identity.
func New(opts Options, server ServerInfo, id identity.Store, nonces NonceChecker) *Connection {
	return &Connection{
		opts:     opts,
		server:   server,
		identity: id,
		nonces:   nonces,
		addrs:    newAddressList(opts.Resolver),
		alerts:   make(map[string]struct{}),
	}
}

// SetMessageProcessor sets the handler for incoming envelopes. Without
// one, incoming envelopes are not acknowledged.
func (c *Connection) SetMessageProcessor(p MessageProcessor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processor = p
}

// SetDeviceCookieManager enables the device cookie extension.
func (c *Connection) SetDeviceCookieManager(m DeviceCookieManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = m
}

// SetPushToken sets the push token and sends it right away if logged in.
// It is sent again after every login.
func (c *Connection) SetPushToken(tokenType byte, token string) error {
	c.mu.Lock()
	c.pushType = tokenType
	c.pushToken = token
	loggedIn := c.state == StateLoggedIn
	c.mu.Unlock()

	if !loggedIn {
		return nil
	}
	return c.sendPushToken()
}

// AddAckListener registers a listener for outgoing message acks.
func (c *Connection) AddAckListener(l AckListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackListeners = append(c.ackListeners, l)
}

// AddStateListener registers a listener for state changes.
func (c *Connection) AddStateListener(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, l)
}

// AddQueueSendCompleteListener registers a listener for the end of the
// server's offline queue.
func (c *Connection) AddQueueSendCompleteListener(l QueueSendCompleteListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qscListeners = append(c.qscListeners, l)
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsLoggedIn reports whether payloads can be sent.
func (c *Connection) IsLoggedIn() bool {
	return c.State() == StateLoggedIn
}

// IsRunning reports whether the connection is started and allowed to
// reconnect.
func (c *Connection) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Start begins connecting in the background. It is a no-op when already
// running.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.done != nil {
		// A previous run stopped itself; wait for its teardown.
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.anotherConn = 0
	c.attempts = 0

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"host":     c.server.Host,
		"identity": c.identity.Identity(),
	}).Info("Starting server connection")

	go c.run(runCtx, c.done)
	return nil
}

// Stop closes the connection and waits for the background goroutines.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	logrus.WithField("function", "Stop").Info("Server connection stopped")
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		running := c.running
		attempts := c.attempts
		c.mu.Unlock()
		if !running || ctx.Err() != nil {
			break
		}

		if delay := backoffDelay(c.opts.BackoffBase, attempts, c.opts.BackoffMax); delay > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"attempt":  attempts,
				"delay":    delay,
			}).Debug("Waiting before reconnect")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.shutdown()
				return
			case <-timer.C:
			}
		}

		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		err := c.connectAndServe(ctx)
		stateAtError := c.State()
		c.teardown()

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"state":    stateAtError,
				"error":    err.Error(),
			}).Warn("Server connection lost")
		}
		if stateAtError != StateLoggedIn {
			c.addrs.advance()
		}
	}
	c.shutdown()
}

// shutdown clears the running flag after the run loop has ended on its
// own.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Connection) connectAndServe(ctx context.Context) error {
	if err := c.addrs.refresh(ctx, c.server); err != nil {
		return &ConnError{Op: "resolve", Addr: c.server.Host, Err: err}
	}
	addr := c.addrs.current()
	if addr == "" {
		return &ConnError{Op: "resolve", Addr: c.server.Host, Err: errors.New("no addresses")}
	}

	timeout := c.opts.ConnectTimeout
	if isIPv6Address(addr) {
		timeout = c.opts.ConnectTimeoutIPv6
	}
	dialer, err := newDialer(c.opts.Proxy, timeout)
	if err != nil {
		return &ConnError{Op: "dial", Addr: addr, Err: err}
	}

	c.setState(StateConnecting, addr)
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return &ConnError{Op: "dial", Addr: addr, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.connNumber++
	connNumber := c.connNumber
	cookies := c.cookies
	c.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	c.setState(StateConnected, addr)

	tempKey, err := c.temporaryKey()
	if err != nil {
		return &ConnError{Op: "handshake", Addr: addr, Err: err}
	}
	hs := &handshake{
		identity:   c.identity,
		server:     c.server,
		tempKey:    tempKey,
		clientInfo: c.opts.ClientVersion,
	}
	if cookies != nil {
		cookie, err := cookies.DeviceCookie()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "connectAndServe",
				"error":    err.Error(),
			}).Warn("Device cookie unavailable, logging in without it")
		} else {
			hs.deviceCookie = cookie
		}
	}

	if err := conn.SetDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return &ConnError{Op: "handshake", Addr: addr, Err: err}
	}
	sess, err := hs.run(conn)
	if err != nil {
		return &ConnError{Op: "handshake", Addr: addr, Err: err}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sess.wipe()
		return &ConnError{Op: "handshake", Addr: addr, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "connectAndServe",
		"address":         addr,
		"queued_messages": sess.ack.QueuedMessages,
	}).Info("Login successful")

	sendCh := make(chan Payload, c.opts.SendQueueSize)
	c.mu.Lock()
	c.sess = sess
	c.sendCh = sendCh
	c.attempts = 0
	c.echoSent = 0
	c.echoReceived = 0
	c.mu.Unlock()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	go c.sender(loopCtx, conn, sess.key, sess.clientNonce, sendCh)
	go c.keepalive(loopCtx, conn, connNumber)

	c.setState(StateLoggedIn, addr)

	c.mu.RLock()
	hasToken := c.pushToken != ""
	c.mu.RUnlock()
	if hasToken {
		if err := c.sendPushToken(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "connectAndServe",
				"error":    err.Error(),
			}).Warn("Failed to send push token")
		}
	}

	return c.readLoop(conn, sess)
}

// teardown closes the socket and wipes the session.
func (c *Connection) teardown() {
	c.mu.Lock()
	conn := c.conn
	sess := c.sess
	addr := c.address
	c.conn = nil
	c.sess = nil
	c.sendCh = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if sess != nil {
		sess.wipe()
	}
	c.setState(StateDisconnected, addr)
}

// temporaryKey returns the handshake key pair, replacing it once it is
// older than TempKeyMaxAge.
func (c *Connection) temporaryKey() (*crypto.KeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tempKey != nil && time.Since(c.tempKeyCreated) < c.opts.TempKeyMaxAge {
		return c.tempKey, nil
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if c.tempKey != nil {
		_ = crypto.WipeKeyPair(c.tempKey)
	}
	c.tempKey = kp
	c.tempKeyCreated = time.Now()
	return kp, nil
}

func (c *Connection) setState(state State, addr string) {
	c.mu.Lock()
	if c.state == state && c.address == addr {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.address = addr
	listeners := append([]StateListener(nil), c.stateListeners...)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"state":    state,
		"address":  addr,
	}).Debug("Connection state changed")

	for _, l := range listeners {
		l(state, addr)
	}
}

func (c *Connection) sender(ctx context.Context, conn net.Conn, key [32]byte, nonces *NonceCounter, ch <-chan Payload) {
	defer crypto.WipeKey(&key)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ch:
			box, err := SealFrame(p, key, nonces)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sender",
					"type":     p.Type,
					"error":    err.Error(),
				}).Warn("Dropping payload")
				continue
			}
			if err := WriteFrame(conn, box); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sender",
					"error":    err.Error(),
				}).Warn("Write failed, closing connection")
				conn.Close()
				return
			}
		}
	}
}

// SendPayload queues a payload for the sender.
func (c *Connection) SendPayload(p Payload) error {
	c.mu.RLock()
	ch := c.sendCh
	state := c.state
	c.mu.RUnlock()

	if state != StateLoggedIn || ch == nil {
		return ErrNotLoggedIn
	}
	select {
	case ch <- p:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendBoxedMessage sends an outgoing envelope.
func (c *Connection) SendBoxedMessage(box *coder.MessageBox) error {
	data, err := box.Bytes()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "SendBoxedMessage",
		"to":         box.To,
		"message_id": box.MessageID,
	}).Debug("Sending message")
	return c.SendPayload(Payload{Type: protocol.PayloadOutgoingMessage, Data: data})
}

func (c *Connection) sendPushToken() error {
	c.mu.RLock()
	data := append([]byte{c.pushType}, c.pushToken...)
	c.mu.RUnlock()
	return c.SendPayload(Payload{Type: protocol.PayloadPushToken, Data: data})
}

func (c *Connection) keepalive(ctx context.Context, conn net.Conn, connNumber uint64) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendEcho(conn, connNumber)
		}
	}
}

// sendEcho sends an echo request and closes conn if no reply arrives
// within ReadTimeout.
func (c *Connection) sendEcho(conn net.Conn, connNumber uint64) {
	c.mu.Lock()
	c.echoSent++
	seq := c.echoSent
	c.mu.Unlock()

	var data [4]byte
	binary.BigEndian.PutUint32(data[:], seq)
	if err := c.SendPayload(Payload{Type: protocol.PayloadEchoRequest, Data: data[:]}); err != nil {
		return
	}

	time.AfterFunc(c.opts.ReadTimeout, func() {
		c.mu.RLock()
		stale := c.connNumber == connNumber && c.echoReceived < c.echoSent
		c.mu.RUnlock()
		if stale {
			logrus.WithField("function", "sendEcho").Info("No reply to echo payload; reconnecting")
			conn.Close()
		}
	})
}

func (c *Connection) readLoop(conn net.Conn, sess *session) error {
	for {
		box, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			return &ConnError{Op: "read", Addr: conn.RemoteAddr().String(), Err: err}
		}
		p, err := OpenFrame(box, sess.key, sess.serverNonce)
		if err != nil {
			return err
		}
		if err := c.processPayload(p); err != nil {
			return err
		}
	}
}

func (c *Connection) processPayload(p Payload) error {
	logrus.WithFields(logrus.Fields{
		"function": "processPayload",
		"type":     p.Type,
		"size":     len(p.Data),
	}).Debug("Payload received")

	switch p.Type {
	case protocol.PayloadEchoReply:
		if len(p.Data) != 4 {
			return protocolError("bad length (%d) for echo reply payload", len(p.Data))
		}
		c.mu.Lock()
		c.echoReceived = binary.BigEndian.Uint32(p.Data)
		c.mu.Unlock()

	case protocol.PayloadError:
		return c.processError(p.Data)

	case protocol.PayloadAlert:
		c.processAlert(string(p.Data))

	case protocol.PayloadOutgoingMessageAck:
		return c.processOutgoingAck(p.Data)

	case protocol.PayloadIncomingMessage:
		return c.processIncomingMessage(p.Data)

	case protocol.PayloadQueueSendComplete:
		c.mu.RLock()
		listeners := append([]QueueSendCompleteListener(nil), c.qscListeners...)
		c.mu.RUnlock()
		for _, l := range listeners {
			l()
		}

	case protocol.PayloadDeviceCookieChangeIndication:
		c.mu.RLock()
		cookies := c.cookies
		c.mu.RUnlock()
		if cookies != nil {
			cookies.ChangeIndicationReceived()
		}
		return c.SendPayload(Payload{Type: protocol.PayloadClearDeviceCookieChangeIndication})

	default:
		logrus.WithFields(logrus.Fields{
			"function": "processPayload",
			"type":     p.Type,
		}).Debug("Ignoring unknown payload")
	}
	return nil
}

func (c *Connection) processError(data []byte) error {
	if len(data) < 1 {
		return protocolError("bad length (%d) for error payload", len(data))
	}
	reconnectAllowed := data[0] != 0
	message := string(data[1:])

	logrus.WithFields(logrus.Fields{
		"function":          "processError",
		"message":           message,
		"reconnect_allowed": reconnectAllowed,
	}).Error("Received error message from server")

	c.mu.Lock()
	if c.opts.AnotherConnectionMatch != "" && strings.Contains(message, c.opts.AnotherConnectionMatch) &&
		c.anotherConn < c.opts.AnotherConnectionLimit {
		c.anotherConn++
		c.mu.Unlock()
		return nil
	}
	processor := c.processor
	if !reconnectAllowed {
		c.running = false
	}
	c.mu.Unlock()

	if processor != nil {
		processor.ProcessServerError(message, reconnectAllowed)
	}
	return nil
}

func (c *Connection) processAlert(alert string) {
	logrus.WithFields(logrus.Fields{
		"function": "processAlert",
		"alert":    alert,
	}).Info("Received alert message from server")

	c.mu.Lock()
	processor := c.processor
	_, seen := c.alerts[alert]
	if processor != nil && !seen {
		c.alerts[alert] = struct{}{}
	}
	c.mu.Unlock()

	if processor != nil && !seen {
		processor.ProcessServerAlert(alert)
	}
}

func (c *Connection) processOutgoingAck(data []byte) error {
	if len(data) != protocol.IdentityLen+protocol.MessageIDLen {
		return protocolError("bad length (%d) for message ack payload", len(data))
	}
	recipient, err := protocol.ParseIdentity(data[:protocol.IdentityLen])
	if err != nil {
		return protocolError("bad recipient in message ack: %v", err)
	}
	msgID, _ := protocol.MessageIDFromBytes(data[protocol.IdentityLen:])
	id := protocol.QueueMessageID{MessageID: msgID, Recipient: recipient}

	logrus.WithFields(logrus.Fields{
		"function":   "processOutgoingAck",
		"recipient":  recipient,
		"message_id": msgID,
	}).Debug("Received message ack")

	c.mu.RLock()
	listeners := append([]AckListener(nil), c.ackListeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(id)
	}
	return nil
}

func (c *Connection) processIncomingMessage(data []byte) error {
	if len(data) < limits.MessageHeaderLen+limits.NonceLen {
		return protocolError("bad length (%d) for message payload", len(data))
	}

	box, err := coder.ParseMessageBox(data)
	if err != nil {
		// Not necessarily the server's fault; keep the connection.
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingMessage",
			"error":    err.Error(),
		}).Warn("Box message parse failed")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "processIncomingMessage",
		"from":       box.From,
		"message_id": box.MessageID,
	}).Info("Incoming message")

	c.mu.RLock()
	processor := c.processor
	c.mu.RUnlock()
	if processor == nil {
		return nil
	}

	ack := true
	if !c.nonces.Exists(box.Nonce) {
		result := processor.ProcessIncomingMessage(box)
		if result.Processed && result.Type != protocol.MsgTypingIndicator {
			c.nonces.Store(box.Nonce)
		}
		ack = result.Processed
	}

	if ack && !box.HasFlag(protocol.FlagNoServerAck) {
		return c.sendAck(box.From, box.MessageID)
	}
	return nil
}

func (c *Connection) sendAck(from protocol.Identity, id protocol.MessageID) error {
	fromBytes := from.Bytes()
	data := make([]byte, 0, protocol.IdentityLen+protocol.MessageIDLen)
	data = append(data, fromBytes[:]...)
	data = append(data, id[:]...)
	if err := c.SendPayload(Payload{Type: protocol.PayloadIncomingMessageAck, Data: data}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendAck",
			"from":       from,
			"message_id": id,
			"error":      err.Error(),
		}).Warn("Failed to send message ack")
	}
	return nil
}
