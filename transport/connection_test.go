package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
	"github.com/opd-ai/cspcore/transport"
	"github.com/opd-ai/cspcore/transport/csptest"
)

const (
	selfID protocol.Identity = "ALICE001"
	peerID protocol.Identity = "BOB00001"
)

const wait = 5 * time.Second

type recordingProcessor struct {
	mu       sync.Mutex
	boxes    []*coder.MessageBox
	alerts   []string
	errors   []string
	result   transport.ProcessResult
	received chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		result:   transport.ProcessResult{Processed: true, Type: protocol.MsgText},
		received: make(chan struct{}, 16),
	}
}

func (p *recordingProcessor) ProcessIncomingMessage(box *coder.MessageBox) transport.ProcessResult {
	p.mu.Lock()
	p.boxes = append(p.boxes, box)
	result := p.result
	p.mu.Unlock()
	p.received <- struct{}{}
	return result
}

func (p *recordingProcessor) ProcessServerAlert(alert string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
}

func (p *recordingProcessor) ProcessServerError(message string, reconnectAllowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, message)
}

func (p *recordingProcessor) count() (boxes, alerts, errors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.boxes), len(p.alerts), len(p.errors)
}

func testOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.ReadTimeout = 2 * time.Second
	opts.BackoffMax = 50 * time.Millisecond
	opts.ClientVersion = "test;Q;;;go"
	return opts
}

type fixture struct {
	server    *csptest.Server
	conn      *transport.Connection
	processor *recordingProcessor
	nonces    *crypto.NonceStore
}

func newFixture(t *testing.T, opts transport.Options) *fixture {
	t.Helper()
	server := csptest.NewServer()
	t.Cleanup(server.Close)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(selfID, kp, "Alice")
	require.NoError(t, err)
	server.AddClient(selfID, kp.Public)

	nonces, err := crypto.NewNonceStore("")
	require.NoError(t, err)
	t.Cleanup(func() { nonces.Close() })

	conn := transport.New(opts, server.Info(), local, nonces)
	processor := newRecordingProcessor()
	conn.SetMessageProcessor(processor)
	t.Cleanup(conn.Stop)

	return &fixture{server: server, conn: conn, processor: processor, nonces: nonces}
}

func (f *fixture) login(t *testing.T) *csptest.Session {
	t.Helper()
	require.NoError(t, f.conn.Start(context.Background()))
	sess, err := f.server.WaitLogin(wait)
	require.NoError(t, err)
	require.Eventually(t, f.conn.IsLoggedIn, wait, 10*time.Millisecond)
	return sess
}

func incomingBox(t *testing.T, flags byte) *coder.MessageBox {
	t.Helper()
	id, err := protocol.NewMessageID()
	require.NoError(t, err)
	nonce, err := crypto.GenerateNonce()
	require.NoError(t, err)
	return &coder.MessageBox{
		From:      peerID,
		To:        selfID,
		MessageID: id,
		Date:      time.Now(),
		Flags:     flags,
		Nonce:     nonce,
		Box:       make([]byte, 48),
	}
}

func sendIncoming(t *testing.T, sess *csptest.Session, box *coder.MessageBox) {
	t.Helper()
	data, err := box.Bytes()
	require.NoError(t, err)
	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadIncomingMessage, Data: data}))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, testOptions())
	cookies := transport.NewFileDeviceCookie("", nil)
	f.conn.SetDeviceCookieManager(cookies)

	var states []transport.State
	var mu sync.Mutex
	f.conn.AddStateListener(func(s transport.State, addr string) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	sess := f.login(t)
	assert.Equal(t, selfID, sess.Identity)
	assert.Equal(t, []byte("test;Q;;;go"), sess.Extensions[transport.ExtClientInfo])
	assert.Equal(t, []byte{0x01}, sess.Extensions[transport.ExtPayloadVersion])

	cookie, err := cookies.DeviceCookie()
	require.NoError(t, err)
	assert.Equal(t, cookie, sess.Extensions[transport.ExtDeviceCookie])

	mu.Lock()
	assert.Equal(t, []transport.State{
		transport.StateConnecting,
		transport.StateConnected,
		transport.StateLoggedIn,
	}, states)
	mu.Unlock()
}

func TestLoginWithAlternateServerKey(t *testing.T) {
	opts := testOptions()
	server := csptest.NewServer()
	defer server.Close()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(selfID, kp, "")
	require.NoError(t, err)
	server.AddClient(selfID, kp.Public)

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	info := server.Info()
	info.AltPublicKey = info.PublicKey
	info.PublicKey = other.Public

	nonces, err := crypto.NewNonceStore("")
	require.NoError(t, err)
	defer nonces.Close()

	conn := transport.New(opts, info, local, nonces)
	defer conn.Stop()
	require.NoError(t, conn.Start(context.Background()))

	_, err = server.WaitLogin(wait)
	require.NoError(t, err)
}

func TestLoginRejectedVouch(t *testing.T) {
	opts := testOptions()
	server := csptest.NewServer()
	defer server.Close()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(selfID, kp, "")
	require.NoError(t, err)
	wrong, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	server.AddClient(selfID, wrong.Public)

	nonces, err := crypto.NewNonceStore("")
	require.NoError(t, err)
	defer nonces.Close()

	conn := transport.New(opts, server.Info(), local, nonces)
	defer conn.Stop()
	require.NoError(t, conn.Start(context.Background()))

	_, err = server.WaitLogin(500 * time.Millisecond)
	assert.Error(t, err)
	assert.False(t, conn.IsLoggedIn())
	assert.True(t, conn.IsRunning(), "keeps retrying")
}

func TestOutgoingMessageAck(t *testing.T) {
	f := newFixture(t, testOptions())
	acks := make(chan protocol.QueueMessageID, 1)
	f.conn.AddAckListener(func(id protocol.QueueMessageID) { acks <- id })

	sess := f.login(t)

	id, err := protocol.NewMessageID()
	require.NoError(t, err)
	box := &coder.MessageBox{From: selfID, To: peerID, MessageID: id, Date: time.Now(), Box: make([]byte, 48)}
	require.NoError(t, f.conn.SendBoxedMessage(box))

	p, err := sess.Next(protocol.PayloadOutgoingMessage, wait)
	require.NoError(t, err)
	parsed, err := coder.ParseMessageBox(p.Data)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.MessageID)

	select {
	case ack := <-acks:
		assert.Equal(t, box.QueueID(), ack)
	case <-time.After(wait):
		t.Fatal("no ack")
	}
}

func TestIncomingMessageAck(t *testing.T) {
	f := newFixture(t, testOptions())
	sess := f.login(t)

	box := incomingBox(t, 0)
	sendIncoming(t, sess, box)

	p, err := sess.Next(protocol.PayloadIncomingMessageAck, wait)
	require.NoError(t, err)
	from := peerID.Bytes()
	assert.Equal(t, append(from[:], box.MessageID[:]...), p.Data)
	assert.True(t, f.nonces.Exists(box.Nonce))

	// a replayed envelope is acked without processing it again
	sendIncoming(t, sess, box)
	_, err = sess.Next(protocol.PayloadIncomingMessageAck, wait)
	require.NoError(t, err)
	boxes, _, _ := f.processor.count()
	assert.Equal(t, 1, boxes)
}

func TestIncomingMessageNoAckFlag(t *testing.T) {
	f := newFixture(t, testOptions())
	sess := f.login(t)

	sendIncoming(t, sess, incomingBox(t, protocol.FlagNoServerAck))
	<-f.processor.received

	_, err := sess.Next(protocol.PayloadIncomingMessageAck, 300*time.Millisecond)
	assert.Error(t, err)
}

func TestIncomingTypingIndicatorNonceNotStored(t *testing.T) {
	f := newFixture(t, testOptions())
	f.processor.result = transport.ProcessResult{Processed: true, Type: protocol.MsgTypingIndicator}
	sess := f.login(t)

	box := incomingBox(t, 0)
	sendIncoming(t, sess, box)
	_, err := sess.Next(protocol.PayloadIncomingMessageAck, wait)
	require.NoError(t, err)
	assert.False(t, f.nonces.Exists(box.Nonce))
}

func TestIncomingUnprocessedNotAcked(t *testing.T) {
	f := newFixture(t, testOptions())
	f.processor.result = transport.ProcessResult{}
	sess := f.login(t)

	box := incomingBox(t, 0)
	sendIncoming(t, sess, box)
	<-f.processor.received

	_, err := sess.Next(protocol.PayloadIncomingMessageAck, 300*time.Millisecond)
	assert.Error(t, err)
	assert.False(t, f.nonces.Exists(box.Nonce))
}

func TestEcho(t *testing.T) {
	opts := testOptions()
	opts.KeepaliveInterval = 50 * time.Millisecond
	f := newFixture(t, opts)
	sess := f.login(t)

	p, err := sess.Next(protocol.PayloadEchoRequest, wait)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, p.Data, "sequence is big-endian and starts at 1")
	assert.True(t, f.conn.IsLoggedIn())
}

func TestEchoTimeoutReconnects(t *testing.T) {
	opts := testOptions()
	opts.KeepaliveInterval = 50 * time.Millisecond
	opts.ReadTimeout = 200 * time.Millisecond
	f := newFixture(t, opts)
	f.server.SetAutoEcho(false)

	first := f.login(t)
	select {
	case <-first.Done():
	case <-time.After(wait):
		t.Fatal("connection not dropped after missing echo reply")
	}

	_, err := f.server.WaitLogin(wait)
	require.NoError(t, err)
}

func TestAlertsDeduplicated(t *testing.T) {
	f := newFixture(t, testOptions())
	sess := f.login(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadAlert, Data: []byte("maintenance")}))
	}
	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadAlert, Data: []byte("other")}))

	assert.Eventually(t, func() bool {
		_, alerts, _ := f.processor.count()
		return alerts == 2
	}, wait, 10*time.Millisecond)
}

func TestServerErrorStopsReconnect(t *testing.T) {
	f := newFixture(t, testOptions())
	sess := f.login(t)

	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadError, Data: append([]byte{0}, "Bad client"...)}))
	assert.Eventually(t, func() bool { return !f.conn.IsRunning() }, wait, 10*time.Millisecond)
	sess.Close()

	assert.Eventually(t, func() bool { return f.conn.State() == transport.StateDisconnected }, wait, 10*time.Millisecond)
	_, err := f.server.WaitLogin(300 * time.Millisecond)
	assert.Error(t, err, "no reconnect")

	_, _, errs := f.processor.count()
	assert.Equal(t, 1, errs)
}

func TestAnotherConnectionIgnored(t *testing.T) {
	opts := testOptions()
	opts.AnotherConnectionLimit = 1
	f := newFixture(t, opts)
	sess := f.login(t)

	msg := append([]byte{0}, "Another connection for this identity has been established"...)
	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadError, Data: msg}))
	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadAlert, Data: []byte("sync")}))
	assert.Eventually(t, func() bool {
		_, alerts, _ := f.processor.count()
		return alerts == 1
	}, wait, 10*time.Millisecond)
	_, _, errs := f.processor.count()
	assert.Zero(t, errs)
	assert.True(t, f.conn.IsRunning())

	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadError, Data: msg}))
	assert.Eventually(t, func() bool {
		_, _, errs := f.processor.count()
		return errs == 1
	}, wait, 10*time.Millisecond)
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFixture(t, testOptions())
	first := f.login(t)
	first.Close()

	second, err := f.server.WaitLogin(wait)
	require.NoError(t, err)
	assert.Equal(t, selfID, second.Identity)
}

func TestQueueSendCompleteAndDeviceCookieChange(t *testing.T) {
	f := newFixture(t, testOptions())
	changed := make(chan struct{}, 1)
	f.conn.SetDeviceCookieManager(transport.NewFileDeviceCookie("", func() { changed <- struct{}{} }))
	complete := make(chan struct{}, 1)
	f.conn.AddQueueSendCompleteListener(func() { complete <- struct{}{} })
	sess := f.login(t)

	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadQueueSendComplete}))
	select {
	case <-complete:
	case <-time.After(wait):
		t.Fatal("queue send complete not reported")
	}

	require.NoError(t, sess.Send(transport.Payload{Type: protocol.PayloadDeviceCookieChangeIndication}))
	select {
	case <-changed:
	case <-time.After(wait):
		t.Fatal("change indication not reported")
	}
	p, err := sess.Next(protocol.PayloadClearDeviceCookieChangeIndication, wait)
	require.NoError(t, err)
	assert.Empty(t, p.Data)
}

func TestPushToken(t *testing.T) {
	f := newFixture(t, testOptions())
	require.NoError(t, f.conn.SetPushToken(0x13, "token-1"))
	sess := f.login(t)

	p, err := sess.Next(protocol.PayloadPushToken, wait)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x13}, "token-1"...), p.Data)
}

func TestSendWhileDisconnected(t *testing.T) {
	f := newFixture(t, testOptions())
	err := f.conn.SendPayload(transport.Payload{Type: protocol.PayloadEchoRequest, Data: make([]byte, 4)})
	assert.ErrorIs(t, err, transport.ErrNotLoggedIn)
}
