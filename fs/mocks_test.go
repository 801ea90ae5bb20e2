package fs_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// outbox records everything the processor sends.
type outbox struct {
	mu   sync.Mutex
	msgs []messages.Message
}

func (o *outbox) Enqueue(m messages.Message) (*coder.MessageBox, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return &coder.MessageBox{From: m.MessageHeader().From, To: m.MessageHeader().To, MessageID: m.MessageHeader().ID}, nil
}

// take returns and clears the recorded envelopes.
func (o *outbox) take() []*messages.ForwardSecurityEnvelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*messages.ForwardSecurityEnvelope, 0, len(o.msgs))
	for _, m := range o.msgs {
		out = append(out, m.(*messages.ForwardSecurityEnvelope))
	}
	o.msgs = nil
	return out
}

// recordingListener collects status events by name.
type recordingListener struct {
	fs.NoopListener
	mu       sync.Mutex
	events   []string
	skipped  []int
	rejected []protocol.MessageID
}

func (l *recordingListener) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *recordingListener) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == name {
			return true
		}
	}
	return false
}

func (l *recordingListener) NewSessionInitiated(*fs.Session, *identity.Contact) {
	l.record("new_session_initiated")
}

func (l *recordingListener) ResponderSessionEstablished(_ *fs.Session, _ *identity.Contact, preempted bool) {
	if preempted {
		l.record("responder_session_established_preempted")
	}
	l.record("responder_session_established")
}

func (l *recordingListener) InitiatorSessionEstablished(*fs.Session, *identity.Contact) {
	l.record("initiator_session_established")
}

func (l *recordingListener) RejectReceived(_ messages.FSSessionID, _ *identity.Contact, id protocol.MessageID) {
	l.mu.Lock()
	l.rejected = append(l.rejected, id)
	l.mu.Unlock()
	l.record("reject_received")
}

func (l *recordingListener) SessionNotFound(messages.FSSessionID, *identity.Contact) {
	l.record("session_not_found")
}

func (l *recordingListener) SessionForMessageNotFound(messages.FSSessionID, protocol.MessageID, *identity.Contact) {
	l.record("session_for_message_not_found")
}

func (l *recordingListener) SessionTerminated(messages.FSSessionID, *identity.Contact) {
	l.record("session_terminated")
}

func (l *recordingListener) MessagesSkipped(_ messages.FSSessionID, _ *identity.Contact, n int) {
	l.mu.Lock()
	l.skipped = append(l.skipped, n)
	l.mu.Unlock()
	l.record("messages_skipped")
}

func (l *recordingListener) MessageOutOfOrder(messages.FSSessionID, *identity.Contact, protocol.MessageID) {
	l.record("message_out_of_order")
}

func (l *recordingListener) First4DHMessageReceived(messages.FSSessionID, *identity.Contact) {
	l.record("first_4dh_message_received")
}

func (l *recordingListener) VersionsUpdated(*fs.Session, *identity.Contact) {
	l.record("versions_updated")
}

func (l *recordingListener) MessageDecryptionFailed(messages.FSSessionID, *identity.Contact, protocol.MessageID) {
	l.record("message_decryption_failed")
}

// peer is one side of a conversation with its own processor and store.
type peer struct {
	id       protocol.Identity
	local    *identity.Local
	contacts *identity.MemoryContacts
	store    *fs.MemoryStore
	out      *outbox
	events   *recordingListener
	proc     *fs.Processor
	versions protocol.VersionRange
}

func newPeer(t *testing.T, id protocol.Identity, versions protocol.VersionRange) *peer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(id, kp, string(id))
	require.NoError(t, err)

	p := &peer{
		id:       id,
		local:    local,
		contacts: identity.NewMemoryContacts(),
		store:    fs.NewMemoryStore(),
		versions: versions,
	}
	p.restart()
	return p
}

// restart recreates the processor on the existing store, as after an
// application restart.
func (p *peer) restart() {
	p.out = &outbox{}
	p.events = &recordingListener{}
	p.proc = fs.NewProcessor(fs.Config{Versions: p.versions}, p.local, p.store, coder.New(p.contacts, p.local), p.out)
	p.proc.SetStatusListener(p.events)
}

// loseState drops all sessions.
func (p *peer) loseState() {
	p.store = fs.NewMemoryStore()
	p.restart()
}

func introduce(t *testing.T, a, b *peer) {
	t.Helper()
	require.NoError(t, a.contacts.Add(identity.Contact{
		Identity:    b.id,
		PublicKey:   b.local.PublicKey(),
		FeatureMask: identity.FeatureForwardSecurity,
	}))
	require.NoError(t, b.contacts.Add(identity.Contact{
		Identity:    a.id,
		PublicKey:   a.local.PublicKey(),
		FeatureMask: identity.FeatureForwardSecurity,
	}))
}

func (p *peer) contact(other *peer) *identity.Contact {
	return p.contacts.Contact(other.id)
}

func (p *peer) text(t *testing.T, to *peer, text string) *messages.Text {
	t.Helper()
	h, err := messages.NewHeader(p.id, to.id)
	require.NoError(t, err)
	return &messages.Text{Header: h, Text: text}
}

// send encapsulates a text message for to.
func (p *peer) send(t *testing.T, to *peer, text string) *messages.ForwardSecurityEnvelope {
	t.Helper()
	env, err := p.proc.MakeMessage(p.contact(to), p.text(t, to, text))
	require.NoError(t, err)
	return env
}

// receive runs env through the wire codec and hands it to p's processor.
func (p *peer) receive(t *testing.T, from *peer, env *messages.ForwardSecurityEnvelope) (messages.Message, *fs.PeerRatchetID, error) {
	t.Helper()
	body, err := env.Body()
	require.NoError(t, err)
	parsed, err := messages.Parse(protocol.MsgForwardSecurity, body)
	require.NoError(t, err)
	wire := parsed.(*messages.ForwardSecurityEnvelope)
	wire.Header = env.Header
	return p.proc.ProcessEnvelope(p.contact(from), wire)
}

// receiveText delivers env, expects a text message and commits it.
func (p *peer) receiveText(t *testing.T, from *peer, env *messages.ForwardSecurityEnvelope) *messages.Text {
	t.Helper()
	inner, rid, err := p.receive(t, from, env)
	require.NoError(t, err)
	require.NotNil(t, rid)
	text, ok := inner.(*messages.Text)
	require.True(t, ok, "got %T", inner)
	require.NoError(t, p.proc.CommitPeerRatchet(rid))
	return text
}

// receiveControl delivers control envelopes and expects no inner message.
func (p *peer) receiveControl(t *testing.T, from *peer, envs ...*messages.ForwardSecurityEnvelope) {
	t.Helper()
	for _, env := range envs {
		inner, rid, err := p.receive(t, from, env)
		require.NoError(t, err)
		require.Nil(t, inner)
		require.Nil(t, rid)
	}
}

func (p *peer) sessions(t *testing.T, other *peer) []*fs.Session {
	t.Helper()
	all, err := p.store.AllSessions(p.id, other.id)
	require.NoError(t, err)
	return all
}

func (p *peer) onlySession(t *testing.T, other *peer) *fs.Session {
	t.Helper()
	all := p.sessions(t, other)
	require.Len(t, all, 1)
	return all[0]
}

func fsMessage(env *messages.ForwardSecurityEnvelope) *messages.FSMessage {
	return env.Data.(*messages.FSMessage)
}
