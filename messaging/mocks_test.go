package messaging

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
)

var errTransportFailure = errors.New("transport failure")

// mockTransmitter records envelopes instead of writing to a socket.
type mockTransmitter struct {
	mu         sync.Mutex
	loggedIn   bool
	shouldFail bool
	sent       []*coder.MessageBox

	// onSend runs after a successful send, outside the mock's lock,
	// the way an ack from the receive loop would.
	onSend func(box *coder.MessageBox)
}

func (m *mockTransmitter) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

func (m *mockTransmitter) SendBoxedMessage(box *coder.MessageBox) error {
	m.mu.Lock()
	if m.shouldFail {
		m.mu.Unlock()
		return errTransportFailure
	}
	m.sent = append(m.sent, box)
	onSend := m.onSend
	m.mu.Unlock()

	if onSend != nil {
		onSend(box)
	}
	return nil
}

func (m *mockTransmitter) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

const (
	selfID  protocol.Identity = "ALICE001"
	peerID  protocol.Identity = "BOB00001"
	carolID protocol.Identity = "CAROL001"
)

func newTestQueue(t *testing.T) (*Queue, *mockTransmitter) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(selfID, kp, "Alice")
	require.NoError(t, err)

	contacts := identity.NewMemoryContacts()
	for _, id := range []protocol.Identity{peerID, carolID} {
		peerKP, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		require.NoError(t, contacts.Add(identity.Contact{Identity: id, PublicKey: peerKP.Public}))
	}

	nonces, err := crypto.NewNonceStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nonces.Close() })

	q := NewQueue(coder.New(contacts, local), nonces, selfID)
	tr := &mockTransmitter{}
	q.SetTransmitter(tr)
	return q, tr
}
