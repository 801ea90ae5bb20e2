package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
)

func newLocal(t *testing.T, id protocol.Identity) (*identity.Local, *identity.Contact) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local, err := identity.NewLocal(id, kp, string(id))
	require.NoError(t, err)
	return local, &identity.Contact{
		Identity:    id,
		PublicKey:   kp.Public,
		FeatureMask: identity.FeatureForwardSecurity,
	}
}

func TestSessionKeyAgreement(t *testing.T) {
	alice, aliceContact := newLocal(t, "ALICE001")
	bob, bobContact := newLocal(t, "BOB00001")

	initiator, err := NewInitiatorSession(alice, bobContact, protocol.DefaultVersionRange)
	require.NoError(t, err)
	state, err := initiator.State()
	require.NoError(t, err)
	assert.Equal(t, StateL20, state)
	require.NotNil(t, initiator.MyEphemeralPrivateKey)

	responder, err := NewResponderSession(initiator.ID, bob, aliceContact, initiator.MyEphemeralPublicKey, protocol.FSVersion1_2)
	require.NoError(t, err)
	state, err = responder.State()
	require.NoError(t, err)
	assert.Equal(t, StateR24, state)
	assert.Nil(t, responder.MyEphemeralPrivateKey)

	// 2DH: the initiator's own ratchet matches the responder's peer ratchet.
	assert.Equal(t, initiator.MyRatchet2DH.ChainKey(), responder.PeerRatchet2DH.ChainKey())

	require.NoError(t, initiator.ProcessAccept(alice, bobContact, responder.MyEphemeralPublicKey))
	state, err = initiator.State()
	require.NoError(t, err)
	assert.Equal(t, StateRL44, state)
	assert.Nil(t, initiator.MyEphemeralPrivateKey)
	assert.Nil(t, initiator.MyRatchet2DH)

	assert.Equal(t, initiator.MyRatchet4DH.ChainKey(), responder.PeerRatchet4DH.ChainKey())
	assert.Equal(t, initiator.PeerRatchet4DH.ChainKey(), responder.MyRatchet4DH.ChainKey())
	assert.NotEqual(t, initiator.MyRatchet4DH.ChainKey(), initiator.PeerRatchet4DH.ChainKey())
}

func TestSessionProcessAcceptTwice(t *testing.T) {
	alice, aliceContact := newLocal(t, "ALICE001")
	bob, bobContact := newLocal(t, "BOB00001")

	initiator, err := NewInitiatorSession(alice, bobContact, protocol.DefaultVersionRange)
	require.NoError(t, err)
	responder, err := NewResponderSession(initiator.ID, bob, aliceContact, initiator.MyEphemeralPublicKey, protocol.FSVersion1_0)
	require.NoError(t, err)

	require.NoError(t, initiator.ProcessAccept(alice, bobContact, responder.MyEphemeralPublicKey))
	err = initiator.ProcessAccept(alice, bobContact, responder.MyEphemeralPublicKey)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestSessionStates(t *testing.T) {
	r := func() *KDFRatchet { return NewKDFRatchet(1, testChainKey()) }
	tests := []struct {
		name    string
		session Session
		want    State
		wantErr bool
	}{
		{"L20", Session{MyRatchet2DH: r()}, StateL20, false},
		{"R20", Session{PeerRatchet2DH: r()}, StateR20, false},
		{"R24", Session{PeerRatchet2DH: r(), MyRatchet4DH: r(), PeerRatchet4DH: r()}, StateR24, false},
		{"RL44", Session{MyRatchet4DH: r(), PeerRatchet4DH: r()}, StateRL44, false},
		{"empty", Session{}, 0, true},
		{"both 2DH", Session{MyRatchet2DH: r(), PeerRatchet2DH: r()}, 0, true},
		{"half 4DH", Session{MyRatchet4DH: r()}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.session.State()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIllegalSessionState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionClone(t *testing.T) {
	alice, _ := newLocal(t, "ALICE001")
	_, bobContact := newLocal(t, "BOB00001")

	s, err := NewInitiatorSession(alice, bobContact, protocol.DefaultVersionRange)
	require.NoError(t, err)
	c := s.Clone()

	require.NoError(t, s.MyRatchet2DH.Turn())
	s.MyEphemeralPrivateKey[0] ^= 0xff

	assert.Equal(t, uint64(1), c.MyRatchet2DH.Counter())
	assert.NotEqual(t, *s.MyEphemeralPrivateKey, *c.MyEphemeralPrivateKey)
}
