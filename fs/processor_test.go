package fs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

func newPair(t *testing.T) (*peer, *peer) {
	t.Helper()
	alice := newPeer(t, "ALICE001", protocol.DefaultVersionRange)
	bob := newPeer(t, "BOB00001", protocol.DefaultVersionRange)
	introduce(t, alice, bob)
	return alice, bob
}

// establish runs a full exchange until both sides are in RL44.
func establish(t *testing.T, alice, bob *peer) {
	t.Helper()
	first := alice.send(t, bob, "ping")
	bob.receiveControl(t, alice, alice.out.take()...)
	bob.receiveText(t, alice, first)

	reply := bob.send(t, alice, "pong")
	alice.receiveControl(t, bob, bob.out.take()...)
	alice.receiveText(t, bob, reply)

	bob.receiveText(t, alice, alice.send(t, bob, "ack"))
	requireState(t, alice.onlySession(t, bob), fs.StateRL44)
	requireState(t, bob.onlySession(t, alice), fs.StateRL44)
}

func requireState(t *testing.T, s *fs.Session, want fs.State) {
	t.Helper()
	got, err := s.State()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestTwoDHToFourDH(t *testing.T) {
	alice, bob := newPair(t)

	env := alice.send(t, bob, "Hello Bob!")
	assert.Equal(t, messages.FSMode2DH, env.FSMode)
	assert.Equal(t, messages.DHType2DH, fsMessage(env).DHType)
	assert.Equal(t, uint64(1), fsMessage(env).Counter)
	assert.Equal(t, "ALICE001", env.Nickname)
	assert.True(t, alice.events.has("new_session_initiated"))

	control := alice.out.take()
	require.Len(t, control, 1)
	fsInit, ok := control[0].Data.(*messages.FSInit)
	require.True(t, ok)
	assert.Equal(t, fsMessage(env).SessionID, fsInit.SessionID)
	requireState(t, alice.onlySession(t, bob), fs.StateL20)

	bob.receiveControl(t, alice, control...)
	assert.True(t, bob.events.has("responder_session_established"))
	requireState(t, bob.onlySession(t, alice), fs.StateR24)

	inner, rid, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	text := inner.(*messages.Text)
	assert.Equal(t, "Hello Bob!", text.Text)
	assert.Equal(t, messages.FSMode2DH, text.FSMode)
	assert.Equal(t, env.ID, text.ID)
	assert.Equal(t, protocol.Identity("ALICE001"), text.From)
	assert.Equal(t, messages.DHType2DH, rid.DHType)
	require.NoError(t, bob.proc.CommitPeerRatchet(rid))

	reply := bob.send(t, alice, "Hello Alice!")
	assert.Equal(t, messages.DHType4DH, fsMessage(reply).DHType)

	accept := bob.out.take()
	require.Len(t, accept, 1)
	_, ok = accept[0].Data.(*messages.FSAccept)
	require.True(t, ok)
	alice.receiveControl(t, bob, accept...)
	assert.True(t, alice.events.has("initiator_session_established"))
	requireState(t, alice.onlySession(t, bob), fs.StateRL44)

	got := alice.receiveText(t, bob, reply)
	assert.Equal(t, "Hello Alice!", got.Text)
	assert.Equal(t, messages.FSMode4DH, got.FSMode)
	assert.True(t, alice.events.has("first_4dh_message_received"))

	env = alice.send(t, bob, "Now we're in 4DH mode!")
	assert.Equal(t, messages.DHType4DH, fsMessage(env).DHType)
	got = bob.receiveText(t, alice, env)
	assert.Equal(t, "Now we're in 4DH mode!", got.Text)
	requireState(t, bob.onlySession(t, alice), fs.StateRL44)

	assert.Empty(t, alice.out.take())
	assert.Empty(t, bob.out.take())
}

func TestVersionNegotiationAppliesLowerMaximum(t *testing.T) {
	alice := newPeer(t, "ALICE001", protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_2})
	bob := newPeer(t, "BOB00001", protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_1})
	introduce(t, alice, bob)

	establish(t, alice, bob)
	assert.Equal(t, protocol.FSVersion1_1, alice.onlySession(t, bob).OutgoingAppliedVersion)
	assert.Equal(t, protocol.FSVersion1_1, bob.onlySession(t, alice).OutgoingAppliedVersion)

	env := alice.send(t, bob, "versions")
	assert.Equal(t, protocol.FSVersion1_2, fsMessage(env).OfferedVersion)
	assert.Equal(t, protocol.FSVersion1_1, fsMessage(env).AppliedVersion)
	bob.receiveText(t, alice, env)

	// Neither side raises its version past the other's maximum.
	assert.Empty(t, bob.out.take())
	assert.Equal(t, protocol.FSVersion1_1, bob.onlySession(t, alice).OutgoingAppliedVersion)
}

func TestVersionRaisedWhenPeerUpgrades(t *testing.T) {
	alice := newPeer(t, "ALICE001", protocol.DefaultVersionRange)
	bob := newPeer(t, "BOB00001", protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_1})
	introduce(t, alice, bob)
	establish(t, alice, bob)

	bob.versions = protocol.DefaultVersionRange
	bob.restart()

	env := bob.send(t, alice, "upgraded")
	assert.Equal(t, protocol.FSVersion1_2, fsMessage(env).OfferedVersion)
	assert.Equal(t, protocol.FSVersion1_1, fsMessage(env).AppliedVersion)
	alice.receiveText(t, bob, env)

	assert.True(t, alice.events.has("versions_updated"))
	assert.Equal(t, protocol.FSVersion1_2, alice.onlySession(t, bob).OutgoingAppliedVersion)

	out := alice.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, protocol.FSVersion1_2, fsMessage(out[0]).AppliedVersion)

	inner, rid, err := bob.receive(t, alice, out[0])
	require.NoError(t, err)
	_, ok := inner.(*messages.Empty)
	assert.True(t, ok)
	require.NoError(t, bob.proc.CommitPeerRatchet(rid))
	assert.Equal(t, protocol.FSVersion1_2, bob.onlySession(t, alice).MinIncomingAppliedVersion)
}

func TestSkippedMessagesReported(t *testing.T) {
	alice, bob := newPair(t)

	m1 := alice.send(t, bob, "one")
	m2 := alice.send(t, bob, "two")
	m3 := alice.send(t, bob, "three")
	bob.receiveControl(t, alice, alice.out.take()...)
	require.Len(t, bob.out.take(), 1)

	bob.receiveText(t, alice, m1)
	assert.False(t, bob.events.has("messages_skipped"))

	assert.Equal(t, "three", bob.receiveText(t, alice, m3).Text)
	assert.Equal(t, []int{1}, bob.events.skipped)

	_, _, err := bob.receive(t, alice, m2)
	assert.ErrorIs(t, err, fs.ErrRatchetRotation)
	assert.True(t, bob.events.has("message_out_of_order"))
	assert.Empty(t, bob.out.take(), "out of order messages are not rejected")
	assert.Len(t, bob.sessions(t, alice), 1)
}

func TestUncommittedMessageCanBeProcessedAgain(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	env := alice.send(t, bob, "crash before commit")
	_, rid, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	require.NotNil(t, rid)

	// Nothing was committed, so the same message decrypts again.
	again := bob.receiveText(t, alice, env)
	assert.Equal(t, "crash before commit", again.Text)

	// After the commit the key is gone.
	_, _, err = bob.receive(t, alice, env)
	assert.ErrorIs(t, err, fs.ErrRatchetRotation)
}

func TestRatchetCountersAdvance(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	var last uint64
	for i := 0; i < 5; i++ {
		env := alice.send(t, bob, "counting")
		c := fsMessage(env).Counter
		assert.Greater(t, c, last)
		last = c
		bob.receiveText(t, alice, env)
	}
	s := alice.onlySession(t, bob)
	assert.Equal(t, last+1, s.MyRatchet4DH.Counter())
}

func TestRaceConvergesOnLowestSession(t *testing.T) {
	alice, bob := newPair(t)

	a1 := alice.send(t, bob, "from alice")
	b1 := bob.send(t, alice, "from bob")
	aliceInit := alice.out.take()
	bobInit := bob.out.take()

	alice.receiveControl(t, bob, bobInit...)
	bob.receiveControl(t, alice, aliceInit...)
	assert.Len(t, alice.sessions(t, bob), 2)
	assert.Len(t, bob.sessions(t, alice), 2)

	alice.receiveText(t, bob, b1)
	bob.receiveText(t, alice, a1)

	bob.receiveControl(t, alice, alice.out.take()...)
	alice.receiveControl(t, bob, bob.out.take()...)

	lowest := fsMessage(a1).SessionID
	if bytes.Compare(fsMessage(b1).SessionID[:], lowest[:]) < 0 {
		lowest = fsMessage(b1).SessionID
	}

	a2 := alice.send(t, bob, "again from alice")
	assert.Equal(t, lowest, fsMessage(a2).SessionID)
	assert.Equal(t, messages.DHType4DH, fsMessage(a2).DHType)
	bob.receiveText(t, alice, a2)

	b2 := bob.send(t, alice, "again from bob")
	assert.Equal(t, lowest, fsMessage(b2).SessionID)
	alice.receiveText(t, bob, b2)

	assert.Equal(t, lowest, alice.onlySession(t, bob).ID)
	assert.Equal(t, lowest, bob.onlySession(t, alice).ID)
}

func TestDataLossRecoveryByReject(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	bob.loseState()

	env := alice.send(t, bob, "are you there?")
	inner, rid, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.Nil(t, rid)
	assert.True(t, bob.events.has("session_for_message_not_found"))

	out := bob.out.take()
	require.Len(t, out, 1)
	reject, ok := out[0].Data.(*messages.FSReject)
	require.True(t, ok)
	assert.Equal(t, messages.RejectUnknownSession, reject.Cause)
	assert.Equal(t, env.ID, reject.RejectedMessageID)

	alice.receiveControl(t, bob, out...)
	assert.Empty(t, alice.sessions(t, bob))
	assert.Equal(t, []protocol.MessageID{env.ID}, alice.events.rejected)

	// The next message starts over with a new session.
	fresh := alice.send(t, bob, "retry")
	initEnvs := alice.out.take()
	require.Len(t, initEnvs, 1)
	bob.receiveControl(t, alice, initEnvs...)
	assert.Equal(t, "retry", bob.receiveText(t, alice, fresh).Text)
}

func TestDataLossRecoveryByNewInit(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)
	old := alice.onlySession(t, bob).ID

	bob.loseState()
	env := bob.send(t, alice, "starting over")
	alice.receiveControl(t, bob, bob.out.take()...)
	assert.True(t, alice.events.has("responder_session_established_preempted"))

	s := alice.onlySession(t, bob)
	assert.NotEqual(t, old, s.ID)
	assert.Equal(t, "starting over", alice.receiveText(t, bob, env).Text)
}

func TestVersionRegressionRejected(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)
	require.Equal(t, protocol.FSVersion1_2, alice.onlySession(t, bob).MinIncomingAppliedVersion)

	env := bob.send(t, alice, "downgraded")
	fsMessage(env).AppliedVersion = protocol.FSVersion1_1

	inner, _, err := alice.receive(t, bob, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.Empty(t, alice.sessions(t, bob))
	assert.True(t, alice.events.has("session_terminated"))

	out := alice.out.take()
	require.Len(t, out, 1)
	reject, ok := out[0].Data.(*messages.FSReject)
	require.True(t, ok)
	assert.Equal(t, messages.RejectStateMismatch, reject.Cause)
}

func TestAppliedAboveOfferedRejected(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	env := bob.send(t, alice, "inconsistent")
	fsMessage(env).OfferedVersion = protocol.FSVersion1_1

	inner, _, err := alice.receive(t, bob, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.Empty(t, alice.sessions(t, bob))
}

func TestUnknownSessionRejected(t *testing.T) {
	alice, bob := newPair(t)

	h, err := messages.NewHeader(alice.id, bob.id)
	require.NoError(t, err)
	sid, err := messages.NewFSSessionID()
	require.NoError(t, err)
	env := &messages.ForwardSecurityEnvelope{
		Header: h,
		Data: &messages.FSMessage{
			SessionID:  sid,
			DHType:     messages.DHType4DH,
			Counter:    1,
			Ciphertext: bytes.Repeat([]byte{1}, 40),
		},
	}

	inner, rid, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.Nil(t, rid)

	out := bob.out.take()
	require.Len(t, out, 1)
	reject := out[0].Data.(*messages.FSReject)
	assert.Equal(t, sid, reject.SessionID)
	assert.Equal(t, messages.RejectUnknownSession, reject.Cause)
}

func TestDecryptionFailureRejectsAndDeletes(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	env := alice.send(t, bob, "tampered")
	fsMessage(env).Ciphertext[0] ^= 0xff

	inner, _, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.True(t, bob.events.has("message_decryption_failed"))
	assert.Empty(t, bob.sessions(t, alice))

	out := bob.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.RejectStateMismatch, out[0].Data.(*messages.FSReject).Cause)
}

func TestMissingRatchetRejects(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	env := alice.send(t, bob, "wrong ratchet")
	fsMessage(env).DHType = messages.DHType2DH

	inner, _, err := bob.receive(t, alice, env)
	require.NoError(t, err)
	assert.Nil(t, inner)
	assert.Empty(t, bob.sessions(t, alice))
	out := bob.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.RejectStateMismatch, out[0].Data.(*messages.FSReject).Cause)
}

func TestAcceptForUnknownSessionTerminates(t *testing.T) {
	alice, bob := newPair(t)

	alice.send(t, bob, "hello")
	bob.receiveControl(t, alice, alice.out.take()...)
	accept := bob.out.take()

	alice.loseState()
	alice.receiveControl(t, bob, accept...)
	assert.True(t, alice.events.has("session_not_found"))

	out := alice.out.take()
	require.Len(t, out, 1)
	terminate := out[0].Data.(*messages.FSTerminate)
	assert.Equal(t, messages.TerminateUnknownSession, terminate.Cause)

	bob.receiveControl(t, alice, out...)
	assert.Empty(t, bob.sessions(t, alice))
	assert.True(t, bob.events.has("session_terminated"))
}

func TestRepeatedInitIgnored(t *testing.T) {
	alice, bob := newPair(t)

	alice.send(t, bob, "hello")
	initEnvs := alice.out.take()
	bob.receiveControl(t, alice, initEnvs...)
	require.Len(t, bob.out.take(), 1)

	bob.receiveControl(t, alice, initEnvs...)
	assert.Empty(t, bob.out.take())
	assert.Len(t, bob.sessions(t, alice), 1)
}

func TestInitWithDifferentKeyResets(t *testing.T) {
	alice, bob := newPair(t)

	alice.send(t, bob, "hello")
	initEnvs := alice.out.take()
	bob.receiveControl(t, alice, initEnvs...)
	bob.out.take()

	forged := *initEnvs[0].Data.(*messages.FSInit)
	forged.EphemeralPublicKey[0] ^= 0xff
	env := &messages.ForwardSecurityEnvelope{Header: initEnvs[0].Header, Data: &forged}
	bob.receiveControl(t, alice, env)

	assert.Empty(t, bob.sessions(t, alice))
	out := bob.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.TerminateReset, out[0].Data.(*messages.FSTerminate).Cause)
}

func TestInitFromContactWithoutForwardSecurity(t *testing.T) {
	alice, bob := newPair(t)
	require.NoError(t, bob.contacts.Add(identity.Contact{Identity: alice.id, PublicKey: alice.local.PublicKey()}))

	alice.send(t, bob, "hello")
	bob.receiveControl(t, alice, alice.out.take()...)

	assert.Empty(t, bob.sessions(t, alice))
	out := bob.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.TerminateDisabledByRemote, out[0].Data.(*messages.FSTerminate).Cause)
}

func TestInitWithIncompatibleVersions(t *testing.T) {
	alice := newPeer(t, "ALICE001", protocol.VersionRange{Min: protocol.FSVersion1_2, Max: protocol.FSVersion1_2})
	bob := newPeer(t, "BOB00001", protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_1})
	introduce(t, alice, bob)

	alice.send(t, bob, "hello")
	bob.receiveControl(t, alice, alice.out.take()...)

	assert.Empty(t, bob.sessions(t, alice))
	out := bob.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.TerminateReset, out[0].Data.(*messages.FSTerminate).Cause)
}

func TestMessageTypeNotSupported(t *testing.T) {
	alice, bob := newPair(t)

	h, err := messages.NewHeader(alice.id, bob.id)
	require.NoError(t, err)

	// A new session starts at the minimum version, which cannot carry
	// an empty message.
	_, err = alice.proc.MakeMessage(alice.contact(bob), &messages.Empty{Header: h})
	assert.ErrorIs(t, err, fs.ErrMessageTypeNotSupported)
	assert.Empty(t, alice.out.take())
	assert.Empty(t, alice.sessions(t, bob))

	_, err = alice.proc.MakeMessage(alice.contact(bob), &messages.WebSessionResume{Header: h})
	assert.ErrorIs(t, err, fs.ErrMessageTypeNotSupported)

	establish(t, alice, bob)
	env, err := alice.proc.MakeMessage(alice.contact(bob), &messages.Empty{Header: h})
	require.NoError(t, err)
	assert.Equal(t, messages.DHType4DH, fsMessage(env).DHType)
}

func TestTerminateAllSessions(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	require.NoError(t, alice.proc.TerminateAllSessions(alice.contact(bob), messages.TerminateReset))
	assert.Empty(t, alice.sessions(t, bob))

	out := alice.out.take()
	require.Len(t, out, 1)
	assert.Equal(t, messages.TerminateReset, out[0].Data.(*messages.FSTerminate).Cause)

	bob.receiveControl(t, alice, out...)
	assert.Empty(t, bob.sessions(t, alice))
	assert.True(t, bob.events.has("session_terminated"))
}

func TestRejectDeletesSession(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)
	sid := alice.onlySession(t, bob).ID

	id, err := protocol.NewMessageID()
	require.NoError(t, err)
	h, err := messages.NewHeader(bob.id, alice.id)
	require.NoError(t, err)
	alice.receiveControl(t, bob, &messages.ForwardSecurityEnvelope{
		Header: h,
		Data:   &messages.FSReject{SessionID: sid, RejectedMessageID: id, Cause: messages.RejectStateMismatch},
	})

	assert.Empty(t, alice.sessions(t, bob))
	assert.Equal(t, []protocol.MessageID{id}, alice.events.rejected)
}

func TestCommitAfterSessionDeleted(t *testing.T) {
	alice, bob := newPair(t)
	establish(t, alice, bob)

	_, rid, err := bob.receive(t, alice, alice.send(t, bob, "late commit"))
	require.NoError(t, err)
	require.NoError(t, bob.proc.TerminateAllSessions(bob.contact(alice), messages.TerminateReset))

	assert.NoError(t, bob.proc.CommitPeerRatchet(rid))
	assert.NoError(t, bob.proc.CommitPeerRatchet(nil))
}
