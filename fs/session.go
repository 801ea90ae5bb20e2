package fs

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// State names the combination of ratchets a session holds.
type State int

// Session states. The letter gives the side (L initiator, R responder),
// the digits the DH variant of the ratchets held.
const (
	// StateL20 is an initiator waiting for Accept: 2DH ratchet of its own only.
	StateL20 State = iota
	// StateR20 is a responder with a 2DH peer ratchet and no 4DH ratchets.
	// It never occurs in a consistent store.
	StateR20
	// StateR24 is a responder holding the peer 2DH ratchet and both 4DH
	// ratchets, waiting for the first 4DH message.
	StateR24
	// StateRL44 is a fully established session with 4DH ratchets only.
	StateRL44
)

func (s State) String() string {
	switch s {
	case StateL20:
		return "L20"
	case StateR20:
		return "R20"
	case StateR24:
		return "R24"
	case StateRL44:
		return "RL44"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	saltPrefix2DH = "ke-2dh-"
	saltPrefix4DH = "ke-4dh-"
)

// Session is one forward-secrecy session between the local identity and
// a peer. Stores keep copies, so a Session returned by a store may be
// modified freely and written back with Store.
type Session struct {
	ID           messages.FSSessionID
	MyIdentity   protocol.Identity
	PeerIdentity protocol.Identity

	// MyEphemeralPrivateKey is kept by the initiator until Accept arrives.
	MyEphemeralPrivateKey *[32]byte
	MyEphemeralPublicKey  [32]byte
	// PeerEphemeralPublicKey is the key received in Init. Zero for
	// initiator sessions.
	PeerEphemeralPublicKey [32]byte

	MyRatchet2DH   *KDFRatchet
	MyRatchet4DH   *KDFRatchet
	PeerRatchet2DH *KDFRatchet
	PeerRatchet4DH *KDFRatchet

	// OutgoingAppliedVersion is the version applied to outgoing messages.
	OutgoingAppliedVersion protocol.FSVersion
	// MinIncomingAppliedVersion is the lowest applied version still
	// accepted on incoming 4DH messages. It only ever increases.
	MinIncomingAppliedVersion protocol.FSVersion

	Created time.Time
}

// NewInitiatorSession creates a session for sending the first message to
// peer. The caller sends an Init carrying MyEphemeralPublicKey.
func NewInitiatorSession(me identity.Store, peer *identity.Contact, versions protocol.VersionRange) (*Session, error) {
	id, err := messages.NewFSSessionID()
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	s := &Session{
		ID:                        id,
		MyIdentity:                me.Identity(),
		PeerIdentity:              peer.Identity,
		MyEphemeralPublicKey:      eph.Public,
		OutgoingAppliedVersion:    versions.Min,
		MinIncomingAppliedVersion: protocol.FSVersion1_0,
		Created:                   time.Now(),
	}
	priv := eph.Private
	s.MyEphemeralPrivateKey = &priv
	if err := crypto.WipeKeyPair(eph); err != nil {
		return nil, err
	}

	ss, err := me.SharedSecret(peer.PublicKey)
	if err != nil {
		return nil, err
	}
	se, err := crypto.SharedSecret(peer.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	key, err := derive2DH(s.MyIdentity, ss, se)
	crypto.WipeKey(&se)
	if err != nil {
		return nil, err
	}
	s.MyRatchet2DH = NewKDFRatchet(1, key)

	logrus.WithFields(logrus.Fields{
		"function": "NewInitiatorSession",
		"session":  id.String(),
		"peer":     peer.Identity.String(),
	}).Debug("Created initiator session")
	return s, nil
}

// NewResponderSession creates the responder side of a session from an
// Init. The new session is in state R24; its ephemeral private key is
// already wiped and MyEphemeralPublicKey goes into the Accept.
func NewResponderSession(id messages.FSSessionID, me identity.Store, peer *identity.Contact,
	peerEphemeral [32]byte, applied protocol.FSVersion) (*Session, error) {
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer crypto.WipeKeyPair(eph)

	s := &Session{
		ID:                        id,
		MyIdentity:                me.Identity(),
		PeerIdentity:              peer.Identity,
		MyEphemeralPublicKey:      eph.Public,
		PeerEphemeralPublicKey:    peerEphemeral,
		OutgoingAppliedVersion:    applied,
		MinIncomingAppliedVersion: protocol.FSVersion1_0,
		Created:                   time.Now(),
	}

	ss, err := me.SharedSecret(peer.PublicKey)
	if err != nil {
		return nil, err
	}
	// Secret between our long-term key and the initiator's ephemeral key.
	se, err := me.SharedSecret(peerEphemeral)
	if err != nil {
		return nil, err
	}
	peer2DH, err := derive2DH(s.PeerIdentity, ss, se)
	if err != nil {
		return nil, err
	}
	s.PeerRatchet2DH = NewKDFRatchet(1, peer2DH)

	es, err := crypto.SharedSecret(peer.PublicKey, eph.Private)
	if err != nil {
		return nil, err
	}
	ee, err := crypto.SharedSecret(peerEphemeral, eph.Private)
	if err != nil {
		return nil, err
	}
	err = s.set4DH(ss, se, es, ee)
	crypto.WipeKey(&es)
	crypto.WipeKey(&ee)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ProcessAccept upgrades an initiator session to 4DH with the responder's
// ephemeral key and discards the 2DH ratchet and the ephemeral private key.
func (s *Session) ProcessAccept(me identity.Store, peer *identity.Contact, peerEphemeral [32]byte) error {
	if s.MyEphemeralPrivateKey == nil {
		return fmt.Errorf("%w: accept for session %s without ephemeral key", ErrBadMessage, s.ID)
	}
	priv := *s.MyEphemeralPrivateKey

	ss, err := me.SharedSecret(peer.PublicKey)
	if err != nil {
		return err
	}
	se, err := crypto.SharedSecret(peer.PublicKey, priv)
	if err != nil {
		return err
	}
	es, err := me.SharedSecret(peerEphemeral)
	if err != nil {
		return err
	}
	ee, err := crypto.SharedSecret(peerEphemeral, priv)
	crypto.WipeKey(&priv)
	if err != nil {
		return err
	}
	err = s.set4DH(ss, se, es, ee)
	crypto.WipeKey(&se)
	crypto.WipeKey(&ee)
	if err != nil {
		return err
	}

	crypto.WipeKey(s.MyEphemeralPrivateKey)
	s.MyEphemeralPrivateKey = nil
	s.MyRatchet2DH.wipe()
	s.MyRatchet2DH = nil
	return nil
}

// set4DH derives both 4DH ratchets. The four secrets are passed in the
// initiator's order: static-static, initiator ephemeral with responder
// static, responder ephemeral with initiator static, ephemeral-ephemeral.
func (s *Session) set4DH(ss, se, es, ee [32]byte) error {
	h := crypto.Hash512(ss[:], se[:], es[:], ee[:])
	defer crypto.ZeroBytes(h[:])

	mine, err := crypto.DeriveKey(crypto.PersonalE2E, saltPrefix4DH+string(s.MyIdentity), h[:])
	if err != nil {
		return err
	}
	theirs, err := crypto.DeriveKey(crypto.PersonalE2E, saltPrefix4DH+string(s.PeerIdentity), h[:])
	if err != nil {
		return err
	}
	s.MyRatchet4DH = NewKDFRatchet(1, mine)
	s.PeerRatchet4DH = NewKDFRatchet(1, theirs)
	return nil
}

func derive2DH(owner protocol.Identity, ss, se [32]byte) ([32]byte, error) {
	secret := make([]byte, 0, 64)
	secret = append(secret, ss[:]...)
	secret = append(secret, se[:]...)
	defer crypto.ZeroBytes(secret)
	return crypto.DeriveKey(crypto.PersonalE2E, saltPrefix2DH+string(owner), secret)
}

// State derives the session state from the ratchets present.
func (s *Session) State() (State, error) {
	switch {
	case s.MyRatchet2DH != nil && s.PeerRatchet2DH == nil && s.MyRatchet4DH == nil && s.PeerRatchet4DH == nil:
		return StateL20, nil
	case s.MyRatchet2DH == nil && s.PeerRatchet2DH != nil && s.MyRatchet4DH == nil && s.PeerRatchet4DH == nil:
		return StateR20, nil
	case s.MyRatchet2DH == nil && s.PeerRatchet2DH != nil && s.MyRatchet4DH != nil && s.PeerRatchet4DH != nil:
		return StateR24, nil
	case s.MyRatchet2DH == nil && s.PeerRatchet2DH == nil && s.MyRatchet4DH != nil && s.PeerRatchet4DH != nil:
		return StateRL44, nil
	}
	return 0, fmt.Errorf("%w: session %s", ErrIllegalSessionState, s.ID)
}

// DiscardPeerRatchet2DH drops the peer 2DH ratchet once the peer has
// switched to 4DH.
func (s *Session) DiscardPeerRatchet2DH() {
	s.PeerRatchet2DH.wipe()
	s.PeerRatchet2DH = nil
}

func (s *Session) peerRatchet(t messages.DHType) *KDFRatchet {
	if t == messages.DHType4DH {
		return s.PeerRatchet4DH
	}
	return s.PeerRatchet2DH
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	if s.MyEphemeralPrivateKey != nil {
		k := *s.MyEphemeralPrivateKey
		c.MyEphemeralPrivateKey = &k
	}
	c.MyRatchet2DH = s.MyRatchet2DH.clone()
	c.MyRatchet4DH = s.MyRatchet4DH.clone()
	c.PeerRatchet2DH = s.PeerRatchet2DH.clone()
	c.PeerRatchet4DH = s.PeerRatchet4DH.clone()
	return &c
}

// Wipe clears all key material held by s.
func (s *Session) Wipe() {
	if s.MyEphemeralPrivateKey != nil {
		crypto.WipeKey(s.MyEphemeralPrivateKey)
	}
	s.MyRatchet2DH.wipe()
	s.MyRatchet4DH.wipe()
	s.PeerRatchet2DH.wipe()
	s.PeerRatchet4DH.wipe()
}

func (s *Session) String() string {
	st, err := s.State()
	state := st.String()
	if err != nil {
		state = "illegal"
	}
	return fmt.Sprintf("%s (%s, %s)", s.ID, state, s.OutgoingAppliedVersion)
}
