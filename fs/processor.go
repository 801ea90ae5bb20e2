package fs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/coder"
	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// Sender queues control messages and internally generated messages for
// delivery. messaging.Queue implements it.
type Sender interface {
	Enqueue(m messages.Message) (*coder.MessageBox, error)
}

// Decoder parses decrypted inner messages. coder.Coder implements it.
type Decoder interface {
	DecodeEncapsulated(plain []byte, outer messages.Message, version protocol.FSVersion) (messages.Message, error)
}

// PeerRatchetID identifies the peer ratchet that decrypted a message.
// It is passed to CommitPeerRatchet once the message has been processed.
type PeerRatchetID struct {
	SessionID messages.FSSessionID
	Peer      protocol.Identity
	DHType    messages.DHType
}

// Processor encapsulates outgoing messages in forward-secrecy sessions
// and handles incoming forward-security envelopes. All operations are
// serialized.
type Processor struct {
	mu       sync.Mutex
	config   Config
	identity identity.Store
	store    SessionStore
	decoder  Decoder
	sender   Sender
	listener StatusListener
}

// NewProcessor creates a processor.
func NewProcessor(config Config, id identity.Store, store SessionStore, decoder Decoder, sender Sender) *Processor {
	return &Processor{
		config:   config,
		identity: id,
		store:    store,
		decoder:  decoder,
		sender:   sender,
		listener: NoopListener{},
	}
}

// SetStatusListener replaces the status listener. nil restores the no-op
// listener.
func (p *Processor) SetStatusListener(l StatusListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l == nil {
		l = NoopListener{}
	}
	p.listener = l
}

// ProcessEnvelope handles an incoming envelope from contact. For an
// encapsulated message it returns the decrypted inner message and the
// ratchet to commit once the message is processed. Control messages and
// rejected messages return a nil message and a nil error; the envelope is
// then fully handled.
//
// The returned PeerRatchetID may be non-nil together with an error when
// decryption succeeded but the inner message could not be parsed. The
// ratchet must still be committed in that case.
func (p *Processor) ProcessEnvelope(contact *identity.Contact, env *messages.ForwardSecurityEnvelope) (messages.Message, *PeerRatchetID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ProcessEnvelope",
		"from":     contact.Identity.String(),
		"id":       env.ID.String(),
		"session":  env.Data.Session().String(),
		"data":     fmt.Sprintf("%T", env.Data),
	}).Debug("Processing forward security envelope")

	switch d := env.Data.(type) {
	case *messages.FSInit:
		return nil, nil, p.processInit(contact, d)
	case *messages.FSAccept:
		return nil, nil, p.processAccept(contact, d)
	case *messages.FSReject:
		return nil, nil, p.processReject(contact, d)
	case *messages.FSTerminate:
		return nil, nil, p.processTerminate(contact, d)
	case *messages.FSMessage:
		return p.processMessage(contact, env, d)
	}
	return nil, nil, fmt.Errorf("%w: unsupported envelope data %T", ErrBadMessage, env.Data)
}

func (p *Processor) processInit(contact *identity.Contact, msg *messages.FSInit) error {
	me := p.identity.Identity()
	logger := logrus.WithFields(logrus.Fields{
		"function": "processInit",
		"peer":     contact.Identity.String(),
		"session":  msg.SessionID.String(),
	})

	existing, err := p.store.Session(me, contact.Identity, msg.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.PeerEphemeralPublicKey == msg.EphemeralPublicKey {
			logger.Debug("Ignoring repeated init for existing session")
			return nil
		}
		logger.Warn("Init for existing session with a different key, resetting")
		if _, err := p.store.Delete(me, contact.Identity, msg.SessionID); err != nil {
			return err
		}
		p.listener.SessionTerminated(msg.SessionID, contact)
		return p.sendControl(contact, &messages.FSTerminate{SessionID: msg.SessionID, Cause: messages.TerminateReset})
	}

	if !contact.Supports(identity.FeatureForwardSecurity) {
		p.listener.UpdateFeatureMask(contact)
		logger.Warn("Init from contact without forward security support")
		if err := p.clearAndTerminateAll(contact, messages.TerminateDisabledByRemote); err != nil {
			return err
		}
		return p.sendControl(contact, &messages.FSTerminate{SessionID: msg.SessionID, Cause: messages.TerminateDisabledByRemote})
	}

	applied, ok := p.config.Versions.Negotiate(msg.Versions)
	if !ok {
		logger.WithField("offered", msg.Versions.String()).Warn("No common version, rejecting init")
		return p.sendControl(contact, &messages.FSTerminate{SessionID: msg.SessionID, Cause: messages.TerminateReset})
	}

	removed, err := p.store.DeleteAllExcept(me, contact.Identity, msg.SessionID, true)
	if err != nil {
		return err
	}

	session, err := NewResponderSession(msg.SessionID, p.identity, contact, msg.EphemeralPublicKey, applied)
	if err != nil {
		return err
	}
	if err := p.store.Store(session); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"applied":   applied.String(),
		"preempted": removed,
	}).Info("Responder session established")
	p.listener.ResponderSessionEstablished(session, contact, removed > 0)

	return p.sendControl(contact, &messages.FSAccept{
		SessionID:          msg.SessionID,
		Versions:           p.config.Versions,
		EphemeralPublicKey: session.MyEphemeralPublicKey,
	})
}

func (p *Processor) processAccept(contact *identity.Contact, accept *messages.FSAccept) error {
	me := p.identity.Identity()
	logger := logrus.WithFields(logrus.Fields{
		"function": "processAccept",
		"peer":     contact.Identity.String(),
		"session":  accept.SessionID.String(),
	})

	session, err := p.store.Session(me, contact.Identity, accept.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		logger.Warn("No session for accept, terminating")
		p.listener.SessionNotFound(accept.SessionID, contact)
		return p.sendControl(contact, &messages.FSTerminate{SessionID: accept.SessionID, Cause: messages.TerminateUnknownSession})
	}

	if state, err := session.State(); err != nil || state != StateL20 {
		logger.WithField("state", session.String()).Warn("Accept for session not waiting for one")
		p.listener.IllegalSessionState(accept.SessionID, contact)
		return nil
	}

	applied, ok := p.config.Versions.Negotiate(accept.Versions)
	if !ok {
		logger.WithField("offered", accept.Versions.String()).Warn("No common version, terminating session")
		if _, err := p.store.Delete(me, contact.Identity, accept.SessionID); err != nil {
			return err
		}
		p.listener.SessionTerminated(accept.SessionID, contact)
		return p.sendControl(contact, &messages.FSTerminate{SessionID: accept.SessionID, Cause: messages.TerminateReset})
	}

	if err := session.ProcessAccept(p.identity, contact, accept.EphemeralPublicKey); err != nil {
		return err
	}
	session.OutgoingAppliedVersion = applied
	if err := p.store.Store(session); err != nil {
		return err
	}

	logger.WithField("applied", applied.String()).Info("Initiator session established")
	p.listener.InitiatorSessionEstablished(session, contact)
	return nil
}

func (p *Processor) processReject(contact *identity.Contact, reject *messages.FSReject) error {
	logrus.WithFields(logrus.Fields{
		"function":    "processReject",
		"peer":        contact.Identity.String(),
		"session":     reject.SessionID.String(),
		"rejected_id": reject.RejectedMessageID.String(),
		"cause":       reject.Cause.String(),
	}).Warn("Message rejected by peer")

	if _, err := p.store.Delete(p.identity.Identity(), contact.Identity, reject.SessionID); err != nil {
		return err
	}
	p.listener.RejectReceived(reject.SessionID, contact, reject.RejectedMessageID)
	p.listener.UpdateFeatureMask(contact)
	return nil
}

func (p *Processor) processTerminate(contact *identity.Contact, terminate *messages.FSTerminate) error {
	logrus.WithFields(logrus.Fields{
		"function": "processTerminate",
		"peer":     contact.Identity.String(),
		"session":  terminate.SessionID.String(),
		"cause":    terminate.Cause.String(),
	}).Info("Session terminated by peer")

	if _, err := p.store.Delete(p.identity.Identity(), contact.Identity, terminate.SessionID); err != nil {
		return err
	}
	p.listener.SessionTerminated(terminate.SessionID, contact)
	p.listener.UpdateFeatureMask(contact)
	return nil
}

func (p *Processor) processMessage(contact *identity.Contact, env *messages.ForwardSecurityEnvelope,
	msg *messages.FSMessage) (messages.Message, *PeerRatchetID, error) {
	me := p.identity.Identity()
	logger := logrus.WithFields(logrus.Fields{
		"function": "processMessage",
		"peer":     contact.Identity.String(),
		"session":  msg.SessionID.String(),
		"id":       env.ID.String(),
		"dh_type":  msg.DHType.String(),
		"counter":  msg.Counter,
	})

	session, err := p.store.Session(me, contact.Identity, msg.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		logger.Warn("No session for message, rejecting")
		p.listener.SessionForMessageNotFound(msg.SessionID, env.ID, contact)
		return nil, nil, p.sendReject(contact, msg.SessionID, env.ID, messages.RejectUnknownSession)
	}

	offered, applied, err := p.validateVersions(session, msg)
	if err != nil {
		logger.WithError(err).Warn("Version check failed, rejecting")
		return nil, nil, p.rejectAndDelete(contact, session, env.ID)
	}

	ratchet := session.peerRatchet(msg.DHType)
	if ratchet == nil {
		logger.Warn("No peer ratchet for message, rejecting")
		return nil, nil, p.rejectAndDelete(contact, session, env.ID)
	}

	skipped, err := ratchet.TurnUntil(msg.Counter)
	if err != nil {
		if errors.Is(err, ErrRatchetRotation) {
			logger.WithError(err).Warn("Message out of order")
			p.listener.MessageOutOfOrder(msg.SessionID, contact, env.ID)
		}
		return nil, nil, err
	}
	if skipped > 0 {
		p.listener.MessagesSkipped(msg.SessionID, contact, skipped)
	}

	key, err := ratchet.EncryptionKey()
	if err != nil {
		return nil, nil, err
	}
	plain, err := crypto.DecryptSymmetric(msg.Ciphertext, crypto.Nonce{}, key)
	crypto.WipeKey(&key)
	if err != nil {
		logger.Warn("Decryption failed, rejecting")
		p.listener.MessageDecryptionFailed(msg.SessionID, contact, env.ID)
		return nil, nil, p.rejectAndDelete(contact, session, env.ID)
	}

	mode := messages.FSMode2DH
	raised := false
	if msg.DHType == messages.DHType4DH {
		mode = messages.FSMode4DH
		if raised, err = p.applyFourDH(contact, session, msg, offered, applied); err != nil {
			return nil, nil, err
		}
	}

	// The ratchet stays on the message counter until CommitPeerRatchet so
	// that a crash before processing completes replays the message.
	if err := p.store.Store(session); err != nil {
		return nil, nil, err
	}
	if raised {
		p.sendEmpty(contact)
	}

	rid := &PeerRatchetID{SessionID: msg.SessionID, Peer: contact.Identity, DHType: msg.DHType}

	inner, err := p.decoder.DecodeEncapsulated(plain, env, applied)
	if err != nil {
		logger.WithError(err).Warn("Inner message could not be decoded")
		return nil, rid, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	inner.MessageHeader().FSMode = mode
	logger.WithField("type", inner.Type().String()).Debug("Decapsulated message")
	return inner, rid, nil
}

// validateVersions returns the offered and applied versions of msg and
// fails if they are inconsistent or below what the session has seen.
func (p *Processor) validateVersions(session *Session, msg *messages.FSMessage) (offered, applied protocol.FSVersion, err error) {
	offered = msg.OfferedVersion.OrDefault()
	applied = msg.AppliedVersion
	if applied == protocol.FSVersionUnspecified {
		applied = offered
	}
	switch {
	case applied > offered:
		err = fmt.Errorf("%w: applied version %s above offered %s", ErrBadMessage, applied, offered)
	case !p.config.Versions.Contains(applied):
		err = fmt.Errorf("%w: applied version %s not supported", ErrBadMessage, applied)
	case applied < session.MinIncomingAppliedVersion:
		err = fmt.Errorf("%w: applied version %s below %s", ErrBadMessage, applied, session.MinIncomingAppliedVersion)
	}
	return offered, applied, err
}

// applyFourDH updates session after a 4DH message was decrypted. It
// reports whether the outgoing applied version was raised.
func (p *Processor) applyFourDH(contact *identity.Contact, session *Session, msg *messages.FSMessage,
	offered, applied protocol.FSVersion) (bool, error) {
	me := p.identity.Identity()

	if session.PeerRatchet2DH != nil {
		session.DiscardPeerRatchet2DH()
	}

	changed, raised := false, false
	if applied > session.MinIncomingAppliedVersion {
		session.MinIncomingAppliedVersion = applied
		changed = true
	}
	target := offered
	if target > p.config.Versions.Max {
		target = p.config.Versions.Max
	}
	if target > session.OutgoingAppliedVersion {
		session.OutgoingAppliedVersion = target
		changed, raised = true, true
	}
	if changed {
		logrus.WithFields(logrus.Fields{
			"function":     "applyFourDH",
			"peer":         contact.Identity.String(),
			"session":      session.ID.String(),
			"outgoing":     session.OutgoingAppliedVersion.String(),
			"min_incoming": session.MinIncomingAppliedVersion.String(),
		}).Info("Session versions updated")
		p.listener.VersionsUpdated(session, contact)
	}

	best, err := p.store.BestSession(me, contact.Identity)
	if err != nil {
		return false, err
	}
	if best != nil && best.ID == session.ID {
		removed, err := p.store.DeleteAllExcept(me, contact.Identity, session.ID, false)
		if err != nil {
			return false, err
		}
		if removed > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "applyFourDH",
				"peer":     contact.Identity.String(),
				"session":  session.ID.String(),
				"removed":  removed,
			}).Info("Pruned sessions superseded by the best session")
		}
	}

	if msg.Counter == 1 {
		p.listener.First4DHMessageReceived(session.ID, contact)
	}
	return raised, nil
}

// sendEmpty tells the peer about a raised applied version.
func (p *Processor) sendEmpty(contact *identity.Contact) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "sendEmpty",
		"peer":     contact.Identity.String(),
	})
	h, err := messages.NewHeader(p.identity.Identity(), contact.Identity)
	if err != nil {
		logger.WithError(err).Warn("Could not create empty message")
		return
	}
	env, err := p.makeMessage(contact, &messages.Empty{Header: h})
	if err != nil {
		logger.WithError(err).Warn("Could not encapsulate empty message")
		return
	}
	if _, err := p.sender.Enqueue(env); err != nil {
		logger.WithError(err).Warn("Could not send empty message")
	}
}

func (p *Processor) rejectAndDelete(contact *identity.Contact, session *Session, messageID protocol.MessageID) error {
	if _, err := p.store.Delete(session.MyIdentity, session.PeerIdentity, session.ID); err != nil {
		return err
	}
	p.listener.SessionTerminated(session.ID, contact)
	return p.sendReject(contact, session.ID, messageID, messages.RejectStateMismatch)
}

func (p *Processor) sendReject(contact *identity.Contact, sessionID messages.FSSessionID, messageID protocol.MessageID,
	cause messages.RejectCause) error {
	return p.sendControl(contact, &messages.FSReject{
		SessionID:         sessionID,
		RejectedMessageID: messageID,
		Cause:             cause,
	})
}

func (p *Processor) sendControl(contact *identity.Contact, data messages.FSData) error {
	h, err := messages.NewHeader(p.identity.Identity(), contact.Identity)
	if err != nil {
		return err
	}
	env := &messages.ForwardSecurityEnvelope{Header: h, Data: data}
	if _, err := p.sender.Enqueue(env); err != nil {
		return fmt.Errorf("failed to send %T: %w", data, err)
	}
	return nil
}

func (p *Processor) clearAndTerminateAll(contact *identity.Contact, cause messages.TerminateCause) error {
	me := p.identity.Identity()
	sessions, err := p.store.AllSessions(me, contact.Identity)
	if err != nil {
		return err
	}
	var firstErr error
	for _, s := range sessions {
		if err := p.sendControl(contact, &messages.FSTerminate{SessionID: s.ID, Cause: cause}); err != nil && firstErr == nil {
			firstErr = err
		}
		if _, err := p.store.Delete(me, contact.Identity, s.ID); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Wipe()
	}
	return firstErr
}

// TerminateAllSessions sends a Terminate for every session with contact
// and deletes them.
func (p *Processor) TerminateAllSessions(contact *identity.Contact, cause messages.TerminateCause) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TerminateAllSessions",
		"peer":     contact.Identity.String(),
		"cause":    cause.String(),
	}).Info("Terminating all sessions")
	return p.clearAndTerminateAll(contact, cause)
}

// MakeMessage encapsulates inner for contact. If there is no session yet,
// one is created and an Init is sent through the Sender before the
// returned envelope, which the caller then sends.
func (p *Processor) MakeMessage(contact *identity.Contact, inner messages.Message) (*messages.ForwardSecurityEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.makeMessage(contact, inner)
}

func (p *Processor) makeMessage(contact *identity.Contact, inner messages.Message) (*messages.ForwardSecurityEnvelope, error) {
	me := p.identity.Identity()
	minVersion, ok := inner.MinimumFSVersion()
	if !ok {
		return nil, fmt.Errorf("%w: %s is never encapsulated", ErrMessageTypeNotSupported, inner.Type())
	}
	plain, err := messages.Encode(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", inner.Type(), err)
	}
	defer crypto.ZeroBytes(plain)

	session, err := p.store.BestSession(me, contact.Identity)
	if err != nil {
		return nil, err
	}
	if session == nil {
		if minVersion > p.config.Versions.Min {
			return nil, fmt.Errorf("%w: %s needs version %s", ErrMessageTypeNotSupported, inner.Type(), minVersion)
		}
		if session, err = p.initiate(contact); err != nil {
			return nil, err
		}
	} else if minVersion > session.OutgoingAppliedVersion {
		return nil, fmt.Errorf("%w: %s needs version %s, session applies %s",
			ErrMessageTypeNotSupported, inner.Type(), minVersion, session.OutgoingAppliedVersion)
	}

	state, err := session.State()
	if err == nil && state == StateR20 {
		err = fmt.Errorf("%w: session %s cannot encrypt", ErrIllegalSessionState, session.ID)
	}
	if err != nil {
		p.listener.IllegalSessionState(session.ID, contact)
		return nil, err
	}

	ratchet, dhType, mode := session.MyRatchet4DH, messages.DHType4DH, messages.FSMode4DH
	if ratchet == nil {
		ratchet, dhType, mode = session.MyRatchet2DH, messages.DHType2DH, messages.FSMode2DH
	}

	key, err := ratchet.EncryptionKey()
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKey(&key)
	counter := ratchet.Counter()
	if err := ratchet.Turn(); err != nil {
		return nil, err
	}
	if err := p.store.Store(session); err != nil {
		return nil, err
	}

	h := inner.MessageHeader()
	from := h.From
	if from == "" {
		from = me
	}
	env := &messages.ForwardSecurityEnvelope{
		Header: messages.Header{
			From:   from,
			To:     contact.Identity,
			ID:     h.ID,
			Date:   h.Date,
			Flags:  messages.Flags(inner),
			FSMode: mode,
		},
		Data: &messages.FSMessage{
			SessionID:      session.ID,
			DHType:         dhType,
			Counter:        counter,
			OfferedVersion: p.config.Versions.Max,
			AppliedVersion: session.OutgoingAppliedVersion,
			Ciphertext:     crypto.EncryptSymmetric(plain, crypto.Nonce{}, key),
		},
	}
	if inner.AllowUserProfileDistribution() {
		env.Nickname = h.Nickname
		if env.Nickname == "" {
			env.Nickname = p.identity.Nickname()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "makeMessage",
		"peer":     contact.Identity.String(),
		"session":  session.ID.String(),
		"type":     inner.Type().String(),
		"dh_type":  dhType.String(),
		"counter":  counter,
	}).Debug("Encapsulated message")
	return env, nil
}

func (p *Processor) initiate(contact *identity.Contact) (*Session, error) {
	session, err := NewInitiatorSession(p.identity, contact, p.config.Versions)
	if err != nil {
		return nil, err
	}
	if err := p.store.Store(session); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "initiate",
		"peer":     contact.Identity.String(),
		"session":  session.ID.String(),
	}).Info("New session initiated")
	p.listener.NewSessionInitiated(session, contact)

	err = p.sendControl(contact, &messages.FSInit{
		SessionID:          session.ID,
		Versions:           p.config.Versions,
		EphemeralPublicKey: session.MyEphemeralPublicKey,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CommitPeerRatchet advances the peer ratchet that decrypted a message
// past that message. Call it once the message has been processed and
// persisted by the application. A session deleted in the meantime is not
// an error.
func (p *Processor) CommitPeerRatchet(id *PeerRatchetID) error {
	if id == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := logrus.WithFields(logrus.Fields{
		"function": "CommitPeerRatchet",
		"peer":     id.Peer.String(),
		"session":  id.SessionID.String(),
		"dh_type":  id.DHType.String(),
	})

	session, err := p.store.Session(p.identity.Identity(), id.Peer, id.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		logger.Debug("Session gone, nothing to commit")
		return nil
	}
	ratchet := session.peerRatchet(id.DHType)
	if ratchet == nil {
		logger.Debug("Ratchet gone, nothing to commit")
		return nil
	}
	if err := ratchet.Turn(); err != nil {
		return err
	}
	return p.store.Store(session)
}
