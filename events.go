package cspcore

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// statusLogger logs forward security events and passes them on to the
// application's listener, if any.
type statusLogger struct {
	next fs.StatusListener
}

func (l *statusLogger) fields(event string, sessionID messages.FSSessionID, contact *identity.Contact) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": "StatusListener",
		"event":    event,
		"peer":     contact.Identity.String(),
		"session":  sessionID.String(),
	})
}

func (l *statusLogger) NewSessionInitiated(session *fs.Session, contact *identity.Contact) {
	l.fields("new_session_initiated", session.ID, contact).Debug("Forward security session initiated")
	if l.next != nil {
		l.next.NewSessionInitiated(session, contact)
	}
}

func (l *statusLogger) ResponderSessionEstablished(session *fs.Session, contact *identity.Contact, preempted bool) {
	l.fields("responder_session_established", session.ID, contact).
		WithField("preempted", preempted).Info("Forward security session established")
	if l.next != nil {
		l.next.ResponderSessionEstablished(session, contact, preempted)
	}
}

func (l *statusLogger) InitiatorSessionEstablished(session *fs.Session, contact *identity.Contact) {
	l.fields("initiator_session_established", session.ID, contact).Info("Forward security session established")
	if l.next != nil {
		l.next.InitiatorSessionEstablished(session, contact)
	}
}

func (l *statusLogger) RejectReceived(sessionID messages.FSSessionID, contact *identity.Contact, rejected protocol.MessageID) {
	l.fields("reject_received", sessionID, contact).
		WithField("message_id", rejected.String()).Warn("Peer could not decrypt a message")
	if l.next != nil {
		l.next.RejectReceived(sessionID, contact, rejected)
	}
}

func (l *statusLogger) SessionNotFound(sessionID messages.FSSessionID, contact *identity.Contact) {
	l.fields("session_not_found", sessionID, contact).Warn("Forward security session not found")
	if l.next != nil {
		l.next.SessionNotFound(sessionID, contact)
	}
}

func (l *statusLogger) SessionForMessageNotFound(sessionID messages.FSSessionID, messageID protocol.MessageID, contact *identity.Contact) {
	l.fields("session_for_message_not_found", sessionID, contact).
		WithField("message_id", messageID.String()).Warn("Message for unknown forward security session")
	if l.next != nil {
		l.next.SessionForMessageNotFound(sessionID, messageID, contact)
	}
}

func (l *statusLogger) SessionTerminated(sessionID messages.FSSessionID, contact *identity.Contact) {
	l.fields("session_terminated", sessionID, contact).Warn("Forward security session terminated")
	if l.next != nil {
		l.next.SessionTerminated(sessionID, contact)
	}
}

func (l *statusLogger) MessagesSkipped(sessionID messages.FSSessionID, contact *identity.Contact, skipped int) {
	l.fields("messages_skipped", sessionID, contact).WithField("skipped", skipped).Warn("Messages were skipped")
	if l.next != nil {
		l.next.MessagesSkipped(sessionID, contact, skipped)
	}
}

func (l *statusLogger) MessageOutOfOrder(sessionID messages.FSSessionID, contact *identity.Contact, messageID protocol.MessageID) {
	l.fields("message_out_of_order", sessionID, contact).
		WithField("message_id", messageID.String()).Warn("Message arrived out of order")
	if l.next != nil {
		l.next.MessageOutOfOrder(sessionID, contact, messageID)
	}
}

func (l *statusLogger) First4DHMessageReceived(sessionID messages.FSSessionID, contact *identity.Contact) {
	l.fields("first_4dh_message_received", sessionID, contact).Info("First 4DH message received")
	if l.next != nil {
		l.next.First4DHMessageReceived(sessionID, contact)
	}
}

func (l *statusLogger) VersionsUpdated(session *fs.Session, contact *identity.Contact) {
	l.fields("versions_updated", session.ID, contact).WithFields(logrus.Fields{
		"outgoing":     session.OutgoingAppliedVersion.String(),
		"min_incoming": session.MinIncomingAppliedVersion.String(),
	}).Info("Forward security versions updated")
	if l.next != nil {
		l.next.VersionsUpdated(session, contact)
	}
}

func (l *statusLogger) MessageDecryptionFailed(sessionID messages.FSSessionID, contact *identity.Contact, messageID protocol.MessageID) {
	l.fields("message_decryption_failed", sessionID, contact).
		WithField("message_id", messageID.String()).Warn("Forward security decryption failed")
	if l.next != nil {
		l.next.MessageDecryptionFailed(sessionID, contact, messageID)
	}
}

func (l *statusLogger) IllegalSessionState(sessionID messages.FSSessionID, contact *identity.Contact) {
	l.fields("illegal_session_state", sessionID, contact).Error("Forward security session in illegal state")
	if l.next != nil {
		l.next.IllegalSessionState(sessionID, contact)
	}
}

func (l *statusLogger) UpdateFeatureMask(contact *identity.Contact) {
	logrus.WithFields(logrus.Fields{
		"function": "StatusListener",
		"event":    "update_feature_mask",
		"peer":     contact.Identity.String(),
	}).Debug("Contact features should be refreshed")
	if l.next != nil {
		l.next.UpdateFeatureMask(contact)
	}
}
