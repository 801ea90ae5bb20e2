package fs

import (
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// StatusListener receives session lifecycle events, typically to show
// status messages in a conversation. Methods are called synchronously
// from the processor and must not call back into it.
type StatusListener interface {
	NewSessionInitiated(session *Session, contact *identity.Contact)
	ResponderSessionEstablished(session *Session, contact *identity.Contact, existingSessionPreempted bool)
	InitiatorSessionEstablished(session *Session, contact *identity.Contact)
	RejectReceived(sessionID messages.FSSessionID, contact *identity.Contact, rejectedMessageID protocol.MessageID)
	SessionNotFound(sessionID messages.FSSessionID, contact *identity.Contact)
	SessionForMessageNotFound(sessionID messages.FSSessionID, messageID protocol.MessageID, contact *identity.Contact)
	SessionTerminated(sessionID messages.FSSessionID, contact *identity.Contact)
	MessagesSkipped(sessionID messages.FSSessionID, contact *identity.Contact, skipped int)
	MessageOutOfOrder(sessionID messages.FSSessionID, contact *identity.Contact, messageID protocol.MessageID)
	First4DHMessageReceived(sessionID messages.FSSessionID, contact *identity.Contact)
	VersionsUpdated(session *Session, contact *identity.Contact)
	MessageDecryptionFailed(sessionID messages.FSSessionID, contact *identity.Contact, messageID protocol.MessageID)
	IllegalSessionState(sessionID messages.FSSessionID, contact *identity.Contact)
	// UpdateFeatureMask asks the application to refresh the contact's
	// advertised features from the directory.
	UpdateFeatureMask(contact *identity.Contact)
}

// NoopListener ignores all events. Embed it to implement only some.
type NoopListener struct{}

func (NoopListener) NewSessionInitiated(*Session, *identity.Contact) {}
func (NoopListener) ResponderSessionEstablished(*Session, *identity.Contact, bool) {}
func (NoopListener) InitiatorSessionEstablished(*Session, *identity.Contact) {}
func (NoopListener) RejectReceived(messages.FSSessionID, *identity.Contact, protocol.MessageID) {}
func (NoopListener) SessionNotFound(messages.FSSessionID, *identity.Contact) {}
func (NoopListener) SessionForMessageNotFound(messages.FSSessionID, protocol.MessageID, *identity.Contact) {}
func (NoopListener) SessionTerminated(messages.FSSessionID, *identity.Contact) {}
func (NoopListener) MessagesSkipped(messages.FSSessionID, *identity.Contact, int) {}
func (NoopListener) MessageOutOfOrder(messages.FSSessionID, *identity.Contact, protocol.MessageID) {}
func (NoopListener) First4DHMessageReceived(messages.FSSessionID, *identity.Contact) {}
func (NoopListener) VersionsUpdated(*Session, *identity.Contact) {}
func (NoopListener) MessageDecryptionFailed(messages.FSSessionID, *identity.Contact, protocol.MessageID) {}
func (NoopListener) IllegalSessionState(messages.FSSessionID, *identity.Contact) {}
func (NoopListener) UpdateFeatureMask(*identity.Contact) {}
