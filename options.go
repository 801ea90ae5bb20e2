package cspcore

import (
	"github.com/opd-ai/cspcore/fs"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/transport"
)

// Options contains configuration options for creating a Client.
type Options struct {
	// DataDir holds the nonce store, the session database, the device
	// cookie and the serialized send queue. It must exist.
	DataDir string
	// Server is the chat server to log in to.
	Server transport.ServerInfo
	// Transport tunes the server connection.
	Transport transport.Options
	// ForwardSecurity sets the supported session versions.
	ForwardSecurity fs.Config
	// DisableForwardSecurity sends every message without a forward
	// security layer. Incoming envelopes are still processed.
	DisableForwardSecurity bool
	// Contacts resolves peer public keys. Nil uses an empty in-memory
	// store, reachable through Client.Contacts.
	Contacts identity.ContactStore
	// SessionStore persists forward security sessions. Nil opens a SQLite
	// database in DataDir.
	SessionStore fs.SessionStore
	// StatusListener receives forward security events in addition to the
	// client's own logging.
	StatusListener fs.StatusListener
}

// NewOptions creates a new default Options for dataDir.
func NewOptions(dataDir string) *Options {
	return &Options{
		DataDir:         dataDir,
		Transport:       transport.DefaultOptions(),
		ForwardSecurity: fs.DefaultConfig(),
	}
}
