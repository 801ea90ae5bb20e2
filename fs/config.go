package fs

import "github.com/opd-ai/cspcore/protocol"

// Config holds the processor settings.
type Config struct {
	// Versions is the range of forward-secrecy versions this client
	// offers. Max is the offered version of outgoing messages.
	Versions protocol.VersionRange
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{Versions: protocol.DefaultVersionRange}
}
