package transport

import (
	"time"
)

// Options configures a Connection.
type Options struct {
	// ConnectTimeout bounds the TCP connect for IPv4 addresses.
	ConnectTimeout time.Duration
	// ConnectTimeoutIPv6 bounds the TCP connect for IPv6 addresses, so
	// that broken IPv6 falls back to IPv4 quickly.
	ConnectTimeoutIPv6 time.Duration
	// ReadTimeout bounds every handshake read and the wait for an echo
	// reply.
	ReadTimeout time.Duration
	// KeepaliveInterval is the period of echo requests once logged in.
	KeepaliveInterval time.Duration
	// BackoffBase is raised to the number of failed attempts to get the
	// reconnect delay in seconds.
	BackoffBase float64
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
	// TempKeyMaxAge is how long the temporary handshake key is reused.
	TempKeyMaxAge time.Duration
	// AnotherConnectionMatch identifies the server error sent when the
	// identity logs in elsewhere. It is ignored AnotherConnectionLimit
	// times per Start since it also shows up spuriously when switching
	// networks.
	AnotherConnectionMatch string
	AnotherConnectionLimit int
	// ClientVersion is sent in the client info extension.
	ClientVersion string
	// SendQueueSize bounds the payloads waiting for the sender.
	SendQueueSize int
	// Proxy, if set, tunnels the server connection.
	Proxy *ProxyConfig
	// Resolver looks up the server host. Nil uses net.DefaultResolver.
	Resolver Resolver
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:         15 * time.Second,
		ConnectTimeoutIPv6:     3 * time.Second,
		ReadTimeout:            20 * time.Second,
		KeepaliveInterval:      180 * time.Second,
		BackoffBase:            2,
		BackoffMax:             10 * time.Second,
		TempKeyMaxAge:          7 * 24 * time.Hour,
		AnotherConnectionMatch: "Another connection",
		AnotherConnectionLimit: 5,
		ClientVersion:          "cspcore;Q;;;go",
		SendQueueSize:          1024,
	}
}

// ServerInfo describes the chat server. Every resolved address is tried
// on every port, IPv6 first.
type ServerInfo struct {
	Host         string
	Ports        []uint16
	PublicKey    [32]byte
	AltPublicKey [32]byte
}
