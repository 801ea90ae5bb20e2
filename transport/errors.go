package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshake is returned when the server hello or login ack cannot
	// be verified.
	ErrHandshake = errors.New("handshake failed")

	// ErrNotLoggedIn is returned when sending while no session exists.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrProtocol covers malformed frames and payloads. The connection is
	// dropped and re-established.
	ErrProtocol = errors.New("protocol error")

	// ErrSendQueueFull is returned when the sender cannot keep up.
	ErrSendQueueFull = errors.New("send queue full")
)

// ConnError records the operation and server address of a failure.
type ConnError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error { return e.Err }

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
