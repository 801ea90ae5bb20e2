package fs

import "errors"

var (
	// ErrBadMessage is returned for control messages that cannot be
	// applied to the local session state.
	ErrBadMessage = errors.New("bad forward security message")

	// ErrMessageTypeNotSupported is returned by MakeMessage when the
	// message type needs a newer version than the session applies.
	ErrMessageTypeNotSupported = errors.New("message type not supported in session")

	// ErrRatchetRotation is returned when a peer ratchet would have to
	// move backwards or implausibly far.
	ErrRatchetRotation = errors.New("ratchet rotation failed")

	// ErrIllegalSessionState is returned for sessions whose ratchets do
	// not form one of the known states.
	ErrIllegalSessionState = errors.New("illegal session state")

	// ErrUnknownSession is returned when a session id is not in the store.
	ErrUnknownSession = errors.New("unknown session")

	// ErrRatchetRegression is returned by stores asked to replace a
	// ratchet with one at a lower counter.
	ErrRatchetRegression = errors.New("ratchet counter regression")
)
