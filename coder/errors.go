package coder

import "errors"

var (
	// ErrBadMessage covers envelopes that cannot be decrypted or parsed.
	// Such envelopes are dropped; the connection stays up.
	ErrBadMessage = errors.New("bad message")

	// ErrMissingPublicKey is returned when the peer's public key is not
	// known. The identity has to be resolved before retrying.
	ErrMissingPublicKey = errors.New("missing public key")
)
