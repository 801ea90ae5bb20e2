// Package coder turns logical messages into encrypted envelopes and back.
//
// Encode pads the type byte and body, boxes it from the local identity to
// the recipient and adds a metadata box (message id, creation time and,
// for kinds that allow it, the sender's nickname) sealed with a key
// derived from the same shared secret. Decode reverses this, checking
// that the metadata agrees with the envelope.
package coder
