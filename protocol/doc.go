// Package protocol defines the identifiers and constants shared by the
// envelope codec, the send queue, the server connection and the
// forward-secrecy layer: identities, message ids, envelope flags,
// payload and message type bytes, and forward-secrecy version numbers.
package protocol
