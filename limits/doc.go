// Package limits holds the size limits of the chat server protocol and
// the validation helpers that enforce them before any network activity.
//
// A message envelope travels inside one encrypted frame of at most
// MaxPacketLen bytes. Subtracting the frame header, the frame's box
// overhead, the fixed envelope header and the nonce leaves MaxMessageLen
// bytes for the metadata box and the message box together:
//
//	if err := limits.ValidateEnvelopeBody(len(metadata), len(box)); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
//
// Plaintexts are padded to at least MinMessagePaddedLen bytes so that
// short messages do not reveal their length.
package limits
