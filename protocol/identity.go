package protocol

import (
	"errors"
	"fmt"
)

// IdentityLen is the length of a user identity on the wire.
const IdentityLen = 8

// ErrInvalidIdentity is returned for identities that are not eight
// upper-case alphanumeric characters (or '*' for gateway identities).
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is an eight character user identity such as "ECHOECHO".
type Identity string

// ParseIdentity reads an identity from exactly IdentityLen bytes.
func ParseIdentity(b []byte) (Identity, error) {
	if len(b) != IdentityLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidIdentity, len(b))
	}
	id := Identity(b)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks the identity's length and alphabet.
func (id Identity) Validate() error {
	if len(id) != IdentityLen {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '*' {
			return fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
		}
	}
	return nil
}

// Bytes returns the wire form of the identity. Short identities are
// zero-padded, which only happens for invalid values.
func (id Identity) Bytes() [IdentityLen]byte {
	var out [IdentityLen]byte
	copy(out[:], id)
	return out
}

// String returns the identity as a string.
func (id Identity) String() string { return string(id) }
