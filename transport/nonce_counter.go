package transport

import (
	"encoding/binary"
	"sync"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/protocol"
)

// NonceCounter produces the nonce sequence of one direction: the
// sender's cookie followed by a 64-bit little-endian counter starting
// at 1.
type NonceCounter struct {
	mu      sync.Mutex
	cookie  [protocol.CookieLen]byte
	counter uint64
}

// NewNonceCounter starts a sequence for cookie.
func NewNonceCounter(cookie [protocol.CookieLen]byte) *NonceCounter {
	return &NonceCounter{cookie: cookie, counter: 1}
}

// Next returns the next nonce.
func (n *NonceCounter) Next() crypto.Nonce {
	n.mu.Lock()
	defer n.mu.Unlock()
	var nonce crypto.Nonce
	copy(nonce[:protocol.CookieLen], n.cookie[:])
	binary.LittleEndian.PutUint64(nonce[protocol.CookieLen:], n.counter)
	n.counter++
	return nonce
}
