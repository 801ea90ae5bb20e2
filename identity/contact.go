package identity

import (
	"errors"
	"sync"

	"github.com/opd-ai/cspcore/protocol"
)

// Feature mask bits advertised by contacts.
const (
	FeatureAudio           uint64 = 0x01
	FeatureGroupChat       uint64 = 0x02
	FeatureBallot          uint64 = 0x04
	FeatureFile            uint64 = 0x08
	FeatureVoip            uint64 = 0x10
	FeatureVideoCalls      uint64 = 0x20
	FeatureForwardSecurity uint64 = 0x40
	FeatureGroupCalls      uint64 = 0x80
	FeatureEditMessages    uint64 = 0x100
	FeatureDeleteMessages  uint64 = 0x200
	FeatureReactions       uint64 = 0x400
)

// ErrContactNotFound is returned by stores for unknown identities.
var ErrContactNotFound = errors.New("contact not found")

// Contact is a remote identity with its long-term public key.
type Contact struct {
	Identity    protocol.Identity
	PublicKey   [32]byte
	FeatureMask uint64
}

// Supports reports whether all bits of feature are set.
func (c *Contact) Supports(feature uint64) bool {
	return c.FeatureMask&feature == feature
}

// ContactStore looks up contacts by identity.
type ContactStore interface {
	// Contact returns the contact or nil when unknown.
	Contact(id protocol.Identity) *Contact
}

// MemoryContacts is a thread-safe in-memory ContactStore.
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts map[protocol.Identity]Contact
}

// NewMemoryContacts creates an empty contact store.
func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{contacts: make(map[protocol.Identity]Contact)}
}

// Add inserts or replaces a contact.
func (m *MemoryContacts) Add(c Contact) error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.contacts[c.Identity] = c
	m.mu.Unlock()
	return nil
}

// Remove deletes a contact.
func (m *MemoryContacts) Remove(id protocol.Identity) {
	m.mu.Lock()
	delete(m.contacts, id)
	m.mu.Unlock()
}

// Contact returns a copy of the contact, or nil.
func (m *MemoryContacts) Contact(id protocol.Identity) *Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil
	}
	return &c
}

// Lookup is Contact with an error for unknown identities.
func Lookup(store ContactStore, id protocol.Identity) (*Contact, error) {
	c := store.Contact(id)
	if c == nil {
		return nil, ErrContactNotFound
	}
	return c, nil
}
