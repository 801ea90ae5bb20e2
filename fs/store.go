package fs

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/protocol"
)

// SessionStore persists sessions keyed by (my identity, peer identity,
// session id). Implementations hand out copies: changes to a returned
// Session take effect only when it is stored again.
type SessionStore interface {
	// Session returns the session or nil if it does not exist.
	Session(my, peer protocol.Identity, id messages.FSSessionID) (*Session, error)
	// BestSession returns the session with the lowest id or nil.
	BestSession(my, peer protocol.Identity) (*Session, error)
	// AllSessions returns every session with peer ordered by id.
	AllSessions(my, peer protocol.Identity) ([]*Session, error)
	// Store inserts or replaces s. Replacing a ratchet with one at a lower
	// counter fails with ErrRatchetRegression.
	Store(s *Session) error
	// Delete removes a session and reports whether it existed.
	Delete(my, peer protocol.Identity, id messages.FSSessionID) (bool, error)
	// DeleteAllExcept removes every session with peer except the given
	// one. With fourDHOnly, sessions without 4DH ratchets are kept.
	DeleteAllExcept(my, peer protocol.Identity, except messages.FSSessionID, fourDHOnly bool) (int, error)
}

type sessionKey struct {
	my   protocol.Identity
	peer protocol.Identity
}

// MemoryStore is a thread-safe in-memory SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey]map[messages.FSSessionID]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[sessionKey]map[messages.FSSessionID]*Session)}
}

// Session implements SessionStore.
func (m *MemoryStore) Session(my, peer protocol.Identity, id messages.FSSessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey{my, peer}][id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// BestSession implements SessionStore.
func (m *MemoryStore) BestSession(my, peer protocol.Identity) (*Session, error) {
	all, err := m.AllSessions(my, peer)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// AllSessions implements SessionStore.
func (m *MemoryStore) AllSessions(my, peer protocol.Identity) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peerSessions := m.sessions[sessionKey{my, peer}]
	out := make([]*Session, 0, len(peerSessions))
	for _, s := range peerSessions {
		out = append(out, s.Clone())
	}
	SortSessions(out)
	return out, nil
}

// Store implements SessionStore.
func (m *MemoryStore) Store(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{s.MyIdentity, s.PeerIdentity}
	peerSessions, ok := m.sessions[key]
	if !ok {
		peerSessions = make(map[messages.FSSessionID]*Session)
		m.sessions[key] = peerSessions
	}
	if old, ok := peerSessions[s.ID]; ok {
		if err := ValidateUpdate(old, s); err != nil {
			return err
		}
		old.Wipe()
	}
	peerSessions[s.ID] = s.Clone()
	return nil
}

// Delete implements SessionStore.
func (m *MemoryStore) Delete(my, peer protocol.Identity, id messages.FSSessionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peerSessions := m.sessions[sessionKey{my, peer}]
	s, ok := peerSessions[id]
	if !ok {
		return false, nil
	}
	s.Wipe()
	delete(peerSessions, id)
	return true, nil
}

// DeleteAllExcept implements SessionStore.
func (m *MemoryStore) DeleteAllExcept(my, peer protocol.Identity, except messages.FSSessionID, fourDHOnly bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions[sessionKey{my, peer}] {
		if id == except || (fourDHOnly && s.MyRatchet4DH == nil) {
			continue
		}
		s.Wipe()
		delete(m.sessions[sessionKey{my, peer}], id)
		removed++
	}
	return removed, nil
}

// ValidateUpdate checks that no ratchet present in both old and updated
// moves backwards. Removed ratchets are fine.
func ValidateUpdate(old, updated *Session) error {
	pairs := []struct {
		name       string
		old, fresh *KDFRatchet
	}{
		{"my 2DH", old.MyRatchet2DH, updated.MyRatchet2DH},
		{"my 4DH", old.MyRatchet4DH, updated.MyRatchet4DH},
		{"peer 2DH", old.PeerRatchet2DH, updated.PeerRatchet2DH},
		{"peer 4DH", old.PeerRatchet4DH, updated.PeerRatchet4DH},
	}
	for _, p := range pairs {
		if p.old != nil && p.fresh != nil && p.fresh.Counter() < p.old.Counter() {
			return fmt.Errorf("%w: %s ratchet of session %s from %d to %d",
				ErrRatchetRegression, p.name, updated.ID, p.old.Counter(), p.fresh.Counter())
		}
	}
	return nil
}

// SortSessions orders sessions by id, lowest first.
func SortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return bytes.Compare(sessions[i].ID[:], sessions[j].ID[:]) < 0
	})
}
