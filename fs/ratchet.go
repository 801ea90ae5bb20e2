package fs

import (
	"fmt"

	"github.com/opd-ai/cspcore/crypto"
)

// MaxRatchetTurns bounds how far a peer ratchet is turned to catch up
// with an incoming counter.
const MaxRatchetTurns = 25000

const (
	saltChainKey      = "kdf-ck"
	saltEncryptionKey = "kdf-aek"
)

// KDFRatchet is a one-way chain of symmetric keys. Each turn replaces the
// chain key with a key derived from it, so earlier message keys cannot
// be recomputed from the current state.
type KDFRatchet struct {
	counter  uint64
	chainKey [32]byte
}

// NewKDFRatchet creates a ratchet positioned at counter.
func NewKDFRatchet(counter uint64, chainKey [32]byte) *KDFRatchet {
	return &KDFRatchet{counter: counter, chainKey: chainKey}
}

// Counter returns the current position.
func (r *KDFRatchet) Counter() uint64 { return r.counter }

// ChainKey returns the current chain key. It is exposed for persistence.
func (r *KDFRatchet) ChainKey() [32]byte { return r.chainKey }

// Turn advances the ratchet by one step.
func (r *KDFRatchet) Turn() error {
	next, err := crypto.DeriveKey(crypto.PersonalE2E, saltChainKey, r.chainKey[:])
	if err != nil {
		return err
	}
	crypto.WipeKey(&r.chainKey)
	r.chainKey = next
	r.counter++
	return nil
}

// TurnUntil advances the ratchet to target and returns the number of
// turns taken. Moving backwards or more than MaxRatchetTurns steps fails
// with ErrRatchetRotation and leaves the ratchet unchanged.
func (r *KDFRatchet) TurnUntil(target uint64) (int, error) {
	if target == r.counter {
		return 0, nil
	}
	if target < r.counter {
		return 0, fmt.Errorf("%w: target counter %d is behind %d", ErrRatchetRotation, target, r.counter)
	}
	if target-r.counter > MaxRatchetTurns {
		return 0, fmt.Errorf("%w: target counter %d is too far ahead of %d", ErrRatchetRotation, target, r.counter)
	}

	turns := 0
	for r.counter < target {
		if err := r.Turn(); err != nil {
			return turns, err
		}
		turns++
	}
	return turns, nil
}

// EncryptionKey derives the message key for the current position.
func (r *KDFRatchet) EncryptionKey() ([32]byte, error) {
	return crypto.DeriveKey(crypto.PersonalE2E, saltEncryptionKey, r.chainKey[:])
}

func (r *KDFRatchet) clone() *KDFRatchet {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (r *KDFRatchet) wipe() {
	if r != nil {
		crypto.WipeKey(&r.chainKey)
	}
}
