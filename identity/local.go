package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/protocol"
)

// Store gives access to the local identity without exposing the
// long-term private key.
type Store interface {
	Identity() protocol.Identity
	PublicKey() [32]byte
	Nickname() string
	// SharedSecret returns the precomputed box key with peer.
	SharedSecret(peer [32]byte) ([32]byte, error)
	// Encrypt boxes plaintext from the local identity to peer.
	Encrypt(plaintext []byte, nonce crypto.Nonce, peer [32]byte) ([]byte, error)
	// Decrypt opens a box sent by peer to the local identity.
	Decrypt(ciphertext []byte, nonce crypto.Nonce, peer [32]byte) ([]byte, error)
}

// Local is an in-memory Store holding the key pair. Shared secrets are
// cached per peer key.
type Local struct {
	identity protocol.Identity
	keyPair  *crypto.KeyPair
	nickname string

	mu      sync.RWMutex
	secrets map[[32]byte][32]byte
}

// NewLocal creates a Store for identity with the given key pair.
func NewLocal(identity protocol.Identity, keyPair *crypto.KeyPair, nickname string) (*Local, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if keyPair == nil {
		return nil, errors.New("key pair is nil")
	}
	return &Local{
		identity: identity,
		keyPair:  keyPair,
		nickname: nickname,
		secrets:  make(map[[32]byte][32]byte),
	}, nil
}

// Identity returns the local identity.
func (l *Local) Identity() protocol.Identity { return l.identity }

// PublicKey returns the long-term public key.
func (l *Local) PublicKey() [32]byte { return l.keyPair.Public }

// Nickname returns the public nickname, possibly empty.
func (l *Local) Nickname() string { return l.nickname }

// SetNickname changes the public nickname.
func (l *Local) SetNickname(nickname string) { l.nickname = nickname }

// SharedSecret returns the precomputed box key with peer.
func (l *Local) SharedSecret(peer [32]byte) ([32]byte, error) {
	l.mu.RLock()
	ss, ok := l.secrets[peer]
	l.mu.RUnlock()
	if ok {
		return ss, nil
	}

	ss, err := crypto.SharedSecret(peer, l.keyPair.Private)
	if err != nil {
		return [32]byte{}, err
	}

	l.mu.Lock()
	l.secrets[peer] = ss
	l.mu.Unlock()
	return ss, nil
}

// Encrypt boxes plaintext to peer.
func (l *Local) Encrypt(plaintext []byte, nonce crypto.Nonce, peer [32]byte) ([]byte, error) {
	ss, err := l.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptShared(plaintext, nonce, ss), nil
}

// Decrypt opens a box from peer.
func (l *Local) Decrypt(ciphertext []byte, nonce crypto.Nonce, peer [32]byte) ([]byte, error) {
	ss, err := l.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptShared(ciphertext, nonce, ss)
}

// Close wipes the private key and cached secrets.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ss := range l.secrets {
		crypto.WipeKey(&ss)
		delete(l.secrets, k)
	}
	return crypto.WipeKeyPair(l.keyPair)
}

type keyFile struct {
	Identity   string `yaml:"identity"`
	PrivateKey string `yaml:"private_key"`
	Nickname   string `yaml:"nickname,omitempty"`
}

// LoadLocal reads a key file written by Save.
func LoadLocal(path string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil || len(raw) != crypto.KeySize {
		return nil, fmt.Errorf("invalid private key in %s", path)
	}
	var sk [32]byte
	copy(sk[:], raw)
	crypto.ZeroBytes(raw)

	kp, err := crypto.FromSecretKey(sk)
	crypto.WipeKey(&sk)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadLocal",
		"identity": kf.Identity,
		"path":     path,
	}).Debug("Loaded identity key file")

	return NewLocal(protocol.Identity(kf.Identity), kp, kf.Nickname)
}

// Save writes the identity and private key to path with owner-only
// permissions.
func (l *Local) Save(path string) error {
	kf := keyFile{
		Identity:   string(l.identity),
		PrivateKey: hex.EncodeToString(l.keyPair.Private[:]),
		Nickname:   l.nickname,
	}
	data, err := yaml.Marshal(&kf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
