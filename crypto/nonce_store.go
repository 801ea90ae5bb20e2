package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultNonceRetention is how long used envelope nonces are remembered.
const DefaultNonceRetention = 365 * 24 * time.Hour

const nonceRecordSize = NonceSize + 8

// NonceStore remembers nonces of sent and received message envelopes so
// that a replayed envelope is detected and a locally generated nonce is
// never reused, even across restarts.
//
// With an empty data directory the store is memory only.
//
//	ns, err := crypto.NewNonceStore("/var/lib/cspclient")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ns.Close()
//
//	if ns.Exists(box.Nonce) {
//	    // already processed, ack without processing again
//	}
type NonceStore struct {
	mu           sync.RWMutex
	nonces       map[Nonce]int64 // nonce -> unix time stored
	saveFile     string
	retention    time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	logger       *logrus.Logger
	timeProvider TimeProvider
}

// NewNonceStore creates a nonce store persisted under dataDir.
func NewNonceStore(dataDir string) (*NonceStore, error) {
	return NewNonceStoreWithOptions(dataDir, DefaultNonceRetention, nil)
}

// NewNonceStoreWithOptions creates a nonce store with a custom retention
// period and TimeProvider. Pass nil for timeProvider to use wall time.
func NewNonceStoreWithOptions(dataDir string, retention time.Duration, timeProvider TimeProvider) (*NonceStore, error) {
	ns := &NonceStore{
		nonces:       make(map[Nonce]int64),
		retention:    retention,
		stopChan:     make(chan struct{}),
		logger:       logrus.StandardLogger(),
		timeProvider: orDefault(timeProvider),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		ns.saveFile = filepath.Join(dataDir, "nonces.dat")
		if err := ns.load(); err != nil {
			NewLogger("NewNonceStoreWithOptions").WithError(err, "load").Warn("Could not load nonce store, starting fresh")
		}
	}

	go ns.cleanupLoop()

	return ns, nil
}

// Exists reports whether nonce has been stored.
func (ns *NonceStore) Exists(nonce Nonce) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.nonces[nonce]
	return ok
}

// Store records nonce. It returns false if the nonce was already known.
func (ns *NonceStore) Store(nonce Nonce) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.nonces[nonce]; exists {
		ns.logger.WithFields(logrus.Fields{
			"function": "Store",
			"nonce":    fmt.Sprintf("%x", nonce[:8]),
		}).Warn("Nonce already stored")
		return false
	}
	ns.nonces[nonce] = ns.timeProvider.Now().Unix()
	return true
}

// Next returns a fresh random nonce that has not been used before. The
// nonce is recorded when store is true; messages that are never queued
// by the server do not need to occupy the store.
func (ns *NonceStore) Next(store bool) (Nonce, error) {
	for {
		nonce, err := GenerateNonce()
		if err != nil {
			return Nonce{}, err
		}
		if !store {
			if !ns.Exists(nonce) {
				return nonce, nil
			}
			continue
		}
		if ns.Store(nonce) {
			return nonce, nil
		}
	}
}

func (ns *NonceStore) readFile() ([]byte, error) {
	data, err := os.ReadFile(ns.saveFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read nonce store: %w", err)
	}
	if len(data) < 8 {
		return nil, errors.New("corrupted nonce store: file too small")
	}
	return data, nil
}

func (ns *NonceStore) load() error {
	data, err := ns.readFile()
	if err != nil || data == nil {
		return err
	}

	count := binary.BigEndian.Uint64(data[0:8])
	cutoff := ns.timeProvider.Now().Add(-ns.retention).Unix()
	offset := 8
	loaded := 0

	for i := uint64(0); i < count && offset+nonceRecordSize <= len(data); i++ {
		var nonce Nonce
		copy(nonce[:], data[offset:offset+NonceSize])
		storedAt := int64(binary.BigEndian.Uint64(data[offset+NonceSize : offset+nonceRecordSize]))
		offset += nonceRecordSize
		if storedAt < cutoff {
			continue
		}
		ns.nonces[nonce] = storedAt
		loaded++
	}

	ns.logger.WithFields(logrus.Fields{
		"function":      "load",
		"total_in_file": count,
		"loaded":        loaded,
	}).Info("Nonce store loaded")

	return nil
}

// Flush writes the current state to disk. It is a no-op for memory-only
// stores.
func (ns *NonceStore) Flush() error {
	if ns.saveFile == "" {
		return nil
	}

	ns.mu.RLock()
	buf := make([]byte, 8, 8+len(ns.nonces)*nonceRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(ns.nonces)))
	var rec [nonceRecordSize]byte
	for nonce, storedAt := range ns.nonces {
		copy(rec[:NonceSize], nonce[:])
		binary.BigEndian.PutUint64(rec[NonceSize:], uint64(storedAt))
		buf = append(buf, rec[:]...)
	}
	ns.mu.RUnlock()

	tmpFile := ns.saveFile + ".tmp"
	if err := os.WriteFile(tmpFile, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary nonce store: %w", err)
	}
	if err := os.Rename(tmpFile, ns.saveFile); err != nil {
		return fmt.Errorf("failed to rename nonce store: %w", err)
	}
	return nil
}

func (ns *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ns.cleanup()
		case <-ns.stopChan:
			return
		}
	}
}

func (ns *NonceStore) cleanup() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	cutoff := ns.timeProvider.Now().Add(-ns.retention).Unix()
	removed := 0
	for nonce, storedAt := range ns.nonces {
		if storedAt < cutoff {
			delete(ns.nonces, nonce)
			removed++
		}
	}

	if removed > 0 {
		ns.logger.WithFields(logrus.Fields{
			"function":  "cleanup",
			"removed":   removed,
			"remaining": len(ns.nonces),
		}).Info("Cleaned up expired nonces")
	}
}

// Close stops the cleanup loop and saves the final state.
func (ns *NonceStore) Close() error {
	ns.stopOnce.Do(func() { close(ns.stopChan) })
	return ns.Flush()
}

// Size returns the number of stored nonces.
func (ns *NonceStore) Size() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.nonces)
}
