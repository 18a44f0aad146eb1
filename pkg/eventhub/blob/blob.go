// Package blob stores large event content outside the event log.
//
// Blobs are content-addressed: the key of a blob is the BLAKE3 hash of its
// bytes, so storing the same content twice is a no-op and a key never
// points at different content. Events carry the key, not the content.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// KeyPrefix tags blob keys with their hash algorithm.
const KeyPrefix = "blake3:"

// ErrNotFound indicates no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store persists immutable blobs.
type Store interface {
	// Put stores data and returns its key.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key returns the content address of data.
func Key(data []byte) string {
	sum := blake3.Sum256(data)
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// objectName converts a key into a storage object name under prefix.
func objectName(prefix, key string) (string, error) {
	raw, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return prefix + raw[:2] + "/" + raw + ".blob", nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	key := Key(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = append([]byte(nil), data...)
	}
	return key, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if _, err := objectName("", key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if _, err := objectName("", key); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
