// Package keystore keeps device-local key material: the identity key pair,
// per-conversation chat keys and imported legacy keys.
package keystore

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("keystore: key not found")

// KeyStore persists opaque key blobs by ID.
type KeyStore interface {
	Get(id string) ([]byte, error)
	Set(id string, key []byte) error
	Remove(id string) error
}

// Memory is an in-process KeyStore.
type Memory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

func (m *Memory) Get(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(id string, key []byte) error {
	if id == "" {
		return errors.New("keystore: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = append([]byte(nil), key...)
	return nil
}

func (m *Memory) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}
