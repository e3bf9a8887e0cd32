// Package storage defines the opaque put/get/delete persistence contracts
// consumed by the core (§1, §6) plus in-memory reference implementations.
// Real deployments back these with whatever their own datastore is; this
// module ships the in-memory form so tests and cmd/mlsdebug have something
// concrete to run against.
package storage

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("storage: not found")

// KeyPackageStorage stores KeyPackages keyed by their key_package_ref.
// Entries are deleted once consumed by an Add, per §3's "single-use".
type KeyPackageStorage interface {
	Put(ref []byte, keyPackage []byte) error
	Get(ref []byte) ([]byte, error)
	Delete(ref []byte) error
}

// PreSharedKeyStorage stores PSK secrets keyed by PskId bytes.
type PreSharedKeyStorage interface {
	Put(id []byte, secret []byte) error
	Get(id []byte) ([]byte, error)
	Delete(id []byte) error
}

// GroupStateStorage stores serialised group state keyed by an opaque
// reference (typically group_id).
type GroupStateStorage interface {
	Put(key []byte, state []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
}

// MapKeyPackageStorage is an in-memory KeyPackageStorage guarded by an
// RWMutex, per §5's "exclusive-write, shared-read discipline".
type MapKeyPackageStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMapKeyPackageStorage() *MapKeyPackageStorage {
	return &MapKeyPackageStorage{data: make(map[string][]byte)}
}

func (m *MapKeyPackageStorage) Put(ref []byte, keyPackage []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(ref)] = keyPackage
	return nil
}

func (m *MapKeyPackageStorage) Get(ref []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(ref)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MapKeyPackageStorage) Delete(ref []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(ref))
	return nil
}

// MapPreSharedKeyStorage is an in-memory PreSharedKeyStorage.
type MapPreSharedKeyStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMapPreSharedKeyStorage() *MapPreSharedKeyStorage {
	return &MapPreSharedKeyStorage{data: make(map[string][]byte)}
}

func (m *MapPreSharedKeyStorage) Put(id []byte, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(id)] = secret
	return nil
}

func (m *MapPreSharedKeyStorage) Get(id []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MapPreSharedKeyStorage) Delete(id []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(id))
	return nil
}

// MapGroupStateStorage is an in-memory GroupStateStorage.
type MapGroupStateStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMapGroupStateStorage() *MapGroupStateStorage {
	return &MapGroupStateStorage{data: make(map[string][]byte)}
}

func (m *MapGroupStateStorage) Put(key []byte, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = state
	return nil
}

func (m *MapGroupStateStorage) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MapGroupStateStorage) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// NewOpaqueRef mints an opaque storage key for callers that don't derive
// their own (e.g. a locally generated PSK id).
func NewOpaqueRef() []byte {
	id := uuid.New()
	return id[:]
}
