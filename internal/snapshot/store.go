package snapshot

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// Cache of snapshots keyed by a content digest.
//
// Implementations must be safe for concurrent use. A miss is reported by
// a false second return value, never by an error.
type Store interface {
	Get(key digest.Digest) (*Snapshot, bool, error)
	Put(key digest.Digest, snap *Snapshot) error
}

// A [Store] that keeps snapshots in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[digest.Digest]*Snapshot
}

// Creates a new empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[digest.Digest]*Snapshot)}
}

// Returns the snapshot stored under key.
func (m *MemoryStore) Get(key digest.Digest) (*Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[key]
	return s, ok, nil
}

// Stores snap under key.
func (m *MemoryStore) Put(key digest.Digest, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[key] = snap
	return nil
}

// Number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
