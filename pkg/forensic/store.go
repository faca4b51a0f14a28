package forensic

import (
	"context"
	"fmt"
	"sync"
)

// Store persists committed ledger entries. Implementations only ever
// receive appends in strictly increasing sequence order from the single
// ledger writer; they never mutate or delete committed entries.
type Store interface {
	// Append persists a fully-hashed entry atomically.
	Append(ctx context.Context, e Entry) error
	// Get retrieves an entry by sequence number.
	Get(ctx context.Context, seq uint64) (*Entry, error)
	// Last returns the entry with the highest sequence, or nil when empty.
	Last(ctx context.Context) (*Entry, error)
	// Scan visits entries in sequence order until fn returns an error.
	Scan(ctx context.Context, fn func(Entry) error) error
	// Len returns the number of committed entries.
	Len(ctx context.Context) (uint64, error)
}

// MemoryStore keeps entries in process memory. Suitable for tests and for
// deployments where the persistent storage collaborator is external.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]Entry, 0)}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if want := uint64(len(m.entries)) + 1; e.Sequence != want {
		return fmt.Errorf("forensic: sequence gap: got %d, want %d", e.Sequence, want)
	}
	m.entries = append(m.entries, e)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, seq uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq == 0 || seq > uint64(len(m.entries)) {
		return nil, fmt.Errorf("forensic: entry %d not found", seq)
	}
	e := m.entries[seq-1]
	return &e, nil
}

// Last implements Store.
func (m *MemoryStore) Last(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(_ context.Context, fn func(Entry) error) error {
	m.mu.RLock()
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len implements Store.
func (m *MemoryStore) Len(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

var _ Store = (*MemoryStore)(nil)
