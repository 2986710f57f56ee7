package mocks

import (
	"sort"
	"sync"

	"btc-bridge/internal/storage"
)

// MemoryStore implements storage.StateStore in memory for testing.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[uint64][]byte
	latest     uint64
	hasLatest  bool
	failWrites bool
	writeCount uint64
	closed     bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[uint64][]byte)}
}

// SaveState implements storage.StateStore.
func (ms *MemoryStore) SaveState(height uint64, state []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return storage.ErrClosed
	}
	if ms.failWrites {
		return storage.NewStorageError(storage.ErrorTypePersistence, "simulated write failure")
	}
	for h := range ms.states {
		if h > height {
			delete(ms.states, h)
		}
	}
	ms.states[height] = append([]byte(nil), state...)
	ms.latest = height
	ms.hasLatest = true
	ms.writeCount++
	return nil
}

// LoadLatest implements storage.StateStore.
func (ms *MemoryStore) LoadLatest() (uint64, []byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, nil, storage.ErrClosed
	}
	if !ms.hasLatest {
		return 0, nil, storage.NewStorageError(storage.ErrorTypeNotFound, "no state saved")
	}
	return ms.latest, append([]byte(nil), ms.states[ms.latest]...), nil
}

// LoadAt implements storage.StateStore.
func (ms *MemoryStore) LoadAt(height uint64) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, storage.ErrClosed
	}
	state, ok := ms.states[height]
	if !ok {
		return nil, storage.NewStorageError(storage.ErrorTypeNotFound, "no state at height")
	}
	return append([]byte(nil), state...), nil
}

// Prune implements storage.StateStore.
func (ms *MemoryStore) Prune(keepFrom uint64) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, storage.ErrClosed
	}
	removed := 0
	for h := range ms.states {
		if h < keepFrom {
			delete(ms.states, h)
			removed++
		}
	}
	return removed, nil
}

// Close implements storage.StateStore.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// SetFailWrites makes every following SaveState fail.
func (ms *MemoryStore) SetFailWrites(fail bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failWrites = fail
}

// Heights returns the stored heights in ascending order.
func (ms *MemoryStore) Heights() []uint64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	heights := make([]uint64, 0, len(ms.states))
	for h := range ms.states {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// WriteCount returns the number of successful writes.
func (ms *MemoryStore) WriteCount() uint64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.writeCount
}
