// Package storage persists bridge state snapshots.
package storage

// StateStore keeps one encoded bridge state per native block height, so the host
// can roll the bridge back to the state before a reorganized block.
type StateStore interface {
	// SaveState stores the state after the block at height and marks it latest.
	// Saving at a height below latest discards the newer states.
	SaveState(height uint64, state []byte) error

	// LoadLatest returns the most recently saved state and its height.
	LoadLatest() (uint64, []byte, error)

	// LoadAt returns the state saved at height.
	LoadAt(height uint64) ([]byte, error)

	// Prune deletes every state below keepFrom and returns how many were removed.
	Prune(keepFrom uint64) (int, error)

	// Close closes the store and releases any resources.
	Close() error
}
