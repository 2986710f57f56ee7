package storage

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"btc-bridge/internal/logger"
)

var (
	statePrefix = []byte("state/")
	latestKey   = []byte("meta/latest")
)

func stateKey(height uint64) []byte {
	key := make([]byte, len(statePrefix)+8)
	copy(key, statePrefix)
	binary.BigEndian.PutUint64(key[len(statePrefix):], height)
	return key
}

func heightOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(statePrefix):])
}

// LevelStore implements StateStore on LevelDB. States are keyed by big-endian
// height so iteration follows block order.
type LevelStore struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	closed bool
	log    *logger.Logger
}

// NewLevelStore opens or creates a LevelDB state store at path.
func NewLevelStore(path string, log *logger.Logger) (*LevelStore, error) {
	if path == "" {
		return nil, NewStorageError(ErrorTypeInvalidData, "storage path cannot be empty")
	}
	if log == nil {
		log = logger.Nop()
	}
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypePersistence, "failed to open state database", err)
	}
	return &LevelStore{db: db, log: log.Component("storage")}, nil
}

// SaveState implements StateStore.
func (s *LevelStore) SaveState(height uint64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	batch := new(leveldb.Batch)
	// drop states of blocks that were reorganized away
	iter := s.db.NewIterator(&util.Range{Start: stateKey(height + 1), Limit: stateKey(^uint64(0))}, nil)
	discarded := 0
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
		discarded++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to scan newer states", err)
	}

	var latest [8]byte
	binary.BigEndian.PutUint64(latest[:], height)
	batch.Put(stateKey(height), state)
	batch.Put(latestKey, latest[:])
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return NewStorageErrorWithCause(ErrorTypePersistence, "failed to write state", err)
	}

	if discarded > 0 {
		s.log.Warn("discarded states above saved height", "height", height, "discarded", discarded)
	}
	s.log.Debug("state saved", "height", height, "bytes", len(state))
	return nil
}

// LoadLatest implements StateStore.
func (s *LevelStore) LoadLatest() (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil, ErrClosed
	}

	raw, err := s.db.Get(latestKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil, NewStorageError(ErrorTypeNotFound, "no state saved")
	}
	if err != nil {
		return 0, nil, NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to read latest height", err)
	}
	if len(raw) != 8 {
		return 0, nil, NewStorageError(ErrorTypeCorruption, "latest height record is malformed")
	}
	height := binary.BigEndian.Uint64(raw)

	state, err := s.get(height)
	if IsStorageError(err, ErrorTypeNotFound) {
		return 0, nil, NewStorageErrorWithCause(ErrorTypeCorruption, "latest state is missing", err)
	}
	if err != nil {
		return 0, nil, err
	}
	return height, state, nil
}

// LoadAt implements StateStore.
func (s *LevelStore) LoadAt(height uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.get(height)
}

func (s *LevelStore) get(height uint64) ([]byte, error) {
	state, err := s.db.Get(stateKey(height), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, NewStorageErrorWithCause(ErrorTypeNotFound, "no state at height", err)
	}
	if err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to read state", err)
	}
	return state, nil
}

// Prune implements StateStore.
func (s *LevelStore) Prune(keepFrom uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(&util.Range{Start: stateKey(0), Limit: stateKey(keepFrom)}, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to scan states", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, NewStorageErrorWithCause(ErrorTypePersistence, "failed to prune states", err)
	}
	s.log.Info("states pruned", "below", keepFrom, "removed", batch.Len())
	return batch.Len(), nil
}

// Heights returns the heights of every saved state in ascending order.
func (s *LevelStore) Heights() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var heights []uint64
	iter := s.db.NewIterator(util.BytesPrefix(statePrefix), nil)
	for iter.Next() {
		heights = append(heights, heightOf(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to scan states", err)
	}
	return heights, nil
}

// Close implements StateStore.
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return NewStorageErrorWithCause(ErrorTypePersistence, "failed to close state database", err)
	}
	return nil
}
