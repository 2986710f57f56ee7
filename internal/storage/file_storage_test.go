package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Test helper functions

func createTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "bridge_storage_test_*")
	if err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func TestSnapshotFile_WriteRead(t *testing.T) {
	dir := createTestDir(t)
	sf := NewSnapshotFile(filepath.Join(dir, "nested", "state.snapshot"))

	if _, err := sf.Read(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found before first write, got %v", err)
	}

	snap := Snapshot{Height: 42, State: []byte{0x95, 0x01, 0x02, 0x03}}
	if err := sf.Write(snap); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}
	if _, err := os.Stat(sf.Path() + TempFileSuffix); !os.IsNotExist(err) {
		t.Errorf("Temp file should not remain after write")
	}

	got, err := sf.Read()
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if got.Height != 42 || !bytes.Equal(got.State, snap.State) {
		t.Errorf("Expected %+v, got %+v", snap, got)
	}

	snap = Snapshot{Height: 43, State: []byte("next")}
	if err := sf.Write(snap); err != nil {
		t.Fatalf("Failed to overwrite snapshot: %v", err)
	}
	got, err = sf.Read()
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if got.Height != 43 {
		t.Errorf("Expected height 43, got %d", got.Height)
	}
}

func TestSnapshotFile_Corruption(t *testing.T) {
	dir := createTestDir(t)
	path := filepath.Join(dir, "state.snapshot")
	sf := NewSnapshotFile(path)

	if err := sf.Write(Snapshot{Height: 7, State: []byte("state bytes")}); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	// flip a byte inside the state payload
	data[len(data)-40] ^= 0xff
	if err := os.WriteFile(path, data, FilePermissions); err != nil {
		t.Fatalf("Failed to corrupt file: %v", err)
	}

	_, err = sf.Read()
	if !IsStorageError(err, ErrorTypeCorruption) {
		t.Fatalf("Expected corruption error, got %v", err)
	}
	if _, err := os.Stat(path + BackupFileSuffix); err != nil {
		t.Errorf("Expected backup of corrupted file: %v", err)
	}

	if err := os.WriteFile(path, []byte("not msgpack"), FilePermissions); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}
	if _, err := sf.Read(); !errors.Is(err, ErrCorruption) {
		t.Errorf("Expected corruption error for garbage, got %v", err)
	}
}

func TestLevelStore(t *testing.T) {
	dir := createTestDir(t)
	store, err := NewLevelStore(filepath.Join(dir, "db"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if _, _, err := store.LoadLatest(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found on empty store, got %v", err)
	}

	for h := uint64(1); h <= 5; h++ {
		if err := store.SaveState(h, []byte{byte(h)}); err != nil {
			t.Fatalf("Failed to save state %d: %v", h, err)
		}
	}

	height, state, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("Failed to load latest: %v", err)
	}
	if height != 5 || !bytes.Equal(state, []byte{5}) {
		t.Errorf("Expected state 5 at height 5, got %v at %d", state, height)
	}

	state, err = store.LoadAt(3)
	if err != nil {
		t.Fatalf("Failed to load height 3: %v", err)
	}
	if !bytes.Equal(state, []byte{3}) {
		t.Errorf("Expected state 3, got %v", state)
	}
	if _, err := store.LoadAt(9); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected not found for height 9, got %v", err)
	}

	// rewriting height 3 discards 4 and 5
	if err := store.SaveState(3, []byte{0x33}); err != nil {
		t.Fatalf("Failed to resave height 3: %v", err)
	}
	height, state, err = store.LoadLatest()
	if err != nil {
		t.Fatalf("Failed to load latest: %v", err)
	}
	if height != 3 || !bytes.Equal(state, []byte{0x33}) {
		t.Errorf("Expected replaced state at height 3, got %v at %d", state, height)
	}
	if _, err := store.LoadAt(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected height 5 to be discarded, got %v", err)
	}

	removed, err := store.Prune(3)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 pruned states, got %d", removed)
	}
	heights, err := store.Heights()
	if err != nil {
		t.Fatalf("Failed to list heights: %v", err)
	}
	if len(heights) != 1 || heights[0] != 3 {
		t.Errorf("Expected only height 3 to remain, got %v", heights)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	if err := store.SaveState(6, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected closed error, got %v", err)
	}
}

func TestLevelStore_Reopen(t *testing.T) {
	path := filepath.Join(createTestDir(t), "db")
	store, err := NewLevelStore(path, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := store.SaveState(10, []byte("persisted")); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	store, err = NewLevelStore(path, nil)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()
	height, state, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("Failed to load latest after reopen: %v", err)
	}
	if height != 10 || string(state) != "persisted" {
		t.Errorf("Unexpected state after reopen: %q at %d", state, height)
	}
}

func TestStorageErrors(t *testing.T) {
	err := NewStorageErrorWithCause(ErrorTypeRetrieval, "read failed", os.ErrPermission)
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("Expected errors.Is to match by type")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no match for a different type")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("Expected cause to unwrap")
	}
	if !IsStorageError(err, ErrorTypeRetrieval) {
		t.Errorf("Expected IsStorageError to match")
	}
}
