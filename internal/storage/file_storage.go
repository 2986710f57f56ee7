package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tinylib/msgp/msgp"
)

// Constants for file operations
const (
	// DefaultSnapshotFile is the default filename for exported state snapshots
	DefaultSnapshotFile = "state.snapshot"
	// TempFileSuffix is the suffix for temporary files during atomic operations
	TempFileSuffix = ".tmp"
	// BackupFileSuffix is the suffix for backup files
	BackupFileSuffix = ".backup"
	// FilePermissions defines the file permissions for snapshot files
	FilePermissions = 0644

	snapshotMagic   = "btc-bridge-snapshot"
	snapshotVersion = 1
)

// Snapshot is a bridge state exported to a file.
type Snapshot struct {
	Height uint64
	State  []byte
}

// SnapshotFile reads and writes a single state snapshot file. The file holds the
// state with its height and a checksum; writes replace the file atomically.
type SnapshotFile struct {
	filePath string
}

// NewSnapshotFile creates a snapshot file handle for filePath.
func NewSnapshotFile(filePath string) *SnapshotFile {
	if filePath == "" {
		filePath = DefaultSnapshotFile
	}
	return &SnapshotFile{filePath: filePath}
}

// Path returns the snapshot file path.
func (sf *SnapshotFile) Path() string {
	return sf.filePath
}

// Write replaces the snapshot file with snap.
func (sf *SnapshotFile) Write(snap Snapshot) error {
	o := msgp.AppendArrayHeader(nil, 5)
	o = msgp.AppendString(o, snapshotMagic)
	o = msgp.AppendUint8(o, snapshotVersion)
	o = msgp.AppendUint64(o, snap.Height)
	o = msgp.AppendBytes(o, snap.State)
	o = msgp.AppendBytes(o, chainhash.DoubleHashB(snap.State))

	if err := sf.writeFileAtomic(o); err != nil {
		return NewStorageErrorWithCause(ErrorTypePersistence, "failed to write snapshot file", err)
	}
	return nil
}

// Read loads the snapshot file. A file that does not decode or fails its checksum
// is copied to a backup next to it and reported as corrupted.
func (sf *SnapshotFile) Read() (*Snapshot, error) {
	data, err := os.ReadFile(sf.filePath)
	if os.IsNotExist(err) {
		return nil, NewStorageErrorWithCause(ErrorTypeNotFound, "snapshot file does not exist", err)
	}
	if err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeRetrieval, "failed to read snapshot file", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		if backupErr := sf.createBackup(); backupErr != nil {
			return nil, NewStorageErrorWithCause(ErrorTypeCorruption,
				fmt.Sprintf("snapshot file is corrupted and backup failed: %v", backupErr), err)
		}
		return nil, NewStorageErrorWithCause(ErrorTypeCorruption, "snapshot file is corrupted (backup created)", err)
	}
	return snap, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(data)
	if err != nil {
		return nil, err
	}
	if sz != 5 {
		return nil, msgp.ArrayError{Wanted: 5, Got: sz}
	}
	magic, o, err := msgp.ReadStringBytes(o)
	if err != nil {
		return nil, err
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("not a bridge snapshot")
	}
	version, o, err := msgp.ReadUint8Bytes(o)
	if err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	snap := &Snapshot{}
	if snap.Height, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return nil, err
	}
	if snap.State, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return nil, err
	}
	checksum, o, err := msgp.ReadBytesZC(o)
	if err != nil {
		return nil, err
	}
	if len(o) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(o))
	}
	if !bytes.Equal(checksum, chainhash.DoubleHashB(snap.State)) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return snap, nil
}

// writeFileAtomic writes data to file atomically using temp file + rename
func (sf *SnapshotFile) writeFileAtomic(data []byte) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(sf.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := sf.filePath + TempFileSuffix
	file, err := os.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	// Ensure temp file is cleaned up on error
	defer func() {
		if file != nil {
			file.Close()
			os.Remove(tempFile)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	file = nil

	if err := os.Rename(tempFile, sf.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// createBackup copies the current snapshot file aside
func (sf *SnapshotFile) createBackup() error {
	if _, err := os.Stat(sf.filePath); os.IsNotExist(err) {
		return nil
	}
	return copyFile(sf.filePath, sf.filePath+BackupFileSuffix)
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return destFile.Sync()
}
