// Package storage provides safe local filesystem primitives used by the
// durable stores: EnsureDir and AtomicWriteFile. Any bbolt-backed store calls
// EnsureDir before opening its database file; AtomicWriteFile is available
// for any plain-file artifacts (e.g. exported reports) that must never be
// observed half-written.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"tgfleet/internal/infra/logger"
)

// defaultFilePerm restricts the written file to the owning process.
const defaultFilePerm = 0600

// EnsureDir makes sure the directory holding path exists. A path with no
// directory component ("." or "") is a no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile writes data to path atomically: temp file in the same
// directory, write, fsync, chmod, close, rename, best-effort dir fsync. Either
// the old file survives intact or the new one is written in full; os.Rename
// is atomic only within a single filesystem volume.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
