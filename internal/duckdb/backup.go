package duckdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotExt is the extension every warehouse snapshot must carry so it can
// be reopened with NewStore.
const SnapshotExt = ".duckdb"

var (
	// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
	ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")
	// ErrInvalidSnapshotPath rejects snapshot targets that could not be reopened
	// as a warehouse or would overwrite the live file.
	ErrInvalidSnapshotPath = errors.New("duckdb: invalid snapshot path")
)

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo checkpoints the warehouse into its file and copies it to dstPath,
// returning the snapshot size in bytes. Loads are blocked only while the WAL
// is folded in; the copy runs without the lock.
func (s *Store) SnapshotTo(dstPath string) (int64, error) {
	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return 0, ErrInMemoryStore
	}
	if err := checkSnapshotPath(dbPath, dstPath); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	_, err := s.db.Exec("CHECKPOINT")
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("checkpoint warehouse: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}
	n, err := copyWarehouseFile(dbPath, dstPath)
	if err != nil {
		return 0, fmt.Errorf("copy warehouse file: %w", err)
	}
	return n, nil
}

func checkSnapshotPath(dbPath, dstPath string) error {
	base := filepath.Base(dstPath)
	if dstPath == "" || !strings.HasSuffix(base, SnapshotExt) || base == SnapshotExt {
		return fmt.Errorf("%w: %q must name a %s file", ErrInvalidSnapshotPath, dstPath, SnapshotExt)
	}
	src, err1 := filepath.Abs(dbPath)
	dst, err2 := filepath.Abs(dstPath)
	if err1 == nil && err2 == nil && src == dst {
		return fmt.Errorf("%w: %q is the live warehouse", ErrInvalidSnapshotPath, dstPath)
	}
	return nil
}

// copyWarehouseFile stages the copy beside dstPath and renames it into place
// so a reader never opens a partial snapshot.
func copyWarehouseFile(srcPath, dstPath string) (n int64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(dstPath), "."+filepath.Base(dstPath)+".*")
	if err != nil {
		return 0, err
	}
	tmp := dst.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if n, err = io.Copy(dst, src); err != nil {
		dst.Close()
		return 0, err
	}
	if err = dst.Sync(); err != nil {
		dst.Close()
		return 0, err
	}
	if err = dst.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp, dstPath); err != nil {
		return 0, err
	}
	return n, nil
}
