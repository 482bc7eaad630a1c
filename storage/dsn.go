package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathRequired indicates a missing database path.
var ErrPathRequired = errors.New("storage: database path required")

const defaultFilePragmas = "mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// FileDSN builds a sqlite DSN for the given file path with the settings the
// daemon relies on: WAL journaling, a busy timeout so writer contention waits
// instead of failing, and immediate transactions so multi-statement updates
// (refund accumulation, tip pickup) take the write lock up front.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN builds a DSN for a named shared in-memory database. Handles
// opened with the same name share one database, which keeps tests hermetic.
// Transactions run in the same immediate mode as the file-backed DSN.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_pragma=busy_timeout(5000)", name)
}
