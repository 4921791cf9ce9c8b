package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "enrollment.db"

type Config struct {
	// Path is the database file. Empty means DefaultPath(".").
	Path string
	// BusyTimeoutMillis bounds how long a writer waits for the lock.
	BusyTimeoutMillis int
}

// DefaultPath returns the database path inside a data directory.
func DefaultPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, ".enrollment", defaultDBName)
}

// EnsureDir creates the directory holding path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Open opens the SQLite database with foreign keys and WAL on.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath(".")
	}
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busy)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
