package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerPoolSize is the number of concurrent read connections the Task
	// Store keeps open. WAL mode lets readers proceed alongside the single
	// writer, so this only bounds how many listTasks/getTask calls can run
	// at once, not write throughput.
	readerPoolSize = 4
)

// openWriter opens the single-connection, read-write handle the Task Store
// serialises every insert/update through.
func openWriter(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("task store: prepare db directory: %w", err)
	}
	if err := touchFile(path); err != nil {
		return nil, fmt.Errorf("task store: create db file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("task store: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openReader opens a read-only pool against the same file, used by every
// getTask/listTasks/getPausedTasksForResume call so readers never queue
// behind updateTask's single writer connection.
func openReader(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("task store: open reader: %w", err)
	}
	db.SetMaxOpenConns(readerPoolSize)
	db.SetMaxIdleConns(readerPoolSize)
	return db, nil
}

func ensureParentDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func touchFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
