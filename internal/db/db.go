// Package db opens the node's SQLite database and applies the schema
// migrations owned by the packages that use it.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"meshwork/internal/notify"
)

// Open initializes the database connection and schema.
func Open(path string) (*sql.DB, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	enableWAL(conn)
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Printf("[DB] could not enable foreign keys: %v", err)
	}

	if err := notify.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func enableWAL(conn *sql.DB) {
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[DB] could not enable WAL mode: %v", err)
	}
}
