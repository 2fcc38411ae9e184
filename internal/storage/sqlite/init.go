package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS paused_transfers (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	token BLOB,
	progress REAL NOT NULL DEFAULT 0,
	paused_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	file_path TEXT,
	downloaded_at DATETIME NOT NULL,
	status TEXT NOT NULL
);`

// InitDB opens the SQLite database at path and creates the journal tables if
// they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serialising through one connection avoids
	// "database is locked" errors from concurrent callbacks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
