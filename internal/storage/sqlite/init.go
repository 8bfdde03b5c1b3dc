package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const defaultDBFile = "attachments.db"

// InitDB opens the SQLite database at path and creates the cached_attachments table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultDBFile
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// database/sql pools connections; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cached_attachments (
		id INTEGER PRIMARY KEY,
		hash_or_url TEXT UNIQUE NOT NULL,
		target_id TEXT,
		kind TEXT,
		file_path TEXT NOT NULL,
		size_bytes INTEGER DEFAULT 0,
		cached_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create cached_attachments table: %w", err)
	}

	return db, nil
}
