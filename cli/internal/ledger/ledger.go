// Package ledger keeps the client-local record of which aggregate
// identifiers the server has already acknowledged, together with a hash of
// the acknowledged content. It is advisory only: the server's upload
// history is the authority, so a lost or corrupt ledger degrades to
// redundant-but-safe re-uploads, never missed ones.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry pairs an upload identifier with the hash of the record content the
// server last acknowledged. Aggregates for still-open periods keep their
// identifier but change content between runs; the hash is what lets those
// updates through while unchanged records stay filtered.
type Entry struct {
	ID   string
	Hash string
}

// Ledger records acknowledged uploads.
type Ledger struct {
	db *sql.DB
}

// DefaultPath returns the standard ledger location for this user.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".usagepulse", "ledger.db"), nil
}

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS uploaded_records (
		identifier TEXT PRIMARY KEY,
		upload_type TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		acked_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_uploaded_type ON uploaded_records(upload_type);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// FilterNew returns the identifiers that still need uploading: those absent
// from the ledger, plus those whose acknowledged content differs from the
// entry's hash. Input order is preserved.
func (l *Ledger) FilterNew(entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	stmt, err := l.db.Prepare(`SELECT content_hash FROM uploaded_records WHERE identifier = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var pending []string
	for _, e := range entries {
		var acked string
		err := stmt.QueryRow(e.ID).Scan(&acked)
		if err == sql.ErrNoRows {
			pending = append(pending, e.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if acked != e.Hash {
			pending = append(pending, e.ID)
		}
	}
	return pending, nil
}

// Commit records server-acknowledged entries, refreshing the content hash
// for identifiers seen before.
func (l *Ledger) Commit(uploadType string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO uploaded_records (identifier, upload_type, content_hash, acked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			content_hash = excluded.content_hash,
			acked_at = excluded.acked_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		if _, err := stmt.Exec(e.ID, uploadType, e.Hash, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count reports how many identifiers of one upload type are recorded.
func (l *Ledger) Count(uploadType string) (int64, error) {
	var n int64
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM uploaded_records WHERE upload_type = ?`, uploadType,
	).Scan(&n)
	return n, err
}
