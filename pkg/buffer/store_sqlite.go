package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the relay's durable buffered-request queue.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the buffered_requests table at
// dbPath. dbPath may be ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS buffered_requests (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buffered_requests_machine
			ON buffered_requests(machine_id, priority DESC, created_at ASC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Enqueue inserts req, then evicts the oldest entries for its machine
// past cap (or DefaultPerMachineCap if cap <= 0).
func (s *SQLiteStore) Enqueue(_ context.Context, req *Request, cap int) error {
	if cap <= 0 {
		cap = DefaultPerMachineCap
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta := req.Metadata
	if meta == nil {
		meta = []byte("{}")
	}
	if _, err := tx.Exec(`INSERT INTO buffered_requests
		(id, machine_id, request_id, method, payload, metadata, priority, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.MachineID, req.RequestID, req.Method, req.Payload, string(meta),
		req.Priority, req.CreatedAt.UTC(), req.ExpiresAt.UTC()); err != nil {
		return err
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM buffered_requests WHERE machine_id = ?`, req.MachineID).Scan(&count); err != nil {
		return err
	}
	if over := count - cap; over > 0 {
		if _, err := tx.Exec(`DELETE FROM buffered_requests WHERE id IN (
			SELECT id FROM buffered_requests WHERE machine_id = ?
			ORDER BY created_at ASC LIMIT ?
		)`, req.MachineID, over); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Drain(_ context.Context, machineID string) ([]*Request, error) {
	rows, err := s.db.Query(`SELECT id, machine_id, request_id, method, payload, metadata, priority, created_at, expires_at
		FROM buffered_requests
		WHERE machine_id = ? AND expires_at > ?
		ORDER BY priority DESC, created_at ASC`, machineID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var r Request
		var metaStr string
		if err := rows.Scan(&r.ID, &r.MachineID, &r.RequestID, &r.Method, &r.Payload, &metaStr,
			&r.Priority, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		r.Metadata = []byte(metaStr)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(_ context.Context, id string) error {
	_, err := s.db.Exec(`DELETE FROM buffered_requests WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM buffered_requests WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
