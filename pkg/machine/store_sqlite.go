package machine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the relay's durable machine registry.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the machines table at dbPath.
// dbPath may be ":memory:" for tests.
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
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT NOT NULL DEFAULT '{}',
			identity_pubkey BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_owner ON machines(owner_id)`,
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

func (s *SQLiteStore) Create(_ context.Context, m *Machine) error {
	meta := m.Metadata
	if meta == nil {
		meta = []byte("{}")
	}
	_, err := s.db.Exec(`INSERT INTO machines (id, name, owner_id, status, registered_at, last_seen, metadata, identity_pubkey)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.OwnerID, string(StatusOffline), m.RegisteredAt.UTC(), m.LastSeen.UTC(), string(meta), m.IdentityPubkey)
	return err
}

func (s *SQLiteStore) Get(_ context.Context, id string) (*Machine, error) {
	row := s.db.QueryRow(`SELECT id, name, owner_id, status, registered_at, last_seen, metadata, identity_pubkey FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

func (s *SQLiteStore) ListByOwner(_ context.Context, ownerID string) ([]*Machine, error) {
	rows, err := s.db.Query(`SELECT id, name, owner_id, status, registered_at, last_seen, metadata, identity_pubkey FROM machines WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetStatus(_ context.Context, id string, status Status) error {
	res, err := s.db.Exec(`UPDATE machines SET status = ?, last_seen = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Touch(_ context.Context, id string) error {
	res, err := s.db.Exec(`UPDATE machines SET last_seen = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetIdentityPubkey(_ context.Context, id string, pubkey []byte) error {
	res, err := s.db.Exec(`UPDATE machines SET identity_pubkey = ? WHERE id = ?`, pubkey, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(_ context.Context, id string) error {
	res, err := s.db.Exec(`DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*Machine, error) {
	var m Machine
	var statusStr, metaStr string
	var registeredAt, lastSeen time.Time
	var pubkey []byte

	err := row.Scan(&m.ID, &m.Name, &m.OwnerID, &statusStr, &registeredAt, &lastSeen, &metaStr, &pubkey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Status = Status(statusStr)
	m.RegisteredAt = registeredAt
	m.LastSeen = lastSeen
	m.Metadata = []byte(metaStr)
	m.IdentityPubkey = pubkey
	return &m, nil
}
