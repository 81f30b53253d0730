package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "journal.db"
)

// Transfer direction values.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer status values.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusReceived  = "received"
	StatusDropped   = "dropped"
)

// ErrNotFound indicates the requested transfer does not exist.
var ErrNotFound = errors.New("storage: transfer not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id TEXT PRIMARY KEY,
  direction   TEXT CHECK(direction IN ('send','receive')) NOT NULL,
  size        INTEGER NOT NULL,
  status      TEXT CHECK(status IN ('queued','delivered','received','dropped')) NOT NULL,
  detail      TEXT,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_created_at
ON transfers (created_at DESC);
`,
}

// Transfer is one journal row: a posted, delivered, received, or dropped
// object.
type Transfer struct {
	TransferID string
	Direction  string
	Size       int64
	Status     string
	Detail     string
	CreatedAt  int64
	UpdatedAt  int64
}

// Journal records object transfers in SQLite.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (and migrates) the journal database under dataDir.
func Open(dataDir string) (*Journal, string, error) {
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	return &Journal{db: db}, dbPath, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// RecordQueued inserts a new outbound transfer in the queued state.
func (j *Journal) RecordQueued(transferID string, size int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO transfers (transfer_id, direction, size, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		transferID, DirectionSend, size, StatusQueued, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record queued transfer: %w", err)
	}
	return nil
}

// RecordReceived inserts a completed inbound transfer.
func (j *Journal) RecordReceived(transferID string, size int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := j.db.Exec(
		`INSERT INTO transfers (transfer_id, direction, size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		transferID, DirectionReceive, size, StatusReceived, now, now,
	)
	if err != nil {
		return fmt.Errorf("record received transfer: %w", err)
	}
	return nil
}

// UpdateStatus moves a transfer to a new status with an optional detail.
func (j *Journal) UpdateStatus(transferID, status, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	result, err := j.db.Exec(
		`UPDATE transfers SET status = ?, detail = ?, updated_at = ? WHERE transfer_id = ?`,
		status, detail, time.Now().UnixMilli(), transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest transfers, most recent first.
func (j *Journal) ListRecent(limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT transfer_id, direction, size, status, COALESCE(detail, ''),
		        created_at, COALESCE(updated_at, 0)
		 FROM transfers ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var transfers []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.TransferID, &t.Direction, &t.Size, &t.Status,
			&t.Detail, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return transfers, nil
}
