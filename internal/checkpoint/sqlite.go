package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by a journal that has been closed
var ErrClosed = errors.New("journal is closed")

// SQLiteJournal implements Journal using SQLite
type SQLiteJournal struct {
	db      *sql.DB
	closed  bool
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// NewSQLiteJournal opens (or creates) the journal database at dbPath
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	j := &SQLiteJournal{db: db}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS items (
		item_id TEXT NOT NULL PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		bytes INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
	`

	_, err := j.db.Exec(query)
	return err
}

// Record upserts an item row
func (j *SQLiteJournal) Record(record *ItemRecord) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent workers
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	return retryOnBusy(func() error {
		return j.upsert(record)
	})
}

func (j *SQLiteJournal) upsert(record *ItemRecord) error {
	record.UpdatedAt = time.Now().UTC()

	increment := 0
	if record.Status == StatusInProgress {
		increment = 1
	}

	query := `
	INSERT INTO items (item_id, run_id, status, attempts, bytes, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		run_id = excluded.run_id,
		status = excluded.status,
		attempts = items.attempts + ?,
		bytes = excluded.bytes,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`

	_, err := j.db.Exec(query,
		record.ItemID,
		record.RunID,
		string(record.Status),
		increment,
		record.Bytes,
		record.LastError,
		record.UpdatedAt,
		increment,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", record.ItemID, err)
	}
	return nil
}

// GetItem returns the row for itemID, or nil when none exists
func (j *SQLiteJournal) GetItem(itemID string) (*ItemRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	row := j.db.QueryRow(`
	SELECT item_id, run_id, status, attempts, bytes, last_error, updated_at
	FROM items WHERE item_id = ?
	`, itemID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// ListFailed returns failed items, oldest first
func (j *SQLiteJournal) ListFailed() ([]*ItemRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.Query(`
	SELECT item_id, run_id, status, attempts, bytes, last_error, updated_at
	FROM items WHERE status = ?
	ORDER BY updated_at ASC, item_id ASC
	`, string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ItemRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*ItemRecord, error) {
	var record ItemRecord
	var status string
	var lastError sql.NullString

	err := row.Scan(
		&record.ItemID,
		&record.RunID,
		&status,
		&record.Attempts,
		&record.Bytes,
		&lastError,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = ItemStatus(status)
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

// retryOnBusy retries the operation if SQLite is busy
func retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Close closes the database connection
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
