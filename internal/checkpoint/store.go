package checkpoint

import (
	"time"
)

// ItemStatus represents the last observed outcome of an item
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusSkipped    ItemStatus = "skipped"
	StatusFailed     ItemStatus = "failed"
)

// ItemRecord represents one item row in the run journal
type ItemRecord struct {
	ItemID    string     `json:"item_id"`
	RunID     string     `json:"run_id"`
	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Bytes     int64      `json:"bytes"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Journal records per-item history for diagnostics. Resume decisions are
// always made from the filesystem; a journal never overrides them.
type Journal interface {
	// Record upserts the item row and bumps its attempt counter when the
	// status is in_progress
	Record(record *ItemRecord) error
	GetItem(itemID string) (*ItemRecord, error)
	ListFailed() ([]*ItemRecord, error)

	// Cleanup
	Close() error
}

// NopJournal discards everything
type NopJournal struct{}

func (NopJournal) Record(*ItemRecord) error { return nil }
func (NopJournal) GetItem(string) (*ItemRecord, error) { return nil, nil }
func (NopJournal) ListFailed() ([]*ItemRecord, error) { return nil, nil }
func (NopJournal) Close() error { return nil }
