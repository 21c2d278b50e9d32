package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDownloadFailed wraps network and local write errors while fetching an archive
	ErrDownloadFailed = errors.New("download failed")
	// ErrExtractionFailed wraps errors that stop an archive from being unpacked
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnexpected marks a panic recovered at the worker boundary
	ErrUnexpected = errors.New("unexpected worker error")
)

// Result is the outcome of one item. Exactly one of Success, Skipped or a
// non-nil Err describes it.
type Result struct {
	ItemID   string
	Success  bool
	Skipped  bool
	Err      error
	Bytes    int64
	Duration time.Duration
}

// Runner processes a single item to completion
type Runner interface {
	Run(ctx context.Context, itemID string) Result
}

// Config contains worker configuration
type Config struct {
	OutputRoot    string
	DeleteArchive bool
	// BufferSize is the copy buffer for downloads
	BufferSize int
}

const defaultBufferSize = 64 * 1024

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return defaultBufferSize
	}
	return c.BufferSize
}
