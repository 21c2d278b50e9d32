package item

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// MarkerName is the completion marker written inside an item's output directory
	MarkerName = ".download_complete"
	// FailureLogName is the shared append-only failure log under the output root
	FailureLogName = "failed_downloads.log"
	// ArchiveExt is the extension of downloaded archives
	ArchiveExt = ".tar"
)

// ErrInvalidID is returned for IDs that cannot be used as a path component
var ErrInvalidID = errors.New("invalid item id")

// State is the lifecycle state of an item as observed on disk
type State int

const (
	Pending State = iota
	Completed
	Interrupted
	PartialArchive
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case PartialArchive:
		return "partial_archive"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Classify maps the presence of the on-disk artifacts to exactly one state.
// A marker without its directory cannot exist, so marker presence alone decides Completed.
func Classify(outputDirExists, markerExists, archiveExists bool) State {
	switch {
	case markerExists:
		return Completed
	case outputDirExists:
		return Interrupted
	case archiveExists:
		return PartialArchive
	default:
		return Pending
	}
}

// Item holds the derived paths for one item ID under an output root
type Item struct {
	ID          string
	ArchivePath string
	OutputDir   string
	MarkerPath  string
}

// New derives the on-disk layout for id under root
func New(root, id string) Item {
	outputDir := filepath.Join(root, id)
	return Item{
		ID:          id,
		ArchivePath: filepath.Join(root, id+ArchiveExt),
		OutputDir:   outputDir,
		MarkerPath:  filepath.Join(outputDir, MarkerName),
	}
}

// ValidateID rejects IDs that would not map to a single path component
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}

// Observe stats the item's artifacts and classifies them
func (it Item) Observe() (State, error) {
	dirExists, err := exists(it.OutputDir)
	if err != nil {
		return Pending, err
	}
	markerExists := false
	if dirExists {
		if markerExists, err = exists(it.MarkerPath); err != nil {
			return Pending, err
		}
	}
	archiveExists, err := exists(it.ArchivePath)
	if err != nil {
		return Pending, err
	}
	return Classify(dirExists, markerExists, archiveExists), nil
}

// IsCompleted reports whether the completion marker is present
func (it Item) IsCompleted() bool {
	ok, err := exists(it.MarkerPath)
	return err == nil && ok
}

// WriteMarker records completion. The marker is renamed into place so a crash
// never leaves a truncated marker behind.
func (it Item) WriteMarker(now time.Time) error {
	tmp, err := os.CreateTemp(it.OutputDir, MarkerName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "Completed at: %s\n", now.Format(time.RFC3339Nano)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmpName, it.MarkerPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
