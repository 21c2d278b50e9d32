package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// FailureLog appends "<id> - <error>" lines to a text file shared by all
// workers. Each append opens, writes and closes the file so lines survive a
// crash of the process.
type FailureLog struct {
	path string
	mu   sync.Mutex
}

// NewFailureLog creates a failure log at path. The file is created lazily.
func NewFailureLog(path string) *FailureLog {
	return &FailureLog{path: path}
}

// Path returns the log location
func (l *FailureLog) Path() string {
	return l.path
}

// Append writes one line for itemID
func (l *FailureLog) Append(itemID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	line := fmt.Sprintf("%s - %s\n", itemID, oneLine(msg))

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("write failure log: %w", err)
	}
	return f.Close()
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// ReadFailedIDs returns the distinct item IDs in the log in first-seen order.
// A missing log yields no IDs.
func ReadFailedIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var ids []string

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, _, _ := strings.Cut(line, " - ")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read failure log: %w", err)
	}
	return ids, nil
}
