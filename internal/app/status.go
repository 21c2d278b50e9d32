package app

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"tarharvest/internal/checkpoint"
	"tarharvest/internal/item"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const (
	maxPendingListed = 20
	maxFailedListed  = 10
)

// Report is a read-only view of batch progress
type Report struct {
	Total     int
	Completed []string
	Pending   []string
	// Failed is every distinct ID in the failure log. It may overlap Completed
	// when an item failed once and succeeded on a later run.
	Failed []string
	// LastErrors maps failed IDs to the journal's last error, when known
	LastErrors map[string]string
	LogPath    string
}

// Percent returns the completed share of Total
func (r Report) Percent() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Completed)) / float64(r.Total) * 100
}

// CheckStatus classifies ids by marker presence without touching anything.
// journal may be nil.
func CheckStatus(ids []string, root string, journal checkpoint.Journal) (Report, error) {
	ids = Dedupe(ids)
	report := Report{
		Total:      len(ids),
		LastErrors: make(map[string]string),
		LogPath:    filepath.Join(root, item.FailureLogName),
	}

	for _, id := range ids {
		if item.ValidateID(id) == nil && item.New(root, id).IsCompleted() {
			report.Completed = append(report.Completed, id)
		} else {
			report.Pending = append(report.Pending, id)
		}
	}

	failed, err := checkpoint.ReadFailedIDs(report.LogPath)
	if err != nil {
		return report, err
	}
	report.Failed = failed

	if journal != nil {
		for _, id := range failed {
			rec, err := journal.GetItem(id)
			if err != nil {
				return report, fmt.Errorf("read journal: %w", err)
			}
			if rec != nil && rec.Status == checkpoint.StatusFailed && rec.LastError != "" {
				report.LastErrors[id] = rec.LastError
			}
		}
	}

	return report, nil
}

// RenderReport writes the status table and short pending/failed lists
func RenderReport(w io.Writer, r Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Resume Status Report")
	tw.AppendHeader(table.Row{"State", "Items"})
	tw.AppendRows([]table.Row{
		{"Total", r.Total},
		{"Completed", len(r.Completed)},
		{"Pending", len(r.Pending)},
		{"Failed", len(r.Failed)},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	tw.Render()

	if n := len(r.Pending); n > 0 && n <= maxPendingListed {
		fmt.Fprintln(w, "\nPending:")
		for _, id := range r.Pending {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	}

	if n := len(r.Failed); n > 0 && n <= maxFailedListed {
		fmt.Fprintf(w, "\nFailed (details in %s):\n", r.LogPath)
		for _, id := range r.Failed {
			if msg, ok := r.LastErrors[id]; ok {
				fmt.Fprintf(w, "  - %s: %s\n", id, oneLine(msg))
			} else {
				fmt.Fprintf(w, "  - %s\n", id)
			}
		}
	}

	fmt.Fprintf(w, "\nProgress: %.1f%% complete\n", r.Percent())
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
