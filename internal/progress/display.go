package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Display redraws the progress block on an interval
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	out       io.Writer
	ansi      bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	lastLines int
}

// NewDisplay creates a progress display writing to out. Cursor movement is
// only used when out is a terminal.
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	ansi := false
	if f, ok := out.(*os.File); ok {
		ansi = IsTerminal(f)
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		ansi:     ansi,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop draws the final summary and waits for the loop to exit
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(d.generateDisplay(d.tracker.GetStatus(), d.tracker.Slots()))
		case <-d.stopCh:
			d.render(d.generateFinalDisplay(d.tracker.GetStatus()))
			return
		}
	}
}

func (d *Display) render(lines []string) {
	if d.ansi && d.lastLines > 0 {
		// move up and clear what was drawn last time
		fmt.Fprintf(d.out, "\033[%dA\033[J", d.lastLines)
	}
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) generateDisplay(status Status, slots []SlotState) []string {
	percent := 0.0
	if status.TotalItems > 0 {
		percent = float64(status.ProcessedItems) / float64(status.TotalItems) * 100
	}

	lines := []string{
		fmt.Sprintf("Items: %d/%d  %s", status.ProcessedItems, status.TotalItems, progressBar(percent, 40)),
		fmt.Sprintf("  done %d  failed %d  skipped %d", status.SuccessItems, status.FailedItems, status.SkippedItems),
		fmt.Sprintf("  downloaded %s  speed %s/s  avg %s/s  elapsed %s  eta %s",
			humanize.Bytes(uint64(status.DownloadedBytes)),
			humanize.Bytes(uint64(status.CurrentSpeed)),
			humanize.Bytes(uint64(status.AverageSpeed)),
			FormatDuration(time.Since(status.StartTime)),
			FormatDuration(status.ETA),
		),
	}

	for _, s := range slots {
		lines = append(lines, slotLine(s))
	}
	return lines
}

func slotLine(s SlotState) string {
	if s.Phase == PhaseExtracting {
		return fmt.Sprintf("  [%2d] %-12s %s", s.Slot, s.ItemID, s.Phase)
	}
	if s.Total > 0 {
		pct := float64(s.Bytes) / float64(s.Total) * 100
		return fmt.Sprintf("  [%2d] %-12s %s %s/%s %s", s.Slot, s.ItemID, s.Phase,
			humanize.Bytes(uint64(s.Bytes)), humanize.Bytes(uint64(s.Total)), progressBar(pct, 20))
	}
	return fmt.Sprintf("  [%2d] %-12s %s %s", s.Slot, s.ItemID, s.Phase, humanize.Bytes(uint64(s.Bytes)))
}

func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		fmt.Sprintf("Finished %d items in %s: %d done, %d failed, %d skipped, %s downloaded",
			status.ProcessedItems,
			FormatDuration(time.Since(status.StartTime)),
			status.SuccessItems,
			status.FailedItems,
			status.SkippedItems,
			humanize.Bytes(uint64(status.DownloadedBytes)),
		),
	}
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %5.1f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
