package progress

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Phase names what a slot is currently doing
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
)

// Status represents the current harvest status
type Status struct {
	TotalItems      int64
	ProcessedItems  int64
	SuccessItems    int64
	FailedItems     int64
	SkippedItems    int64
	DownloadedBytes int64
	StartTime       time.Time
	LastUpdateTime  time.Time
	CurrentSpeed    float64 // bytes/second over the last few seconds
	AverageSpeed    float64 // bytes/second since start
	ETA             time.Duration
}

// SlotState is one row of the per-slot display
type SlotState struct {
	Slot    int
	ItemID  string
	Phase   Phase
	Bytes   int64
	Total   int64 // zero when the size is unknown
	Started time.Time
}

// Tracker tracks harvest progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	slots        map[int]*SlotState
	speedSamples []speedSample
	maxSamples   int
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		slots:        make(map[int]*SlotState),
		speedSamples: make([]speedSample, 0, 256),
		maxSamples:   256,
	}
}

// SetTotal sets the number of items in the batch
func (t *Tracker) SetTotal(items int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalItems = items
}

// AddSuccess counts a completed item
func (t *Tracker) AddSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SuccessItems++
	t.finishItem()
}

// AddFailed counts a failed item
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedItems++
	t.finishItem()
}

// AddSkipped counts an item that was already complete
func (t *Tracker) AddSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedItems++
	t.finishItem()
}

// must be called with lock held
func (t *Tracker) finishItem() {
	t.status.ProcessedItems++
	t.calculateETA(time.Now())
}

// updateSpeed must be called with lock held
func (t *Tracker) updateSpeed(bytes int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.DownloadedBytes) / elapsed.Seconds()
	}
	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses samples from the last five seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var first *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

// calculateETA extrapolates from the average time per finished item
func (t *Tracker) calculateETA(now time.Time) {
	done := t.status.ProcessedItems
	remaining := t.status.TotalItems - done
	if done == 0 || remaining <= 0 {
		t.status.ETA = 0
		return
	}
	perItem := now.Sub(t.status.StartTime) / time.Duration(done)
	t.status.ETA = perItem * time.Duration(remaining)
	t.status.LastUpdateTime = now
}

// StartSlot shows itemID in slot. total may be zero when unknown.
func (t *Tracker) StartSlot(slot int, itemID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots[slot] = &SlotState{
		Slot:    slot,
		ItemID:  itemID,
		Phase:   PhaseDownloading,
		Total:   total,
		Started: time.Now(),
	}
}

// SetSlotTotal records the expected size once it is known
func (t *Tracker) SetSlotTotal(slot int, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.slots[slot]; ok {
		s.Total = total
	}
}

// SlotProgress adds n downloaded bytes to the slot and the global counter
func (t *Tracker) SlotProgress(slot int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.slots[slot]; ok {
		s.Bytes += n
	}
	if n > 0 {
		t.status.DownloadedBytes += n
		t.updateSpeed(n)
	}
}

// SlotPhase switches the phase shown for slot
func (t *Tracker) SlotPhase(slot int, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.slots[slot]; ok {
		s.Phase = phase
	}
}

// EndSlot clears the slot row
func (t *Tracker) EndSlot(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.slots, slot)
}

// Slots returns the active rows ordered by slot number
func (t *Tracker) Slots() []SlotState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]SlotState, 0, len(t.slots))
	for _, s := range t.slots {
		rows = append(rows, *s)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Slot < rows[j].Slot })
	return rows
}

// SlotWriter returns a writer that reports every write as slot progress.
// It is meant to sit behind an io.MultiWriter or io.TeeReader.
func (t *Tracker) SlotWriter(slot int) io.Writer {
	return slotWriter{tracker: t, slot: slot}
}

type slotWriter struct {
	tracker *Tracker
	slot    int
}

func (w slotWriter) Write(p []byte) (int, error) {
	w.tracker.SlotProgress(w.slot, int64(len(p)))
	return len(p), nil
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the item progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalItems == 0 {
		return 0
	}
	return float64(t.status.ProcessedItems) / float64(t.status.TotalItems) * 100
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
