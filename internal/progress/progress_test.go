package progress

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(4)
	tr.AddSuccess()
	tr.AddFailed()
	tr.AddSkipped()

	status := tr.GetStatus()
	assert.Equal(t, int64(4), status.TotalItems)
	assert.Equal(t, int64(3), status.ProcessedItems)
	assert.Equal(t, int64(1), status.SuccessItems)
	assert.Equal(t, int64(1), status.FailedItems)
	assert.Equal(t, int64(1), status.SkippedItems)
	assert.InDelta(t, 75.0, tr.GetProgressPercent(), 0.001)
}

func TestTrackerSlots(t *testing.T) {
	tr := NewTracker()
	tr.StartSlot(2, "n002", 0)
	tr.StartSlot(1, "n001", 100)
	tr.SetSlotTotal(2, 50)

	w := tr.SlotWriter(1)
	_, err := io.Copy(w, strings.NewReader(strings.Repeat("a", 40)))
	require.NoError(t, err)
	tr.SlotPhase(2, PhaseExtracting)

	rows := tr.Slots()
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Slot)
	assert.Equal(t, "n001", rows[0].ItemID)
	assert.Equal(t, int64(40), rows[0].Bytes)
	assert.Equal(t, PhaseDownloading, rows[0].Phase)
	assert.Equal(t, int64(50), rows[1].Total)
	assert.Equal(t, PhaseExtracting, rows[1].Phase)
	assert.Equal(t, int64(40), tr.GetStatus().DownloadedBytes)

	tr.EndSlot(1)
	tr.EndSlot(1)
	assert.Len(t, tr.Slots(), 1)

	// progress for a slot that is gone still counts globally
	tr.SlotProgress(1, 10)
	assert.Equal(t, int64(50), tr.GetStatus().DownloadedBytes)
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.StartSlot(i%8+1, "item", 0)
			tr.SlotProgress(i%8+1, 10)
			tr.AddSuccess()
			tr.EndSlot(i%8 + 1)
		}(i)
	}
	wg.Wait()

	status := tr.GetStatus()
	assert.Equal(t, int64(100), status.ProcessedItems)
	assert.Equal(t, int64(1000), status.DownloadedBytes)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDisplayRendersSlotsAndSummary(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(2)
	tr.StartSlot(1, "n001", 2048)
	tr.SlotProgress(1, 1024)

	out := &syncBuffer{}
	d := NewDisplay(tr, 5*time.Millisecond, out)
	d.Start()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "n001")
	}, time.Second, 5*time.Millisecond)

	tr.EndSlot(1)
	tr.AddSuccess()
	tr.AddFailed()
	d.Stop()
	d.Stop()

	text := out.String()
	assert.Contains(t, text, "Items: ")
	assert.Contains(t, text, "1.0 kB/2.0 kB")
	assert.Contains(t, text, "Finished 2 items")
	assert.Contains(t, text, "1 done, 1 failed, 0 skipped")
	assert.NotContains(t, text, "\033[")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "calculating...", FormatDuration(0))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h1m1s", FormatDuration(time.Hour+time.Minute+time.Second))
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[##########] 100.0%", progressBar(150, 10))
	assert.Equal(t, "[.....]   0.0%", progressBar(-1, 5))
}
