package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tarharvest/internal/checkpoint"
	"tarharvest/internal/extract"
	"tarharvest/internal/item"
	"tarharvest/internal/metrics"
	"tarharvest/internal/progress"
	"tarharvest/internal/storage"

	"go.uber.org/zap"
)

// Extractor unpacks a downloaded archive into outputRoot/itemID
type Extractor interface {
	Extract(ctx context.Context, itemID, archivePath, outputRoot string) (extract.Report, error)
}

// Pipeline drives one item through check, download, extract and mark-complete
type Pipeline struct {
	config    Config
	source    storage.Source
	extractor Extractor
	failures  *checkpoint.FailureLog
	journal   checkpoint.Journal
	metrics   *metrics.Collector
	slots     *SlotAllocator
	runID     string
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates an item pipeline
func NewPipeline(
	config Config,
	source storage.Source,
	extractor Extractor,
	failures *checkpoint.FailureLog,
	journal checkpoint.Journal,
	metricsCollector *metrics.Collector,
	slots *SlotAllocator,
	runID string,
	logger *zap.Logger,
) *Pipeline {
	if journal == nil {
		journal = checkpoint.NopJournal{}
	}
	return &Pipeline{
		config:    config,
		source:    source,
		extractor: extractor,
		failures:  failures,
		journal:   journal,
		metrics:   metricsCollector,
		slots:     slots,
		runID:     runID,
		logger:    logger,
		now:       time.Now,
	}
}

// Run processes itemID. It never panics on item errors; every outcome is
// returned in the Result.
func (p *Pipeline) Run(ctx context.Context, itemID string) Result {
	start := time.Now()
	res := Result{ItemID: itemID}
	logger := p.logger.With(zap.String("item_id", itemID))

	if err := item.ValidateID(itemID); err != nil {
		return p.fail(ctx, logger, res, start, err)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, logger, res, start, err)
	}

	it := item.New(p.config.OutputRoot, itemID)
	state, err := it.Observe()
	if err != nil {
		return p.fail(ctx, logger, res, start, fmt.Errorf("inspect item: %w", err))
	}

	switch state {
	case item.Completed:
		res.Skipped = true
		res.Duration = time.Since(start)
		p.metrics.IncSkipped()
		p.record(itemID, checkpoint.StatusSkipped, 0, "")
		logger.Debug("Skipping completed item")
		return res
	case item.Interrupted, item.PartialArchive:
		logger.Info("Discarding stale state", zap.Stringer("state", state))
		if err := discard(it); err != nil {
			return p.fail(ctx, logger, res, start, fmt.Errorf("discard stale state: %w", err))
		}
	}

	slot := p.slots.Acquire(itemID)
	defer p.slots.Release(itemID)

	tracker := p.metrics.GetProgressTracker()
	tracker.StartSlot(slot, itemID, 0)
	defer tracker.EndSlot(slot)

	p.metrics.ItemStarted()
	defer p.metrics.ItemFinished()

	p.record(itemID, checkpoint.StatusInProgress, 0, "")
	logger = logger.With(zap.Int("slot", slot))

	n, err := p.download(ctx, it, slot)
	res.Bytes = n
	if err != nil {
		if rmErr := os.Remove(it.ArchivePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("Failed to remove partial archive", zap.Error(rmErr))
		}
		return p.fail(ctx, logger, res, start, fmt.Errorf("%w: %w", ErrDownloadFailed, err))
	}
	logger.Debug("Archive downloaded", zap.Int64("bytes", n))

	tracker.SlotPhase(slot, progress.PhaseExtracting)
	report, err := p.extractor.Extract(ctx, itemID, it.ArchivePath, p.config.OutputRoot)
	p.metrics.AddEntries("image", report.Images)
	p.metrics.AddEntries("raw", report.Raw)
	p.metrics.AddEntries("rejected", report.Rejected)
	p.metrics.AddEntries("skipped", report.Skipped)
	if err != nil {
		// archive is kept for inspection
		return p.fail(ctx, logger, res, start, fmt.Errorf("%w: %w", ErrExtractionFailed, err))
	}

	if err := it.WriteMarker(p.now()); err != nil {
		return p.fail(ctx, logger, res, start, fmt.Errorf("%w: %w", ErrExtractionFailed, err))
	}

	if p.config.DeleteArchive {
		if err := os.Remove(it.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove archive", zap.Error(err))
		}
	}

	res.Success = true
	res.Duration = time.Since(start)
	p.metrics.IncSuccess()
	p.metrics.ObserveDuration(res.Duration)
	p.record(itemID, checkpoint.StatusCompleted, n, "")
	logger.Info("Item completed",
		zap.Int64("bytes", n),
		zap.Int("images", report.Images),
		zap.Int("raw", report.Raw),
		zap.Int("rejected", report.Rejected),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// download streams the archive to its local path and returns the bytes written
func (p *Pipeline) download(ctx context.Context, it item.Item, slot int) (int64, error) {
	obj, err := p.source.Open(ctx, it.ID)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", p.source.Locate(it.ID), err)
	}
	defer obj.Close()

	expected := int64(-1)
	if info, err := obj.Stat(); err == nil && info.Size >= 0 {
		expected = info.Size
		p.metrics.GetProgressTracker().SetSlotTotal(slot, info.Size)
	}

	f, err := os.OpenFile(it.ArchivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}

	w := io.MultiWriter(f, p.metrics.GetProgressTracker().SlotWriter(slot))
	n, err := io.CopyBuffer(w, obj, make([]byte, p.config.bufferSize()))
	p.metrics.AddBytes(n)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("read %s: %w", p.source.Locate(it.ID), err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close archive: %w", err)
	}
	if expected >= 0 && n != expected {
		return n, fmt.Errorf("short download from %s: got %d of %d bytes", p.source.Locate(it.ID), n, expected)
	}
	return n, nil
}

// fail records a failed outcome. Failures caused by cancellation of the run
// are logged but not written to the failure log.
func (p *Pipeline) fail(ctx context.Context, logger *zap.Logger, res Result, start time.Time, err error) Result {
	res.Err = err
	res.Duration = time.Since(start)
	p.metrics.IncFailed()

	if ctx.Err() != nil {
		logger.Warn("Item interrupted", zap.Error(err))
		return res
	}

	logger.Error("Item failed", zap.Error(err))
	if logErr := p.failures.Append(res.ItemID, err); logErr != nil {
		logger.Error("Failed to append to failure log", zap.Error(logErr))
	}
	p.record(res.ItemID, checkpoint.StatusFailed, res.Bytes, err.Error())
	return res
}

func (p *Pipeline) record(itemID string, status checkpoint.ItemStatus, bytes int64, lastError string) {
	err := p.journal.Record(&checkpoint.ItemRecord{
		ItemID:    itemID,
		RunID:     p.runID,
		Status:    status,
		Bytes:     bytes,
		LastError: lastError,
	})
	if err != nil {
		p.logger.Warn("Failed to update journal",
			zap.String("item_id", itemID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// discard removes a stale output directory and archive so the item restarts clean
func discard(it item.Item) error {
	if err := os.RemoveAll(it.OutputDir); err != nil {
		return err
	}
	if err := os.Remove(it.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
