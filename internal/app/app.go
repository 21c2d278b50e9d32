package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"tarharvest/internal/checkpoint"
	"tarharvest/internal/config"
	"tarharvest/internal/extract"
	"tarharvest/internal/item"
	"tarharvest/internal/metrics"
	"tarharvest/internal/progress"
	"tarharvest/internal/storage"
	"tarharvest/internal/transport"
	"tarharvest/internal/worker"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LockName is the run lock taken inside the output root
const LockName = ".harvest.lock"

// ErrLocked is returned when another run holds the output root
var ErrLocked = errors.New("output root is locked by another run")

// Stats is the tally of one batch run
type Stats struct {
	Success  int
	Failed   int
	Skipped  int
	Bytes    int64
	Duration time.Duration
}

// Total returns the number of items accounted for
func (s Stats) Total() int {
	return s.Success + s.Failed + s.Skipped
}

func (s *Stats) add(res worker.Result) {
	s.Bytes += res.Bytes
	switch {
	case res.Skipped:
		s.Skipped++
	case res.Success && res.Err == nil:
		s.Success++
	default:
		s.Failed++
	}
}

// Harvester represents the batch coordinator
type Harvester struct {
	cfg         *config.Config
	logger      *zap.Logger
	runID       string
	source      storage.Source
	failures    *checkpoint.FailureLog
	journal     checkpoint.Journal
	metrics     *metrics.Collector
	workers     *worker.Pool
	progressOut *os.File
}

// New wires the transport, archive source, extractor and worker pool
func New(cfg *config.Config, logger *zap.Logger) (*Harvester, error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	metricsCollector := metrics.New()

	opts := transport.DefaultOptions()
	opts.MaxRetries = cfg.HTTP.Retries
	opts.BackoffFactor = cfg.HTTP.Backoff()
	opts.MaxBackoff = cfg.HTTP.MaxBackoff()
	opts.PoolSize = cfg.HTTP.PoolSize
	opts.Timeout = cfg.HTTP.Timeout()
	opts.UserAgent = cfg.HTTP.UserAgent
	opts.OnRetry = func(url string, attempt int) {
		metricsCollector.IncRetries()
		logger.Debug("Retrying request", zap.String("url", url), zap.Int("attempt", attempt))
	}
	client := transport.NewClient(opts, logger)

	source, err := storage.NewSource(cfg.Source.BaseURL, storage.Config{
		Endpoint:  cfg.Source.S3.Endpoint,
		AccessKey: cfg.Source.S3.AccessKey,
		SecretKey: cfg.Source.S3.SecretKey,
		Secure:    cfg.Source.S3.Secure,
		Region:    cfg.Source.S3.Region,
	}, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive source: %w", err)
	}

	var journal checkpoint.Journal = checkpoint.NopJournal{}
	if cfg.Harvest.Journal != "" {
		j, err := checkpoint.NewSQLiteJournal(cfg.Harvest.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal = j
	}

	extractOpts := extract.DefaultOptions()
	extractOpts.Size = cfg.Image.Size
	extractOpts.Quality = cfg.Image.Quality
	extractor := extract.NewProcessor(extractOpts, logger)

	failures := checkpoint.NewFailureLog(filepath.Join(cfg.Harvest.OutputRoot, item.FailureLogName))

	pipeline := worker.NewPipeline(worker.Config{
		OutputRoot:    cfg.Harvest.OutputRoot,
		DeleteArchive: cfg.Harvest.DeleteArchive,
	}, source, extractor, failures, journal, metricsCollector,
		worker.NewSlotAllocator(cfg.Harvest.Workers), runID, logger)

	return &Harvester{
		cfg:         cfg,
		logger:      logger,
		runID:       runID,
		source:      source,
		failures:    failures,
		journal:     journal,
		metrics:     metricsCollector,
		workers:     worker.NewPool(cfg.Harvest.Workers, pipeline, failures, metricsCollector, logger),
		progressOut: os.Stderr,
	}, nil
}

// RunID identifies this run in logs and the journal
func (h *Harvester) RunID() string {
	return h.runID
}

// Journal returns the attempt journal (a no-op journal when disabled)
func (h *Harvester) Journal() checkpoint.Journal {
	return h.journal
}

// Run processes every ID once and returns the tally. Per-item failures are
// counted, never returned; only setup problems produce an error.
func (h *Harvester) Run(ctx context.Context, ids []string) (Stats, error) {
	start := time.Now()
	root := h.cfg.Harvest.OutputRoot

	unique := Dedupe(ids)
	if len(unique) == 0 {
		return Stats{}, ErrNoItems
	}
	if dropped := len(ids) - len(unique); dropped > 0 {
		h.logger.Warn("Dropped duplicate item ids", zap.Int("duplicates", dropped))
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return Stats{}, fmt.Errorf("create output root: %w", err)
	}

	lock := flock.New(filepath.Join(root, LockName))
	locked, err := lock.TryLock()
	if err != nil {
		return Stats{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return Stats{}, fmt.Errorf("%w: %s", ErrLocked, root)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			h.logger.Warn("Failed to release lock", zap.Error(err))
		}
	}()

	h.logger.Info("Starting harvest",
		zap.Int("items", len(unique)),
		zap.Int("workers", h.cfg.Harvest.Workers),
		zap.String("output_root", root),
		zap.String("base_url", h.cfg.Source.BaseURL),
		zap.Bool("delete_archive", h.cfg.Harvest.DeleteArchive),
	)
	h.metrics.SetTotalCounts(int64(len(unique)))

	var metricsListener net.Listener
	if addr := h.cfg.MetricsAddr; addr != "" {
		metricsListener, err = net.Listen("tcp", addr)
		if err != nil {
			return Stats{}, fmt.Errorf("metrics listener: %w", err)
		}
		h.logger.Info("Serving metrics", zap.String("addr", metricsListener.Addr().String()))
	}

	var display *progress.Display
	if h.cfg.Harvest.ShowProgress && h.progressOut != nil && progress.IsTerminal(h.progressOut) {
		display = progress.NewDisplay(h.metrics.GetProgressTracker(), 500*time.Millisecond, h.progressOut)
		display.Start()
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	queue := make(chan string)
	results := make(chan worker.Result, h.cfg.Harvest.Workers)

	var g errgroup.Group
	if metricsListener != nil {
		g.Go(func() error {
			if err := h.metrics.Serve(serverCtx, metricsListener); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(queue)
		for _, id := range unique {
			queue <- id
		}
		return nil
	})
	g.Go(func() error {
		defer close(results)
		h.workers.Run(ctx, queue, results)
		return nil
	})

	var stats Stats
	for res := range results {
		stats.add(res)
	}
	stopServer()
	if err := g.Wait(); err != nil {
		h.logger.Warn("Background task failed", zap.Error(err))
	}

	if display != nil {
		display.Stop()
	}

	stats.Duration = time.Since(start)
	h.logger.Info("Harvest finished",
		zap.Int("success", stats.Success),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes", stats.Bytes),
		zap.Duration("duration", stats.Duration),
		zap.Bool("cancelled", ctx.Err() != nil),
	)
	return stats, nil
}

// PrintSummary writes the end-of-run summary
func (h *Harvester) PrintSummary(w io.Writer, stats Stats) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Harvest complete in %s\n", progress.FormatDuration(stats.Duration))
	fmt.Fprintf(w, "  Success: %d\n", stats.Success)
	fmt.Fprintf(w, "  Skipped: %d\n", stats.Skipped)
	fmt.Fprintf(w, "  Failed:  %d\n", stats.Failed)
	fmt.Fprintf(w, "  Downloaded: %s\n", humanize.Bytes(uint64(stats.Bytes)))
	if stats.Failed > 0 {
		fmt.Fprintf(w, "Failed items are listed in %s\n", h.failures.Path())
	}
}

// Close cleans up resources
func (h *Harvester) Close() error {
	if h.journal != nil {
		return h.journal.Close()
	}
	return nil
}
