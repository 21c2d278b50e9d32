package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"tarharvest/internal/progress"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	itemsTotal      *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	entriesTotal    *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	inflightItems   prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_items_total",
				Help: "Total number of items processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_bytes_downloaded_total",
				Help: "Total archive bytes downloaded",
			},
		),
		entriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_entries_total",
				Help: "Archive entries by how they were handled",
			},
			[]string{"kind"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_http_retries_total",
				Help: "HTTP requests retried after a transient failure",
			},
		),
		inflightItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_inflight_items",
				Help: "Number of items currently downloading or extracting",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_item_duration_seconds",
				Help:    "Time taken to download and extract an item",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.itemsTotal,
		c.bytesTotal,
		c.entriesTotal,
		c.retriesTotal,
		c.inflightItems,
		c.duration,
	)

	return c
}

// IncSuccess counts a completed item
func (c *Collector) IncSuccess() {
	c.itemsTotal.WithLabelValues("success").Inc()
	c.progressTracker.AddSuccess()
}

// IncFailed counts a failed item
func (c *Collector) IncFailed() {
	c.itemsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.AddFailed()
}

// IncSkipped counts an item that was already complete
func (c *Collector) IncSkipped() {
	c.itemsTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped()
}

// AddBytes adds to total bytes downloaded
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// AddEntries counts archive entries of one kind (image, raw, rejected, skipped)
func (c *Collector) AddEntries(kind string, n int) {
	if n > 0 {
		c.entriesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncRetries counts one HTTP retry
func (c *Collector) IncRetries() {
	c.retriesTotal.Inc()
}

// ItemStarted and ItemFinished track in-flight items
func (c *Collector) ItemStarted() {
	c.inflightItems.Inc()
}

func (c *Collector) ItemFinished() {
	c.inflightItems.Dec()
}

// ObserveDuration observes item duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves /metrics and /healthz
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// Serve serves Handler on ln until ctx is cancelled. The listener is opened
// by the caller so a bad address fails before any work starts.
func (c *Collector) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the number of items for progress tracking
func (c *Collector) SetTotalCounts(items int64) {
	c.progressTracker.SetTotal(items)
}
