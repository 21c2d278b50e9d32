package worker

import (
	"context"
	"fmt"
	"sync"

	"tarharvest/internal/checkpoint"
	"tarharvest/internal/metrics"

	"go.uber.org/zap"
)

// Pool runs a fixed number of workers over a stream of item IDs
type Pool struct {
	size     int
	runner   Runner
	failures *checkpoint.FailureLog
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	runner Runner,
	failures *checkpoint.FailureLog,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:     size,
		runner:   runner,
		failures: failures,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// Run starts the workers and blocks until ids is closed and drained. Every ID
// received produces exactly one Result on results, including after ctx is
// cancelled, so callers can rely on the count.
func (p *Pool) Run(ctx context.Context, ids <-chan string, results chan<- Result) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, ids, results, &wg)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, ids <-chan string, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for itemID := range ids {
		results <- p.safeRun(ctx, logger, itemID)
	}

	logger.Debug("Worker finished - no more items")
}

// safeRun converts a panic in the runner into a failed result
func (p *Pool) safeRun(ctx context.Context, logger *zap.Logger, itemID string) (res Result) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("%w: %v", ErrUnexpected, r)
		logger.Error("Recovered worker panic",
			zap.String("item_id", itemID),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		if p.failures != nil {
			if logErr := p.failures.Append(itemID, err); logErr != nil {
				logger.Error("Failed to append to failure log", zap.Error(logErr))
			}
		}
		if p.metrics != nil {
			p.metrics.IncFailed()
		}
		res = Result{ItemID: itemID, Err: err}
	}()

	return p.runner.Run(ctx, itemID)
}
