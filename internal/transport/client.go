package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrRetriesExhausted = errors.New("transport: retries exhausted")
	ErrNotFound         = errors.New("transport: resource not found")
	ErrStalled          = errors.New("transport: response stalled")
)

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Code     int
	Status   string
	Attempts int
}

func (e *StatusError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s (after %d attempts)", e.Status, e.Attempts)
	}
	return e.Status
}

// Temporary reports whether the status is one the client retries.
func (e *StatusError) Temporary() bool {
	_, ok := defaultRetryStatus[e.Code]
	return ok
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

var defaultRetryStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Options configures the client.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 10
	MaxRetries int

	// BackoffFactor is the base wait; attempt n waits BackoffFactor * 2^n.
	// Default: 1s
	BackoffFactor time.Duration

	// MaxBackoff caps a single wait, including Retry-After values.
	// Default: 2m
	MaxBackoff time.Duration

	// RetryStatus lists the HTTP status codes that are retried.
	// Default: 429, 500, 502, 503, 504
	RetryStatus []int

	// PoolSize is the number of idle connections kept per host. Size it to the
	// worker count so every worker reuses its own connection.
	// Default: 10
	PoolSize int

	// Timeout bounds connection setup, response headers, and any gap between
	// body reads. A body that keeps flowing is never cut off.
	// Default: 520s
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// OnRetry is called before every retry attempt.
	OnRetry func(url string, attempt int)
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    10,
		BackoffFactor: time.Second,
		MaxBackoff:    2 * time.Minute,
		RetryStatus:   []int{429, 500, 502, 503, 504},
		PoolSize:      10,
		Timeout:       520 * time.Second,
		UserAgent:     "tarharvest/1.0 (+batch archive fetcher)",
	}
}

// Response is a streaming response body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
}

// Client is a pooled HTTP client that retries transient failures of idempotent reads.
// It is safe for concurrent use.
type Client struct {
	client      *retryablehttp.Client
	opts        Options
	retryStatus map[int]struct{}
}

// NewClient creates a new client with the given options.
func NewClient(opts Options, logger *zap.Logger) *Client {
	defaults := DefaultOptions()
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = defaults.BackoffFactor
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if len(opts.RetryStatus) == 0 {
		opts.RetryStatus = defaults.RetryStatus
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaults.PoolSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.PoolSize * 2,
		MaxIdleConnsPerHost:   opts.PoolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	c := &Client{
		opts:        opts,
		retryStatus: make(map[int]struct{}, len(opts.RetryStatus)),
	}
	for _, code := range opts.RetryStatus {
		c.retryStatus[code] = struct{}{}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.BackoffFactor
	rc.RetryWaitMax = opts.MaxBackoff
	rc.CheckRetry = c.checkRetry
	rc.Backoff = exponentialBackoff
	rc.ErrorHandler = giveUp
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 && opts.OnRetry != nil {
			opts.OnRetry(req.URL.String(), attempt)
		}
	}
	c.client = rc

	return c
}

// Get fetches url and returns the open body. Non-retryable statuses fail
// immediately; retryable ones and connection errors are retried up to the limit.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, Attempts: 1}
	}

	return &Response{
		Body:          newStallReader(resp.Body, c.opts.Timeout, cancel),
		ContentLength: resp.ContentLength,
	}, nil
}

// checkRetry retries connection errors and the configured status codes of idempotent requests.
func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.Request != nil && !idempotent(resp.Request.Method) {
		return false, nil
	}
	_, retry := c.retryStatus[resp.StatusCode]
	return retry, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// exponentialBackoff waits min * 2^attempt, capped at max. Retry-After on 429/503 wins when present.
func exponentialBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
				wait := time.Duration(secs) * time.Second
				if wait > max {
					wait = max
				}
				return wait
			}
		}
	}

	if attempt > 30 {
		return max
	}
	wait := min * time.Duration(1<<uint(attempt))
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

// giveUp converts an exhausted retry loop into a typed error.
func giveUp(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if err == nil {
			return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, &StatusError{
				Code:     resp.StatusCode,
				Status:   resp.Status,
				Attempts: numTries,
			})
		}
	}
	if err == nil {
		return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, numTries)
	}
	if numTries <= 1 {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, numTries, err)
}

// stallReader cancels the request when no bytes arrive within timeout.
type stallReader struct {
	body      io.ReadCloser
	timeout   time.Duration
	timer     *time.Timer
	cancel    context.CancelFunc
	once      sync.Once
	stallOnce sync.Once
	stalled   chan struct{}
}

func newStallReader(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallReader {
	r := &stallReader{
		body:    body,
		timeout: timeout,
		cancel:  cancel,
		stalled: make(chan struct{}),
	}
	r.timer = time.AfterFunc(timeout, func() {
		r.stallOnce.Do(func() { close(r.stalled) })
		cancel()
	})
	return r
}

func (r *stallReader) Read(p []byte) (int, error) {
	if r.isStalled() {
		return 0, r.stallErr()
	}
	n, err := r.body.Read(p)
	// A stalled stream is never re-armed, even if buffered bytes arrive late.
	if r.isStalled() {
		return n, r.stallErr()
	}
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *stallReader) isStalled() bool {
	select {
	case <-r.stalled:
		return true
	default:
		return false
	}
}

func (r *stallReader) stallErr() error {
	return fmt.Errorf("%w: no data for %s", ErrStalled, r.timeout)
}

func (r *stallReader) Close() error {
	var err error
	r.once.Do(func() {
		r.timer.Stop()
		err = r.body.Close()
		r.cancel()
	})
	return err
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
