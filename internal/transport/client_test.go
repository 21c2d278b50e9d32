package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxRetries = 3
	opts.BackoffFactor = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

func TestGet(t *testing.T) {
	var userAgent, accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		w.Write([]byte("archive bytes"))
	}))
	defer server.Close()

	client := NewClient(testOptions(), zaptest.NewLogger(t))
	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(body))
	assert.Equal(t, int64(len("archive bytes")), resp.ContentLength)
	assert.Contains(t, userAgent, "tarharvest")
	assert.Equal(t, "application/octet-stream", accept)
}

func TestGetRetriesTransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if hits.Add(1) < 3 {
					w.WriteHeader(code)
					return
				}
				w.Write([]byte("ok"))
			}))
			defer server.Close()

			var retries atomic.Int32
			opts := testOptions()
			opts.OnRetry = func(string, int) { retries.Add(1) }

			client := NewClient(opts, zaptest.NewLogger(t))
			resp, err := client.Get(context.Background(), server.URL)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, int32(3), hits.Load())
			assert.Equal(t, int32(2), retries.Load())
		})
	}
}

func TestGetNotFoundIsFatal(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(testOptions(), zaptest.NewLogger(t))
	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrRetriesExhausted))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.False(t, statusErr.Temporary())
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testOptions(), zaptest.NewLogger(t))
	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, 4, statusErr.Attempts)
	assert.True(t, statusErr.Temporary())
	assert.Equal(t, int32(4), hits.Load())
}

func TestGetConnectionErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(testOptions(), zaptest.NewLogger(t))
	_, err := client.Get(context.Background(), url)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
}

func TestGetContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions()
	opts.BackoffFactor = time.Second
	opts.MaxBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(opts, zaptest.NewLogger(t))
	_, err := client.Get(ctx, server.URL)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestStalledBodyFails(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond

	client := NewClient(opts, zaptest.NewLogger(t))
	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	assert.True(t, errors.Is(err, ErrStalled), "got %v", err)
}

type endlessBody struct{}

func (endlessBody) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (endlessBody) Close() error { return nil }

func TestStallReaderNotRearmedAfterSlowConsumer(t *testing.T) {
	var cancelled atomic.Int32
	r := newStallReader(endlessBody{}, 20*time.Millisecond, func() { cancelled.Add(1) })
	defer r.Close()

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	// consumer slower than the timeout while the body still has data
	time.Sleep(80 * time.Millisecond)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrStalled)

	time.Sleep(80 * time.Millisecond)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrStalled)
	assert.GreaterOrEqual(t, cancelled.Load(), int32(1))
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, time.Second, exponentialBackoff(time.Second, time.Minute, 0, nil))
	assert.Equal(t, 2*time.Second, exponentialBackoff(time.Second, time.Minute, 1, nil))
	assert.Equal(t, 8*time.Second, exponentialBackoff(time.Second, time.Minute, 3, nil))
	assert.Equal(t, time.Minute, exponentialBackoff(time.Second, time.Minute, 10, nil))
	assert.Equal(t, time.Minute, exponentialBackoff(time.Second, time.Minute, 64, nil))

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, exponentialBackoff(time.Second, time.Minute, 0, resp))

	resp.Header.Set("Retry-After", "600")
	assert.Equal(t, time.Minute, exponentialBackoff(time.Second, time.Minute, 0, resp))
}
