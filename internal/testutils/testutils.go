// Package testutils provides archive and image fixtures for tests.
package testutils

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// TarEntry describes one archive member.
type TarEntry struct {
	Name     string
	Data     []byte
	Typeflag byte   // defaults to tar.TypeReg
	Linkname string // for symlinks
}

// BuildTar writes entries into an in-memory tar archive.
func BuildTar(t *testing.T, entries []TarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typeflag := e.Typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typeflag,
			Linkname: e.Linkname,
			Mode:     0o644,
		}
		if typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Data))
		}
		if typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", e.Name, err)
		}
		if typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Data); err != nil {
				t.Fatalf("write tar entry %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// Gzip compresses data.
func Gzip(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// PNG encodes a w x h RGBA image with a gradient and partial transparency.
func PNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 20), B: 128, A: uint8(128 + x)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// ArchiveServer serves {id}.tar archives from memory and 404s everything else.
// It counts requests per path.
type ArchiveServer struct {
	*httptest.Server

	mu       sync.Mutex
	archives map[string][]byte
	hits     map[string]int
}

// StartArchiveServer starts a server for the given id -> archive map.
func StartArchiveServer(t *testing.T, archives map[string][]byte) *ArchiveServer {
	t.Helper()

	s := &ArchiveServer{
		archives: archives,
		hits:     make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".tar")

		s.mu.Lock()
		s.hits[id]++
		data, ok := s.archives[id]
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// Hits returns how many times id was requested.
func (s *ArchiveServer) Hits(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[id]
}

// TotalHits returns the number of requests served.
func (s *ArchiveServer) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}
