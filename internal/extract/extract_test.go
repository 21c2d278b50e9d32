package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"tarharvest/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProcessor(t *testing.T) *Processor {
	return NewProcessor(DefaultOptions(), zaptest.NewLogger(t))
}

func extractBytes(t *testing.T, p *Processor, itemID string, archive []byte, root string) (Report, error) {
	t.Helper()
	path := filepath.Join(root, itemID+".tar")
	require.NoError(t, os.WriteFile(path, archive, 0o644))
	return p.Extract(context.Background(), itemID, path, root)
}

func TestExtractNormalizesImagesAndCopiesRaw(t *testing.T) {
	root := t.TempDir()
	text := []byte("label: tabby cat\n")
	archive := testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "n001_1.JPEG", Data: testutils.PNG(t, 10, 10)},
		{Name: "notes/readme.txt", Data: text},
	})

	report, err := extractBytes(t, newTestProcessor(t), "n001", archive, root)
	require.NoError(t, err)
	assert.Equal(t, Report{Images: 1, Raw: 1}, report)

	data, err := os.ReadFile(filepath.Join(root, "n001", "n001_1.JPEG"))
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())

	copied, err := os.ReadFile(filepath.Join(root, "n001", "notes", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, copied)
}

func TestExtractRawFallbackIsByteIdentical(t *testing.T) {
	root := t.TempDir()
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	corrupt := append([]byte("\x89PNG\r\n\x1a\n"), []byte("not really a png")...)

	archive := testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "blob.bin", Data: payload},
		{Name: "broken.png", Data: corrupt},
		{Name: "empty.dat", Data: nil},
	})

	report, err := extractBytes(t, newTestProcessor(t), "n001", archive, root)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Raw)
	assert.Equal(t, 0, report.Images)

	for name, want := range map[string][]byte{"blob.bin": payload, "broken.png": corrupt, "empty.dat": {}} {
		got, err := os.ReadFile(filepath.Join(root, "n001", name))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(want, got), "%s differs after extraction", name)
	}
}

func TestExtractRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	outputRoot := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outputRoot, 0o755))

	archive := testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "../escape.txt", Data: []byte("evil")},
		{Name: "a/../../escape2.txt", Data: []byte("evil")},
		{Name: "/tmp/absolute.txt", Data: []byte("evil")},
		{Name: ".download_complete", Data: []byte("forged")},
		{Name: "ok/inside.txt", Data: []byte("fine")},
		{Name: "a/../kept.txt", Data: []byte("fine")},
	})

	report, err := extractBytes(t, newTestProcessor(t), "n001", archive, outputRoot)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Rejected)
	assert.Equal(t, 2, report.Raw)

	assert.NoFileExists(t, filepath.Join(outputRoot, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(root, "escape2.txt"))
	assert.NoFileExists(t, filepath.Join(outputRoot, "n001", ".download_complete"))
	assert.FileExists(t, filepath.Join(outputRoot, "n001", "ok", "inside.txt"))
	assert.FileExists(t, filepath.Join(outputRoot, "n001", "kept.txt"))
}

func TestExtractSkipsNonRegularEntries(t *testing.T) {
	root := t.TempDir()
	archive := testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "dir/", Typeflag: tar.TypeDir},
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
		{Name: "dir/file.txt", Data: []byte("x")},
	})

	report, err := extractBytes(t, newTestProcessor(t), "n001", archive, root)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Raw)

	_, err = os.Lstat(filepath.Join(root, "n001", "link"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractGzipArchive(t *testing.T) {
	root := t.TempDir()
	archive := testutils.Gzip(t, testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "img.png", Data: testutils.PNG(t, 4, 6)},
	}))

	report, err := extractBytes(t, newTestProcessor(t), "n001", archive, root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Images)

	f, err := os.Open(filepath.Join(root, "n001", "img.png"))
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 256, cfg.Height)
}

func TestExtractPlainTarWithCompressionLikeName(t *testing.T) {
	for _, name := range []string{"BZh_notes.txt", "BZh91AY&SY.txt", "\x1f\x8b.bin"} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			archive := testutils.BuildTar(t, []testutils.TarEntry{
				{Name: name, Data: []byte("plain tar payload")},
			})

			report, err := extractBytes(t, newTestProcessor(t), "n001", archive, root)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Raw)

			data, err := os.ReadFile(filepath.Join(root, "n001", name))
			require.NoError(t, err)
			assert.Equal(t, "plain tar payload", string(data))
		})
	}
}

func TestIsTarHeader(t *testing.T) {
	archive := testutils.BuildTar(t, []testutils.TarEntry{{Name: "a.txt", Data: []byte("a")}})
	assert.True(t, isTarHeader(archive[:512]))
	assert.False(t, isTarHeader([]byte("BZh91AY&SY")))
	assert.False(t, isTarHeader(make([]byte, 512)))
}

func TestExtractCorruptArchiveFails(t *testing.T) {
	root := t.TempDir()
	archive := testutils.BuildTar(t, []testutils.TarEntry{
		{Name: "first.txt", Data: bytes.Repeat([]byte("a"), 2048)},
		{Name: "second.txt", Data: bytes.Repeat([]byte("b"), 2048)},
	})

	// Cut the archive inside the second entry.
	_, err := extractBytes(t, newTestProcessor(t), "n001", archive[:512*6], root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtraction))

	_, err = extractBytes(t, newTestProcessor(t), "n002", []byte("this is not a tar archive at all, just some text padding it out"), root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtraction))

	_, err = extractBytes(t, newTestProcessor(t), "n003", nil, root)
	assert.True(t, errors.Is(err, ErrExtraction))
}

func TestExtractMissingArchive(t *testing.T) {
	_, err := newTestProcessor(t).Extract(context.Background(), "n001", filepath.Join(t.TempDir(), "missing.tar"), t.TempDir())
	assert.True(t, errors.Is(err, ErrExtraction))
}

func TestExtractOversizedImageCopiedRaw(t *testing.T) {
	root := t.TempDir()
	opts := DefaultOptions()
	opts.MaxPixels = 50
	p := NewProcessor(opts, zaptest.NewLogger(t))

	src := testutils.PNG(t, 10, 10)
	archive := testutils.BuildTar(t, []testutils.TarEntry{{Name: "big.png", Data: src}})

	report, err := extractBytes(t, p, "n001", archive, root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Raw)

	got, err := os.ReadFile(filepath.Join(root, "n001", "big.png"))
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestEntryPath(t *testing.T) {
	dest := filepath.Join("out", "n001")
	tests := []struct {
		name string
		ok   bool
	}{
		{"a.jpg", true},
		{"sub/a.jpg", true},
		{"./a.jpg", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../a.jpg", false},
		{"sub/../../a.jpg", false},
		{"/abs.jpg", false},
		{".download_complete", false},
		{"sub/.download_complete", true},
	}
	for _, tt := range tests {
		_, ok := entryPath(dest, tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
	}
}
