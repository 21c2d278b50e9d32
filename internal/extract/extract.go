package extract

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"tarharvest/internal/item"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ErrExtraction marks failures that abort extraction of a whole archive
var ErrExtraction = errors.New("extraction failed")

var errTooLarge = errors.New("image exceeds pixel budget")

// Options configures image normalization
type Options struct {
	// Size is the width and height of normalized images
	Size int
	// Quality is the JPEG quality used when re-encoding
	Quality int
	// MaxPixels bounds the declared dimensions of images that are decoded.
	// Larger images are copied raw. Zero disables the check.
	MaxPixels int
	// Filter is the resampling filter
	Filter imaging.ResampleFilter
}

// DefaultOptions returns 256x256 Lanczos at quality 95
func DefaultOptions() Options {
	return Options{
		Size:      256,
		Quality:   95,
		MaxPixels: 1 << 26,
		Filter:    imaging.Lanczos,
	}
}

// Report tallies how the entries of one archive were handled
type Report struct {
	Images   int // decoded, normalized and re-encoded
	Raw      int // written byte-for-byte
	Rejected int // unsafe paths
	Skipped  int // directories, links and other non-regular entries
}

// Processor extracts item archives and normalizes their images
type Processor struct {
	opts   Options
	logger *zap.Logger
}

// NewProcessor creates a processor
func NewProcessor(opts Options, logger *zap.Logger) *Processor {
	defaults := DefaultOptions()
	if opts.Size <= 0 {
		opts.Size = defaults.Size
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = defaults.Quality
	}
	return &Processor{opts: opts, logger: logger}
}

// Extract unpacks archivePath into outputRoot/itemID
func (p *Processor) Extract(ctx context.Context, itemID, archivePath, outputRoot string) (Report, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Report{}, fmt.Errorf("%w: open archive: %w", ErrExtraction, err)
	}
	defer f.Close()

	return p.ExtractReader(ctx, itemID, f, outputRoot)
}

// ExtractReader unpacks a tar stream into outputRoot/itemID. Errors reading the
// archive abort the item; a bad image entry only falls back to a raw copy.
func (p *Processor) ExtractReader(ctx context.Context, itemID string, r io.Reader, outputRoot string) (Report, error) {
	var report Report
	logger := p.logger.With(zap.String("item_id", itemID))

	destDir := filepath.Join(outputRoot, itemID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return report, fmt.Errorf("%w: create output directory: %w", ErrExtraction, err)
	}

	stream, closeStream, err := decompress(r)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	defer closeStream()

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, fmt.Errorf("%w: read header: %w", ErrExtraction, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			report.Skipped++
			continue
		}

		dest, ok := entryPath(destDir, hdr.Name)
		if !ok {
			report.Rejected++
			logger.Warn("Rejected unsafe archive entry", zap.String("entry", hdr.Name))
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return report, fmt.Errorf("%w: read entry %s: %w", ErrExtraction, hdr.Name, err)
		}

		converted, err := p.writeEntry(dest, data)
		if err != nil {
			return report, fmt.Errorf("%w: write entry %s: %w", ErrExtraction, hdr.Name, err)
		}
		if converted {
			report.Images++
		} else {
			report.Raw++
		}
	}

	logger.Debug("Archive extracted",
		zap.Int("images", report.Images),
		zap.Int("raw", report.Raw),
		zap.Int("rejected", report.Rejected),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// writeEntry stores a normalized image, or the original bytes when the entry
// is not a decodable image or the converted copy cannot be written.
func (p *Processor) writeEntry(dest string, data []byte) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}

	if encoded, err := p.normalize(data); err == nil {
		if err := os.WriteFile(dest, encoded, 0o644); err == nil {
			return true, nil
		}
	}

	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return false, err
	}
	return false, nil
}

// normalize decodes an image, drops alpha, resizes it to a square canvas and re-encodes it as JPEG
func (p *Processor) normalize(data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if p.opts.MaxPixels > 0 && cfg.Width*cfg.Height > p.opts.MaxPixels {
		return nil, errTooLarge
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	resized := imaging.Resize(rgb, p.opts.Size, p.opts.Size, p.opts.Filter)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(p.opts.Quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ustarMagicOffset is where POSIX and GNU tar headers carry "ustar".
const ustarMagicOffset = 257

// decompress detects gzip, zstd and bzip2 streams by magic bytes. A block that
// already carries a tar header is read as plain tar, as is anything unrecognized.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, _ := br.Peek(512)
	if len(head) == 0 {
		return nil, nil, errors.New("empty archive")
	}
	if isTarHeader(head) {
		return br, func() {}, nil
	}

	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case len(head) >= 4 && bytes.Equal(head[:4], zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	case len(head) >= 4 && string(head[:3]) == "BZh" && head[3] >= '1' && head[3] <= '9':
		return bzip2.NewReader(br), func() {}, nil
	default:
		return br, func() {}, nil
	}
}

func isTarHeader(head []byte) bool {
	if len(head) < ustarMagicOffset+5 {
		return false
	}
	return string(head[ustarMagicOffset:ustarMagicOffset+5]) == "ustar"
}

// entryPath resolves an archive member name under destDir. Absolute names,
// names that climb out of destDir, and names that would replace the
// completion marker are refused.
func entryPath(destDir, name string) (string, bool) {
	local := filepath.FromSlash(name)
	if local == "" || filepath.IsAbs(local) || !filepath.IsLocal(local) {
		return "", false
	}

	clean := filepath.Clean(local)
	if clean == "." || clean == item.MarkerName {
		return "", false
	}
	return filepath.Join(destDir, clean), true
}
