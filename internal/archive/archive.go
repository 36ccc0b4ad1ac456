package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is the compression applied to an artifact.
type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
	FormatLZ4  Format = "lz4"
)

// TimestampLayout is the ISO-8601 basic form used in artifact names.
const TimestampLayout = "20060102T150405Z"

// ParseFormat returns the Format named by s. An empty string selects gzip.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatGzip:
		return FormatGzip, nil
	case FormatZstd:
		return FormatZstd, nil
	case FormatLZ4:
		return FormatLZ4, nil
	default:
		return "", fmt.Errorf("unsupported compression format: %s", s)
	}
}

// TarExtension is the extension of a compressed tar in this format.
func (f Format) TarExtension() string {
	switch f {
	case FormatZstd:
		return "tar.zst"
	case FormatLZ4:
		return "tar.lz4"
	default:
		return "tgz"
	}
}

// StreamExtension is the suffix of a single compressed stream in this format.
func (f Format) StreamExtension() string {
	switch f {
	case FormatZstd:
		return "zst"
	case FormatLZ4:
		return "lz4"
	default:
		return "gz"
	}
}

// NewWriter wraps w with the compressor for format. Closing the returned
// writer flushes the compressor but does not close w.
func NewWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatGzip, "":
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case FormatZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case FormatLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", format)
	}
}

// NewReader wraps r with the decompressor for format.
func NewReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatGzip, "":
		return gzip.NewReader(r)
	case FormatZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", format)
	}
}

// ArtifactName returns backup-<timestamp>.<ext> with the timestamp in UTC.
func ArtifactName(t time.Time, ext string) string {
	return fmt.Sprintf("backup-%s.%s", t.UTC().Format(TimestampLayout), strings.TrimPrefix(ext, "."))
}

// ArtifactPath returns the path of a new artifact in dir. When an artifact
// with the same timestamp already exists, plain or encrypted, suffix is
// appended to the timestamp: backup-<timestamp>-<suffix>.<ext>. Creation
// with CreateExclusive still rejects a name taken in between.
func ArtifactPath(dir string, t time.Time, ext, suffix string) string {
	path := filepath.Join(dir, ArtifactName(t, ext))
	if !taken(path) && !taken(path+EncryptedExtension) {
		return path
	}
	name := fmt.Sprintf("backup-%s-%s.%s", t.UTC().Format(TimestampLayout), suffix, strings.TrimPrefix(ext, "."))
	return filepath.Join(dir, name)
}

func taken(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CreateExclusive creates path for writing and fails if it already exists.
func CreateExclusive(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
}

// CompressedFile is an exclusively created artifact with a compressor on top.
// Close flushes the compressor, syncs, and closes the file.
type CompressedFile struct {
	io.Writer
	file       *os.File
	compressor io.WriteCloser
}

// CreateCompressed creates path exclusively and returns a compressing writer.
func CreateCompressed(path string, format Format) (*CompressedFile, error) {
	f, err := CreateExclusive(path)
	if err != nil {
		return nil, err
	}
	cw, err := NewWriter(f, format)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &CompressedFile{Writer: cw, file: f, compressor: cw}, nil
}

// Close finalizes the compressed stream and closes the file.
func (c *CompressedFile) Close() error {
	cerr := c.compressor.Close()
	serr := c.file.Sync()
	ferr := c.file.Close()
	switch {
	case cerr != nil:
		return fmt.Errorf("failed to finalize compressed stream: %w", cerr)
	case serr != nil:
		return serr
	default:
		return ferr
	}
}

// Discard closes the file and removes it. Used on failed dumps so a partial
// artifact is never left behind.
func (c *CompressedFile) Discard() {
	c.compressor.Close()
	c.file.Close()
	os.Remove(c.file.Name())
}
