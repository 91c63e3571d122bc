// Package compression compresses blob content with zstd before upload and
// restores it after download.
package compression

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
)

// ContentEncoding is stored as the blob's content encoding when it is uploaded compressed.
const ContentEncoding = "zstd"

// Compressor ...
type Compressor struct {
	logger log.Logger
}

// NewCompressor ...
func NewCompressor(logger log.Logger) *Compressor {
	return &Compressor{logger: logger}
}

// CompressFile writes the zstd compressed content of src to dst.
func (c *Compressor) CompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer c.closeFile(in)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(out)
	if err != nil {
		c.closeFile(out)
		return fmt.Errorf("create zstd writer: %w", err)
	}

	written, err := io.Copy(zstdWriter, in)
	if err != nil {
		zstdWriter.Close() //nolint:errcheck
		c.closeFile(out)
		return fmt.Errorf("compress file: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		c.closeFile(out)
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close compressed file: %w", err)
	}

	if info, err := os.Stat(dst); err == nil {
		c.logger.Debugf("Compressed %s to %s", units.HumanSize(float64(written)), units.HumanSize(float64(info.Size())))
	}

	return nil
}

// DecompressFile writes the decompressed content of the zstd stream in src to dst.
func (c *Compressor) DecompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open compressed file: %w", err)
	}
	defer c.closeFile(in)

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if _, err := io.Copy(out, zr); err != nil {
		c.closeFile(out)
		return fmt.Errorf("decompress file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	return nil
}

func (c *Compressor) closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		c.logger.Warnf("failed to close %s: %s", f.Name(), err)
	}
}
