package chunkuploader

import (
	"crypto/rand"
	"io"
	"runtime"
	"time"

	"github.com/docker/go-units"
)

const (
	// DefaultBlockSize is used when the caller does not pick a block size.
	DefaultBlockSize = 4 * units.MiB

	// MaxBlockSize is the largest block the service accepts.
	MaxBlockSize = 100 * units.MiB

	// MaxBlocks is the largest number of blocks a committed blob may consist of.
	MaxBlocks = 50000
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of blocks staged at the same time.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerChunk is the number of attempts per block.
	// Default: 1, a failed stage aborts the upload.
	MaxRetryPerChunk int

	// HungThreshold is the duration after which a stage request is cancelled
	// and retried if it exceeds the average stage time by this amount.
	// Only used when MaxRetryPerChunk > 1.
	HungThreshold time.Duration

	// Random is the entropy source of block IDs. Default: crypto/rand.Reader
	Random io.Reader
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 1,
		HungThreshold:    30 * time.Second,
		Random:           rand.Reader,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// BlockSizeFor returns the block size to use for a blob of totalSize bytes.
// requested is honoured unless the blob would not fit into MaxBlocks blocks.
func BlockSizeFor(totalSize, requested int64) int64 {
	size := requested
	if size <= 0 {
		size = DefaultBlockSize
	}

	if minSize := (totalSize + MaxBlocks - 1) / MaxBlocks; size < minSize {
		size = minSize
	}

	if size > MaxBlockSize {
		size = MaxBlockSize
	}

	return size
}
