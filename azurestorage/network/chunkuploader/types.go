// Package chunkuploader stages the blocks of a block blob in parallel.
// Block IDs are collected in source order, whatever order the stage requests
// finish in, so the block list committed afterwards reproduces the source.
package chunkuploader

import (
	"context"
	"io"
)

// ChunkProvider provides the content of consecutive blocks.
// Implementations can read from files or memory buffers.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the content of the chunk at the given index.
	// It may be called more than once for the same index when a stage is retried.
	GetChunk(index int) (io.ReadSeeker, error)
}

// StageFunc sends one block to the service under blockID.
type StageFunc func(ctx context.Context, blockID string, body io.ReadSeeker, size int64) error

// ChunkResult represents the result of staging a single chunk.
type ChunkResult struct {
	Index   int
	BlockID string
	Err     error
}

// UploadResult holds the staged block IDs in source order.
type UploadResult struct {
	BlockIDs []string
	Bytes    int64
}
