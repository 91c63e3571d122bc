package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileChunkProvider reads blocks from a file on disk.
// Safe for parallel chunk reads.
type FileChunkProvider struct {
	mu        sync.Mutex
	file      *os.File
	size      int64
	blockSize int64
	numChunks int
}

// NewFileChunkProvider splits the file at path into blocks of blockSize bytes,
// the last one holding the remainder. An empty file has no blocks.
func NewFileChunkProvider(path string, blockSize int64) (*FileChunkProvider, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		if cerr := file.Close(); cerr != nil {
			return nil, fmt.Errorf("stat file: %s, close file: %w", err, cerr)
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file:      file,
		size:      info.Size(),
		blockSize: blockSize,
		numChunks: int((info.Size() + blockSize - 1) / blockSize),
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// Size returns the size of the file.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.numChunks {
		return 0
	}
	if index == p.numChunks-1 {
		return p.size - int64(index)*p.blockSize
	}
	return p.blockSize
}

// GetChunk reads the chunk into memory so retries can rewind it.
func (p *FileChunkProvider) GetChunk(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	chunk := make([]byte, p.ChunkSize(index))
	offset := int64(index) * p.blockSize
	if _, err := p.file.ReadAt(chunk, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index+1, offset, err)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	return p.file.Close()
}

// ByteSliceChunkProvider provides blocks from in-memory slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider ...
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// SplitBytes cuts data into blocks of blockSize bytes.
func SplitBytes(data []byte, blockSize int) *ByteSliceChunkProvider {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := blockSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return NewByteSliceChunkProvider(chunks)
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk ...
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}
