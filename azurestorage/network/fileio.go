package network

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileIOConcurrency bounds the number of blocking file operations
// running at the same time.
const DefaultFileIOConcurrency = 4

// NonBlockingFileIO runs every file operation on its own goroutine, with at
// most a fixed number of them touching the disk at once.
type NonBlockingFileIO struct {
	sem chan struct{}
}

// NewNonBlockingFileIO ...
func NewNonBlockingFileIO(concurrency int) *NonBlockingFileIO {
	if concurrency < 1 {
		concurrency = DefaultFileIOConcurrency
	}
	return &NonBlockingFileIO{sem: make(chan struct{}, concurrency)}
}

// Open creates (or truncates) path for writing, creating missing parent directories.
func (f *NonBlockingFileIO) Open(path string, done func(FileHandle, error)) {
	go func() {
		file, err := f.open(path)
		if err != nil {
			done(nil, err)
			return
		}
		done(file, nil)
	}()
}

func (f *NonBlockingFileIO) open(path string) (*os.File, error) {
	f.sem <- struct{}{}
	defer func() { <-f.sem }()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// Write writes p at offset.
func (f *NonBlockingFileIO) Write(h FileHandle, p []byte, offset int64, done func(error)) {
	go func() {
		f.sem <- struct{}{}
		_, err := h.WriteAt(p, offset)
		<-f.sem
		done(err)
	}()
}

// Close ...
func (f *NonBlockingFileIO) Close(h FileHandle, done func(error)) {
	go func() {
		f.sem <- struct{}{}
		err := h.Close()
		<-f.sem
		done(err)
	}()
}
