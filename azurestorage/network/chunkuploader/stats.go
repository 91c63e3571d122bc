package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks staged blocks for hung detection and reporting.
type Stats struct {
	mu       sync.Mutex
	staged   int64
	bytes    int64
	duration time.Duration
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records a staged block of size bytes that took d.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged++
	s.bytes += size
	s.duration += d
}

// Average returns the mean stage duration, 0 before the first block finished.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == 0 {
		return 0
	}
	return s.duration / time.Duration(s.staged)
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}

// Bytes returns the number of bytes staged so far.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
