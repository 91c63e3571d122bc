package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultMaxInFlightWrites bounds the writes a DownloadTracker keeps outstanding
// before it stops accepting body parts.
const DefaultMaxInFlightWrites = 8

// DownloadFailedError is returned when the response head is not 200 OK.
// No destination file is opened in that case.
type DownloadFailedError struct {
	StatusCode int
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("download failed with status code %d", e.StatusCode)
}

var errDownloadEnded = errors.New("download already ended")

// DownloadTrackerParams ...
type DownloadTrackerParams struct {
	FileIO FileIO
	Path   string
	// MaxInFlightWrites defaults to DefaultMaxInFlightWrites.
	MaxInFlightWrites int
	Logger            log.Logger
	// OnComplete is called exactly once, after the destination is closed or
	// when the download failed before it could be opened.
	OnComplete func(written int64, err error)
}

type taggedChunk struct {
	tag    uint64
	offset int64
	data   []byte
}

// DownloadTracker is a ResponseDelegate that writes a response body to a file.
//
// Every body part is tagged with an increasing sequence number and written at
// its own offset, so writes may complete in any order. Parts arriving before
// the file is open wait in a backlog and are written in arrival order once it
// opens. The file is closed, and OnComplete called, only after the body ended
// and every tag up to the last issued one has completed.
type DownloadTracker struct {
	fileIO     FileIO
	path       string
	logger     log.Logger
	onComplete func(int64, error)
	slots      chan struct{}

	mu               sync.Mutex
	handle           FileHandle
	opening          bool
	backlog          []taggedChunk
	nextOffset       int64
	lastIssued       uint64
	completedThrough uint64
	completedAhead   map[uint64]bool
	inFlight         int
	ended            bool
	err              error
	fired            bool
	written          int64

	result error
	done   chan struct{}
}

// NewDownloadTracker ...
func NewDownloadTracker(params DownloadTrackerParams) *DownloadTracker {
	maxInFlight := params.MaxInFlightWrites
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlightWrites
	}
	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &DownloadTracker{
		fileIO:         params.FileIO,
		path:           params.Path,
		logger:         logger,
		onComplete:     params.OnComplete,
		slots:          make(chan struct{}, maxInFlight),
		completedAhead: map[uint64]bool{},
		done:           make(chan struct{}),
	}
}

// Wait blocks until the download completed and returns its result.
func (t *DownloadTracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the download completed.
func (t *DownloadTracker) Done() <-chan struct{} {
	return t.done
}

// DidReceiveHead opens the destination for a 200 response and rejects any other status.
func (t *DownloadTracker) DidReceiveHead(statusCode int, _ http.Header) error {
	if statusCode != http.StatusOK {
		return &DownloadFailedError{StatusCode: statusCode}
	}

	t.mu.Lock()
	if t.handle != nil || t.opening || t.ended {
		t.mu.Unlock()
		return fmt.Errorf("unexpected response head")
	}
	t.opening = true
	t.mu.Unlock()

	t.fileIO.Open(t.path, t.didOpen)
	return nil
}

// DidReceiveBodyPart tags part and either writes it or queues it in the
// backlog. It blocks while the maximum number of writes are in flight.
func (t *DownloadTracker) DidReceiveBodyPart(part []byte) error {
	t.slots <- struct{}{}

	t.mu.Lock()
	if t.err != nil || t.ended {
		err := t.err
		t.mu.Unlock()
		<-t.slots
		if err == nil {
			err = errDownloadEnded
		}
		return err
	}

	t.lastIssued++
	chunk := taggedChunk{tag: t.lastIssued, offset: t.nextOffset, data: part}
	t.nextOffset += int64(len(part))

	if t.handle == nil {
		t.backlog = append(t.backlog, chunk)
		t.mu.Unlock()
		<-t.slots
		return nil
	}

	h := t.handle
	t.inFlight++
	t.mu.Unlock()

	t.write(h, chunk, true)
	return nil
}

// DidFinishRequest records the end of the body.
func (t *DownloadTracker) DidFinishRequest() {
	t.mu.Lock()
	t.ended = true
	t.logger.Debugf("Response body ended after %d parts (%s)", t.lastIssued, units.HumanSize(float64(t.nextOffset)))
	complete := t.completionLocked()
	t.mu.Unlock()

	complete()
}

// DidReceiveError stops issuing writes. The destination, if open, is closed
// once the writes already in flight have finished and err is reported.
func (t *DownloadTracker) DidReceiveError(err error) {
	t.mu.Lock()
	t.ended = true
	if t.err == nil {
		t.err = err
	}
	t.backlog = nil
	complete := t.completionLocked()
	t.mu.Unlock()

	complete()
}

func (t *DownloadTracker) didOpen(h FileHandle, err error) {
	t.mu.Lock()
	if err != nil {
		t.opening = false
		if t.err == nil {
			t.err = fmt.Errorf("open %s: %w", t.path, err)
		}
		t.ended = true
		t.backlog = nil
		complete := t.completionLocked()
		t.mu.Unlock()
		complete()
		return
	}

	// The handle stays unpublished until the backlog is drained, so parts
	// arriving meanwhile keep queueing behind it.
	for len(t.backlog) > 0 && t.err == nil {
		backlog := t.backlog
		t.backlog = nil
		t.inFlight += len(backlog)
		t.mu.Unlock()

		t.logger.Debugf("Writing %d backlogged parts", len(backlog))
		for _, chunk := range backlog {
			t.write(h, chunk, false)
		}

		t.mu.Lock()
	}

	t.backlog = nil
	t.handle = h
	t.opening = false
	complete := t.completionLocked()
	t.mu.Unlock()
	complete()
}

func (t *DownloadTracker) write(h FileHandle, chunk taggedChunk, holdsSlot bool) {
	t.fileIO.Write(h, chunk.data, chunk.offset, func(err error) {
		if holdsSlot {
			<-t.slots
		}
		t.didWrite(chunk, err)
	})
}

func (t *DownloadTracker) didWrite(chunk taggedChunk, err error) {
	t.mu.Lock()
	t.inFlight--
	if err != nil {
		if t.err == nil {
			t.err = fmt.Errorf("write part %d at offset %d: %w", chunk.tag, chunk.offset, err)
		}
	} else {
		t.written += int64(len(chunk.data))
		t.markCompletedLocked(chunk.tag)
	}
	complete := t.completionLocked()
	t.mu.Unlock()

	complete()
}

// markCompletedLocked advances the contiguous completed-through watermark.
// Tags completing ahead of it are remembered until the gap closes.
func (t *DownloadTracker) markCompletedLocked(tag uint64) {
	if tag != t.completedThrough+1 {
		t.completedAhead[tag] = true
		return
	}
	t.completedThrough = tag
	for t.completedAhead[t.completedThrough+1] {
		delete(t.completedAhead, t.completedThrough+1)
		t.completedThrough++
	}
}

// completionLocked decides whether the download is over and returns what has
// to run once the lock is released.
func (t *DownloadTracker) completionLocked() func() {
	if t.fired || t.opening {
		return func() {}
	}

	if t.err != nil {
		if t.inFlight > 0 {
			return func() {}
		}
		t.fired = true
		h, err := t.handle, t.err
		return func() {
			if h != nil {
				t.fileIO.Close(h, func(cerr error) {
					if cerr != nil {
						t.logger.Warnf("failed to close %s: %s", t.path, cerr)
					}
					t.finish(err)
				})
				return
			}
			t.finish(err)
		}
	}

	if !t.ended || t.handle == nil || len(t.backlog) > 0 || t.completedThrough != t.lastIssued {
		return func() {}
	}

	t.fired = true
	h := t.handle
	return func() {
		t.fileIO.Close(h, func(err error) {
			if err != nil {
				err = fmt.Errorf("close %s: %w", t.path, err)
			}
			t.finish(err)
		})
	}
}

func (t *DownloadTracker) finish(err error) {
	t.mu.Lock()
	written := t.written
	t.mu.Unlock()

	if err != nil {
		t.logger.Errorf("Download to %s failed: %s", t.path, err)
	} else {
		t.logger.Debugf("Download finished: %s written to %s", units.HumanSize(float64(written)), t.path)
	}

	t.result = err
	if t.onComplete != nil {
		t.onComplete(written, err)
	}
	close(t.done)
}
