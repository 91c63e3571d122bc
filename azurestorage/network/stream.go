package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// RouterState ...
type RouterState int

// The states of a StreamRouter.
const (
	AwaitingHead RouterState = iota
	Forwarding
	Buffering
	Finished
	Failed
)

func (s RouterState) String() string {
	switch s {
	case AwaitingHead:
		return "awaiting head"
	case Forwarding:
		return "forwarding"
	case Buffering:
		return "buffering"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrSinkAttached is returned when a second sink is attached to a router.
var ErrSinkAttached = errors.New("a sink is already attached")

// ResponseHead is the subset of the response head callers get before the body.
type ResponseHead struct {
	StatusCode    int
	ContentType   string
	ContentRange  string
	ETag          string
	LastModified  string
	AcceptRanges  string
	ContentLength int64
}

// Header returns the head as response headers, skipping empty values.
func (h ResponseHead) Header() http.Header {
	header := http.Header{}
	set := func(name, value string) {
		if value != "" {
			header.Set(name, value)
		}
	}
	set("Content-Type", h.ContentType)
	set("Content-Range", h.ContentRange)
	set("ETag", h.ETag)
	set("Last-Modified", h.LastModified)
	set("Accept-Ranges", h.AcceptRanges)
	if h.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(h.ContentLength, 10))
	}
	return header
}

func newResponseHead(statusCode int, header http.Header) ResponseHead {
	contentLength := int64(-1)
	if v := header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			contentLength = n
		}
	}
	return ResponseHead{
		StatusCode:    statusCode,
		ContentType:   header.Get("Content-Type"),
		ContentRange:  header.Get("Content-Range"),
		ETag:          header.Get("ETag"),
		LastModified:  header.Get("Last-Modified"),
		AcceptRanges:  header.Get("Accept-Ranges"),
		ContentLength: contentLength,
	}
}

// ErrorTranslator turns a buffered error response into an error.
type ErrorTranslator func(statusCode int, body []byte) error

func defaultErrorTranslator(statusCode int, body []byte) error {
	return fmt.Errorf("HTTP %d: %s", statusCode, body)
}

// StreamRouter is a ResponseDelegate that forwards a successful response body
// to a Sink and buffers an unsuccessful one, so a sink never sees a byte of a
// response that turns into an error.
//
// The sink may be attached at any time. Body parts that arrive before it are
// kept in memory and written ahead of later parts.
type StreamRouter struct {
	translate ErrorTranslator
	logger    log.Logger

	mu           sync.Mutex
	state        RouterState
	head         ResponseHead
	err          error
	sink         Sink
	pending      [][]byte
	buffer       bytes.Buffer
	awaitingSink bool
	headClosed   bool
	headReady    chan struct{}
	done         chan struct{}
}

// NewStreamRouter creates a router in the AwaitingHead state. translate may be
// nil, unsuccessful responses then fail with their status and raw body.
func NewStreamRouter(translate ErrorTranslator, logger log.Logger) *StreamRouter {
	if translate == nil {
		translate = defaultErrorTranslator
	}
	return &StreamRouter{
		translate: translate,
		logger:    logger,
		state:     AwaitingHead,
		headReady: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State ...
func (r *StreamRouter) State() RouterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WaitHead blocks until a successful head arrived or the exchange ended.
// For an unsuccessful response it returns the translated error once the
// error body has been read.
func (r *StreamRouter) WaitHead(ctx context.Context) (ResponseHead, error) {
	select {
	case <-r.headReady:
	case <-ctx.Done():
		return ResponseHead{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, r.err
}

// Wait blocks until the body has been fully delivered to the sink, or the exchange failed.
func (r *StreamRouter) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Attach sets the destination of the body. When the body has already been
// read completely, the kept parts are written to sink before Attach returns.
func (r *StreamRouter) Attach(sink Sink) error {
	r.mu.Lock()
	if r.sink != nil {
		r.mu.Unlock()
		return ErrSinkAttached
	}
	r.sink = sink

	switch {
	case r.state == Failed, r.state == Finished && !r.awaitingSink:
		err := r.err
		r.mu.Unlock()
		r.closeSink(sink, err)
		return nil
	case r.awaitingSink:
		r.awaitingSink = false
		pending := r.takePendingLocked()
		r.mu.Unlock()
		r.deliverAndClose(sink, pending)
		return nil
	default:
		r.mu.Unlock()
		return nil
	}
}

// DidReceiveHead ...
func (r *StreamRouter) DidReceiveHead(statusCode int, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != AwaitingHead {
		return fmt.Errorf("unexpected response head while %s", r.state)
	}

	r.head = newResponseHead(statusCode, header)
	if statusCode >= 200 && statusCode < 300 {
		r.state = Forwarding
		r.closeHeadLocked()
		return nil
	}

	r.state = Buffering
	return nil
}

// DidReceiveBodyPart ...
func (r *StreamRouter) DidReceiveBodyPart(part []byte) error {
	r.mu.Lock()
	switch r.state {
	case Buffering:
		r.buffer.Write(part)
		r.mu.Unlock()
		return nil
	case Forwarding:
		if r.sink == nil {
			r.pending = append(r.pending, part)
			r.mu.Unlock()
			return nil
		}
		sink := r.sink
		parts := append(r.takePendingLocked(), part)
		r.mu.Unlock()
		return writeParts(sink, parts)
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("unexpected body part while %s", state)
	}
}

// DidFinishRequest ...
func (r *StreamRouter) DidFinishRequest() {
	r.mu.Lock()
	switch r.state {
	case Buffering:
		r.state = Finished
		r.err = r.translate(r.head.StatusCode, r.buffer.Bytes())
		r.closeHeadLocked()
		sink, err := r.sink, r.err
		r.mu.Unlock()
		if sink != nil {
			r.closeSink(sink, err)
		}
		close(r.done)
	case Forwarding:
		r.state = Finished
		if r.sink == nil {
			r.awaitingSink = true
			r.mu.Unlock()
			return
		}
		sink := r.sink
		pending := r.takePendingLocked()
		r.mu.Unlock()
		r.deliverAndClose(sink, pending)
	default:
		r.mu.Unlock()
	}
}

// DidReceiveError moves the router to Failed, propagates err to the sink and
// releases every waiter.
func (r *StreamRouter) DidReceiveError(err error) {
	r.mu.Lock()
	if r.state == Finished || r.state == Failed {
		r.mu.Unlock()
		return
	}
	r.state = Failed
	r.err = err
	r.pending = nil
	r.closeHeadLocked()
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		r.closeSink(sink, err)
	}
	close(r.done)
}

func (r *StreamRouter) deliverAndClose(sink Sink, parts [][]byte) {
	err := writeParts(sink, parts)
	if err != nil {
		r.mu.Lock()
		r.state = Failed
		r.err = err
		r.mu.Unlock()
	}
	r.closeSink(sink, err)
	close(r.done)
}

func (r *StreamRouter) closeSink(sink Sink, err error) {
	if cerr := sink.CloseWithError(err); cerr != nil {
		r.logger.Warnf("failed to close stream sink: %s", cerr)
	}
}

func (r *StreamRouter) closeHeadLocked() {
	if !r.headClosed {
		r.headClosed = true
		close(r.headReady)
	}
}

func (r *StreamRouter) takePendingLocked() [][]byte {
	pending := r.pending
	r.pending = nil
	return pending
}

func writeParts(sink Sink, parts [][]byte) error {
	for _, part := range parts {
		if _, err := sink.Write(part); err != nil {
			return err
		}
	}
	return nil
}

// ResponseWriterSink forwards a body to an http.ResponseWriter, flushing after
// every write when the writer supports it.
type ResponseWriterSink struct {
	w http.ResponseWriter
}

// NewResponseWriterSink ...
func NewResponseWriterSink(w http.ResponseWriter) *ResponseWriterSink {
	return &ResponseWriterSink{w: w}
}

func (s *ResponseWriterSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.flush()
	return n, err
}

// CloseWithError flushes what is left. The response itself is finished by
// the handler returning.
func (s *ResponseWriterSink) CloseWithError(error) error {
	s.flush()
	return nil
}

func (s *ResponseWriterSink) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
