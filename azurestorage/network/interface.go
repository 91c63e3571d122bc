package network

import (
	"io"
	"net/http"
)

// ResponseDelegate consumes the events of a single HTTP exchange.
// Executor.Execute calls DidReceiveHead once, DidReceiveBodyPart zero or more
// times in wire order, then exactly one of DidFinishRequest or DidReceiveError.
// An error returned from a callback aborts the exchange and is handed back
// through DidReceiveError.
type ResponseDelegate interface {
	DidReceiveHead(statusCode int, header http.Header) error
	// DidReceiveBodyPart takes ownership of part.
	DidReceiveBodyPart(part []byte) error
	DidFinishRequest()
	DidReceiveError(err error)
}

// Sink is the destination of a forwarded response body.
// *io.PipeWriter satisfies it.
type Sink interface {
	io.Writer
	// CloseWithError ends the stream; err is nil on a clean end of body.
	CloseWithError(err error) error
}

// FileHandle is an open destination file.
type FileHandle interface {
	io.WriterAt
	io.Closer
}

// FileIO opens, writes and closes files without blocking the caller.
// Each done callback is invoked exactly once, possibly on another goroutine,
// and writes issued on the same handle may complete in any order.
type FileIO interface {
	Open(path string, done func(FileHandle, error))
	Write(h FileHandle, p []byte, offset int64, done func(error))
	Close(h FileHandle, done func(error))
}
