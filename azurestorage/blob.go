package azurestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"

	"github.com/bitrise-io/go-azurestorage/azurestorage/compression"
	"github.com/bitrise-io/go-azurestorage/azurestorage/network"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// BlobService reads, writes and lists blobs.
type BlobService struct {
	client *Client
}

// BlobStream is an open download. Body must be closed, closing it early
// aborts the transfer.
type BlobStream struct {
	network.ResponseHead
	Body io.ReadCloser
}

// StreamOptions ...
type StreamOptions struct {
	// Range is an HTTP byte range such as bytes=0-1023. Empty reads the whole blob.
	Range string
}

// StreamToOptions ...
type StreamToOptions struct {
	Range string
	// FileName, when set, is sent as an attachment Content-Disposition.
	FileName string
}

// DownloadParams ...
type DownloadParams struct {
	Container string
	Blob      string
	Path      string
	// MaxInFlightWrites defaults to network.DefaultMaxInFlightWrites.
	MaxInFlightWrites int
	// Decompress restores a blob that was uploaded with UploadFileParams.Compress.
	Decompress bool
}

// ParallelDownloadParams ...
type ParallelDownloadParams struct {
	Container   string
	Blob        string
	Path        string
	Concurrency uint
}

// List returns every blob of the container, following continuation markers.
func (s *BlobService) List(ctx context.Context, container string) ([]Blob, error) {
	var blobs []Blob
	marker := ""
	for {
		query := url.Values{"restype": {"container"}, "comp": {"list"}}
		if marker != "" {
			query.Set("marker", marker)
		}

		u, err := resourceURL(s.client.config.BlobEndpoint, query, container)
		if err != nil {
			return nil, err
		}
		req, err := newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		var page blobEnumerationResults
		if _, err := s.client.send(req, &page, http.StatusOK); err != nil {
			return nil, &ContainerError{Op: "list blobs of", Container: container, Err: err}
		}
		for _, entity := range page.Blobs {
			blobs = append(blobs, newBlob(entity))
		}

		if page.NextMarker == "" {
			return blobs, nil
		}
		marker = page.NextMarker
	}
}

// Match returns the blobs of the container whose name matches the glob
// pattern. ** matches across path separators.
func (s *BlobService) Match(ctx context.Context, container, pattern string) ([]Blob, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, doublestar.ErrBadPattern)
	}

	blobs, err := s.List(ctx, container)
	if err != nil {
		return nil, err
	}

	var matches []Blob
	for _, blob := range blobs {
		ok, err := doublestar.Match(pattern, blob.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, blob)
		}
	}
	s.client.logger.Debugf("%d of %d blobs match %s", len(matches), len(blobs), pattern)
	return matches, nil
}

// Get reads the whole blob into memory.
func (s *BlobService) Get(ctx context.Context, container, blob string) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, container, blob, nil, nil)
	if err != nil {
		return nil, err
	}

	var body []byte
	if _, err := s.client.send(req, &body, http.StatusOK); err != nil {
		return nil, &BlobError{Op: "get", Container: container, Blob: blob, Err: err}
	}
	return body, nil
}

// Delete ...
func (s *BlobService) Delete(ctx context.Context, container, blob string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, container, blob, nil, nil)
	if err != nil {
		return err
	}

	if _, err := s.client.send(req, nil, http.StatusAccepted); err != nil {
		return &BlobError{Op: "delete", Container: container, Blob: blob, Err: err}
	}
	return nil
}

// Stream starts a download and returns once the response head arrived. The
// body is read from the network only as fast as the caller reads Body.
// An unsuccessful response is returned as an error, never as a body.
func (s *BlobService) Stream(ctx context.Context, container, blob string, opts StreamOptions) (*BlobStream, error) {
	req, err := s.newRequest(ctx, http.MethodGet, container, blob, nil, nil)
	if err != nil {
		return nil, err
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}

	router := network.NewStreamRouter(translateServiceError, s.client.logger)
	pr, pw := io.Pipe()
	if err := router.Attach(pw); err != nil {
		return nil, err
	}
	go s.client.executor.Execute(ctx, req, router)

	head, err := router.WaitHead(ctx)
	if err != nil {
		if cerr := pr.CloseWithError(err); cerr != nil {
			s.client.logger.Warnf("failed to close stream: %s", cerr)
		}
		return nil, &BlobError{Op: "stream", Container: container, Blob: blob, Err: err}
	}

	return &BlobStream{ResponseHead: head, Body: pr}, nil
}

// StreamTo writes the blob to w as an HTTP response. The status and headers
// are committed as soon as the service answered, the body follows as it
// arrives. Nothing is written to w when the service answered with an error.
func (s *BlobService) StreamTo(ctx context.Context, w http.ResponseWriter, container, blob string, opts StreamToOptions) error {
	req, err := s.newRequest(ctx, http.MethodGet, container, blob, nil, nil)
	if err != nil {
		return err
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}

	router := network.NewStreamRouter(translateServiceError, s.client.logger)
	go s.client.executor.Execute(ctx, req, router)

	head, err := router.WaitHead(ctx)
	if err != nil {
		// The exchange has to finish before w can be handed back.
		if aerr := router.Attach(discardSink{}); aerr != nil && !errors.Is(aerr, network.ErrSinkAttached) {
			s.client.logger.Warnf("failed to drain stream: %s", aerr)
		}
		if werr := router.Wait(context.Background()); werr != nil && !errors.Is(werr, err) {
			s.client.logger.Debugf("Stream ended: %s", werr)
		}
		return &BlobError{Op: "stream", Container: container, Blob: blob, Err: err}
	}

	for name, values := range head.Header() {
		w.Header()[name] = values
	}
	if opts.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": opts.FileName}))
	}
	w.WriteHeader(head.StatusCode)

	if err := router.Attach(network.NewResponseWriterSink(w)); err != nil {
		return err
	}
	if err := router.Wait(context.Background()); err != nil {
		return &BlobError{Op: "stream", Container: container, Blob: blob, Err: err}
	}
	return nil
}

// DownloadToFile writes the blob to params.Path and returns the number of
// bytes received. Body parts are written concurrently at their offsets, the
// file is closed only after every write finished.
func (s *BlobService) DownloadToFile(ctx context.Context, params DownloadParams) (int64, error) {
	dest := params.Path
	if params.Decompress {
		dest = params.Path + ".zst"
	}

	req, err := s.newRequest(ctx, http.MethodGet, params.Container, params.Blob, nil, nil)
	if err != nil {
		return 0, err
	}

	var written int64
	tracker := network.NewDownloadTracker(network.DownloadTrackerParams{
		FileIO:            s.client.fileIO,
		Path:              dest,
		MaxInFlightWrites: params.MaxInFlightWrites,
		Logger:            s.client.logger,
		OnComplete: func(n int64, _ error) {
			written = n
		},
	})
	s.client.executor.Execute(ctx, req, tracker)

	// The destination is closed asynchronously after the exchange ended.
	if err := tracker.Wait(context.Background()); err != nil {
		return written, &BlobError{Op: "download", Container: params.Container, Blob: params.Blob, Err: err}
	}

	if params.Decompress {
		defer s.removeFile(dest)
		if err := compression.NewCompressor(s.client.logger).DecompressFile(dest, params.Path); err != nil {
			return written, &BlobError{Op: "download", Container: params.Container, Blob: params.Blob, Err: err}
		}
	}

	s.client.logger.Debugf("Downloaded %s/%s (%s)", params.Container, params.Blob, units.HumanSize(float64(written)))
	return written, nil
}

// DownloadParallel downloads the blob with concurrent range requests. Every
// range request is signed on its own.
func (s *BlobService) DownloadParallel(ctx context.Context, params ParallelDownloadParams) error {
	u, err := resourceURL(s.client.config.BlobEndpoint, nil, params.Container, params.Blob)
	if err != nil {
		return err
	}

	client := s.client.httpClient.StandardClient()
	downloader := got.New()
	downloader.Client = client

	// NewDownload defaults to got's own client, which would skip signing.
	download := got.NewDownload(ctx, u.String(), params.Path)
	download.Client = client
	if params.Concurrency > 0 {
		download.Concurrency = params.Concurrency
	}

	if err := downloader.Do(download); err != nil {
		return &BlobError{Op: "download", Container: params.Container, Blob: params.Blob, Err: err}
	}
	return nil
}

func (s *BlobService) newRequest(ctx context.Context, method, container, blob string, query url.Values, body interface{}) (*retryablehttp.Request, error) {
	u, err := resourceURL(s.client.config.BlobEndpoint, query, container, blob)
	if err != nil {
		return nil, err
	}
	return newRequest(ctx, method, u, body)
}

func (s *BlobService) removeFile(path string) {
	if err := os.Remove(path); err != nil {
		s.client.logger.Warnf("failed to remove %s: %s", path, err)
	}
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) {
	return len(p), nil
}

func (discardSink) CloseWithError(error) error {
	return nil
}
