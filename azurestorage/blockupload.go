package azurestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/bitrise-io/go-azurestorage/azurestorage/compression"
	"github.com/bitrise-io/go-azurestorage/azurestorage/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/docker/go-units"
)

const (
	blobContentTypeHeader     = "x-ms-blob-content-type"
	blobContentEncodingHeader = "x-ms-blob-content-encoding"

	defaultContentType   = "application/octet-stream"
	defaultFullRetryWait = 5 * time.Second
)

// CommitOptions ...
type CommitOptions struct {
	// ContentType defaults to application/octet-stream.
	ContentType     string
	ContentEncoding string
}

// UploadFileParams ...
type UploadFileParams struct {
	Container   string
	Blob        string
	Path        string
	ContentType string
	// BlockSize defaults to chunkuploader.DefaultBlockSize and is raised when
	// the file would not fit into chunkuploader.MaxBlocks blocks.
	BlockSize int64
	// Concurrency bounds the blocks staged at the same time.
	Concurrency int
	// MaxRetryPerBlock is the number of stage attempts per block, 1 by default.
	MaxRetryPerBlock int
	// NumFullRetries restarts a failed upload with new block IDs.
	NumFullRetries int
	// FullRetryWait is the pause before a full retry, 5s by default.
	FullRetryWait time.Duration
	// Compress uploads the zstd compressed file and marks the blob's content encoding.
	Compress bool
	// Random is the entropy source of block IDs, crypto/rand by default.
	Random io.Reader
}

// UploadBlock stages data as a single uncommitted block of the blob and
// returns the block ID it was staged under.
func (s *BlobService) UploadBlock(ctx context.Context, container, blob string, data []byte) (string, error) {
	uploader := chunkuploader.New(chunkuploader.Config{}, s.stageFunc(container, blob), s.client.logger)
	blockID, err := uploader.StageBlock(ctx, data)
	if err != nil {
		return "", &BlobError{Op: "stage block of", Container: container, Blob: blob, Err: err}
	}
	return blockID, nil
}

// CommitBlockList makes the blob consist of the staged blocks in the given order.
func (s *BlobService) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string, opts CommitOptions) error {
	body, err := marshalXML(blockListEntity{Latest: blockIDs})
	if err != nil {
		return fmt.Errorf("encode block list: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPut, container, blob, url.Values{"comp": {"blocklist"}}, body)
	if err != nil {
		return err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set(blobContentTypeHeader, contentType)
	if opts.ContentEncoding != "" {
		req.Header.Set(blobContentEncodingHeader, opts.ContentEncoding)
	}

	if _, err := s.client.send(req, nil, http.StatusCreated); err != nil {
		return &BlobError{Op: "commit block list of", Container: container, Blob: blob, Err: err}
	}
	return nil
}

// UploadFile uploads the file at params.Path as a block blob. Blocks are
// staged in parallel and committed once, in file order, after all of them
// were staged. A failed upload leaves the previous content of the blob intact.
func (s *BlobService) UploadFile(ctx context.Context, params UploadFileParams) (*chunkuploader.UploadResult, error) {
	src := params.Path
	commitOpts := CommitOptions{ContentType: params.ContentType}

	if params.Compress {
		compressed, err := os.CreateTemp("", "azurestorage-upload-*.zst")
		if err != nil {
			return nil, fmt.Errorf("create temp file: %w", err)
		}
		if err := compressed.Close(); err != nil {
			s.client.logger.Warnf("failed to close %s: %s", compressed.Name(), err)
		}
		defer s.removeFile(compressed.Name())

		if err := compression.NewCompressor(s.client.logger).CompressFile(params.Path, compressed.Name()); err != nil {
			return nil, fmt.Errorf("compress %s: %w", params.Path, err)
		}
		src = compressed.Name()
		commitOpts.ContentEncoding = compression.ContentEncoding
	}

	wait := params.FullRetryWait
	if wait <= 0 {
		wait = defaultFullRetryWait
	}

	var result *chunkuploader.UploadResult
	err := retry.Times(uint(params.NumFullRetries)).Wait(wait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.client.logger.Warnf("Retrying upload of %s/%s (attempt %d)", params.Container, params.Blob, attempt+1)
		}

		var err error
		result, err = s.uploadFile(ctx, src, params, commitOpts)
		if err != nil {
			return err, ctx.Err() != nil || errors.Is(err, ErrRandomBytesExhausted)
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BlobService) uploadFile(ctx context.Context, src string, params UploadFileParams, commitOpts CommitOptions) (*chunkuploader.UploadResult, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src, err)
	}
	blockSize := chunkuploader.BlockSizeFor(info.Size(), params.BlockSize)

	provider, err := chunkuploader.NewFileChunkProvider(src, blockSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			s.client.logger.Warnf("failed to close %s: %s", src, err)
		}
	}()

	s.client.logger.Debugf("Uploading %s in %d blocks of %s", units.HumanSize(float64(provider.Size())), provider.NumChunks(), units.BytesSize(float64(blockSize)))

	uploader := chunkuploader.New(chunkuploader.Config{
		Concurrency:      params.Concurrency,
		MaxRetryPerChunk: params.MaxRetryPerBlock,
		Random:           params.Random,
	}, s.stageFunc(params.Container, params.Blob), s.client.logger)

	result, err := uploader.Upload(ctx, provider)
	if err != nil {
		return nil, &BlobError{Op: "upload", Container: params.Container, Blob: params.Blob, Err: err}
	}

	if err := s.CommitBlockList(ctx, params.Container, params.Blob, result.BlockIDs, commitOpts); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BlobService) stageFunc(container, blob string) chunkuploader.StageFunc {
	return func(ctx context.Context, blockID string, body io.ReadSeeker, size int64) error {
		req, err := s.newRequest(ctx, http.MethodPut, container, blob, url.Values{"comp": {"block"}, "blockid": {blockID}}, body)
		if err != nil {
			return err
		}
		req.ContentLength = size

		if _, err := s.client.send(req, nil, http.StatusCreated); err != nil {
			return err
		}
		s.client.metrics.AddSentBytes(size)
		return nil
	}
}
