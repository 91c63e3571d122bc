package chunkuploader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// BlockIDSize is the number of random bytes in a block ID.
const BlockIDSize = 16

// ErrRandomBytesExhausted is returned when the entropy source could not
// provide a block ID. It aborts the whole upload.
var ErrRandomBytesExhausted = errors.New("random bytes exhausted")

// NewBlockID returns a base64 encoded block ID of BlockIDSize random bytes.
func NewBlockID(random io.Reader) (string, error) {
	id := make([]byte, BlockIDSize)
	if _, err := io.ReadFull(random, id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRandomBytesExhausted, err)
	}
	return base64.StdEncoding.EncodeToString(id), nil
}

// Uploader stages blocks in parallel with optional retry and hung detection.
type Uploader struct {
	config Config
	stage  StageFunc
	logger log.Logger
	stats  *Stats
	randMu sync.Mutex
}

// New creates an Uploader that sends every block through stage.
// Zero fields of config fall back to DefaultConfig.
func New(config Config, stage StageFunc, logger log.Logger) *Uploader {
	defaults := DefaultConfig()
	if config.Concurrency < 1 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxRetryPerChunk < 1 {
		config.MaxRetryPerChunk = defaults.MaxRetryPerChunk
	}
	if config.Random == nil {
		config.Random = defaults.Random
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config: config,
		stage:  stage,
		logger: logger,
		stats:  NewStats(),
	}
}

// Upload stages every chunk of provider and returns their block IDs in chunk
// order. The first failing chunk cancels the others and fails the upload;
// blocks staged by then are left for the service to discard.
func (u *Uploader) Upload(ctx context.Context, provider ChunkProvider) (*UploadResult, error) {
	numChunks := provider.NumChunks()
	if numChunks == 0 {
		return &UploadResult{BlockIDs: []string{}}, nil
	}
	if numChunks > MaxBlocks {
		return nil, fmt.Errorf("too many blocks: %d, at most %d are allowed", numChunks, MaxBlocks)
	}

	parentCtx := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan ChunkResult, numChunks)
	semaphore := make(chan struct{}, u.config.Concurrency)

	for i := 0; i < numChunks; i++ {
		go func(index int) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := ctx.Err(); err != nil {
				resultChan <- ChunkResult{Index: index, Err: err}
				return
			}

			blockID, err := u.newBlockID()
			if err != nil {
				resultChan <- ChunkResult{Index: index, Err: err}
				return
			}

			err = u.stageChunkWithRetry(ctx, provider, blockID, index, numChunks)
			resultChan <- ChunkResult{
				Index:   index,
				BlockID: blockID,
				Err:     err,
			}
		}(i)
	}

	blockIDs := make([]string, numChunks)
	completedChunks := 0
	for completedChunks < numChunks {
		select {
		case <-parentCtx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for blocks: %w", parentCtx.Err())
		case result := <-resultChan:
			completedChunks++
			if result.Err != nil {
				return nil, fmt.Errorf("block %d/%d: %w", result.Index+1, numChunks, result.Err)
			}
			blockIDs[result.Index] = result.BlockID
		}
	}

	u.logger.Debugf("Staged %d blocks (%s), average stage time: %s",
		numChunks, units.HumanSize(float64(u.stats.Bytes())), u.stats.Average().Round(time.Millisecond))

	return &UploadResult{BlockIDs: blockIDs, Bytes: u.stats.Bytes()}, nil
}

// StageBlock stages data as a single block and returns its ID.
func (u *Uploader) StageBlock(ctx context.Context, data []byte) (string, error) {
	blockID, err := u.newBlockID()
	if err != nil {
		return "", err
	}

	provider := NewByteSliceChunkProvider([][]byte{data})
	if err := u.stageChunkWithRetry(ctx, provider, blockID, 0, 1); err != nil {
		return "", err
	}
	return blockID, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) newBlockID() (string, error) {
	u.randMu.Lock()
	defer u.randMu.Unlock()
	return NewBlockID(u.config.Random)
}

func (u *Uploader) stageChunkWithRetry(ctx context.Context, provider ChunkProvider, blockID string, index, totalChunks int) error {
	var stageErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stage cancelled: %w", ctx.Err())
		default:
		}

		u.logger.Debugf("Stage block %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, totalChunks, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// The last attempt is never cancelled as hung.
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungStage(chunkCtx, cancelChunk, start, index)
		}

		var size int64
		size, stageErr = u.stageChunk(chunkCtx, provider, blockID, index)
		cancelChunk()

		if stageErr == nil {
			u.stats.Update(time.Since(start), size)
			return nil
		}

		u.logger.Warnf("Block %d attempt %d failed: %s", index+1, attempt+1, stageErr)

		if ctx.Err() != nil {
			return fmt.Errorf("stage cancelled: %w", ctx.Err())
		}
		if attempt < u.config.MaxRetryPerChunk-1 {
			backoff := time.Duration(attempt+1) * time.Second
			u.logger.Debugf("Retrying block %d after %s", index+1, backoff)
			time.Sleep(backoff)
		}
	}

	return stageErr
}

func (u *Uploader) detectHungStage(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung block stage (block %d); cancelling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) stageChunk(ctx context.Context, provider ChunkProvider, blockID string, index int) (int64, error) {
	body, err := provider.GetChunk(index)
	if err != nil {
		return 0, fmt.Errorf("get chunk %d: %w", index+1, err)
	}

	size := provider.ChunkSize(index)
	if size > MaxBlockSize {
		return 0, fmt.Errorf("block of %s exceeds the maximum of %s",
			units.BytesSize(float64(size)), units.BytesSize(MaxBlockSize))
	}

	if err := u.stage(ctx, blockID, body, size); err != nil {
		return 0, err
	}
	return size, nil
}
