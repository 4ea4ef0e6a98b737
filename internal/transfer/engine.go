// Package transfer implements the chunked, resumable large-object
// transfer protocol. An oversized payload is split into bounded
// chunks uploaded strictly in index order through the retry policy,
// with cumulative progress reporting and a final manifest-commit call
// that assembles the chunks into the target object.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
)

// ChunkSession is one in-progress chunked upload on a backend.
// UploadChunk submits the chunk at the given index and byte offset;
// chunks arrive strictly in index order. Finalize issues the
// manifest-commit call that assembles previously uploaded chunks into
// the final object; it is called exactly once, after every chunk
// succeeded, and never after cancellation.
type ChunkSession interface {
	UploadChunk(ctx context.Context, index int, offset int64, data []byte) error
	Finalize(ctx context.Context) (*contract.FileInfo, error)
}

// Restarter is implemented by sessions whose backend cannot resume an
// individual chunk after a transient failure. Restart discards any
// chunks the backend has accepted so the whole sequence can be
// replayed from the start.
type Restarter interface {
	Restart(ctx context.Context) error
}

// UploadSpec configures one chunked upload.
type UploadSpec struct {
	// TotalLength is the exact payload size in bytes. Must be > 0;
	// zero-length payloads never reach the transfer path.
	TotalLength int64

	// ChunkSize bounds each chunk; the last chunk carries the
	// remainder. Must be > 0.
	ChunkSize int64

	// ResumeChunks declares that the backend can safely accept a
	// re-sent chunk at the same index after a transient failure.
	// When false, the session must implement Restarter and content
	// must be an io.ReadSeeker: the only valid recovery action is a
	// rewind to the start and a full replay.
	ResumeChunks bool

	// Progress, when non-nil, receives cumulative updates after every
	// chunk. Reported values are monotonically non-decreasing and end
	// at exactly TotalLength on success.
	Progress contract.ProgressFunc
}

// FinalizationError reports that the chunk manifest commit failed
// after every chunk uploaded successfully. Kept distinct from chunk
// upload failures so callers can tell a half-assembled object from a
// half-uploaded one.
type FinalizationError struct {
	Err error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("transfer: finalize failed: %v", e.Err)
}

func (e *FinalizationError) Unwrap() error {
	return e.Err
}

// Engine drives chunked uploads and retried downloads through a
// shared retry policy.
type Engine struct {
	policy *retry.Policy
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(policy *retry.Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{policy: policy, logger: logger}
}

// ChunkCount returns ceil(total / chunkSize).
func ChunkCount(total, chunkSize int64) int {
	return int((total + chunkSize - 1) / chunkSize)
}

// Upload streams content through sess in ChunkSize pieces and
// finalizes the transfer. On transient chunk failure the chunk is
// retried in place when the backend supports it; otherwise the whole
// sequence restarts from a rewound stream. A canceled context stops
// the transfer before the next chunk and finalize is never issued.
func (e *Engine) Upload(
	ctx context.Context, sess ChunkSession, content io.Reader, spec UploadSpec,
) (*contract.FileInfo, error) {
	if spec.TotalLength <= 0 {
		return nil, fmt.Errorf("transfer: total length must be positive, got %d", spec.TotalLength)
	}

	if spec.ChunkSize <= 0 {
		return nil, fmt.Errorf("transfer: chunk size must be positive, got %d", spec.ChunkSize)
	}

	tracker := contract.NewTracker(spec.TotalLength, spec.Progress)

	e.logger.Debug("chunked upload starting",
		slog.Int64("total", spec.TotalLength),
		slog.Int64("chunk_size", spec.ChunkSize),
		slog.Int("chunks", ChunkCount(spec.TotalLength, spec.ChunkSize)),
		slog.Bool("resume_chunks", spec.ResumeChunks),
	)

	var err error
	if spec.ResumeChunks {
		err = e.uploadChunks(ctx, sess, content, spec, tracker, true)
	} else {
		err = e.uploadRewindable(ctx, sess, content, spec, tracker)
	}

	if err != nil {
		return nil, err
	}

	return e.finalize(ctx, sess)
}

// uploadChunks runs the sequential chunk loop. When perChunkRetry is
// set, each chunk is individually wrapped in the retry policy; the
// buffered chunk is re-sent verbatim, so the retried call observes
// the same bytes as the first attempt without touching the stream.
func (e *Engine) uploadChunks(
	ctx context.Context, sess ChunkSession, content io.Reader,
	spec UploadSpec, tracker *contract.Tracker, perChunkRetry bool,
) error {
	buf := make([]byte, spec.ChunkSize)
	chunks := ChunkCount(spec.TotalLength, spec.ChunkSize)

	var offset int64

	for index := range chunks {
		if ctx.Err() != nil {
			return fmt.Errorf("transfer: canceled before chunk %d: %w", index, ctx.Err())
		}

		length := min(spec.ChunkSize, spec.TotalLength-offset)

		if _, err := io.ReadFull(content, buf[:length]); err != nil {
			return fmt.Errorf("transfer: reading chunk %d: %w", index, err)
		}

		submit := func(ctx context.Context) error {
			return sess.UploadChunk(ctx, index, offset, buf[:length])
		}

		var err error
		if perChunkRetry {
			err = e.policy.Execute(ctx, submit, retry.WithRetryable(gateway.IsTransient))
		} else {
			err = submit(ctx)
		}

		if err != nil {
			return fmt.Errorf("transfer: chunk %d at offset %d: %w", index, offset, err)
		}

		offset += length
		tracker.Add(length)

		e.logger.Debug("chunk uploaded",
			slog.Int("index", index),
			slog.Int64("offset", offset),
		)
	}

	return nil
}

// uploadRewindable replays the entire chunk sequence on transient
// failure: the recovery action rewinds the stream to offset 0 and
// discards the backend's accepted chunks, so the retried sequence
// observes the same starting state as the first.
func (e *Engine) uploadRewindable(
	ctx context.Context, sess ChunkSession, content io.Reader,
	spec UploadSpec, tracker *contract.Tracker,
) error {
	seeker, ok := content.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("transfer: backend cannot resume chunks and content is not seekable")
	}

	restarter, ok := sess.(Restarter)
	if !ok {
		return fmt.Errorf("transfer: backend cannot resume chunks and session is not restartable")
	}

	return e.policy.Execute(ctx,
		func(ctx context.Context) error {
			return e.uploadChunks(ctx, sess, seeker, spec, tracker, false)
		},
		retry.WithRetryable(gateway.IsTransient),
		retry.WithOnRetry(func(_ error, _ time.Duration) error {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewinding content: %w", err)
			}

			tracker.Reset()

			return restarter.Restart(ctx)
		}),
	)
}

// finalize issues the manifest-commit call through the retry policy.
// A finalize that still fails after retries is reported as a
// FinalizationError, distinct from chunk upload failures.
func (e *Engine) finalize(ctx context.Context, sess ChunkSession) (*contract.FileInfo, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("transfer: canceled before finalize: %w", ctx.Err())
	}

	info, err := retry.Do(ctx, e.policy,
		func(ctx context.Context) (*contract.FileInfo, error) {
			return sess.Finalize(ctx)
		},
		retry.WithRetryable(gateway.IsTransient),
	)
	if err != nil {
		if gateway.IsCancelled(err) {
			return nil, err
		}

		return nil, &FinalizationError{Err: err}
	}

	e.logger.Debug("chunked upload finalized")

	return info, nil
}

// Download copies a remote stream to dst, retrying transient failures
// from the start. The recovery action discards partially received
// bytes: dst is truncated and rewound when it supports it; a partial
// write into a non-resettable destination aborts instead of retrying.
func (e *Engine) Download(
	ctx context.Context,
	open func(ctx context.Context) (io.ReadCloser, error),
	dst io.Writer,
) (int64, error) {
	type truncater interface {
		Truncate(int64) error
	}

	var written int64

	copyOnce := func(ctx context.Context) error {
		rc, err := open(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()

		n, err := io.Copy(dst, rc)
		written += n

		if err != nil {
			return fmt.Errorf("copying stream: %w", err)
		}

		return nil
	}

	err := e.policy.Execute(ctx, copyOnce,
		retry.WithRetryable(func(err error) bool {
			if !gateway.IsTransient(err) {
				return false
			}

			// Retrying requires discarding received bytes; without a
			// resettable destination a partial write is final.
			if written > 0 {
				_, seekable := dst.(io.Seeker)
				_, truncatable := dst.(truncater)

				if !seekable || !truncatable {
					return false
				}
			}

			return true
		}),
		retry.WithOnRetry(func(_ error, _ time.Duration) error {
			if written == 0 {
				return nil
			}

			t := dst.(truncater)
			s := dst.(io.Seeker)

			if err := t.Truncate(0); err != nil {
				return fmt.Errorf("truncating destination: %w", err)
			}

			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewinding destination: %w", err)
			}

			written = 0

			return nil
		}),
	)
	if err != nil {
		return written, err
	}

	return written, nil
}
