package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

const (
	// maxRateLimitRetries bounds how often one chunk request is retried
	// after a rate-limit signal before the error is escalated.
	maxRateLimitRetries = 3
	// maxRateLimitWait caps the wait the endpoint may suggest.
	maxRateLimitWait = 30 * time.Second
)

// ErrRetriesExhausted wraps the last rate-limit error once the retry
// ceiling is reached.
var ErrRetriesExhausted = errors.New("rate-limit retries exhausted")

// downloadWorker owns one connection and a strided slice of the file:
// byte offsets offset, offset+stride, ... for remaining parts.
type downloadWorker struct {
	conn      *remote.Conn
	fileID    uint64
	offset    int64
	limit     uint32
	stride    int64
	remaining int
	lastWait  time.Duration
	logger    *slog.Logger
}

func newDownloadWorker(conn *remote.Conn, fileID uint64, index int, partSize int64, stride int64, budget int, logger *slog.Logger) *downloadWorker {
	return &downloadWorker{
		conn:      conn,
		fileID:    fileID,
		offset:    int64(index) * partSize,
		limit:     uint32(partSize),
		stride:    stride,
		remaining: budget,
		logger:    logger,
	}
}

// next fetches the worker's next chunk. It returns (nil, nil) once the
// worker's budget is exhausted. Rate-limit signals are retried with the
// endpoint's suggested wait, clamped and never shrinking; any other error
// propagates immediately.
func (w *downloadWorker) next(ctx context.Context) ([]byte, error) {
	if w.remaining == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		data, err := w.conn.Client().GetChunk(ctx, w.fileID, uint64(w.offset), w.limit)
		if err == nil {
			w.remaining--
			w.offset += w.stride
			return data, nil
		}
		if !wire.IsRateLimited(err) {
			return nil, err
		}
		lastErr = err
		wait := w.retryWait(err)
		w.logger.Warn("rate limited, backing off",
			"file_id", w.fileID, "offset", w.offset, "wait", wait,
			"attempt", attempt+1, "max_attempts", maxRateLimitRetries)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// retryWait derives the next backoff from the endpoint's suggestion:
// clamped to the cap and monotonically non-decreasing across attempts.
func (w *downloadWorker) retryWait(err error) time.Duration {
	wait, ok := wire.RetryAfter(err)
	if !ok || wait <= 0 {
		wait = 5 * time.Second
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	if wait < w.lastWait {
		wait = w.lastWait
	}
	w.lastWait = wait
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
