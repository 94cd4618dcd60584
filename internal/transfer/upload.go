package transfer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bulkpipe/bulkpipe/internal/bufpool"
	"github.com/bulkpipe/bulkpipe/internal/remote"
)

// uploadWorker owns one connection and sends the parts at indexes
// index, index+stride, ... . A single goroutine consumes the handoff
// channel, so one connection's parts always arrive in increasing index
// order even while sibling connections proceed concurrently.
type uploadWorker struct {
	conn      *remote.Conn
	fileID    uint64
	part      uint32
	stride    uint32
	partCount uint32
	big       bool
	pool      *bufpool.Pool
	logger    *slog.Logger

	parts  chan []byte
	done   chan struct{}
	failed chan struct{}

	mu  sync.Mutex
	err error
}

func newUploadWorker(conn *remote.Conn, fileID uint64, index int, stride int, partCount int, big bool, pool *bufpool.Pool, logger *slog.Logger) *uploadWorker {
	return &uploadWorker{
		conn:      conn,
		fileID:    fileID,
		part:      uint32(index),
		stride:    uint32(stride),
		partCount: uint32(partCount),
		big:       big,
		pool:      pool,
		logger:    logger,
		parts:     make(chan []byte),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

func (w *uploadWorker) start(ctx context.Context) {
	go w.run(ctx)
}

func (w *uploadWorker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.fail(ctx.Err())
			return
		case data, ok := <-w.parts:
			if !ok {
				return
			}
			err := w.sendPart(ctx, data)
			if w.pool != nil {
				w.pool.Put(data)
			}
			if err != nil {
				w.fail(err)
				return
			}
		}
	}
}

func (w *uploadWorker) sendPart(ctx context.Context, data []byte) error {
	w.logger.Debug("sending file part",
		"file_id", w.fileID, "part", w.part, "part_count", w.partCount, "bytes", len(data))
	var err error
	if w.big {
		err = w.conn.Client().SaveBigPart(ctx, w.fileID, w.part, w.partCount, data)
	} else {
		err = w.conn.Client().SavePart(ctx, w.fileID, w.part, data)
	}
	if err != nil {
		return err
	}
	w.part += w.stride
	return nil
}

// send hands one part to the worker. It blocks until the worker picks the
// part up, which chains this connection's sends back to back.
func (w *uploadWorker) send(ctx context.Context, data []byte) error {
	select {
	case w.parts <- data:
		return nil
	case <-w.failed:
		return w.sendErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish stops accepting parts and waits for the in-flight send.
func (w *uploadWorker) finish(ctx context.Context) error {
	close(w.parts)
	select {
	case <-w.done:
		return w.sendErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *uploadWorker) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	close(w.failed)
}

func (w *uploadWorker) sendErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
