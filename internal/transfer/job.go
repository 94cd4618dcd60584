package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bulkpipe/bulkpipe/internal/bufpool"
	"github.com/bulkpipe/bulkpipe/internal/remote"
)

// ErrStreamClosed is returned by Next after the stream ended, failed, or
// was closed. A stream is not restartable; retrying a transfer means
// building a new job.
var ErrStreamClosed = errors.New("transfer stream closed")

// Options tunes a transfer job. Zero values fall back to defaults.
type Options struct {
	// MaxConns caps the number of parallel connections.
	MaxConns int
	// Policy picks the connection count for a given file size.
	// Defaults to DefaultConnPolicy.
	Policy ConnPolicy
	// Target overrides the endpoint the job connects to. Zero means the
	// session's home endpoint.
	Target remote.EndpointID
	// Progress, when set, is called after every transferred part.
	Progress ProgressFn
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// ProgressFn observes transfer progress in bytes.
type ProgressFn func(transferred, total int64)

const defaultMaxConns = 8

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.Policy == nil {
		o.Policy = DefaultConnPolicy
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// fanOut creates n connections with all-or-nothing semantics. The first
// connection is created synchronously so a cross-endpoint factory runs its
// credential export exactly once; the rest are created concurrently. On
// any failure every connection made so far is closed before returning.
func fanOut(ctx context.Context, factory *remote.Factory, n int) ([]*remote.Conn, error) {
	first, err := factory.NewConn(ctx)
	if err != nil {
		return nil, err
	}

	conns := make([]*remote.Conn, n)
	conns[0] = first

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < n; i++ {
		g.Go(func() error {
			conn, err := factory.NewConn(gctx)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				_ = conn.Close()
			}
		}
		return nil, err
	}
	return conns, nil
}

// closeAll disconnects every worker connection exactly once. Secondary
// errors are logged and swallowed so they never mask a primary error.
func closeAll(conns []io.Closer, logger *slog.Logger) {
	for _, c := range conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Debug("error disconnecting transfer connection", "err", err)
		}
	}
}

// DownloadStream is the lazy chunk sequence of one download job. Chunks
// come back in file order; consuming the stream to the end, hitting an
// error, or calling Close all tear down every connection.
type DownloadStream struct {
	workers   []*downloadWorker
	logger    *slog.Logger
	partCount int
	produced  int

	round []chan fetchResult
	next  int

	mu     sync.Mutex
	closed bool
}

type fetchResult struct {
	data []byte
	err  error
}

// NewDownload builds a download job for the file behind ref and fans out
// its connections. Size must be the file's total size in bytes.
func NewDownload(ctx context.Context, sess *remote.Session, fileID uint64, size int64, opts Options) (*DownloadStream, error) {
	opts = opts.withDefaults()
	conns := opts.Policy(size, opts.MaxConns)
	parts := partCount(size)
	budgets := planParts(parts, conns)

	opts.Logger.Debug("starting parallel download",
		"file_id", fileID, "size", size, "connections", conns, "parts", parts)

	factory := sess.Factory(opts.Target)
	rawConns, err := fanOut(ctx, factory, conns)
	if err != nil {
		return nil, err
	}

	workers := make([]*downloadWorker, conns)
	for i, conn := range rawConns {
		workers[i] = newDownloadWorker(conn, fileID, i, PartSize, int64(conns)*PartSize, budgets[i], opts.Logger)
	}

	return &DownloadStream{
		workers:   workers,
		logger:    opts.Logger,
		partCount: parts,
	}, nil
}

// Next returns the next chunk in file order. It returns io.EOF after the
// final chunk; any other error aborts the stream after cleanup.
func (s *DownloadStream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.produced >= s.partCount {
		s.closeLocked()
		return nil, io.EOF
	}

	// Launch a new round once the previous one is fully consumed. All
	// workers fetch concurrently; results are yielded in worker order.
	if s.next >= len(s.round) {
		s.round = make([]chan fetchResult, len(s.workers))
		s.next = 0
		for i, w := range s.workers {
			ch := make(chan fetchResult, 1)
			s.round[i] = ch
			go func(w *downloadWorker, ch chan fetchResult) {
				data, err := w.next(ctx)
				ch <- fetchResult{data: data, err: err}
			}(w, ch)
		}
	}

	ch := s.round[s.next]
	s.next++

	select {
	case res := <-ch:
		if res.err != nil {
			s.closeLocked()
			return nil, res.err
		}
		if len(res.data) == 0 {
			s.closeLocked()
			return nil, io.EOF
		}
		s.produced++
		return res.data, nil
	case <-ctx.Done():
		s.closeLocked()
		return nil, ctx.Err()
	}
}

// PartCount returns the number of parts the stream will produce.
func (s *DownloadStream) PartCount() int {
	return s.partCount
}

// Close tears down all connections. It is safe to call more than once.
func (s *DownloadStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *DownloadStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.logger.Debug("parallel download finished, cleaning up connections")
	closers := make([]io.Closer, len(s.workers))
	for i, w := range s.workers {
		closers[i] = w.conn
	}
	closeAll(closers, s.logger)
}

// UploadJob drives one parallel upload. Parts are dispatched round robin
// across workers; each worker chains its own sends so per-connection part
// order holds.
type UploadJob struct {
	workers   []*uploadWorker
	logger    *slog.Logger
	ticker    int
	partCount int
	big       bool
	fileID    uint64

	mu       sync.Mutex
	finished bool
	closed   bool
}

// NewUpload builds an upload job for a file of the given size and fans
// out its connections. The returned job expects exactly PartCount calls
// to SendPart followed by Finish.
func NewUpload(ctx context.Context, sess *remote.Session, fileID uint64, size int64, pool *bufpool.Pool, opts Options) (*UploadJob, error) {
	opts = opts.withDefaults()
	conns := opts.Policy(size, opts.MaxConns)
	parts := partCount(size)
	big := size > LargeFileThreshold

	opts.Logger.Debug("starting parallel upload",
		"file_id", fileID, "size", size, "connections", conns, "parts", parts, "big", big)

	factory := sess.Factory(opts.Target)
	rawConns, err := fanOut(ctx, factory, conns)
	if err != nil {
		return nil, err
	}

	workers := make([]*uploadWorker, conns)
	for i, conn := range rawConns {
		workers[i] = newUploadWorker(conn, fileID, i, conns, parts, big, pool, opts.Logger)
		workers[i].start(ctx)
	}

	return &UploadJob{
		workers:   workers,
		logger:    opts.Logger,
		partCount: parts,
		big:       big,
		fileID:    fileID,
	}, nil
}

// Big reports whether the job uses the big-file wire call.
func (u *UploadJob) Big() bool {
	return u.big
}

// PartCount returns the number of parts the job expects.
func (u *UploadJob) PartCount() int {
	return u.partCount
}

// SendPart dispatches the next part to the worker whose turn it is.
// Ownership of data passes to the job; when a buffer pool is configured
// the buffer is returned to it after the send completes.
func (u *UploadJob) SendPart(ctx context.Context, data []byte) error {
	u.mu.Lock()
	if u.finished || u.closed {
		u.mu.Unlock()
		return ErrStreamClosed
	}
	w := u.workers[u.ticker]
	u.ticker = (u.ticker + 1) % len(u.workers)
	u.mu.Unlock()
	return w.send(ctx, data)
}

// Finish flushes every worker and tears down all connections. It returns
// the first send error, if any.
func (u *UploadJob) Finish(ctx context.Context) error {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return ErrStreamClosed
	}
	u.finished = true
	u.mu.Unlock()

	var firstErr error
	for _, w := range u.workers {
		if err := w.finish(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	u.Close()
	return firstErr
}

// Close tears down all connections without flushing. Used on abort paths;
// safe to call after Finish or repeatedly.
func (u *UploadJob) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	closers := make([]io.Closer, len(u.workers))
	for i, w := range u.workers {
		closers[i] = w.conn
	}
	closeAll(closers, u.logger)
}
