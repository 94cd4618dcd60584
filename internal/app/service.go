// Package app wires the transfer engine, session pool, and admission
// controller into one service the daemon and CLI drive.
package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bulkpipe/bulkpipe/internal/admission"
	"github.com/bulkpipe/bulkpipe/internal/bufpool"
	"github.com/bulkpipe/bulkpipe/internal/config"
	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/internal/session"
	"github.com/bulkpipe/bulkpipe/internal/transfer"
)

// progressInterval throttles progress events so a fast transfer does
// not flood subscribers.
const progressInterval = 500 * time.Millisecond

// Service owns the long-lived transfer state of one process: the
// session pool, the admission controller, and the event bus. Construct
// it once at startup and shut it down explicitly.
type Service struct {
	cfg    config.DaemonConfig
	logger *slog.Logger

	pool   *session.Pool
	ctl    *admission.Controller
	events *Bus
	bufs   *bufpool.Pool

	mu      sync.Mutex
	current map[string]string // owner -> in-flight transfer ID
}

// NewService builds the service around the given dialer and credential
// store.
func NewService(cfg config.DaemonConfig, dialer remote.Dialer, creds session.CredentialStore, logger *slog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		events:  NewBus(),
		bufs:    bufpool.New(transfer.PartSize),
		current: make(map[string]string),
	}
	s.ctl = admission.NewController(admission.Config{
		MaxConcurrent:   cfg.MaxConcurrent,
		StandardDelay:   cfg.StandardCooldown,
		PrivilegedDelay: cfg.PrivilegedCooldown,
	}, s.released, logger)
	s.pool = session.NewPool(cfg.MaxSessions, cfg.SessionIdleTimeout, dialer, creds, s.ctl, logger)
	return s
}

// released runs after an owner's last admission hold drops. The session
// stays pooled for reuse; refreshing its activity timestamp restarts
// the idle clock from the transfer's end rather than its start.
func (s *Service) released(owner string) {
	s.pool.Touch(owner)
	s.mu.Lock()
	delete(s.current, owner)
	s.mu.Unlock()
}

// Events returns the service's event bus.
func (s *Service) Events() *Bus {
	return s.events
}

// Pool returns the session pool, for status surfaces.
func (s *Service) Pool() *session.Pool {
	return s.pool
}

// StartDownload admits the owner and begins downloading the file behind
// fileID into w. It returns the transfer ID once the job is admitted
// and launched; the transfer itself runs asynchronously and reports
// through the event bus. Admission and session errors come back
// directly so the caller can map them to differentiated responses.
func (s *Service) StartDownload(ctx context.Context, owner string, tier admission.Tier, fileID uint64, size int64, w io.Writer) (string, error) {
	id := uuid.NewString()
	err := s.ctl.Start(ctx, owner, tier, func(ctx context.Context) error {
		return s.runTransfer(ctx, id, owner, "download", size, func(ctx context.Context, sess *remote.Session, progress transfer.ProgressFn) error {
			return transfer.Download(ctx, sess, fileID, size, w, s.options(progress))
		})
	})
	if err != nil {
		return "", err
	}
	s.track(owner, id)
	return id, nil
}

// StartUpload admits the owner and begins uploading size bytes from r
// under the given name. Like StartDownload it returns as soon as the
// job is admitted.
func (s *Service) StartUpload(ctx context.Context, owner string, tier admission.Tier, name string, r io.Reader, size int64) (string, error) {
	id := uuid.NewString()
	err := s.ctl.Start(ctx, owner, tier, func(ctx context.Context) error {
		return s.runTransfer(ctx, id, owner, "upload", size, func(ctx context.Context, sess *remote.Session, progress transfer.ProgressFn) error {
			_, err := transfer.Upload(ctx, sess, name, r, size, s.bufs, s.options(progress))
			return err
		})
	})
	if err != nil {
		return "", err
	}
	s.track(owner, id)
	return id, nil
}

func (s *Service) options(progress transfer.ProgressFn) transfer.Options {
	return transfer.Options{
		MaxConns: s.cfg.ConnsPerTransfer,
		Progress: progress,
		Logger:   s.logger,
	}
}

func (s *Service) track(owner, id string) {
	s.mu.Lock()
	s.current[owner] = id
	s.mu.Unlock()
}

// runTransfer is the body of every admitted job: acquire the owner's
// session, run the transfer with throttled progress events, and publish
// the terminal event.
func (s *Service) runTransfer(ctx context.Context, id, owner, direction string, size int64, run func(ctx context.Context, sess *remote.Session, progress transfer.ProgressFn) error) error {
	s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventStarted, Direction: direction, Total: size})

	sess, err := s.pool.GetOrCreate(ctx, owner)
	if err != nil {
		s.logger.Error("transfer failed to acquire session", "owner", owner, "transfer_id", id, "err", err)
		s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFailed, Direction: direction, Error: err.Error()})
		return err
	}

	var lastProgress time.Time
	progress := func(transferred, total int64) {
		now := time.Now()
		if transferred < total && now.Sub(lastProgress) < progressInterval {
			return
		}
		lastProgress = now
		s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventProgress, Direction: direction, Bytes: transferred, Total: total})
	}

	if err := run(ctx, sess, progress); err != nil {
		s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFailed, Direction: direction, Error: err.Error()})
		return err
	}
	s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFinished, Direction: direction, Bytes: size, Total: size})
	return nil
}

// Cancel aborts the owner's in-flight transfer, if any. The cooldown
// still applies afterward, same as a normal finish.
func (s *Service) Cancel(owner string) bool {
	return s.ctl.Cancel(owner)
}

// Status reports the owner's admission state and any remaining
// cooldown.
func (s *Service) Status(owner string) (admission.State, time.Duration) {
	return s.ctl.Status(owner), s.ctl.Cooldown(owner)
}

// TransferID returns the owner's in-flight transfer ID, if any.
func (s *Service) TransferID(owner string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.current[owner]
	return id, ok
}

// ActiveCount returns the number of owners with a transfer in flight.
func (s *Service) ActiveCount() int {
	return s.ctl.ActiveCount()
}

// Logout drops the owner's pooled session unconditionally.
func (s *Service) Logout(owner string) {
	s.pool.Remove(owner)
}

// Run drives the periodic maintenance loops until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pool.RunReaper(ctx, s.cfg.ReapInterval)
	}()
	go func() {
		defer wg.Done()
		s.ctl.RunSweeper(ctx, s.cfg.SweepInterval)
	}()
	wg.Wait()
}

// Shutdown cancels every in-flight transfer, waits for their completion
// paths, and disconnects all pooled sessions.
func (s *Service) Shutdown() {
	cancelled := s.ctl.CancelAll()
	if cancelled > 0 {
		s.logger.Info("cancelled in-flight transfers for shutdown", "count", cancelled)
	}
	s.pool.DisconnectAll()
}
