package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/bulkpipe/bulkpipe/internal/admission"
	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/internal/transfer"
)

// DownloadToFile admits the owner and downloads the file behind fileID
// into a local file at path. The destination is created inside the
// admitted job, so a rejected request leaves no file behind; a failed
// transfer removes the partial file.
func (s *Service) DownloadToFile(ctx context.Context, owner string, tier admission.Tier, fileID uint64, size int64, path string) (string, error) {
	id := uuid.NewString()
	err := s.ctl.Start(ctx, owner, tier, func(ctx context.Context) error {
		f, err := os.Create(path)
		if err != nil {
			err = fmt.Errorf("failed to create destination: %w", err)
			s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFailed, Direction: "download", Error: err.Error()})
			return err
		}
		runErr := s.runTransfer(ctx, id, owner, "download", size, func(ctx context.Context, sess *remote.Session, progress transfer.ProgressFn) error {
			return transfer.Download(ctx, sess, fileID, size, f, s.options(progress))
		})
		if closeErr := f.Close(); closeErr != nil && runErr == nil {
			runErr = fmt.Errorf("failed to close destination: %w", closeErr)
		}
		if runErr != nil {
			if rmErr := os.Remove(path); rmErr != nil {
				s.logger.Debug("failed to remove partial download", "path", path, "err", rmErr)
			}
		}
		return runErr
	})
	if err != nil {
		return "", err
	}
	s.track(owner, id)
	return id, nil
}

// UploadFile admits the owner and uploads the local file at path under
// the given name. An empty name defaults to the file's base name.
func (s *Service) UploadFile(ctx context.Context, owner string, tier admission.Tier, name, path string) (string, error) {
	id := uuid.NewString()
	err := s.ctl.Start(ctx, owner, tier, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			err = fmt.Errorf("failed to open source: %w", err)
			s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFailed, Direction: "upload", Error: err.Error()})
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			err = fmt.Errorf("failed to stat source: %w", err)
			s.events.Publish(Event{TransferID: id, Owner: owner, Kind: EventFailed, Direction: "upload", Error: err.Error()})
			return err
		}
		uploadName := name
		if uploadName == "" {
			uploadName = info.Name()
		}
		return s.runTransfer(ctx, id, owner, "upload", info.Size(), func(ctx context.Context, sess *remote.Session, progress transfer.ProgressFn) error {
			_, err := transfer.Upload(ctx, sess, uploadName, f, info.Size(), s.bufs, s.options(progress))
			return err
		})
	})
	if err != nil {
		return "", err
	}
	s.track(owner, id)
	return id, nil
}
