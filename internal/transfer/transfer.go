// Package transfer implements the parallel transfer engine: jobs that
// split a file into fixed-size parts and drive several endpoint
// connections to move them, with ordered reassembly and bounded retry on
// rate limiting.
package transfer

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/bulkpipe/bulkpipe/internal/bufpool"
	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

// FileRef identifies an uploaded file on the endpoint.
type FileRef struct {
	ID        uint64
	Name      string
	Size      int64
	PartCount int
	Checksum  string
	Big       bool
}

// Download streams the file behind fileID into w. If size is zero the
// endpoint is asked for it first. The stream is consumed in dispatch
// order, so w receives the original byte sequence exactly.
func Download(ctx context.Context, sess *remote.Session, fileID uint64, size int64, w io.Writer, opts Options) error {
	if size == 0 {
		info, err := sess.Client().Stat(ctx, fileID)
		if err != nil {
			return fmt.Errorf("failed to stat file %d: %w", fileID, err)
		}
		size = int64(info.Size)
	}

	stream, err := NewDownload(ctx, sess, fileID, size, opts)
	if err != nil {
		return err
	}
	defer stream.Close()

	var written int64
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		written += int64(len(chunk))
		if opts.Progress != nil {
			opts.Progress(written, size)
		}
	}
}

// Upload reads size bytes from r, uploads them in parallel and commits
// the result under the given name. Files at or below the large-file
// threshold get a streaming MD5 checksum attached for integrity; larger
// files skip hashing and use the big-file wire call.
func Upload(ctx context.Context, sess *remote.Session, name string, r io.Reader, size int64, pool *bufpool.Pool, opts Options) (FileRef, error) {
	opts = opts.withDefaults()
	fileID, err := newFileID()
	if err != nil {
		return FileRef{}, err
	}

	job, err := NewUpload(ctx, sess, fileID, size, pool, opts)
	if err != nil {
		return FileRef{}, err
	}
	defer job.Close()

	var sum hash.Hash
	if !job.Big() {
		sum = md5.New()
	}

	var sent int64
	for sent < size {
		want := int64(PartSize)
		if size-sent < want {
			want = size - sent
		}
		var buf []byte
		if pool != nil {
			buf = pool.Get()[:want]
		} else {
			buf = make([]byte, want)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			if pool != nil {
				pool.Put(buf)
			}
			return FileRef{}, fmt.Errorf("failed to read source: %w", err)
		}
		if sum != nil {
			sum.Write(buf)
		}
		if err := job.SendPart(ctx, buf); err != nil {
			return FileRef{}, err
		}
		sent += want
		if opts.Progress != nil {
			opts.Progress(sent, size)
		}
	}

	if err := job.Finish(ctx); err != nil {
		return FileRef{}, err
	}

	ref := FileRef{
		ID:        fileID,
		Name:      name,
		Size:      size,
		PartCount: job.PartCount(),
		Big:       job.Big(),
	}
	if sum != nil {
		ref.Checksum = hex.EncodeToString(sum.Sum(nil))
	}

	if err := sess.Client().Commit(ctx, wire.CommitRequest{
		FileID:    ref.ID,
		PartCount: uint32(ref.PartCount),
		Name:      ref.Name,
		Checksum:  ref.Checksum,
		Big:       ref.Big,
	}); err != nil {
		return FileRef{}, fmt.Errorf("failed to commit upload: %w", err)
	}
	return ref, nil
}

func newFileID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate file id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
