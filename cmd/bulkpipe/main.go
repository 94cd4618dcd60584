// bulkpipe is the one-shot CLI: it authenticates a single session
// against one endpoint and runs an upload or download to completion.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bulkpipe/bulkpipe/internal/config"
	"github.com/bulkpipe/bulkpipe/internal/logging"
	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/internal/transfer"
)

func main() {
	cfg, args, err := config.ParseClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	logger := logging.New("bulkpipe", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	const endpointID = 1
	dialer := remote.NewQUICDialer(
		map[remote.EndpointID]string{endpointID: cfg.Endpoint},
		&tls.Config{InsecureSkipVerify: cfg.Insecure},
		logger,
	)
	creds := remote.Credentials{Token: cfg.Token, Endpoint: endpointID}

	sess, err := remote.NewSession(ctx, dialer, cfg.Owner, creds, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	opts := transfer.Options{
		MaxConns: cfg.Conns,
		Logger:   logger,
		Progress: printProgress,
	}

	switch args[0] {
	case "upload":
		err = runUpload(ctx, sess, args[1:], opts)
	case "download":
		err = runDownload(ctx, sess, args[1:], opts)
	default:
		printUsage()
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transfer failed: %v\n", err)
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, sess *remote.Session, args []string, opts transfer.Options) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bulkpipe upload <path> [name]")
	}
	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	name := info.Name()
	if len(args) > 1 {
		name = args[1]
	}

	ref, err := transfer.Upload(ctx, sess, name, f, info.Size(), nil, opts)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s file_id=%d parts=%d", ref.Name, ref.ID, ref.PartCount)
	if ref.Checksum != "" {
		fmt.Printf(" md5=%s", ref.Checksum)
	}
	fmt.Println()
	return nil
}

func runDownload(ctx context.Context, sess *remote.Session, args []string, opts transfer.Options) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: bulkpipe download <file-id> <dest>")
	}
	fileID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file id %q", args[0])
	}
	dest := args[1]

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	if err := transfer.Download(ctx, sess, fileID, 0, f, opts); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("downloaded file_id=%d to %s\n", fileID, dest)
	return nil
}

func printProgress(transferred, total int64) {
	if total <= 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%3d%% (%d/%d bytes)", transferred*100/total, transferred, total)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bulkpipe [flags] upload <path> [name]")
	fmt.Fprintln(os.Stderr, "       bulkpipe [flags] download <file-id> <dest>")
	fmt.Fprintln(os.Stderr, "flags: -endpoint ADDR -token TOKEN [-owner NAME] [-conns N] [-insecure] [-log-level LEVEL]")
}
