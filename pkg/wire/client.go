package wire

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Client drives the caller side of the protocol over a single stream.
// A client performs at most one exchange at a time; parallelism comes from
// opening more connections, not from pipelining on one stream.
type Client struct {
	mu     sync.Mutex
	stream io.ReadWriteCloser
}

// NewClient wraps an established stream. The caller is expected to run
// Handshake before any other call.
func NewClient(stream io.ReadWriteCloser) *Client {
	return &Client{stream: stream}
}

// Handshake sends the connection preamble.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })
	defer stop()
	if err := WriteHello(c.stream); err != nil {
		return wrapCtx(ctx, err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	return c.stream.Close()
}

// exchange writes one request and reads the matching response frame.
// Cancelling ctx closes the stream, which unblocks any pending read; a
// cancelled exchange leaves the connection unusable.
func (c *Client) exchange(ctx context.Context, req any) (byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })
	defer stop()

	if err := WriteRequest(c.stream, req); err != nil {
		return 0, nil, wrapCtx(ctx, err)
	}
	frameType, payload, err := readFrame(c.stream)
	if err != nil {
		return 0, nil, wrapCtx(ctx, err)
	}
	if frameType == respTypeError {
		p := payloadReader{buf: payload}
		werr := &Error{Code: p.uint16()}
		werr.RetryAfter = time.Duration(p.uint32()) * time.Millisecond
		werr.Msg = p.string()
		if p.err != nil {
			return 0, nil, p.err
		}
		return 0, nil, werr
	}
	return frameType, payload, nil
}

// Authorize authenticates the connection with an owner token.
func (c *Client) Authorize(ctx context.Context, token string) error {
	_, _, err := c.exchange(ctx, AuthorizeRequest{Token: token})
	return err
}

// CheckAuth reports whether the connection's authorization is valid.
func (c *Client) CheckAuth(ctx context.Context) (bool, error) {
	frameType, payload, err := c.exchange(ctx, CheckAuthRequest{})
	if err != nil {
		return false, err
	}
	if frameType != respTypeOK {
		return false, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frameType)
	}
	p := payloadReader{buf: payload}
	ok := p.bool()
	return ok, p.err
}

// ExportAuth asks the home endpoint for a credential usable on endpointID.
func (c *Client) ExportAuth(ctx context.Context, endpointID uint16) (ExportedAuth, error) {
	frameType, payload, err := c.exchange(ctx, ExportAuthRequest{EndpointID: endpointID})
	if err != nil {
		return ExportedAuth{}, err
	}
	if frameType != respTypeAuth {
		return ExportedAuth{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frameType)
	}
	p := payloadReader{buf: payload}
	auth := ExportedAuth{ID: p.uint64(), Blob: p.bytes()}
	return auth, p.err
}

// ImportAuth presents an exported credential to the connected endpoint.
func (c *Client) ImportAuth(ctx context.Context, auth ExportedAuth) error {
	_, _, err := c.exchange(ctx, ImportAuthRequest{ID: auth.ID, Blob: auth.Blob})
	return err
}

// GetChunk reads up to limit bytes at offset. An empty result means the
// offset is at or past the end of the file.
func (c *Client) GetChunk(ctx context.Context, fileID, offset uint64, limit uint32) ([]byte, error) {
	frameType, payload, err := c.exchange(ctx, GetChunkRequest{FileID: fileID, Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	if frameType != respTypeChunk {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frameType)
	}
	p := payloadReader{buf: payload}
	data := p.bytes()
	return data, p.err
}

// SavePart stores one part of a small file.
func (c *Client) SavePart(ctx context.Context, fileID uint64, part uint32, data []byte) error {
	_, _, err := c.exchange(ctx, SavePartRequest{FileID: fileID, Part: part, Data: data})
	return err
}

// SaveBigPart stores one part of a large file.
func (c *Client) SaveBigPart(ctx context.Context, fileID uint64, part, partCount uint32, data []byte) error {
	_, _, err := c.exchange(ctx, SaveBigPartRequest{FileID: fileID, Part: part, PartCount: partCount, Data: data})
	return err
}

// Commit finalizes an upload.
func (c *Client) Commit(ctx context.Context, req CommitRequest) error {
	_, _, err := c.exchange(ctx, req)
	return err
}

// Stat returns file metadata.
func (c *Client) Stat(ctx context.Context, fileID uint64) (FileInfo, error) {
	frameType, payload, err := c.exchange(ctx, StatRequest{FileID: fileID})
	if err != nil {
		return FileInfo{}, err
	}
	if frameType != respTypeStat {
		return FileInfo{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frameType)
	}
	p := payloadReader{buf: payload}
	info := FileInfo{Size: p.uint64(), PartCount: p.uint32()}
	return info, p.err
}

func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
