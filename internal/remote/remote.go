// Package remote manages authenticated connections to object endpoints:
// dialing, the authorization handshake, and the per-job connection factory
// that shares an exported credential between sibling connections.
package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

// EndpointID identifies one remote object endpoint. Zero is reserved for
// "unspecified"; real endpoints are numbered from 1.
type EndpointID = uint16

// Stream is a single bidirectional byte stream carrying wire frames.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens a fresh stream to an endpoint. Implementations are safe for
// concurrent use; each Dial yields an independent connection.
type Dialer interface {
	Dial(ctx context.Context, endpoint EndpointID) (Stream, error)
}

// Conn is one live connection to an endpoint: a dialed stream plus the
// wire client speaking on it. Close is idempotent.
type Conn struct {
	endpoint  EndpointID
	stream    Stream
	client    *wire.Client
	closeOnce sync.Once
	closeErr  error
}

// NewConn dials an endpoint and runs the protocol hello. The connection is
// not yet authorized.
func NewConn(ctx context.Context, dialer Dialer, endpoint EndpointID) (*Conn, error) {
	stream, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial endpoint %d: %w", endpoint, err)
	}
	client := wire.NewClient(stream)
	if err := client.Handshake(ctx); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("handshake with endpoint %d failed: %w", endpoint, err)
	}
	return &Conn{endpoint: endpoint, stream: stream, client: client}, nil
}

// Endpoint returns the endpoint this connection is attached to.
func (c *Conn) Endpoint() EndpointID {
	return c.endpoint
}

// Client returns the wire client for this connection.
func (c *Conn) Client() *wire.Client {
	return c.client
}

// Close disconnects. Repeated calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}
