package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"
)

// ALPN protocol identifier for endpoint connections.
const alpnProtocol = "bulkpipe/1"

var _ Dialer = (*QUICDialer)(nil)

// QUICDialer dials object endpoints over QUIC. Every Dial opens its own
// QUIC connection with a single bidirectional stream; the transfer engine
// gets parallelism by dialing several times.
type QUICDialer struct {
	addrs    map[EndpointID]string
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   *slog.Logger
}

// NewQUICDialer creates a dialer for the given endpoint address map.
// If tlsConf is nil a default config with the bulkpipe ALPN is used.
func NewQUICDialer(addrs map[EndpointID]string, tlsConf *tls.Config, logger *slog.Logger) *QUICDialer {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProtocol}
	}
	return &QUICDialer{
		addrs:   addrs,
		tlsConf: tlsConf,
		logger:  logger,
	}
}

// Dial opens a QUIC connection to the endpoint and a stream on it.
func (d *QUICDialer) Dial(ctx context.Context, endpoint EndpointID) (Stream, error) {
	addr, ok := d.addrs[endpoint]
	if !ok {
		return nil, fmt.Errorf("no address for endpoint %d", endpoint)
	}

	conn, err := quic.DialAddr(ctx, addr, d.tlsConf, d.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	d.logger.Debug("dialed endpoint", "endpoint", endpoint, "addr", addr, "stream_id", stream.StreamID())

	return &quicStream{conn: conn, stream: stream}, nil
}

// quicStream ties the lifetime of the QUIC connection to its only stream.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicStream) Close() error {
	err := s.stream.Close()
	if cerr := s.conn.CloseWithError(0, ""); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
