package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

// Credentials is the stored authorization material for one owner.
type Credentials struct {
	Token    string
	Endpoint EndpointID
}

// Session is an owner's long-lived authenticated connection to their home
// endpoint. It also carries what a transfer job needs to spawn additional
// connections: the dialer and the owner's credentials.
type Session struct {
	owner  string
	creds  Credentials
	dialer Dialer
	conn   *Conn
	logger *slog.Logger
}

// NewSession dials the owner's home endpoint and authorizes with the stored
// token. The caller is expected to verify the session with Authorized and
// tear it down if verification fails.
func NewSession(ctx context.Context, dialer Dialer, owner string, creds Credentials, logger *slog.Logger) (*Session, error) {
	conn, err := NewConn(ctx, dialer, creds.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := conn.Client().Authorize(ctx, creds.Token); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authorization for owner %s failed: %w", owner, err)
	}
	return &Session{
		owner:  owner,
		creds:  creds,
		dialer: dialer,
		conn:   conn,
		logger: logger,
	}, nil
}

// Owner returns the owner this session belongs to.
func (s *Session) Owner() string {
	return s.owner
}

// Home returns the owner's home endpoint.
func (s *Session) Home() EndpointID {
	return s.creds.Endpoint
}

// Client returns the wire client of the session's own connection.
func (s *Session) Client() *wire.Client {
	return s.conn.Client()
}

// Authorized verifies the session's authorization with the endpoint.
func (s *Session) Authorized(ctx context.Context) (bool, error) {
	return s.conn.Client().CheckAuth(ctx)
}

// Factory returns a connection factory for a transfer job targeting the
// given endpoint. A zero target means the home endpoint.
func (s *Session) Factory(target EndpointID) *Factory {
	if target == 0 {
		target = s.creds.Endpoint
	}
	return &Factory{session: s, target: target}
}

// Close disconnects the session's connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
