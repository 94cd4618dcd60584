package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

// Factory creates the transfer connections for one job. When the job's
// target endpoint differs from the session's home endpoint, the first
// connection triggers a one-time credential export on the home endpoint;
// the exported credential is cached and every sibling connection imports
// it without repeating the export.
//
// Callers must create the first connection before creating any others
// concurrently, so the export happens exactly once.
type Factory struct {
	session *Session
	target  EndpointID

	mu       sync.Mutex
	exported *wire.ExportedAuth
}

// Target returns the endpoint this factory connects to.
func (f *Factory) Target() EndpointID {
	return f.target
}

// NewConn dials the target endpoint and authorizes the connection, either
// with the owner's token (home endpoint) or with the shared exported
// credential (foreign endpoint).
func (f *Factory) NewConn(ctx context.Context) (*Conn, error) {
	conn, err := NewConn(ctx, f.session.dialer, f.target)
	if err != nil {
		return nil, err
	}

	if f.target == f.session.creds.Endpoint {
		if err := conn.Client().Authorize(ctx, f.session.creds.Token); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to authorize transfer connection: %w", err)
		}
		return conn, nil
	}

	auth, err := f.sharedCredential(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Client().ImportAuth(ctx, auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to import credential on endpoint %d: %w", f.target, err)
	}
	return conn, nil
}

// sharedCredential returns the job's exported credential, exporting it via
// the session's home connection on first use.
func (f *Factory) sharedCredential(ctx context.Context) (wire.ExportedAuth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exported != nil {
		return *f.exported, nil
	}
	f.session.logger.Debug("exporting credential", "owner", f.session.owner, "target", f.target)
	auth, err := f.session.Client().ExportAuth(ctx, f.target)
	if err != nil {
		return wire.ExportedAuth{}, fmt.Errorf("failed to export credential for endpoint %d: %w", f.target, err)
	}
	f.exported = &auth
	return auth, nil
}
