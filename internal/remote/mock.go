package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bulkpipe/bulkpipe/pkg/wire"
)

// MockEndpoint is an in-memory implementation of the remote object
// endpoint, used for testing the transfer engine and session pool without
// a network. It speaks the real wire protocol over net.Pipe streams and
// can inject rate-limit responses and dial failures.
type MockEndpoint struct {
	mu sync.Mutex

	tokens   map[string]bool
	stale    map[string]bool
	objects  map[uint64][]byte
	names    map[uint64]string
	uploads  map[uint64]*mockUpload
	exported map[uint64][]byte

	nextAuthID uint64

	rateLimitLeft int
	rateLimitWait time.Duration
	failDialsLeft int

	dialCount   int
	exportCount int
	openConns   int
}

type mockUpload struct {
	parts map[uint32][]byte
	big   bool
}

var _ Dialer = (*MockEndpoint)(nil)

// NewMockEndpoint creates an empty mock endpoint cluster. All endpoint IDs
// dial into the same instance; credential export/import gates access the
// same way the real cluster does.
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{
		tokens:     make(map[string]bool),
		stale:      make(map[string]bool),
		objects:    make(map[uint64][]byte),
		names:      make(map[uint64]string),
		uploads:    make(map[uint64]*mockUpload),
		exported:   make(map[uint64][]byte),
		nextAuthID: 1,
	}
}

// AddToken registers a valid owner token.
func (m *MockEndpoint) AddToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = true
}

// AddStaleToken registers a token whose Authorize call is accepted but
// whose session never verifies, modeling expired stored authorization.
func (m *MockEndpoint) AddStaleToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = true
	m.stale[token] = true
}

// RevokeToken invalidates a token so Authorize and CheckAuth fail.
func (m *MockEndpoint) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// SeedObject stores downloadable content under fileID.
func (m *MockEndpoint) SeedObject(fileID uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[fileID] = append([]byte(nil), data...)
}

// Object returns the stored content for fileID.
func (m *MockEndpoint) Object(fileID uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[fileID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ObjectName returns the committed name for fileID.
func (m *MockEndpoint) ObjectName(fileID uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[fileID]
	return name, ok
}

// InjectRateLimit makes the next n data operations fail with a rate-limit
// error suggesting the given wait.
func (m *MockEndpoint) InjectRateLimit(n int, wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitLeft = n
	m.rateLimitWait = wait
}

// FailDials makes the next n Dial calls fail.
func (m *MockEndpoint) FailDials(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDialsLeft = n
}

// DialCount returns how many connections were dialed.
func (m *MockEndpoint) DialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialCount
}

// ExportCount returns how many credential exports were served.
func (m *MockEndpoint) ExportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportCount
}

// OpenConns returns the number of connections not yet closed.
func (m *MockEndpoint) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openConns
}

// Dial implements Dialer with an in-process pipe.
func (m *MockEndpoint) Dial(ctx context.Context, endpoint EndpointID) (Stream, error) {
	m.mu.Lock()
	if m.failDialsLeft > 0 {
		m.failDialsLeft--
		m.mu.Unlock()
		return nil, errors.New("injected dial failure")
	}
	m.dialCount++
	m.openConns++
	m.mu.Unlock()

	clientSide, serverSide := net.Pipe()
	go m.serve(serverSide, endpoint)
	return clientSide, nil
}

// serve handles one connection until the peer disconnects.
func (m *MockEndpoint) serve(conn net.Conn, endpoint EndpointID) {
	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		m.openConns--
		m.mu.Unlock()
	}()

	if err := wire.ReadHello(conn); err != nil {
		return
	}

	authorized := false
	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			return
		}
		if err := m.handle(conn, endpoint, req, &authorized); err != nil {
			return
		}
	}
}

func (m *MockEndpoint) handle(conn net.Conn, endpoint EndpointID, req any, authorized *bool) error {
	switch r := req.(type) {
	case wire.AuthorizeRequest:
		m.mu.Lock()
		ok := m.tokens[r.Token]
		stale := m.stale[r.Token]
		m.mu.Unlock()
		if !ok {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "unknown token"})
		}
		if !stale {
			*authorized = true
		}
		return wire.WriteOK(conn, true)

	case wire.CheckAuthRequest:
		return wire.WriteOK(conn, *authorized)

	case wire.ExportAuthRequest:
		if !*authorized {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "not authorized"})
		}
		m.mu.Lock()
		id := m.nextAuthID
		m.nextAuthID++
		blob := fmt.Appendf(nil, "cred-%d-ep%d", id, r.EndpointID)
		m.exported[id] = blob
		m.exportCount++
		m.mu.Unlock()
		return wire.WriteExportedAuth(conn, wire.ExportedAuth{ID: id, Blob: blob})

	case wire.ImportAuthRequest:
		m.mu.Lock()
		blob, ok := m.exported[r.ID]
		m.mu.Unlock()
		if !ok || !bytes.Equal(blob, r.Blob) {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "invalid credential"})
		}
		*authorized = true
		return wire.WriteOK(conn, true)

	case wire.GetChunkRequest:
		if !*authorized {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "not authorized"})
		}
		if werr := m.maybeRateLimit(); werr != nil {
			return wire.WriteError(conn, werr)
		}
		m.mu.Lock()
		data, ok := m.objects[r.FileID]
		m.mu.Unlock()
		if !ok {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeNotFound, Msg: "no such file"})
		}
		if r.Offset >= uint64(len(data)) {
			return wire.WriteChunk(conn, nil)
		}
		end := r.Offset + uint64(r.Limit)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return wire.WriteChunk(conn, data[r.Offset:end])

	case wire.SavePartRequest:
		return m.savePart(conn, authorized, r.FileID, r.Part, r.Data, false)

	case wire.SaveBigPartRequest:
		return m.savePart(conn, authorized, r.FileID, r.Part, r.Data, true)

	case wire.CommitRequest:
		if !*authorized {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "not authorized"})
		}
		data, werr := m.assemble(r)
		if werr != nil {
			return wire.WriteError(conn, werr)
		}
		m.mu.Lock()
		m.objects[r.FileID] = data
		m.names[r.FileID] = r.Name
		delete(m.uploads, r.FileID)
		m.mu.Unlock()
		return wire.WriteOK(conn, true)

	case wire.StatRequest:
		if !*authorized {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "not authorized"})
		}
		m.mu.Lock()
		data, ok := m.objects[r.FileID]
		m.mu.Unlock()
		if !ok {
			return wire.WriteError(conn, &wire.Error{Code: wire.CodeNotFound, Msg: "no such file"})
		}
		return wire.WriteFileInfo(conn, wire.FileInfo{Size: uint64(len(data))})

	default:
		return wire.WriteError(conn, &wire.Error{Code: wire.CodeBadRequest, Msg: "unexpected request"})
	}
}

func (m *MockEndpoint) savePart(conn net.Conn, authorized *bool, fileID uint64, part uint32, data []byte, big bool) error {
	if !*authorized {
		return wire.WriteError(conn, &wire.Error{Code: wire.CodeUnauthorized, Msg: "not authorized"})
	}
	if werr := m.maybeRateLimit(); werr != nil {
		return wire.WriteError(conn, werr)
	}
	m.mu.Lock()
	up, ok := m.uploads[fileID]
	if !ok {
		up = &mockUpload{parts: make(map[uint32][]byte), big: big}
		m.uploads[fileID] = up
	}
	up.parts[part] = append([]byte(nil), data...)
	m.mu.Unlock()
	return wire.WriteOK(conn, true)
}

func (m *MockEndpoint) maybeRateLimit() *wire.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rateLimitLeft <= 0 {
		return nil
	}
	m.rateLimitLeft--
	return &wire.Error{Code: wire.CodeRateLimited, RetryAfter: m.rateLimitWait, Msg: "too many requests"}
}

func (m *MockEndpoint) assemble(r wire.CommitRequest) ([]byte, *wire.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[r.FileID]
	if !ok {
		return nil, &wire.Error{Code: wire.CodeBadRequest, Msg: "no parts uploaded"}
	}
	var buf bytes.Buffer
	for i := uint32(0); i < r.PartCount; i++ {
		part, ok := up.parts[i]
		if !ok {
			return nil, &wire.Error{Code: wire.CodeBadRequest, Msg: fmt.Sprintf("missing part %d", i)}
		}
		buf.Write(part)
	}
	if !r.Big && r.Checksum != "" {
		sum := md5.Sum(buf.Bytes())
		if hex.EncodeToString(sum[:]) != r.Checksum {
			return nil, &wire.Error{Code: wire.CodeBadRequest, Msg: "checksum mismatch"}
		}
	}
	return buf.Bytes(), nil
}
