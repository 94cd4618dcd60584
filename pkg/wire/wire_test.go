package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHello(&buf); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}
	if err := ReadHello(&buf); err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
}

func TestHelloRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOPE\x01")
	if err := ReadHello(buf); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("got %v, want ErrInvalidMagic", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  any
	}{
		{"authorize", AuthorizeRequest{Token: "tok-123"}},
		{"check_auth", CheckAuthRequest{}},
		{"export_auth", ExportAuthRequest{EndpointID: 7}},
		{"import_auth", ImportAuthRequest{ID: 42, Blob: []byte("cred")}},
		{"get_chunk", GetChunkRequest{FileID: 9, Offset: 1 << 20, Limit: 512 * 1024}},
		{"save_part", SavePartRequest{FileID: 9, Part: 3, Data: []byte("abc")}},
		{"save_big_part", SaveBigPartRequest{FileID: 9, Part: 3, PartCount: 40, Data: []byte("abc")}},
		{"commit", CommitRequest{FileID: 9, PartCount: 40, Name: "backup.tar", Checksum: "d41d8cd9", Big: true}},
		{"stat", StatRequest{FileID: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteRequest(&buf, tt.req); err != nil {
				t.Fatalf("WriteRequest: %v", err)
			}
			got, err := ReadRequest(&buf)
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			assertRequestEqual(t, tt.req, got)
		})
	}
}

func assertRequestEqual(t *testing.T, want, got any) {
	t.Helper()
	switch w := want.(type) {
	case ImportAuthRequest:
		g, ok := got.(ImportAuthRequest)
		if !ok || g.ID != w.ID || !bytes.Equal(g.Blob, w.Blob) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	case SavePartRequest:
		g, ok := got.(SavePartRequest)
		if !ok || g.FileID != w.FileID || g.Part != w.Part || !bytes.Equal(g.Data, w.Data) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	case SaveBigPartRequest:
		g, ok := got.(SaveBigPartRequest)
		if !ok || g.FileID != w.FileID || g.Part != w.Part || g.PartCount != w.PartCount || !bytes.Equal(g.Data, w.Data) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	default:
		if got != want {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	}
}

func TestWriteRequestRejectsOversizedToken(t *testing.T) {
	var buf bytes.Buffer
	token := make([]byte, maxTokenLength+1)
	if err := WriteRequest(&buf, AuthorizeRequest{Token: string(token)}); err == nil {
		t.Fatal("expected error for oversized token")
	}
}

func TestReadRequestRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{reqTypeGetChunk, 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	if _, err := ReadRequest(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadRequestRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, GetChunkRequest{FileID: 1, Offset: 2, Limit: 3}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	raw := buf.Bytes()
	// Shrink the declared payload so the decoder runs out of bytes.
	raw[4] = 3
	if _, err := ReadRequest(bytes.NewReader(raw[:5+3])); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

// serveOnce answers exactly one request on the server side of a pipe.
func serveOnce(t *testing.T, conn net.Conn, respond func(req any, w io.Writer) error) {
	t.Helper()
	go func() {
		defer conn.Close()
		if err := ReadHello(conn); err != nil {
			return
		}
		req, err := ReadRequest(conn)
		if err != nil {
			return
		}
		_ = respond(req, conn)
	}()
}

func TestClientDecodesErrorFrame(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	serveOnce(t, serverSide, func(req any, w io.Writer) error {
		return WriteError(w, &Error{Code: CodeRateLimited, RetryAfter: 1500 * time.Millisecond, Msg: "slow down"})
	})

	c := NewClient(clientSide)
	ctx := t.Context()
	if err := c.Handshake(ctx); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	_, err := c.GetChunk(ctx, 1, 0, 1024)
	if !IsRateLimited(err) {
		t.Fatalf("got %v, want rate-limit error", err)
	}
	wait, ok := RetryAfter(err)
	if !ok || wait != 1500*time.Millisecond {
		t.Fatalf("RetryAfter = %v, %v; want 1.5s, true", wait, ok)
	}
}

func TestClientChunkExchange(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	serveOnce(t, serverSide, func(req any, w io.Writer) error {
		r, ok := req.(GetChunkRequest)
		if !ok {
			t.Errorf("server got %T, want GetChunkRequest", req)
			return WriteError(w, &Error{Code: CodeBadRequest, Msg: "bad"})
		}
		if r.FileID != 7 || r.Offset != 1024 {
			t.Errorf("server got %+v", r)
		}
		return WriteChunk(w, []byte("payload"))
	})

	c := NewClient(clientSide)
	ctx := t.Context()
	if err := c.Handshake(ctx); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	data, err := c.GetChunk(ctx, 7, 1024, 512)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q, want %q", data, "payload")
	}
}
