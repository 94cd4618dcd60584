// Package wire implements the request/response protocol spoken between a
// transfer connection and a remote object endpoint. Each exchange is one
// request frame followed by one response frame on the same stream; the
// endpoint never pushes unsolicited frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolMagic is sent once per connection before any frame.
	ProtocolMagic = "BPW1"
	// ProtocolVersion is negotiated during the hello exchange.
	ProtocolVersion = byte(1)

	reqTypeAuthorize   = byte(0x01)
	reqTypeCheckAuth   = byte(0x02)
	reqTypeExportAuth  = byte(0x03)
	reqTypeImportAuth  = byte(0x04)
	reqTypeGetChunk    = byte(0x10)
	reqTypeSavePart    = byte(0x11)
	reqTypeSaveBigPart = byte(0x12)
	reqTypeCommit      = byte(0x13)
	reqTypeStat        = byte(0x14)

	respTypeOK    = byte(0x80)
	respTypeChunk = byte(0x81)
	respTypeAuth  = byte(0x82)
	respTypeStat  = byte(0x83)
	respTypeError = byte(0xFF)

	// maxFramePayload bounds a single frame. Chunk payloads are at most one
	// part (512 KiB); the rest is header slack.
	maxFramePayload = 1 << 20

	maxTokenLength = 512
	maxNameLength  = 256
)

var (
	// ErrInvalidMagic indicates the hello magic bytes don't match.
	ErrInvalidMagic = errors.New("invalid protocol magic")
	// ErrFrameTooLarge indicates a frame payload exceeds the protocol bound.
	ErrFrameTooLarge = errors.New("frame payload too large")
	// ErrUnknownFrame indicates a frame type this side does not understand.
	ErrUnknownFrame = errors.New("unknown frame type")
)

// AuthorizeRequest authenticates the connection with an owner token.
type AuthorizeRequest struct {
	Token string
}

// CheckAuthRequest asks whether the connection's authorization is valid.
type CheckAuthRequest struct{}

// ExportAuthRequest asks the home endpoint for a credential usable on
// another endpoint.
type ExportAuthRequest struct {
	EndpointID uint16
}

// ImportAuthRequest presents an exported credential to a target endpoint.
type ImportAuthRequest struct {
	ID   uint64
	Blob []byte
}

// GetChunkRequest reads file bytes at a given offset.
type GetChunkRequest struct {
	FileID uint64
	Offset uint64
	Limit  uint32
}

// SavePartRequest stores one part of a small file.
type SavePartRequest struct {
	FileID uint64
	Part   uint32
	Data   []byte
}

// SaveBigPartRequest stores one part of a large file. PartCount lets the
// endpoint detect completion without a separate commit of the part map.
type SaveBigPartRequest struct {
	FileID    uint64
	Part      uint32
	PartCount uint32
	Data      []byte
}

// CommitRequest finalizes an upload.
type CommitRequest struct {
	FileID    uint64
	PartCount uint32
	Name      string
	Checksum  string
	Big       bool
}

// StatRequest asks for file metadata.
type StatRequest struct {
	FileID uint64
}

// ExportedAuth is the credential returned by ExportAuth and accepted by
// ImportAuth on the target endpoint.
type ExportedAuth struct {
	ID   uint64
	Blob []byte
}

// FileInfo is the response to Stat.
type FileInfo struct {
	Size      uint64
	PartCount uint32
}

// WriteHello writes the connection preamble.
func WriteHello(w io.Writer) error {
	if _, err := w.Write([]byte(ProtocolMagic)); err != nil {
		return fmt.Errorf("failed to write hello magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("failed to write hello version: %w", err)
	}
	return nil
}

// ReadHello reads and validates the connection preamble.
func ReadHello(r io.Reader) error {
	buf := make([]byte, len(ProtocolMagic)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if string(buf[:len(ProtocolMagic)]) != ProtocolMagic {
		return ErrInvalidMagic
	}
	if buf[len(ProtocolMagic)] != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", buf[len(ProtocolMagic)])
	}
	return nil
}

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return ErrFrameTooLarge
	}
	header := make([]byte, 5)
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFramePayload {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return header[0], payload, nil
}

// payload builder/reader helpers. All integers are big endian; variable
// fields are length-prefixed.

type payloadWriter struct {
	buf []byte
}

func (p *payloadWriter) uint16(v uint16) {
	p.buf = binary.BigEndian.AppendUint16(p.buf, v)
}

func (p *payloadWriter) uint32(v uint32) {
	p.buf = binary.BigEndian.AppendUint32(p.buf, v)
}

func (p *payloadWriter) uint64(v uint64) {
	p.buf = binary.BigEndian.AppendUint64(p.buf, v)
}

func (p *payloadWriter) bool(v bool) {
	if v {
		p.buf = append(p.buf, 1)
	} else {
		p.buf = append(p.buf, 0)
	}
}

func (p *payloadWriter) bytes(b []byte) {
	p.uint32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadWriter) string(s string) {
	p.uint16(uint16(len(s)))
	p.buf = append(p.buf, s...)
}

type payloadReader struct {
	buf []byte
	err error
}

func (p *payloadReader) uint16() uint16 {
	if p.err != nil || len(p.buf) < 2 {
		p.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(p.buf)
	p.buf = p.buf[2:]
	return v
}

func (p *payloadReader) uint32() uint32 {
	if p.err != nil || len(p.buf) < 4 {
		p.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(p.buf)
	p.buf = p.buf[4:]
	return v
}

func (p *payloadReader) uint64() uint64 {
	if p.err != nil || len(p.buf) < 8 {
		p.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(p.buf)
	p.buf = p.buf[8:]
	return v
}

func (p *payloadReader) bool() bool {
	if p.err != nil || len(p.buf) < 1 {
		p.fail()
		return false
	}
	v := p.buf[0] != 0
	p.buf = p.buf[1:]
	return v
}

func (p *payloadReader) bytes() []byte {
	n := p.uint32()
	if p.err != nil || uint32(len(p.buf)) < n {
		p.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, p.buf[:n])
	p.buf = p.buf[n:]
	return v
}

func (p *payloadReader) string() string {
	n := p.uint16()
	if p.err != nil || len(p.buf) < int(n) {
		p.fail()
		return ""
	}
	v := string(p.buf[:n])
	p.buf = p.buf[n:]
	return v
}

func (p *payloadReader) fail() {
	if p.err == nil {
		p.err = errors.New("truncated frame payload")
	}
}

// WriteRequest encodes and writes one typed request frame.
func WriteRequest(w io.Writer, req any) error {
	var p payloadWriter
	var frameType byte
	switch r := req.(type) {
	case AuthorizeRequest:
		if len(r.Token) > maxTokenLength {
			return fmt.Errorf("token too long: %d bytes", len(r.Token))
		}
		frameType = reqTypeAuthorize
		p.string(r.Token)
	case CheckAuthRequest:
		frameType = reqTypeCheckAuth
	case ExportAuthRequest:
		frameType = reqTypeExportAuth
		p.uint16(r.EndpointID)
	case ImportAuthRequest:
		frameType = reqTypeImportAuth
		p.uint64(r.ID)
		p.bytes(r.Blob)
	case GetChunkRequest:
		frameType = reqTypeGetChunk
		p.uint64(r.FileID)
		p.uint64(r.Offset)
		p.uint32(r.Limit)
	case SavePartRequest:
		frameType = reqTypeSavePart
		p.uint64(r.FileID)
		p.uint32(r.Part)
		p.bytes(r.Data)
	case SaveBigPartRequest:
		frameType = reqTypeSaveBigPart
		p.uint64(r.FileID)
		p.uint32(r.Part)
		p.uint32(r.PartCount)
		p.bytes(r.Data)
	case CommitRequest:
		if len(r.Name) > maxNameLength {
			return fmt.Errorf("name too long: %d bytes", len(r.Name))
		}
		frameType = reqTypeCommit
		p.uint64(r.FileID)
		p.uint32(r.PartCount)
		p.string(r.Name)
		p.string(r.Checksum)
		p.bool(r.Big)
	case StatRequest:
		frameType = reqTypeStat
		p.uint64(r.FileID)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownFrame, req)
	}
	return writeFrame(w, frameType, p.buf)
}

// ReadRequest reads one request frame and decodes it into its typed form.
// It is used by the endpoint side of the protocol.
func ReadRequest(r io.Reader) (any, error) {
	frameType, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	p := payloadReader{buf: payload}
	var req any
	switch frameType {
	case reqTypeAuthorize:
		req = AuthorizeRequest{Token: p.string()}
	case reqTypeCheckAuth:
		req = CheckAuthRequest{}
	case reqTypeExportAuth:
		req = ExportAuthRequest{EndpointID: p.uint16()}
	case reqTypeImportAuth:
		req = ImportAuthRequest{ID: p.uint64(), Blob: p.bytes()}
	case reqTypeGetChunk:
		req = GetChunkRequest{FileID: p.uint64(), Offset: p.uint64(), Limit: p.uint32()}
	case reqTypeSavePart:
		req = SavePartRequest{FileID: p.uint64(), Part: p.uint32(), Data: p.bytes()}
	case reqTypeSaveBigPart:
		req = SaveBigPartRequest{FileID: p.uint64(), Part: p.uint32(), PartCount: p.uint32(), Data: p.bytes()}
	case reqTypeCommit:
		req = CommitRequest{FileID: p.uint64(), PartCount: p.uint32(), Name: p.string(), Checksum: p.string(), Big: p.bool()}
	case reqTypeStat:
		req = StatRequest{FileID: p.uint64()}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frameType)
	}
	if p.err != nil {
		return nil, p.err
	}
	return req, nil
}

// WriteOK writes a success response carrying a single flag.
func WriteOK(w io.Writer, ok bool) error {
	var p payloadWriter
	p.bool(ok)
	return writeFrame(w, respTypeOK, p.buf)
}

// WriteChunk writes a chunk response. An empty chunk signals that the
// requested offset is at or past the end of the file.
func WriteChunk(w io.Writer, data []byte) error {
	var p payloadWriter
	p.bytes(data)
	return writeFrame(w, respTypeChunk, p.buf)
}

// WriteExportedAuth writes an exported credential response.
func WriteExportedAuth(w io.Writer, auth ExportedAuth) error {
	var p payloadWriter
	p.uint64(auth.ID)
	p.bytes(auth.Blob)
	return writeFrame(w, respTypeAuth, p.buf)
}

// WriteFileInfo writes a stat response.
func WriteFileInfo(w io.Writer, info FileInfo) error {
	var p payloadWriter
	p.uint64(info.Size)
	p.uint32(info.PartCount)
	return writeFrame(w, respTypeStat, p.buf)
}

// WriteError writes an error response frame. RetryAfter travels as whole
// milliseconds.
func WriteError(w io.Writer, werr *Error) error {
	var p payloadWriter
	p.uint16(werr.Code)
	p.uint32(uint32(werr.RetryAfter.Milliseconds()))
	p.string(werr.Msg)
	return writeFrame(w, respTypeError, p.buf)
}
