// Package replication implements the length-prefixed client/server sync
// protocol (spec §4.7): handshake, per-file action resolution, chunked
// pull/push transfer, and the ABORT/threshold cancellation primitive.
package replication

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PacketType enumerates the wire-level frame kinds (spec §4.7, §6).
type PacketType uint8

const (
	PacketINIT PacketType = iota + 1
	PacketVERSION
	PacketOPERATION
	PacketCONFIRM
	PacketREQUEST
	PacketRESPONSE
	PacketDONE
	PacketSYNC
	PacketDOWNLOAD
	PacketGET
	PacketCHUNK
	PacketUPLOAD
	PacketPUT
	PacketRECEIVED
	PacketCLOSE
	PacketABORT
)

// ProtocolVersion is the only version this implementation speaks;
// handshake mismatches close the session.
const ProtocolVersion uint32 = 1

// CHUNK_SIZE is the plaintext chunk size for DOWNLOAD/UPLOAD transfers.
const ChunkSize = 1 << 15 // 32 KiB

// InitialThreshold is the ABORT counter's starting value (spec §4.7);
// exceeding it terminates the session.
const InitialThreshold = 10

// Wire-level errors (spec §7).
var (
	ErrProtocolError   = errors.New("replication: protocol error")
	ErrChunkMismatch   = errors.New("replication: chunk index mismatch")
	ErrSizeMismatch    = errors.New("replication: chunk size mismatch vs announced")
	ErrThresholdReached = errors.New("replication: abort threshold reached")
	ErrVersionMismatch = errors.New("replication: protocol version mismatch")
)

// Packet is one frame: u32 length || u8 type || body, where length
// covers type+body.
type Packet struct {
	Type PacketType
	Body []byte
}

// Encode serializes p to the wire, prefixing the total frame length.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1+len(p.Body)))
	buf.WriteByte(byte(p.Type))
	buf.Write(p.Body)
	return buf.Bytes()
}

// ReadPacket reads one length-prefixed frame from r.
func ReadPacket(r Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return Packet{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Packet{}, fmt.Errorf("%w: zero-length frame", ErrProtocolError)
	}
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketType(body[0]), Body: body[1:]}, nil
}

// Reader is the minimal io.Reader surface ReadPacket needs, kept as its
// own type so replication does not import net/io directly in the
// protocol file (transport.Conn satisfies it).
type Reader interface {
	Read(p []byte) (n int, err error)
}

func readFull(r Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

//---------------------------------------------------------------------
// Body codecs (spec §6: u32/u8/bool/string/uuid fields)
//---------------------------------------------------------------------

type bodyWriter struct{ buf bytes.Buffer }

func (w *bodyWriter) u32(v uint32)  { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *bodyWriter) u8(v uint8)    { w.buf.WriteByte(v) }
func (w *bodyWriter) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *bodyWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}
func (w *bodyWriter) uuidField(id uuid.UUID) {
	b, _ := id.MarshalBinary()
	w.buf.Write(b)
}
func (w *bodyWriter) bytes() []byte { return w.buf.Bytes() }

type bodyReader struct{ r *bytes.Reader }

func newBodyReader(b []byte) *bodyReader { return &bodyReader{r: bytes.NewReader(b)} }

func (r *bodyReader) u32() (uint32, error) {
	var v uint32
	err := binary.Read(r.r, binary.BigEndian, &v)
	return v, err
}
func (r *bodyReader) u8() (uint8, error) { return r.r.ReadByte() }
func (r *bodyReader) boolean() (bool, error) {
	b, err := r.r.ReadByte()
	return b == 1, err
}
func (r *bodyReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if int(n) > r.r.Len() {
		return "", fmt.Errorf("%w: string length overflow", ErrProtocolError)
	}
	b := make([]byte, n)
	if _, err := r.r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
func (r *bodyReader) uuidField() (uuid.UUID, error) {
	var b [16]byte
	if _, err := r.r.Read(b[:]); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	_ = id.UnmarshalBinary(b[:])
	return id, nil
}

//---------------------------------------------------------------------
// Handshake
//---------------------------------------------------------------------

// OperationPreset describes the sync configuration proposed in OPERATION.
type OperationPreset struct {
	Modified bool
	Name     string
}

// EncodeInit/EncodeVersion carry just the protocol version.
func EncodeInit() Packet    { w := &bodyWriter{}; w.u32(ProtocolVersion); return Packet{Type: PacketINIT, Body: w.bytes()} }
func EncodeVersion() Packet { w := &bodyWriter{}; w.u32(ProtocolVersion); return Packet{Type: PacketVERSION, Body: w.bytes()} }

func DecodeVersion(p Packet) (uint32, error) {
	return newBodyReader(p.Body).u32()
}

// EncodeOperation carries the proposed preset.
func EncodeOperation(preset OperationPreset) Packet {
	w := &bodyWriter{}
	w.u32(ProtocolVersion)
	w.boolean(preset.Modified)
	w.str(preset.Name)
	return Packet{Type: PacketOPERATION, Body: w.bytes()}
}

func DecodeOperation(p Packet) (OperationPreset, error) {
	r := newBodyReader(p.Body)
	if _, err := r.u32(); err != nil {
		return OperationPreset{}, err
	}
	modified, err := r.boolean()
	if err != nil {
		return OperationPreset{}, err
	}
	name, err := r.str()
	if err != nil {
		return OperationPreset{}, err
	}
	return OperationPreset{Modified: modified, Name: name}, nil
}

// EncodeConfirm/DecodeConfirm carry a single boolean outcome.
func EncodeConfirm(ok bool) Packet {
	w := &bodyWriter{}
	w.boolean(ok)
	return Packet{Type: PacketCONFIRM, Body: w.bytes()}
}

func DecodeConfirm(p Packet) (bool, error) {
	return newBodyReader(p.Body).boolean()
}

//---------------------------------------------------------------------
// File info and action resolution (spec §4.7's 9-row table)
//---------------------------------------------------------------------

// FileInfo is one side's view of a replicated file.
type FileInfo struct {
	FileID   uuid.UUID
	Path     string
	Modified time.Time
	Deleted  bool
	Exists   bool
}

// Action is the resolved synchronization action for one file pair.
type Action uint8

const (
	ActionNoop Action = iota
	ActionCliCreate
	ActionSerCreate
	ActionSerUpdate
	ActionCliUpdate
	ActionSerDelete
	ActionCliDelete
)

// ResolveAction implements the exact 9-row decision table from spec
// §4.7, evaluated identically by client and server.
func ResolveAction(client, server FileInfo) Action {
	switch {
	case !client.Exists && !server.Exists:
		return ActionNoop
	case !client.Exists && server.Exists && !server.Deleted:
		return ActionCliCreate
	case !client.Exists && server.Exists && server.Deleted:
		return ActionNoop
	case client.Exists && client.Deleted && !server.Exists:
		return ActionNoop
	case client.Exists && client.Deleted && server.Exists && !server.Deleted:
		if client.Modified.After(server.Modified) {
			return ActionSerDelete
		}
		return ActionCliUpdate
	case client.Exists && client.Deleted && server.Exists && server.Deleted:
		return ActionNoop
	case client.Exists && !client.Deleted && !server.Exists:
		return ActionSerCreate
	case client.Exists && !client.Deleted && server.Exists && !server.Deleted:
		if client.Modified.After(server.Modified) {
			return ActionSerUpdate
		}
		return ActionCliUpdate
	case client.Exists && !client.Deleted && server.Exists && server.Deleted:
		if client.Modified.After(server.Modified) {
			return ActionSerUpdate
		}
		return ActionCliDelete
	}
	return ActionNoop
}

// EncodeFileInfo/DecodeFileInfo marshal a FileInfo for REQUEST/RESPONSE
// and SYNC bodies.
func EncodeFileInfo(w *bodyWriter, f FileInfo) {
	w.uuidField(f.FileID)
	w.str(f.Path)
	w.str(f.Modified.UTC().Format(time.RFC3339Nano))
	w.boolean(f.Deleted)
	w.boolean(f.Exists)
}

func DecodeFileInfo(r *bodyReader) (FileInfo, error) {
	id, err := r.uuidField()
	if err != nil {
		return FileInfo{}, err
	}
	path, err := r.str()
	if err != nil {
		return FileInfo{}, err
	}
	modStr, err := r.str()
	if err != nil {
		return FileInfo{}, err
	}
	mod, err := time.Parse(time.RFC3339Nano, modStr)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: modified timestamp", ErrProtocolError)
	}
	deleted, err := r.boolean()
	if err != nil {
		return FileInfo{}, err
	}
	exists, err := r.boolean()
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{FileID: id, Path: path, Modified: mod, Deleted: deleted, Exists: exists}, nil
}

// EncodeSync proposes an action for one file.
func EncodeSync(f FileInfo, proposed Action) Packet {
	w := &bodyWriter{}
	EncodeFileInfo(w, f)
	w.u8(uint8(proposed))
	return Packet{Type: PacketSYNC, Body: w.bytes()}
}

func DecodeSync(p Packet) (FileInfo, Action, error) {
	r := newBodyReader(p.Body)
	f, err := DecodeFileInfo(r)
	if err != nil {
		return FileInfo{}, 0, err
	}
	a, err := r.u8()
	if err != nil {
		return FileInfo{}, 0, err
	}
	return f, Action(a), nil
}

//---------------------------------------------------------------------
// Chunked transfer
//---------------------------------------------------------------------

// ChunkMeta is the "meta" CHUNK body (spec §6's exact field list).
type ChunkMeta struct {
	Pieces   uint32
	Size     uint32
	Filename string
	Created  string
	Modified string
	Owner    uuid.UUID
	FileID   uuid.UUID
	User     string
	Group    string
	Perms    uint32
}

// EncodeChunkMeta serializes the "meta" CHUNK body.
func EncodeChunkMeta(m ChunkMeta) Packet {
	w := &bodyWriter{}
	w.str("meta")
	w.u32(m.Pieces)
	w.u32(m.Size)
	w.str(m.Filename)
	w.str(m.Created)
	w.str(m.Modified)
	w.uuidField(m.Owner)
	w.uuidField(m.FileID)
	w.str(m.User)
	w.str(m.Group)
	w.u32(m.Perms)
	return Packet{Type: PacketCHUNK, Body: w.bytes()}
}

// DecodeChunkMeta parses a "meta" CHUNK body; ErrProtocolError if the
// leading discriminator string isn't "meta".
func DecodeChunkMeta(p Packet) (ChunkMeta, error) {
	r := newBodyReader(p.Body)
	kind, err := r.str()
	if err != nil {
		return ChunkMeta{}, err
	}
	if kind != "meta" {
		return ChunkMeta{}, ErrProtocolError
	}
	m := ChunkMeta{}
	if m.Pieces, err = r.u32(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Size, err = r.u32(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Filename, err = r.str(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Created, err = r.str(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Modified, err = r.str(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Owner, err = r.uuidField(); err != nil {
		return ChunkMeta{}, err
	}
	if m.FileID, err = r.uuidField(); err != nil {
		return ChunkMeta{}, err
	}
	if m.User, err = r.str(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Group, err = r.str(); err != nil {
		return ChunkMeta{}, err
	}
	if m.Perms, err = r.u32(); err != nil {
		return ChunkMeta{}, err
	}
	return m, nil
}

// EncodeChunkData serializes a "data" CHUNK body carrying one piece.
func EncodeChunkData(index uint32, data []byte) Packet {
	w := &bodyWriter{}
	w.str("data")
	w.u32(index)
	w.u32(uint32(len(data)))
	w.buf.Write(data)
	return Packet{Type: PacketCHUNK, Body: w.bytes()}
}

// DecodeChunkData parses a "data" CHUNK body, validating the announced
// size against the actual payload length (ErrSizeMismatch on mismatch).
func DecodeChunkData(p Packet) (index uint32, data []byte, err error) {
	r := newBodyReader(p.Body)
	kind, err := r.str()
	if err != nil {
		return 0, nil, err
	}
	if kind != "data" {
		return 0, nil, fmt.Errorf("%w: expected data chunk, got %q", ErrProtocolError, kind)
	}
	index, err = r.u32()
	if err != nil {
		return 0, nil, err
	}
	size, err := r.u32()
	if err != nil {
		return 0, nil, err
	}
	if int(size) > r.r.Len() {
		return 0, nil, ErrSizeMismatch
	}
	data = make([]byte, size)
	if _, err := r.r.Read(data); err != nil {
		return 0, nil, err
	}
	if uint32(len(data)) != size {
		return 0, nil, ErrSizeMismatch
	}
	return index, data, nil
}

// EncodeRequest asks the peer for its full file list under the agreed
// preset; it carries no body.
func EncodeRequest() Packet { return Packet{Type: PacketREQUEST} }

// EncodeResponse answers REQUEST with the sender's file list.
func EncodeResponse(files []FileInfo) Packet {
	w := &bodyWriter{}
	w.u32(uint32(len(files)))
	for _, f := range files {
		EncodeFileInfo(w, f)
	}
	return Packet{Type: PacketRESPONSE, Body: w.bytes()}
}

// DecodeResponse parses a RESPONSE body back into a file list.
func DecodeResponse(p Packet) ([]FileInfo, error) {
	r := newBodyReader(p.Body)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		f, err := DecodeFileInfo(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// EncodeGet requests either "meta" or one "data" piece by index.
func EncodeGet(what string, index uint32) Packet {
	w := &bodyWriter{}
	w.str(what)
	if what == "data" {
		w.u32(index)
	}
	return Packet{Type: PacketGET, Body: w.bytes()}
}

func DecodeGet(p Packet) (what string, index uint32, err error) {
	r := newBodyReader(p.Body)
	what, err = r.str()
	if err != nil {
		return "", 0, err
	}
	if what == "data" {
		index, err = r.u32()
	}
	return what, index, err
}
