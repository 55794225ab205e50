package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry table wire format: a u32 format version and a u32 record count,
// then one variable-length record per entry: the fixed-width fields (ids,
// kind, flags, sizes, timestamps, digest) followed by name, user and
// group as 1-byte-length-prefixed strings. Records carry no length prefix
// of their own; entryRecordVersion gates layout changes.
const entryRecordVersion = 1

// encodeEntryTable serializes the live+tombstoned entry set into the
// directory-stream payload.
func encodeEntryTable(entries []*Entry) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(entryRecordVersion))
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))
	for _, e := range entries {
		encodeEntry(&buf, e)
	}
	return buf.Bytes()
}

func encodeEntry(buf *bytes.Buffer, e *Entry) {
	idBytes, _ := e.ID.MarshalBinary()
	buf.Write(idBytes)
	parentBytes, _ := e.Parent.MarshalBinary()
	buf.Write(parentBytes)
	ownerBytes, _ := e.Owner.MarshalBinary()
	buf.Write(ownerBytes)
	targetBytes, _ := e.Target.MarshalBinary()
	buf.Write(targetBytes)

	buf.WriteByte(byte(e.Kind))
	var deleted byte
	if e.Deleted {
		deleted = 1
	}
	buf.WriteByte(deleted)
	binary.Write(buf, binary.BigEndian, e.Perms)
	binary.Write(buf, binary.BigEndian, e.StreamID)
	binary.Write(buf, binary.BigEndian, e.FirstBlock)
	binary.Write(buf, binary.BigEndian, e.Size)
	binary.Write(buf, binary.BigEndian, e.Created.UnixNano())
	binary.Write(buf, binary.BigEndian, e.Modified.UnixNano())
	buf.Write(e.Digest[:])

	writeShortString(buf, e.Name)
	writeShortString(buf, e.User)
	writeShortString(buf, e.Group)
}

func writeShortString(buf *bytes.Buffer, s string) {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

// decodeEntryTable parses the directory-stream payload back into entries.
func decodeEntryTable(raw []byte) ([]*Entry, error) {
	r := bytes.NewReader(raw)
	var version, count uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("archive: entry table header: %w", err)
	}
	if version != entryRecordVersion {
		return nil, fmt.Errorf("archive: unsupported entry table version %d", version)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("archive: entry table count: %w", err)
	}
	out := make([]*Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := decodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("archive: entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntry(r *bytes.Reader) (*Entry, error) {
	e := &Entry{}
	var idb, parentb, ownerb, targetb [16]byte
	for _, dst := range [][]byte{idb[:], parentb[:], ownerb[:], targetb[:]} {
		if _, err := r.Read(dst); err != nil {
			return nil, err
		}
	}
	_ = e.ID.UnmarshalBinary(idb[:])
	_ = e.Parent.UnmarshalBinary(parentb[:])
	_ = e.Owner.UnmarshalBinary(ownerb[:])
	_ = e.Target.UnmarshalBinary(targetb[:])

	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	deleted, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Deleted = deleted == 1
	if err := binary.Read(r, binary.BigEndian, &e.Perms); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.StreamID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.FirstBlock); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.Size); err != nil {
		return nil, err
	}
	var createdNano, modifiedNano int64
	if err := binary.Read(r, binary.BigEndian, &createdNano); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &modifiedNano); err != nil {
		return nil, err
	}
	e.Created = time.Unix(0, createdNano).UTC()
	e.Modified = time.Unix(0, modifiedNano).UTC()
	if _, err := r.Read(e.Digest[:]); err != nil {
		return nil, err
	}

	name, err := readShortString(r)
	if err != nil {
		return nil, err
	}
	e.Name = name
	user, err := readShortString(r)
	if err != nil {
		return nil, err
	}
	e.User = user
	group, err := readShortString(r)
	if err != nil {
		return nil, err
	}
	e.Group = group
	return e, nil
}

// Keeps the uuid import referenced; the codec only calls uuid.UUID methods.
var _ = uuid.Nil
