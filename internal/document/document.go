// Package document implements the typed, immutable document model (spec
// §4.4): a closed set of record kinds with tag/length/value canonical
// serialization used for both signing and hashing, and per-type
// validation rules.
package document

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	vcrypto "vaultmesh/internal/crypto"
)

// Kind enumerates the closed set of document types.
type Kind uint8

const (
	KindEntity Kind = iota + 1
	KindKeys
	KindPrivateKeys
	KindProfile
	KindDomain
	KindNode
	KindNetwork
	KindTrusted
	KindVerified
	KindRevoked
	KindMail
	KindNote
	KindInstant
	KindReport
	KindShare
	KindEnvelope
	KindAttachment
	KindStoredLetter
)

// EntityClass distinguishes the three Entity sub-kinds.
type EntityClass uint8

const (
	EntityPerson EntityClass = iota
	EntityMinistry
	EntityChurch
)

// minPeriod enforces spec §4.4's "expires >= created + min_period[type]"
// rule. Types not listed here carry no minimum (expires is optional).
var minPeriod = map[Kind]time.Duration{
	KindMail:   90 * 24 * time.Hour,  // 3 months
	KindEntity: 395 * 24 * time.Hour, // 13 months
}

// Validation and deserialization errors (spec §7).
var (
	ErrInvalidType         = errors.New("document: invalid type tag")
	ErrBeyondLimit         = errors.New("document: field length overflow")
	ErrShortExpiry         = errors.New("document: expires before minimum period")
	ErrPersonNamesMismatch = errors.New("document: given_name not in names")
	ErrInvalidEmail        = errors.New("document: invalid email")
	ErrMissingField        = errors.New("document: mandatory field missing")
	ErrWrongIssuer         = errors.New("document: issuer/owner constraint violated")
	ErrBadHeaderOrder      = errors.New("document: envelope header ordering invalid")
)

// Header is one entry in an Envelope's routing trail.
type HeaderOp uint8

const (
	OpSend HeaderOp = iota
	OpRoute
	OpReceive
)

type Header struct {
	Op        HeaderOp
	Issuer    uuid.UUID
	Timestamp time.Time
	Signature []byte
}

// Document is the common envelope around every kind's type-specific
// field set. Fields is keyed by tag; canonical serialization walks them
// in ascending tag order.
type Document struct {
	ID        uuid.UUID
	Issuer    uuid.UUID
	Type      Kind
	Created   time.Time
	Expires   *time.Time
	Signature []byte
	Fields    map[uint8]Field
}

// Field is one tag/length/value-serialized attribute. Kind determines
// how Bytes is re-read by field accessors.
type Field struct {
	Tag   uint8
	Bytes []byte
}

func (d *Document) setString(tag uint8, s string) {
	if d.Fields == nil {
		d.Fields = make(map[uint8]Field)
	}
	d.Fields[tag] = Field{Tag: tag, Bytes: []byte(s)}
}

func (d *Document) setBytes(tag uint8, b []byte) {
	if d.Fields == nil {
		d.Fields = make(map[uint8]Field)
	}
	d.Fields[tag] = Field{Tag: tag, Bytes: b}
}

func (d *Document) setUint64(tag uint8, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	d.setBytes(tag, b)
}

func (d *Document) setStrings(tag uint8, list []string) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(list)))
	for _, s := range list {
		binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.WriteString(s)
	}
	d.setBytes(tag, buf.Bytes())
}

// String returns the string value stored at tag, or "" if absent.
func (d *Document) String(tag uint8) string {
	f, ok := d.Fields[tag]
	if !ok {
		return ""
	}
	return string(f.Bytes)
}

// Strings returns the string-list value stored at tag.
func (d *Document) Strings(tag uint8) []string {
	f, ok := d.Fields[tag]
	if !ok {
		return nil
	}
	r := bytes.NewReader(f.Bytes)
	var n uint16
	if binary.Read(r, binary.BigEndian, &n) != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		var l uint16
		if binary.Read(r, binary.BigEndian, &l) != nil {
			return out
		}
		b := make([]byte, l)
		if _, err := r.Read(b); err != nil {
			return out
		}
		out = append(out, string(b))
	}
	return out
}

// Uint64 returns the uint64 value stored at tag.
func (d *Document) Uint64(tag uint8) uint64 {
	f, ok := d.Fields[tag]
	if !ok || len(f.Bytes) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(f.Bytes)
}

// Bytes returns the raw byte value stored at tag.
func (d *Document) Bytes(tag uint8) []byte { return d.Fields[tag].Bytes }

//---------------------------------------------------------------------
// Canonical serialization
//---------------------------------------------------------------------

const (
	maxFieldLen  = 1 << 16
	maxDocFields = 255
)

// Canonical returns the signable byte form: issuer bytes, the type byte,
// the created time (i64 Unix seconds), an expiry flag byte followed by the
// expiry time when set, then every field not named in excludeTags (sorted
// by tag) as tag || u16-length || bytes. The signature is not a field and
// is never included; envelope headers live outside Fields.
func (d *Document) Canonical(excludeTags ...uint8) ([]byte, error) {
	exclude := make(map[uint8]bool, len(excludeTags))
	for _, t := range excludeTags {
		exclude[t] = true
	}
	var buf bytes.Buffer
	idBytes, _ := d.Issuer.MarshalBinary()
	buf.Write(idBytes)
	buf.WriteByte(byte(d.Type))
	binary.Write(&buf, binary.BigEndian, d.Created.Unix())
	if d.Expires != nil {
		buf.WriteByte(1)
		binary.Write(&buf, binary.BigEndian, d.Expires.Unix())
	} else {
		buf.WriteByte(0)
	}

	tags := make([]uint8, 0, len(d.Fields))
	for t := range d.Fields {
		if exclude[t] {
			continue
		}
		tags = append(tags, t)
	}
	for i := 0; i < len(tags); i++ {
		for j := i + 1; j < len(tags); j++ {
			if tags[j] < tags[i] {
				tags[i], tags[j] = tags[j], tags[i]
			}
		}
	}
	for _, t := range tags {
		f := d.Fields[t]
		if len(f.Bytes) > maxFieldLen {
			return nil, fmt.Errorf("%w: tag %d", ErrBeyondLimit, t)
		}
		buf.WriteByte(t)
		binary.Write(&buf, binary.BigEndian, uint16(len(f.Bytes)))
		buf.Write(f.Bytes)
	}
	return buf.Bytes(), nil
}

// Sign computes Canonical() and stores the Ed25519 signature bytes
// (crypto.Sign's combined sig||msg output, with the msg half dropped
// since Canonical() reconstructs it deterministically).
func (d *Document) Sign(signSecret ed25519.PrivateKey) error {
	canon, err := d.Canonical()
	if err != nil {
		return err
	}
	blob, err := vcrypto.Sign(signSecret, canon)
	if err != nil {
		return err
	}
	d.Signature = blob[:vcrypto.SignatureSize]
	return nil
}

// Verify checks the document's signature against signPublic.
func (d *Document) Verify(signPublic ed25519.PublicKey) (bool, error) {
	canon, err := d.Canonical()
	if err != nil {
		return false, err
	}
	if len(d.Signature) != vcrypto.SignatureSize {
		return false, nil
	}
	blob := append(append([]byte{}, d.Signature...), canon...)
	if _, err := vcrypto.Verify(signPublic, blob); err != nil {
		if errors.Is(err, vcrypto.ErrCryptoFailure) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Digest returns the BLAKE2b-512 hash of the canonical form, used for
// deduplication and the stable test-vector digest in spec scenario S2.
func (d *Document) Digest() ([]byte, error) {
	canon, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return vcrypto.GenericHash(nil, 64, canon)
}

// Serialize produces the full on-disk record: id || u32 canonical length
// || canonical bytes || u16 signature length || signature, so Deserialize
// can recover the signature without a side channel.
func Serialize(d *Document) ([]byte, error) {
	canon, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	idBytes, _ := d.ID.MarshalBinary()
	buf.Write(idBytes)
	binary.Write(&buf, binary.BigEndian, uint32(len(canon)))
	buf.Write(canon)
	binary.Write(&buf, binary.BigEndian, uint16(len(d.Signature)))
	buf.Write(d.Signature)
	return buf.Bytes(), nil
}

// Deserialize is total: any tag past end-of-stream is InvalidType, any
// declared length overflowing the remaining buffer is BeyondLimit.
func Deserialize(raw []byte) (*Document, error) {
	r := bytes.NewReader(raw)
	var idb [16]byte
	if _, err := r.Read(idb[:]); err != nil {
		return nil, fmt.Errorf("%w: id", ErrBeyondLimit)
	}
	d := &Document{Fields: make(map[uint8]Field)}
	_ = d.ID.UnmarshalBinary(idb[:])

	var canonLen uint32
	if err := binary.Read(r, binary.BigEndian, &canonLen); err != nil {
		return nil, fmt.Errorf("%w: canon length", ErrBeyondLimit)
	}
	if int(canonLen) > r.Len() {
		return nil, fmt.Errorf("%w: canon body", ErrBeyondLimit)
	}
	canon := make([]byte, canonLen)
	if _, err := r.Read(canon); err != nil {
		return nil, fmt.Errorf("%w: canon read", ErrBeyondLimit)
	}

	var sigLen uint16
	if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
		return nil, fmt.Errorf("%w: sig length", ErrBeyondLimit)
	}
	if int(sigLen) > r.Len() {
		return nil, fmt.Errorf("%w: sig body", ErrBeyondLimit)
	}
	sig := make([]byte, sigLen)
	if _, err := r.Read(sig); err != nil {
		return nil, err
	}
	d.Signature = sig

	cr := bytes.NewReader(canon)
	var issuerb [16]byte
	if _, err := cr.Read(issuerb[:]); err != nil {
		return nil, fmt.Errorf("%w: issuer", ErrBeyondLimit)
	}
	_ = d.Issuer.UnmarshalBinary(issuerb[:])
	kindByte, err := cr.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: kind", ErrBeyondLimit)
	}
	if kindByte < uint8(KindEntity) || kindByte > uint8(KindStoredLetter) {
		return nil, ErrInvalidType
	}
	d.Type = Kind(kindByte)

	var createdUnix int64
	if err := binary.Read(cr, binary.BigEndian, &createdUnix); err != nil {
		return nil, fmt.Errorf("%w: created", ErrBeyondLimit)
	}
	d.Created = time.Unix(createdUnix, 0).UTC()

	hasExpiry, err := cr.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: expiry flag", ErrBeyondLimit)
	}
	if hasExpiry == 1 {
		var expUnix int64
		if err := binary.Read(cr, binary.BigEndian, &expUnix); err != nil {
			return nil, fmt.Errorf("%w: expires", ErrBeyondLimit)
		}
		t := time.Unix(expUnix, 0).UTC()
		d.Expires = &t
	}

	for cr.Len() > 0 {
		tag, err := cr.ReadByte()
		if err != nil {
			return nil, ErrInvalidType
		}
		var flen uint16
		if err := binary.Read(cr, binary.BigEndian, &flen); err != nil {
			return nil, fmt.Errorf("%w: field length", ErrBeyondLimit)
		}
		if int(flen) > cr.Len() {
			return nil, fmt.Errorf("%w: field body", ErrBeyondLimit)
		}
		val := make([]byte, flen)
		if _, err := cr.Read(val); err != nil {
			return nil, fmt.Errorf("%w: field read", ErrBeyondLimit)
		}
		d.Fields[tag] = Field{Tag: tag, Bytes: val}
	}
	return d, nil
}
