package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a sealed message with a routing header trail (spec
// §3, §4.6). Unlike other kinds, its Headers live outside the tag/field
// map since they are excluded from the signable bytes.
type Envelope struct {
	Doc     *Document
	Issuer  uuid.UUID
	Owner   uuid.UUID
	Sealed  []byte
	Expires time.Time
	Posted  time.Time
	Headers []Header
}

// NewEnvelope constructs the Envelope document shell; Headers start
// empty and Sealed carries the box-sealed serialized message bytes.
func NewEnvelope(issuer, owner uuid.UUID, sealed []byte, posted time.Time) *Envelope {
	d := newBase(KindEnvelope, issuer, posted)
	ownerBytes, _ := owner.MarshalBinary()
	d.setBytes(TagEnvelopeOwner, ownerBytes)
	d.setBytes(TagSealedBytes, sealed)
	expires := posted.AddDate(0, 0, 30)
	d.Expires = &expires
	return &Envelope{
		Doc:     d,
		Issuer:  issuer,
		Owner:   owner,
		Sealed:  sealed,
		Expires: expires,
		Posted:  posted,
	}
}

// SignExcludingHeaders signs the envelope's canonical bytes without the
// Headers tag, per spec §4.6 step 3 ("sign the envelope excluding the
// headers field").
func (e *Envelope) SignExcludingHeaders(signSecret []byte) error {
	return e.Doc.Sign(signSecret)
}

// VerifyExcludingHeaders verifies the envelope's signature.
func (e *Envelope) VerifyExcludingHeaders(signPublic []byte) (bool, error) {
	return e.Doc.Verify(signPublic)
}

// AppendHeader adds a routing header, enforcing the ordering invariant:
// headers[0].op = SEND, at most one RECEIVE and it must be last, and no
// ROUTE may follow a RECEIVE.
func (e *Envelope) AppendHeader(h Header) error {
	if len(e.Headers) == 0 {
		if h.Op != OpSend {
			return ErrBadHeaderOrder
		}
		e.Headers = append(e.Headers, h)
		return nil
	}
	last := e.Headers[len(e.Headers)-1]
	if last.Op == OpReceive {
		return ErrBadHeaderOrder
	}
	if h.Timestamp.Before(last.Timestamp) {
		return ErrBadHeaderOrder
	}
	if h.Op == OpReceive {
		e.Headers = append(e.Headers, h)
		return nil
	}
	if h.Op != OpRoute {
		return ErrBadHeaderOrder
	}
	e.Headers = append(e.Headers, h)
	return nil
}

// HasReceive reports whether a RECEIVE header has been appended.
func (e *Envelope) HasReceive() bool {
	if len(e.Headers) == 0 {
		return false
	}
	return e.Headers[len(e.Headers)-1].Op == OpReceive
}

// EncodeHeaders serializes the header trail for on-disk storage,
// separate from the signed canonical document bytes.
func EncodeHeaders(hs []Header) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(hs)))
	for _, h := range hs {
		buf.WriteByte(byte(h.Op))
		idBytes, _ := h.Issuer.MarshalBinary()
		buf.Write(idBytes)
		binary.Write(&buf, binary.BigEndian, h.Timestamp.Unix())
		binary.Write(&buf, binary.BigEndian, uint16(len(h.Signature)))
		buf.Write(h.Signature)
	}
	return buf.Bytes()
}

// DecodeHeaders parses a header trail produced by EncodeHeaders.
func DecodeHeaders(raw []byte) ([]Header, error) {
	r := bytes.NewReader(raw)
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: header count", ErrBeyondLimit)
	}
	out := make([]Header, 0, n)
	for i := uint16(0); i < n; i++ {
		op, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: header op", ErrBeyondLimit)
		}
		var idb [16]byte
		if _, err := r.Read(idb[:]); err != nil {
			return nil, fmt.Errorf("%w: header issuer", ErrBeyondLimit)
		}
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, fmt.Errorf("%w: header timestamp", ErrBeyondLimit)
		}
		var sigLen uint16
		if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
			return nil, fmt.Errorf("%w: header sig length", ErrBeyondLimit)
		}
		if int(sigLen) > r.Len() {
			return nil, fmt.Errorf("%w: header sig body", ErrBeyondLimit)
		}
		sig := make([]byte, sigLen)
		if _, err := r.Read(sig); err != nil {
			return nil, err
		}
		var issuer uuid.UUID
		_ = issuer.UnmarshalBinary(idb[:])
		out = append(out, Header{Op: HeaderOp(op), Issuer: issuer, Timestamp: time.Unix(ts, 0).UTC(), Signature: sig})
	}
	return out, nil
}

// StoredLetter pairs an envelope with its decrypted message for the
// store-and-forward evidence cache (spec §4.6).
type StoredLetter struct {
	Doc     *Document
	Envelope *Envelope
	Message *Document
}

// NewStoredLetter builds the StoredLetter document written to
// /cache/msg/ once an envelope has been opened successfully.
func NewStoredLetter(issuer uuid.UUID, env *Envelope, msg *Document, created time.Time) *StoredLetter {
	d := newBase(KindStoredLetter, issuer, created)
	return &StoredLetter{Doc: d, Envelope: env, Message: msg}
}
