// Package mailbox implements envelope wrap/unwrap, mailbox folder
// conventions, and the store-and-forward invariant (spec §4.6).
package mailbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vaultmesh/internal/archive"
	vcrypto "vaultmesh/internal/crypto"
	"vaultmesh/internal/document"
	"vaultmesh/internal/portfolio"
)

// Folder conventions under the vault root (spec §6).
const (
	FolderInbox  = "/messages/inbox"
	FolderOutbox = "/messages/outbox"
	FolderRead   = "/messages/read"
	FolderDrafts = "/messages/drafts"
	FolderSent   = "/messages/sent"
	FolderTrash  = "/messages/trash"
	FolderCache  = "/cache/msg"
)

// Operation-level errors (spec §7).
var (
	ErrCryptoFailure  = errors.New("mailbox: crypto failure opening envelope")
	ErrStoreMismatch  = errors.New("mailbox: envelope/message fields disagree")
)

// Identity bundles the key material a portfolio owner needs to wrap and
// open envelopes.
type Identity struct {
	EntityID   uuid.UUID
	SignSecret []byte
	SignPublic []byte
	BoxSecret  [32]byte
	BoxPublic  [32]byte
}

// boxKey32 copies a variable-length box key (as stored on a Keys
// document) into the fixed array shape crypto.BoxPrecompute expects.
func boxKey32(b []byte) *[32]byte {
	var out [32]byte
	copy(out[:], b)
	return &out
}

// Wrap seals message for recipient and produces a signed Envelope with
// a single SEND header, per spec §4.6 steps 1-4.
func Wrap(sender Identity, senderPortfolio *portfolio.Portfolio, recipient Identity, message *document.Document, now time.Time) (*document.Envelope, error) {
	if message.Issuer != sender.EntityID {
		return nil, document.ErrWrongIssuer
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	ok, err := message.Verify(sender.SignPublic)
	if err != nil || !ok {
		return nil, ErrCryptoFailure
	}

	raw, err := document.Serialize(message)
	if err != nil {
		return nil, err
	}
	shared := vcrypto.BoxPrecompute(&sender.BoxSecret, &recipient.BoxPublic)
	sealed, err := vcrypto.BoxSealPrecomputed(shared, raw)
	if err != nil {
		return nil, err
	}

	env := document.NewEnvelope(sender.EntityID, recipient.EntityID, sealed, now.UTC())
	if err := env.SignExcludingHeaders(sender.SignSecret); err != nil {
		return nil, err
	}
	sendSig, err := vcrypto.Sign(sender.SignSecret, headerSignable(document.OpSend, sender.EntityID, now))
	if err != nil {
		return nil, err
	}
	if err := env.AppendHeader(document.Header{Op: document.OpSend, Issuer: sender.EntityID, Timestamp: now.UTC(), Signature: sendSig}); err != nil {
		return nil, err
	}
	return env, nil
}

func headerSignable(op document.HeaderOp, issuer uuid.UUID, ts time.Time) []byte {
	idBytes, _ := issuer.MarshalBinary()
	out := append([]byte{byte(op)}, idBytes...)
	tsBytes := []byte(ts.UTC().Format(time.RFC3339Nano))
	return append(out, tsBytes...)
}

// Opened is the result of a successful Open: the decrypted message plus
// the evidence artifact to persist.
type Opened struct {
	Message      *document.Document
	StoredLetter *document.StoredLetter
}

// Open verifies and unseals an envelope addressed to recipient, per
// spec §4.6 steps 1-3: signature check, unveil, message verification
// and validation, each step raising the specific error rather than
// silently passing a malformed message.
func Open(recipient Identity, senderPortfolio *portfolio.Portfolio, senderSignPublic []byte, env *document.Envelope) (*Opened, error) {
	ok, err := env.VerifyExcludingHeaders(senderSignPublic)
	if err != nil || !ok {
		return nil, ErrCryptoFailure
	}
	if err := env.Doc.Validate(); err != nil {
		return nil, err
	}

	senderBoxPublic, err := senderPortfolio.CurrentBoxPublic()
	if err != nil {
		return nil, err
	}
	precomp := vcrypto.BoxPrecompute(&recipient.BoxSecret, boxKey32(senderBoxPublic))
	plain, err := vcrypto.BoxOpenPrecomputed(precomp, env.Sealed)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	msg, err := document.Deserialize(plain)
	if err != nil {
		return nil, err
	}
	ok, err = msg.Verify(senderSignPublic)
	if err != nil || !ok {
		return nil, ErrCryptoFailure
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if err := checkStoreMismatch(env, msg); err != nil {
		return nil, err
	}

	letter := document.NewStoredLetter(recipient.EntityID, env, msg, time.Now().UTC())
	return &Opened{Message: msg, StoredLetter: letter}, nil
}

// checkStoreMismatch enforces the §4.6 invariant: envelope and inner
// message must agree on issuer/owner and their posted times must be
// within 60 seconds of each other.
func checkStoreMismatch(env *document.Envelope, msg *document.Document) error {
	msgOwnerBytes := msg.Bytes(document.TagOwnerID)
	var msgOwner uuid.UUID
	if len(msgOwnerBytes) == 16 {
		_ = msgOwner.UnmarshalBinary(msgOwnerBytes)
	}
	if env.Issuer != msg.Issuer || env.Owner != msgOwner {
		return ErrStoreMismatch
	}
	delta := env.Posted.Sub(msg.Created)
	if delta < 0 {
		delta = -delta
	}
	if delta > 60*time.Second {
		return ErrStoreMismatch
	}
	return nil
}

// Receive appends a RECEIVE header once the envelope reaches a node
// where owner == recipient; this must be the last header ever appended.
func Receive(env *document.Envelope, recipient Identity, now time.Time) error {
	if env.Owner != recipient.EntityID {
		return errors.New("mailbox: receive called at non-terminal node")
	}
	sig, err := vcrypto.Sign(recipient.SignSecret, headerSignable(document.OpReceive, recipient.EntityID, now))
	if err != nil {
		return err
	}
	return env.AppendHeader(document.Header{Op: document.OpReceive, Issuer: recipient.EntityID, Timestamp: now.UTC(), Signature: sig})
}

// Route appends a ROUTE header at a non-terminal hop; forbidden after a
// RECEIVE header has already been appended.
func Route(env *document.Envelope, hop Identity, now time.Time) error {
	if env.HasReceive() {
		return errors.New("mailbox: route forbidden after receive")
	}
	sig, err := vcrypto.Sign(hop.SignSecret, headerSignable(document.OpRoute, hop.EntityID, now))
	if err != nil {
		return err
	}
	return env.AppendHeader(document.Header{Op: document.OpRoute, Issuer: hop.EntityID, Timestamp: now.UTC(), Signature: sig})
}

// Store performs the store-and-forward invariant after a successful
// Open: writes the StoredLetter to /cache/msg/, removes the envelope
// from /messages/inbox/, and writes the message to /messages/read/.
func Store(fs *archive.FS, opened *Opened, envelopeID uuid.UUID) error {
	letterRaw, err := document.Serialize(opened.StoredLetter.Doc)
	if err != nil {
		return err
	}
	letterPath := fmt.Sprintf("%s/%s.cml", FolderCache, opened.StoredLetter.Doc.ID)
	if _, err := fs.Mkfile(letterPath, letterRaw, archive.MkfileOpts{}); err != nil {
		return err
	}

	inboxPath := fmt.Sprintf("%s/%s.env", FolderInbox, envelopeID)
	if fs.IsFile(inboxPath) {
		if err := fs.Remove(inboxPath, archive.RemoveHard); err != nil {
			return err
		}
	}

	msgRaw, err := document.Serialize(opened.Message)
	if err != nil {
		return err
	}
	readPath := fmt.Sprintf("%s/%s.mai", FolderRead, opened.Message.ID)
	_, err = fs.Mkfile(readPath, msgRaw, archive.MkfileOpts{})
	return err
}

// Deliver stores a freshly wrapped envelope in the outbox folder. It
// writes no inbox copy, even when the recipient is local.
func Deliver(fs *archive.FS, env *document.Envelope) error {
	raw, err := document.Serialize(env.Doc)
	if err != nil {
		return err
	}
	outPath := fmt.Sprintf("%s/%s.env", FolderOutbox, env.Doc.ID)
	_, err = fs.Mkfile(outPath, raw, archive.MkfileOpts{})
	return err
}
