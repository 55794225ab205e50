package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field tags, scoped per document Kind (the tag space is reused across
// kinds since canonical bytes always carry the Type alongside it).
const (
	TagEntityClass uint8 = iota + 1
	TagGivenName
	TagFamilyName
	TagNames
	TagSex
	TagBorn
	TagDisplayName

	TagPublicSign
	TagPublicBox

	TagSecretSign
	TagSecretBox

	TagBio
	TagAvatarDigest

	TagDomainName

	TagNodeAddress
	TagNodePort

	TagNetworkName
	TagNetworkNodes

	TagStatementOwner
	TagStatementRef

	TagSubject
	TagBody
	TagOwnerID

	TagReportApplied
	TagReportFailed

	TagShareTarget
	TagSharePermissions

	TagSealedBytes
	TagEnvelopeOwner
	TagHeaders

	TagAttachmentName
	TagAttachmentDigest

	TagUpdated
)

// Limits enforced at construction time (spec §4.4's "max lengths
// enumerated per field").
const (
	maxNameLen    = 128
	maxBioLen     = 2048
	maxSubjectLen = 256
	maxBodyLen    = 65536
)

func newBase(kind Kind, issuer uuid.UUID, created time.Time) *Document {
	return &Document{
		ID:      uuid.New(),
		Issuer:  issuer,
		Type:    kind,
		Created: created,
		Fields:  make(map[uint8]Field),
	}
}

// PersonData is the constructor input for an Entity(Person) document.
type PersonData struct {
	Given, Family string
	Names         []string
	Sex           string
	Born          time.Time
}

// NewPersonEntity builds an Entity document of class Person.
func NewPersonEntity(issuer uuid.UUID, p PersonData, created time.Time) (*Document, error) {
	if len(p.Given) == 0 || len(p.Given) > maxNameLen {
		return nil, fmt.Errorf("%w: given_name", ErrBeyondLimit)
	}
	d := newBase(KindEntity, issuer, created)
	d.setBytes(TagEntityClass, []byte{byte(EntityPerson)})
	d.setString(TagGivenName, p.Given)
	d.setString(TagFamilyName, p.Family)
	d.setStrings(TagNames, p.Names)
	d.setString(TagSex, p.Sex)
	d.setUint64(TagBorn, uint64(p.Born.Unix()))
	return d, nil
}

// NewKeys builds a Keys document carrying a public sign/box keypair.
func NewKeys(issuer uuid.UUID, signPub, boxPub []byte, created time.Time) *Document {
	d := newBase(KindKeys, issuer, created)
	d.setBytes(TagPublicSign, signPub)
	d.setBytes(TagPublicBox, boxPub)
	return d
}

// NewPrivateKeys builds a PrivateKeys document; secret material is never
// replicated (kept only in the owner's private portfolio store).
func NewPrivateKeys(issuer uuid.UUID, signSecret, boxSecret []byte, created time.Time) *Document {
	d := newBase(KindPrivateKeys, issuer, created)
	d.setBytes(TagSecretSign, signSecret)
	d.setBytes(TagSecretBox, boxSecret)
	return d
}

// NewProfile builds a Profile document.
func NewProfile(issuer uuid.UUID, displayName, bio string, avatarDigest []byte, created time.Time) (*Document, error) {
	if len(bio) > maxBioLen {
		return nil, fmt.Errorf("%w: bio", ErrBeyondLimit)
	}
	d := newBase(KindProfile, issuer, created)
	d.setString(TagDisplayName, displayName)
	d.setString(TagBio, bio)
	d.setBytes(TagAvatarDigest, avatarDigest)
	return d, nil
}

// NewNode builds a Node document describing a replication endpoint.
func NewNode(issuer uuid.UUID, address string, port uint64, created time.Time) *Document {
	d := newBase(KindNode, issuer, created)
	d.setString(TagNodeAddress, address)
	d.setUint64(TagNodePort, port)
	return d
}

// NewNetwork builds a Network document grouping member node ids.
func NewNetwork(issuer uuid.UUID, name string, nodeIDs []uuid.UUID, created time.Time) *Document {
	d := newBase(KindNetwork, issuer, created)
	d.setString(TagNetworkName, name)
	ids := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = id.String()
	}
	d.setStrings(TagNetworkNodes, ids)
	return d
}

// NewStatement builds a Trusted or Verified document, additive and
// idempotent per (issuer, owner).
func NewStatement(kind Kind, issuer, owner uuid.UUID, created time.Time) (*Document, error) {
	if kind != KindTrusted && kind != KindVerified {
		return nil, fmt.Errorf("document: NewStatement requires Trusted or Verified, got %d", kind)
	}
	d := newBase(kind, issuer, created)
	ownerBytes, _ := owner.MarshalBinary()
	d.setBytes(TagStatementOwner, ownerBytes)
	return d, nil
}

// NewRevoked builds a Revoked document referencing an earlier statement
// id issued by the same issuer.
func NewRevoked(issuer uuid.UUID, refStatement uuid.UUID, created time.Time) *Document {
	d := newBase(KindRevoked, issuer, created)
	refBytes, _ := refStatement.MarshalBinary()
	d.setBytes(TagStatementRef, refBytes)
	return d
}

// NewMail builds a Mail document. issuer must differ from owner.
func NewMail(issuer, owner uuid.UUID, subject, body string, created time.Time) (*Document, error) {
	if issuer == owner {
		return nil, ErrWrongIssuer
	}
	if len(subject) > maxSubjectLen {
		return nil, fmt.Errorf("%w: subject", ErrBeyondLimit)
	}
	if len(body) > maxBodyLen {
		return nil, fmt.Errorf("%w: body", ErrBeyondLimit)
	}
	d := newBase(KindMail, issuer, created)
	ownerBytes, _ := owner.MarshalBinary()
	d.setBytes(TagOwnerID, ownerBytes)
	d.setString(TagSubject, subject)
	d.setString(TagBody, body)
	return d, nil
}

// NewReport builds a Report document snapshotting an evaluate scope's
// applied and failed rule names (used as an audit artifact, not the
// in-memory task-local Report type in package portfolio).
func NewReport(issuer uuid.UUID, applied, failed []string, created time.Time) *Document {
	d := newBase(KindReport, issuer, created)
	d.setStrings(TagReportApplied, applied)
	d.setStrings(TagReportFailed, failed)
	return d
}

//---------------------------------------------------------------------
// Validation
//---------------------------------------------------------------------

// Validate enforces the per-type rules from spec §4.4: mandatory
// fields, bounds, expiry minimums, and type-specific checks.
func (d *Document) Validate() error {
	if d.Issuer == uuid.Nil {
		return fmt.Errorf("%w: issuer", ErrMissingField)
	}
	if d.Expires != nil {
		min, ok := minPeriod[d.Type]
		if ok && d.Expires.Before(d.Created.Add(min)) {
			return ErrShortExpiry
		}
	}
	switch d.Type {
	case KindEntity:
		return d.validateEntity()
	case KindMail:
		return d.validateMail()
	case KindEnvelope:
		return d.validateEnvelopeFields()
	}
	return nil
}

func (d *Document) validateEntity() error {
	class := EntityClass(0)
	if b := d.Bytes(TagEntityClass); len(b) == 1 {
		class = EntityClass(b[0])
	}
	if class != EntityPerson {
		return nil
	}
	given := d.String(TagGivenName)
	if given == "" {
		return fmt.Errorf("%w: given_name", ErrMissingField)
	}
	names := d.Strings(TagNames)
	found := false
	for _, n := range names {
		if n == given {
			found = true
			break
		}
	}
	if !found {
		return ErrPersonNamesMismatch
	}
	return nil
}

func (d *Document) validateMail() error {
	ownerBytes := d.Bytes(TagOwnerID)
	var owner uuid.UUID
	if len(ownerBytes) == 16 {
		_ = owner.UnmarshalBinary(ownerBytes)
	}
	if owner == d.Issuer {
		return ErrWrongIssuer
	}
	return nil
}

func (d *Document) validateEnvelopeFields() error {
	// No field-level checks here: header ordering is enforced on the
	// decoded Header slice by Envelope.AppendHeader.
	return nil
}

// ValidEmail is a minimal RFC-shape check used by Profile/contact fields
// that carry an email address; spec §4.4 does not define a full RFC
// 5322 grammar, just "valid email" as a mandatory-field check.
func ValidEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.Contains(s[at+1:], "@") && strings.Contains(s[at+1:], ".")
}
