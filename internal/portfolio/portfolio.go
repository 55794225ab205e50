// Package portfolio groups a single entity's documents (spec §4.5):
// validate/accept/update policies, a task-local Report, key rotation,
// and the Trusted/Verified/Revoked statement lifecycle.
package portfolio

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vaultmesh/internal/archive"
	vcrypto "vaultmesh/internal/crypto"
	"vaultmesh/internal/document"
)

// PolicyBreach carries the accumulated Report of an evaluate scope that
// failed; surfaced atomically (spec §7).
type PolicyBreach struct {
	Report *Report
}

func (e *PolicyBreach) Error() string {
	return fmt.Sprintf("portfolio: policy breach (%d applied, %d failed)", len(e.Report.Applied), len(e.Report.Failed))
}

// Report accumulates applied and failed rule names within a single
// evaluate scope (task-local, never process-global).
type Report struct {
	Applied []string
	Failed  []RuleFailure
}

// RuleFailure names a failed rule and the underlying error.
type RuleFailure struct {
	Rule string
	Err  error
}

func (r *Report) pass(rule string)          { r.Applied = append(r.Applied, rule) }
func (r *Report) fail(rule string, err error) {
	r.Failed = append(r.Failed, RuleFailure{Rule: rule, Err: err})
}

// OK reports whether no rule failed.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// changeables lists the fields an Update may alter per document kind;
// every other field must be byte-identical across an update (spec
// §4.5's "preserve immutable fields").
var changeables = map[document.Kind][]uint8{
	document.KindProfile: {document.TagDisplayName, document.TagBio, document.TagAvatarDigest},
	document.KindNode:    {document.TagNodeAddress, document.TagNodePort},
	document.KindNetwork: {document.TagNetworkNodes},
}

// Portfolio is the public (replicable) document set for one entity.
type Portfolio struct {
	mu sync.RWMutex

	EntityID uuid.UUID
	fs       *archive.FS
	logger   *logrus.Logger

	entity  *document.Document
	keys    []*document.Document // may hold >1 during rotation overlap
	profile *document.Document
	domain  *document.Document
	nodes   map[uuid.UUID]*document.Document
	network *document.Document

	trusted  map[uuid.UUID]*document.Document // keyed by statement owner
	verified map[uuid.UUID]*document.Document
	revoked  map[uuid.UUID]*document.Document // keyed by referenced statement id

	auditPath string
}

// New constructs an empty portfolio bound to entityID, rooted under
// /portfolios/<entity-uuid>/ in the given archive.
func New(entityID uuid.UUID, fs *archive.FS, lg *logrus.Logger) *Portfolio {
	return &Portfolio{
		EntityID:  entityID,
		fs:        fs,
		logger:    lg,
		nodes:     make(map[uuid.UUID]*document.Document),
		trusted:   make(map[uuid.UUID]*document.Document),
		verified:  make(map[uuid.UUID]*document.Document),
		revoked:   make(map[uuid.UUID]*document.Document),
		auditPath: fmt.Sprintf("/portfolios/%s/audit.log", entityID),
	}
}

//---------------------------------------------------------------------
// Validate phase (pure; records into a fresh Report)
//---------------------------------------------------------------------

// ValidateEntityAndKeys checks the entity and keys documents together:
// the entity passes its own Validate, the keys document carries
// well-formed public material, and (if PrivateKeys is present) both
// verify against each other.
func (p *Portfolio) ValidateEntityAndKeys(entity, keys, privKeys *document.Document) *Report {
	r := &Report{}
	if err := entity.Validate(); err != nil {
		r.fail("entity.validate", err)
	} else {
		r.pass("entity.validate")
	}
	if keys == nil || len(keys.Bytes(document.TagPublicSign)) == 0 {
		r.fail("keys.present", document.ErrMissingField)
	} else {
		r.pass("keys.present")
	}
	if privKeys != nil && keys != nil {
		sig, err := keys.Verify(keys.Bytes(document.TagPublicSign))
		if err != nil || !sig {
			r.fail("keys.self_verify", errors.New("keys document does not verify against its own public key"))
		} else {
			r.pass("keys.self_verify")
		}
		secret := privKeys.Bytes(document.TagSecretSign)
		if len(secret) != ed25519.PrivateKeySize ||
			!bytes.Equal(ed25519.PrivateKey(secret).Public().(ed25519.PublicKey), keys.Bytes(document.TagPublicSign)) {
			r.fail("keys.private_match", errors.New("private sign key does not match the keys document's public sign key"))
		} else {
			r.pass("keys.private_match")
		}
	}
	return r
}

// ValidateIssued runs the generic per-type Validate on a candidate doc.
func (p *Portfolio) ValidateIssued(doc *document.Document) *Report {
	r := &Report{}
	if err := doc.Validate(); err != nil {
		r.fail(fmt.Sprintf("issued.validate[type=%d]", doc.Type), err)
		return r
	}
	r.pass(fmt.Sprintf("issued.validate[type=%d]", doc.Type))
	return r
}

// ValidateNode checks a Node document's address/port fields.
func (p *Portfolio) ValidateNode(node *document.Document) *Report {
	r := &Report{}
	if node.String(document.TagNodeAddress) == "" {
		r.fail("node.address", document.ErrMissingField)
	} else {
		r.pass("node.address")
	}
	if node.Uint64(document.TagNodePort) == 0 || node.Uint64(document.TagNodePort) > 65535 {
		r.fail("node.port", document.ErrBeyondLimit)
	} else {
		r.pass("node.port")
	}
	return r
}

// ValidateOwned checks that doc is correctly attributed to
// issuerPortfolio's entity and verifies against its current keys.
func (p *Portfolio) ValidateOwned(issuerPortfolio *Portfolio, doc *document.Document) *Report {
	r := &Report{}
	if doc.Issuer != issuerPortfolio.EntityID {
		r.fail("owned.issuer", document.ErrWrongIssuer)
		return r
	}
	r.pass("owned.issuer")
	ok, err := issuerPortfolio.verifyAgainstCurrentKeys(doc)
	if err != nil || !ok {
		r.fail("owned.signature", errors.New("signature does not verify against issuer's current keys"))
		return r
	}
	r.pass("owned.signature")
	return r
}

// CurrentBoxPublic returns the box (encryption) public key from the
// most recently accepted Keys document, used by mailbox to unseal
// envelopes addressed by this portfolio's entity.
func (p *Portfolio) CurrentBoxPublic() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return nil, errors.New("portfolio: no keys on file")
	}
	k := p.keys[len(p.keys)-1]
	pub := k.Bytes(document.TagPublicBox)
	if len(pub) == 0 {
		return nil, errors.New("portfolio: current keys carry no box public key")
	}
	return pub, nil
}

func (p *Portfolio) verifyAgainstCurrentKeys(doc *document.Document) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return false, errors.New("portfolio: no keys on file")
	}
	for _, k := range p.keys {
		ok, err := doc.Verify(k.Bytes(document.TagPublicSign))
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// ValidateEnvelope checks an envelope's signature and field validation
// against the sending portfolio.
func (p *Portfolio) ValidateEnvelope(senderPortfolio *Portfolio, env *document.Envelope) *Report {
	r := &Report{}
	ok, err := senderPortfolio.verifyAgainstCurrentKeys(env.Doc)
	if err != nil || !ok {
		r.fail("envelope.signature", errors.New("envelope signature invalid"))
		return r
	}
	r.pass("envelope.signature")
	if len(env.Headers) == 0 || env.Headers[0].Op != document.OpSend {
		r.fail("envelope.headers", document.ErrBadHeaderOrder)
		return r
	}
	r.pass("envelope.headers")
	return r
}

// ValidateMessage checks a message document's own validation and that
// it was signed by the sending portfolio's current keys.
func (p *Portfolio) ValidateMessage(senderPortfolio *Portfolio, msg *document.Document) *Report {
	r := &Report{}
	if err := msg.Validate(); err != nil {
		r.fail("message.validate", err)
		return r
	}
	r.pass("message.validate")
	ok, err := senderPortfolio.verifyAgainstCurrentKeys(msg)
	if err != nil || !ok {
		r.fail("message.signature", errors.New("message signature invalid"))
		return r
	}
	r.pass("message.signature")
	return r
}

//---------------------------------------------------------------------
// Accept / Update
//---------------------------------------------------------------------

// AcceptEntityAndKeys wraps ValidateEntityAndKeys and, on success,
// persists entity/keys/privkeys into the in-memory portfolio and to
// their vault paths under C3.
func (p *Portfolio) AcceptEntityAndKeys(entity, keys, privKeys *document.Document) error {
	report := p.ValidateEntityAndKeys(entity, keys, privKeys)
	if !report.OK() {
		return &PolicyBreach{Report: report}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entity = entity
	p.keys = []*document.Document{keys}
	if err := p.persist(entity, "ent"); err != nil {
		return err
	}
	if err := p.persist(keys, "key"); err != nil {
		return err
	}
	if privKeys != nil {
		if err := p.persist(privKeys, "pky"); err != nil {
			return err
		}
	}
	return p.appendAudit("accept_entity_and_keys")
}

// RotateKeys replaces the current PrivateKeys/Keys pair. newKeys must
// verify against both the current PrivateKeys (dual-sign by the old
// identity) and itself, enforcing continuity of identity across the
// rotation (spec §4.5).
func (p *Portfolio) RotateKeys(newKeys, newPrivKeys *document.Document, oldSignPublic []byte) error {
	report := &Report{}
	okOld, err := newKeys.Verify(oldSignPublic)
	if err != nil || !okOld {
		report.fail("rotate.dual_sign_old", errors.New("new keys document does not verify against current identity"))
		return &PolicyBreach{Report: report}
	}
	report.pass("rotate.dual_sign_old")
	okSelf, err := newKeys.Verify(newKeys.Bytes(document.TagPublicSign))
	if err != nil || !okSelf {
		report.fail("rotate.self_verify", errors.New("new keys document does not self-verify"))
		return &PolicyBreach{Report: report}
	}
	report.pass("rotate.self_verify")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, newKeys)
	if err := p.persist(newKeys, "key"); err != nil {
		return err
	}
	if err := p.persist(newPrivKeys, "pky"); err != nil {
		return err
	}
	return p.appendAudit("rotate_keys")
}

// UpdateEntity applies a replacement entity document, requiring a
// strictly newer Created timestamp and that only the type's
// changeable fields differ.
func (p *Portfolio) UpdateEntity(updated *document.Document) error {
	p.mu.Lock()
	current := p.entity
	p.mu.Unlock()
	if current == nil {
		return errors.New("portfolio: no current entity to update")
	}
	if !updated.Created.After(current.Created) {
		return errors.New("portfolio: update is not monotonically newer")
	}
	allowed := changeables[updated.Type]
	for tag, f := range current.Fields {
		if contains(allowed, tag) {
			continue
		}
		nf, ok := updated.Fields[tag]
		if !ok || string(nf.Bytes) != string(f.Bytes) {
			return fmt.Errorf("portfolio: update mutates immutable field tag %d", tag)
		}
	}
	ok, err := p.verifyAgainstCurrentKeys(updated)
	if err != nil || !ok {
		return errors.New("portfolio: update does not verify against current keys")
	}
	p.mu.Lock()
	p.entity = updated
	p.mu.Unlock()
	return p.appendAudit("update_entity")
}

func contains(list []uint8, v uint8) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

//---------------------------------------------------------------------
// Statement lifecycle: Trusted / Verified / Revoked
//---------------------------------------------------------------------

// AcceptStatement accepts a Trusted or Verified document. Additive and
// idempotent: the same (issuer, owner) pair collapses to the latest
// valid one.
func (p *Portfolio) AcceptStatement(stmt *document.Document, owner uuid.UUID) error {
	if stmt.Type != document.KindTrusted && stmt.Type != document.KindVerified {
		return fmt.Errorf("portfolio: AcceptStatement requires Trusted or Verified, got %d", stmt.Type)
	}
	if err := stmt.Validate(); err != nil {
		return &PolicyBreach{Report: &Report{Failed: []RuleFailure{{Rule: "statement.validate", Err: err}}}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, revoked := p.revoked[stmt.ID]; revoked {
		return errors.New("portfolio: statement id already revoked")
	}
	target := p.trusted
	ext := "trd"
	if stmt.Type == document.KindVerified {
		target = p.verified
		ext = "ver"
	}
	if existing, ok := target[owner]; ok && !existing.Created.Before(stmt.Created) {
		return nil // idempotent: no-op, existing statement is at least as fresh
	}
	target[owner] = stmt
	if err := p.persist(stmt, ext); err != nil {
		return err
	}
	return p.appendAudit("accept_statement")
}

// AcceptRevoked accepts a Revoked document referencing refStatement
// (issued earlier by the same issuer). Once accepted, refStatement can
// never again be the target of a new Trusted/Verified/Revoked.
func (p *Portfolio) AcceptRevoked(rev *document.Document, refStatement uuid.UUID, issuer uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, already := p.revoked[refStatement]; already {
		return errors.New("portfolio: statement already revoked (monotonic)")
	}
	var owner uuid.UUID
	var found *document.Document
	for o, s := range p.trusted {
		if s.ID == refStatement && s.Issuer == issuer {
			owner, found = o, s
			break
		}
	}
	if found == nil {
		for o, s := range p.verified {
			if s.ID == refStatement && s.Issuer == issuer {
				owner, found = o, s
				break
			}
		}
	}
	p.revoked[refStatement] = rev
	if found != nil {
		delete(p.trusted, owner)
		delete(p.verified, owner)
		if err := p.removeStatementFile(found); err != nil {
			p.logger.WithError(err).Warn("portfolio: failed to remove revoked statement file")
		}
	}
	if err := p.persist(rev, "rev"); err != nil {
		return err
	}
	return p.appendAudit("accept_revoked")
}

func (p *Portfolio) removeStatementFile(stmt *document.Document) error {
	ext := "trd"
	if stmt.Type == document.KindVerified {
		ext = "ver"
	}
	path := fmt.Sprintf("/portfolios/%s/%s.%s", p.EntityID, stmt.ID, ext)
	return p.fs.Remove(path, archive.RemoveHard)
}

//---------------------------------------------------------------------
// Persistence helpers
//---------------------------------------------------------------------

func (p *Portfolio) persist(doc *document.Document, ext string) error {
	raw, err := document.Serialize(doc)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/portfolios/%s/%s.%s", p.EntityID, doc.ID, ext)
	if fs := p.fs; fs != nil {
		if fs.IsFile(path) {
			return fs.Save(path, raw, nil)
		}
		_, err := fs.Mkfile(path, raw, archive.MkfileOpts{Owner: p.EntityID})
		return err
	}
	return nil
}

// appendAudit writes one line to the portfolio's hash-chained audit
// log, in the teacher's AuditTrail style: each line records the
// BLAKE2b-512 digest of the log as it stood before that line, so the log
// can be verified end to end.
func (p *Portfolio) appendAudit(action string) error {
	if p.fs == nil {
		return nil
	}
	var prevDigest []byte
	if p.fs.IsFile(p.auditPath) {
		existing, err := p.fs.Load(p.auditPath)
		if err == nil {
			if prevDigest, err = vcrypto.GenericHash(nil, 64, existing); err != nil {
				return err
			}
		}
	}
	entry := fmt.Sprintf("%s|%s|%x\n", time.Now().UTC().Format(time.RFC3339Nano), action, prevDigest)
	var out []byte
	if p.fs.IsFile(p.auditPath) {
		existing, _ := p.fs.Load(p.auditPath)
		out = append(existing, entry...)
		return p.fs.Save(p.auditPath, out, nil)
	}
	_, err := p.fs.Mkfile(p.auditPath, []byte(entry), archive.MkfileOpts{Owner: p.EntityID})
	return err
}
