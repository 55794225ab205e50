package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vaultmesh/internal/archive"
	"vaultmesh/internal/document"
	vcrypto "vaultmesh/internal/crypto"
	"vaultmesh/internal/streamstore"
)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func newTestFS(t *testing.T) *archive.FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.img")
	var masterKey [32]byte
	copy(masterKey[:], []byte("the-quick-brown-fox-jumps-over32"))
	mgr, err := streamstore.Create(path, streamstore.DefaultBlockSize, streamstore.Header{Created: time.Now().UTC()}, masterKey, testLogger())
	if err != nil {
		t.Fatalf("streamstore.Create: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	fs, err := archive.New(mgr, testLogger())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return fs
}

func signedEntityAndKeys(t *testing.T, entityID uuid.UUID) (*document.Document, *document.Document, vcrypto.SignKeypair) {
	t.Helper()
	kp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	entity, err := document.NewPersonEntity(entityID, document.PersonData{
		Given: "Ada", Names: []string{"Ada"},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := entity.Sign(kp.Secret); err != nil {
		t.Fatalf("entity.Sign: %v", err)
	}
	keys := document.NewKeys(entityID, kp.Verify, []byte("box-public-key-placeholder-32by"), time.Now().UTC())
	if err := keys.Sign(kp.Secret); err != nil {
		t.Fatalf("keys.Sign: %v", err)
	}
	return entity, keys, kp
}

func TestAcceptEntityAndKeysPersists(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	entity, keys, _ := signedEntityAndKeys(t, entityID)
	if err := p.AcceptEntityAndKeys(entity, keys, nil); err != nil {
		t.Fatalf("AcceptEntityAndKeys: %v", err)
	}
	entPath := "/portfolios/" + entityID.String() + "/" + entity.ID.String() + ".ent"
	if !fs.IsFile(entPath) {
		t.Fatal("expected entity document to be persisted")
	}
	if !fs.IsFile(p.auditPath) {
		t.Fatal("expected audit log to be created")
	}
}

func TestAcceptEntityAndKeysRejectsBadEntity(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	kp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	badEntity, err := document.NewPersonEntity(entityID, document.PersonData{
		Given: "Ada", Names: []string{"Not Ada"},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := badEntity.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	keys := document.NewKeys(entityID, kp.Verify, []byte("box-public-key-placeholder-32by"), time.Now().UTC())
	if err := keys.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	err = p.AcceptEntityAndKeys(badEntity, keys, nil)
	if _, ok := err.(*PolicyBreach); !ok {
		t.Fatalf("expected *PolicyBreach, got %v (%T)", err, err)
	}
}

func TestUpdateEntityRequiresMonotonicTimestamp(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	entity, keys, kp := signedEntityAndKeys(t, entityID)
	if err := p.AcceptEntityAndKeys(entity, keys, nil); err != nil {
		t.Fatalf("AcceptEntityAndKeys: %v", err)
	}

	stale, err := document.NewPersonEntity(entityID, document.PersonData{
		Given: "Ada", Names: []string{"Ada"},
	}, entity.Created.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := stale.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := p.UpdateEntity(stale); err == nil {
		t.Fatal("expected UpdateEntity to reject a non-monotonic timestamp")
	}
}

func TestUpdateEntityRejectsImmutableFieldChange(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	entity, keys, kp := signedEntityAndKeys(t, entityID)
	if err := p.AcceptEntityAndKeys(entity, keys, nil); err != nil {
		t.Fatalf("AcceptEntityAndKeys: %v", err)
	}

	mutated, err := document.NewPersonEntity(entityID, document.PersonData{
		Given: "Grace", Names: []string{"Grace"},
	}, entity.Created.Add(time.Hour))
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := mutated.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := p.UpdateEntity(mutated); err == nil {
		t.Fatal("expected UpdateEntity to reject a change to an immutable field (given_name is not in Entity's changeables)")
	}
}

func TestRotateKeysRequiresDualSign(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	entity, keys, kp := signedEntityAndKeys(t, entityID)
	if err := p.AcceptEntityAndKeys(entity, keys, nil); err != nil {
		t.Fatalf("AcceptEntityAndKeys: %v", err)
	}

	newKp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	newKeys := document.NewKeys(entityID, newKp.Verify, []byte("box-public-key-placeholder-32by"), time.Now().UTC())

	unsignedErr := p.RotateKeys(newKeys, nil, kp.Verify)
	if _, ok := unsignedErr.(*PolicyBreach); !ok {
		t.Fatalf("expected *PolicyBreach for an unsigned rotation, got %v (%T)", unsignedErr, unsignedErr)
	}

	if err := newKeys.Sign(newKp.Secret); err != nil {
		t.Fatalf("Sign newKeys with its own secret: %v", err)
	}
	if err := p.RotateKeys(newKeys, nil, kp.Verify); err == nil {
		t.Fatal("expected RotateKeys to reject a newKeys document not dual-signed by the old identity")
	}
}

func TestAcceptStatementIdempotentOnStaleResubmit(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	owner := uuid.New()

	newer, err := document.NewStatement(document.KindTrusted, entityID, owner, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewStatement: %v", err)
	}
	if err := p.AcceptStatement(newer, owner); err != nil {
		t.Fatalf("AcceptStatement(newer): %v", err)
	}

	older, err := document.NewStatement(document.KindTrusted, entityID, owner, newer.Created.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewStatement: %v", err)
	}
	if err := p.AcceptStatement(older, owner); err != nil {
		t.Fatalf("AcceptStatement(older) should be a no-op, not an error: %v", err)
	}
	if p.trusted[owner].ID != newer.ID {
		t.Fatal("a stale resubmit must not replace the existing, fresher statement")
	}
}

func TestAcceptRevokedRemovesStatement(t *testing.T) {
	fs := newTestFS(t)
	entityID := uuid.New()
	p := New(entityID, fs, testLogger())
	owner := uuid.New()

	stmt, err := document.NewStatement(document.KindTrusted, entityID, owner, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewStatement: %v", err)
	}
	if err := p.AcceptStatement(stmt, owner); err != nil {
		t.Fatalf("AcceptStatement: %v", err)
	}

	rev := document.NewRevoked(entityID, stmt.ID, time.Now().UTC())
	if err := p.AcceptRevoked(rev, stmt.ID, entityID); err != nil {
		t.Fatalf("AcceptRevoked: %v", err)
	}
	if _, ok := p.trusted[owner]; ok {
		t.Fatal("expected revoked statement to be removed from the trusted set")
	}

	rev2 := document.NewRevoked(entityID, stmt.ID, time.Now().UTC())
	if err := p.AcceptRevoked(rev2, stmt.ID, entityID); err == nil {
		t.Fatal("expected AcceptRevoked to reject revoking an already-revoked statement id")
	}
}
