package document

import (
	"testing"
	"time"

	"github.com/google/uuid"

	vcrypto "vaultmesh/internal/crypto"
)

func TestCanonicalSignVerifyRoundTrip(t *testing.T) {
	kp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	issuer := uuid.New()
	d, err := NewPersonEntity(issuer, PersonData{
		Given: "Ada", Family: "Lovelace", Names: []string{"Ada"}, Sex: "F", Born: time.Unix(0, 0),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := d.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := d.Verify(kp.Verify)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyFailsAfterFieldMutation(t *testing.T) {
	kp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	d, err := NewMail(uuid.New(), uuid.New(), "hello", "body text", time.Now().UTC())
	if err != nil {
		t.Fatalf("NewMail: %v", err)
	}
	if err := d.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	d.setString(TagBody, "tampered body text")
	ok, err := d.Verify(kp.Verify)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected Verify to fail after a field was mutated post-signing")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	kp, err := vcrypto.KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	d := NewKeys(uuid.New(), []byte("sign-pub-32-bytes-filled-with-x"), []byte("box-pub-32-bytes-filled-with-xx"), time.Now().UTC())
	if err := d.Sign(kp.Secret); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, err := Serialize(d)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	back, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if back.Type != KindKeys {
		t.Fatalf("Type mismatch: got %v want %v", back.Type, KindKeys)
	}
	if string(back.Bytes(TagPublicSign)) != string(d.Bytes(TagPublicSign)) {
		t.Fatal("public sign key did not survive round trip")
	}
	ok, err := back.Verify(kp.Verify)
	if err != nil || !ok {
		t.Fatalf("Verify after round trip: ok=%v err=%v", ok, err)
	}
}

func TestDeserializeRejectsInvalidType(t *testing.T) {
	d := NewKeys(uuid.New(), []byte("a"), []byte("b"), time.Now().UTC())
	raw, err := Serialize(d)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	idLen := 16
	kindOffset := idLen + 4 /* canon length */ + 16 /* issuer */
	if kindOffset >= len(raw) {
		t.Fatal("computed kind offset out of range for this record")
	}
	raw[kindOffset] = 0xff
	if _, err := Deserialize(raw); err != ErrInvalidType {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestPersonEntityNameMismatchRejected(t *testing.T) {
	d, err := NewPersonEntity(uuid.New(), PersonData{Given: "Ada", Names: []string{"Not Ada"}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewPersonEntity: %v", err)
	}
	if err := d.Validate(); err != ErrPersonNamesMismatch {
		t.Fatalf("expected ErrPersonNamesMismatch, got %v", err)
	}
}

func TestMailRejectsSelfAddressed(t *testing.T) {
	id := uuid.New()
	if _, err := NewMail(id, id, "subject", "body", time.Now().UTC()); err != ErrWrongIssuer {
		t.Fatalf("expected ErrWrongIssuer, got %v", err)
	}
}

func TestExpiryBelowMinPeriodRejected(t *testing.T) {
	d, err := NewMail(uuid.New(), uuid.New(), "s", "b", time.Now().UTC())
	if err != nil {
		t.Fatalf("NewMail: %v", err)
	}
	soon := d.Created.Add(24 * time.Hour)
	d.Expires = &soon
	if err := d.Validate(); err != ErrShortExpiry {
		t.Fatalf("expected ErrShortExpiry, got %v", err)
	}
}

func TestValidEmail(t *testing.T) {
	cases := map[string]bool{
		"a@b.com":  true,
		"noat.com": false,
		"@b.com":   false,
		"a@b":      false,
		"a@@b.com": false,
	}
	for email, want := range cases {
		if got := ValidEmail(email); got != want {
			t.Errorf("ValidEmail(%q) = %v, want %v", email, got, want)
		}
	}
}
