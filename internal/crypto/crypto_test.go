package crypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	msg := []byte("vault entry digest")
	blob, err := Sign(kp.Secret, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := Verify(kp.Verify, blob)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("recovered message mismatch: got %q want %q", got, msg)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := KeypairSign()
	if err != nil {
		t.Fatalf("KeypairSign: %v", err)
	}
	blob, err := Sign(kp.Secret, []byte("original"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := Verify(kp.Verify, blob); err == nil {
		t.Fatal("expected Verify to reject a tampered blob")
	}
}

func TestBoxSealOpenPrecomputed(t *testing.T) {
	alice, err := KeypairBox()
	if err != nil {
		t.Fatalf("KeypairBox alice: %v", err)
	}
	bob, err := KeypairBox()
	if err != nil {
		t.Fatalf("KeypairBox bob: %v", err)
	}
	sharedA := BoxPrecompute(&alice.Secret, &bob.Public)
	sharedB := BoxPrecompute(&bob.Secret, &alice.Public)

	msg := []byte("sealed envelope payload")
	sealed, err := BoxSealPrecomputed(sharedA, msg)
	if err != nil {
		t.Fatalf("BoxSealPrecomputed: %v", err)
	}
	opened, err := BoxOpenPrecomputed(sharedB, sealed)
	if err != nil {
		t.Fatalf("BoxOpenPrecomputed: %v", err)
	}
	if string(opened) != string(msg) {
		t.Fatalf("opened mismatch: got %q want %q", opened, msg)
	}
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key, err := Random(AEADKeySize)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	aad := []byte("block-index:7")
	blob, err := AEADSeal(key, []byte("plaintext block"), aad)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	out, err := AEADOpen(key, blob, aad)
	if err != nil {
		t.Fatalf("AEADOpen: %v", err)
	}
	if string(out) != "plaintext block" {
		t.Fatalf("AEADOpen mismatch: %q", out)
	}
	if _, err := AEADOpen(key, blob, []byte("wrong-aad")); err == nil {
		t.Fatal("expected AEADOpen to reject mismatched aad")
	}
}

func TestGenericHashDeterministic(t *testing.T) {
	data := []byte("archive entry table")
	h1, err := GenericHash(nil, 64, data)
	if err != nil {
		t.Fatalf("GenericHash: %v", err)
	}
	h2, err := GenericHash(nil, 64, data)
	if err != nil {
		t.Fatalf("GenericHash: %v", err)
	}
	if string(h1) != string(h2) {
		t.Fatal("GenericHash is not deterministic for identical input")
	}
	if _, err := GenericHash(nil, 4, data); err != ErrHashLength {
		t.Fatalf("expected ErrHashLength for undersized digest, got %v", err)
	}
}

func TestKXClientServerAgree(t *testing.T) {
	client, err := KeypairBox()
	if err != nil {
		t.Fatalf("KeypairBox client: %v", err)
	}
	server, err := KeypairBox()
	if err != nil {
		t.Fatalf("KeypairBox server: %v", err)
	}
	clientSess, err := KXClient(&client.Secret, &client.Public, &server.Public)
	if err != nil {
		t.Fatalf("KXClient: %v", err)
	}
	serverSess, err := KXServer(&server.Secret, &server.Public, &client.Public)
	if err != nil {
		t.Fatalf("KXServer: %v", err)
	}
	if clientSess.Tx != serverSess.Rx {
		t.Fatal("client tx key does not match server rx key")
	}
	if clientSess.Rx != serverSess.Tx {
		t.Fatal("client rx key does not match server tx key")
	}
}
