// Package crypto wraps the fixed primitive set the vault format depends on:
// Curve25519 box, XSalsa20-Poly1305 secretbox, Ed25519 sign/verify,
// XChaCha20-Poly1305 AEAD, and BLAKE2b (generichash + the HKDF-style
// ladder derived from it). Sizes are frozen constants; a byte-length
// mismatch is a programmer error, not a recoverable one.
package crypto

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Frozen sizes.
const (
	BoxPublicKeySize   = 32
	BoxSecretKeySize   = 32
	SecretboxKeySize   = 32
	SecretboxNonceSize = 24
	AEADKeySize        = chacha20poly1305.KeySize    // 32
	AEADNonceSize      = chacha20poly1305.NonceSizeX  // 24
	AEADOverhead       = chacha20poly1305.Overhead    // 16
	SignPublicKeySize  = ed25519.PublicKeySize        // 32
	SignSecretKeySize  = ed25519.PrivateKeySize        // 64
	SignSeedSize       = ed25519.SeedSize              // 32
	SignatureSize      = ed25519.SignatureSize         // 64
	MinHashSize        = 16
	MaxHashSize        = blake2b.Size // 64
	DefaultHashSize    = blake2b.Size
)

// Programmer errors: fatal for the calling operation, never retried.
var (
	ErrKeyLength   = errors.New("crypto: key length mismatch")
	ErrNonceLength = errors.New("crypto: nonce length mismatch")
	ErrHashLength  = errors.New("crypto: hash length out of range")
)

// ErrCryptoFailure is returned on recoverable AEAD/secretbox/sign
// verification failures against user-controlled input.
var ErrCryptoFailure = errors.New("crypto: verification failed")

// Random returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}

// Wipe zeroes a byte slice in place. Best effort: the GC may have copied
// the underlying array already. Nothing in this module calls it, so
// secret-holding values are not wiped automatically.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

//---------------------------------------------------------------------
// Ed25519 signing
//---------------------------------------------------------------------

// SignKeypair is a generated Ed25519 keypair plus its seed.
type SignKeypair struct {
	Verify ed25519.PublicKey
	Secret ed25519.PrivateKey
	Seed   []byte
}

// KeypairSign generates a fresh Ed25519 signing keypair.
func KeypairSign() (SignKeypair, error) {
	seed, err := Random(SignSeedSize)
	if err != nil {
		return SignKeypair{}, err
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return SignKeypair{Verify: sk.Public().(ed25519.PublicKey), Secret: sk, Seed: seed}, nil
}

// Sign returns sig||msg, libsodium crypto_sign-style combined output.
func Sign(sk ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(sk) != SignSecretKeySize {
		return nil, ErrKeyLength
	}
	sig := ed25519.Sign(sk, msg)
	out := make([]byte, 0, len(sig)+len(msg))
	out = append(out, sig...)
	out = append(out, msg...)
	return out, nil
}

// Verify checks a sig||msg blob produced by Sign and returns the message.
func Verify(vk ed25519.PublicKey, sigMsg []byte) ([]byte, error) {
	if len(vk) != SignPublicKeySize {
		return nil, ErrKeyLength
	}
	if len(sigMsg) < SignatureSize {
		return nil, fmt.Errorf("%w: short signed blob", ErrCryptoFailure)
	}
	sig, msg := sigMsg[:SignatureSize], sigMsg[SignatureSize:]
	if !ed25519.Verify(vk, msg, sig) {
		return nil, ErrCryptoFailure
	}
	return msg, nil
}

//---------------------------------------------------------------------
// Curve25519 box
//---------------------------------------------------------------------

// BoxKeypair is a Curve25519 keypair used for sealed-box exchanges.
type BoxKeypair struct {
	Public [BoxPublicKeySize]byte
	Secret [BoxSecretKeySize]byte
}

// KeypairBox generates a fresh Curve25519 keypair.
func KeypairBox() (BoxKeypair, error) {
	pub, sec, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return BoxKeypair{}, fmt.Errorf("crypto: box keygen: %w", err)
	}
	return BoxKeypair{Public: *pub, Secret: *sec}, nil
}

// BoxSealPrecomputed seals msg for a precomputed shared key, prefixing a
// fresh random nonce to the output.
func BoxSealPrecomputed(shared *[32]byte, msg []byte) ([]byte, error) {
	var nonce [24]byte
	n, err := Random(24)
	if err != nil {
		return nil, err
	}
	copy(nonce[:], n)
	out := box.SealAfterPrecomputation(nonce[:], msg, &nonce, shared)
	return out, nil
}

// BoxOpenPrecomputed reverses BoxSealPrecomputed.
func BoxOpenPrecomputed(shared *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("%w: short sealed box", ErrCryptoFailure)
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := box.OpenAfterPrecomputation(nil, sealed[24:], &nonce, shared)
	if !ok {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

// BoxPrecompute derives the shared key for repeated seal/open calls
// between a local secret key and a remote public key.
func BoxPrecompute(localSecret, remotePublic *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, remotePublic, localSecret)
	return &shared
}

//---------------------------------------------------------------------
// XSalsa20-Poly1305 secretbox
//---------------------------------------------------------------------

// SecretboxSeal seals msg under key, prefixing a fresh random nonce.
func SecretboxSeal(key *[SecretboxKeySize]byte, msg []byte) ([]byte, error) {
	var nonce [SecretboxNonceSize]byte
	n, err := Random(SecretboxNonceSize)
	if err != nil {
		return nil, err
	}
	copy(nonce[:], n)
	out := secretbox.Seal(nonce[:], msg, &nonce, key)
	return out, nil
}

// SecretboxOpen reverses SecretboxSeal.
func SecretboxOpen(key *[SecretboxKeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < SecretboxNonceSize {
		return nil, fmt.Errorf("%w: short sealed box", ErrCryptoFailure)
	}
	var nonce [SecretboxNonceSize]byte
	copy(nonce[:], sealed[:SecretboxNonceSize])
	out, ok := secretbox.Open(nil, sealed[SecretboxNonceSize:], &nonce, key)
	if !ok {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

//---------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
//---------------------------------------------------------------------

// AEADSeal seals plaintext under key with associated data aad, prefixing a
// fresh random 24-byte nonce to the output. Mirrors core/security.go's
// Encrypt in the teacher repo.
func AEADSeal(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	nonce, err := Random(AEADNonceSize)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// AEADOpen reverses AEADSeal.
func AEADOpen(key, blob, aad []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, ErrKeyLength
	}
	if len(blob) < AEADNonceSize+AEADOverhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCryptoFailure)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	nonce, ct := blob[:AEADNonceSize], blob[AEADNonceSize:]
	out, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

// AEADSealWithNonce/AEADOpenWithNonce are used by the archive block layer, which
// derives its nonce deterministically from the block index rather than
// drawing fresh randomness per block.
func AEADSealWithNonce(key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, ErrKeyLength
	}
	if len(nonce) != AEADNonceSize {
		return nil, ErrNonceLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func AEADOpenWithNonce(key, nonce, ct, aad []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, ErrKeyLength
	}
	if len(nonce) != AEADNonceSize {
		return nil, ErrNonceLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	out, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

//---------------------------------------------------------------------
// BLAKE2b generichash + HKDF ladder
//---------------------------------------------------------------------

// GenericHash computes a keyed (or unkeyed, if key is nil) BLAKE2b digest
// of the requested length. digestLen must be in [MinHashSize, MaxHashSize].
func GenericHash(key []byte, digestLen int, data []byte) ([]byte, error) {
	if digestLen < MinHashSize || digestLen > MaxHashSize {
		return nil, ErrHashLength
	}
	h, err := blake2b.New(digestLen, key)
	if err != nil {
		return nil, fmt.Errorf("crypto: blake2b init: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// HKDF derives n outputs of outLen bytes each from ikm, chained through
// repeated keyed BLAKE2b: T_k = BLAKE2b(T_{k-1} || byte(k), key=temp),
// where temp = BLAKE2b(ikm, key=chaining) and T_0 is empty.
// This is the spec's own construction, not HMAC-based HKDF, so it cannot
// be built on golang.org/x/crypto/hkdf.
func HKDF(chaining, ikm []byte, n int, outLen int) ([][]byte, error) {
	if outLen < MinHashSize || outLen > MaxHashSize {
		return nil, ErrHashLength
	}
	temp, err := GenericHash(chaining, MaxHashSize, ikm)
	if err != nil {
		return nil, err
	}
	outs := make([][]byte, n)
	prev := []byte{}
	for k := 1; k <= n; k++ {
		data := append(append([]byte{}, prev...), byte(k))
		t, err := GenericHash(temp, outLen, data)
		if err != nil {
			return nil, err
		}
		outs[k-1] = t
		prev = t
	}
	return outs, nil
}

//---------------------------------------------------------------------
// Key-exchange session keys (client/server role asymmetry)
//---------------------------------------------------------------------

// SessionKeys holds the asymmetric rx/tx keys produced by a key exchange.
type SessionKeys struct {
	Rx [AEADKeySize]byte // key for receiving
	Tx [AEADKeySize]byte // key for sending
}

// kxDerive runs X25519 then splits the shared secret into client/server
// session keys via the HKDF-via-BLAKE2b ladder, labelled by direction so
// client-tx becomes server-rx and vice-versa. The ikm always lists the
// client public key before the server's, so both sides derive the same
// pair of outputs.
func kxDerive(sk, pk, remotePk *[32]byte, clientFirst bool) (SessionKeys, error) {
	shared, err := curve25519.X25519(sk[:], remotePk[:])
	if err != nil {
		return SessionKeys{}, fmt.Errorf("crypto: x25519: %w", err)
	}
	clientPk, serverPk := pk, remotePk
	if !clientFirst {
		clientPk, serverPk = remotePk, pk
	}
	ikm := append(append(append([]byte{}, clientPk[:]...), serverPk[:]...), shared...)
	outs, err := HKDF(shared, ikm, 2, AEADKeySize)
	if err != nil {
		return SessionKeys{}, err
	}
	a, b := outs[0], outs[1]
	var sess SessionKeys
	if clientFirst {
		copy(sess.Rx[:], a)
		copy(sess.Tx[:], b)
	} else {
		copy(sess.Rx[:], b)
		copy(sess.Tx[:], a)
	}
	return sess, nil
}

// KXClient derives session keys from the client's perspective.
func KXClient(sk, pk *[32]byte, remotePk *[32]byte) (SessionKeys, error) {
	return kxDerive(sk, pk, remotePk, true)
}

// KXServer derives session keys from the server's perspective.
func KXServer(sk, pk *[32]byte, remotePk *[32]byte) (SessionKeys, error) {
	return kxDerive(sk, pk, remotePk, false)
}
