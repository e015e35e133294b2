// Package falcon wraps the FALCON-1024 post-quantum signature primitive
// (spec section 4.3) used to authenticate the STOQ handshake alongside
// the standard TLS 1.3 signature. The core treats FALCON as an opaque
// dependency: this package documents the key/signature sizes and exposes
// generate/sign/verify, and nothing else.
package falcon

import (
	"crypto/rand"
	"fmt"
	"time"

	oqs "github.com/open-quantum-safe/liboqs-go/oqs"
)

// Algorithm is the liboqs identifier for the signature scheme this
// package speaks. STOQ mandates FALCON-1024 (NIST security category V);
// spec section 4.3 documents it as the sole variant in scope.
const Algorithm = "Falcon-1024"

// Falcon-1024 is specified to these exact sizes by the NIST submission.
// They are fixed constants; nothing in this package compares them with
// the sizes the linked liboqs build reports.
const (
	PublicKeySize    = 1793
	PrivateKeySize   = 2305
	MaxSignatureSize = 1330
)

// PublicKey is a FALCON-1024 public key.
type PublicKey []byte

// PrivateKey is a FALCON-1024 private key. It is never transmitted; only
// its corresponding PublicKey crosses the wire, in the
// falcon-public-key transport parameter.
type PrivateKey []byte

// KeyPair is a generated FALCON-1024 identity.
type KeyPair struct {
	Public    PublicKey
	Private   PrivateKey
	CreatedAt time.Time
}

// GenerateKeyPair creates a fresh FALCON-1024 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var signer oqs.Signature
	if err := signer.Init(Algorithm, nil); err != nil {
		return nil, fmt.Errorf("falcon: init keygen: %w", err)
	}
	defer signer.Clean()

	pub, err := signer.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("falcon: generate keypair: %w", err)
	}
	priv := signer.ExportSecretKey()

	return &KeyPair{
		Public:    PublicKey(pub),
		Private:   PrivateKey(append([]byte(nil), priv...)),
		CreatedAt: time.Now(),
	}, nil
}

// Sign produces a detached FALCON-1024 signature over msg using priv.
func Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	var signer oqs.Signature
	if err := signer.Init(Algorithm, priv); err != nil {
		return nil, fmt.Errorf("falcon: init signer: %w", err)
	}
	defer signer.Clean()

	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("falcon: sign: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid FALCON-1024 signature over msg
// under pub. A verification error (malformed signature or key) and a
// clean "signature does not match" both report false; only the boolean
// result is load-bearing for the handshake and frame-validation paths.
func Verify(pub PublicKey, msg, sig []byte) (bool, error) {
	var verifier oqs.Signature
	if err := verifier.Init(Algorithm, nil); err != nil {
		return false, fmt.Errorf("falcon: init verifier: %w", err)
	}
	defer verifier.Clean()

	ok, err := verifier.Verify(msg, sig, []byte(pub))
	if err != nil {
		return false, fmt.Errorf("falcon: verify: %w", err)
	}
	return ok, nil
}

// NewNonce generates a fresh random nonce for the handshake signature
// payload (local_pub || peer_endpoint_id || nonce, spec section 4.5).
func NewNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("falcon: generate nonce: %w", err)
	}
	return b, nil
}
