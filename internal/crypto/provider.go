// Package crypto defines the CryptoProvider capability interface the rest of
// the module depends on, plus two concrete ciphersuite implementations. The
// core treats this as an external collaborator per spec §1: it never
// implements a primitive itself, only calls through this interface.
package crypto

import "errors"

// Sentinel errors surfaced by Provider implementations.
var (
	ErrSignatureInvalid = errors.New("crypto: signature invalid")
	ErrMacInvalid       = errors.New("crypto: mac invalid")
	ErrHpke             = errors.New("crypto: hpke operation failed")
	ErrAead             = errors.New("crypto: aead operation failed")
)

// SuiteID identifies a ciphersuite, matching GroupContext.ciphersuite.
type SuiteID uint16

const (
	Suite1ID SuiteID = 1 // X25519, Ed25519, HKDF-SHA256, AES-128-GCM
	Suite2ID SuiteID = 2 // X448, Ed448, HKDF-SHA512, AES-256-GCM
)

// HPKEPublicKey and HPKEPrivateKey are opaque, ciphersuite-specific key
// encodings; the provider alone knows how to parse them.
type HPKEPublicKey []byte
type HPKEPrivateKey []byte

// SignaturePublicKey and SignaturePrivateKey are opaque signature keys.
type SignaturePublicKey []byte
type SignaturePrivateKey []byte

// Provider is the single capability interface a ciphersuite implementation
// satisfies: hash, MAC, signature, HPKE, AEAD, KDF, random, and KEM keypair
// derivation. Per spec §9, this is intentionally one flat interface rather
// than a hierarchy of narrower traits.
type Provider interface {
	Suite() SuiteID
	HashSize() int
	KeySize() int
	NonceSize() int

	Hash(data []byte) []byte
	MAC(key, data []byte) []byte
	VerifyMAC(key, data, tag []byte) bool

	Sign(priv SignaturePrivateKey, message []byte) ([]byte, error)
	Verify(pub SignaturePublicKey, message, signature []byte) bool

	// HPKESeal/HPKEOpen implement HPKE base-mode single-shot encryption,
	// binding aad into the AEAD tag as the AAD.
	HPKESeal(pub HPKEPublicKey, info, aad, plaintext []byte) (enc, ciphertext []byte, err error)
	HPKEOpen(priv HPKEPrivateKey, enc, info, aad, ciphertext []byte) ([]byte, error)

	AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error)
	AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error)

	KDFExtract(salt, ikm []byte) []byte
	KDFExpand(prk, info []byte, length int) []byte

	Random(length int) ([]byte, error)

	// KEMDeriveKeyPair derives an HPKE keypair from a path_secret-derived
	// seed, per §4.C4 step 2's "DeriveKeyPair".
	KEMDeriveKeyPair(seed []byte) (HPKEPublicKey, HPKEPrivateKey, error)

	// GenerateSignatureKeyPair creates a fresh signature keypair, used when
	// building a new KeyPackage/LeafNode.
	GenerateSignatureKeyPair() (SignaturePublicKey, SignaturePrivateKey, error)
}

// ByID returns the reference Provider for a ciphersuite, or an error if the
// ciphersuite is unknown.
func ByID(id SuiteID) (Provider, error) {
	switch id {
	case Suite1ID:
		return NewSuite1(), nil
	case Suite2ID:
		return NewSuite2(), nil
	default:
		return nil, errors.New("crypto: unknown ciphersuite")
	}
}
