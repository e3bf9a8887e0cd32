package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	hpke "github.com/cisco/go-hpke"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// suite1 is ciphersuite 1: X25519 HPKE KEM, Ed25519 signatures,
// HKDF-SHA256, AES-128-GCM. Grounded on the teacher's CipherSuite shape in
// key-schedule.go (constants()/hkdfExtract/hkdfExpandLabel/deriveSecret),
// generalized into the Provider interface.
type suite1 struct {
	hpke hpke.CipherSuite
}

// NewSuite1 constructs the reference ciphersuite-1 provider.
func NewSuite1() Provider {
	suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
	if err != nil {
		panic(fmt.Sprintf("crypto: assemble suite1: %v", err))
	}
	return &suite1{hpke: suite}
}

func (s *suite1) Suite() SuiteID { return Suite1ID }
func (s *suite1) HashSize() int  { return sha256.Size }
func (s *suite1) KeySize() int   { return 16 }
func (s *suite1) NonceSize() int { return 12 }

func (s *suite1) Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (s *suite1) MAC(key, data []byte) []byte {
	return s.KDFExpand(s.KDFExtract(key, data), []byte("mac"), s.HashSize())
}

func (s *suite1) VerifyMAC(key, data, tag []byte) bool {
	expected := s.MAC(key, data)
	return constantTimeEqual(expected, tag)
}

func (s *suite1) Sign(priv SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: suite1 signing key has wrong size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
}

func (s *suite1) Verify(pub SignaturePublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature)
}

func (s *suite1) HPKESeal(pub HPKEPublicKey, info, aad, plaintext []byte) ([]byte, []byte, error) {
	enc, ctx, err := hpke.SetupBaseS(s.hpke, rand.Reader, pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	ciphertext := ctx.Seal(aad, plaintext)
	return enc, ciphertext, nil
}

func (s *suite1) HPKEOpen(priv HPKEPrivateKey, enc, info, aad, ciphertext []byte) ([]byte, error) {
	ctx, err := hpke.SetupBaseR(s.hpke, priv, enc, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	plaintext, err := ctx.Open(aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	return plaintext, nil
}

func (s *suite1) AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAead, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAead, err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (s *suite1) AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAead, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAead, err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAead, err)
	}
	return pt, nil
}

func (s *suite1) KDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

func (s *suite1) KDFExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, prk, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("crypto: suite1 hkdf expand: %v", err))
	}
	return out
}

func (s *suite1) Random(length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *suite1) KEMDeriveKeyPair(seed []byte) (HPKEPublicKey, HPKEPrivateKey, error) {
	priv := make([]byte, curve25519.ScalarSize)
	copy(priv, s.KDFExpand(seed, []byte("x25519 dkp"), curve25519.ScalarSize))
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	return HPKEPublicKey(pub), HPKEPrivateKey(priv), nil
}

func (s *suite1) GenerateSignatureKeyPair() (SignaturePublicKey, SignaturePrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return SignaturePublicKey(pub), SignaturePrivateKey(priv), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
