package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	hpke "github.com/cisco/go-hpke"
	"github.com/cloudflare/circl/sign/ed448"
	x448 "git.schwanenlied.me/yawning/x448.git"
	"golang.org/x/crypto/hkdf"
)

// suite2 is ciphersuite 2: X448 HPKE KEM, Ed448 signatures, HKDF-SHA512,
// AES-256-GCM. Exercises the teacher's indirect x448/circl dependencies,
// which the draft-era key schedule in key-schedule.go never itself used
// (that file only shows the generic CipherSuite shape).
type suite2 struct {
	hpke hpke.CipherSuite
}

// NewSuite2 constructs the reference ciphersuite-2 provider.
func NewSuite2() Provider {
	suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256)
	if err != nil {
		panic(fmt.Sprintf("crypto: assemble suite2: %v", err))
	}
	return &suite2{hpke: suite}
}

func (s *suite2) Suite() SuiteID { return Suite2ID }
func (s *suite2) HashSize() int  { return sha512.Size }
func (s *suite2) KeySize() int   { return 32 }
func (s *suite2) NonceSize() int { return 12 }

func (s *suite2) Hash(data []byte) []byte {
	h := sha512.Sum512(data)
	return h[:]
}

func (s *suite2) MAC(key, data []byte) []byte {
	return s.KDFExpand(s.KDFExtract(key, data), []byte("mac"), s.HashSize())
}

func (s *suite2) VerifyMAC(key, data, tag []byte) bool {
	return constantTimeEqual(s.MAC(key, data), tag)
}

func (s *suite2) Sign(priv SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed448.PrivateKeySize {
		return nil, fmt.Errorf("crypto: suite2 signing key has wrong size")
	}
	return ed448.Sign(ed448.PrivateKey(priv), message, ""), nil
}

func (s *suite2) Verify(pub SignaturePublicKey, message, signature []byte) bool {
	if len(pub) != ed448.PublicKeySize {
		return false
	}
	return ed448.Verify(ed448.PublicKey(pub), message, signature, "")
}

func (s *suite2) HPKESeal(pub HPKEPublicKey, info, aad, plaintext []byte) ([]byte, []byte, error) {
	enc, ctx, err := hpke.SetupBaseS(s.hpke, rand.Reader, pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	return enc, ctx.Seal(aad, plaintext), nil
}

func (s *suite2) HPKEOpen(priv HPKEPrivateKey, enc, info, aad, ciphertext []byte) ([]byte, error) {
	ctx, err := hpke.SetupBaseR(s.hpke, priv, enc, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	pt, err := ctx.Open(aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpke, err)
	}
	return pt, nil
}

func (s *suite2) AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
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

func (s *suite2) AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
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

func (s *suite2) KDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha512.New, ikm, salt)
}

func (s *suite2) KDFExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha512.New, prk, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("crypto: suite2 hkdf expand: %v", err))
	}
	return out
}

func (s *suite2) Random(length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *suite2) KEMDeriveKeyPair(seed []byte) (HPKEPublicKey, HPKEPrivateKey, error) {
	var priv, pub [x448.Size]byte
	copy(priv[:], s.KDFExpand(seed, []byte("x448 dkp"), x448.Size))
	x448.ScalarBaseMult(&pub, &priv)
	return HPKEPublicKey(pub[:]), HPKEPrivateKey(priv[:]), nil
}

func (s *suite2) GenerateSignatureKeyPair() (SignaturePublicKey, SignaturePrivateKey, error) {
	pub, priv, err := ed448.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return SignaturePublicKey(pub), SignaturePrivateKey(priv), nil
}
