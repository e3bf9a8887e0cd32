package keypackage

import (
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// KeyPackage is a single-use, signed member advertisement consumed by Add.
// Its InitKey is distinct from the leaf's HPKEInitKey: the KeyPackage-level
// InitKey is the key a Welcome's GroupSecrets are sealed to for this Add;
// the leaf's HPKEInitKey is the tree key that later path secrets are
// encrypted to.
type KeyPackage struct {
	Version     uint16
	CipherSuite uint16
	InitKey     crypto.HPKEPublicKey
	Leaf        LeafNode
	Extensions  ExtensionList
	Signature   []byte
}

func (k KeyPackage) marshalBody(w *wireformat.Writer) {
	w.Uint16(k.Version)
	w.Uint16(k.CipherSuite)
	w.Opaque(k.InitKey)
	k.Leaf.Marshal(w)
	k.Extensions.Marshal(w)
}

func (k KeyPackage) Marshal(w *wireformat.Writer) {
	k.marshalBody(w)
	w.Opaque(k.Signature)
}

func (k *KeyPackage) Unmarshal(r *wireformat.Reader) error {
	var err error
	if k.Version, err = r.Uint16(); err != nil {
		return err
	}
	if k.CipherSuite, err = r.Uint16(); err != nil {
		return err
	}
	if k.InitKey, err = r.Opaque(); err != nil {
		return err
	}
	if err = k.Leaf.Unmarshal(r); err != nil {
		return err
	}
	if err = k.Extensions.Unmarshal(r); err != nil {
		return err
	}
	k.Signature, err = r.Opaque()
	return err
}

func (k KeyPackage) tbs() []byte {
	w := wireformat.NewWriter()
	k.marshalBody(w)
	return w.Bytes()
}

// Sign computes and installs the KeyPackage-level signature (distinct from
// the leaf's own signature, which must already be present).
func (k *KeyPackage) Sign(p crypto.Provider, priv crypto.SignaturePrivateKey) error {
	sig, err := p.Sign(priv, k.tbs())
	if err != nil {
		return err
	}
	k.Signature = sig
	return nil
}

// VerifySignature checks the KeyPackage-level signature.
func (k KeyPackage) VerifySignature(p crypto.Provider) error {
	if !p.Verify(k.Leaf.Identity.SignaturePublicKey, k.tbs(), k.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Ref computes the key_package_ref: a hash over the whole package, used for
// storage lookup and as the Add-ordering key in §4.C4's batch edit.
func (k KeyPackage) Ref(p crypto.Provider) []byte {
	return p.Hash(wireformat.Marshal(k))
}
