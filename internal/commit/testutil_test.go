package commit

import (
	"bytes"
	"errors"
	"time"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/mlslog"
)

// testIDP is a minimal credential.Provider for tests: every credential
// validates, identity is its raw Basic bytes, and a successor is valid iff
// the identity bytes match (no key-rotation-to-a-different-person allowed).
type testIDP struct{}

func (testIDP) Validate(c credential.Credential, _ int64) error {
	if c.Type != credential.TypeBasic {
		return errors.New("testIDP: only basic credentials supported")
	}
	return nil
}

func (testIDP) Identity(c credential.Credential) ([]byte, error) {
	return c.Identity, nil
}

func (testIDP) ValidSuccessor(old, new credential.Credential) bool {
	return bytes.Equal(old.Identity, new.Identity)
}

func testCapabilities() keypackage.Capabilities {
	return keypackage.Capabilities{
		Versions:        []uint16{1},
		Ciphersuites:    []uint16{uint16(crypto.Suite1ID)},
		CredentialTypes: []uint16{uint16(credential.TypeBasic)},
	}
}

// testMember bundles one participant's long-lived keys and signed leaf, used
// to build initial trees and proposals across the test file.
type testMember struct {
	name     string
	signPub  crypto.SignaturePublicKey
	signPriv crypto.SignaturePrivateKey
	hpkePub  crypto.HPKEPublicKey
	hpkePriv crypto.HPKEPrivateKey
	leaf     keypackage.LeafNode
}

// newTestMember builds a signed, Source==SourceKeyPackage leaf, the shape
// used both as a group's founding creator (ratchettree.New) and as an Add
// proposal's target.
func newTestMember(suite crypto.Provider, name string) *testMember {
	signPub, signPriv, err := suite.GenerateSignatureKeyPair()
	if err != nil {
		panic(err)
	}
	hpkePub, hpkePriv, err := suite.KEMDeriveKeyPair([]byte(name + "-init"))
	if err != nil {
		panic(err)
	}

	leaf := keypackage.LeafNode{
		HPKEInitKey: hpkePub,
		Identity: keypackage.SigningIdentity{
			Credential:         credential.Basic([]byte(name)),
			SignaturePublicKey: signPub,
		},
		Capabilities: testCapabilities(),
		Source:       keypackage.SourceKeyPackage,
		Lifetime:     keypackage.Lifetime{NotBefore: 0, NotAfter: uint64(1 << 62)},
	}
	if err := leaf.Sign(suite, signPriv, &keypackage.SignatureContext{}); err != nil {
		panic(err)
	}

	return &testMember{name: name, signPub: signPub, signPriv: signPriv, hpkePub: hpkePub, hpkePriv: hpkePriv, leaf: leaf}
}

// keyPackageFor wraps m's leaf into a signed KeyPackage, suitable for an Add
// proposal.
func keyPackageFor(suite crypto.Provider, m *testMember) keypackage.KeyPackage {
	kp := keypackage.KeyPackage{
		Version:     1,
		CipherSuite: uint16(crypto.Suite1ID),
		InitKey:     m.hpkePub,
		Leaf:        m.leaf,
	}
	if err := kp.Sign(suite, m.signPriv); err != nil {
		panic(err)
	}
	return kp
}

func testParams(suite crypto.Provider, idp credential.Provider) Params {
	return Params{
		Suite:            suite,
		IdentityProvider: idp,
		PSKSecret:        nil,
		Now:              time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Log:              mlslog.New(nil),
	}
}
