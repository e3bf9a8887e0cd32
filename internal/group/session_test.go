package group

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/mlslog"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/storage"
)

// testIDP mirrors package commit's fixture: every basic credential
// validates, and a successor is valid iff the identity bytes match.
type testIDP struct{}

func (testIDP) Validate(c credential.Credential, _ int64) error {
	if c.Type != credential.TypeBasic {
		return errors.New("testIDP: only basic credentials supported")
	}
	return nil
}

func (testIDP) Identity(c credential.Credential) ([]byte, error) { return c.Identity, nil }

func (testIDP) ValidSuccessor(old, new credential.Credential) bool {
	return string(old.Identity) == string(new.Identity)
}

func testCapabilities() keypackage.Capabilities {
	return keypackage.Capabilities{
		Versions:        []uint16{1},
		Ciphersuites:    []uint16{uint16(crypto.Suite1ID)},
		CredentialTypes: []uint16{uint16(credential.TypeBasic)},
	}
}

// testParticipant bundles one endpoint's long-lived keys plus its signed
// leaf, mirroring package commit's testMember fixture.
type testParticipant struct {
	name     string
	signPriv crypto.SignaturePrivateKey
	hpkePub  crypto.HPKEPublicKey
	hpkePriv crypto.HPKEPrivateKey
	leaf     keypackage.LeafNode
}

func newTestParticipant(t *testing.T, suite crypto.Provider, name string) *testParticipant {
	t.Helper()
	signPub, signPriv, err := suite.GenerateSignatureKeyPair()
	require.NoError(t, err)
	hpkePub, hpkePriv, err := suite.KEMDeriveKeyPair([]byte(name + "-init"))
	require.NoError(t, err)

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
	require.NoError(t, leaf.Sign(suite, signPriv, &keypackage.SignatureContext{}))

	return &testParticipant{name: name, signPriv: signPriv, hpkePub: hpkePub, hpkePriv: hpkePriv, leaf: leaf}
}

func keyPackageFor(t *testing.T, suite crypto.Provider, p *testParticipant) keypackage.KeyPackage {
	t.Helper()
	kp := keypackage.KeyPackage{
		Version:     1,
		CipherSuite: uint16(crypto.Suite1ID),
		InitKey:     p.hpkePub,
		Leaf:        p.leaf,
	}
	require.NoError(t, kp.Sign(suite, p.signPriv))
	return kp
}

func testConfig(suite crypto.Provider) Config {
	return Config{Suite: suite, IdentityProvider: testIDP{}, Log: mlslog.New(nil)}
}

// TestCreateAddCommitJoin drives the full end-to-end flow named in
// SPEC_FULL.md's scenario 2: alice creates a group, proposes and commits an
// Add for bob, bob joins from the resulting Welcome, and both sides land on
// the same epoch with matching exporter/authentication secrets and can
// exchange an application message.
func TestCreateAddCommitJoin(t *testing.T) {
	suite := crypto.NewSuite1()
	cfg := testConfig(suite)

	alice := newTestParticipant(t, suite, "alice")
	bob := newTestParticipant(t, suite, "bob")
	bobKP := keyPackageFor(t, suite, bob)

	aliceMember := Member{Identity: alice.leaf.Identity, Capabilities: testCapabilities(), SignPriv: alice.signPriv}
	sess := Create(cfg, []byte("test-group"), aliceMember, alice.leaf, alice.hpkePriv)
	require.Equal(t, uint64(0), sess.Epoch())

	_, err := sess.Propose(proposal.AddProposal(bobKP), nil)
	require.NoError(t, err)

	_, welcome, err := sess.Commit(nil)
	require.NoError(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, uint64(1), sess.Epoch())
	require.NotNil(t, sess.Tree().LeafAt(1))

	bobMember := Member{Identity: bob.leaf.Identity, Capabilities: testCapabilities(), SignPriv: bob.signPriv}
	bobSess, err := JoinFromWelcome(
		cfg, welcome, bobKP.Ref(suite), bob.hpkePriv,
		ratchettree.LeafIndex(1), bob.hpkePriv, bobMember,
	)
	require.NoError(t, err)

	require.Equal(t, sess.Epoch(), bobSess.Epoch())
	require.Equal(t, sess.AuthenticationSecret(), bobSess.AuthenticationSecret())
	require.Equal(t, sess.ExportSecret("test", []byte("ctx"), 32), bobSess.ExportSecret("test", []byte("ctx"), 32))

	framed, err := sess.EncryptApplication([]byte("hello bob"), nil)
	require.NoError(t, err)

	plaintext, err := bobSess.DecryptApplication(*framed)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

// TestCommitFailureLeavesEpochIntact checks §4.C10's transactional
// guarantee: a Commit that fails validation (here, an Add whose embedded
// leaf was tampered with after signing, failing leaf revalidation) must
// leave the session's current epoch untouched.
func TestCommitFailureLeavesEpochIntact(t *testing.T) {
	suite := crypto.NewSuite1()
	cfg := testConfig(suite)

	alice := newTestParticipant(t, suite, "alice")
	bob := newTestParticipant(t, suite, "bob")
	bobKP := keyPackageFor(t, suite, bob)
	bobKP.Leaf.Capabilities = keypackage.Capabilities{} // invalidates the leaf's own signature

	aliceMember := Member{Identity: alice.leaf.Identity, Capabilities: testCapabilities(), SignPriv: alice.signPriv}
	sess := Create(cfg, []byte("fail-group"), aliceMember, alice.leaf, alice.hpkePriv)

	_, err := sess.Propose(proposal.AddProposal(bobKP), nil)
	require.NoError(t, err)

	_, _, err = sess.Commit(nil)
	require.Error(t, err)
	require.Equal(t, uint64(0), sess.Epoch())
}

// TestProcessIncomingAppliesRemoteCommit has bob propose his own Update,
// alice commit it (a member committing someone else's standalone proposal,
// resolved here by reference), and bob process alice's resulting commit —
// mirroring the two-sided handshake a real session exchange drives.
func TestProcessIncomingAppliesRemoteCommit(t *testing.T) {
	suite := crypto.NewSuite1()
	cfg := testConfig(suite)

	alice := newTestParticipant(t, suite, "alice")
	bob := newTestParticipant(t, suite, "bob")
	bobKP := keyPackageFor(t, suite, bob)

	aliceMember := Member{Identity: alice.leaf.Identity, Capabilities: testCapabilities(), SignPriv: alice.signPriv}
	aliceSess := Create(cfg, []byte("remote-commit-group"), aliceMember, alice.leaf, alice.hpkePriv)

	_, err := aliceSess.Propose(proposal.AddProposal(bobKP), nil)
	require.NoError(t, err)
	_, welcome, err := aliceSess.Commit(nil)
	require.NoError(t, err)

	bobMember := Member{Identity: bob.leaf.Identity, Capabilities: testCapabilities(), SignPriv: bob.signPriv}
	bobSess, err := JoinFromWelcome(
		cfg, welcome, bobKP.Ref(suite), bob.hpkePriv,
		ratchettree.LeafIndex(1), bob.hpkePriv, bobMember,
	)
	require.NoError(t, err)

	newBobPub, _, err := suite.KEMDeriveKeyPair([]byte("bob-rotated"))
	require.NoError(t, err)
	bobUpdate := keypackage.LeafNode{
		HPKEInitKey:  newBobPub,
		Identity:     bob.leaf.Identity,
		Capabilities: testCapabilities(),
		Source:       keypackage.SourceUpdate,
	}
	require.NoError(t, bobUpdate.Sign(suite, bob.signPriv, &keypackage.SignatureContext{
		GroupID: bobSess.Context().GroupID, LeafIndex: 1,
	}))

	updateAuth, err := bobSess.Propose(proposal.UpdateProposal(bobUpdate), nil)
	require.NoError(t, err)
	require.NoError(t, aliceSess.ProcessIncoming(updateAuth))

	commitAuth, _, err := aliceSess.Commit(nil)
	require.NoError(t, err)
	require.NoError(t, bobSess.ProcessIncoming(commitAuth))

	require.Equal(t, bobSess.Epoch(), aliceSess.Epoch())
	require.Equal(t, uint64(2), aliceSess.Epoch())
	require.Equal(t, keypackage.SourceUpdate, aliceSess.Tree().LeafAt(1).Source)
	require.Equal(t, aliceSess.ExportSecret("sync-check", nil, 32), bobSess.ExportSecret("sync-check", nil, 32))
}

// TestSaveLoadStateRoundTrip checks that a Session checkpointed via
// SaveState and resumed via LoadState lands on the same epoch, tree, and
// exporter secret as the original — the persistence path §6's
// GroupStateStorage exists for.
func TestSaveLoadStateRoundTrip(t *testing.T) {
	suite := crypto.NewSuite1()
	cfg := testConfig(suite)

	alice := newTestParticipant(t, suite, "alice")
	bob := newTestParticipant(t, suite, "bob")
	bobKP := keyPackageFor(t, suite, bob)

	aliceMember := Member{Identity: alice.leaf.Identity, Capabilities: testCapabilities(), SignPriv: alice.signPriv}
	sess := Create(cfg, []byte("persisted-group"), aliceMember, alice.leaf, alice.hpkePriv)

	_, err := sess.Propose(proposal.AddProposal(bobKP), nil)
	require.NoError(t, err)
	_, _, err = sess.Commit(nil)
	require.NoError(t, err)

	store := storage.NewMapGroupStateStorage()
	require.NoError(t, sess.SaveState(store))

	resumed, err := LoadState(cfg, store, []byte("persisted-group"), alice.hpkePriv, aliceMember)
	require.NoError(t, err)

	require.Equal(t, sess.Epoch(), resumed.Epoch())
	require.Equal(t, sess.Tree().TreeHash(), resumed.Tree().TreeHash())
	require.Equal(t, sess.ExportSecret("resume-check", nil, 32), resumed.ExportSecret("resume-check", nil, 32))
}
