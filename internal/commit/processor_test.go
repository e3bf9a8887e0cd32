package commit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/keyschedule"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/storage"
)

// newInitialEpoch builds epoch 0's EpochState the way group creation does:
// init_secret_prev and commit_secret are both the all-zero string of hash
// length, per §4.C7's bootstrap case.
func newInitialEpoch(t *testing.T, suite crypto.Provider, tree *ratchettree.Tree, groupID []byte) *EpochState {
	t.Helper()

	ctx := GroupContext{
		Version:     1,
		CipherSuite: uint16(suite.Suite()),
		GroupID:     groupID,
		Epoch:       0,
		TreeHash:    tree.TreeHash(),
	}

	zero := make([]byte, suite.HashSize())
	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, ctx.Encode())
	secrets := keyschedule.DeriveEpoch(suite, joinerSecret, nil, ctx.Encode())

	return NewEpochState(suite, tree, ctx, nil, secrets, 0)
}

func TestProposeAndSelfReceive_AddOnly(t *testing.T) {
	suite := crypto.NewSuite1()
	idp := testIDP{}

	alice := newTestMember(suite, "alice")
	bob := newTestMember(suite, "bob")
	bobKP := keyPackageFor(suite, bob)

	tree := ratchettree.New(suite, alice.leaf)
	groupID := []byte("add-only-group")
	cur := newInitialEpoch(t, suite, tree, groupID)

	b := &proposal.Bundle{}
	b.Add(proposal.Entry{
		Proposal: proposal.AddProposal(bobKP),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})

	params := testParams(suite, idp)
	plan, auth, err := Propose(cur, b, 0, alice.leaf.Identity, testCapabilities(), alice.signPriv, nil, params)
	require.NoError(t, err)
	require.Nil(t, plan.Message.Path)
	require.Equal(t, make([]byte, suite.HashSize()), plan.CommitSecret)
	require.Equal(t, uint64(1), plan.Next.Context.Epoch)

	// The original epoch's tree is untouched by Propose.
	require.Nil(t, tree.LeafAt(1))
	require.NotNil(t, plan.Next.Tree.LeafAt(1))
	require.Equal(t, "bob", string(plan.Next.Tree.LeafAt(1).Identity.Credential.Identity))

	next, newKnown, err := Receive(cur, auth, b, 0, map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{}, params)
	require.NoError(t, err)
	require.Nil(t, newKnown)
	require.Equal(t, plan.Next.Context.Epoch, next.Context.Epoch)
	require.True(t, bytes.Equal(plan.Next.Context.TreeHash, next.Context.TreeHash))
	require.True(t, bytes.Equal(plan.Next.Context.ConfirmedTranscriptHash, next.Context.ConfirmedTranscriptHash))
	require.True(t, bytes.Equal(plan.Next.InterimTranscriptHash, next.InterimTranscriptHash))

	_, _, _, err = next.Application.Next(0)
	require.NoError(t, err)
}

func TestProposeAndReceive_UpdateWithPath(t *testing.T) {
	suite := crypto.NewSuite1()
	idp := testIDP{}

	alice := newTestMember(suite, "alice")
	bob := newTestMember(suite, "bob")

	tree := ratchettree.New(suite, alice.leaf)
	tree.Add(bob.leaf)
	groupID := []byte("update-group")
	cur := newInitialEpoch(t, suite, tree, groupID)

	newAlicePub, newAlicePriv, err := suite.KEMDeriveKeyPair([]byte("alice-rotated-init"))
	require.NoError(t, err)

	aliceUpdate := keypackage.LeafNode{
		HPKEInitKey:  newAlicePub,
		Identity:     alice.leaf.Identity,
		Capabilities: testCapabilities(),
		Source:       keypackage.SourceUpdate,
	}
	require.NoError(t, aliceUpdate.Sign(suite, alice.signPriv, &keypackage.SignatureContext{GroupID: groupID, LeafIndex: 0}))

	b := &proposal.Bundle{}
	b.Add(proposal.Entry{
		Proposal: proposal.UpdateProposal(aliceUpdate),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByRef,
	})

	params := testParams(suite, idp)
	plan, auth, err := Propose(cur, b, 1, bob.leaf.Identity, testCapabilities(), bob.signPriv, nil, params)
	require.NoError(t, err)
	require.NotNil(t, plan.Message.Path)
	require.NotEqual(t, make([]byte, suite.HashSize()), plan.CommitSecret)
	require.Equal(t, keypackage.SourceCommit, plan.Next.Tree.LeafAt(1).Source)

	known := map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{
		ratchettree.ToNodeIndex(0): newAlicePriv,
	}
	next, newKnown, err := Receive(cur, auth, b, 0, known, params)
	require.NoError(t, err)
	require.Contains(t, newKnown, ratchettree.Root(2))
	require.True(t, bytes.Equal(plan.Next.Context.TreeHash, next.Context.TreeHash))
	require.True(t, bytes.Equal(plan.Next.Context.ConfirmedTranscriptHash, next.Context.ConfirmedTranscriptHash))
	require.Equal(t, keypackage.SourceCommit, next.Tree.LeafAt(1).Source)

	_, _, _, err = next.Handshake.Next(1)
	require.NoError(t, err)
}

func TestReceive_RejectsStaleEpoch(t *testing.T) {
	suite := crypto.NewSuite1()
	alice := newTestMember(suite, "alice")
	tree := ratchettree.New(suite, alice.leaf)
	cur := newInitialEpoch(t, suite, tree, []byte("g"))

	auth := &AuthenticatedContent{Content: FramedContent{Epoch: 7}}
	_, _, err := Receive(cur, auth, &proposal.Bundle{}, 0, nil, testParams(suite, testIDP{}))
	require.ErrorIs(t, err, ErrStaleEpoch)
}

func TestPropose_PSKProposalResolvesAgainstRealStorage(t *testing.T) {
	suite := crypto.NewSuite1()
	idp := testIDP{}
	alice := newTestMember(suite, "alice")

	tree := ratchettree.New(suite, alice.leaf)
	cur := newInitialEpoch(t, suite, tree, []byte("psk-group"))

	pskStore := storage.NewMapPreSharedKeyStorage()
	pskID := []byte("external-psk-id")
	require.NoError(t, pskStore.Put(pskID, []byte("psk-secret-value")))

	b := &proposal.Bundle{}
	b.Add(proposal.Entry{
		Proposal: proposal.PreSharedKeyProposal(proposal.PskID{Data: pskID}),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})

	params := testParams(suite, idp)
	params.PSKStorage = pskStore
	plan, _, err := Propose(cur, b, 0, alice.leaf.Identity, testCapabilities(), alice.signPriv, nil, params)
	require.NoError(t, err)
	require.Len(t, plan.Message.Proposals, 1)
}

func TestPropose_PSKProposalWithoutStorageFailsClosed(t *testing.T) {
	suite := crypto.NewSuite1()
	idp := testIDP{}
	alice := newTestMember(suite, "alice")

	tree := ratchettree.New(suite, alice.leaf)
	cur := newInitialEpoch(t, suite, tree, []byte("psk-group-no-storage"))

	b := &proposal.Bundle{}
	b.Add(proposal.Entry{
		Proposal: proposal.PreSharedKeyProposal(proposal.PskID{Data: []byte("unknown-psk")}),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})

	params := testParams(suite, idp)
	require.Nil(t, params.PSKStorage)
	_, _, err := Propose(cur, b, 0, alice.leaf.Identity, testCapabilities(), alice.signPriv, nil, params)
	require.ErrorIs(t, err, proposal.ErrPSKNotFound)
}

func TestReceive_RejectsBadConfirmationTag(t *testing.T) {
	suite := crypto.NewSuite1()
	idp := testIDP{}
	alice := newTestMember(suite, "alice")
	bob := newTestMember(suite, "bob")
	bobKP := keyPackageFor(suite, bob)

	tree := ratchettree.New(suite, alice.leaf)
	groupID := []byte("tamper-group")
	cur := newInitialEpoch(t, suite, tree, groupID)

	b := &proposal.Bundle{}
	b.Add(proposal.Entry{
		Proposal: proposal.AddProposal(bobKP),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})

	params := testParams(suite, idp)
	_, auth, err := Propose(cur, b, 0, alice.leaf.Identity, testCapabilities(), alice.signPriv, nil, params)
	require.NoError(t, err)

	auth.ConfirmationTag[0] ^= 0xff
	_, _, err = Receive(cur, auth, b, 0, map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{}, params)
	require.ErrorIs(t, err, ErrConfirmationTagInvalid)
}
