package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
)

// TestApplyBatchOrdering checks §4.C4's batch edit order: Updates by
// LeafIndex ascending, then Removes by LeafIndex ascending, then Adds by
// KeyPackage hash ascending, each applied regardless of the entry order
// they arrive in.
func TestApplyBatchOrdering(t *testing.T) {
	suite := crypto.NewSuite1()

	alice := newTestMember(suite, "alice")
	bob := newTestMember(suite, "bob")
	carol := newTestMember(suite, "carol")
	dave := newTestMember(suite, "dave")

	tree := ratchettree.New(suite, alice.leaf)
	tree.Add(bob.leaf)
	tree.Add(carol.leaf)

	aliceUpdate := alice.leaf
	aliceUpdate.Source = keypackage.SourceUpdate
	aliceUpdate.ParentHash = nil
	require.NoError(t, aliceUpdate.Sign(suite, alice.signPriv, &keypackage.SignatureContext{LeafIndex: 0}))

	daveKP := keyPackageFor(suite, dave)

	b := &proposal.Bundle{}
	// Deliberately out of final order: Remove before Update, Add before both.
	b.Add(proposal.Entry{
		Proposal: proposal.AddProposal(daveKP),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})
	b.Add(proposal.Entry{
		Proposal: proposal.RemoveProposal(2),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByValue,
	})
	b.Add(proposal.Entry{
		Proposal: proposal.UpdateProposal(aliceUpdate),
		Sender:   proposal.Sender{Type: proposal.SenderMember, LeafIndex: 0},
		Origin:   proposal.OriginByRef,
	})

	result := ApplyBatch(suite, tree, b)

	require.Equal(t, keypackage.SourceUpdate, tree.LeafAt(0).Source)
	require.Len(t, result.AddedLeaves, 1)
	added := result.AddedLeaves[0]
	// Carol's removed slot is the leftmost blank, so dave's Add reuses it.
	require.Equal(t, ratchettree.LeafIndex(2), added)
	require.Equal(t, "dave", string(tree.LeafAt(added).Identity.Credential.Identity))
}
