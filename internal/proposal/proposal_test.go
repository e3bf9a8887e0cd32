package proposal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

func TestRemoveProposalRoundTrip(t *testing.T) {
	p := proposal.RemoveProposal(ratchettree.LeafIndex(5))
	data := wireformat.Marshal(p)

	var got proposal.Proposal
	require.NoError(t, wireformat.Unmarshal(data, &got))
	require.Equal(t, proposal.TypeRemove, got.Type)
	require.Equal(t, ratchettree.LeafIndex(5), got.Remove)
}

func TestCustomProposalRoundTrip(t *testing.T) {
	p := proposal.CustomProposal(200, []byte("payload"))
	data := wireformat.Marshal(p)

	var got proposal.Proposal
	require.NoError(t, wireformat.Unmarshal(data, &got))
	require.Equal(t, proposal.Type(200), got.Type)
	require.Equal(t, []byte("payload"), got.CustomData)
}

func TestAuthorisationMatrix(t *testing.T) {
	bundle := &proposal.Bundle{}
	bundle.Add(proposal.Entry{
		Proposal: proposal.UpdateProposal(keypackage.LeafNode{}),
		Sender:   proposal.Sender{Type: proposal.SenderExternal},
		Origin:   proposal.OriginByRef,
	})
	// External senders may never propose Update, per §4.C5's matrix. The
	// entry is still filed under Updates on insertion; Validate's first
	// step, proposer authorisation, then rejects it under IgnoreNone before
	// any other Context field is consulted.
	require.Len(t, bundle.Updates, 1)
	_, err := proposal.Validate(bundle, proposal.Context{}, proposal.IgnoreNone)
	require.ErrorIs(t, err, proposal.ErrUnauthorisedProposer)
}
