package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

func TestProposalOrRefRoundTrip(t *testing.T) {
	suite := crypto.NewSuite1()
	alice := newTestMember(suite, "alice")
	kp := keyPackageFor(suite, alice)

	byValue := ProposalOrRef{ByValue: true, Proposal: proposal.AddProposal(kp)}
	data := wireformat.Marshal(byValue)
	var decoded ProposalOrRef
	require.NoError(t, wireformat.Unmarshal(data, &decoded))
	require.True(t, decoded.ByValue)
	require.Equal(t, proposal.TypeAdd, decoded.Proposal.Type)
	require.Equal(t, "alice", string(decoded.Proposal.Add.Leaf.Identity.Credential.Identity))

	byRef := ProposalOrRef{ByValue: false, Ref: []byte{0xaa, 0xbb}}
	data = wireformat.Marshal(byRef)
	var decodedRef ProposalOrRef
	require.NoError(t, wireformat.Unmarshal(data, &decodedRef))
	require.False(t, decodedRef.ByValue)
	require.Equal(t, []byte{0xaa, 0xbb}, decodedRef.Ref)
}

func TestCommitRoundTripWithAndWithoutPath(t *testing.T) {
	suite := crypto.NewSuite1()
	alice := newTestMember(suite, "alice")
	kp := keyPackageFor(suite, alice)

	noPath := Commit{Proposals: []ProposalOrRef{{ByValue: true, Proposal: proposal.AddProposal(kp)}}}
	data := marshalCommit(noPath)
	var decoded Commit
	require.NoError(t, unmarshalCommit(data, &decoded))
	require.Len(t, decoded.Proposals, 1)
	require.Nil(t, decoded.Path)

	withPath := Commit{
		Proposals: []ProposalOrRef{{ByValue: false, Ref: []byte{0x01}}},
		Path:      &ratchettree.UpdatePath{Leaf: alice.leaf},
	}
	data = marshalCommit(withPath)
	var decodedWithPath Commit
	require.NoError(t, unmarshalCommit(data, &decodedWithPath))
	require.NotNil(t, decodedWithPath.Path)
	require.Equal(t, "alice", string(decodedWithPath.Path.Leaf.Identity.Credential.Identity))
}

func TestAuthenticatedContentTranscriptInputIsStable(t *testing.T) {
	framed := FramedContent{
		GroupID:     []byte("group"),
		Epoch:       3,
		Sender:      proposal.Sender{Type: proposal.SenderMember, LeafIndex: ratchettree.LeafIndex(1)},
		ContentType: ContentCommit,
		Content:     []byte("commit-bytes"),
	}
	a := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: framed, Signature: []byte("sig")}

	first := a.TranscriptInput()
	second := a.TranscriptInput()
	require.Equal(t, first, second)

	a.Signature = []byte("different-sig")
	require.NotEqual(t, first, a.TranscriptInput())
}

func TestConfirmationTagEncodedIsOpaque(t *testing.T) {
	tag := []byte{1, 2, 3, 4}
	encoded := ConfirmationTagEncoded(tag)

	r := wireformat.NewReader(encoded)
	decoded, err := r.Opaque()
	require.NoError(t, err)
	require.NoError(t, r.Finish())
	require.Equal(t, tag, decoded)
}

func TestFramedContentRoundTrip(t *testing.T) {
	f := FramedContent{
		GroupID:           []byte("gid"),
		Epoch:             42,
		Sender:            proposal.Sender{Type: proposal.SenderExternal, LeafIndex: 0},
		AuthenticatedData: []byte("aad"),
		ContentType:       ContentApplication,
		Content:           []byte("hello"),
	}
	data := wireformat.Marshal(f)
	var decoded FramedContent
	require.NoError(t, wireformat.Unmarshal(data, &decoded))
	require.Equal(t, f, decoded)
}
