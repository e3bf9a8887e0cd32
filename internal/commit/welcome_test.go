package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

func TestWelcomeRoundTrip(t *testing.T) {
	suite := crypto.NewSuite1()
	bob := newTestMember(suite, "bob")
	bobKP := keyPackageFor(suite, bob)
	ref := bobKP.Ref(suite)

	joinerSecret := []byte("joiner-secret-32-bytes-padding!!")
	w, err := BuildWelcome(suite, uint16(crypto.Suite1ID), []NewMember{
		{KeyPackageRef: ref, InitKey: bobKP.InitKey},
	}, joinerSecret, nil, nil)
	require.NoError(t, err)
	require.Len(t, w.Secrets, 1)
	require.Empty(t, w.EncryptedGroupInfo)

	data := wireformat.Marshal(*w)
	var decoded Welcome
	require.NoError(t, wireformat.Unmarshal(data, &decoded))

	secrets, err := OpenWelcome(suite, &decoded, ref, bob.hpkePriv)
	require.NoError(t, err)
	require.Equal(t, joinerSecret, secrets.JoinerSecret)
	require.Nil(t, secrets.PSKSecret)

	_, err = OpenWelcome(suite, &decoded, []byte("nope"), bob.hpkePriv)
	require.Error(t, err)

	_, err = OpenGroupInfo(suite, &decoded, secrets)
	require.Error(t, err)
}

func TestWelcomeCarriesSignedGroupInfo(t *testing.T) {
	suite := crypto.NewSuite1()
	alice := newTestMember(suite, "alice")
	bob := newTestMember(suite, "bob")
	bobKP := keyPackageFor(suite, bob)
	ref := bobKP.Ref(suite)

	tree := ratchettree.New(suite, alice.leaf)
	tree.Add(bob.leaf)

	ctx := GroupContext{
		Version: 1, CipherSuite: uint16(suite.Suite()),
		GroupID: []byte("welcome-group"), Epoch: 1, TreeHash: tree.TreeHash(),
	}
	info := &GroupInfo{
		GroupContext:          ctx,
		Tree:                  tree,
		InterimTranscriptHash: []byte("interim-transcript-hash"),
		ConfirmationTag:       []byte("confirmation-tag"),
		Signer:                0,
	}
	require.NoError(t, info.Sign(suite, alice.signPriv))

	joinerSecret := []byte("joiner-secret-32-bytes-padding!!")
	w, err := BuildWelcome(suite, uint16(crypto.Suite1ID), []NewMember{
		{KeyPackageRef: ref, InitKey: bobKP.InitKey},
	}, joinerSecret, nil, info)
	require.NoError(t, err)
	require.NotEmpty(t, w.EncryptedGroupInfo)

	data := wireformat.Marshal(*w)
	var decoded Welcome
	require.NoError(t, wireformat.Unmarshal(data, &decoded))

	secrets, err := OpenWelcome(suite, &decoded, ref, bob.hpkePriv)
	require.NoError(t, err)

	got, err := OpenGroupInfo(suite, &decoded, secrets)
	require.NoError(t, err)
	require.Equal(t, ctx.GroupID, got.GroupContext.GroupID)
	require.Equal(t, ratchettree.LeafIndex(0), got.Signer)
	require.NotNil(t, got.Tree.LeafAt(1))
	require.Equal(t, "bob", string(got.Tree.LeafAt(1).Identity.Credential.Identity))
	require.Equal(t, tree.TreeHash(), got.Tree.TreeHash())

	got.Signature[0] ^= 0xff
	require.ErrorIs(t, got.VerifySignature(suite), ErrSignatureInvalid)
}
