package secrettree_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/secrettree"
)

func newEncryptionSecret(suite crypto.Provider) []byte {
	return bytes.Repeat([]byte{0x42}, suite.HashSize())
}

func TestRatchetsNextAdvancesGenerationAndVaries(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	app := secrettree.NewRatchets(tree, secrettree.ChainApplication, 0)

	g0, key0, nonce0, err := app.Next(ratchettree.LeafIndex(1))
	require.NoError(t, err)
	require.Equal(t, uint32(0), g0)
	require.Len(t, key0, suite.KeySize())
	require.Len(t, nonce0, suite.NonceSize())

	g1, key1, _, err := app.Next(ratchettree.LeafIndex(1))
	require.NoError(t, err)
	require.Equal(t, uint32(1), g1)
	require.False(t, bytes.Equal(key0, key1))
}

func TestRatchetsHandshakeAndApplicationChainsAreIndependent(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	handshake := secrettree.NewRatchets(tree, secrettree.ChainHandshake, 0)
	application := secrettree.NewRatchets(tree, secrettree.ChainApplication, 0)

	_, hKey, _, err := handshake.Next(ratchettree.LeafIndex(0))
	require.NoError(t, err)
	_, aKey, _, err := application.Next(ratchettree.LeafIndex(0))
	require.NoError(t, err)
	require.False(t, bytes.Equal(hKey, aKey))
}

func TestRatchetsDifferentLeavesDeriveDifferentKeys(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	app := secrettree.NewRatchets(tree, secrettree.ChainApplication, 0)

	_, keyLeaf0, _, err := app.Next(ratchettree.LeafIndex(0))
	require.NoError(t, err)
	_, keyLeaf2, _, err := app.Next(ratchettree.LeafIndex(2))
	require.NoError(t, err)
	require.False(t, bytes.Equal(keyLeaf0, keyLeaf2))
}

func TestGetDerivesForwardAndMatchesNext(t *testing.T) {
	suite := crypto.NewSuite1()
	treeA := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	treeB := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	sender := secrettree.NewRatchets(treeA, secrettree.ChainApplication, 0)
	receiver := secrettree.NewRatchets(treeB, secrettree.ChainApplication, 0)

	var lastKey, lastNonce []byte
	for i := 0; i < 3; i++ {
		_, lastKey, lastNonce, _ = sender.Next(ratchettree.LeafIndex(1))
	}

	key, nonce, err := receiver.Get(ratchettree.LeafIndex(1), 2)
	require.NoError(t, err)
	require.Equal(t, lastKey, key)
	require.Equal(t, lastNonce, nonce)
}

func TestGetRejectsReplayedGeneration(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	app := secrettree.NewRatchets(tree, secrettree.ChainApplication, 0)

	_, _, _, err := app.Next(ratchettree.LeafIndex(1))
	require.NoError(t, err)

	_, _, err = app.Get(ratchettree.LeafIndex(1), 0)
	require.NoError(t, err)

	app.Erase(ratchettree.LeafIndex(1), 0)
	_, _, err = app.Get(ratchettree.LeafIndex(1), 0)
	require.ErrorIs(t, err, secrettree.ErrReplayedOrOldGeneration)
}

func TestGetRejectsGenerationBeyondReplayWindow(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	app := secrettree.NewRatchets(tree, secrettree.ChainApplication, 4)

	_, _, err := app.Get(ratchettree.LeafIndex(1), 10)
	require.ErrorIs(t, err, secrettree.ErrReplayedOrOldGeneration)
}

func TestTreeEraseIsIdempotentAndClearsState(t *testing.T) {
	suite := crypto.NewSuite1()
	tree := secrettree.New(suite, ratchettree.LeafCount(4), newEncryptionSecret(suite))
	app := secrettree.NewRatchets(tree, secrettree.ChainApplication, 0)
	_, _, _, err := app.Next(ratchettree.LeafIndex(1))
	require.NoError(t, err)

	tree.Erase()
	tree.Erase()

	// Leaf 2's ancestor secret (node 5) was left over from leaf 1's
	// derivation; after Erase nothing remains to derive it from.
	_, _, _, err = secrettree.NewRatchets(tree, secrettree.ChainApplication, 0).Next(ratchettree.LeafIndex(2))
	require.Error(t, err)
}
