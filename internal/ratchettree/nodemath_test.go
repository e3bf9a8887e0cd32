package ratchettree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/ratchettree"
)

func TestNodeWidth(t *testing.T) {
	require.Equal(t, uint32(0), ratchettree.NodeWidth(0))
	require.Equal(t, uint32(1), ratchettree.NodeWidth(1))
	require.Equal(t, uint32(3), ratchettree.NodeWidth(2))
	require.Equal(t, uint32(7), ratchettree.NodeWidth(4))
	require.Equal(t, uint32(15), ratchettree.NodeWidth(8))
}

func TestRootAndParentFourLeaves(t *testing.T) {
	n := ratchettree.LeafCount(4)
	require.Equal(t, ratchettree.NodeIndex(3), ratchettree.Root(n))

	require.Equal(t, ratchettree.NodeIndex(1), ratchettree.Parent(0, n))
	require.Equal(t, ratchettree.NodeIndex(1), ratchettree.Parent(2, n))
	require.Equal(t, ratchettree.NodeIndex(3), ratchettree.Parent(1, n))
	require.Equal(t, ratchettree.NodeIndex(5), ratchettree.Parent(4, n))
	require.Equal(t, ratchettree.NodeIndex(5), ratchettree.Parent(6, n))
	require.Equal(t, ratchettree.NodeIndex(3), ratchettree.Parent(5, n))
	require.Equal(t, ratchettree.NodeIndex(3), ratchettree.Parent(3, n), "root is its own parent")
}

func TestDirectPathAndCopathEightLeaves(t *testing.T) {
	n := ratchettree.LeafCount(8)

	require.Equal(t,
		[]ratchettree.NodeIndex{1, 3, 7},
		ratchettree.DirectPath(ratchettree.ToNodeIndex(0), n))

	require.Equal(t,
		[]ratchettree.NodeIndex{2, 5, 11},
		ratchettree.Copath(ratchettree.ToNodeIndex(0), n))
}

func TestSiblingConsistency(t *testing.T) {
	n := ratchettree.LeafCount(8)
	for x := ratchettree.NodeIndex(0); x < ratchettree.NodeIndex(ratchettree.NodeWidth(n)); x++ {
		if x == ratchettree.Root(n) {
			continue
		}
		sib := ratchettree.Sibling(x, n)
		require.Equal(t, ratchettree.Parent(x, n), ratchettree.Parent(sib, n))
		require.NotEqual(t, x, sib)
	}
}

func TestCommonAncestor(t *testing.T) {
	n := ratchettree.LeafCount(8)
	require.Equal(t, ratchettree.NodeIndex(7), ratchettree.CommonAncestor(0, 7, n))
	require.Equal(t, ratchettree.NodeIndex(1), ratchettree.CommonAncestor(0, 1, n))
	require.Equal(t, ratchettree.ToNodeIndex(3), ratchettree.CommonAncestor(3, 3, n))
}
