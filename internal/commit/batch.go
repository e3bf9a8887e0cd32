package commit

import (
	"sort"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// BatchResult records what a batch edit actually did, so the caller can
// bind new Add leaves to the proposals that introduced them (e.g. for
// Welcome construction, out of this package's scope but needed by group).
type BatchResult struct {
	AddedLeaves []ratchettree.LeafIndex
}

// kpHash orders Adds deterministically, per §4.C4's batch edit ordering.
func kpHash(suite crypto.Provider, kp keypackage.KeyPackage) []byte {
	return suite.Hash(wireformat.Marshal(kp))
}

// ApplyBatch mutates tree in place per §4.C4's batch edit ordering: Updates
// by LeafIndex ascending, then Removes by LeafIndex ascending, then Adds by
// KeyPackage hash ascending (filling blanks left-to-right, then extending).
func ApplyBatch(suite crypto.Provider, tree *ratchettree.Tree, b *proposal.Bundle) *BatchResult {
	updates := append([]proposal.Entry(nil), b.Updates...)
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].Sender.LeafIndex < updates[j].Sender.LeafIndex
	})
	for _, e := range updates {
		tree.UpdateLeaf(e.Sender.LeafIndex, *e.Proposal.Update)
	}

	removes := append([]proposal.Entry(nil), b.Removes...)
	sort.SliceStable(removes, func(i, j int) bool {
		return removes[i].Proposal.Remove < removes[j].Proposal.Remove
	})
	for _, e := range removes {
		tree.Remove(e.Proposal.Remove)
	}

	adds := append([]proposal.Entry(nil), b.Adds...)
	sort.SliceStable(adds, func(i, j int) bool {
		hi := kpHash(suite, *adds[i].Proposal.Add)
		hj := kpHash(suite, *adds[j].Proposal.Add)
		return string(hi) < string(hj)
	})
	result := &BatchResult{}
	for _, e := range adds {
		idx := tree.Add(e.Proposal.Add.Leaf)
		result.AddedLeaves = append(result.AddedLeaves, idx)
	}

	return result
}
