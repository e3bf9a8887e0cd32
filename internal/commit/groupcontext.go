// Package commit implements §4.C6: the commit processor that turns a
// filtered proposal bundle into a successor epoch — batch edit, conditional
// encap, tree/transcript hashing, key-schedule invocation, and confirmation
// tag.
package commit

import (
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// GroupContext is §3's per-epoch context, bound into signatures, key
// schedule inputs, and path-secret encryption AAD.
type GroupContext struct {
	Version                 uint16
	CipherSuite             uint16
	GroupID                 []byte
	Epoch                   uint64
	TreeHash                []byte
	ConfirmedTranscriptHash []byte
	Extensions              keypackage.ExtensionList
}

func (g GroupContext) Marshal(w *wireformat.Writer) {
	w.Uint16(g.Version)
	w.Uint16(g.CipherSuite)
	w.Opaque(g.GroupID)
	w.Uint64(g.Epoch)
	w.Opaque(g.TreeHash)
	w.Opaque(g.ConfirmedTranscriptHash)
	g.Extensions.Marshal(w)
}

func (g *GroupContext) Unmarshal(r *wireformat.Reader) error {
	var err error
	if g.Version, err = r.Uint16(); err != nil {
		return err
	}
	if g.CipherSuite, err = r.Uint16(); err != nil {
		return err
	}
	if g.GroupID, err = r.Opaque(); err != nil {
		return err
	}
	if g.Epoch, err = r.Uint64(); err != nil {
		return err
	}
	if g.TreeHash, err = r.Opaque(); err != nil {
		return err
	}
	if g.ConfirmedTranscriptHash, err = r.Opaque(); err != nil {
		return err
	}
	return g.Extensions.Unmarshal(r)
}

// Encode returns the deterministic serialisation fed into key-schedule and
// HPKE-AAD derivations, per §4.C7 "group_context_encoded".
func (g GroupContext) Encode() []byte {
	return wireformat.Marshal(g)
}
