package ratchettree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// Sentinel errors, per §7.
var (
	ErrInvalidParentHash = errors.New("ratchettree: invalid parent hash")
	ErrInvalidTreeHash   = errors.New("ratchettree: invalid tree hash")
	ErrNoPrivateKeyForPath = errors.New("ratchettree: no known private key covers the update path")
	ErrInternalInvariant   = errors.New("ratchettree: internal invariant violated")
)

// ParentNode is an internal tree node, per §3.
type ParentNode struct {
	PublicKey      crypto.HPKEPublicKey
	ParentHash     []byte
	UnmergedLeaves []LeafIndex // strictly ascending
}

func (p ParentNode) Marshal(w *wireformat.Writer) {
	w.Opaque(p.PublicKey)
	w.Opaque(p.ParentHash)
	wireformat.WriteVector(w, p.UnmergedLeaves, func(w *wireformat.Writer, l LeafIndex) { w.Uint32(uint32(l)) })
}

func (p *ParentNode) Unmarshal(r *wireformat.Reader) error {
	var err error
	if p.PublicKey, err = r.Opaque(); err != nil {
		return err
	}
	if p.ParentHash, err = r.Opaque(); err != nil {
		return err
	}
	leaves, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (LeafIndex, error) {
		v, err := r.Uint32()
		return LeafIndex(v), err
	})
	if err != nil {
		return err
	}
	p.UnmergedLeaves = leaves
	return nil
}

// addUnmerged inserts l into UnmergedLeaves, keeping it strictly ascending.
func (p *ParentNode) addUnmerged(l LeafIndex) {
	i := sort.Search(len(p.UnmergedLeaves), func(i int) bool { return p.UnmergedLeaves[i] >= l })
	if i < len(p.UnmergedLeaves) && p.UnmergedLeaves[i] == l {
		return
	}
	p.UnmergedLeaves = append(p.UnmergedLeaves, 0)
	copy(p.UnmergedLeaves[i+1:], p.UnmergedLeaves[i:])
	p.UnmergedLeaves[i] = l
}

// slot is one entry in the flat node array: blank if both fields are nil.
type slot struct {
	Leaf   *keypackage.LeafNode
	Parent *ParentNode
}

func (s slot) blank() bool { return s.Leaf == nil && s.Parent == nil }

// Tree is the left-balanced binary ratchet tree of §3/§4.C4.
type Tree struct {
	Suite     crypto.Provider
	nodes     []slot
	numLeaves LeafCount
	hashes    map[NodeIndex][]byte // cache, invalidated lazily on mutation
}

// New constructs a one-leaf tree with creator as the sole member.
func New(suite crypto.Provider, creator keypackage.LeafNode) *Tree {
	t := &Tree{Suite: suite, numLeaves: 1, hashes: map[NodeIndex][]byte{}}
	t.nodes = make([]slot, NodeWidth(1))
	leaf := creator
	t.nodes[0] = slot{Leaf: &leaf}
	return t
}

// Width returns the number of leaf slots in the tree, blank ones included.
func (t *Tree) Width() LeafCount { return t.numLeaves }

// Size returns the size of the flat node array.
func (t *Tree) Size() uint32 { return NodeWidth(t.numLeaves) }

func (t *Tree) invalidate(n NodeIndex) {
	t.hashes = map[NodeIndex][]byte{} // simplest correct cache: full clear on any mutation
}

// IsBlank reports whether node n is empty.
func (t *Tree) IsBlank(n NodeIndex) bool {
	if uint32(n) >= uint32(len(t.nodes)) {
		return true
	}
	return t.nodes[n].blank()
}

// LeafAt returns the LeafNode at leaf position l, or nil if blank.
func (t *Tree) LeafAt(l LeafIndex) *keypackage.LeafNode {
	n := ToNodeIndex(l)
	if uint32(n) >= uint32(len(t.nodes)) {
		return nil
	}
	return t.nodes[n].Leaf
}

// ParentAt returns the ParentNode at node index n, or nil if blank/a leaf.
func (t *Tree) ParentAt(n NodeIndex) *ParentNode {
	if uint32(n) >= uint32(len(t.nodes)) {
		return nil
	}
	return t.nodes[n].Parent
}

// Resolution computes the resolution of node n, per §4.C4: if n is
// non-blank, [n] minus its unmerged leaves, then those unmerged leaves
// appended; if blank, the concatenation of the children's resolutions
// (empty for a blank leaf).
func (t *Tree) Resolution(n NodeIndex) []NodeIndex {
	if uint32(n) >= uint32(len(t.nodes)) {
		return nil
	}
	s := t.nodes[n]
	if s.blank() {
		if IsLeaf(n) {
			return nil
		}
		left := t.Resolution(Left(n))
		right := t.Resolution(Right(n, t.numLeaves))
		return append(left, right...)
	}
	if IsLeaf(n) {
		return []NodeIndex{n}
	}
	out := []NodeIndex{n}
	for _, l := range s.Parent.UnmergedLeaves {
		out = append(out, ToNodeIndex(l))
	}
	return out
}

// Clone returns a deep copy, used by the commit processor to mutate a
// candidate tree without disturbing the current epoch on failure.
func (t *Tree) Clone() *Tree {
	c := &Tree{Suite: t.Suite, numLeaves: t.numLeaves, hashes: map[NodeIndex][]byte{}}
	c.nodes = make([]slot, len(t.nodes))
	for i, s := range t.nodes {
		ns := slot{}
		if s.Leaf != nil {
			l := *s.Leaf
			ns.Leaf = &l
		}
		if s.Parent != nil {
			p := *s.Parent
			p.UnmergedLeaves = append([]LeafIndex(nil), s.Parent.UnmergedLeaves...)
			ns.Parent = &p
		}
		c.nodes[i] = ns
	}
	return c
}

// Blank empties a node.
func (t *Tree) blank(n NodeIndex) {
	if uint32(n) >= uint32(len(t.nodes)) {
		return
	}
	t.nodes[n] = slot{}
	t.invalidate(n)
}

// Remove blanks the leaf and every node on its direct path, per §4.C4
// "Blanking and unmerged leaves".
func (t *Tree) Remove(l LeafIndex) {
	t.blank(ToNodeIndex(l))
	for _, a := range DirectPathLeaf(l, t.numLeaves) {
		t.blank(a)
	}
}

// extend doubles the tree width.
func (t *Tree) extend() {
	newLeaves := LeafCount(uint32(t.numLeaves) * 2)
	if t.numLeaves == 0 {
		newLeaves = 1
	}
	newSize := NodeWidth(newLeaves)
	grown := make([]slot, newSize)
	copy(grown, t.nodes)
	t.nodes = grown
	t.numLeaves = newLeaves
}

// leftmostBlankLeaf returns the smallest blank leaf index and true, or
// (0, false) if every existing leaf slot is occupied (the tree must then
// extend).
func (t *Tree) leftmostBlankLeaf() (LeafIndex, bool) {
	for l := LeafIndex(0); uint32(l) < uint32(t.numLeaves); l++ {
		if t.IsBlank(ToNodeIndex(l)) {
			return l, true
		}
	}
	return 0, false
}

// Add places a new leaf at the leftmost blank leaf (extending the tree if
// none is free) and marks it unmerged in every non-blank ancestor, per
// §4.C4's "Blanking and unmerged leaves".
func (t *Tree) Add(leaf keypackage.LeafNode) LeafIndex {
	l, ok := t.leftmostBlankLeaf()
	if !ok {
		t.extend()
		l, ok = t.leftmostBlankLeaf()
		if !ok {
			panic(fmt.Sprintf("%v: extend failed to free a leaf", ErrInternalInvariant))
		}
	}
	leafCopy := leaf
	t.nodes[ToNodeIndex(l)] = slot{Leaf: &leafCopy}
	for _, a := range DirectPathLeaf(l, t.numLeaves) {
		if !t.IsBlank(a) {
			t.nodes[a].Parent.addUnmerged(l)
		}
	}
	t.invalidate(ToNodeIndex(l))
	return l
}

// UpdateLeaf replaces the leaf at l in place (used by Update proposals and
// by decap's installation of the committer's new leaf).
func (t *Tree) UpdateLeaf(l LeafIndex, leaf keypackage.LeafNode) {
	leafCopy := leaf
	t.nodes[ToNodeIndex(l)] = slot{Leaf: &leafCopy}
	t.invalidate(ToNodeIndex(l))
}

// SetParent installs/refreshes a parent node, clearing its unmerged leaves
// (a direct-path refresh always clears them, per §4.C4).
func (t *Tree) SetParent(n NodeIndex, p ParentNode) {
	p.UnmergedLeaves = nil
	t.nodes[n] = slot{Parent: &p}
	t.invalidate(n)
}

// nodeHashInput is the recursive tree-hash structure of §4.C4.
type nodeHashInput struct {
	index     NodeIndex
	isLeaf    bool
	leaf      *keypackage.LeafNode
	parent    *ParentNode
	leftHash  []byte
	rightHash []byte
}

func (n nodeHashInput) Marshal(w *wireformat.Writer) {
	w.Uint32(uint32(n.index))
	if n.isLeaf {
		w.Uint8(0)
		if n.leaf != nil {
			w.Uint8(1)
			n.leaf.Marshal(w)
		} else {
			w.Uint8(0)
		}
		return
	}
	w.Uint8(1)
	if n.parent != nil {
		w.Uint8(1)
		n.parent.Marshal(w)
	} else {
		w.Uint8(0)
	}
	w.Opaque(n.leftHash)
	w.Opaque(n.rightHash)
}

// TreeHash computes tree_hash(Root(numLeaves)), caching per-node hashes,
// invalidated wholesale on the next mutation (the simplest correct
// implementation of §4.C4's "MAY cache, invalidated on mutation").
func (t *Tree) TreeHash() []byte {
	return t.subtreeHash(Root(t.numLeaves))
}

func (t *Tree) subtreeHash(n NodeIndex) []byte {
	if h, ok := t.hashes[n]; ok {
		return h
	}

	var input nodeHashInput
	input.index = n
	if IsLeaf(n) {
		input.isLeaf = true
		input.leaf = t.nodes[n].Leaf
	} else {
		input.isLeaf = false
		input.parent = t.nodes[n].Parent
		input.leftHash = t.subtreeHash(Left(n))
		input.rightHash = t.subtreeHash(Right(n, t.numLeaves))
	}

	h := t.Suite.Hash(wireformat.Marshal(input))
	t.hashes[n] = h
	return h
}

// parentHashInput is hashed to produce a node's parent_hash link, per
// §4.C4's "parent hash link" invariant: it binds a parent's public key, its
// own parent_hash, and the tree hash of its *other* child's subtree (the
// child off the direction the chain came from).
type parentHashInput struct {
	publicKey         crypto.HPKEPublicKey
	parentHash        []byte
	originalSiblingTH []byte
}

func (p parentHashInput) Marshal(w *wireformat.Writer) {
	w.Opaque(p.publicKey)
	w.Opaque(p.parentHash)
	w.Opaque(p.originalSiblingTH)
}

// ComputeParentHash hashes (public key, parent's own parent_hash, sibling
// subtree hash) into the link a child leaf/parent embeds, per §4.C4 step 4.
func ComputeParentHash(suite crypto.Provider, publicKey crypto.HPKEPublicKey, parentHash []byte, siblingTreeHash []byte) []byte {
	in := parentHashInput{publicKey: publicKey, parentHash: parentHash, originalSiblingTH: siblingTreeHash}
	return suite.Hash(wireformat.Marshal(in))
}

// parentHashFields computes, for each node on path (ordered
// nearest-ancestor-to-root, as returned by DirectPath), the parent_hash
// value that node itself should carry: fields[len-1] (the root) is nil,
// since the root has no parent; fields[i] = Hash(pubkey(path[i+1]),
// fields[i+1], tree_hash(sibling(path[i]))). This is the "bottom-up"
// recomputation of §4.C4 step 4 — shared by Encap (to produce new values)
// and VerifyParentHashChain (to check them).
func (t *Tree) parentHashFields(path []NodeIndex) [][]byte {
	n := len(path)
	fields := make([][]byte, n)
	for i := n - 1; i >= 0; i-- {
		if i == n-1 {
			fields[i] = nil
			continue
		}
		fields[i] = ComputeParentHash(t.Suite, nonNilParentKey(t, path[i+1]), fields[i+1], t.subtreeHash(Sibling(path[i], t.numLeaves)))
	}
	return fields
}

// leafParentHash computes the parent_hash a leaf at l should carry, given
// its direct path's parentHashFields.
func (t *Tree) leafParentHash(l LeafIndex, path []NodeIndex, fields [][]byte) []byte {
	if len(path) == 0 {
		return nil
	}
	return ComputeParentHash(t.Suite, nonNilParentKey(t, path[0]), fields[0], t.subtreeHash(Sibling(ToNodeIndex(l), t.numLeaves)))
}

// VerifyParentHashChain checks that leaf l's parent_hash value correctly
// chains to its first non-blank ancestor, per §8's ratchet-tree invariant.
func (t *Tree) VerifyParentHashChain(l LeafIndex) error {
	leaf := t.LeafAt(l)
	if leaf == nil {
		return fmt.Errorf("%w: leaf %d is blank", ErrInternalInvariant, l)
	}
	if leaf.Source == keypackage.SourceKeyPackage {
		return nil
	}

	path := DirectPathLeaf(l, t.numLeaves)
	if len(path) == 0 {
		return nil
	}
	fields := t.parentHashFields(path)
	want := t.leafParentHash(l, path, fields)
	if string(want) != string(leaf.ParentHash) {
		return ErrInvalidParentHash
	}
	return nil
}

func nonNilParentKey(t *Tree, n NodeIndex) crypto.HPKEPublicKey {
	if p := t.ParentAt(n); p != nil {
		return p.PublicKey
	}
	return nil
}

// Marshal serialises the full flat node array, per §7's ratchet_tree
// extension: one optional LeafNode and one optional ParentNode per slot, in
// array order. This is the wire form a GroupInfo carries so a joining
// member can reconstruct the tree without having observed the proposal
// history that built it.
func (t *Tree) Marshal(w *wireformat.Writer) {
	w.Uint32(uint32(t.numLeaves))
	wireformat.WriteVector(w, t.nodes, func(w *wireformat.Writer, s slot) {
		if s.Leaf != nil {
			w.Uint8(1)
			s.Leaf.Marshal(w)
		} else {
			w.Uint8(0)
		}
		if s.Parent != nil {
			w.Uint8(1)
			s.Parent.Marshal(w)
		} else {
			w.Uint8(0)
		}
	})
}

// UnmarshalTree decodes a tree Marshal produced, binding it to suite for
// subsequent hashing. The flat node array's length must be consistent with
// the encoded leaf count, or §7's general wire-validity rule is violated.
func UnmarshalTree(suite crypto.Provider, r *wireformat.Reader) (*Tree, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	numLeaves := LeafCount(n)

	nodes, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (slot, error) {
		var s slot
		hasLeaf, err := r.Uint8()
		if err != nil {
			return s, err
		}
		if hasLeaf == 1 {
			var l keypackage.LeafNode
			if err := l.Unmarshal(r); err != nil {
				return s, err
			}
			s.Leaf = &l
		}
		hasParent, err := r.Uint8()
		if err != nil {
			return s, err
		}
		if hasParent == 1 {
			var p ParentNode
			if err := p.Unmarshal(r); err != nil {
				return s, err
			}
			s.Parent = &p
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if uint32(len(nodes)) != NodeWidth(numLeaves) {
		return nil, fmt.Errorf("%w: tree has %d nodes, want %d for %d leaves", ErrInternalInvariant, len(nodes), NodeWidth(numLeaves), numLeaves)
	}

	return &Tree{Suite: suite, numLeaves: numLeaves, nodes: nodes, hashes: map[NodeIndex][]byte{}}, nil
}
