// Package secrettree implements §4.C8: the per-epoch binary secret tree
// seeded by encryption_secret, and the per-leaf handshake/application hash
// ratchets derived from it.
//
// Grounded on the teacher's treeBaseKeySource (key-schedule.go): a map of
// node secrets, populated only down the path to a requested leaf and
// zeroized as it descends, generalized here from a single application
// chain to two independent chains per leaf plus a replay window the
// teacher's cache-only Get didn't need (its hashRatchet.Get just derived
// forward to a target generation with no rejection of already-consumed
// ones).
package secrettree

import (
	"errors"
	"fmt"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// ErrReplayedOrOldGeneration is returned when a generation has already been
// consumed or falls below the replay window's low-water mark, per §7/§4.C8.
var ErrReplayedOrOldGeneration = errors.New("secrettree: replayed or too-old generation")

// ChainType distinguishes the two independent per-leaf ratchets, per §4.C8.
type ChainType uint8

const (
	ChainHandshake   ChainType = 1
	ChainApplication ChainType = 2
)

func (c ChainType) label() string {
	if c == ChainHandshake {
		return "handshake"
	}
	return "application"
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Tree derives, on demand, the secret at any node of the tree isomorphic to
// the ratchet tree, per §4.C8: each internal node's secret splits into its
// children via ExpandWithLabel(parent, "tree", node_index, H.len).
type Tree struct {
	suite     crypto.Provider
	width     ratchettree.LeafCount
	node      map[ratchettree.NodeIndex][]byte
	leafCache map[ratchettree.LeafIndex][]byte
}

// New seeds a secret tree of the given width with encryptionSecret at the
// root.
func New(suite crypto.Provider, width ratchettree.LeafCount, encryptionSecret []byte) *Tree {
	t := &Tree{
		suite: suite, width: width,
		node:      map[ratchettree.NodeIndex][]byte{},
		leafCache: map[ratchettree.LeafIndex][]byte{},
	}
	t.node[ratchettree.Root(width)] = append([]byte(nil), encryptionSecret...)
	return t
}

// leafSecret derives the secret at leaf l, walking down from the nearest
// populated ancestor and zeroizing every intermediate secret it consumes,
// mirroring the teacher's treeBaseKeySource.Get. The handshake and
// application chains both derive from this same leaf secret (§4.C8), so it
// is cached rather than consumed on first read; Erase zeroizes the whole
// tree, including this cache, once the epoch that owns it is discarded.
func (t *Tree) leafSecret(l ratchettree.LeafIndex) ([]byte, error) {
	if s, ok := t.leafCache[l]; ok {
		return append([]byte(nil), s...), nil
	}

	target := ratchettree.ToNodeIndex(l)
	path := append([]ratchettree.NodeIndex{target}, ratchettree.DirectPathLeaf(l, t.width)...)

	start := -1
	for i, n := range path {
		if _, ok := t.node[n]; ok {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("secrettree: no ancestor secret available for leaf %d", l)
	}

	for i := start; i > 0; i-- {
		n := path[i]
		secret := t.node[n]
		left := ratchettree.Left(n)
		right := ratchettree.Right(n, t.width)
		t.node[left] = crypto.DeriveTreeSecret(t.suite, secret, "tree", uint32(left), t.suite.HashSize())
		t.node[right] = crypto.DeriveTreeSecret(t.suite, secret, "tree", uint32(right), t.suite.HashSize())
		zeroize(secret)
		delete(t.node, n)
	}

	out := t.node[target]
	delete(t.node, target)
	t.leafCache[l] = append([]byte(nil), out...)
	return out, nil
}

// Erase zeroizes every secret the tree still holds: remaining internal
// node secrets and every cached leaf secret. Call once the epoch this tree
// belongs to is superseded, per §5 "Zeroisation".
func (t *Tree) Erase() {
	for n, s := range t.node {
		zeroize(s)
		delete(t.node, n)
	}
	for l, s := range t.leafCache {
		zeroize(s)
		delete(t.leafCache, l)
	}
}

// keyAndNonce is one generation's derived message key material.
type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: append([]byte(nil), k.Key...), Nonce: append([]byte(nil), k.Nonce...)}
}

// ratchet is one (leaf, chain) hash ratchet, per §4.C8's generation
// derivation: chain_key[g+1] = ExpandWithLabel(chain_key[g], "secret", g,
// H.len); key[g]/nonce[g] are derived from chain_key[g] directly.
type ratchet struct {
	suite          crypto.Provider
	node           ratchettree.NodeIndex
	nextSecret     []byte
	nextGeneration uint32
	cache          map[uint32]keyAndNonce
	keySize        int
	nonceSize      int
}

func newRatchet(suite crypto.Provider, node ratchettree.NodeIndex, leafSecret []byte, chain ChainType) *ratchet {
	return &ratchet{
		suite:      suite,
		node:       node,
		nextSecret: crypto.DeriveSecret(suite, leafSecret, chain.label()),
		cache:      map[uint32]keyAndNonce{},
		keySize:    suite.KeySize(),
		nonceSize:  suite.NonceSize(),
	}
}

func generationBytes(g uint32) []byte {
	w := wireformat.NewWriter()
	w.Uint32(g)
	return w.Bytes()
}

// next advances the ratchet by one generation, returning that generation's
// key material and caching it for an out-of-order Get.
func (r *ratchet) next() (uint32, keyAndNonce) {
	gBytes := generationBytes(r.nextGeneration)
	key := crypto.ExpandWithLabel(r.suite, r.nextSecret, "key", gBytes, r.keySize)
	nonce := crypto.ExpandWithLabel(r.suite, r.nextSecret, "nonce", gBytes, r.nonceSize)
	secret := crypto.ExpandWithLabel(r.suite, r.nextSecret, "secret", gBytes, r.suite.HashSize())

	generation := r.nextGeneration
	r.nextGeneration++
	zeroize(r.nextSecret)
	r.nextSecret = secret

	kn := keyAndNonce{Key: key, Nonce: nonce}
	r.cache[generation] = kn
	return generation, kn.clone()
}

// get returns generation's key material, deriving forward if necessary, or
// ErrReplayedOrOldGeneration if it has already been consumed and erased, or
// falls outside the replay window.
func (r *ratchet) get(generation, window uint32) (keyAndNonce, error) {
	if kn, ok := r.cache[generation]; ok {
		return kn, nil
	}
	if generation < r.nextGeneration {
		return keyAndNonce{}, ErrReplayedOrOldGeneration
	}
	if generation-r.nextGeneration > window {
		return keyAndNonce{}, ErrReplayedOrOldGeneration
	}
	for r.nextGeneration < generation {
		r.next()
	}
	_, kn := r.next()
	r.trim(window)
	return kn, nil
}

// trim drops cached generations older than the replay window's low-water
// mark, zeroizing their key material immediately (§4.C8 "used keys are
// erased immediately" generalized to the whole trailing window, not just
// the single consumed entry).
func (r *ratchet) trim(window uint32) {
	if r.nextGeneration <= window {
		return
	}
	floor := r.nextGeneration - window
	for g, kn := range r.cache {
		if g < floor {
			zeroize(kn.Key)
			zeroize(kn.Nonce)
			delete(r.cache, g)
		}
	}
}

func (r *ratchet) erase(generation uint32) {
	kn, ok := r.cache[generation]
	if !ok {
		return
	}
	zeroize(kn.Key)
	zeroize(kn.Nonce)
	delete(r.cache, generation)
}

// Ratchets is the group-wide key source for one chain type (handshake or
// application): it lazily materialises a per-leaf ratchet from the secret
// tree on first use, mirroring the teacher's groupKeySource.
type Ratchets struct {
	tree     *Tree
	chain    ChainType
	window   uint32
	byLeaf   map[ratchettree.LeafIndex]*ratchet
}

// DefaultReplayWindow is §4.C8's default window width.
const DefaultReplayWindow = 64

// NewRatchets constructs a lazily-populated ratchet set for one chain type.
// window <= 0 selects DefaultReplayWindow.
func NewRatchets(tree *Tree, chain ChainType, window int) *Ratchets {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Ratchets{tree: tree, chain: chain, window: uint32(window), byLeaf: map[ratchettree.LeafIndex]*ratchet{}}
}

func (rs *Ratchets) ratchetFor(l ratchettree.LeafIndex) (*ratchet, error) {
	if r, ok := rs.byLeaf[l]; ok {
		return r, nil
	}
	secret, err := rs.tree.leafSecret(l)
	if err != nil {
		return nil, err
	}
	r := newRatchet(rs.tree.suite, ratchettree.ToNodeIndex(l), secret, rs.chain)
	rs.byLeaf[l] = r
	return r, nil
}

// Next derives and returns the next (generation, key, nonce) for sender l's
// chain, for use when encrypting an outgoing message.
func (rs *Ratchets) Next(l ratchettree.LeafIndex) (generation uint32, key, nonce []byte, err error) {
	r, err := rs.ratchetFor(l)
	if err != nil {
		return 0, nil, nil, err
	}
	g, kn := r.next()
	return g, kn.Key, kn.Nonce, nil
}

// Get returns the key/nonce for sender l at a specific generation, deriving
// forward as needed, for use when decrypting an incoming message.
func (rs *Ratchets) Get(l ratchettree.LeafIndex, generation uint32) (key, nonce []byte, err error) {
	r, err := rs.ratchetFor(l)
	if err != nil {
		return nil, nil, err
	}
	kn, err := r.get(generation, rs.window)
	if err != nil {
		return nil, nil, err
	}
	return kn.Key, kn.Nonce, nil
}

// Erase removes and zeroizes a consumed generation's key material, per
// §4.C8 "Used keys are erased immediately".
func (rs *Ratchets) Erase(l ratchettree.LeafIndex, generation uint32) {
	if r, ok := rs.byLeaf[l]; ok {
		r.erase(generation)
	}
}
