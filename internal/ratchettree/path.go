package ratchettree

import (
	"fmt"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// HPKECiphertext is one resolution entry's encrypted path_secret.
type HPKECiphertext struct {
	KEMOutput  []byte
	Ciphertext []byte
}

func (c HPKECiphertext) Marshal(w *wireformat.Writer) {
	w.Opaque(c.KEMOutput)
	w.Opaque(c.Ciphertext)
}

func (c *HPKECiphertext) Unmarshal(r *wireformat.Reader) error {
	var err error
	if c.KEMOutput, err = r.Opaque(); err != nil {
		return err
	}
	c.Ciphertext, err = r.Opaque()
	return err
}

// UpdatePathNode is one direct-path step's new public key plus the
// path_secret encrypted to every member of its copath resolution.
type UpdatePathNode struct {
	PublicKey            crypto.HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext
}

func (n UpdatePathNode) Marshal(w *wireformat.Writer) {
	w.Opaque(n.PublicKey)
	wireformat.WriteVector(w, n.EncryptedPathSecrets, func(w *wireformat.Writer, c HPKECiphertext) { c.Marshal(w) })
}

func (n *UpdatePathNode) Unmarshal(r *wireformat.Reader) error {
	var err error
	if n.PublicKey, err = r.Opaque(); err != nil {
		return err
	}
	n.EncryptedPathSecrets, err = wireformat.ReadVector(r, func(r *wireformat.Reader) (HPKECiphertext, error) {
		var c HPKECiphertext
		err := c.Unmarshal(r)
		return c, err
	})
	return err
}

// UpdatePath is the encap output of §4.C4: a refreshed leaf plus, for every
// ancestor on its direct path, a new public key and encrypted path secrets.
type UpdatePath struct {
	Leaf  keypackage.LeafNode
	Nodes []UpdatePathNode // one per DirectPath(leaf) entry, root last
}

func (p UpdatePath) Marshal(w *wireformat.Writer) {
	p.Leaf.Marshal(w)
	wireformat.WriteVector(w, p.Nodes, func(w *wireformat.Writer, n UpdatePathNode) { n.Marshal(w) })
}

func (p *UpdatePath) Unmarshal(r *wireformat.Reader) error {
	if err := p.Leaf.Unmarshal(r); err != nil {
		return err
	}
	nodes, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (UpdatePathNode, error) {
		var n UpdatePathNode
		err := n.Unmarshal(r)
		return n, err
	})
	if err != nil {
		return err
	}
	p.Nodes = nodes
	return nil
}

// derivePathSecrets expands path_secret[0] (random) into one path_secret per
// direct-path node, per §4.C4 step 2.
func derivePathSecrets(suite crypto.Provider, first []byte, count int) [][]byte {
	secrets := make([][]byte, count)
	cur := first
	for i := 0; i < count; i++ {
		if i > 0 {
			cur = crypto.DeriveSecret(suite, cur, "path")
		}
		secrets[i] = cur
	}
	return secrets
}

// Encap performs the committer's direct-path refresh (§4.C4 "Encap"),
// returning the UpdatePath to publish, the commit_secret, and the new
// private keys the committer now holds at each path node (including its
// own new leaf private key at index -1, returned separately).
func (t *Tree) Encap(
	leafIdx LeafIndex,
	identity keypackage.SigningIdentity,
	capabilities keypackage.Capabilities,
	extensions keypackage.ExtensionList,
	signPriv crypto.SignaturePrivateKey,
	groupID []byte,
	groupContextAAD []byte,
) (*UpdatePath, []byte, crypto.HPKEPrivateKey, map[NodeIndex]crypto.HPKEPrivateKey, error) {
	// A solo-member tree has an empty direct path: len(path) == 0 below, and
	// the loops simply do nothing, leaving only the fresh leaf keypair and a
	// commit_secret derived straight from the random first path secret.
	path := DirectPathLeaf(leafIdx, t.numLeaves)

	firstSecret, err := t.Suite.Random(t.Suite.HashSize())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ratchettree: encap random: %w", err)
	}
	pathSecrets := derivePathSecrets(t.Suite, firstSecret, len(path))

	copath := Copath(ToNodeIndex(leafIdx), t.numLeaves)
	newPrivateKeys := make(map[NodeIndex]crypto.HPKEPrivateKey, len(path))
	nodes := make([]UpdatePathNode, len(path))
	for i, n := range path {
		seed := crypto.DeriveSecret(t.Suite, pathSecrets[i], "node")
		pub, priv, err := t.Suite.KEMDeriveKeyPair(seed)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("ratchettree: derive path keypair: %w", err)
		}
		newPrivateKeys[n] = priv

		targets := t.Resolution(copath[i])
		cts := make([]HPKECiphertext, len(targets))
		for j, target := range targets {
			targetPub, err := t.publicKeyOf(target)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			enc, ct, err := t.Suite.HPKESeal(targetPub, nil, groupContextAAD, pathSecrets[i])
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("ratchettree: seal path secret: %w", err)
			}
			cts[j] = HPKECiphertext{KEMOutput: enc, Ciphertext: ct}
		}
		nodes[i] = UpdatePathNode{PublicKey: pub, EncryptedPathSecrets: cts}
	}

	// Install new parent public keys (not yet the ParentHash — that needs
	// the new leaf to exist first, computed below) so tree_hash/sibling
	// lookups during parentHashFields see the refreshed keys.
	for i, n := range path {
		t.SetParent(n, ParentNode{PublicKey: nodes[i].PublicKey})
	}
	fields := t.parentHashFields(path)
	for i, n := range path {
		p := t.ParentAt(n)
		p.ParentHash = fields[i]
	}

	leafPub, leafPriv, err := t.Suite.KEMDeriveKeyPair(crypto.DeriveSecret(t.Suite, firstSecret, "leaf"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ratchettree: derive leaf keypair: %w", err)
	}

	newLeaf := keypackage.LeafNode{
		HPKEInitKey:  leafPub,
		Identity:     identity,
		Capabilities: capabilities,
		Source:       keypackage.SourceCommit,
		Extensions:   extensions,
		ParentHash:   t.leafParentHash(leafIdx, path, fields),
	}
	sigCtx := &keypackage.SignatureContext{GroupID: groupID, LeafIndex: uint32(leafIdx)}
	if err := newLeaf.Sign(t.Suite, signPriv, sigCtx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ratchettree: sign new leaf: %w", err)
	}
	t.UpdateLeaf(leafIdx, newLeaf)

	lastSecret := firstSecret
	if len(pathSecrets) > 0 {
		lastSecret = pathSecrets[len(pathSecrets)-1]
	}
	commitSecret := crypto.DeriveSecret(t.Suite, lastSecret, "path")
	return &UpdatePath{Leaf: newLeaf, Nodes: nodes}, commitSecret, leafPriv, newPrivateKeys, nil
}

func (t *Tree) publicKeyOf(n NodeIndex) (crypto.HPKEPublicKey, error) {
	if IsLeaf(n) {
		leaf := t.nodes[n].Leaf
		if leaf == nil {
			return nil, fmt.Errorf("%w: resolution referenced blank leaf %d", ErrInternalInvariant, n)
		}
		return leaf.HPKEInitKey, nil
	}
	p := t.nodes[n].Parent
	if p == nil {
		return nil, fmt.Errorf("%w: resolution referenced blank parent %d", ErrInternalInvariant, n)
	}
	return p.PublicKey, nil
}

// Decap applies a received UpdatePath (§4.C4 "Decap"). known is the
// receiver's currently-held private keys, indexed by NodeIndex (its own
// leaf key lives at ToNodeIndex(receiverLeaf)); Decap returns the
// commit_secret and the set of new private keys the receiver now holds
// (merging these into known is the caller's responsibility, since further
// commits may supersede them).
func (t *Tree) Decap(
	committerLeaf, receiverLeaf LeafIndex,
	path *UpdatePath,
	known map[NodeIndex]crypto.HPKEPrivateKey,
	groupContextAAD []byte,
) ([]byte, map[NodeIndex]crypto.HPKEPrivateKey, error) {
	directPath := DirectPathLeaf(committerLeaf, t.numLeaves)
	if len(directPath) != len(path.Nodes) {
		return nil, nil, fmt.Errorf("ratchettree: update path length mismatch")
	}
	if len(directPath) == 0 {
		// Unreachable in practice: an empty direct path means a solo-member
		// tree, and Decap is only ever called with a receiver distinct from
		// the committer. Kept as a defensive fallback rather than a panic.
		return nil, nil, fmt.Errorf("%w: committer has no direct path to decap", ErrInternalInvariant)
	}

	ancestor := CommonAncestor(committerLeaf, receiverLeaf, t.numLeaves)
	startIdx := -1
	for i, n := range directPath {
		if n == ancestor {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, nil, fmt.Errorf("%w: common ancestor not on committer's direct path", ErrInternalInvariant)
	}

	copath := Copath(ToNodeIndex(committerLeaf), t.numLeaves)
	targets := t.Resolution(copath[startIdx])
	var pathSecret []byte
	for j, target := range targets {
		priv, ok := known[target]
		if !ok {
			continue
		}
		ct := path.Nodes[startIdx].EncryptedPathSecrets[j]
		pt, err := t.Suite.HPKEOpen(priv, ct.KEMOutput, nil, groupContextAAD, ct.Ciphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("ratchettree: open path secret: %w", err)
		}
		pathSecret = pt
		break
	}
	if pathSecret == nil {
		return nil, nil, ErrNoPrivateKeyForPath
	}

	newPrivateKeys := make(map[NodeIndex]crypto.HPKEPrivateKey)
	for i := startIdx; i < len(directPath); i++ {
		seed := crypto.DeriveSecret(t.Suite, pathSecret, "node")
		pub, priv, err := t.Suite.KEMDeriveKeyPair(seed)
		if err != nil {
			return nil, nil, fmt.Errorf("ratchettree: derive path keypair: %w", err)
		}
		if string(pub) != string(path.Nodes[i].PublicKey) {
			return nil, nil, fmt.Errorf("%w: derived public key does not match UpdatePath", ErrInvalidTreeHash)
		}
		newPrivateKeys[directPath[i]] = priv
		if i+1 < len(directPath) {
			pathSecret = crypto.DeriveSecret(t.Suite, pathSecret, "path")
		}
	}

	// Install the committer's refreshed direct path and leaf, mirroring Encap.
	for i, n := range directPath {
		t.SetParent(n, ParentNode{PublicKey: path.Nodes[i].PublicKey})
	}
	fields := t.parentHashFields(directPath)
	for i, n := range directPath {
		t.ParentAt(n).ParentHash = fields[i]
	}
	t.UpdateLeaf(committerLeaf, path.Leaf)

	commitSecret := crypto.DeriveSecret(t.Suite, pathSecret, "path")
	return commitSecret, newPrivateKeys, nil
}
