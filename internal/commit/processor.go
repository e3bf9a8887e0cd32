package commit

import (
	"errors"
	"fmt"
	"time"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/keyschedule"
	"github.com/s3131212/mls-go/internal/mlslog"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/secrettree"
	"github.com/s3131212/mls-go/internal/storage"
	"github.com/s3131212/mls-go/internal/transcript"
	"github.com/s3131212/mls-go/internal/wireformat"
)

func marshalCommit(c Commit) []byte { return wireformat.Marshal(c) }

func unmarshalCommit(data []byte, c *Commit) error { return wireformat.Unmarshal(data, c) }

// Sentinel errors, per §7, specific to this package's orchestration (the
// per-proposal §4.C5 kinds live in package proposal).
var (
	ErrStaleEpoch            = errors.New("commit: epoch does not match the current one")
	ErrConfirmationTagInvalid = errors.New("commit: confirmation tag does not match")
	ErrInternalInvariant     = errors.New("commit: internal invariant violated")
)

// EpochState is everything one epoch owns exclusively (§3 "Ownership").
// Replacing it is the only externally visible effect of a successful
// commit; on any error the caller's previous EpochState is untouched.
type EpochState struct {
	Tree                  *ratchettree.Tree
	Context               GroupContext
	InterimTranscriptHash []byte
	Secrets               *keyschedule.EpochSecrets

	// Handshake and Application are independent ratchets over the same
	// secret tree, per §4.C8 "each leaf seeds two independent chains".
	Handshake   *secrettree.Ratchets
	Application *secrettree.Ratchets

	// secretTree is the shared backing store for Handshake/Application;
	// kept only so Erase can zeroize it.
	secretTree *secrettree.Tree
}

// Erase zeroizes every secret this epoch holds: key-schedule secrets and
// the secret tree. Call once a successor epoch has replaced this one and
// no still-arriving message needs it, per §5 "Ownership"/"Zeroisation".
func (e *EpochState) Erase() {
	e.Secrets.Erase()
	e.secretTree.Erase()
}

// Params bundles everything the processor needs beyond the current
// EpochState: providers, identity policy, and logging.
type Params struct {
	Suite            crypto.Provider
	IdentityProvider credential.Provider
	PSKSecret        []byte // nil when no PSK is in use
	PSKStorage       storage.PreSharedKeyStorage // nil rejects any PreSharedKey proposal
	Now              time.Time
	Log              mlslog.Logger
	ReplayWindow     int // 0 selects secrettree.DefaultReplayWindow
}

// CommitPlan is the committer-side output of Propose (§4.C6 steps 1-9),
// ready to sign, publish, and (on self-receive) install as the new
// EpochState.
type CommitPlan struct {
	Message       Commit
	Next          *EpochState
	CommitterLeaf ratchettree.LeafIndex
	CommitSecret  []byte

	// LeafPrivateKey and PathPrivateKeys are the committer's own new HPKE
	// private keys from Encap (nil when the commit carried no path, i.e.
	// an Add-only commit). The caller merges these into its per-node
	// known-keys map so later Decap calls from its own perspective as
	// receiver can resolve its own ancestors.
	LeafPrivateKey  crypto.HPKEPrivateKey
	PathPrivateKeys map[ratchettree.NodeIndex]crypto.HPKEPrivateKey
}

// requiresPath reports whether §4.C6 step 3 requires a committer path: it
// is required unless the bundle contains only Add proposals.
func requiresPath(applied *proposal.Applied) bool {
	return len(applied.Updates) > 0 || len(applied.Removes) > 0 ||
		len(applied.PSKs) > 0 || len(applied.ReInits) > 0 ||
		len(applied.ExternalInits) > 0 || len(applied.GroupContextExtensions) > 0 ||
		len(applied.Customs) > 0
}

// revalidateLeaves implements §4.C5 step 8, deferred from the proposal
// package to here because only the commit processor holds the
// post-batch-edit tree: every surviving leaf must validate against the
// (possibly just-changed) group extensions, and every Updated leaf must
// pass the identity provider's successor check against the leaf it
// replaced.
func revalidateLeaves(
	suite crypto.Provider,
	idp credential.Provider,
	tree *ratchettree.Tree,
	groupID []byte,
	now time.Time,
	extensions keypackage.ExtensionList,
	priorLeaves map[ratchettree.LeafIndex]keypackage.LeafNode,
) error {
	requiredExtensions := extensions.Types()
	for i := ratchettree.LeafIndex(0); uint32(ratchettree.ToNodeIndex(i)) < tree.Size(); i++ {
		leaf := tree.LeafAt(i)
		if leaf == nil {
			continue
		}
		ctx := &keypackage.SignatureContext{GroupID: groupID, LeafIndex: uint32(i)}
		if err := leaf.Validate(suite, idp, ctx, now, requiredExtensions, nil); err != nil {
			return fmt.Errorf("commit: leaf %d failed revalidation: %w", i, err)
		}
		if prior, ok := priorLeaves[i]; ok {
			if !idp.ValidSuccessor(prior.Identity.Credential, leaf.Identity.Credential) {
				return fmt.Errorf("%w: leaf %d", proposal.ErrInvalidSuccessor, i)
			}
		}
	}
	return nil
}

// priorUpdateLeaves snapshots the tree's current leaf at every Update
// proposal's target, before ApplyBatch overwrites them, so
// revalidateLeaves can run the successor check afterward.
func priorUpdateLeaves(tree *ratchettree.Tree, b *proposal.Bundle) map[ratchettree.LeafIndex]keypackage.LeafNode {
	out := make(map[ratchettree.LeafIndex]keypackage.LeafNode, len(b.Updates))
	for _, e := range b.Updates {
		if leaf := tree.LeafAt(e.Sender.LeafIndex); leaf != nil {
			out[e.Sender.LeafIndex] = *leaf
		}
	}
	return out
}

func replayWindow(p Params) int {
	if p.ReplayWindow > 0 {
		return p.ReplayWindow
	}
	return secrettree.DefaultReplayWindow
}

// NewEpochState wraps a freshly derived EpochSecrets into a ready-to-use
// EpochState: it seeds the secret tree and both per-leaf ratchet sets.
// Used for initial group creation (epoch 0, derived from an all-zero
// init_secret and commit_secret) and internally by Propose/Receive.
func NewEpochState(
	suite crypto.Provider,
	tree *ratchettree.Tree,
	groupCtx GroupContext,
	interimTranscriptHash []byte,
	secrets *keyschedule.EpochSecrets,
	window int,
) *EpochState {
	secretTree := secrettree.New(suite, tree.Width(), secrets.EncryptionSecret)
	return &EpochState{
		Tree: tree, Context: groupCtx, InterimTranscriptHash: interimTranscriptHash,
		Secrets:     secrets,
		Handshake:   secrettree.NewRatchets(secretTree, secrettree.ChainHandshake, window),
		Application: secrettree.NewRatchets(secretTree, secrettree.ChainApplication, window),
		secretTree:  secretTree,
	}
}

// Propose runs the committer side of §4.C6: clone the tree, apply the
// batch edit, conditionally Encap, recompute hashes, derive the successor
// epoch's secrets, and compute the confirmation tag. It does not mutate
// cur; the result's Next is a candidate the caller installs only after a
// successful self-receive, per §4.C6 step 10 and §4.C10.
func Propose(
	cur *EpochState,
	b *proposal.Bundle,
	committerLeaf ratchettree.LeafIndex,
	identity keypackage.SigningIdentity,
	capabilities keypackage.Capabilities,
	signPriv crypto.SignaturePrivateKey,
	authenticatedData []byte,
	p Params,
) (*CommitPlan, *AuthenticatedContent, error) {
	tree := cur.Tree.Clone()

	validateCtx := proposal.Context{
		Tree:             tree,
		CommitterLeaf:    committerLeaf,
		IdentityProvider: p.IdentityProvider,
		PSKStorage:       p.PSKStorage,
		CurrentVersion:   cur.Context.Version,
		Now:              p.Now,
		NewGroupExtensions: cur.Context.Extensions,
		Log:              p.Log,
	}
	applied, err := proposal.Validate(b, validateCtx, proposal.IgnoreByRef)
	if err != nil {
		return nil, nil, fmt.Errorf("commit: validate proposals: %w", err)
	}

	priorLeaves := priorUpdateLeaves(tree, &applied.Bundle)
	ApplyBatch(p.Suite, tree, &applied.Bundle)

	if tree.LeafAt(committerLeaf) == nil {
		return nil, nil, fmt.Errorf("%w: committer leaf blanked by its own commit", ErrInternalInvariant)
	}

	extensions := cur.Context.Extensions
	for _, e := range applied.Bundle.GroupContextExtensions {
		extensions = e.Proposal.GroupContextExtensions
	}

	if err := revalidateLeaves(p.Suite, p.IdentityProvider, tree, cur.Context.GroupID, p.Now, extensions, priorLeaves); err != nil {
		return nil, nil, err
	}

	var (
		path         *ratchettree.UpdatePath
		commitSecret []byte
		leafPriv     crypto.HPKEPrivateKey
		newPrivKeys  map[ratchettree.NodeIndex]crypto.HPKEPrivateKey
	)
	if requiresPath(applied) {
		groupCtxAAD := (&GroupContext{
			Version: cur.Context.Version, CipherSuite: cur.Context.CipherSuite,
			GroupID: cur.Context.GroupID, Epoch: cur.Context.Epoch + 1,
			Extensions: extensions,
		}).Encode()
		path, commitSecret, leafPriv, newPrivKeys, err = tree.Encap(
			committerLeaf, identity, capabilities, extensions, signPriv,
			cur.Context.GroupID, groupCtxAAD,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("commit: encap: %w", err)
		}
	} else {
		commitSecret = make([]byte, p.Suite.HashSize())
	}

	treeHash := tree.TreeHash()

	commitWire := Commit{Path: path}
	for _, e := range applied.Bundle.All() {
		commitWire.Proposals = append(commitWire.Proposals, toProposalOrRef(e))
	}

	framed := FramedContent{
		GroupID:           cur.Context.GroupID,
		Epoch:             cur.Context.Epoch,
		Sender:            proposal.Sender{Type: proposal.SenderMember, LeafIndex: committerLeaf},
		AuthenticatedData: authenticatedData,
		ContentType:       ContentCommit,
		Content:           marshalCommit(commitWire),
	}
	auth := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: framed}
	sig, err := p.Suite.Sign(signPriv, auth.TranscriptInput())
	if err != nil {
		return nil, nil, fmt.Errorf("commit: sign commit: %w", err)
	}
	auth.Signature = sig

	confirmed := transcript.Confirmed(p.Suite, cur.InterimTranscriptHash, auth.TranscriptInput())

	nextCtx := GroupContext{
		Version: cur.Context.Version, CipherSuite: cur.Context.CipherSuite,
		GroupID: cur.Context.GroupID, Epoch: cur.Context.Epoch + 1,
		TreeHash: treeHash, ConfirmedTranscriptHash: confirmed, Extensions: extensions,
	}

	joinerSecret := keyschedule.DeriveJoinerSecret(p.Suite, cur.Secrets.InitSecretNext, commitSecret, nextCtx.Encode())
	secrets := keyschedule.DeriveEpoch(p.Suite, joinerSecret, p.PSKSecret, nextCtx.Encode())

	confirmationTag := p.Suite.MAC(secrets.ConfirmationKey, confirmed)
	auth.ConfirmationTag = confirmationTag

	interim := transcript.Interim(p.Suite, confirmed, ConfirmationTagEncoded(confirmationTag))

	next := NewEpochState(p.Suite, tree, nextCtx, interim, secrets, replayWindow(p))

	return &CommitPlan{
		Message: commitWire, Next: next, CommitterLeaf: committerLeaf, CommitSecret: commitSecret,
		LeafPrivateKey: leafPriv, PathPrivateKeys: newPrivKeys,
	}, &auth, nil
}

// Receive runs the receiver side of §4.C6: reapply the same batch edit
// from the sender's proposals, Decap (or zero commit_secret), recompute
// hashes, derive the successor epoch, and verify the published
// confirmation tag. known carries the receiver's HPKE private keys at
// every tree node it currently holds. The second return value is the set
// of new ancestor private keys Decap recovered (nil for a path-less
// commit); the caller must merge these into its own known-keys map before
// any later Decap, since Receive does not mutate known itself.
func Receive(
	cur *EpochState,
	auth *AuthenticatedContent,
	b *proposal.Bundle,
	receiverLeaf ratchettree.LeafIndex,
	known map[ratchettree.NodeIndex]crypto.HPKEPrivateKey,
	p Params,
) (*EpochState, map[ratchettree.NodeIndex]crypto.HPKEPrivateKey, error) {
	if auth.Content.Epoch != cur.Context.Epoch {
		p.Log.StaleEpoch(auth.Content.Epoch, cur.Context.Epoch)
		return nil, nil, fmt.Errorf("%w: got %d want %d", ErrStaleEpoch, auth.Content.Epoch, cur.Context.Epoch)
	}

	var commitWire Commit
	if err := unmarshalCommit(auth.Content.Content, &commitWire); err != nil {
		return nil, nil, fmt.Errorf("commit: decode commit: %w", err)
	}

	tree := cur.Tree.Clone()
	committerLeaf := auth.Content.Sender.LeafIndex

	validateCtx := proposal.Context{
		Tree: tree, CommitterLeaf: committerLeaf, IdentityProvider: p.IdentityProvider,
		PSKStorage: p.PSKStorage, CurrentVersion: cur.Context.Version, Now: p.Now,
		NewGroupExtensions: cur.Context.Extensions, Log: p.Log,
	}
	applied, err := proposal.Validate(b, validateCtx, proposal.IgnoreByRef)
	if err != nil {
		return nil, nil, fmt.Errorf("commit: validate proposals: %w", err)
	}
	priorLeaves := priorUpdateLeaves(tree, &applied.Bundle)
	ApplyBatch(p.Suite, tree, &applied.Bundle)

	if tree.LeafAt(committerLeaf) == nil {
		return nil, nil, fmt.Errorf("%w: committer leaf blanked by its own commit", ErrInternalInvariant)
	}

	extensions := cur.Context.Extensions
	for _, e := range applied.Bundle.GroupContextExtensions {
		extensions = e.Proposal.GroupContextExtensions
	}

	if err := revalidateLeaves(p.Suite, p.IdentityProvider, tree, cur.Context.GroupID, p.Now, extensions, priorLeaves); err != nil {
		return nil, nil, err
	}

	var commitSecret []byte
	var newKnown map[ratchettree.NodeIndex]crypto.HPKEPrivateKey
	if commitWire.Path != nil {
		groupCtxAAD := (&GroupContext{
			Version: cur.Context.Version, CipherSuite: cur.Context.CipherSuite,
			GroupID: cur.Context.GroupID, Epoch: cur.Context.Epoch + 1,
			Extensions: extensions,
		}).Encode()
		commitSecret, newKnown, err = tree.Decap(committerLeaf, receiverLeaf, commitWire.Path, known, groupCtxAAD)
		if err != nil {
			return nil, nil, fmt.Errorf("commit: decap: %w", err)
		}
	} else {
		commitSecret = make([]byte, p.Suite.HashSize())
	}

	treeHash := tree.TreeHash()
	confirmed := transcript.Confirmed(p.Suite, cur.InterimTranscriptHash, auth.TranscriptInput())

	nextCtx := GroupContext{
		Version: cur.Context.Version, CipherSuite: cur.Context.CipherSuite,
		GroupID: cur.Context.GroupID, Epoch: cur.Context.Epoch + 1,
		TreeHash: treeHash, ConfirmedTranscriptHash: confirmed, Extensions: extensions,
	}

	joinerSecret := keyschedule.DeriveJoinerSecret(p.Suite, cur.Secrets.InitSecretNext, commitSecret, nextCtx.Encode())
	secrets := keyschedule.DeriveEpoch(p.Suite, joinerSecret, p.PSKSecret, nextCtx.Encode())

	if !p.Suite.VerifyMAC(secrets.ConfirmationKey, confirmed, auth.ConfirmationTag) {
		return nil, nil, ErrConfirmationTagInvalid
	}

	interim := transcript.Interim(p.Suite, confirmed, ConfirmationTagEncoded(auth.ConfirmationTag))

	p.Log.CommitAccepted(nextCtx.Epoch)

	return NewEpochState(p.Suite, tree, nextCtx, interim, secrets, replayWindow(p)), newKnown, nil
}

func toProposalOrRef(e proposal.Entry) ProposalOrRef {
	if e.Origin == proposal.OriginByRef {
		return ProposalOrRef{ByValue: false, Ref: e.Ref}
	}
	return ProposalOrRef{ByValue: true, Proposal: e.Proposal}
}
