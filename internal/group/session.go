// Package group implements §4.C10: the session glue that owns one group's
// current epoch and drives the proposal filter, commit processor, secret
// tree, and key schedule as one coherent state machine.
//
// Grounded on other_examples/f3aea00d_germtb-mlsgit__internal-mls-group.go.go
// for the public surface shape (Create/AddMember/RemoveMember/Epoch/
// ExportEpochSecret) — that file fakes the whole protocol with one
// ed25519+HKDF secret. Session keeps Create/Epoch and an exporter
// (ExportSecret) but routes membership changes through Propose/Commit/
// ProcessIncoming over the real ratchettree/proposal/commit/keyschedule/
// secrettree pipeline; it has no AddMember/RemoveMember methods.
package group

import (
	"errors"
	"fmt"
	"time"

	"github.com/s3131212/mls-go/internal/commit"
	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/keyschedule"
	"github.com/s3131212/mls-go/internal/mlslog"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/secrettree"
	"github.com/s3131212/mls-go/internal/storage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// ErrUnknownProposalReference is returned by ProcessIncoming when a
// received commit references a standalone proposal this session never saw.
var ErrUnknownProposalReference = errors.New("group: commit references an unknown proposal")

// ErrMembershipTagInvalid is returned by ProcessIncoming when a member
// sender's membership tag does not verify against the current epoch.
var ErrMembershipTagInvalid = errors.New("group: membership tag invalid")

// Config bundles the providers and policy a Session needs, independent of
// any particular group.
type Config struct {
	Suite            crypto.Provider
	IdentityProvider credential.Provider
	Log              mlslog.Logger
	ReplayWindow     int // 0 selects secrettree.DefaultReplayWindow

	// PSKStorage resolves PreSharedKey proposals' PskIDs to their secret
	// value. A nil PSKStorage is a valid configuration for a session that
	// never expects PSK proposals — any PreSharedKey proposal a peer sends
	// is then rejected by proposal.Validate rather than panicking.
	PSKStorage storage.PreSharedKeyStorage

	// KeyPackageStorage, if set, has the added KeyPackage's ref deleted
	// once a commit applying an Add is installed. The store is not consulted
	// when an Add is proposed or applied, so a deleted ref does not by
	// itself stop a later commit from adding the same KeyPackage again. Nil
	// skips the deletion.
	KeyPackageStorage storage.KeyPackageStorage
}

func (c Config) params(now time.Time, pskSecret []byte) commit.Params {
	return commit.Params{
		Suite: c.Suite, IdentityProvider: c.IdentityProvider, PSKSecret: pskSecret,
		PSKStorage: c.PSKStorage, Now: now, Log: c.Log, ReplayWindow: c.ReplayWindow,
	}
}

// Member is this endpoint's own long-lived key material, needed to sign
// commits and proposals and to Encap its own direct path.
type Member struct {
	Identity     keypackage.SigningIdentity
	Capabilities keypackage.Capabilities
	SignPriv     crypto.SignaturePrivateKey
}

// Session owns one group's current EpochState plus the bookkeeping §4.C10
// doesn't give an EpochState of its own: the caller's own leaf index, its
// known HPKE private keys by tree node, and the cache of standalone
// proposals sent or received since the last commit (so a later commit's
// by-reference entries can be resolved). All mutation happens through
// Commit/ProcessIncoming, and only takes effect once the whole operation
// succeeds — on any error the prior epoch is untouched, per §4.C10.
type Session struct {
	cfg Config

	current  *commit.EpochState
	ownLeaf  ratchettree.LeafIndex
	member   Member
	known    map[ratchettree.NodeIndex]crypto.HPKEPrivateKey
	pending  *proposal.Bundle
	byRef    map[string]proposal.Entry
	pskSecret []byte
}

// Create starts a brand-new group of one: the founding member's own leaf,
// bootstrapped from an all-zero init_secret and commit_secret per §4.C7's
// bootstrap case.
func Create(cfg Config, groupID []byte, member Member, creatorLeaf keypackage.LeafNode, leafPriv crypto.HPKEPrivateKey) *Session {
	tree := ratchettree.New(cfg.Suite, creatorLeaf)

	ctx := commit.GroupContext{
		Version:     1,
		CipherSuite: uint16(cfg.Suite.Suite()),
		GroupID:     groupID,
		Epoch:       0,
		TreeHash:    tree.TreeHash(),
	}

	zero := make([]byte, cfg.Suite.HashSize())
	joinerSecret := keyschedule.DeriveJoinerSecret(cfg.Suite, zero, zero, ctx.Encode())
	secrets := keyschedule.DeriveEpoch(cfg.Suite, joinerSecret, nil, ctx.Encode())

	epoch := commit.NewEpochState(cfg.Suite, tree, ctx, nil, secrets, cfg.ReplayWindow)

	return &Session{
		cfg:     cfg,
		current: epoch,
		ownLeaf: 0,
		member:  member,
		known:   map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{ratchettree.ToNodeIndex(0): leafPriv},
		pending: &proposal.Bundle{},
		byRef:   map[string]proposal.Entry{},
	}
}

// JoinFromWelcome constructs a Session for a member who just joined via
// Welcome: it recovers joiner_secret (and PSK secret, if any) by opening
// the Welcome entry addressed to keyPackageRef, then recovers and
// authenticates the tree, group context, and interim transcript hash from
// the Welcome's sealed GroupInfo, per §6's join operation. ownLeaf is the
// position keyPackageRef's Add proposal placed this member at in the
// recovered tree; the caller learns it the same way it learns which
// KeyPackage was added (e.g. by locating its own identity in the tree
// GroupInfo carries).
func JoinFromWelcome(
	cfg Config,
	welcome *commit.Welcome,
	keyPackageRef []byte,
	initPriv crypto.HPKEPrivateKey,
	ownLeaf ratchettree.LeafIndex,
	ownLeafPriv crypto.HPKEPrivateKey,
	member Member,
) (*Session, error) {
	secrets, err := commit.OpenWelcome(cfg.Suite, welcome, keyPackageRef, initPriv)
	if err != nil {
		return nil, fmt.Errorf("group: join from welcome: %w", err)
	}

	info, err := commit.OpenGroupInfo(cfg.Suite, welcome, secrets)
	if err != nil {
		return nil, fmt.Errorf("group: join from welcome: %w", err)
	}
	if info.Tree.LeafAt(ownLeaf) == nil {
		return nil, fmt.Errorf("group: join from welcome: leaf %d is blank in recovered tree", ownLeaf)
	}

	groupCtx := info.GroupContext
	joinerSecret := secrets.JoinerSecret
	epochSecrets := keyschedule.DeriveEpoch(cfg.Suite, joinerSecret, secrets.PSKSecret, groupCtx.Encode())
	epoch := commit.NewEpochState(cfg.Suite, info.Tree, groupCtx, info.InterimTranscriptHash, epochSecrets, cfg.ReplayWindow)

	return &Session{
		cfg:     cfg,
		current: epoch,
		ownLeaf: ownLeaf,
		member:  member,
		known:   map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{ratchettree.ToNodeIndex(ownLeaf): ownLeafPriv},
		pending: &proposal.Bundle{},
		byRef:   map[string]proposal.Entry{},
	}, nil
}

// Epoch returns the current epoch number.
func (s *Session) Epoch() uint64 { return s.current.Context.Epoch }

// OwnLeaf returns this endpoint's leaf index in the current tree.
func (s *Session) OwnLeaf() ratchettree.LeafIndex { return s.ownLeaf }

// Tree exposes the current ratchet tree read-only (callers must not mutate
// it; Session owns it exclusively per §3 "Ownership").
func (s *Session) Tree() *ratchettree.Tree { return s.current.Tree }

// Context returns the current GroupContext.
func (s *Session) Context() commit.GroupContext { return s.current.Context }

// InterimTranscriptHash returns the current epoch's interim transcript
// hash. A joiner does not need it from here: JoinFromWelcome recovers it
// from the Welcome's GroupInfo.
func (s *Session) InterimTranscriptHash() []byte { return s.current.InterimTranscriptHash }

// AuthenticationSecret returns the current epoch's supplemented
// authentication_secret (DESIGN.md), fixed-label sibling of ExportSecret.
func (s *Session) AuthenticationSecret() []byte { return s.current.Secrets.AuthenticationSecret }

// ExportSecret implements the exporter API of §4.C7/§6.
func (s *Session) ExportSecret(label string, context []byte, length int) []byte {
	return keyschedule.ExportSecret(s.cfg.Suite, s.current.Secrets.ExporterSecret, label, context, length)
}

func refOf(suite crypto.Provider, auth *commit.AuthenticatedContent) []byte {
	return suite.Hash(auth.TranscriptInput())
}

// Propose sends p as a standalone proposal message: it is signed, tagged
// with a membership tag under the current epoch, and cached locally so a
// later Commit (by this session or a remote one, via ProcessIncoming) can
// reference it by hash instead of re-sending it by value.
func (s *Session) Propose(p proposal.Proposal, authenticatedData []byte) (*commit.AuthenticatedContent, error) {
	sender := proposal.Sender{Type: proposal.SenderMember, LeafIndex: s.ownLeaf}
	framed := commit.FramedContent{
		GroupID: s.current.Context.GroupID, Epoch: s.current.Context.Epoch,
		Sender: sender, AuthenticatedData: authenticatedData,
		ContentType: commit.ContentProposal, Content: wireformat.Marshal(p),
	}
	auth := commit.AuthenticatedContent{WireFormat: commit.WireFormatPublicMessage, Content: framed}
	sig, err := s.cfg.Suite.Sign(s.member.SignPriv, auth.TranscriptInput())
	if err != nil {
		return nil, fmt.Errorf("group: sign proposal: %w", err)
	}
	auth.Signature = sig
	auth.MembershipTag = commit.ComputeMembershipTag(s.cfg.Suite, auth, s.current.Context, s.current.Secrets.MembershipKey)

	ref := refOf(s.cfg.Suite, &auth)
	entry := proposal.Entry{Proposal: p, Sender: sender, Origin: proposal.OriginByRef, Ref: ref}
	s.byRef[string(ref)] = entry
	s.pending.Add(entry)

	return &auth, nil
}

// Commit runs Propose (§4.C6) over every proposal accumulated since the
// last commit, installs the resulting epoch, and returns the membership-
// tagged AuthenticatedContent to publish plus a Welcome for any member it
// added (nil if none). A commit without an UpdatePath is checked by a
// self-receive pass before installation; one with an UpdatePath installs
// the successor state Propose derived, since no path ciphertext is
// addressed to the committer itself. On any error the current epoch is
// untouched and pending proposals are retained for a future Commit
// attempt. The filter strategy is fixed to IgnoreByRef, per
// commit.Propose/Receive.
func (s *Session) Commit(authenticatedData []byte) (*commit.AuthenticatedContent, *commit.Welcome, error) {
	plan, auth, err := commit.Propose(
		s.current, s.pending, s.ownLeaf, s.member.Identity, s.member.Capabilities,
		s.member.SignPriv, authenticatedData, s.cfg.params(time.Now(), s.pskSecret),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("group: commit: %w", err)
	}
	auth.MembershipTag = commit.ComputeMembershipTag(s.cfg.Suite, *auth, s.current.Context, s.current.Secrets.MembershipKey)

	selfKnown := mergeKnown(s.known, plan.LeafPrivateKey, plan.PathPrivateKeys, s.ownLeaf)
	next := plan.Next
	var newKnown map[ratchettree.NodeIndex]crypto.HPKEPrivateKey
	if plan.Message.Path == nil {
		next, newKnown, err = commit.Receive(s.current, auth, s.pending, s.ownLeaf, selfKnown, s.cfg.params(time.Now(), s.pskSecret))
		if err != nil {
			return nil, nil, fmt.Errorf("group: self-receive: %w", err)
		}
	}

	welcome, err := buildWelcome(s.cfg.Suite, s.pending, next, s.ownLeaf, s.member.SignPriv, auth.ConfirmationTag)
	if err != nil {
		return nil, nil, fmt.Errorf("group: build welcome: %w", err)
	}

	consumeAddedKeyPackages(s.cfg.KeyPackageStorage, s.cfg.Suite, s.pending)

	old := s.current
	s.current = next
	s.known = mergeKnownMap(selfKnown, newKnown)
	s.pending = &proposal.Bundle{}
	s.byRef = map[string]proposal.Entry{}
	old.Erase()

	return auth, welcome, nil
}

// consumeAddedKeyPackages deletes every applied Add's KeyPackageRef from
// store. Adds are not checked against store; a nil store skips the
// deletion.
func consumeAddedKeyPackages(store storage.KeyPackageStorage, suite crypto.Provider, b *proposal.Bundle) {
	if store == nil {
		return
	}
	for _, e := range b.Adds {
		store.Delete(e.Proposal.Add.Ref(suite))
	}
}

// ProcessIncoming handles a message received from another member: a
// standalone proposal is validated and cached for later reference; a
// commit is applied via Receive and, on success, installed as the new
// current epoch (the prior one is erased only once installation succeeds).
func (s *Session) ProcessIncoming(auth *commit.AuthenticatedContent) error {
	if auth.WireFormat == commit.WireFormatPublicMessage && auth.Content.Sender.Type == proposal.SenderMember {
		if !commit.VerifyMembershipTag(s.cfg.Suite, *auth, s.current.Context, s.current.Secrets.MembershipKey) {
			return ErrMembershipTagInvalid
		}
	}

	switch auth.Content.ContentType {
	case commit.ContentProposal:
		var p proposal.Proposal
		if err := wireformat.Unmarshal(auth.Content.Content, &p); err != nil {
			return fmt.Errorf("group: decode proposal: %w", err)
		}
		ref := refOf(s.cfg.Suite, auth)
		entry := proposal.Entry{Proposal: p, Sender: auth.Content.Sender, Origin: proposal.OriginByRef, Ref: ref}
		s.byRef[string(ref)] = entry
		// A received standalone proposal is both cached for a later commit's
		// by-reference resolution and added to this session's own pending
		// set, since this package gives a committer no other way to select
		// which cached proposals its next Commit applies.
		s.pending.Add(entry)
		return nil

	case commit.ContentCommit:
		var commitWire commit.Commit
		if err := wireformat.Unmarshal(auth.Content.Content, &commitWire); err != nil {
			return fmt.Errorf("group: decode commit: %w", err)
		}
		b, err := s.resolveBundle(commitWire, auth.Content.Sender)
		if err != nil {
			return err
		}

		next, newKnown, err := commit.Receive(s.current, auth, b, s.ownLeaf, s.known, s.cfg.params(time.Now(), s.pskSecret))
		if err != nil {
			return fmt.Errorf("group: receive commit: %w", err)
		}

		consumeAddedKeyPackages(s.cfg.KeyPackageStorage, s.cfg.Suite, b)

		old := s.current
		s.current = next
		s.known = mergeKnownMap(s.known, newKnown)
		s.pending = &proposal.Bundle{}
		s.byRef = map[string]proposal.Entry{}
		old.Erase()
		return nil

	default:
		return fmt.Errorf("group: unexpected content type %d for ProcessIncoming", auth.Content.ContentType)
	}
}

// resolveBundle reconstructs the proposal.Bundle a received commit applies:
// by-value entries carry the committer as sender; by-reference entries are
// looked up in the standalone-proposal cache.
func (s *Session) resolveBundle(commitWire commit.Commit, committer proposal.Sender) (*proposal.Bundle, error) {
	b := &proposal.Bundle{}
	for _, por := range commitWire.Proposals {
		if por.ByValue {
			b.Add(proposal.Entry{Proposal: por.Proposal, Sender: committer, Origin: proposal.OriginByValue})
			continue
		}
		entry, ok := s.byRef[string(por.Ref)]
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownProposalReference, por.Ref)
		}
		b.Add(entry)
	}
	return b, nil
}

// EncryptApplication seals plaintext under the next generation of this
// session's own application chain, returning the wire FramedContent ready
// to sign and send.
func (s *Session) EncryptApplication(plaintext, authenticatedData []byte) (*commit.FramedContent, error) {
	generation, key, nonce, err := s.current.Application.Next(s.ownLeaf)
	if err != nil {
		return nil, fmt.Errorf("group: advance application ratchet: %w", err)
	}
	ciphertext, err := s.cfg.Suite.AEADSeal(key, nonce, authenticatedData, plaintext)
	if err != nil {
		return nil, fmt.Errorf("group: seal application message: %w", err)
	}
	return &commit.FramedContent{
		GroupID: s.current.Context.GroupID, Epoch: s.current.Context.Epoch,
		Sender:            proposal.Sender{Type: proposal.SenderMember, LeafIndex: s.ownLeaf},
		AuthenticatedData: authenticatedData,
		ContentType:       commit.ContentApplication,
		Content:           wireformat.Marshal(applicationCiphertext{Generation: generation, Ciphertext: ciphertext}),
	}, nil
}

// DecryptApplication recovers the plaintext of an application FramedContent
// from sender, consulting the replay window for that leaf's chain.
func (s *Session) DecryptApplication(f commit.FramedContent) ([]byte, error) {
	if f.Epoch != s.current.Context.Epoch {
		return nil, fmt.Errorf("%w: got %d want %d", commit.ErrStaleEpoch, f.Epoch, s.current.Context.Epoch)
	}
	var body applicationCiphertext
	if err := wireformat.Unmarshal(f.Content, &body); err != nil {
		return nil, fmt.Errorf("group: decode application ciphertext: %w", err)
	}
	key, nonce, err := s.current.Application.Get(f.Sender.LeafIndex, body.Generation)
	if err != nil {
		if errors.Is(err, secrettree.ErrReplayedOrOldGeneration) {
			s.cfg.Log.ReplayRejected(uint32(f.Sender.LeafIndex), body.Generation)
		}
		return nil, err
	}
	plaintext, err := s.cfg.Suite.AEADOpen(key, nonce, f.AuthenticatedData, body.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("group: open application message: %w", err)
	}
	s.current.Application.Erase(f.Sender.LeafIndex, body.Generation)
	return plaintext, nil
}

// applicationCiphertext is the wire body of a ContentApplication message:
// the generation counter travels alongside the AEAD ciphertext so a
// receiver's ratchet can derive forward to the right key.
type applicationCiphertext struct {
	Generation uint32
	Ciphertext []byte
}

func (a applicationCiphertext) Marshal(w *wireformat.Writer) {
	w.Uint32(a.Generation)
	w.Opaque(a.Ciphertext)
}

func (a *applicationCiphertext) Unmarshal(r *wireformat.Reader) error {
	var err error
	if a.Generation, err = r.Uint32(); err != nil {
		return err
	}
	a.Ciphertext, err = r.Opaque()
	return err
}

// mergeKnown returns a copy of known with the committer's own fresh
// Encap-derived keys folded in, for Commit's self-receive pass and the key
// set it installs.
func mergeKnown(
	known map[ratchettree.NodeIndex]crypto.HPKEPrivateKey,
	leafPriv crypto.HPKEPrivateKey,
	pathPrivs map[ratchettree.NodeIndex]crypto.HPKEPrivateKey,
	ownLeaf ratchettree.LeafIndex,
) map[ratchettree.NodeIndex]crypto.HPKEPrivateKey {
	out := make(map[ratchettree.NodeIndex]crypto.HPKEPrivateKey, len(known)+len(pathPrivs)+1)
	for k, v := range known {
		out[k] = v
	}
	if leafPriv != nil {
		out[ratchettree.ToNodeIndex(ownLeaf)] = leafPriv
	}
	for k, v := range pathPrivs {
		out[k] = v
	}
	return out
}

func mergeKnownMap(
	base map[ratchettree.NodeIndex]crypto.HPKEPrivateKey,
	fresh map[ratchettree.NodeIndex]crypto.HPKEPrivateKey,
) map[ratchettree.NodeIndex]crypto.HPKEPrivateKey {
	out := make(map[ratchettree.NodeIndex]crypto.HPKEPrivateKey, len(base)+len(fresh))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

// buildWelcome seals the successor epoch's joiner_secret, and a signed
// GroupInfo recovering its tree/transcript state, to every member the
// applied bundle added, per §6's Welcome. It reads the Add proposals' own
// full content from pending rather than the Commit wire's ProposalOrRef
// list, since a standalone-sent Add travels in the commit by reference only
// (ProposalOrRef.ByValue == false) and would otherwise carry no KeyPackage
// to address a Welcome recipient by.
func buildWelcome(
	suite crypto.Provider,
	pending *proposal.Bundle,
	next *commit.EpochState,
	committerLeaf ratchettree.LeafIndex,
	committerSignPriv crypto.SignaturePrivateKey,
	confirmationTag []byte,
) (*commit.Welcome, error) {
	var members []commit.NewMember
	for _, e := range pending.Adds {
		kp := e.Proposal.Add
		members = append(members, commit.NewMember{KeyPackageRef: kp.Ref(suite), InitKey: kp.InitKey})
	}
	if len(members) == 0 {
		return nil, nil
	}

	info := &commit.GroupInfo{
		GroupContext:          next.Context,
		Tree:                  next.Tree,
		InterimTranscriptHash: next.InterimTranscriptHash,
		ConfirmationTag:       confirmationTag,
		Signer:                committerLeaf,
	}
	if err := info.Sign(suite, committerSignPriv); err != nil {
		return nil, fmt.Errorf("group: sign group info: %w", err)
	}

	return commit.BuildWelcome(suite, next.Context.CipherSuite, members, next.Secrets.JoinerSecret, nil, info)
}
