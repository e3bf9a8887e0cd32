package proposal

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/mlslog"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/storage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// typeName renders a proposal type for logging, per the §6 credential-tag-
// style numbering (1-7 standard, else custom).
func typeName(t Type) string {
	switch t {
	case TypeAdd:
		return "add"
	case TypeUpdate:
		return "update"
	case TypeRemove:
		return "remove"
	case TypePreSharedKey:
		return "psk"
	case TypeReInit:
		return "reinit"
	case TypeExternalInit:
		return "external_init"
	case TypeGroupContextExtensions:
		return "group_context_extensions"
	default:
		return fmt.Sprintf("custom(%d)", t)
	}
}

// Sentinel errors, per §7.
var (
	ErrUnauthorisedProposer                    = errors.New("proposal: sender not authorised for this proposal type/origin")
	ErrInvalidCommitSelfUpdate                 = errors.New("proposal: update proposal from the committer itself")
	ErrCommitterSelfRemoval                    = errors.New("proposal: remove proposal targets the committer")
	ErrPSKNotFound                              = errors.New("proposal: referenced psk does not exist")
	ErrMoreThanOneGroupContextExtensionsProposal = errors.New("proposal: more than one group context extensions proposal")
	ErrExternalSenderRejected                  = errors.New("proposal: external senders extension lists a rejected identity")
	ErrReInitMustBeSole                        = errors.New("proposal: reinit must be the only by-value proposal in the commit")
	ErrExternalInitNotAllowed                  = errors.New("proposal: external init forbidden from member senders")
	ErrExternalInitRequired                    = errors.New("proposal: external init required from a new-member commit")
	ErrUnsupportedProposalType                 = errors.New("proposal: no surviving leaf's capabilities support this proposal type")
	ErrInvalidSuccessor                        = errors.New("proposal: update is not a valid successor identity")
	ErrReInitVersionTooOld                     = errors.New("proposal: reinit version below current")
)

// ExtTypeExternalSenders is the group context extension carrying the list
// of credentials authorised to propose as SenderExternal, per §4.C5 step 5.
const ExtTypeExternalSenders uint16 = 0x0008

// Entry is one proposal tagged with who proposed it and how it entered the
// bundle (by value in the commit, or by reference to an earlier message).
type Entry struct {
	Proposal Proposal
	Sender   Sender
	Origin   Origin
	Ref      []byte // set when Origin == OriginByRef
}

// Bundle groups a commit's candidate proposals by type in index-stable
// sequences, per §4.C5.
type Bundle struct {
	Adds                   []Entry
	Updates                []Entry
	Removes                []Entry
	PSKs                   []Entry
	ReInits                []Entry
	ExternalInits          []Entry
	GroupContextExtensions []Entry
	Customs                []Entry
}

// Add appends an entry to the bundle slot matching its proposal type.
func (b *Bundle) Add(e Entry) {
	switch e.Proposal.Type {
	case TypeAdd:
		b.Adds = append(b.Adds, e)
	case TypeUpdate:
		b.Updates = append(b.Updates, e)
	case TypeRemove:
		b.Removes = append(b.Removes, e)
	case TypePreSharedKey:
		b.PSKs = append(b.PSKs, e)
	case TypeReInit:
		b.ReInits = append(b.ReInits, e)
	case TypeExternalInit:
		b.ExternalInits = append(b.ExternalInits, e)
	case TypeGroupContextExtensions:
		b.GroupContextExtensions = append(b.GroupContextExtensions, e)
	default:
		b.Customs = append(b.Customs, e)
	}
}

// All returns every entry across all proposal types, in type-grouped order
// (Adds, Updates, Removes, PSKs, ReInits, ExternalInits,
// GroupContextExtensions, Customs). Used by callers (e.g. the commit
// processor) that need to walk the whole applied set, such as when
// re-serialising it into a Commit's proposal list.
func (b *Bundle) All() []Entry { return b.all() }

func (b *Bundle) all() []Entry {
	out := make([]Entry, 0, len(b.Adds)+len(b.Updates)+len(b.Removes)+len(b.PSKs)+len(b.ReInits)+len(b.ExternalInits)+len(b.GroupContextExtensions)+len(b.Customs))
	out = append(out, b.Adds...)
	out = append(out, b.Updates...)
	out = append(out, b.Removes...)
	out = append(out, b.PSKs...)
	out = append(out, b.ReInits...)
	out = append(out, b.ExternalInits...)
	out = append(out, b.GroupContextExtensions...)
	out = append(out, b.Customs...)
	return out
}

// FilterStrategy decides, on a validation failure, whether to drop the
// offending proposal or fail the whole commit, per §4.C5.
type FilterStrategy uint8

const (
	// IgnoreByRef drops by-reference proposals that fail validation;
	// by-value failures always fail the commit.
	IgnoreByRef FilterStrategy = 1
	// IgnoreNone fails the commit on any validation failure.
	IgnoreNone FilterStrategy = 2
)

// drop reports whether a failing entry should be silently dropped (true)
// or should fail the whole commit (false), per strategy.
func (s FilterStrategy) drop(e Entry) bool {
	return s == IgnoreByRef && e.Origin == OriginByRef
}

// authorised implements §4.C5's sender x origin x type matrix.
func authorised(e Entry) bool {
	switch e.Sender.Type {
	case SenderMember:
		switch e.Proposal.Type {
		case TypeAdd, TypeRemove, TypePreSharedKey, TypeReInit, TypeGroupContextExtensions:
			return true
		case TypeUpdate:
			return e.Origin == OriginByRef
		default:
			return false
		}
	case SenderExternal:
		switch e.Proposal.Type {
		case TypeAdd, TypeRemove, TypeReInit, TypePreSharedKey, TypeGroupContextExtensions:
			return e.Origin == OriginByRef
		default:
			return false
		}
	case SenderNewMemberCommit:
		switch e.Proposal.Type {
		case TypeRemove, TypePreSharedKey, TypeExternalInit:
			return e.Origin == OriginByValue
		default:
			return false
		}
	case SenderNewMemberProposal:
		return e.Proposal.Type == TypeAdd && e.Origin == OriginByRef
	default:
		return false
	}
}

// Context carries everything validation needs beyond the bundle itself.
type Context struct {
	Tree          *ratchettree.Tree
	CommitterLeaf ratchettree.LeafIndex
	IsExternal    bool // true when the committer is a NewMemberCommit sender
	IdentityProvider credential.Provider
	PSKStorage    storage.PreSharedKeyStorage
	CurrentVersion uint16
	Now           time.Time
	// NewGroupExtensions is the extension list the commit installs (after
	// any applied GroupContextExtensions proposal), against which every
	// surviving leaf is revalidated in step 8.
	NewGroupExtensions keypackage.ExtensionList
	Log                mlslog.Logger
}

// Applied is the result of running the filter: the entries that survive,
// grouped the same way as Bundle, plus the set of dropped by-reference refs
// (for logging/audit).
type Applied struct {
	Bundle  Bundle
	Dropped [][]byte
}

// Validate runs the nine-step validation order of §4.C5 and returns the
// applied set, or the first fatal error (a by-value failure, or any
// failure under IgnoreNone).
func Validate(b *Bundle, ctx Context, strategy FilterStrategy) (*Applied, error) {
	applied := &Applied{}

	// Step 1: proposer authorisation.
	keep := func(entries []Entry) ([]Entry, error) {
		var out []Entry
		for _, e := range entries {
			if !authorised(e) {
				if strategy.drop(e) {
					applied.Dropped = append(applied.Dropped, e.Ref)
					ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrUnauthorisedProposer)
					continue
				}
				return nil, ErrUnauthorisedProposer
			}
			out = append(out, e)
		}
		return out, nil
	}

	var err error
	if b.Adds, err = keep(b.Adds); err != nil {
		return nil, err
	}
	if b.Updates, err = keep(b.Updates); err != nil {
		return nil, err
	}
	if b.Removes, err = keep(b.Removes); err != nil {
		return nil, err
	}
	if b.PSKs, err = keep(b.PSKs); err != nil {
		return nil, err
	}
	if b.ReInits, err = keep(b.ReInits); err != nil {
		return nil, err
	}
	if b.ExternalInits, err = keep(b.ExternalInits); err != nil {
		return nil, err
	}
	if b.GroupContextExtensions, err = keep(b.GroupContextExtensions); err != nil {
		return nil, err
	}
	if b.Customs, err = keep(b.Customs); err != nil {
		return nil, err
	}

	// Step 2: self-update check — drop/fail any Update whose sender is the
	// committer.
	var updates []Entry
	for _, e := range b.Updates {
		if e.Sender.Type == SenderMember && e.Sender.LeafIndex == ctx.CommitterLeaf {
			if strategy.drop(e) {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrInvalidCommitSelfUpdate)
				continue
			}
			return nil, ErrInvalidCommitSelfUpdate
		}
		updates = append(updates, e)
	}
	b.Updates = updates

	// Step 3: self-removal check — drop/fail any Remove targeting the
	// committer.
	var removes []Entry
	for _, e := range b.Removes {
		if e.Proposal.Remove == ctx.CommitterLeaf {
			if strategy.drop(e) {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrCommitterSelfRemoval)
				continue
			}
			return nil, ErrCommitterSelfRemoval
		}
		removes = append(removes, e)
	}
	b.Removes = removes

	// Step 4: PSK validity. A nil PSKStorage (no PSK backing configured)
	// fails every PSK proposal closed rather than panicking on the nil
	// interface call.
	var psks []Entry
	for _, e := range b.PSKs {
		var lookupErr error
		if ctx.PSKStorage == nil {
			lookupErr = ErrPSKNotFound
		} else if _, err := ctx.PSKStorage.Get(e.Proposal.PSK.Data); err != nil {
			lookupErr = err
		}
		if lookupErr != nil {
			if strategy.drop(e) {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrPSKNotFound)
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrPSKNotFound, lookupErr)
		}
		psks = append(psks, e)
	}
	b.PSKs = psks

	// Step 5: GroupContextExtensions validity — at most one per commit, and
	// every external-senders identity it lists must be accepted.
	if len(b.GroupContextExtensions) > 1 {
		if strategy == IgnoreByRef && allByRef(b.GroupContextExtensions) {
			first := b.GroupContextExtensions[0]
			for _, e := range b.GroupContextExtensions[1:] {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrMoreThanOneGroupContextExtensionsProposal)
			}
			b.GroupContextExtensions = []Entry{first}
		} else {
			return nil, ErrMoreThanOneGroupContextExtensionsProposal
		}
	}
	var gces []Entry
	for _, e := range b.GroupContextExtensions {
		if ext, ok := findExtension(e.Proposal.GroupContextExtensions, ExtTypeExternalSenders); ok {
			if err := validateExternalSenders(ctx.IdentityProvider, ext.Data, ctx.Now); err != nil {
				if strategy.drop(e) {
					applied.Dropped = append(applied.Dropped, e.Ref)
					ctx.Log.DroppedProposal(typeName(e.Proposal.Type), err)
					continue
				}
				return nil, err
			}
		}
		gces = append(gces, e)
	}
	b.GroupContextExtensions = gces

	// Step 6: ReInit validity — version must be >= current, and if present
	// must be alone among by-value proposals.
	var reinits []Entry
	for _, e := range b.ReInits {
		if e.Proposal.ReInit.Version < ctx.CurrentVersion {
			if strategy.drop(e) {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrReInitVersionTooOld)
				continue
			}
			return nil, fmt.Errorf("%w: %d below current %d", ErrReInitVersionTooOld, e.Proposal.ReInit.Version, ctx.CurrentVersion)
		}
		reinits = append(reinits, e)
	}
	b.ReInits = reinits
	if len(b.ReInits) > 0 {
		byValueOthers := 0
		for _, e := range b.all() {
			if e.Proposal.Type != TypeReInit && e.Origin == OriginByValue {
				byValueOthers++
			}
		}
		if byValueOthers > 0 {
			return nil, ErrReInitMustBeSole
		}
		if strategy == IgnoreByRef {
			// A ReInit present and alone among by-value proposals: any other
			// by-reference proposal is now moot and must be dropped rather
			// than applied alongside it.
			for _, e := range b.all() {
				if e.Proposal.Type != TypeReInit {
					applied.Dropped = append(applied.Dropped, e.Ref)
				}
			}
			b.Adds, b.Updates, b.Removes, b.PSKs, b.ExternalInits, b.GroupContextExtensions, b.Customs = nil, nil, nil, nil, nil, nil, nil
		}
	}

	// Step 7: ExternalInit — forbidden from Member, required from
	// NewMemberCommit.
	if ctx.IsExternal && len(b.ExternalInits) == 0 {
		return nil, ErrExternalInitRequired
	}
	for _, e := range b.ExternalInits {
		if e.Sender.Type == SenderMember {
			return nil, ErrExternalInitNotAllowed
		}
	}

	// Step 8: leaf-node revalidation — deferred to the caller (commit
	// processor), which alone knows the post-batch-edit tree and can run
	// keypackage.LeafNode.Validate plus IdentityProvider.ValidSuccessor
	// against it; see commit package.

	// Step 9: custom proposals dropped if no leaf's capabilities advertise
	// the type.
	var customs []Entry
	for _, e := range b.Customs {
		if !anyLeafSupports(ctx.Tree, e.Proposal.CustomType) {
			if strategy.drop(e) {
				applied.Dropped = append(applied.Dropped, e.Ref)
				ctx.Log.DroppedProposal(typeName(e.Proposal.Type), ErrUnsupportedProposalType)
				continue
			}
			return nil, ErrUnsupportedProposalType
		}
		customs = append(customs, e)
	}
	b.Customs = customs

	applied.Bundle = *b
	return applied, nil
}

func allByRef(entries []Entry) bool {
	for _, e := range entries {
		if e.Origin != OriginByRef {
			return false
		}
	}
	return true
}

func findExtension(list keypackage.ExtensionList, t uint16) (keypackage.Extension, bool) {
	for _, ext := range list {
		if ext.Type == t {
			return ext, true
		}
	}
	return keypackage.Extension{}, false
}

// decodeCredentialVector parses data as a wireformat vector of
// credential.Credential, the encoding an ExtTypeExternalSenders extension's
// opaque payload carries.
func decodeCredentialVector(data []byte) ([]credential.Credential, error) {
	r := wireformat.NewReader(data)
	creds, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (credential.Credential, error) {
		var c credential.Credential
		err := c.Unmarshal(r)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return creds, nil
}

// validateExternalSenders decodes data as a length-prefixed vector of
// credential.Credential and checks each against the identity provider.
func validateExternalSenders(idp credential.Provider, data []byte, now time.Time) error {
	// The extension payload is itself a wireformat-encoded vector of
	// credentials; decoded here rather than in keypackage since only the
	// GroupContextExtensions validation step cares about its contents.
	creds, err := decodeCredentialVector(data)
	if err != nil {
		return fmt.Errorf("proposal: malformed external senders extension: %w", err)
	}
	for _, c := range creds {
		if err := idp.Validate(c, now.Unix()); err != nil {
			return fmt.Errorf("%w: %v", ErrExternalSenderRejected, err)
		}
	}
	return nil
}

func anyLeafSupports(tree *ratchettree.Tree, t Type) bool {
	for l := ratchettree.LeafIndex(0); uint32(l) < uint32(tree.Width()); l++ {
		leaf := tree.LeafAt(l)
		if leaf == nil {
			continue
		}
		if leaf.Capabilities.SupportsProposal(uint16(t)) {
			return true
		}
	}
	return false
}

// SortByRef orders a slice of refs ascending by their bytes. The commit
// processor's Add ordering (§4.C4 "Adds by KeyPackage hash ascending") does
// its own sort in commit.ApplyBatch and does not call this.
func SortByRef(refs [][]byte) {
	sort.Slice(refs, func(i, j int) bool {
		return string(refs[i]) < string(refs[j])
	})
}
