package commit

import (
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// ContentType tags what a FramedContent carries, per §6.
type ContentType uint8

const (
	ContentApplication ContentType = 1
	ContentProposal    ContentType = 2
	ContentCommit      ContentType = 3
)

// WireFormat tags the outer message kind, per §6. The encrypted
// PublicMessage/PrivateMessage envelope itself is out of scope; only the
// tag travels with the AuthenticatedContent that the transcript hash binds.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
)

// ProposalOrRef is §6's Commit.proposals element: either the proposal
// itself (by value) or a hash reference to one already sent standalone.
type ProposalOrRef struct {
	ByValue  bool
	Proposal proposal.Proposal
	Ref      []byte
}

func (p ProposalOrRef) Marshal(w *wireformat.Writer) {
	if p.ByValue {
		w.Uint8(1)
		p.Proposal.Marshal(w)
		return
	}
	w.Uint8(0)
	w.Opaque(p.Ref)
}

func (p *ProposalOrRef) Unmarshal(r *wireformat.Reader) error {
	tag, err := r.Uint8()
	if err != nil {
		return err
	}
	if tag == 1 {
		p.ByValue = true
		return p.Proposal.Unmarshal(r)
	}
	p.ByValue = false
	p.Ref, err = r.Opaque()
	return err
}

// Commit is §6's Commit payload: the set of proposals this commit applies
// plus an optional UpdatePath (absent when the committer's path is not
// required, per §4.C6 step 3).
type Commit struct {
	Proposals []ProposalOrRef
	Path      *ratchettree.UpdatePath
}

func (c Commit) Marshal(w *wireformat.Writer) {
	wireformat.WriteVector(w, c.Proposals, func(w *wireformat.Writer, p ProposalOrRef) { p.Marshal(w) })
	if c.Path != nil {
		w.Uint8(1)
		c.Path.Marshal(w)
	} else {
		w.Uint8(0)
	}
}

func (c *Commit) Unmarshal(r *wireformat.Reader) error {
	items, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (ProposalOrRef, error) {
		var p ProposalOrRef
		err := p.Unmarshal(r)
		return p, err
	})
	if err != nil {
		return err
	}
	c.Proposals = items

	hasPath, err := r.Uint8()
	if err != nil {
		return err
	}
	if hasPath == 1 {
		c.Path = &ratchettree.UpdatePath{}
		return c.Path.Unmarshal(r)
	}
	c.Path = nil
	return nil
}

// FramedContent is §6's content envelope, common to proposal/commit/
// application messages.
type FramedContent struct {
	GroupID           []byte
	Epoch             uint64
	Sender            proposal.Sender
	AuthenticatedData []byte
	ContentType       ContentType
	Content           []byte // the marshaled Commit/Proposal/application body
}

func (f FramedContent) Marshal(w *wireformat.Writer) {
	w.Opaque(f.GroupID)
	w.Uint64(f.Epoch)
	w.Uint8(uint8(f.Sender.Type))
	w.Uint32(uint32(f.Sender.LeafIndex))
	w.Opaque(f.AuthenticatedData)
	w.Uint8(uint8(f.ContentType))
	w.Opaque(f.Content)
}

func (f *FramedContent) Unmarshal(r *wireformat.Reader) error {
	var err error
	if f.GroupID, err = r.Opaque(); err != nil {
		return err
	}
	if f.Epoch, err = r.Uint64(); err != nil {
		return err
	}
	senderType, err := r.Uint8()
	if err != nil {
		return err
	}
	f.Sender.Type = proposal.SenderType(senderType)
	leafIdx, err := r.Uint32()
	if err != nil {
		return err
	}
	f.Sender.LeafIndex = ratchettree.LeafIndex(leafIdx)
	if f.AuthenticatedData, err = r.Opaque(); err != nil {
		return err
	}
	contentType, err := r.Uint8()
	if err != nil {
		return err
	}
	f.ContentType = ContentType(contentType)
	f.Content, err = r.Opaque()
	return err
}

// AuthenticatedContent is §6's signed/tagged wrapper around a FramedContent.
// ConfirmationTag is present only on Commit content; MembershipTag is the
// supplemented per-member authentication binder (DESIGN.md).
type AuthenticatedContent struct {
	WireFormat      WireFormat
	Content         FramedContent
	Signature       []byte
	ConfirmationTag []byte
	MembershipTag   []byte
}

// TranscriptInput returns the exact bytes §4.C6 step 5 hashes into the
// confirmed transcript: (wire_format, framed_content, signature).
func (a AuthenticatedContent) TranscriptInput() []byte {
	w := wireformat.NewWriter()
	w.Uint16(uint16(a.WireFormat))
	a.Content.Marshal(w)
	w.Opaque(a.Signature)
	return w.Bytes()
}

// ConfirmationTagEncoded returns the wireformat encoding of the
// confirmation_tag alone, the input to §4.C6 step 9's interim hash.
func ConfirmationTagEncoded(tag []byte) []byte {
	w := wireformat.NewWriter()
	w.Opaque(tag)
	return w.Bytes()
}
