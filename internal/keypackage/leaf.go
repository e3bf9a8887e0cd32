// Package keypackage implements §4.C3: the per-member signed LeafNode
// record and the single-use KeyPackage that wraps one for Add.
package keypackage

import (
	"errors"
	"fmt"
	"time"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// Source records why a leaf's current contents were installed, per §3.
type Source uint8

const (
	SourceKeyPackage Source = 1
	SourceUpdate     Source = 2
	SourceCommit     Source = 3
)

// SigningIdentity pairs a credential with the signature key it speaks for.
type SigningIdentity struct {
	Credential         credential.Credential
	SignaturePublicKey crypto.SignaturePublicKey
}

func (s SigningIdentity) Marshal(w *wireformat.Writer) {
	s.Credential.Marshal(w)
	w.Opaque(s.SignaturePublicKey)
}

func (s *SigningIdentity) Unmarshal(r *wireformat.Reader) error {
	if err := s.Credential.Unmarshal(r); err != nil {
		return err
	}
	pub, err := r.Opaque()
	if err != nil {
		return err
	}
	s.SignaturePublicKey = pub
	return nil
}

// Lifetime bounds when a KeyPackage-sourced leaf is usable.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) Covers(t time.Time) bool {
	u := uint64(t.Unix())
	return u >= l.NotBefore && u <= l.NotAfter
}

func (l Lifetime) Marshal(w *wireformat.Writer) {
	w.Uint64(l.NotBefore)
	w.Uint64(l.NotAfter)
}

func (l *Lifetime) Unmarshal(r *wireformat.Reader) error {
	var err error
	if l.NotBefore, err = r.Uint64(); err != nil {
		return err
	}
	l.NotAfter, err = r.Uint64()
	return err
}

// LeafNode is the per-member signed record described in §3.
type LeafNode struct {
	HPKEInitKey     crypto.HPKEPublicKey
	Identity        SigningIdentity
	Capabilities    Capabilities
	Source          Source
	Lifetime        Lifetime    // valid only if Source == SourceKeyPackage
	ParentHash      []byte      // valid only if Source != SourceKeyPackage
	Extensions      ExtensionList
	Signature       []byte
}

// SignatureContext carries the fields bound into a LeafNode's signature
// that aren't already part of the LeafNode encoding: for Update/Commit
// leaves that's (group_id, leaf_index), per §3.
type SignatureContext struct {
	GroupID   []byte
	LeafIndex uint32
}

func (l LeafNode) marshalBody(w *wireformat.Writer) {
	w.Opaque(l.HPKEInitKey)
	l.Identity.Marshal(w)
	l.Capabilities.Marshal(w)
	w.Uint8(uint8(l.Source))
	switch l.Source {
	case SourceKeyPackage:
		l.Lifetime.Marshal(w)
	case SourceUpdate, SourceCommit:
		w.Opaque(l.ParentHash)
	}
	l.Extensions.Marshal(w)
}

func (l LeafNode) Marshal(w *wireformat.Writer) {
	l.marshalBody(w)
	w.Opaque(l.Signature)
}

func (l *LeafNode) Unmarshal(r *wireformat.Reader) error {
	var err error
	if l.HPKEInitKey, err = r.Opaque(); err != nil {
		return err
	}
	if err = l.Identity.Unmarshal(r); err != nil {
		return err
	}
	if err = l.Capabilities.Unmarshal(r); err != nil {
		return err
	}
	source, err := r.Uint8()
	if err != nil {
		return err
	}
	l.Source = Source(source)
	switch l.Source {
	case SourceKeyPackage:
		if err = l.Lifetime.Unmarshal(r); err != nil {
			return err
		}
	case SourceUpdate, SourceCommit:
		if l.ParentHash, err = r.Opaque(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("keypackage: %w: leaf source %d", wireformat.ErrInvalidDiscriminant, l.Source)
	}
	if err = l.Extensions.Unmarshal(r); err != nil {
		return err
	}
	l.Signature, err = r.Opaque()
	return err
}

// tbs returns the to-be-signed bytes: the leaf body plus, for Update/Commit
// leaves, the (group_id, leaf_index) signature context.
func (l LeafNode) tbs(ctx *SignatureContext) []byte {
	w := wireformat.NewWriter()
	l.marshalBody(w)
	if l.Source != SourceKeyPackage {
		w.Opaque(ctx.GroupID)
		w.Uint32(ctx.LeafIndex)
	}
	return w.Bytes()
}

// Sign computes and installs l.Signature using priv.
func (l *LeafNode) Sign(p crypto.Provider, priv crypto.SignaturePrivateKey, ctx *SignatureContext) error {
	sig, err := p.Sign(priv, l.tbs(ctx))
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

// Sentinel validation errors, per §7.
var (
	ErrSignatureInvalid = errors.New("keypackage: signature invalid")
	ErrLifetimeExpired  = errors.New("keypackage: lifetime does not cover current time")
	ErrUnsupportedExtension = errors.New("keypackage: unsupported extension")
	ErrInvalidParentHash    = errors.New("keypackage: invalid parent hash")
)

// VerifySignature checks l.Signature against the signing identity's public
// key.
func (l LeafNode) VerifySignature(p crypto.Provider, ctx *SignatureContext) error {
	if !p.Verify(l.Identity.SignaturePublicKey, l.tbs(ctx), l.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Validate implements §3's leaf validity rule, minus the parent_hash-matches-
// tree check (which only the ratchet tree can evaluate, since it needs
// sibling resolutions).
func (l LeafNode) Validate(p crypto.Provider, idp credential.Provider, ctx *SignatureContext, now time.Time, requiredExtensions, requiredProposals []uint16) error {
	if err := idp.Validate(l.Identity.Credential, now.Unix()); err != nil {
		return err
	}
	if err := l.VerifySignature(p, ctx); err != nil {
		return err
	}
	if l.Source == SourceKeyPackage && !l.Lifetime.Covers(now) {
		return ErrLifetimeExpired
	}
	for _, t := range requiredExtensions {
		if !l.Capabilities.SupportsExtension(t) {
			return fmt.Errorf("%w: type %d", ErrUnsupportedExtension, t)
		}
	}
	for _, t := range requiredProposals {
		if !l.Capabilities.SupportsProposal(t) {
			return fmt.Errorf("keypackage: unsupported proposal type %d", t)
		}
	}
	return nil
}
