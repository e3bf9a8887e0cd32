// Package proposal implements §4.C5: the tagged proposal union, the
// ProposalBundle that groups proposals by type with their sender/origin
// tags, and the filter strategy that reconciles a batch into an applied
// set at commit time.
package proposal

import (
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// Type is a proposal's wire discriminant, per §3/§6. Types 1-7 are
// standard; anything else is Custom (keypackage.Capabilities.SupportsProposal
// treats 1-7 as always supported, matching this numbering).
type Type uint16

const (
	TypeAdd                     Type = 1
	TypeUpdate                  Type = 2
	TypeRemove                  Type = 3
	TypePreSharedKey            Type = 4
	TypeReInit                  Type = 5
	TypeExternalInit            Type = 6
	TypeGroupContextExtensions  Type = 7
)

// SenderType classifies who proposed, per §4.C5's authorisation matrix.
type SenderType uint8

const (
	SenderMember             SenderType = 1
	SenderExternal           SenderType = 2
	SenderNewMemberCommit    SenderType = 3
	SenderNewMemberProposal  SenderType = 4
)

// Sender identifies a proposal's origin actor. LeafIndex is meaningful only
// when Type == SenderMember.
type Sender struct {
	Type      SenderType
	LeafIndex ratchettree.LeafIndex
}

// Origin distinguishes a proposal included by value in the commit from one
// referenced by a prior standalone proposal message, per §3/§4.C5.
type Origin uint8

const (
	OriginByValue Origin = 1
	OriginByRef   Origin = 2
)

// PskID identifies a pre-shared key, opaque to the core beyond lookup.
type PskID struct {
	Data []byte
}

func (p PskID) Marshal(w *wireformat.Writer) { w.Opaque(p.Data) }
func (p *PskID) Unmarshal(r *wireformat.Reader) error {
	var err error
	p.Data, err = r.Opaque()
	return err
}

// ReInitData carries the fields of a ReInit proposal, per §3.
type ReInitData struct {
	GroupID     []byte
	Version     uint16
	CipherSuite uint16
	Extensions  keypackage.ExtensionList
}

func (r ReInitData) Marshal(w *wireformat.Writer) {
	w.Opaque(r.GroupID)
	w.Uint16(r.Version)
	w.Uint16(r.CipherSuite)
	r.Extensions.Marshal(w)
}

func (r *ReInitData) Unmarshal(rd *wireformat.Reader) error {
	var err error
	if r.GroupID, err = rd.Opaque(); err != nil {
		return err
	}
	if r.Version, err = rd.Uint16(); err != nil {
		return err
	}
	if r.CipherSuite, err = rd.Uint16(); err != nil {
		return err
	}
	return r.Extensions.Unmarshal(rd)
}

// Proposal is the tagged union of §3's Proposal variants, following the
// same flat-struct-with-constructors shape as credential.Credential.
type Proposal struct {
	Type Type

	Add    *keypackage.KeyPackage
	Update *keypackage.LeafNode
	Remove ratchettree.LeafIndex

	PSK PskID

	ReInit ReInitData

	ExternalInitKemOutput []byte

	GroupContextExtensions keypackage.ExtensionList

	CustomType Type
	CustomData []byte
}

func AddProposal(kp keypackage.KeyPackage) Proposal { return Proposal{Type: TypeAdd, Add: &kp} }
func UpdateProposal(leaf keypackage.LeafNode) Proposal {
	return Proposal{Type: TypeUpdate, Update: &leaf}
}
func RemoveProposal(target ratchettree.LeafIndex) Proposal {
	return Proposal{Type: TypeRemove, Remove: target}
}
func PreSharedKeyProposal(id PskID) Proposal { return Proposal{Type: TypePreSharedKey, PSK: id} }
func ReInitProposal(data ReInitData) Proposal { return Proposal{Type: TypeReInit, ReInit: data} }
func ExternalInitProposal(kemOutput []byte) Proposal {
	return Proposal{Type: TypeExternalInit, ExternalInitKemOutput: kemOutput}
}
func GroupContextExtensionsProposal(ext keypackage.ExtensionList) Proposal {
	return Proposal{Type: TypeGroupContextExtensions, GroupContextExtensions: ext}
}
func CustomProposal(t Type, data []byte) Proposal {
	return Proposal{Type: t, CustomType: t, CustomData: data}
}

func (p Proposal) Marshal(w *wireformat.Writer) {
	w.Uint16(uint16(p.Type))
	switch p.Type {
	case TypeAdd:
		p.Add.Marshal(w)
	case TypeUpdate:
		p.Update.Marshal(w)
	case TypeRemove:
		w.Uint32(uint32(p.Remove))
	case TypePreSharedKey:
		p.PSK.Marshal(w)
	case TypeReInit:
		p.ReInit.Marshal(w)
	case TypeExternalInit:
		w.Opaque(p.ExternalInitKemOutput)
	case TypeGroupContextExtensions:
		p.GroupContextExtensions.Marshal(w)
	default:
		w.Opaque(p.CustomData)
	}
}

func (p *Proposal) Unmarshal(r *wireformat.Reader) error {
	t, err := r.Uint16()
	if err != nil {
		return err
	}
	p.Type = Type(t)
	switch p.Type {
	case TypeAdd:
		p.Add = &keypackage.KeyPackage{}
		return p.Add.Unmarshal(r)
	case TypeUpdate:
		p.Update = &keypackage.LeafNode{}
		return p.Update.Unmarshal(r)
	case TypeRemove:
		v, err := r.Uint32()
		p.Remove = ratchettree.LeafIndex(v)
		return err
	case TypePreSharedKey:
		return p.PSK.Unmarshal(r)
	case TypeReInit:
		return p.ReInit.Unmarshal(r)
	case TypeExternalInit:
		p.ExternalInitKemOutput, err = r.Opaque()
		return err
	case TypeGroupContextExtensions:
		return p.GroupContextExtensions.Unmarshal(r)
	default:
		p.CustomType = p.Type
		p.CustomData, err = r.Opaque()
		return err
	}
}
