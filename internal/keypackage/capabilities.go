package keypackage

import "github.com/s3131212/mls-go/internal/wireformat"

// Capabilities enumerates what a leaf supports: protocol versions,
// ciphersuites, proposal types (standard + custom), credential types, and
// extension types. Per §6, any proposal or extension used in the group
// whose type is absent from a surviving leaf's capabilities is invalid.
type Capabilities struct {
	Versions        []uint16
	Ciphersuites    []uint16
	ProposalTypes   []uint16
	CredentialTypes []uint16
	ExtensionTypes  []uint16
}

func (c Capabilities) Marshal(w *wireformat.Writer) {
	writeUint16Vector(w, c.Versions)
	writeUint16Vector(w, c.Ciphersuites)
	writeUint16Vector(w, c.ProposalTypes)
	writeUint16Vector(w, c.CredentialTypes)
	writeUint16Vector(w, c.ExtensionTypes)
}

func (c *Capabilities) Unmarshal(r *wireformat.Reader) error {
	var err error
	if c.Versions, err = readUint16Vector(r); err != nil {
		return err
	}
	if c.Ciphersuites, err = readUint16Vector(r); err != nil {
		return err
	}
	if c.ProposalTypes, err = readUint16Vector(r); err != nil {
		return err
	}
	if c.CredentialTypes, err = readUint16Vector(r); err != nil {
		return err
	}
	if c.ExtensionTypes, err = readUint16Vector(r); err != nil {
		return err
	}
	return nil
}

func writeUint16Vector(w *wireformat.Writer, items []uint16) {
	wireformat.WriteVector(w, items, func(w *wireformat.Writer, v uint16) { w.Uint16(v) })
}

func readUint16Vector(r *wireformat.Reader) ([]uint16, error) {
	return wireformat.ReadVector(r, func(r *wireformat.Reader) (uint16, error) { return r.Uint16() })
}

func contains(items []uint16, v uint16) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// SupportsProposal reports whether t is a standard proposal type (types 1-7
// per §3's tagged union) or is listed among the custom proposal types.
func (c Capabilities) SupportsProposal(t uint16) bool {
	if t >= 1 && t <= 7 {
		return true
	}
	return contains(c.ProposalTypes, t)
}

// SupportsExtension reports whether extension type t is supported.
func (c Capabilities) SupportsExtension(t uint16) bool {
	return contains(c.ExtensionTypes, t)
}

// SupportsCredential reports whether credential type t is supported.
func (c Capabilities) SupportsCredential(t uint16) bool {
	return contains(c.CredentialTypes, t)
}

// SupportsCiphersuite reports whether ciphersuite id cs is supported.
func (c Capabilities) SupportsCiphersuite(cs uint16) bool {
	return contains(c.Ciphersuites, cs)
}
