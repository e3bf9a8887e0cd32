// Package credential implements the §6 credential tag space and dispatches
// identity decisions to an IdentityProvider. Grounded on
// original_source/aws-mls-core/src/identity/basic.rs and
// identity/credential.rs for the Basic/X509/Custom tag split.
package credential

import (
	"errors"

	"github.com/s3131212/mls-go/internal/wireformat"
)

// Type is the credential tag, per §6.
type Type uint16

const (
	TypeBasic Type = 1
	TypeX509  Type = 2
)

// Credential is a tagged union over the supported credential kinds. Values
// outside the Basic/X509 tags round-trip opaquely as Custom; the
// IdentityProvider alone adjudicates their meaning.
type Credential struct {
	Type Type

	// Basic
	Identity []byte

	// X509 — certificate chain, leaf first.
	CertChain [][]byte

	// Custom
	CustomType    Type
	CustomPayload []byte
}

// Basic constructs a Basic credential.
func Basic(identity []byte) Credential {
	return Credential{Type: TypeBasic, Identity: identity}
}

// X509 constructs an X.509 credential from a leaf-first certificate chain.
func X509(chain [][]byte) Credential {
	return Credential{Type: TypeX509, CertChain: chain}
}

// Custom constructs an opaque, unrecognised-tag credential.
func Custom(t Type, payload []byte) Credential {
	return Credential{Type: t, CustomType: t, CustomPayload: payload}
}

func (c Credential) Marshal(w *wireformat.Writer) {
	w.Uint16(uint16(c.Type))
	switch c.Type {
	case TypeBasic:
		w.Opaque(c.Identity)
	case TypeX509:
		wireformat.WriteVector(w, c.CertChain, func(w *wireformat.Writer, cert []byte) { w.Opaque(cert) })
	default:
		w.Opaque(c.CustomPayload)
	}
}

func (c *Credential) Unmarshal(r *wireformat.Reader) error {
	t, err := r.Uint16()
	if err != nil {
		return err
	}
	c.Type = Type(t)

	switch c.Type {
	case TypeBasic:
		c.Identity, err = r.Opaque()
		return err
	case TypeX509:
		c.CertChain, err = wireformat.ReadVector(r, func(r *wireformat.Reader) ([]byte, error) { return r.Opaque() })
		return err
	default:
		c.CustomType = c.Type
		c.CustomPayload, err = r.Opaque()
		return err
	}
}

// ErrIdentityRejected is returned when the IdentityProvider rejects a
// credential.
var ErrIdentityRejected = errors.New("credential: identity rejected")

// Provider decides credential validity, identity equality, and successor
// authorisation. The core never interprets credential bytes itself; it
// dispatches every semantic decision here (§1's "IdentityProvider").
type Provider interface {
	// Validate reports whether the credential is acceptable at the given
	// unix timestamp.
	Validate(c Credential, timestampUnix int64) error

	// Identity returns the bytes used for identity equality comparisons
	// (e.g. across Add/Update/Remove of the "same" member).
	Identity(c Credential) ([]byte, error)

	// ValidSuccessor reports whether new may replace old in an Update.
	ValidSuccessor(old, new Credential) bool
}
