package crypto

import "github.com/s3131212/mls-go/internal/wireformat"

const labelPrefix = "mls10 "

// kdfLabel is the RFC 9420 KDFLabel structure: length, a "mls10 "-prefixed
// label, and a context, all serialised before being fed to KDF.Expand. This
// is what makes ExpandWithLabel domain-separated from a bare HKDF-Expand.
type kdfLabel struct {
	length  uint16
	label   string
	context []byte
}

func (k kdfLabel) Marshal(w *wireformat.Writer) {
	w.Uint16(k.length)
	w.Opaque([]byte(labelPrefix + k.label))
	w.Opaque(k.context)
}

// ExpandWithLabel implements §4.C7's ExpandWithLabel(secret, "mls10 "+label,
// context, length) over Provider.KDFExpand.
func ExpandWithLabel(p Provider, secret []byte, label string, context []byte, length int) []byte {
	l := kdfLabel{length: uint16(length), label: label, context: context}
	return p.KDFExpand(secret, wireformat.Marshal(l), length)
}

// DeriveSecret is ExpandWithLabel with an empty context and the provider's
// native hash length, per RFC 9420's DeriveSecret(Secret, Label).
func DeriveSecret(p Provider, secret []byte, label string) []byte {
	return ExpandWithLabel(p, secret, label, nil, p.HashSize())
}

// DeriveTreeSecret derives a secret-tree child secret, keyed by a node index
// rather than a group context, per §4.C8.
func DeriveTreeSecret(p Provider, secret []byte, label string, node uint32, length int) []byte {
	w := wireformat.NewWriter()
	w.Uint32(node)
	return ExpandWithLabel(p, secret, label, w.Bytes(), length)
}
