package keypackage

import "github.com/s3131212/mls-go/internal/wireformat"

// Extension is a tagged, opaque extension value. Custom extension types are
// round-tripped as-is; only Capabilities checks gate their use.
type Extension struct {
	Type uint16
	Data []byte
}

func (e Extension) Marshal(w *wireformat.Writer) {
	w.Uint16(e.Type)
	w.Opaque(e.Data)
}

func (e *Extension) Unmarshal(r *wireformat.Reader) error {
	t, err := r.Uint16()
	if err != nil {
		return err
	}
	e.Type = t
	e.Data, err = r.Opaque()
	return err
}

// ExtensionList is an ordered, index-stable list of extensions.
type ExtensionList []Extension

func (l ExtensionList) Marshal(w *wireformat.Writer) {
	wireformat.WriteVector(w, l, func(w *wireformat.Writer, e Extension) { e.Marshal(w) })
}

func (l *ExtensionList) Unmarshal(r *wireformat.Reader) error {
	items, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (Extension, error) {
		var e Extension
		err := e.Unmarshal(r)
		return e, err
	})
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// Has reports whether the list contains an extension of the given type.
func (l ExtensionList) Has(t uint16) bool {
	for _, e := range l {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Types returns every extension type present, used for capability checks.
func (l ExtensionList) Types() []uint16 {
	out := make([]uint16, len(l))
	for i, e := range l {
		out[i] = e.Type
	}
	return out
}
