// Package wireformat implements the MLS presentation-layer codec: big-endian
// fixed-width integers, variable-length vectors prefixed by a
// variable-length-encoded length, and discriminated unions. The encoding
// rules here are load-bearing: transcript hashes and signatures are computed
// over these exact bytes, so every wire type in the module round-trips
// through this package rather than encoding/json or gob.
package wireformat

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Distinct decode error kinds, matched with errors.Is.
var (
	ErrUnexpectedEOF     = errors.New("wireformat: unexpected end of input")
	ErrInvalidDiscriminant = errors.New("wireformat: invalid discriminant")
	ErrLengthOverflow    = errors.New("wireformat: length overflow")
	ErrTrailingBytes     = errors.New("wireformat: trailing bytes after struct")
)

// Marshaler is implemented by every wire object in the module.
type Marshaler interface {
	Marshal(w *Writer)
}

// Unmarshaler is implemented by every wire object in the module.
type Unmarshaler interface {
	Unmarshal(r *Reader) error
}

// Writer accumulates a deterministic, length-prefixed encoding.
type Writer struct {
	b *cryptobyte.Builder
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{b: cryptobyte.NewBuilder(nil)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.b.BytesOrPanic()
}

func (w *Writer) Uint8(v uint8)   { w.b.AddUint8(v) }
func (w *Writer) Uint16(v uint16) { w.b.AddUint16(v) }
func (w *Writer) Uint32(v uint32) { w.b.AddUint32(v) }
func (w *Writer) Uint64(v uint64) { w.b.AddUint64(v) }

// Raw appends bytes with no length prefix (used only when the caller already
// knows the length from context, e.g. fixed-width hashes).
func (w *Writer) Raw(data []byte) { w.b.AddBytes(data) }

// VarLen appends a QUIC-style variable-length-encoded unsigned integer: the
// high two bits of the first byte select a 1/2/4/8-byte encoding.
func (w *Writer) VarLen(v uint64) {
	switch {
	case v <= 0x3f:
		w.b.AddUint8(uint8(v))
	case v <= 0x3fff:
		w.b.AddUint16(uint16(v) | 0x4000)
	case v <= 0x3fffffff:
		w.b.AddUint32(uint32(v) | 0x80000000)
	case v <= 0x3fffffffffffffff:
		w.b.AddUint64(v | 0xc000000000000000)
	default:
		panic("wireformat: value too large for variable-length encoding")
	}
}

// Opaque writes a variable-length-prefixed byte vector.
func (w *Writer) Opaque(data []byte) {
	w.VarLen(uint64(len(data)))
	w.b.AddBytes(data)
}

// WriteVector writes a variable-length-prefixed element vector: the prefix
// counts bytes (not elements), matching MLS's vector-of-bytes framing.
func WriteVector[T any](w *Writer, items []T, marshal func(*Writer, T)) {
	inner := NewWriter()
	for _, item := range items {
		marshal(inner, item)
	}
	w.Opaque(inner.Bytes())
}

// Reader consumes a deterministic, length-prefixed encoding.
type Reader struct {
	s *cryptobyte.String
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	s := cryptobyte.String(data)
	return &Reader{s: &s}
}

func (r *Reader) Uint8() (uint8, error) {
	var v uint8
	if !r.s.ReadUint8(&v) {
		return 0, ErrUnexpectedEOF
	}
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	var v uint16
	if !r.s.ReadUint16(&v) {
		return 0, ErrUnexpectedEOF
	}
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	var v uint32
	if !r.s.ReadUint32(&v) {
		return 0, ErrUnexpectedEOF
	}
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	var v uint64
	if !r.s.ReadUint64(&v) {
		return 0, ErrUnexpectedEOF
	}
	return v, nil
}

// Raw consumes exactly n bytes with no length prefix.
func (r *Reader) Raw(n int) ([]byte, error) {
	var out []byte
	if !r.s.ReadBytes(&out, n) {
		return nil, ErrUnexpectedEOF
	}
	return out, nil
}

// VarLen reads a QUIC-style variable-length-encoded unsigned integer.
func (r *Reader) VarLen() (uint64, error) {
	var first uint8
	if !r.s.ReadUint8(&first) {
		return 0, ErrUnexpectedEOF
	}

	switch first & 0xc0 {
	case 0x00:
		return uint64(first), nil
	case 0x40:
		var rest uint8
		if !r.s.ReadUint8(&rest) {
			return 0, ErrUnexpectedEOF
		}
		return uint64(first&0x3f)<<8 | uint64(rest), nil
	case 0x80:
		var rest [3]uint8
		for i := range rest {
			if !r.s.ReadUint8(&rest[i]) {
				return 0, ErrUnexpectedEOF
			}
		}
		v := uint64(first&0x3f)<<24 | uint64(rest[0])<<16 | uint64(rest[1])<<8 | uint64(rest[2])
		return v, nil
	default: // 0xc0
		var rest [7]uint8
		for i := range rest {
			if !r.s.ReadUint8(&rest[i]) {
				return 0, ErrUnexpectedEOF
			}
		}
		v := uint64(first&0x3f) << 56
		for i, b := range rest {
			v |= uint64(b) << uint(56-8*(i+1))
		}
		return v, nil
	}
}

// Opaque reads a variable-length-prefixed byte vector.
func (r *Reader) Opaque() ([]byte, error) {
	n, err := r.VarLen()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(*r.s)) {
		return nil, ErrLengthOverflow
	}
	return r.Raw(int(n))
}

// ReadVector reads a variable-length-prefixed element vector entirely, then
// decodes elements from the resulting bounded byte string until exhausted.
func ReadVector[T any](r *Reader, unmarshal func(*Reader) (T, error)) ([]T, error) {
	body, err := r.Opaque()
	if err != nil {
		return nil, err
	}
	inner := NewReader(body)
	var out []T
	for len(*inner.s) > 0 {
		item, err := unmarshal(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Finish returns ErrTrailingBytes if unconsumed bytes remain.
func (r *Reader) Finish() error {
	if len(*r.s) != 0 {
		return fmt.Errorf("%w: %d bytes remaining", ErrTrailingBytes, len(*r.s))
	}
	return nil
}

// Len reports the number of unconsumed bytes.
func (r *Reader) Len() int { return len(*r.s) }

// Marshal is a convenience wrapper around the Marshaler interface.
func Marshal(m Marshaler) []byte {
	w := NewWriter()
	m.Marshal(w)
	return w.Bytes()
}

// Unmarshal is a convenience wrapper that also checks for trailing bytes.
func Unmarshal(data []byte, u Unmarshaler) error {
	r := NewReader(data)
	if err := u.Unmarshal(r); err != nil {
		return err
	}
	return r.Finish()
}
