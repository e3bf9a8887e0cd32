package wireformat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/wireformat"
)

func TestVarLenRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0x3f, 0x40, 0x3fff, 0x4000, 0x3fffffff, 0x40000000, 0x3fffffffffffffff}
	for _, v := range cases {
		w := wireformat.NewWriter()
		w.VarLen(v)
		r := wireformat.NewReader(w.Bytes())
		got, err := r.VarLen()
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.NoError(t, r.Finish())
	}
}

func TestOpaqueRoundTrip(t *testing.T) {
	w := wireformat.NewWriter()
	w.Opaque([]byte("hello mls"))
	r := wireformat.NewReader(w.Bytes())
	got, err := r.Opaque()
	require.NoError(t, err)
	require.Equal(t, []byte("hello mls"), got)
	require.NoError(t, r.Finish())
}

func TestVectorRoundTrip(t *testing.T) {
	items := []uint32{1, 2, 3, 0xdeadbeef}
	w := wireformat.NewWriter()
	wireformat.WriteVector(w, items, func(w *wireformat.Writer, v uint32) { w.Uint32(v) })

	r := wireformat.NewReader(w.Bytes())
	got, err := wireformat.ReadVector(r, func(r *wireformat.Reader) (uint32, error) { return r.Uint32() })
	require.NoError(t, err)
	require.Equal(t, items, got)
	require.NoError(t, r.Finish())
}

func TestUnexpectedEOF(t *testing.T) {
	r := wireformat.NewReader([]byte{0x01})
	_, err := r.Uint32()
	require.ErrorIs(t, err, wireformat.ErrUnexpectedEOF)
}

func TestTrailingBytes(t *testing.T) {
	w := wireformat.NewWriter()
	w.Uint8(1)
	w.Uint8(2)
	r := wireformat.NewReader(w.Bytes())
	_, err := r.Uint8()
	require.NoError(t, err)
	require.ErrorIs(t, r.Finish(), wireformat.ErrTrailingBytes)
}

func TestLengthOverflow(t *testing.T) {
	// A length prefix claiming more bytes than are actually present.
	w := wireformat.NewWriter()
	w.VarLen(100)
	r := wireformat.NewReader(w.Bytes())
	_, err := r.Opaque()
	require.ErrorIs(t, err, wireformat.ErrLengthOverflow)
}
