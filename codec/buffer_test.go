package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter(0)
	w.PutUint8(7)
	w.PutUint32(123456)
	w.PutUint64(9876543210)
	w.PutLenPrefixed([]byte("hello"))

	r := NewReader(w.Bytes())
	require.Equal(t, uint8(7), r.GetUint8())
	require.Equal(t, uint32(123456), r.GetUint32())
	require.Equal(t, uint64(9876543210), r.GetUint64())
	require.Equal(t, []byte("hello"), r.GetLenPrefixed())
	require.Equal(t, 0, r.Remaining())
}

func TestShortBufferPanics(t *testing.T) {
	r := NewReader([]byte{1, 2})
	require.Panics(t, func() {
		r.GetUint32()
	})
}

func TestPutBytesNoPrefix(t *testing.T) {
	w := NewWriter(0)
	w.PutBytes([]byte{1, 2, 3})
	r := NewReader(w.Bytes())
	require.Equal(t, []byte{1, 2, 3}, r.GetBytes(3))
}
