package rtpseq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	for _, ca := range []struct {
		name string
		a    uint16
		b    uint16
		diff int16
	}{
		{"equal", 500, 500, 0},
		{"ahead", 501, 500, 1},
		{"behind", 499, 500, -1},
		{"wrap forward", 3, 65534, 5},
		{"wrap backward", 65534, 3, -5},
		{"half range", 0x8000, 0, -32768},
	} {
		t.Run(ca.name, func(t *testing.T) {
			require.Equal(t, ca.diff, Diff(ca.a, ca.b))
		})
	}
}

func TestIsAhead(t *testing.T) {
	require.True(t, IsAhead(3, 65534))
	require.False(t, IsAhead(65534, 3))
	require.False(t, IsAhead(100, 100))
	require.True(t, IsBehind(65534, 3))
}

func TestTimestampDiff(t *testing.T) {
	require.Equal(t, int32(90000), TimestampDiff(89999, 0xFFFFFFFF))
	require.Equal(t, int32(-90000), TimestampDiff(0xFFFFFFFF, 89999))
}

func TestUnwrapper(t *testing.T) {
	var u Unwrapper
	require.Equal(t, int64(65534), u.Unwrap(65534))
	require.Equal(t, int64(65535), u.Unwrap(65535))
	require.Equal(t, int64(65536), u.Unwrap(0))
	require.Equal(t, int64(65539), u.Unwrap(3))

	// reordered packet before the wrap still unwraps backwards
	require.Equal(t, int64(65535), u.Unwrap(65535))
}
