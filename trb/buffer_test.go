package trb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestReshapeAndPush(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(4, 3))
	require.True(t, b.IsSetup())
	require.EqualValues(t, 4, b.ElementSize())
	require.EqualValues(t, 3, b.MaxElements())

	require.NoError(t, b.Push([]byte("aaaa")))
	require.NoError(t, b.Push([]byte("bbbb")))

	got, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbb"), got)

	got, err = b.Get(-1)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaa"), got)
}

func TestPushWrapIncrementsIteration(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(2, 2))

	require.NoError(t, b.Push([]byte("01")))
	require.EqualValues(t, 0, b.iteration)
	require.NoError(t, b.Push([]byte("23")))
	require.EqualValues(t, 1, b.iteration)

	require.NoError(t, b.Push([]byte("45")))
	require.EqualValues(t, 1, b.iteration)

	got, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("45"), got)
}

func TestPushWrongSizeRejected(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(4, 2))
	require.Error(t, b.Push([]byte("abc")))
}

func TestDmaPush(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(4, 2))

	slot, err := b.DmaPush()
	require.NoError(t, err)
	copy(slot, "ZZZZ")

	got, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("ZZZZ"), got)
}

func TestFlushResetsCursorAndIteration(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(2, 2))
	require.NoError(t, b.Push([]byte("01")))
	require.NoError(t, b.Push([]byte("23")))
	require.NoError(t, b.Push([]byte("45")))
	require.EqualValues(t, 1, b.iteration)

	b.Flush()
	require.EqualValues(t, 0, b.iteration)
	require.True(t, b.Verify())
}

func TestAdoptAndClonePreserveState(t *testing.T) {
	var original Buffer
	require.NoError(t, original.Reshape(4, 4))
	require.NoError(t, original.Push([]byte("wxyz")))
	require.NoError(t, original.Push([]byte("1234")))

	raw := original.RawBuffer()
	rawCopy := append([]byte(nil), raw...)

	var cloned Buffer
	require.NoError(t, cloned.Clone(rawCopy))
	require.EqualValues(t, original.ElementSize(), cloned.ElementSize())
	require.EqualValues(t, original.MaxElements(), cloned.MaxElements())

	got, err := cloned.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("1234"), got)

	var adopted Buffer
	require.NoError(t, adopted.Adopt(raw))
	require.True(t, adopted.IsSetup())

	wantHeader := decodeHeader(original.mem)
	gotHeader := decodeHeader(adopted.mem)
	if diff := cmp.Diff(wantHeader, gotHeader); diff != "" {
		t.Errorf("adopted header mismatch (-want +got):\n%s", diff)
	}
}

func TestPurgeClearsState(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(4, 2))
	b.Purge(true)
	require.False(t, b.IsSetup())
	require.EqualValues(t, 0, b.ElementSize())
}

func TestVerifyDetectsCorruption(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Reshape(4, 2))
	require.NoError(t, b.Push([]byte("good")))
	require.True(t, b.Verify())

	b.payload()[0] ^= 0xFF
	require.False(t, b.Verify())
}
