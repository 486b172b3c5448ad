package pagemanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_CopyIsIndependent(t *testing.T) {
	b := NewResident(3, []byte("version five"))
	b.SetToken(Token{Segment: 1, Offset: 0, Length: 12})
	b.AcquireSnapshot()
	require.True(t, b.Shared())

	c := b.Copy()
	require.False(t, c.HasToken(), "a copy must not inherit the durable token")
	copy(c.Data(), "version six!")

	require.Equal(t, []byte("version five"), b.Data())
	require.Equal(t, []byte("version six!"), c.Data())
}

func TestBuffer_LoadLifecycle(t *testing.T) {
	tok := Token{Segment: 1, Offset: 64, Length: 4}
	b := NewUnloaded(9, tok)
	require.Equal(t, BufferUnloaded, b.State())
	require.Equal(t, 4, b.Size())

	ch, started := b.BeginLoad()
	require.True(t, started)
	require.Equal(t, BufferLoading, b.State())

	// A second waiter joins the in-flight load.
	ch2, started2 := b.BeginLoad()
	require.False(t, started2)

	b.FinishLoad([]byte("abcd"), nil)
	<-ch
	<-ch2
	require.Equal(t, BufferResident, b.State())
	require.Equal(t, []byte("abcd"), b.Data())

	ch3, started3 := b.BeginLoad()
	require.False(t, started3)
	<-ch3
}

func TestBuffer_FailedLoadCanRetry(t *testing.T) {
	b := NewUnloaded(1, Token{Segment: 1, Length: 8})
	ch, started := b.BeginLoad()
	require.True(t, started)
	b.FinishLoad(nil, errors.New("disk gone"))
	<-ch
	require.Equal(t, BufferUnloaded, b.State())
	require.EqualError(t, b.LoadErr(), "disk gone")

	_, started = b.BeginLoad()
	require.True(t, started)
}

func TestBuffer_UnloadRules(t *testing.T) {
	b := NewResident(2, []byte("xy"))
	require.False(t, b.Unload(), "no token: bytes are the only copy")

	b.SetToken(Token{Segment: 1, Length: 2})
	b.AcquireSnapshot()
	require.False(t, b.Unload(), "snapshot holders pin the bytes")

	require.Equal(t, 0, b.ReleaseSnapshot())
	require.True(t, b.Unload())
	require.Equal(t, BufferUnloaded, b.State())
	require.Panics(t, func() { b.Data() })
}

func TestBuffer_ReleaseWithoutAcquirePanics(t *testing.T) {
	b := NewZeroed(1, 8)
	require.Panics(t, func() { b.ReleaseSnapshot() })
}

func TestSupersedingRecency(t *testing.T) {
	require.Equal(t, Recency(7), SupersedingRecency(3, 7))
	require.Equal(t, Recency(9), SupersedingRecency(9, 7))
	require.Equal(t, Version(6), Version(5).Next())
}
