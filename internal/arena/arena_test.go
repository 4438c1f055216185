package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsZeroedBufferOfRequestedLength(t *testing.T) {
	a := New()
	buf := a.Get(10)
	require.Len(t, buf, 10)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestPutRecyclesBuffer(t *testing.T) {
	a := New()
	buf := a.Get(64)
	buf[0] = 0xFF
	a.Put(buf)

	again := a.Get(64)
	require.Len(t, again, 64)
	require.Zero(t, again[0], "Get must re-zero a recycled buffer")
}

func TestGetAboveWidestClassAllocatesDirectly(t *testing.T) {
	a := New()
	buf := a.Get(100000)
	require.Len(t, buf, 100000)
}

func TestQueryAndRegistryArenasAreIndependent(t *testing.T) {
	q := NewQueryArena()
	reg := NewRegistryArena()
	qbuf := q.Get(16)
	regbuf := reg.Get(16)
	qbuf[0] = 1
	regbuf[0] = 2
	require.Equal(t, byte(1), qbuf[0])
	require.Equal(t, byte(2), regbuf[0])
	q.Reset()
}
