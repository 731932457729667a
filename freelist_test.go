package emberdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreelistAllocateContiguousRun(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 9, 10}
	f.reindex()

	id := f.allocate(1, 2)
	require.Equal(t, pgid(3), id)
	require.Equal(t, []pgid{5, 9, 10}, f.ids)
	require.False(t, f.freed(3))
	require.False(t, f.freed(4))
	require.True(t, f.freed(5))

	id = f.allocate(1, 2)
	require.Equal(t, pgid(9), id)
	require.Equal(t, []pgid{5}, f.ids)
}

func TestFreelistAllocateNoRunAvailable(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 5, 7}
	f.reindex()

	require.Equal(t, pgid(0), f.allocate(1, 2))
}

func TestFreelistFreeThenReleaseMakesReusable(t *testing.T) {
	f := newFreelist()
	p := &page{id: 10, overflow: 1}
	f.free(1, p)

	require.True(t, f.freed(10))
	require.True(t, f.freed(11))
	require.Equal(t, 2, f.pendingCount())
	require.Equal(t, pgid(0), f.allocate(2, 2)) // still pending, not free yet

	f.release(1)
	require.Equal(t, []pgid{10, 11}, f.ids)
	require.Equal(t, pgid(10), f.allocate(2, 2))
}

func TestFreelistDoubleFreePanics(t *testing.T) {
	f := newFreelist()
	p := &page{id: 10}
	f.free(1, p)

	require.Panics(t, func() {
		f.free(2, p)
	})
}

func TestFreelistFreeMetaPagePanics(t *testing.T) {
	f := newFreelist()
	require.Panics(t, func() {
		f.free(1, &page{id: 1})
	})
}

func TestFreelistRollbackReturnsIDs(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{10, 11, 12}
	f.reindex()

	id := f.allocate(1, 1)
	require.NotZero(t, id)
	require.Equal(t, 2, len(f.ids))

	f.rollback(1)
	require.Equal(t, 3, len(f.ids))
	require.True(t, f.freed(id))
}

func TestFreelistReleaseRangeOnlyReleasesInRange(t *testing.T) {
	f := newFreelist()
	f.free(1, &page{id: 10})
	f.free(2, &page{id: 20})
	f.free(3, &page{id: 30})

	f.releaseRange(2, 2)
	require.Equal(t, []pgid{20}, f.ids)
	require.True(t, f.freed(10))
	require.True(t, f.freed(30))
	require.False(t, f.freed(20))
}

func TestFreelistWriteAndRead(t *testing.T) {
	f := newFreelist()
	f.free(1, &page{id: 10})
	f.free(1, &page{id: 11})
	f.release(1)

	buf := make([]byte, f.size())
	p, err := pageAt(buf)
	require.NoError(t, err)
	f.write(p)

	g := newFreelist()
	g.read(p)
	require.Equal(t, []pgid{10, 11}, g.ids)
}

func TestFreelistReloadWithOpenReaders(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{10, 11}
	f.reindex()

	buf := make([]byte, f.size())
	p, err := pageAt(buf)
	require.NoError(t, err)
	f.write(p)

	g := newFreelist()
	g.reload(p, []txid{5})

	require.Empty(t, g.ids)
	require.Equal(t, []pgid{10, 11}, g.pending[5])
}
