package ember

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestFreelist_AllocateContiguousRun(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 9, 10, 11, 12}
	f.reindex()

	// The earliest run of 3 contiguous ids is 3,4,5; allocate scans from
	// the lowest id and takes the first run long enough.
	require.Equal(t, pgid(3), f.allocate(3))
	require.Equal(t, []pgid{9, 10, 11, 12}, []pgid(f.ids))
	require.False(t, f.freed(3))
	require.False(t, f.freed(4))
	require.False(t, f.freed(5))

	// A run of 4 from the remainder (9,10,11,12) is exactly what's left.
	require.Equal(t, pgid(9), f.allocate(4))
	require.Empty(t, f.ids)

	require.Equal(t, pgid(0), f.allocate(1))
}

func TestFreelist_FreePendingReleaseRollback(t *testing.T) {
	f := newFreelist()

	p := &page{id: 7}
	f.free(txid(1), p)
	require.True(t, f.freed(7))
	require.Equal(t, 0, f.freeCount())
	require.Equal(t, 1, f.pendingCount())

	// rollback(1) discards the pending entry without promoting it.
	f.rollback(txid(1))
	require.False(t, f.freed(7))
	require.Equal(t, 0, f.count())

	f.free(txid(2), p)
	f.release(txid(2))
	require.True(t, f.freed(7))
	require.Equal(t, 1, f.freeCount())
	require.Equal(t, 0, f.pendingCount())
}

func TestFreelist_ReleaseOnlyUpToTxid(t *testing.T) {
	f := newFreelist()

	f.free(txid(1), &page{id: 10})
	f.free(txid(2), &page{id: 11})
	f.free(txid(3), &page{id: 12})

	f.release(txid(2))

	require.ElementsMatch(t, []pgid{10, 11}, []pgid(f.ids))
	require.Equal(t, 1, f.pendingCount())
	require.True(t, f.freed(12))
}

func TestFreelist_WriteReadRoundTrip(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{5, 6, 7, 100}
	f.reindex()

	buf := make([]byte, int(pageHeaderSize)+4*8)
	pp := (*page)(unsafe.Pointer(&buf[0]))
	require.NoError(t, f.write(pp))

	f2 := newFreelist()
	f2.read(pp)

	require.Equal(t, []pgid(f.ids), []pgid(f2.ids))
}
