package ember

import (
	"fmt"
	"sort"
	"unsafe"
)

// freelist tracks pages available for reuse (ids) and pages freed by a
// writer that are not yet safe to reuse because a reader older than the
// freeing transaction might still be using them (pending). cache is the
// union of both, kept for O(1) membership tests.
type freelist struct {
	ids     pgids
	pending map[txid][]pgid
	cache   map[pgid]bool
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// size returns the size in bytes of the freelist after serialization.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first element will be used to store the count, see freelist.write.
		n++
	}
	return int(pageHeaderSize) + int(unsafe.Sizeof(pgid(0)))*n
}

// count returns the number of free and pending-free page ids.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

func (f *freelist) freeCount() int {
	return len(f.ids)
}

func (f *freelist) pendingCount() int {
	var n int
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

// copyall copies a sorted union of all free ids and all pending ids into
// dst, which must be at least f.count() long.
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pendingCount())
	for _, list := range f.pending {
		m = append(m, list...)
	}
	sort.Sort(m)
	mergepgids(dst, f.ids, m)
}

// all returns the sorted union of free and pending ids. Both are persisted
// together: once a writer's commit succeeds, anything it pended is also
// safe for a freshly opened database to reuse, because no reader from
// before that commit survives a process restart.
func (f *freelist) all() pgids {
	ids := make(pgids, f.count())
	f.copyall(ids)
	return ids
}

// allocate finds a contiguous run of n page ids in the free set, removes
// them, and returns the lowest id in the run, or 0 if no run is large
// enough.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset initial page if this is not contiguous.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// Found a contiguous run of exactly n pages.
		if (id-initial)+1 == pgid(n) {
			// If we're at the beginning of the freelist then slice the
			// needed amount off the front, otherwise we need to copy and
			// shift the array to remove the entries in the middle.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}

			return initial
		}

		previd = id
	}
	return 0
}

// free adds the page (and any overflow pages it covers) to the pending set
// for txid.
func (f *freelist) free(id txid, p *page) {
	_assert(p.id > 1, "cannot free page 0 or 1: already allocated for meta")

	ids := f.pending[id]
	for i := pgid(0); i <= pgid(p.overflow); i++ {
		pid := p.id + i
		if f.cache[pid] {
			panic(fmt.Sprintf("page %d already freed", pid))
		}
		ids = append(ids, pid)
		f.cache[pid] = true
	}
	f.pending[id] = ids
}

// release moves every pending set whose transaction id is at most txid
// into the free set. Called once a writer knows no open reader can still
// need those pages.
func (f *freelist) release(id txid) {
	m := make(pgids, 0)
	for tid, ids := range f.pending {
		if tid <= id {
			// Move transaction's pending pages to the available freelist.
			// Don't remove from the cache since the page is still free.
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// rollback discards the pending set for txid: those pages never became
// dirty, so they're simply un-freed.
func (f *freelist) rollback(id txid) {
	for _, pid := range f.pending[id] {
		delete(f.cache, pid)
	}
	delete(f.pending, id)
}

// freed reports whether id is free or pending-free for some transaction.
func (f *freelist) freed(id pgid) bool {
	return f.cache[id]
}

// read initializes the freelist from a freelist page.
func (f *freelist) read(p *page) {
	if (p.flags & freelistPageFlag) == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.id, p.typ()))
	}

	idx, count := 0, int(p.count)
	if count == 0xFFFF {
		idx = 1
		c := *(*pgid)(unsafeIndex(unsafe.Pointer(p), unsafe.Sizeof(*p), unsafe.Sizeof(pgid(0)), 0))
		count = int(c)
		if count < 0 {
			panic(fmt.Sprintf("leading element count %d overflows int", c))
		}
	}

	if count == 0 {
		f.ids = nil
	} else {
		var ids []pgid
		data := unsafeIndex(unsafe.Pointer(p), unsafe.Sizeof(*p), unsafe.Sizeof(pgid(0)), idx)
		unsafeSlice(unsafe.Pointer(&ids), data, count)

		f.ids = make([]pgid, len(ids))
		copy(f.ids, ids)

		sort.Sort(pgids(f.ids))
	}

	f.reindex()
}

// write serializes the freelist onto p, which must already be sized (via
// overflow) to hold f.size() bytes.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag

	ids := f.all()
	if len(ids) == 0 {
		p.count = uint16(len(ids))
		return nil
	}

	if len(ids) < 0xFFFF {
		p.count = uint16(len(ids))
		data := unsafeIndex(unsafe.Pointer(p), unsafe.Sizeof(*p), unsafe.Sizeof(pgid(0)), 0)
		var dst []pgid
		unsafeSlice(unsafe.Pointer(&dst), data, len(ids))
		copy(dst, ids)
	} else {
		p.count = 0xFFFF
		data := unsafeIndex(unsafe.Pointer(p), unsafe.Sizeof(*p), unsafe.Sizeof(pgid(0)), 0)
		var dst []pgid
		unsafeSlice(unsafe.Pointer(&dst), data, len(ids)+1)
		dst[0] = pgid(len(ids))
		copy(dst[1:], ids)
	}

	return nil
}

// reload reads the freelist from p, discarding any of the just-read free
// ids that are also in the (preserved) pending set. Used when a commit
// fails after pages went dirty and the in-memory state must be rebuilt
// from the last-committed on-disk state.
func (f *freelist) reload(p *page) {
	f.read(p)

	pcache := make(map[pgid]bool)
	for _, pendingIDs := range f.pending {
		for _, pendingID := range pendingIDs {
			pcache[pendingID] = true
		}
	}

	var a []pgid
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a

	f.reindex()
}

// reindex rebuilds the membership cache from ids and pending.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, pendingIDs := range f.pending {
		for _, pendingID := range pendingIDs {
			f.cache[pendingID] = true
		}
	}
}
