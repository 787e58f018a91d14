package ember

import (
	"fmt"
	"hash/fnv"
	"unsafe"
)

const (
	magic   uint32 = 0xED0CDAED
	version uint32 = 2
)

// pgidNoFreelist is the freelist pgid of a meta page that owns no freelist
// page. db.init writes the bootstrap freelist at page 2, so metas written
// by this package always carry a real freelist pgid.
const pgidNoFreelist = 0

// meta is the 64-byte-ish header stored at the start of pages 0 and 1. The
// meta with the greatest txid whose checksum verifies is authoritative;
// see db.meta() and meta.validate().
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucket
	freelist pgid
	pgid     pgid // one past the highest page ever allocated (high-water mark)
	txid     txid
	checksum uint64
}

// validate checks the magic, version, and checksum of the meta page.
func (m *meta) validate() error {
	if m.magic != magic {
		return ErrInvalid
	} else if m.version != version {
		return ErrVersionMismatch
	} else if m.checksum != 0 && m.checksum != m.sum64() {
		return ErrChecksumMismatch
	}
	return nil
}

// copy copies the entire meta into dest.
func (m *meta) copy(dest *meta) {
	*dest = *m
}

// write writes the meta onto a page, recomputing its checksum first.
func (m *meta) write(p *page) {
	if m.root.root >= m.pgid {
		panic(fmt.Sprintf("root bucket pgid (%d) above high water mark (%d)", m.root.root, m.pgid))
	} else if m.freelist >= m.pgid {
		panic(fmt.Sprintf("freelist pgid (%d) above high water mark (%d)", m.freelist, m.pgid))
	}

	p.id = pgid(m.txid % 2)
	p.flags |= metaPageFlag

	m.checksum = m.sum64()
	*p.meta() = *m
}

// sum64 computes a 64-bit FNV-1a checksum over every meta field except the
// checksum itself.
func (m *meta) sum64() uint64 {
	var h = fnv.New64a()
	_, _ = h.Write(unsafeByteSlice(unsafe.Pointer(m), 0, 0, int(unsafe.Offsetof(meta{}.checksum))))
	return h.Sum64()
}
