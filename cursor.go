package ember

import (
	"bytes"
	"fmt"
	"sort"
)

// Cursor is a stack-based positional iterator over a bucket's key/value
// pairs, returned in lexicographic key order. A Cursor sees nested
// buckets as ordinary keys; use Bucket.Bucket to descend into one. A
// Cursor is only valid for the life of its transaction, and a writable
// one is invalidated by any Put/Delete that causes a split, merge, or
// rebalance of the page it's positioned on.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef is one level of the cursor's descent: either a page (read-only
// traversal) or a materialized node (post-mutation traversal), plus the
// element index currently selected within it.
type elemRef struct {
	page  *page
	node  *node
	index int
}

// isLeaf returns whether the ref is pointing at a leaf page/node.
func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return (r.page.flags & leafPageFlag) != 0
}

// count returns the number of inodes or page elements.
func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}

// Bucket returns the bucket the cursor iterates.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First positions the cursor at the first key/value in the bucket, and
// returns it. Returns nil if the bucket is empty. The returned key/value
// are only valid until the next cursor call or Tx.Commit/Rollback.
func (c *Cursor) First() (key []byte, value []byte) {
	k, v, flags := c.seekFirst()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Last positions the cursor at the last key/value in the bucket.
func (c *Cursor) Last() (key []byte, value []byte) {
	c.stack = c.stack[:0]
	ref := c.bucket.pageNode(c.bucket.root)
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()

	// The highest pgid might be an empty page, step back to the previous
	// non-empty one.
	for len(c.stack) > 1 && c.stack[len(c.stack)-1].count() == 0 {
		c.Prev()
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Next moves the cursor to the next key/value and returns it. Returns
// nil if the cursor is already past the last key.
func (c *Cursor) Next() (key []byte, value []byte) {
	k, v, flags := c.next()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous key/value and returns it.
func (c *Cursor) Prev() (key []byte, value []byte) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek positions the cursor at the given key, or the next key after it
// if no exact match exists. Returns nil if no key is that large.
func (c *Cursor) Seek(seek []byte) (key []byte, value []byte) {
	k, v, flags := c.seek(seek)
	if ref := &c.stack[len(c.stack)-1]; ref.index >= ref.count() {
		k, v, flags = c.next()
	}
	if k == nil {
		return nil, nil
	} else if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value the cursor is currently positioned at.
// The cursor must have been obtained from a writable bucket, and must
// not be positioned on a nested bucket's key.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)

	return nil
}

// seek moves the cursor to the given key and returns the key/value/flags
// of the first entry at or after it.
func (c *Cursor) seek(seek []byte) (key []byte, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)

	if len(c.stack) == 0 {
		return nil, nil, 0
	}

	ref := &c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		return nil, nil, 0
	}

	return c.keyValue()
}

// seekFirst is First, also exposing the raw leaf flags so callers (such
// as Bucket.ForEachBucket) can distinguish nested buckets without a
// second lookup.
func (c *Cursor) seekFirst() (key []byte, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	ref := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, ref)
	c.first()

	if c.stack[len(c.stack)-1].count() == 0 {
		return c.next()
	}

	return c.keyValue()
}

// next moves to, and returns, the next key/value/flags.
func (c *Cursor) next() (key []byte, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c.first()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// search recursively descends toward key, pushing an elemRef for each
// level onto the stack.
func (c *Cursor) search(key []byte, id pgid) {
	ref := c.bucket.pageNode(id)
	if ref.page != nil && (ref.page.flags&(branchPageFlag|leafPageFlag)) == 0 {
		panic(fmt.Sprintf("invalid page type: %d: %x", ref.page.id, ref.page.flags))
	}
	e := elemRef{page: ref.page, node: ref.node}
	c.stack = append(c.stack, e)

	if e.isLeaf() {
		c.nsearch(key)
		return
	}

	if ref.node != nil {
		c.searchNode(key, ref.node)
		return
	}
	c.searchPage(key, ref.page)
}

func (c *Cursor) searchNode(key []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		ret := bytes.Compare(n.inodes[i].key, key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(key []byte, p *page) {
	inodes := p.branchPageElements()

	var exact bool
	index := sort.Search(int(p.count), func(i int) bool {
		ret := bytes.Compare(inodes[i].key(), key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, inodes[index].pgid)
}

// nsearch positions the current (leaf) stack top at the first element
// whose key is >= key.
func (c *Cursor) nsearch(key []byte) {
	e := &c.stack[len(c.stack)-1]
	p, n := e.page, e.node

	if n != nil {
		index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, key) != -1 })
		e.index = index
		return
	}

	inodes := p.leafPageElements()
	index := sort.Search(int(p.count), func(i int) bool { return bytes.Compare(inodes[i].key(), key) != -1 })
	e.index = index
}

// first descends to the first leaf beneath the current stack top.
func (c *Cursor) first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		c.stack = append(c.stack, c.bucket.pageNode(pgid))
	}
}

// last descends from the current stack top's selected element to the
// last element of the rightmost leaf beneath it.
func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		next := c.bucket.pageNode(pgid)
		next.index = next.count() - 1
		c.stack = append(c.stack, next)
	}
}

// keyValue returns the key/value/flags the cursor is currently
// positioned at.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		inode := &ref.node.inodes[ref.index]
		return inode.key, inode.value, inode.flags
	}

	elem := ref.page.leafPageElement(uint16(ref.index))
	return elem.key(), elem.value(), elem.flags
}

// node returns the in-memory node the cursor is positioned within,
// materializing it (and every ancestor) from its page if necessary.
// Only valid on a writable bucket.
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(ref.index)
	}
	_assert(n.isLeaf, "expected leaf node")
	return n
}
