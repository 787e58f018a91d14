package ember

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	// DefaultFillPercent is the percentage that split pages are filled.
	// This value can be changed by setting Bucket.FillPercent.
	DefaultFillPercent = 0.5

	minFillPercent = 0.1
	maxFillPercent = 1.0
)

// MaxKeySize is the maximum length of a key, in bytes.
const MaxKeySize = 32768

// MaxValueSize is the maximum length of a value, in bytes.
const MaxValueSize = (1 << 31) - 2

const bucketHeaderSize = int(unsafe.Sizeof(bucket{}))

// bucket is the 16-byte on-disk header for a bucket: either the root
// bucket stored in a meta page, or a sub-bucket's value inside its
// parent's leaf page. root == 0 denotes an inline bucket.
type bucket struct {
	root     pgid
	sequence uint64
}

// Bucket represents a collection of key/value pairs, and recursively, a
// collection of buckets by name. A Bucket is only valid for the lifetime
// of the transaction that opened it.
type Bucket struct {
	*bucket
	tx          *Tx
	buckets     map[string]*Bucket // subbucket cache
	page        *page              // inline page reference, if this bucket is inline
	rootNode    *node              // materialized node for the root page
	nodes       map[pgid]*node     // node cache
	FillPercent float64
}

// newBucket creates a new empty, unattached Bucket scoped to tx.
func newBucket(tx *Tx) Bucket {
	var b = Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the transaction that created the bucket.
func (b *Bucket) Tx() *Tx { return b.tx }

// Root returns the root of the bucket's B+tree, or 0 if the bucket is
// inline.
func (b *Bucket) Root() pgid { return b.root }

// Writable returns whether the bucket is writable.
func (b *Bucket) Writable() bool { return b.tx.writable }

// Cursor creates a cursor associated with the bucket. The cursor is only
// valid as long as the transaction is open.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.IncCursorCount(1)
	return &Cursor{bucket: b}
}

// Bucket retrieves a nested bucket by name, or nil if it doesn't exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child := b.buckets[string(name)]; child != nil {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)

	if !bytes.Equal(name, k) || (flags&bucketLeafFlag) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}

	return child
}

// openBucket decodes an InBucket header (and, for inline buckets, the
// synthetic leaf page that follows it) out of a leaf value.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)

	// A misaligned value can't be read as a *bucket directly; copy it to
	// an aligned scratch buffer owned by the transaction first.
	value = b.tx.alignBucketValue(value)

	child.bucket = &bucket{}
	*child.bucket = *(*bucket)(unsafe.Pointer(&value[0]))

	// Save a reference to the inline page, if the bucket is inline.
	if child.root == 0 {
		_assert(len(value) >= bucketHeaderSize, "openBucket: inline value too small")
		child.page = (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	}

	return &child
}

// CreateBucket creates a new bucket at the given key. Returns
// ErrBucketExists if the key already names a bucket, ErrBucketNameRequired
// if the key is empty, or ErrIncompatibleValue if the key names a
// non-bucket value.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.tx.writable {
		return nil, ErrTxNotWritable
	} else if len(key) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()

	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) {
		if (flags & bucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	var bkt = bucket{}
	var inlinePage = page{flags: leafPageFlag}

	value := make([]byte, bucketHeaderSize+int(pageHeaderSize))
	*(*bucket)(unsafe.Pointer(&value[0])) = bkt
	*(*page)(unsafe.Pointer(&value[bucketHeaderSize])) = inlinePage

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, bucketLeafFlag)

	b.page = nil

	return b.Bucket(key), nil
}

// CreateBucketIfNotExists is CreateBucket, tolerating ErrBucketExists.
func (b *Bucket) CreateBucketIfNotExists(key []byte) (*Bucket, error) {
	child, err := b.CreateBucket(key)
	if err == ErrBucketExists {
		return b.Bucket(key), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes a bucket at the given key, recursively deleting any
// nested buckets first.
func (b *Bucket) DeleteBucket(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return ErrBucketNotFound
	} else if (flags & bucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(key)
	err := child.ForEachBucket(func(k []byte) error {
		if err := child.DeleteBucket(k); err != nil {
			return fmt.Errorf("delete bucket %q: %w", k, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(key))

	child.nodes = make(map[pgid]*node)
	child.rootNode = nil
	child.free()

	c.node().del(key)

	return nil
}

// free releases every page reachable from this bucket's subtree to the
// transaction's freelist.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	tx := b.tx
	b.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			tx.db.freelist.free(tx.meta.txid, p)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// Get returns the value for a key. The returned slice is only valid for
// the life of the transaction. Returns nil if the key doesn't exist or
// names a bucket.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if (flags & bucketLeafFlag) != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for a key. Returns an error if the bucket was
// created from a read-only transaction, if the key is blank, if the key
// is too large, if the value is too large, or if the key already names a
// bucket.
func (b *Bucket) Put(key []byte, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	} else if int64(len(value)) > MaxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && (flags&bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)

	return nil
}

// Delete removes a key. It's a no-op if the key doesn't exist. Returns
// ErrIncompatibleValue if the key names a bucket.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}

	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)

	return nil
}

// Sequence returns the current integer for the bucket without
// incrementing it.
func (b *Bucket) Sequence() uint64 { return b.sequence }

// SetSequence updates the sequence number for the bucket.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.sequence = v
	return nil
}

// NextSequence returns an autoincrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.sequence++
	return b.sequence, nil
}

// ForEach executes fn for every key in the bucket, in lexicographic
// order. If fn returns an error, iteration stops and the error is
// returned.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket executes fn for every key in the bucket that names a
// nested bucket, in lexicographic order.
func (b *Bucket) ForEachBucket(fn func(k []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, _, flags := c.seekFirst(); k != nil; k, _, flags = c.next() {
		if flags&bucketLeafFlag != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// node creates (or returns a cached) in-memory node for the page at id,
// recording parent so split/merge can propagate upward.
func (b *Bucket) node(pgid pgid, parent *node) *node {
	_assert(b.nodes != nil, "node: nodes map expected")

	if n := b.nodes[pgid]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if n.parent == nil {
		b.rootNode = n
	} else {
		n.parent.children = append(n.parent.children, n)
	}

	var p = b.page
	if p == nil {
		p = b.tx.page(pgid)
	}

	n.read(p)
	b.nodes[pgid] = n

	b.tx.stats.IncNodeCount(1)

	return n
}

// pageNode returns either the page or the materialized node for id,
// honoring the bucket's own inline page when the bucket has no root of
// its own.
func (b *Bucket) pageNode(id pgid) elemRef {
	if b.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access(2): %d != 0", id))
		}
		if b.rootNode != nil {
			return elemRef{node: b.rootNode}
		}
		return elemRef{page: b.page}
	}

	if n := b.nodes[id]; n != nil {
		return elemRef{node: n}
	}

	return elemRef{page: b.tx.page(id)}
}

// rebalance rebalances every materialized node in the bucket, in no
// particular order, then recurses into its nested buckets.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// spill writes every dirty node tree to pages, possibly inlining a small
// bucket's leaf back into the parent's value, depth-first (children
// before their parent bucket so the parent's stored InBucket is current).
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte

		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}

			value = make([]byte, bucketHeaderSize)
			*(*bucket)(unsafe.Pointer(&value[0])) = *child.bucket
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))

		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", []byte(name), k))
		}
		if flags&bucketLeafFlag == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}

		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.pgid))
	}
	b.root = b.rootNode.pgid

	return nil
}

// inlineable reports whether the bucket is small enough, and contains no
// sub-buckets, such that its parent can store it inline.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := int(pageHeaderSize)
	for _, inode := range n.inodes {
		size += int(leafPageElementSize) + len(inode.key) + len(inode.value)

		if inode.flags&bucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

// maxInlineBucketSize returns the maximum total encoded size at which a
// bucket may still be written inline.
func (b *Bucket) maxInlineBucketSize() int {
	return b.tx.db.pageSize / 4
}

// write allocates and returns a byte slice holding this bucket's InBucket
// header followed by its single inline leaf page.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())

	bkt := (*bucket)(unsafe.Pointer(&value[0]))
	*bkt = *b.bucket

	p := (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	n.write(p)

	return value
}

// dereference copies every materialized node's key/value bytes off the
// mmap and onto the heap, recursively through nested buckets. Must run
// before the mmap is unmapped or remapped out from under a live writer.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}

	for _, child := range b.buckets {
		child.dereference()
	}
}

// forEachPageNode walks the bucket's pages (or materialized nodes, if
// dirty) depth-first, calling fn for each with depth starting at 0.
func (b *Bucket) forEachPageNode(fn func(p *page, n *node, depth int)) {
	if b.root == 0 {
		return
	}
	b.forEachPageNodeAt(b.root, 0, fn)
}

func (b *Bucket) forEachPageNodeAt(id pgid, depth int, fn func(p *page, n *node, depth int)) {
	var p *page
	var n *node
	if b.nodes != nil {
		n = b.nodes[id]
	}
	if n == nil {
		p = b.tx.page(id)
	}

	fn(p, n, depth)

	if p != nil {
		if (p.flags & branchPageFlag) != 0 {
			for i := 0; i < int(p.count); i++ {
				elem := p.branchPageElement(uint16(i))
				b.forEachPageNodeAt(elem.pgid, depth+1, fn)
			}
		}
	} else if !n.isLeaf {
		for _, inode := range n.inodes {
			b.forEachPageNodeAt(inode.pgid, depth+1, fn)
		}
	}
}

// cloneBytes returns an independent copy of v.
func cloneBytes(v []byte) []byte {
	var clone = make([]byte, len(v))
	copy(clone, v)
	return clone
}
