package ember

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Check performs a full consistency check of the database as seen by
// this transaction. Errors are streamed on the returned channel, which
// is closed once the check completes. Safe to run concurrently with
// other readers on a writable transaction, though the cost is
// proportional to the whole database; prefer a read-only transaction
// when checking a large database.
func (tx *Tx) Check(keyValueStringer KeyValueStringer) <-chan error {
	ch := make(chan error)
	go tx.check(keyValueStringer, ch)
	return ch
}

func (tx *Tx) check(keyValueStringer KeyValueStringer, ch chan error) {
	// Check for any page freed more than once.
	freed := make(map[pgid]bool)
	all := make([]pgid, tx.db.freelist.count())
	tx.db.freelist.copyall(all)
	for _, id := range all {
		if freed[id] {
			ch <- fmt.Errorf("page %d: already freed", id)
		}
		freed[id] = true
	}

	// Track every reachable page.
	reachable := make(map[pgid]*page)
	reachable[0] = tx.page(0) // meta0
	reachable[1] = tx.page(1) // meta1
	if tx.meta.freelist != pgidNoFreelist {
		for i := uint32(0); i <= tx.page(tx.meta.freelist).overflow; i++ {
			reachable[tx.meta.freelist+pgid(i)] = tx.page(tx.meta.freelist)
		}
	}

	tx.checkBucket(&tx.root, reachable, freed, keyValueStringer, ch)

	// Ensure all pages below the high water mark are either reachable or
	// freed.
	for i := pgid(0); i < tx.meta.pgid; i++ {
		_, isReachable := reachable[i]
		if !isReachable && !freed[i] {
			ch <- fmt.Errorf("page %d: unreachable unfreed", int(i))
		}
	}

	close(ch)
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[pgid]*page, freed map[pgid]bool,
	keyValueStringer KeyValueStringer, ch chan error) {
	if b.root == 0 {
		// Inline bucket: its single leaf page lives inside the parent's
		// value, not as a page of its own, so there's nothing to walk.
		return
	}

	tx.forEachPage(b.root, func(p *page, _ int, _ []pgid) {
		if p.id > tx.meta.pgid {
			ch <- fmt.Errorf("page %d: out of bounds: %d", int(p.id), int(tx.meta.pgid))
		}

		for i := pgid(0); i <= pgid(p.overflow); i++ {
			id := p.id + i
			if _, ok := reachable[id]; ok {
				ch <- fmt.Errorf("page %d: multiple references", int(id))
			}
			reachable[id] = p
		}

		if freed[p.id] {
			ch <- fmt.Errorf("page %d: reachable freed", int(p.id))
		} else if (p.flags&branchPageFlag) == 0 && (p.flags&leafPageFlag) == 0 {
			ch <- fmt.Errorf("page %d: invalid type: %s", int(p.id), p.typ())
		}
	})

	tx.recursivelyCheckPages(b.root, keyValueStringer.KeyToString, ch)

	_ = b.ForEachBucket(func(k []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, freed, keyValueStringer, ch)
		}
		return nil
	})
}

// recursivelyCheckPages verifies that every page's keys are sorted, and
// that every branch key bounds its subtree correctly against the key
// range established by its ancestors: every key in a subtree must be >=
// the branch key pointing to it and < the next branch key. It does not
// check that a branch key equals the first key of its subtree.
func (tx *Tx) recursivelyCheckPages(id pgid, keyToString func([]byte) string, ch chan error) (maxKeyInSubtree []byte) {
	return tx.recursivelyCheckPagesInternal(id, nil, nil, nil, keyToString, ch)
}

func (tx *Tx) recursivelyCheckPagesInternal(id pgid, minKeyClosed, maxKeyOpen []byte, pagesStack []pgid,
	keyToString func([]byte) string, ch chan error) (maxKeyInSubtree []byte) {
	p := tx.page(id)
	pagesStack = append(pagesStack, id)

	switch {
	case p.flags&branchPageFlag != 0:
		runningMin := minKeyClosed
		elems := p.branchPageElements()
		for i := range elems {
			elem := p.branchPageElement(uint16(i))
			if i == 0 && runningMin != nil && bytes.Compare(runningMin, elem.key()) > 0 {
				ch <- fmt.Errorf("key (%d, %s) on branch page %d must be >= the ancestor's index key; stack %v",
					i, keyToString(elem.key()), id, pagesStack)
			}
			if maxKeyOpen != nil && bytes.Compare(elem.key(), maxKeyOpen) >= 0 {
				ch <- fmt.Errorf("key (%d, %s) on branch page %d must be < the next ancestor key (%s); stack %v",
					i, keyToString(elem.key()), id, keyToString(maxKeyOpen), pagesStack)
			}

			var maxKey []byte
			if i < len(elems)-1 {
				maxKey = p.branchPageElement(uint16(i + 1)).key()
			} else {
				maxKey = maxKeyOpen
			}
			maxKeyInSubtree = tx.recursivelyCheckPagesInternal(elem.pgid, elem.key(), maxKey, pagesStack, keyToString, ch)
			runningMin = maxKeyInSubtree
		}
		return maxKeyInSubtree

	case p.flags&leafPageFlag != 0:
		runningMin := minKeyClosed
		elems := p.leafPageElements()
		for i := range elems {
			elem := p.leafPageElement(uint16(i))
			if i == 0 && runningMin != nil && bytes.Compare(runningMin, elem.key()) > 0 {
				ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be >= the ancestor's index key; stack %v",
					i, keyToString(elem.key()), id, pagesStack)
			}
			if i > 0 && bytes.Compare(runningMin, elem.key()) >= 0 {
				ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be strictly greater than the previous key (%s); stack %v",
					i, keyToString(elem.key()), id, keyToString(runningMin), pagesStack)
			}
			if maxKeyOpen != nil && bytes.Compare(elem.key(), maxKeyOpen) >= 0 {
				ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be < the next ancestor key (%s); stack %v",
					i, keyToString(elem.key()), id, keyToString(maxKeyOpen), pagesStack)
			}
			runningMin = elem.key()
		}
		if p.count > 0 {
			return p.leafPageElement(p.count - 1).key()
		}
		return nil

	default:
		ch <- fmt.Errorf("unexpected page type for pgid %d", id)
		return nil
	}
}

// KeyValueStringer renders keys and values for diagnostic Check messages.
type KeyValueStringer interface {
	KeyToString([]byte) string
	ValueToString([]byte) string
}

// HexKeyValueStringer renders keys and values as hex strings.
func HexKeyValueStringer() KeyValueStringer { return hexKeyValueStringer{} }

type hexKeyValueStringer struct{}

func (hexKeyValueStringer) KeyToString(key []byte) string   { return hex.EncodeToString(key) }
func (hexKeyValueStringer) ValueToString(value []byte) string { return hex.EncodeToString(value) }
