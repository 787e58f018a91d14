package ember

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ember.db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Inline bucket at exactly page_size/4 bytes stays inline; one byte more
// promotes it to a subtree with its own root page.
func TestBucket_InlineBoundary(t *testing.T) {
	db := openTestDB(t)

	var pageSize int
	require.NoError(t, db.View(func(tx *Tx) error {
		pageSize = tx.db.pageSize
		return nil
	}))

	limit := pageSize / 4

	fill := func(b *Bucket, totalEncoded int) {
		overhead := int(pageHeaderSize) + int(leafPageElementSize)
		key := []byte("onlykey!")
		valueLen := totalEncoded - overhead - len(key)
		require.Greater(t, valueLen, 0)
		require.NoError(t, b.Put(key, make([]byte, valueLen)))
	}

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("fits"))
		if err != nil {
			return err
		}
		fill(b, limit)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("fits"))
		require.NotNil(t, b)
		// An inline bucket's own root is never materialized as a separate
		// page: Root() stays 0.
		require.Equal(t, pgid(0), b.Root())
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("overflows"))
		if err != nil {
			return err
		}
		fill(b, limit+1)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("overflows"))
		require.NotNil(t, b)
		require.NotEqual(t, pgid(0), b.Root())
		return nil
	}))
}

// A sub-bucket inside a bucket can be created, populated, and read back
// after commit.
func TestBucket_NestedBuckets(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		child, err := top.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		return child.Put([]byte("ck"), []byte("cv"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		top := tx.Bucket([]byte("top"))
		child := top.Bucket([]byte("child"))
		require.NotNil(t, child)
		require.Equal(t, []byte("cv"), child.Get([]byte("ck")))
		return nil
	}))
}

// ForEach visits keys in lexicographic order and ForEachBucket only
// surfaces bucket-valued keys.
func TestBucket_ForEachOrderingAndFilter(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("mixed"))
		if err != nil {
			return err
		}
		for _, k := range []string{"c", "a", "b"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		_, err = b.CreateBucket([]byte("sub"))
		return err
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("mixed"))

		var keys [][]byte
		require.NoError(t, b.ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}))
		require.Len(t, keys, 4)
		for i := 1; i < len(keys); i++ {
			require.True(t, bytes.Compare(keys[i-1], keys[i]) < 0)
		}

		var bucketKeys []string
		require.NoError(t, b.ForEachBucket(func(k []byte) error {
			bucketKeys = append(bucketKeys, string(k))
			return nil
		}))
		require.Equal(t, []string{"sub"}, bucketKeys)
		return nil
	}))
}

// Sequence and NextSequence behave as a monotonic per-bucket counter.
func TestBucket_Sequence(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("seq"))
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), b.Sequence())

		n, err := b.NextSequence()
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)

		n, err = b.NextSequence()
		require.NoError(t, err)
		require.Equal(t, uint64(2), n)

		return b.SetSequence(100)
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("seq"))
		require.Equal(t, uint64(100), b.Sequence())
		return nil
	}))
}
