package ember

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openCursorTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ember.db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedKeys(t *testing.T, db *DB, bucket string, keys []string) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestCursor_FirstLastNextPrev(t *testing.T) {
	db := openCursorTestDB(t)
	seedKeys(t, db, "c", []string{"b", "d", "a", "c"})

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("c")).Cursor()

		k, v := c.First()
		require.Equal(t, []byte("a"), k)
		require.Equal(t, []byte("a"), v)

		k, _ = c.Next()
		require.Equal(t, []byte("b"), k)
		k, _ = c.Next()
		require.Equal(t, []byte("c"), k)
		k, _ = c.Next()
		require.Equal(t, []byte("d"), k)
		k, _ = c.Next()
		require.Nil(t, k)

		k, _ = c.Last()
		require.Equal(t, []byte("d"), k)
		k, _ = c.Prev()
		require.Equal(t, []byte("c"), k)

		return nil
	}))
}

func TestCursor_SeekPastEndAdvances(t *testing.T) {
	db := openCursorTestDB(t)
	seedKeys(t, db, "c", []string{"a", "c", "e"})

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("c")).Cursor()

		k, v := c.Seek([]byte("b"))
		require.Equal(t, []byte("c"), k)
		require.Equal(t, []byte("c"), v)

		k, _ = c.Seek([]byte("c"))
		require.Equal(t, []byte("c"), k)

		k, _ = c.Seek([]byte("z"))
		require.Nil(t, k)

		return nil
	}))
}

func TestCursor_DeleteViaCursor(t *testing.T) {
	db := openCursorTestDB(t)
	seedKeys(t, db, "c", []string{"a", "b", "c"})

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("c"))
		c := b.Cursor()
		k, _ := c.Seek([]byte("b"))
		require.Equal(t, []byte("b"), k)
		return c.Delete()
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("c"))
		require.Nil(t, b.Get([]byte("b")))
		require.Equal(t, []byte("a"), b.Get([]byte("a")))
		require.Equal(t, []byte("c"), b.Get([]byte("c")))
		return nil
	}))
}

// Keys inserted in reverse order come back in ascending order after enough
// inserts force at least one split, and Check finds no key outside the
// bounds set by its branch keys.
func TestCursor_OrderingSurvivesSplits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping split-heavy ordering check in short mode")
	}

	db := openCursorTestDB(t)

	const n = 3000
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("ordered"))
		if err != nil {
			return err
		}
		for i := n - 1; i >= 0; i-- {
			key := []byte(fmt.Sprintf("k-%05d", i))
			if err := b.Put(key, []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("ordered"))
		c := b.Cursor()

		var prev []byte
		count := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if prev != nil {
				require.True(t, bytes.Compare(prev, k) < 0, "keys out of order: %q >= %q", prev, k)
			}
			prev = append([]byte(nil), k...)
			count++
		}
		require.Equal(t, n, count)

		ch := tx.Check(HexKeyValueStringer())
		var errs []string
		for e := range ch {
			errs = append(errs, e.Error())
		}
		require.Empty(t, errs)

		return nil
	}))
}
