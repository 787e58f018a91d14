package ember

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustOpen(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ember.db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

// S1: opening a brand-new file yields two valid meta pages at txid 0, and
// reading any key returns nothing.
func TestOpen_EmptyDatabase(t *testing.T) {
	db, _ := mustOpen(t)

	require.NoError(t, db.meta0.validate())
	require.NoError(t, db.meta1.validate())
	require.Equal(t, txid(0), db.meta().txid)

	err := db.View(func(tx *Tx) error {
		require.Nil(t, tx.Bucket([]byte("missing")))
		return nil
	})
	require.NoError(t, err)
}

// S2: create a bucket, put a key, commit, reopen, and read it back.
func TestCreateBucketPutGet_RoundTrip(t *testing.T) {
	db, path := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k1"), []byte("v1"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path, 0666, nil)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("v1"), b.Get([]byte("k1")))
		return nil
	})
	require.NoError(t, err)
}

// S3 (scaled down): insert many entries across two batch transactions,
// then verify every key is retrievable and Check reports no errors.
func TestLargeInsert_BatchedTransactions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large insert in short mode")
	}

	db, _ := mustOpen(t)

	const total = 20000
	const batch = 10000
	value := make([]byte, 500)

	for start := 0; start < total; start += batch {
		start := start
		err := db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("nums"))
			if err != nil {
				return err
			}
			for i := start; i < start+batch; i++ {
				key := make([]byte, 4)
				key[0] = byte(i >> 24)
				key[1] = byte(i >> 16)
				key[2] = byte(i >> 8)
				key[3] = byte(i)
				if err := b.Put(key, value); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}

	err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("nums"))
		require.NotNil(t, b)
		for i := 0; i < total; i++ {
			key := make([]byte, 4)
			key[0] = byte(i >> 24)
			key[1] = byte(i >> 16)
			key[2] = byte(i >> 8)
			key[3] = byte(i)
			require.Equal(t, value, b.Get(key), "key %d", i)
		}

		ch := tx.Check(HexKeyValueStringer())
		var errs []string
		for e := range ch {
			errs = append(errs, e.Error())
		}
		require.Empty(t, errs)
		return nil
	})
	require.NoError(t, err)
}

// S4: a reader started before a concurrent writer commits never sees that
// writer's change, while a fresh reader afterward does.
func TestIsolation_ReaderSnapshot(t *testing.T) {
	db, _ := mustOpen(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("iso"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k1"), []byte("v1"))
	}))

	r1, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("iso"))
		return b.Put([]byte("k2"), []byte("v2"))
	}))

	b1 := r1.Bucket([]byte("iso"))
	require.NotNil(t, b1)
	require.Nil(t, b1.Get([]byte("k2")))
	require.NoError(t, r1.Rollback())

	r3, err := db.Begin(false)
	require.NoError(t, err)
	defer r3.Rollback()

	b3 := r3.Bucket([]byte("iso"))
	require.Equal(t, []byte("v2"), b3.Get([]byte("k2")))
}

// S5: creating the same bucket twice fails with ErrBucketExists;
// CreateBucketIfNotExists tolerates it.
func TestCreateBucket_AlreadyExists(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("a"))
		require.NoError(t, err)

		_, err = tx.CreateBucket([]byte("a"))
		require.Equal(t, ErrBucketExists, err)

		_, err = tx.CreateBucketIfNotExists([]byte("a"))
		return err
	})
	require.NoError(t, err)
}

// S6: putting or deleting a key that names a sub-bucket is rejected with
// ErrIncompatibleValue; deleting the bucket itself succeeds.
func TestIncompatibleValue_BucketVsKey(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucket([]byte("a")); err != nil {
			return err
		}

		if err := root.Put([]byte("a"), []byte("x")); err != ErrIncompatibleValue {
			return fmt.Errorf("expected ErrIncompatibleValue, got %v", err)
		}
		if err := root.Delete([]byte("a")); err != ErrIncompatibleValue {
			return fmt.Errorf("expected ErrIncompatibleValue, got %v", err)
		}
		return root.DeleteBucket([]byte("a"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		require.Nil(t, root.Bucket([]byte("a")))
		return nil
	})
	require.NoError(t, err)
}

// Boundary: empty keys are rejected, and the documented size caps are
// enforced at the edges.
func TestPut_BoundaryKeySizes(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("bounds"))
		if err != nil {
			return err
		}

		if err := b.Put(nil, []byte("v")); err != ErrKeyRequired {
			return fmt.Errorf("expected ErrKeyRequired, got %v", err)
		}

		maxKey := make([]byte, MaxKeySize)
		for i := range maxKey {
			maxKey[i] = byte(i)
		}
		if err := b.Put(maxKey, []byte("v")); err != nil {
			return fmt.Errorf("max-size key rejected: %w", err)
		}
		if got := b.Get(maxKey); !bytes.Equal(got, []byte("v")) {
			return fmt.Errorf("max-size key round trip failed: got %q", got)
		}

		tooBig := make([]byte, MaxKeySize+1)
		if err := b.Put(tooBig, []byte("v")); err != ErrKeyTooLarge {
			return fmt.Errorf("expected ErrKeyTooLarge, got %v", err)
		}

		return nil
	})
	require.NoError(t, err)
}

// Idempotence: put(k,v); put(k,v) observes the same state as a single put.
func TestPut_Idempotent(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("idem"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("idem"))
		var count int
		err := b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, count)
		require.Equal(t, []byte("v"), b.Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

// Rollback purity: mutations followed by rollback leave the committed
// state untouched.
func TestRollback_Purity(t *testing.T) {
	db, _ := mustOpen(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("rb"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k1"), []byte("v1"))
	}))

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b := tx.Bucket([]byte("rb"))
	require.NoError(t, b.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, b.Delete([]byte("k1")))
	require.NoError(t, tx.Rollback())

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("rb"))
		require.Equal(t, []byte("v1"), b.Get([]byte("k1")))
		require.Nil(t, b.Get([]byte("k2")))
		return nil
	})
	require.NoError(t, err)
}

// Root bucket with a single branch child collapses on rebalance: exercised
// indirectly by deleting enough keys to drain a split tree back down and
// confirming Check still reports no structural errors.
func TestRebalance_CollapsesRoot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rebalance stress in short mode")
	}

	db, _ := mustOpen(t)

	const n = 5000
	value := make([]byte, 200)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("shrink"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key-%06d", i))
			if err := b.Put(key, value); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("shrink"))
		for i := 0; i < n-2; i++ {
			key := []byte(fmt.Sprintf("key-%06d", i))
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}))

	err := db.View(func(tx *Tx) error {
		ch := tx.Check(HexKeyValueStringer())
		var errs []string
		for e := range ch {
			errs = append(errs, e.Error())
		}
		require.Empty(t, errs)
		return nil
	})
	require.NoError(t, err)
}
