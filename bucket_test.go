package emberdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketPutGetDelete(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		inserted, err := b.Put([]byte("foo"), []byte("bar"), true)
		require.NoError(t, err)
		require.True(t, inserted)
		require.Equal(t, []byte("bar"), b.Get([]byte("foo")))

		require.NoError(t, b.Delete([]byte("foo")))
		require.Nil(t, b.Get([]byte("foo")))
		return nil
	}))
}

func TestPutNoOverwriteLeavesExistingValue(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		inserted, err := b.Put([]byte("foo"), []byte("v1"), true)
		require.NoError(t, err)
		require.True(t, inserted)

		inserted, err = b.Put([]byte("foo"), []byte("v2"), false)
		require.NoError(t, err)
		require.False(t, inserted)
		require.Equal(t, []byte("v1"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestPutRejectsEmptyKeyAndOversizeInputs(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		_, err = b.Put(nil, []byte("v"), true)
		require.ErrorIs(t, err, ErrKeyRequired)

		_, err = b.Put(make([]byte, MaxKeySize+1), []byte("v"), true)
		require.ErrorIs(t, err, ErrKeyTooLarge)
		return nil
	}))
}

func TestCreateBucketDuplicateAndIncompatible(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		_, err = tx.CreateBucket([]byte("widgets"))
		require.ErrorIs(t, err, ErrBucketExists)

		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		require.NoError(t, err)
		require.NotNil(t, b)
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		_, err := b.Put([]byte("plain"), []byte("v"), true)
		require.NoError(t, err)

		_, err = b.CreateBucket([]byte("plain"))
		require.ErrorIs(t, err, ErrIncompatibleValue)
		return nil
	}))
}

func TestNestedBucketsInlineAndPersist(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		child, err := root.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		_, err = child.Put([]byte("k"), []byte("v"), true)
		return err
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		require.NotNil(t, root)
		child := root.Bucket([]byte("child"))
		require.NotNil(t, child)
		require.Equal(t, []byte("v"), child.Get([]byte("k")))
		return nil
	}))
}

func TestDeleteBucketRemovesNestedContents(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		child, err := root.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		_, err = child.Put([]byte("k"), []byte("v"), true)
		if err != nil {
			return err
		}
		_, err = child.CreateBucket([]byte("grandchild"))
		return err
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		return root.DeleteBucket([]byte("child"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		require.Nil(t, root.Bucket([]byte("child")))
		return nil
	}))
}

func TestDeleteBucketNotFound(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		require.NoError(t, err)
		err = root.DeleteBucket([]byte("missing"))
		require.ErrorIs(t, err, ErrBucketNotFound)
		return nil
	}))
}

func TestForEachAndForEachBucket(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			if _, err := root.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), true); err != nil {
				return err
			}
			if _, err := root.CreateBucket([]byte(fmt.Sprintf("b%02d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))

		var keys []string
		require.NoError(t, root.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		require.Len(t, keys, 5)

		var bucketNames []string
		require.NoError(t, root.ForEachBucket(func(name []byte, child *Bucket) error {
			bucketNames = append(bucketNames, string(name))
			require.NotNil(t, child)
			return nil
		}))
		require.Len(t, bucketNames, 5)
		return nil
	}))
}

func TestSequenceIncrementsAndPersists(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		require.NoError(t, err)
		require.Equal(t, uint64(1), seq)

		seq, err = b.NextSequence()
		require.NoError(t, err)
		require.Equal(t, uint64(2), seq)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, uint64(2), b.Sequence())
		return nil
	}))
}
