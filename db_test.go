package emberdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestOpenCreatesNewFile(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))
}

func TestUpdateViewRoundTrip(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("foo"), []byte("bar"), true)
		return err
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	sentinel := ErrIncompatibleValue
	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if _, err := b.Put([]byte("foo"), []byte("bar"), true); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Nil(t, b.Get([]byte("foo")))
		return nil
	}))
}

func TestReadTxSeesSnapshotNotConcurrentWrite(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("foo"), []byte("v1"), true)
		return err
	}))

	readTx, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		_, err := b.Put([]byte("foo"), []byte("v2"), true)
		return err
	}))

	b := readTx.Bucket([]byte("widgets"))
	require.Equal(t, []byte("v1"), b.Get([]byte("foo")))
	require.NoError(t, readTx.Rollback())

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, []byte("v2"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("foo"), []byte("bar"), true)
		return err
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestManyWritesForcesSplitAndGrowth(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	const n = 2000
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < n; i++ {
			key := []byte{byte(i >> 8), byte(i)}
			if _, err := b.Put(key, make([]byte, 64), true); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		count := 0
		require.NoError(t, b.ForEach(func(k, v []byte) error {
			count++
			return nil
		}))
		require.Equal(t, n, count)
		return nil
	}))
}

func TestReadOnlyOpenRejectsWrites(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ro, err := Open(path, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Begin(true)
	require.ErrorIs(t, err, ErrDatabaseReadOnly)
}

// flipMetaChecksumBit corrupts one byte inside the checksum field of the
// meta page at pageID, simulating a torn write that landed everywhere
// except the last few bytes.
func flipMetaChecksumBit(t *testing.T, path string, pageID int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	offset := int64(pageID)*int64(PageSize) + int64(pageHeaderSize) + int64(metaSize) - 1
	var b [1]byte
	_, err = f.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b[:], offset)
	require.NoError(t, err)
}

func metaPageValid(t *testing.T, path string, pageID int) bool {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, pageHeaderSize+metaSize)
	_, err = f.ReadAt(buf, int64(pageID)*int64(PageSize))
	require.NoError(t, err)

	p, err := pageAt(buf)
	require.NoError(t, err)
	return p.meta().validate(PageSize) == nil
}

func TestReopenFallsBackToOtherMetaAfterChecksumCorruption(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("foo"), []byte("v1"), true)
		return err
	}))
	// A second commit advances the txid by one more, landing it on the
	// other meta page from the first commit.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		_, err := b.Put([]byte("foo"), []byte("v2"), true)
		return err
	}))
	require.NoError(t, db.Close())

	// The newest commit landed on meta page 1; corrupt its checksum so
	// reopening must fall back to meta page 0's older, still-valid
	// snapshot from the first commit.
	flipMetaChecksumBit(t, path, 1)

	db2, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("v1"), b.Get([]byte("foo")))
		return nil
	}))

	// Committing again must write a fresh, valid copy over the corrupted
	// page, healing it.
	require.NoError(t, db2.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		_, err := b.Put([]byte("foo"), []byte("v3"), true)
		return err
	}))
	require.NoError(t, db2.Close())

	require.True(t, metaPageValid(t, path, 1))

	db3, err := Open(path)
	require.NoError(t, err)
	defer db3.Close()
	require.NoError(t, db3.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, []byte("v3"), b.Get([]byte("foo")))
		return nil
	}))
}
