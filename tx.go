package emberdb

import (
	"time"
	"unsafe"

	"github.com/google/btree"
)

// txPageTreeDegree is the node degree for the btree.BTreeG holding a write
// transaction's dirty pages. The tree only ever holds as many entries as
// one transaction dirties, so this is not tuned for any particular size.
const txPageTreeDegree = 32

// pageLess orders pages by id, giving Tx.pages' btree the ascending-pgid
// iteration order Commit needs when it flushes dirty pages to disk.
func pageLess(a, b *page) bool { return a.id < b.id }

func newTxPageTree() *btree.BTreeG[*page] {
	return btree.NewG[*page](txPageTreeDegree, pageLess)
}

// TxStats holds counters accumulated over one transaction's lifetime.
type TxStats struct {
	PageCount     int
	PageAlloc     int
	Spill         int
	SpillTime     time.Duration
	RebalanceTime time.Duration
	WriteTime     time.Duration
}

// Tx is a read or read-write transaction against a *DB. A *Tx and anything
// obtained from it (buckets, cursors) must not be used from more than one
// goroutine, and must not be used after Commit or Rollback.
type Tx struct {
	writable bool
	managed  bool
	db       *DB
	meta     *meta
	root     Bucket
	pages    *btree.BTreeG[*page] // write transactions only: dirty pages, ordered by id
	stats    TxStats

	commitHandlers []func()
}

// DB returns the database this transaction was started from.
func (tx *Tx) DB() *DB { return tx.db }

// Writable reports whether this is a write transaction.
func (tx *Tx) Writable() bool { return tx.writable }

// Stats returns this transaction's accumulated stats.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Size returns the size, in bytes, the database would occupy on disk at
// this transaction's snapshot.
func (tx *Tx) Size() int64 {
	return int64(tx.meta.pgid) * int64(tx.db.pageSize)
}

// OnCommit registers fn to run immediately after a successful Commit.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Bucket returns the named top-level bucket, or nil if it does not exist.
func (tx *Tx) Bucket(name []byte) *Bucket {
	return tx.root.Bucket(name)
}

// CreateBucket creates and returns a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	return tx.root.CreateBucket(name)
}

// CreateBucketIfNotExists creates the named top-level bucket if it does
// not already exist, and returns it either way.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes the named top-level bucket and everything in it.
func (tx *Tx) DeleteBucket(name []byte) error {
	return tx.root.DeleteBucket(name)
}

// ForEachBucket calls fn for every top-level bucket, in name order.
func (tx *Tx) ForEachBucket(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEachBucket(fn)
}

// page returns the page for id: a dirty in-memory copy if this write
// transaction already allocated one, otherwise a direct view into the
// database's mmap.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages.Get(&page{id: id}); ok {
			return p
		}
	}
	return tx.db.pageAt(id)
}

// allocatePage reserves count contiguous pages, preferring ids the
// freelist can hand back before growing the high-water mark, and returns
// an owned buffer recorded as dirty for this transaction.
func (tx *Tx) allocatePage(count int) (*page, error) {
	buf := make([]byte, count*tx.db.pageSize)
	p, _ := pageAt(buf)
	p.overflow = uint32(count - 1)

	if id := tx.db.freelist.allocate(tx.meta.txid, count); id != 0 {
		p.id = id
	} else {
		p.id = tx.meta.pgid
		minsz := int(p.id+pgid(count)+1) * tx.db.pageSize
		if minsz > len(tx.db.data) {
			if err := tx.db.mmap(minsz); err != nil {
				return nil, err
			}
		}
		tx.meta.pgid += pgid(count)
	}

	tx.pages.ReplaceOrInsert(p)
	tx.stats.PageCount += count
	tx.stats.PageAlloc += count * tx.db.pageSize
	return p, nil
}

// freePage marks id (and any dirty copy of it held by this transaction)
// free as of this transaction's commit, preserving its overflow run.
func (tx *Tx) freePage(id pgid, n *node) {
	if id == 0 {
		return
	}
	var overflow uint32
	if p, ok := tx.pages.Get(&page{id: id}); ok {
		overflow = p.overflow
	} else if p := tx.db.pageAt(id); p != nil {
		overflow = p.overflow
	}
	tx.freePageByID(id, overflow)
}

// freePageByID is freePage for callers that already know the overflow run
// length and have no *node to consult.
func (tx *Tx) freePageByID(id pgid, overflow uint32) {
	p := &page{id: id, overflow: overflow}
	tx.db.freelist.free(tx.meta.txid, p)
	tx.pages.Delete(p)
}

// Commit rebalances and spills every node this write transaction touched,
// persists the freelist, grows and remaps the file if the database's high
// water mark advanced, writes every dirty page, and finally writes and
// fsyncs whichever meta page alternates in by txid parity.
func (tx *Tx) Commit() error {
	if tx.managed {
		panic("emberdb: managed tx commit not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	if !tx.writable {
		tx.db.removeReadTx(tx)
		tx.db = nil
		return nil
	}

	start := time.Now()
	tx.root.rebalance()
	tx.stats.RebalanceTime += time.Since(start)

	start = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollbackWrite()
		return err
	}
	tx.stats.SpillTime += time.Since(start)

	tx.meta.root.root = tx.root.root
	tx.meta.root.sequence = tx.root.sequence

	opgid := tx.meta.pgid

	if !tx.db.opts.NoFreelistSync {
		if err := tx.commitFreelist(); err != nil {
			tx.rollbackWrite()
			return err
		}
	} else {
		tx.meta.freelist = pgidNoFreelist
	}

	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid) * tx.db.pageSize); err != nil {
			tx.rollbackWrite()
			return err
		}
	}

	start = time.Now()
	if err := tx.write(); err != nil {
		tx.db.logger.Error("commit: writing dirty pages failed", "txid", tx.meta.txid, "err", err)
		tx.rollbackWrite()
		return err
	}
	if err := tx.writeMeta(); err != nil {
		tx.db.logger.Error("commit: writing meta failed", "txid", tx.meta.txid, "err", err)
		tx.rollbackWrite()
		return err
	}
	tx.stats.WriteTime += time.Since(start)

	tx.db.freePages(tx.meta.txid)

	for _, fn := range tx.commitHandlers {
		fn()
	}

	tx.db.rwtx = nil
	tx.db.rwlock.Unlock()
	tx.db = nil
	return nil
}

// Rollback discards every change made in this write transaction, or
// releases a read transaction's snapshot. Safe to call more than once;
// the second call returns ErrTxClosed.
func (tx *Tx) Rollback() error {
	if tx.managed {
		panic("emberdb: managed tx rollback not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	if tx.writable {
		tx.rollbackWrite()
	} else {
		tx.db.removeReadTx(tx)
		tx.db = nil
	}
	return nil
}

func (tx *Tx) rollbackWrite() {
	tx.db.freelist.rollback(tx.meta.txid)
	tx.pages = nil
	tx.db.rwtx = nil
	tx.db.rwlock.Unlock()
	tx.db = nil
}

// commitFreelist frees the freelist page(s) the previous commit wrote,
// then allocates and writes a fresh one sized for the post-free state.
// The old page must be freed first: it is the only way that page ever
// gets reclaimed, since it was allocated outside of any transaction that
// would otherwise free it, and freeing it before sizing the new freelist
// lets the new freelist record it as pending.
func (tx *Tx) commitFreelist() error {
	if old := tx.meta.freelist; old != 0 && old != pgidNoFreelist {
		tx.freePage(old, nil)
	}

	n := (tx.db.freelist.size() + tx.db.pageSize - 1) / tx.db.pageSize
	if n < 1 {
		n = 1
	}
	p, err := tx.allocatePage(n)
	if err != nil {
		return err
	}
	tx.db.freelist.write(p)
	tx.meta.freelist = p.id
	return nil
}

// write flushes every dirty page this transaction allocated to the file,
// in ascending pgid order, then fsyncs unless NoSync is set.
func (tx *Tx) write() error {
	var werr error
	tx.pages.Ascend(func(p *page) bool {
		size := (int(p.overflow) + 1) * tx.db.pageSize
		buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
		offset := int64(p.id) * int64(tx.db.pageSize)
		if _, err := tx.db.file.WriteAt(buf, offset); err != nil {
			werr = ErrIOFailure
			return false
		}
		return true
	})
	if werr != nil {
		return werr
	}
	tx.pages = newTxPageTree()

	if !tx.db.opts.NoSync {
		if err := tx.db.file.Sync(); err != nil {
			return ErrIOFailure
		}
	}
	return nil
}

// writeMeta writes this transaction's meta to the meta page selected by
// txid parity (the dual-meta-page alternation that keeps a valid prior
// meta on disk if the process dies mid-write), then fsyncs.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p, _ := pageAt(buf)
	p.id = pgid(tx.meta.txid % 2)
	p.flags = metaPageFlag
	tx.meta.write(p)

	offset := int64(p.id) * int64(tx.db.pageSize)
	if _, err := tx.db.file.WriteAt(buf, offset); err != nil {
		return ErrIOFailure
	}
	if !tx.db.opts.NoSync {
		if err := tx.db.file.Sync(); err != nil {
			return ErrIOFailure
		}
	}
	return nil
}
