package emberdb

import (
	"os"
	"sync"
	"unsafe"
)

// maxMapSize is the largest size a single mmap is allowed to grow to: 256TB,
// the practical ceiling of a 64-bit virtual address space reservation.
const maxMapSize = 0xFFFFFFFFFFFF

// maxMmapStep bounds how much the mmap grows in one jump once past 1GB, so
// a database climbing into the terabyte range doesn't try to double its
// address space reservation in a single remap.
const maxMmapStep = 1 << 30

// pgidNoFreelist marks a meta page written with NoFreelistSync: the
// freelist was not persisted, and Open must rebuild it by scanning every
// page reachable from the root bucket.
const pgidNoFreelist = ^pgid(0)

// DB represents an open, memory-mapped key/value file. A *DB is safe for
// concurrent use by multiple goroutines: any number of read transactions
// may run concurrently with each other and with at most one write
// transaction.
type DB struct {
	path     string
	file     *os.File
	opened   bool
	readOnly bool
	pageSize int
	filesz   int
	data     []byte
	opts     Options
	logger   Logger

	freelist  *freelist
	nodeCache *pageCache

	rwlock   sync.Mutex   // serializes write transactions
	metalock sync.Mutex   // serializes Stats against Close
	mmaplock sync.RWMutex // guards db.data; held by every open read tx

	rwtx *Tx

	txsLock sync.Mutex
	txs     []*Tx
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db := &DB{
		opts:     o,
		path:     path,
		pageSize: o.PageSize,
		logger:   o.Logger,
		readOnly: o.ReadOnly,
	}

	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, err
	}
	db.file = f

	if err := flockFile(db, !o.ReadOnly, o.Timeout); err != nil {
		_ = f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = db.close()
		return nil, err
	}
	db.filesz = int(fi.Size())

	if fi.Size() == 0 {
		if o.ReadOnly {
			_ = db.close()
			return nil, ErrInvalid
		}
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		buf := make([]byte, pageHeaderSize+metaSize)
		if _, err := f.ReadAt(buf, 0); err == nil {
			if p, perr := pageAt(buf); perr == nil && p.flags&metaPageFlag != 0 {
				if m := p.meta(); m.pageSize != 0 {
					db.pageSize = int(m.pageSize)
				}
			}
		}
	}

	minMmapSize := int(fi.Size())
	if minMmapSize < o.InitialMmapSize {
		minMmapSize = o.InitialMmapSize
	}
	if minMmapSize < db.pageSize*4 {
		minMmapSize = db.pageSize * 4
	}
	if err := db.mmap(minMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	if _, err0 := db.metaAt(0); err0 != nil {
		if _, err1 := db.metaAt(1); err1 != nil {
			_ = db.close()
			return nil, err0
		}
	}

	db.freelist = newFreelist()
	m := db.meta()
	if m.freelist != pgidNoFreelist {
		db.freelist.read(db.pageAt(m.freelist))
	} else {
		db.scanFreelist()
	}

	db.nodeCache = newPageCache(o.NodeCacheSize)
	db.opened = true
	db.logger.Info("database opened", "path", path, "pageSize", db.pageSize)
	return db, nil
}

// Close releases the file lock and unmaps the file. It takes the writer
// lock and the mmap lock exclusively, so it blocks until the open write
// transaction and every open read transaction have finished.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.logger.Info("database closing", "path", db.path)
	db.opened = false
	db.freelist = nil

	if db.data != nil {
		if err := munmapFile(db); err != nil {
			return err
		}
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlockFile(db)
		}
		if err := db.file.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a new transaction. Write transactions block until any other
// write transaction finishes. Callers must call Commit or Rollback.
func (db *DB) Begin(writable bool) (*Tx, error) {
	return db.begin(writable)
}

// Update runs fn inside a writable transaction, committing if fn returns
// nil and rolling back otherwise.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.begin(true)
	if err != nil {
		return err
	}
	tx.managed = true

	if err := fn(tx); err != nil {
		tx.managed = false
		_ = tx.Rollback()
		return err
	}

	tx.managed = false
	return tx.Commit()
}

// View runs fn inside a read-only transaction and rolls it back afterward;
// View never mutates the database.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.begin(false)
	if err != nil {
		return err
	}
	tx.managed = true

	if err := fn(tx); err != nil {
		tx.managed = false
		_ = tx.Rollback()
		return err
	}

	tx.managed = false
	return tx.Rollback()
}

func (db *DB) begin(writable bool) (*Tx, error) {
	if writable {
		db.rwlock.Lock()
		if !db.opened {
			db.rwlock.Unlock()
			return nil, ErrDatabaseClosed
		}
		if db.readOnly {
			db.rwlock.Unlock()
			return nil, ErrDatabaseReadOnly
		}

		tx := &Tx{writable: true, db: db, pages: newTxPageTree()}
		m := &meta{}
		db.meta().copyTo(m)
		m.txid++
		tx.meta = m
		tx.root = newBucket(tx)
		tx.root.bucket = bucket{root: m.root.root, sequence: m.root.sequence}

		db.rwtx = tx
		return tx, nil
	}

	db.mmaplock.RLock()
	if !db.opened {
		db.mmaplock.RUnlock()
		return nil, ErrDatabaseClosed
	}

	tx := &Tx{writable: false, db: db}
	m := &meta{}
	db.meta().copyTo(m)
	tx.meta = m
	tx.root = newBucket(tx)
	tx.root.bucket = bucket{root: m.root.root, sequence: m.root.sequence}

	db.txsLock.Lock()
	db.txs = append(db.txs, tx)
	db.txsLock.Unlock()

	return tx, nil
}

func (db *DB) removeReadTx(tx *Tx) {
	db.txsLock.Lock()
	for i, t := range db.txs {
		if t == tx {
			db.txs = append(db.txs[:i], db.txs[i+1:]...)
			break
		}
	}
	db.txsLock.Unlock()
	db.mmaplock.RUnlock()
}

// freePages merges into the freelist's free set every pending-free id from
// transactions older than both committedTxid and the oldest open read
// transaction. Ids freed by committedTxid itself stay pending.
func (db *DB) freePages(committedTxid txid) {
	minid := committedTxid
	db.txsLock.Lock()
	for _, t := range db.txs {
		if t.meta.txid < minid {
			minid = t.meta.txid
		}
	}
	db.txsLock.Unlock()

	if minid > 0 {
		db.freelist.release(minid - 1)
	}
}

// openReadTxIDs returns the txid of every currently open read transaction,
// in the form freelist.reload takes to keep ids a live reader might still
// need pending rather than handed back out.
func (db *DB) openReadTxIDs() []txid {
	db.txsLock.Lock()
	defer db.txsLock.Unlock()
	ids := make([]txid, len(db.txs))
	for i, t := range db.txs {
		ids[i] = t.meta.txid
	}
	return ids
}

// meta returns the currently active meta: whichever of the two meta pages
// validates and carries the higher txid.
func (db *DB) meta() *meta {
	m0, err0 := db.metaAt(0)
	m1, err1 := db.metaAt(1)

	if err0 == nil && (err1 != nil || m0.txid >= m1.txid) {
		return m0
	}
	if err1 == nil {
		return m1
	}
	panic("emberdb: no valid meta page")
}

func (db *DB) metaAt(id pgid) (*meta, error) {
	p := db.pageAt(id)
	if p.flags&metaPageFlag == 0 {
		return nil, ErrInvalid
	}
	m := p.meta()
	if err := m.validate(db.pageSize); err != nil {
		return nil, err
	}
	return m, nil
}

// pageAt returns the page at id, overlaid directly on the mmap'd file.
func (db *DB) pageAt(id pgid) *page {
	if p, ok := db.nodeCache.get(id); ok {
		return p
	}
	pos := uintptr(id) * uintptr(db.pageSize)
	p := (*page)(unsafe.Pointer(&db.data[pos]))
	db.nodeCache.put(id, p)
	return p
}

func (db *DB) mmapSize(size int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}
	if size > maxMapSize {
		return 0, ErrInvalid
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	pageSize := int64(db.pageSize)
	if sz%pageSize != 0 {
		sz = (sz/pageSize + 1) * pageSize
	}
	if sz > maxMapSize {
		sz = maxMapSize
	}
	return int(sz), nil
}

func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	size, err := db.mmapSize(minsz)
	if err != nil {
		return err
	}

	// A write transaction growing the high water mark mid-commit can land
	// here while its root bucket still holds nodes read straight out of
	// the mapping about to be replaced. Copy their keys and values out
	// first so nothing is left borrowing from memory that's about to be
	// unmapped.
	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	if db.data != nil {
		if err := munmapFile(db); err != nil {
			return err
		}
	}
	if err := mmapFile(db, size); err != nil {
		return err
	}

	db.nodeCache.purge()
	return nil
}

// grow extends the underlying file to at least sz bytes.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}
	if sz < db.pageSize*4 {
		sz = db.pageSize * 4
	}
	if err := db.file.Truncate(int64(sz)); err != nil {
		return err
	}
	if !db.opts.NoGrowSync && !db.readOnly {
		if err := db.file.Sync(); err != nil {
			return err
		}
	}
	db.filesz = sz
	return nil
}

// init formats a brand-new, empty file: two meta pages, an empty freelist
// page, and an empty leaf page for the (initially empty) root bucket.
func (db *DB) init() error {
	if db.pageSize == 0 {
		db.pageSize = PageSize
	}

	buf := make([]byte, db.pageSize*4)

	for i := 0; i < 2; i++ {
		p, _ := pageAt(buf[i*db.pageSize:])
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magicNumber
		m.version = formatVersion
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucket{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.write(p)
	}

	p, _ := pageAt(buf[2*db.pageSize:])
	p.id = 2
	p.flags = freelistPageFlag
	p.count = 0

	p, _ = pageAt(buf[3*db.pageSize:])
	p.id = 3
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := db.file.Sync(); err != nil {
		return err
	}
	db.filesz = len(buf)
	return nil
}

// scanFreelist rebuilds the freelist by walking every page reachable from
// the root bucket, used on open when the prior session ran with
// NoFreelistSync and so never persisted it.
func (db *DB) scanFreelist() {
	used := map[pgid]bool{0: true, 1: true}
	m := db.meta()
	db.markUsed(m.root.root, used)
	if m.freelist != pgidNoFreelist && m.freelist != 0 {
		used[m.freelist] = true
	}

	var ids pgids
	for id := pgid(2); id < m.pgid; id++ {
		if !used[id] {
			ids = append(ids, id)
		}
	}
	sortPgids(ids)
	db.freelist.ids = ids
	db.freelist.reindex()
}

func (db *DB) markUsed(id pgid, used map[pgid]bool) {
	if id == 0 || used[id] {
		return
	}
	p := db.pageAt(id)
	for i := pgid(0); i <= pgid(p.overflow); i++ {
		used[id+i] = true
	}

	switch {
	case p.flags&branchPageFlag != 0:
		for _, elem := range p.branchPageElements() {
			db.markUsed(elem.pgid, used)
		}
	case p.flags&leafPageFlag != 0:
		for _, elem := range p.leafPageElements() {
			if elem.flags&bucketLeafFlag == 0 {
				continue
			}
			v, _ := elem.value()
			if len(v) < bucketHeaderSize {
				continue
			}
			hdr := (*bucket)(unsafe.Pointer(&v[0]))
			if hdr.root != 0 {
				db.markUsed(hdr.root, used)
			}
		}
	}
}

// Stats returns a point-in-time snapshot of the database's freelist
// utilization and open read transaction count.
func (db *DB) Stats() Stats {
	var s Stats

	db.metalock.Lock()
	if db.freelist != nil {
		s.FreePageN = len(db.freelist.ids)
		s.PendingPageN = db.freelist.pendingCount()
		s.FreeAlloc = (s.FreePageN + s.PendingPageN) * db.pageSize
		s.FreelistInuse = db.freelist.size()
	}
	db.metalock.Unlock()

	db.txsLock.Lock()
	s.OpenTxN = len(db.txs)
	db.txsLock.Unlock()

	return s
}

// Stats summarizes a database's current resource usage.
type Stats struct {
	FreePageN     int // free pages available for reuse
	PendingPageN  int // pages freed by a committed tx but not yet reusable
	FreeAlloc     int // bytes of free and pending pages
	FreelistInuse int // bytes used by the on-disk freelist page(s)
	OpenTxN       int // number of currently open read transactions
}
