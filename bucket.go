package emberdb

import (
	"bytes"
	"errors"
	"fmt"
	"unsafe"
)

// MaxKeySize is the largest key Put will accept.
const MaxKeySize = 32768

// MaxValueSize is the largest value Put will accept.
const MaxValueSize = (1 << 31) - 2

// Bucket is a named B+tree. A Bucket may itself hold named sub-buckets,
// nested to any depth; a sub-bucket's header (and, when small enough, its
// whole tree) lives inline in the parent's leaf value under the same key.
//
// A *Bucket is only valid for the lifetime of the transaction that
// returned it and must not be used from another goroutine.
type Bucket struct {
	bucket
	tx          *Tx
	buckets     map[string]*Bucket // cache of sub-buckets already opened
	page        *page              // set when this bucket's tree is inline
	rootNode    *node              // materialized root, set once written to
	nodes       map[pgid]*node     // cache of materialized nodes by source pgid
	FillPercent float64
}

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the transaction that owns this bucket.
func (b *Bucket) Tx() *Tx { return b.tx }

// Root returns the page id of the bucket's root page, or 0 if the tree is
// inline.
func (b *Bucket) Root() pgid { return b.root }

// Writable reports whether this bucket was opened for a writable
// transaction.
func (b *Bucket) Writable() bool { return b.tx.writable }

// Cursor returns a cursor over this bucket's plain key/value entries,
// skipping any sub-bucket headers.
func (b *Bucket) Cursor() *Cursor {
	return &Cursor{bucket: b, mode: cursorPlainOnly}
}

// BucketsCursor returns a cursor over this bucket's direct sub-bucket
// names. Next/Prev/First/Last/Seek return (name, nil); use Bucket(name) to
// open the child.
func (b *Bucket) BucketsCursor() *Cursor {
	return &Cursor{bucket: b, mode: cursorBucketsOnly}
}

// Bucket retrieves the nested bucket with the given name, or nil if it
// does not exist or the name holds a plain value.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := Cursor{bucket: b, mode: cursorAll}
	k, v, flags := c.seek(name)
	if !bytes.Equal(name, k) || flags&bucketLeafFlag == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// openBucket decodes a bucket header (and, for an inline bucket, the
// trailing page) out of value, which is a leaf value carrying
// bucketLeafFlag.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	child.bucket = *(*bucket)(unsafe.Pointer(&value[0]))
	if child.root == 0 {
		child.page = (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	}
	return &child
}

// Get returns the value for key, or nil if it does not exist or names a
// sub-bucket.
func (b *Bucket) Get(key []byte) []byte {
	c := Cursor{bucket: b, mode: cursorAll}
	k, v, flags := c.seek(key)
	if k == nil || !bytes.Equal(k, key) || flags&bucketLeafFlag != 0 {
		return nil
	}
	return v
}

// Put inserts or replaces key's value. If overwrite is false and key
// already exists, Put leaves the store unchanged and returns (false, nil).
// Returns ErrIncompatibleValue if key already names a sub-bucket.
func (b *Bucket) Put(key, value []byte, overwrite bool) (bool, error) {
	if !b.tx.writable {
		return false, ErrTxReadOnly
	}
	if len(key) == 0 {
		return false, ErrKeyRequired
	}
	if len(key) > MaxKeySize {
		return false, ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return false, ErrValueTooLarge
	}

	c := Cursor{bucket: b, mode: cursorAll}
	k, _, flags := c.seek(key)

	exists := bytes.Equal(key, k)
	if exists && flags&bucketLeafFlag != 0 {
		return false, ErrIncompatibleValue
	}
	if exists && !overwrite {
		return false, nil
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)
	return true, nil
}

// Delete removes key. It is a no-op if key does not exist. Returns
// ErrIncompatibleValue if key names a sub-bucket; use DeleteBucket for
// that.
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}

	c := Cursor{bucket: b, mode: cursorAll}
	k, _, flags := c.seek(key)
	if !bytes.Equal(k, key) {
		return nil
	}
	if flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

// CreateBucket creates and returns a new sub-bucket. Returns
// ErrBucketNameRequired, ErrBucketExists, or ErrIncompatibleValue (the name
// already holds a plain value).
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if !b.tx.writable {
		return nil, ErrTxReadOnly
	}
	if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := Cursor{bucket: b, mode: cursorAll}
	k, _, flags := c.seek(name)

	if bytes.Equal(name, k) {
		if flags&bucketLeafFlag != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	value := make([]byte, bucketHeaderSize+pageHeaderSize)
	p := (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	p.flags = leafPageFlag

	key := cloneBytes(name)
	c.node().put(key, key, value, 0, bucketLeafFlag)

	return b.Bucket(name), nil
}

// CreateBucketIfNotExists is CreateBucket, returning the existing
// sub-bucket instead of ErrBucketExists.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if errors.Is(err, ErrBucketExists) {
		return b.Bucket(name), nil
	}
	return child, err
}

// DeleteBucket deletes the sub-bucket with the given name and everything
// inside it, recursively.
func (b *Bucket) DeleteBucket(name []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}

	c := Cursor{bucket: b, mode: cursorAll}
	k, _, flags := c.seek(name)
	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	}
	if flags&bucketLeafFlag == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(name)
	if err := child.ForEachBucket(func(childName []byte, _ *Bucket) error {
		return child.DeleteBucket(childName)
	}); err != nil {
		return err
	}

	delete(b.buckets, string(name))
	child.nodes = make(map[pgid]*node)
	child.rootNode = nil
	child.free()

	c2 := Cursor{bucket: b, mode: cursorAll}
	c2.seek(name)
	c2.node().del(name)
	return nil
}

// ForEach calls fn for every plain key/value pair in the bucket, in key
// order. Returning an error from fn stops iteration and ForEach returns it.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket calls fn for every direct sub-bucket, in name order.
func (b *Bucket) ForEachBucket(fn func(name []byte, child *Bucket) error) error {
	c := b.BucketsCursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := fn(k, b.Bucket(k)); err != nil {
			return err
		}
	}
	return nil
}

// Sequence returns the current value of the bucket's sequence counter.
func (b *Bucket) Sequence() uint64 { return b.sequence }

// SetSequence sets the bucket's sequence counter.
func (b *Bucket) SetSequence(v uint64) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}
	b.sequence = v
	return nil
}

// NextSequence increments and returns the bucket's sequence counter, a
// convenience for generating auto-incrementing keys.
func (b *Bucket) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, ErrTxReadOnly
	}
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}
	b.sequence++
	return b.sequence, nil
}

// node returns the materialized node for id, loading it from the owning
// bucket's cache, from its inline page, or from the transaction's page
// view, and linking it to parent.
func (b *Bucket) node(id pgid, parent *node) *node {
	if n, ok := b.nodes[id]; ok {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	p := b.page
	if p == nil {
		p = b.tx.page(id)
	}
	n.read(p)

	b.nodes[id] = n
	return n
}

// pageNode returns either the raw page or the cached node for id, without
// materializing a new node. Used by Cursor, which only needs read access.
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	if b.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("emberdb: non-zero page access on inline bucket: %d", id))
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n, ok := b.nodes[id]; ok {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// forEachPageNode walks every page or node reachable from this bucket's
// root, branches before their children, calling fn with the page's depth.
func (b *Bucket) forEachPageNode(fn func(p *page, n *node, depth int)) {
	if b.root == 0 && b.rootNode == nil && b.page == nil {
		return
	}
	b.forEachPageNodeAt(b.root, 0, fn)
}

func (b *Bucket) forEachPageNodeAt(id pgid, depth int, fn func(*page, *node, int)) {
	p, n := b.pageNode(id)
	fn(p, n, depth)

	if p != nil {
		if p.flags&branchPageFlag != 0 {
			for _, elem := range p.branchPageElements() {
				b.forEachPageNodeAt(elem.pgid, depth+1, fn)
			}
		}
		return
	}

	if !n.isLeaf {
		for _, item := range n.inodes {
			b.forEachPageNodeAt(item.pgid, depth+1, fn)
		}
	}
}

// free returns every page in this bucket's tree to the transaction's
// freelist. Called when a bucket is deleted or converted to inline form.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	tx := b.tx
	b.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			tx.freePageByID(p.id, p.overflow)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// inlineable reports whether this bucket's tree is small enough, and
// free of nested sub-buckets, to store directly in the parent's leaf
// value instead of as a separate page chain.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := pageHeaderSize
	for _, item := range n.inodes {
		size += leafPageElementSize + len(item.key) + len(item.value)
		if item.flags&bucketLeafFlag != 0 {
			return false
		}
		if size > b.maxInlineSize() {
			return false
		}
	}
	return true
}

func (b *Bucket) maxInlineSize() int {
	return b.tx.db.pageSize / 4
}

// write serializes an inline bucket's header and single leaf page into one
// contiguous value, suitable for storing as a parent leaf's value.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())

	hdr := (*bucket)(unsafe.Pointer(&value[0]))
	*hdr = b.bucket

	p := (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	n.write(p, len(value)-bucketHeaderSize)

	return value
}

// spill writes every dirty node reachable from this bucket to newly
// allocated pages, recursing into sub-buckets first so their headers are
// up to date before this bucket's own tree is spilled.
func (b *Bucket) spill() error {
	keys := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		keys = append(keys, name)
	}

	for _, name := range keys {
		child := b.buckets[name]

		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			hdr := (*bucket)(unsafe.Pointer(&value[0]))
			*hdr = child.bucket
		}

		if child.rootNode == nil {
			continue
		}

		c := Cursor{bucket: b, mode: cursorAll}
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("emberdb: misplaced bucket header during spill: %q", name))
		}
		if flags&bucketLeafFlag == 0 {
			panic(fmt.Sprintf("emberdb: unexpected bucket header flag during spill: %q", name))
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
		panic("emberdb: root pgid above high water mark after spill")
	}
	b.root = b.rootNode.pgid

	return nil
}

// rebalance asks every node materialized during this transaction to merge
// or collapse if it has fallen under the fill threshold.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance(b.tx.db.pageSize)
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// dereference detaches this bucket's materialized root node (and every
// sub-bucket's) from whatever memory it currently borrows keys and values
// from. Called on the write transaction's root bucket just before the
// database remaps its mmap, so that nodes already read from the old
// mapping don't end up holding dangling slices into unmapped memory.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}
	for _, child := range b.buckets {
		child.dereference()
	}
}
