package emberdb

import (
	"bytes"
	"fmt"
	"sort"
)

// cursorMode selects which entries Next/Prev/First/Last/Seek surface.
// cursorAll is used internally by Bucket/Tx methods that need to see every
// entry including bucket headers; the two exported cursor constructors
// restrict a Cursor to one kind or the other.
type cursorMode int

const (
	cursorAll cursorMode = iota
	cursorPlainOnly
	cursorBucketsOnly
)

// elemRef is one stack frame of a Cursor: the page or node currently being
// walked, and the index of the element last visited within it. Exactly one
// of page/node is set.
type elemRef struct {
	page  *page
	node  *node
	index int
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return r.page.flags&leafPageFlag != 0
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}

// Cursor walks a bucket's B+tree in key order. The zero value is not
// usable; obtain one from Bucket.Cursor or Bucket.BucketsCursor. A Cursor
// is only valid for the lifetime of the transaction that created its
// bucket.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
	mode   cursorMode
}

// Bucket returns the bucket this cursor was created from.
func (c *Cursor) Bucket() *Bucket {
	return c.bucket
}

func (c *Cursor) matches(flags uint32) bool {
	switch c.mode {
	case cursorPlainOnly:
		return flags&bucketLeafFlag == 0
	case cursorBucketsOnly:
		return flags&bucketLeafFlag != 0
	default:
		return true
	}
}

func (c *Cursor) result(key, value []byte, flags uint32) ([]byte, []byte) {
	if key == nil {
		return nil, nil
	}
	if c.mode == cursorBucketsOnly {
		return key, nil
	}
	return key, value
}

// First moves the cursor to the first matching key in the bucket.
func (c *Cursor) First() (key, value []byte) {
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.goToFirstElementOnStack()

	k, v, flags := c.keyValue()
	if k == nil {
		return nil, nil
	}
	if !c.matches(flags) {
		return c.Next()
	}
	return c.result(k, v, flags)
}

// Last moves the cursor to the last matching key in the bucket.
func (c *Cursor) Last() (key, value []byte) {
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.goToLastElementOnStack()

	k, v, flags := c.keyValue()
	if k == nil {
		return nil, nil
	}
	if !c.matches(flags) {
		return c.Prev()
	}
	return c.result(k, v, flags)
}

// Seek moves the cursor to the first key >= seek and returns it, even if it
// is not an exact match. Returns nil, nil once seek is past every key.
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)
	if k == nil {
		return nil, nil
	}
	if !c.matches(flags) {
		return c.Next()
	}
	return c.result(k, v, flags)
}

// Next advances the cursor and returns the next matching key, or nil, nil
// at the end.
func (c *Cursor) Next() (key, value []byte) {
	k, v, flags := c.next()
	for k != nil && !c.matches(flags) {
		k, v, flags = c.next()
	}
	return c.result(k, v, flags)
}

// Prev moves the cursor back and returns the previous matching key, or
// nil, nil at the start.
func (c *Cursor) Prev() (key, value []byte) {
	k, v, flags := c.prev()
	for k != nil && !c.matches(flags) {
		k, v, flags = c.prev()
	}
	return c.result(k, v, flags)
}

// Delete removes the key/value the cursor currently sits on. Returns
// ErrIncompatibleValue if the current entry is a sub-bucket header; use
// Bucket.DeleteBucket for that.
func (c *Cursor) Delete() error {
	if !c.bucket.tx.writable {
		return ErrTxReadOnly
	}
	key, _, flags := c.keyValue()
	if key == nil {
		return ErrKeyRequired
	}
	if flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

// keyValue reads the element at the top of the stack without moving it.
func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}
	if ref.node != nil {
		item := &ref.node.inodes[ref.index]
		return item.key, item.value, item.flags
	}
	elem := ref.page.leafPageElement(uint16(ref.index))
	k, _ := elem.key()
	v, _ := elem.value()
	return k, v, elem.flags
}

func (c *Cursor) goToFirstElementOnStack() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}
		if ref.count() == 0 {
			return
		}
		var child pgid
		if ref.node != nil {
			child = ref.node.inodes[0].pgid
		} else {
			child = ref.page.branchPageElement(0).pgid
		}
		p, n := c.bucket.pageNode(child)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

func (c *Cursor) goToLastElementOnStack() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}
		idx := ref.index
		var child pgid
		if ref.node != nil {
			child = ref.node.inodes[idx].pgid
		} else {
			child = ref.page.branchPageElement(uint16(idx)).pgid
		}
		p, n := c.bucket.pageNode(child)
		next := elemRef{page: p, node: n}
		next.index = next.count() - 1
		c.stack = append(c.stack, next)
	}
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}
		if i == -1 {
			return nil, nil, 0
		}
		c.stack = c.stack[:i+1]
		c.goToFirstElementOnStack()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}
		return c.keyValue()
	}
}

func (c *Cursor) prev() (key, value []byte, flags uint32) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			c.stack = c.stack[:i+1]
			c.goToLastElementOnStack()
			return c.keyValue()
		}
	}
	return nil, nil, 0
}

// seek positions the stack at the first key >= key and returns whatever it
// found there (which may be past the end, signaled by a nil key).
func (c *Cursor) seek(key []byte) (k, v []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(key, c.bucket.root)

	ref := &c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		return c.next()
	}
	return c.keyValue()
}

func (c *Cursor) search(key []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.nsearch(key)
		return
	}

	if n != nil {
		c.searchNode(key, n)
	} else {
		c.searchPage(key, p)
	}
}

func (c *Cursor) searchNode(key []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		v := bytes.Compare(n.inodes[i].key, key)
		if v == 0 {
			exact = true
		}
		return v != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(key []byte, p *page) {
	elems := p.branchPageElements()
	var exact bool
	index := sort.Search(len(elems), func(i int) bool {
		k, _ := elems[i].key()
		v := bytes.Compare(k, key)
		if v == 0 {
			exact = true
		}
		return v != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, elems[index].pgid)
}

func (c *Cursor) nsearch(key []byte) {
	ref := &c.stack[len(c.stack)-1]
	if ref.node != nil {
		index := sort.Search(len(ref.node.inodes), func(i int) bool {
			return bytes.Compare(ref.node.inodes[i].key, key) != -1
		})
		ref.index = index
		return
	}
	elems := ref.page.leafPageElements()
	index := sort.Search(len(elems), func(i int) bool {
		k, _ := elems[i].key()
		return bytes.Compare(k, key) != -1
	})
	ref.index = index
}

// node returns a writable *node for the leaf the cursor currently sits on,
// materializing every ancestor on the path from the root if necessary.
func (c *Cursor) node() *node {
	if len(c.stack) == 0 {
		panic("emberdb: cursor stack is empty")
	}

	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		if n.isLeaf {
			panic(fmt.Sprintf("emberdb: expected branch node, got leaf at pgid %d", n.pgid))
		}
		n = n.childAt(ref.index)
	}
	if !n.isLeaf {
		panic("emberdb: expected leaf node")
	}
	return n
}
