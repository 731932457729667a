package emberdb

import (
	"bytes"
	"sort"
	"unsafe"
)

// minKeysPerPage is the minimum number of elements any non-root branch or
// leaf page must carry.
const minKeysPerPage = 2

// DefaultFillPercent is the FillPercent every new Bucket starts with.
const DefaultFillPercent = 0.5

// MinFillPercent and MaxFillPercent bound Bucket.FillPercent.
const (
	MinFillPercent = 0.1
	MaxFillPercent = 1.0
)

// inode is one entry of a node: a key/value pair for a leaf node, or a
// key/child-pgid pair for a branch node. flags carries bucketLeafFlag when
// value holds a (possibly inline) bucket header rather than a plain value.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

// node is the in-memory, mutable shadow of a page used during a write
// transaction. It exists only for the lifetime of one write tx; the owning
// bucket holds the only strong reference to it, keyed by source page id (or
// a synthetic id for nodes that have never been written).
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte // leftmost key, used to locate this node from its parent
	pgid       pgid   // source page id; 0 if never written to disk
	parent     *node
	children   []*node
	inodes     []inode
}

// root walks up the parent chain to the top-most node of this subtree.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the minimum number of inodes this node must carry to
// satisfy the invariant; branch nodes need at least 2 children.
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the number of bytes needed to serialize this node into a
// page.
func (n *node) size() int {
	sz := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elemSize + len(item.key) + len(item.value)
	}
	return sz
}

// sizeLessThan reports whether the serialized size stays under v, bailing
// out as soon as it knows the answer instead of always summing every inode.
func (n *node) sizeLessThan(v int) bool {
	sz := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elemSize + len(item.key) + len(item.value)
		if sz >= v {
			return false
		}
	}
	return true
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

// childAt returns the child node at the given branch index, loading and
// caching it via the owning bucket if necessary.
func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic("emberdb: invalid childAt call on a leaf node")
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

// childIndex returns the index of child within n's inodes, by key.
func (n *node) childIndex(child *node) int {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
	return index
}

// numChildren returns the number of children/inodes this node has.
func (n *node) numChildren() int {
	return len(n.inodes)
}

// nextSibling returns this node's next sibling, or nil.
func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

// prevSibling returns this node's previous sibling, or nil.
func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or replaces the inode for oldKey (binary search by oldKey),
// storing it under newKey (newKey == oldKey except when a child's min key
// moves). Marks the node unbalanced when an insert shifted positions.
func (n *node) put(oldKey, newKey, value []byte, pgid pgid, flags uint32) {
	if pgid >= n.bucket.tx.meta.pgid {
		panic("emberdb: put: pgid out of range")
	}
	if len(oldKey) <= 0 {
		panic("emberdb: put: zero-length old key")
	}
	if len(newKey) <= 0 {
		panic("emberdb: put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
		n.unbalanced = true
	}

	item := &n.inodes[index]
	item.flags = flags
	item.key = cloneBytes(newKey)
	item.value = cloneBytes(value)
	item.pgid = pgid
}

// del removes the inode for key, marking the node unbalanced.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read populates inodes by pointing key/value slices directly into p's
// backing bytes: a read-only borrow valid for the life of the owning tx.
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = (p.flags & leafPageFlag) != 0
	n.inodes = make([]inode, int(p.count))

	if n.isLeaf {
		for i, elem := range p.leafPageElements() {
			key, _ := elem.key()
			value, _ := elem.value()
			n.inodes[i] = inode{flags: elem.flags, key: key, value: value}
		}
	} else {
		for i, elem := range p.branchPageElements() {
			key, _ := elem.key()
			n.inodes[i] = inode{pgid: elem.pgid, key: key}
		}
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes n into page p, whose backing buffer is bufLen bytes
// long (PageSize * (1 + overflow)). The caller is responsible for
// allocating a buffer large enough per size().
func (n *node) write(p *page, bufLen int) {
	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}
	if len(n.inodes) >= 0xFFFF {
		panic("emberdb: node has too many inodes to address with uint16 count")
	}
	p.count = uint16(len(n.inodes))
	if len(n.inodes) == 0 {
		return
	}

	payloadLen := bufLen - pageHeaderSize
	payload := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p))+uintptr(pageHeaderSize))), payloadLen)
	b := payload[n.pageElementSize()*len(n.inodes):]

	for i, item := range n.inodes {
		klen, vlen := len(item.key), len(item.value)
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.flags = item.flags
			elem.ksize = uint32(klen)
			elem.vsize = uint32(vlen)
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.ksize = uint32(klen)
			elem.pgid = item.pgid
		}
		written := copy(b, item.key)
		written += copy(b[written:], item.value)
		b = b[klen+vlen:]
	}
}

// split divides n into a chain of sibling nodes when its serialized size
// exceeds pageSize and it has more than 2*minKeysPerPage inodes, splitting
// at the highest index whose prefix size stays within
// pageSize*FillPercent. Returns the resulting nodes (n first).
func (n *node) split(pageSize int) []*node {
	var nodes []*node

	node := n
	for {
		a, b := node.splitTwo(pageSize)
		nodes = append(nodes, a)
		if b == nil {
			break
		}
		node = b
	}
	return nodes
}

// splitTwo splits node into at most two nodes if it is oversized.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) <= minKeysPerPage*2 || n.sizeLessThan(pageSize) {
		return n, nil
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < MinFillPercent {
		fillPercent = MinFillPercent
	} else if fillPercent > MaxFillPercent {
		fillPercent = MaxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	splitIndex, _ := n.splitIndex(threshold)

	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, isLeaf: false, children: []*node{n}}
	}

	next := &node{
		bucket: n.bucket,
		isLeaf: n.isLeaf,
		parent: n.parent,
	}
	next.inodes = n.inodes[splitIndex:]
	next.key = next.inodes[0].key
	n.inodes = n.inodes[:splitIndex]

	n.parent.children = append(n.parent.children, next)
	return n, next
}

// splitIndex returns the index at which to split so that the prefix's
// serialized size stays at or below threshold, honoring minKeysPerPage on
// both sides.
func (n *node) splitIndex(threshold int) (index, sz int) {
	sz = pageHeaderSize
	elemSize := n.pageElementSize()

	for i := 0; i < len(n.inodes)-minKeysPerPage; i++ {
		index = i
		item := &n.inodes[i]
		elsz := elemSize + len(item.key) + len(item.value)

		if i >= minKeysPerPage && sz+elsz > threshold {
			break
		}
		sz += elsz
	}
	return
}

// rebalance merges or collapses n if it is marked unbalanced and falls
// below the fill threshold (<25% of a page, or fewer than minKeysPerPage
// entries). Merges always target the left sibling to keep the split key
// monotone; if there is no left sibling it merges into the right.
func (n *node) rebalance(pageSize int) {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	threshold := pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		// Root collapse: if a root branch has exactly one child, that
		// child becomes the new root.
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children
			for _, inode := range n.inodes {
				if c, ok := n.bucket.nodes[inode.pgid]; ok {
					c.parent = n
				}
			}
			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		// An empty node is dropped from its parent outright.
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance(pageSize)
		return
	}

	if n.parent.numChildren() == 1 {
		// n is the only child of its parent: lift n's inodes up to fill
		// the parent directly.
		n.parent.isLeaf = n.isLeaf
		n.parent.inodes = n.inodes
		n.parent.children = n.children
		for _, inode := range n.parent.inodes {
			if c, ok := n.bucket.nodes[inode.pgid]; ok {
				c.parent = n.parent
			}
		}
		n.free()
		delete(n.bucket.nodes, n.pgid)
		n.parent.rebalance(pageSize)
		return
	}

	useNextSibling := n.parent.childIndex(n) == 0

	var target *node
	if useNextSibling {
		target = n.nextSibling()
		target.inodes = append(n.inodes, target.inodes...)
		n.moveChildrenTo(target)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	} else {
		target = n.prevSibling()
		target.inodes = append(target.inodes, n.inodes...)
		n.moveChildrenTo(target)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	n.parent.rebalance(pageSize)
}

// moveChildrenTo reparents n's branch children to target (used when n is
// being merged away).
func (n *node) moveChildrenTo(target *node) {
	if n.isLeaf {
		return
	}
	for _, item := range n.inodes {
		if c, ok := n.bucket.nodes[item.pgid]; ok {
			c.parent = target
		}
	}
}

// removeChild drops child from n's in-memory children slice (inodes are
// removed separately via del).
func (n *node) removeChild(child *node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// free releases n's source page (if any) back to the freelist. Called
// once a node has been merged away or replaced by its sole child.
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.freePage(n.pgid, n)
	}
}

// dereference copies n's key and every inode's key/value out of whatever
// backing memory they currently borrow into n's own heap buffers, then
// recurses into any materialized children. Called before the database
// remaps its mmap mid-transaction, since a remap invalidates any slice
// read() took directly from the old mapping.
func (n *node) dereference() {
	if n.key != nil {
		n.key = cloneBytes(n.key)
	}
	for i := range n.inodes {
		item := &n.inodes[i]
		item.key = cloneBytes(item.key)
		item.value = cloneBytes(item.value)
	}
	for _, child := range n.children {
		child.dereference()
	}
}

// nodesByKey sorts nodes by their leftmost key, giving spill() a
// deterministic write order.
type nodesByKey []*node

func (s nodesByKey) Len() int           { return len(s) }
func (s nodesByKey) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s nodesByKey) Less(i, j int) bool { return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1 }

// spill is the commit-time write-amplification step: depth-first
// post-order over children, splitting each oversize node, allocating pages
// for the split pieces, writing the serialized bytes into the owning tx's
// dirty-page set, and linking each split sibling into its parent. The
// whole modified root-to-leaf path is rewritten, giving copy-on-write
// semantics.
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	sort.Sort(nodesByKey(n.children))
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	if len(n.inodes) == 0 && n.parent != nil {
		return nil
	}

	pageSize := tx.db.pageSize
	nodes := n.split(pageSize)
	for _, piece := range nodes {
		if piece.pgid > 0 {
			tx.freePage(piece.pgid, piece)
			piece.pgid = 0
		}

		pageCount := (piece.size() + pageSize - 1) / pageSize
		if pageCount < 1 {
			pageCount = 1
		}
		p, err := tx.allocatePage(pageCount)
		if err != nil {
			return err
		}

		if p.id >= tx.meta.pgid {
			panic("emberdb: spill: pgid above high water mark")
		}
		piece.pgid = p.id
		piece.write(p, pageCount*pageSize)
		piece.spilled = true

		if piece.parent != nil {
			key := piece.key
			if key == nil {
				key = piece.inodes[0].key
			}
			piece.parent.put(key, piece.inodes[0].key, nil, piece.pgid, 0)
			piece.key = piece.inodes[0].key
		}

		tx.stats.Spill++
	}

	if n.parent != nil && n.parent.pgid == 0 {
		return n.parent.spill()
	}

	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
