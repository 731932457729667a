package emberdb

import (
	"fmt"
	"sort"
	"unsafe"
)

// PageSize is the default page size used when creating a new file. It must
// be a power of two; callers may override it at create time with
// WithPageSize.
const PageSize = 4096

// pgid is the 64-bit index of a page within the file.
type pgid uint64

// txid is the monotonically increasing id of a committed write transaction.
type txid uint64

// Page flags. Exactly one is set per page; they are bit-disjoint so a
// corrupted page with more than one set is detectable.
const (
	branchPageFlag   uint16 = 0x01
	leafPageFlag     uint16 = 0x02
	metaPageFlag     uint16 = 0x04
	freelistPageFlag uint16 = 0x10
)

// bucketLeafFlag marks a leaf element whose value is a bucket header
// (inline or external) rather than a plain user value.
const bucketLeafFlag uint32 = 0x01

// page is the fixed-size header at the front of every on-disk page. The
// payload (element array + key/value bytes, or meta fields, or freelist
// ids) immediately follows it in the same backing array.
type page struct {
	id       pgid
	flags    uint16
	count    uint16
	overflow uint32
}

const pageHeaderSize = int(unsafe.Sizeof(page{}))

func (p *page) typ() string {
	switch {
	case p.flags&branchPageFlag != 0:
		return "branch"
	case p.flags&leafPageFlag != 0:
		return "leaf"
	case p.flags&metaPageFlag != 0:
		return "meta"
	case p.flags&freelistPageFlag != 0:
		return "freelist"
	default:
		return fmt.Sprintf("unknown<%#x>", p.flags)
	}
}

// pageAt casts a byte buffer to a *page, bounds-checked so callers never
// read a header off the end of a short buffer.
func pageAt(buf []byte) (*page, error) {
	if len(buf) < pageHeaderSize {
		return nil, ErrCorrupted
	}
	return (*page)(unsafe.Pointer(&buf[0])), nil
}

// meta returns the *meta overlay for a meta page's payload.
func (p *page) meta() *meta {
	return (*meta)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize)))
}

// leafPageElement is the fixed-size record describing one key/value (or
// key/bucket-header) pair on a leaf page. pos is the byte offset of the
// key from this element's own address, letting the whole element array be
// relocated by memcpy without rewriting offsets.
type leafPageElement struct {
	flags uint32
	pos   uint32
	ksize uint32
	vsize uint32
}

const leafPageElementSize = int(unsafe.Sizeof(leafPageElement{}))

// branchPageElement is the fixed-size record describing one routing key
// and child page id on a branch page. The key is the minimum key reachable
// through pgid.
type branchPageElement struct {
	pos   uint32
	ksize uint32
	pgid  pgid
}

const branchPageElementSize = int(unsafe.Sizeof(branchPageElement{}))

// leafPageElement returns the i'th leaf element. index is not checked
// against the page's declared count.
func (p *page) leafPageElement(index uint16) *leafPageElement {
	return (*leafPageElement)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize) + uintptr(index)*uintptr(leafPageElementSize)))
}

// leafPageElements returns a slice view over all of the page's leaf
// elements.
func (p *page) leafPageElements() []leafPageElement {
	if p.count == 0 {
		return nil
	}
	base := unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize))
	return unsafe.Slice((*leafPageElement)(base), int(p.count))
}

// branchPageElement returns the i'th branch element.
func (p *page) branchPageElement(index uint16) *branchPageElement {
	return (*branchPageElement)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize) + uintptr(index)*uintptr(branchPageElementSize)))
}

// branchPageElements returns a slice view over all of the page's branch
// elements.
func (p *page) branchPageElements() []branchPageElement {
	if p.count == 0 {
		return nil
	}
	base := unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize))
	return unsafe.Slice((*branchPageElement)(base), int(p.count))
}

// key returns the key bytes for a leaf element, as a slice that borrows
// directly from the page's backing array.
func (e *leafPageElement) key() ([]byte, error) {
	buf, err := elementBytes(unsafe.Pointer(e), e.pos, e.ksize)
	return buf, err
}

// value returns the value bytes for a leaf element.
func (e *leafPageElement) value() ([]byte, error) {
	return elementBytes(unsafe.Pointer(e), e.pos+e.ksize, e.vsize)
}

// key returns the key bytes for a branch element.
func (e *branchPageElement) key() ([]byte, error) {
	return elementBytes(unsafe.Pointer(e), e.pos, e.ksize)
}

// elementBytes returns a []byte of length size starting at offset bytes
// past elemAddr, the address of the element record itself. Offsets are
// always relative to the element, never to the page, per the write
// ordering rule: element array first, variable payload after.
func elementBytes(elemAddr unsafe.Pointer, offset, size uint32) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	ptr := unsafe.Add(elemAddr, uintptr(offset))
	return unsafe.Slice((*byte)(ptr), int(size)), nil
}

// freelistPageIDs decodes a freelist page's payload. When the true count
// overflows uint16 (count == 0xFFFF in the header), the first 8-byte slot
// of the payload holds the real count.
func (p *page) freelistPageIDs() []pgid {
	if p.count == 0 {
		return nil
	}
	base := unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize))
	idx := 0
	n := int(p.count)
	if p.count == 0xFFFF {
		n = int(*(*pgid)(base))
		idx = 1
	}
	ids := unsafe.Slice((*pgid)(base), idx+n)
	return ids[idx:]
}

// writeFreelistPageIDs encodes a sorted list of page ids into the payload
// of one or more contiguous freelist pages, spilling into overflow when the
// count doesn't fit a uint16.
func writeFreelistPageIDs(p *page, ids []pgid) {
	if len(ids) == 0 {
		p.count = 0
		return
	}
	base := unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(pageHeaderSize))
	if len(ids) < 0xFFFF {
		p.count = uint16(len(ids))
		dst := unsafe.Slice((*pgid)(base), len(ids))
		copy(dst, ids)
		return
	}
	p.count = 0xFFFF
	dst := unsafe.Slice((*pgid)(base), len(ids)+1)
	dst[0] = pgid(len(ids))
	copy(dst[1:], ids)
}

// sortPgids sorts a slice of pgid in ascending order.
func sortPgids(ids []pgid) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// bucket is the 16-byte on-disk header describing a (possibly nested)
// bucket's B+tree root and NextSequence counter. When root == 0 the
// bucket's tree is inlined: its single leaf page follows this header in
// the same parent leaf value.
type bucket struct {
	root     pgid
	sequence uint64
}

const bucketHeaderSize = int(unsafe.Sizeof(bucket{}))

// meta is the fixed-size record stored at the start of the payload of
// pages 0 and 1. The *current* meta is whichever of the two validates its
// checksum and carries the higher txid.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucket
	freelist pgid
	pgid     pgid // one past the highest page id ever allocated
	txid     txid
	checksum uint64
}

const metaSize = int(unsafe.Sizeof(meta{}))

// magicNumber identifies the file format.
const magicNumber uint32 = 0xED0CDAED

// formatVersion is the on-disk format version.
const formatVersion uint32 = 2

// checksumFields returns the byte range of m that the checksum covers: the
// whole struct except the trailing checksum field itself.
func (m *meta) checksumFields() []byte {
	ptr := unsafe.Pointer(m)
	return unsafe.Slice((*byte)(ptr), metaSize-8)
}

// sum64 computes the meta checksum with a fast 64-bit xxhash.
func (m *meta) sum64() uint64 {
	return xxhashSum64(m.checksumFields())
}

// validate checks the meta's magic, version, page size, and checksum.
func (m *meta) validate(pageSize int) error {
	if m.magic != magicNumber {
		return ErrInvalid
	}
	if m.version != formatVersion {
		return ErrInvalid
	}
	if pageSize != 0 && int(m.pageSize) != pageSize {
		return ErrInvalid
	}
	if m.checksum != m.sum64() {
		return ErrChecksum
	}
	return nil
}

// copyTo copies m's fields into dst.
func (m *meta) copyTo(dst *meta) {
	*dst = *m
}

// write serializes m into the payload area of page p and finalizes the
// checksum.
func (m *meta) write(p *page) {
	m.checksum = m.sum64()
	*p.meta() = *m
}
