package emberdb

import (
	"fmt"
	"sort"
)

// pgids is a sortable slice of page ids, with a merge helper used to
// combine two already-sorted slices without a full re-sort.
type pgids []pgid

func (p pgids) Len() int           { return len(p) }
func (p pgids) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p pgids) Less(i, j int) bool { return p[i] < p[j] }

// merge returns the sorted union of two already-sorted pgid slices.
func (p pgids) merge(other pgids) pgids {
	out := make(pgids, 0, len(p)+len(other))
	i, j := 0, 0
	for i < len(p) && j < len(other) {
		if p[i] < other[j] {
			out = append(out, p[i])
			i++
		} else {
			out = append(out, other[j])
			j++
		}
	}
	out = append(out, p[i:]...)
	out = append(out, other[j:]...)
	return out
}

// freelist tracks reusable page ids with MVCC: a page freed by one write
// transaction is not handed back out by allocate until no read transaction
// that might still observe the pre-free version remains open.
type freelist struct {
	ids     []pgid           // sorted, currently free
	pending map[txid][]pgid  // txid -> ids freed by that tx, not yet releasable
	allocs  map[pgid]txid    // pgid -> the txid that allocated it from free
	cache   map[pgid]bool    // free ∪ pending, for O(1) membership/double-free checks
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		allocs:  make(map[pgid]txid),
		cache:   make(map[pgid]bool),
	}
}

// freed returns true if the given page id is currently in the free-or-pending
// set.
func (f *freelist) freed(id pgid) bool {
	return f.cache[id]
}

// count is the total number of ids tracked, free plus pending.
func (f *freelist) count() int {
	return len(f.ids) + f.pendingCount()
}

func (f *freelist) pendingCount() int {
	var n int
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

// size returns the number of bytes needed to serialize this freelist.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The page stores a uint64 count prefix when it overflows uint16.
		n++
	}
	return pageHeaderSize + n*8
}

// allocate finds the lowest run of n contiguous free page ids, removes
// them from the free set, records allocs[first]=tx, and returns the first
// id. Returns 0 if no run of that size is available.
func (f *freelist) allocate(tx txid, n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("emberdb: invalid page allocation %d", id))
		}

		if previd == 0 || id-previd != 1 {
			initial = id
		}

		if (id-initial)+1 == pgid(n) {
			if i+1 == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for j := pgid(0); j < pgid(n); j++ {
				delete(f.cache, initial+j)
			}
			f.allocs[initial] = tx
			return initial
		}

		previd = id
	}
	return 0
}

// free appends p.id and all of its overflow ids to pending[tx]. Panics on
// double-free: an id already present in the free-or-pending set.
func (f *freelist) free(tx txid, p *page) {
	if p.id <= 1 {
		panic("emberdb: cannot free meta page 0 or 1")
	}

	ids := f.pending[tx]
	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		if f.cache[id] {
			panic(fmt.Sprintf("emberdb: page %d already freed", id))
		}
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[tx] = ids
}

// release merges pending[t] into the free set for every t <= maxTx, and
// drops those pending entries.
func (f *freelist) release(maxTx txid) {
	var m pgids
	for tid, ids := range f.pending {
		if tid <= maxTx {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(pgids(m))
	f.ids = pgids(f.ids).merge(m)
}

// releaseRange releases pending ids freed by transactions with
// begin <= txid <= end, leaving pending ids of transactions outside that
// range untouched.
func (f *freelist) releaseRange(begin, end txid) {
	if begin > end {
		return
	}
	var m pgids
	for tid, ids := range f.pending {
		if tid < begin || tid > end {
			continue
		}
		m = append(m, ids...)
		delete(f.pending, tid)
	}
	sort.Sort(pgids(m))
	f.ids = pgids(f.ids).merge(m)
}

// rollback discards pending[tx] and returns any ids that tx had taken from
// the free set back to free.
func (f *freelist) rollback(tx txid) {
	for _, id := range f.pending[tx] {
		delete(f.cache, id)
	}
	delete(f.pending, tx)

	for id, allocTx := range f.allocs {
		if allocTx == tx {
			f.ids = append(f.ids, id)
			f.cache[id] = true
			delete(f.allocs, id)
		}
	}
	sort.Sort(pgids(f.ids))
}

// read rebuilds f.ids and the membership cache from an on-disk freelist
// page. Pending state is not persisted; on reopen the previous writer's
// open transaction list is gone, so everything decoded here is safe to
// treat as free.
func (f *freelist) read(p *page) {
	ids := p.freelistPageIDs()
	f.ids = make([]pgid, len(ids))
	copy(f.ids, ids)
	sort.Sort(pgids(f.ids))

	f.pending = make(map[txid][]pgid)
	f.allocs = make(map[pgid]txid)
	f.reindex()
}

// reload re-reads the freelist page and then removes any id that an open
// read transaction might still depend on, so a concurrent reader opened
// just before this reload cannot have an id reallocated out from under it.
func (f *freelist) reload(p *page, openReadTxIDs []txid) {
	f.read(p)

	if len(openReadTxIDs) == 0 {
		return
	}

	minOpen := openReadTxIDs[0]
	for _, t := range openReadTxIDs[1:] {
		if t < minOpen {
			minOpen = t
		}
	}

	f.pending[minOpen] = append(f.pending[minOpen], f.ids...)
	for _, id := range f.ids {
		f.cache[id] = true
	}
	f.ids = nil
}

func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, list := range f.pending {
		for _, id := range list {
			f.cache[id] = true
		}
	}
}

// all returns the sorted union of free and pending ids, the set that gets
// persisted to disk: recovery cannot distinguish committed frees from
// frees made by a writer that never reached commit, so both are written
// as free.
func (f *freelist) all() pgids {
	m := make(pgids, 0, f.count())
	m = append(m, f.ids...)
	for _, list := range f.pending {
		m = append(m, list...)
	}
	sort.Sort(m)
	return m
}

// write serializes the freelist into page p, which must have enough
// backing space for size() bytes.
func (f *freelist) write(p *page) {
	p.flags |= freelistPageFlag
	writeFreelistPageIDs(p, f.all())
}
