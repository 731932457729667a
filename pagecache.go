package emberdb

import "github.com/elastic/go-freelru"

// defaultNodeCacheSize bounds the shared read-page LRU when the caller
// doesn't override it with WithNodeCacheSize.
const defaultNodeCacheSize = 1024

// pageCache caches *page overlays by pgid, sparing DB.pageAt the pointer
// arithmetic of re-deriving a page's address from the mmap base for hot
// upper branch levels that every cursor walks through. Both read and
// write transactions consult it (a write tx only for pages it hasn't
// dirtied itself; tx.page checks its own dirty set first). Entries hold
// no ownership over the mmap; purge() is called on every remap since
// addresses shift underneath it.
type pageCache struct {
	lru *freelru.LRU[pgid, *page]
}

func newPageCache(size uint32) *pageCache {
	if size == 0 {
		size = defaultNodeCacheSize
	}
	lru, err := freelru.New[pgid, *page](size, hashPgid)
	if err != nil {
		lru, _ = freelru.New[pgid, *page](defaultNodeCacheSize, hashPgid)
	}
	return &pageCache{lru: lru}
}

func (c *pageCache) get(id pgid) (*page, bool) {
	if c == nil || c.lru == nil {
		return nil, false
	}
	return c.lru.Get(id)
}

func (c *pageCache) put(id pgid, p *page) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(id, p)
}

func (c *pageCache) purge() {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Purge()
}
