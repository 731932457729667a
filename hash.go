package emberdb

import "github.com/cespare/xxhash/v2"

// xxhashSum64 hashes b with xxhash, used for the meta checksum and as the
// hash callback for the LRU page cache (see pagecache.go).
func xxhashSum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// hashPgid is the freelru HashKeyCallback for the node cache, keyed by
// page id.
func hashPgid(id pgid) uint32 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	return uint32(xxhash.Sum64(buf[:]))
}
