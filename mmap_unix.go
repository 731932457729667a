//go:build linux || darwin

package emberdb

import (
	"golang.org/x/sys/unix"
)

// mmapFile maps the first sz bytes of db.file into db.data, replacing any
// previous mapping. Callers hold db.mmaplock for the duration.
func mmapFile(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, unix.PROT_READ, unix.MAP_SHARED|db.opts.MmapFlags)
	if err != nil {
		return err
	}
	_ = unix.Madvise(b, unix.MADV_RANDOM)

	db.data = b
	return nil
}

// munmapFile unmaps db.data.
func munmapFile(db *DB) error {
	if db.data == nil {
		return nil
	}
	b := db.data
	db.data = nil
	return unix.Munmap(b)
}
