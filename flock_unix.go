//go:build linux || darwin

package emberdb

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// flockFile acquires an advisory lock on db.file: exclusive for a writer,
// shared for a read-only open. It polls rather than blocking indefinitely
// so Options.Timeout can be honored.
func flockFile(db *DB, exclusive bool, timeout time.Duration) error {
	mode := unix.LOCK_SH
	if exclusive {
		mode = unix.LOCK_EX
	}

	var start time.Time
	for {
		err := unix.Flock(int(db.file.Fd()), mode|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return err
		}

		if start.IsZero() {
			start = time.Now()
		} else if timeout > 0 && time.Since(start) > timeout {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// funlockFile releases the advisory lock taken by flockFile.
func funlockFile(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}
