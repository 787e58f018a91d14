//go:build !windows
// +build !windows

package ember

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// flockRetryInterval is how often flock polls while waiting for the
// exclusive lock; flock(2) itself has no timeout.
const flockRetryInterval = 50 * time.Millisecond

// flock acquires an advisory lock on the database file, blocking other
// processes (not other goroutines within this process: that's rwlock)
// from opening the same file for writing.
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	start := time.Now()

	fd := db.file.Fd()
	flag := unix.LOCK_SH
	if exclusive {
		flag = unix.LOCK_EX
	}

	for {
		err := unix.Flock(int(fd), flag|unix.LOCK_NB)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		if timeout != 0 && time.Since(start) > timeout-flockRetryInterval {
			return ErrTimeout
		}

		time.Sleep(flockRetryInterval)
	}
}

// funlock releases the advisory lock on the database file.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap memory-maps the database file read-only and records it on db.
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, syscall.PROT_READ, syscall.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return fmt.Errorf("mmap error: %w", err)
	}

	if err := unix.Madvise(b, syscall.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise error: %w", err)
	}

	db.data = b
	db.datasz = sz
	return nil
}

// munmap unmaps the database file, if currently mapped.
func munmap(db *DB) error {
	if db.data == nil {
		return nil
	}

	err := unix.Munmap(db.data)
	db.data = nil
	db.datasz = 0
	return err
}

// fdatasync flushes the database file's data (and, on platforms without
// a dedicated fdatasync syscall, metadata) to stable storage.
func fdatasync(db *DB) error {
	return unix.Fdatasync(int(db.file.Fd()))
}
