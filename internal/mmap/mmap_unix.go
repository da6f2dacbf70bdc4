//go:build linux || darwin

package mmap

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int, writable bool) (*Region, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(2): %w", err)
	}
	return &Region{data: data}, nil
}

func (r *Region) unmap() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("munmap(2): %w", err)
	}
	r.data = nil
	return nil
}

// Sync flushes the mapping's dirty pages back to the underlying file,
// blocking until the write completes.
func (r *Region) Sync() error {
	if r.closed {
		return ErrClosed
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// PublishAtomically writes data to a temp file alongside finalPath,
// fsyncs it, then renames it over finalPath in one atomic step so no
// reader ever observes a partially written cache.
func PublishAtomically(finalPath string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".dyldcache-*.tmp")
	if err != nil {
		return fmt.Errorf("mmap: creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mmap: writing temp cache file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("mmap: fsyncing temp cache file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("mmap: closing temp cache file: %w", err)
	}
	if err = unix.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("mmap: renaming %s to %s: %w", tmpPath, finalPath, err)
	}
	return nil
}
