// Package mmap wraps the scoped memory-mapping and atomic-publish
// primitives every pipeline stage needs: every source dylib is mapped
// read-only for the duration of a build, and the assembled cache buffer
// is written to a temp file, fsynced, and atomically renamed into place.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrClosed is returned by any Region method called after Close.
var ErrClosed = errors.New("mmap: region already closed")

// Region is a single scoped memory mapping of an open file. The zero
// value is not usable; construct one with Map.
type Region struct {
	data   []byte
	closed bool
}

// Data returns the mapping's bytes, or nil after Close.
func (r *Region) Data() []byte {
	if r.closed {
		return nil
	}
	return r.data
}

// Len reports the mapping size in bytes.
func (r *Region) Len() int { return len(r.data) }

// WithMappedFile opens path, maps it for the duration of fn, and
// guarantees the mapping is released before WithMappedFile returns,
// whether fn succeeds, fails, or panics.
func WithMappedFile(path string, writable bool, fn func(*Region) error) error {
	region, err := OpenMapped(path, writable)
	if err != nil {
		return err
	}
	defer region.Close()

	return fn(region)
}

// OpenMapped opens and maps path for a caller-managed lifetime. Unlike
// WithMappedFile this does not tie the mapping to a single function
// scope: it's for the case where a mapping must outlive one call, such
// as every source dylib staying mapped for the duration of one
// architecture's whole build. The caller must call Close when done.
func OpenMapped(path string, writable bool) (*Region, error) {
	f, err := os.OpenFile(path, openFlags(writable), 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("mmap: %s is empty", path)
	}

	region, err := mapFile(f, int(info.Size()), writable)
	if err != nil {
		return nil, fmt.Errorf("mmap: mapping %s: %w", path, err)
	}
	return region, nil
}

// Close releases the mapping. Safe to call more than once.
func (r *Region) Close() error {
	return r.unmap()
}

// PublishAtomically writes data to a temp file alongside finalPath,
// fsyncs it, and renames it into place, so a reader never observes a
// partially-written cache file: the rename is the only step visible to
// another process, and POSIX guarantees it lands whole or not at all.
func PublishAtomically(finalPath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".tmp")
	if err != nil {
		return fmt.Errorf("mmap: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mmap: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mmap: fsyncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mmap: closing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mmap: chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mmap: renaming %s to %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

func openFlags(writable bool) int {
	if writable {
		return os.O_RDWR
	}
	return os.O_RDONLY
}
