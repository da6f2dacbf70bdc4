//go:build !linux && !darwin

package mmap

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("mmap: not supported on this platform")

func mapFile(f *os.File, size int, writable bool) (*Region, error) {
	return nil, errUnsupported
}

func (r *Region) unmap() error {
	return errUnsupported
}

// Sync is unavailable on this platform.
func (r *Region) Sync() error {
	return errUnsupported
}

// PublishAtomically is unavailable on this platform.
func PublishAtomically(finalPath string, data []byte) error {
	return errUnsupported
}
