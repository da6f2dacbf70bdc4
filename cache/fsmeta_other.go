//go:build !linux && !darwin

package cache

import "os"

// statMeta has no inode concept on this platform; modTime still works.
func statMeta(info os.FileInfo) (modTime, inode uint64) {
	return uint64(info.ModTime().Unix()), 0
}
