//go:build darwin

package cache

import (
	"os"
	"syscall"
)

// statMeta extracts the modification time (seconds since epoch) and inode
// number update_dyld_shared_cache keys its "is this dylib unchanged since
// the cache was built" check on.
func statMeta(info os.FileInfo) (modTime, inode uint64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return uint64(info.ModTime().Unix()), 0
	}
	return uint64(st.Mtimespec.Sec), st.Ino
}
