package cache

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/mmap"
)

// Warning is one recoverable build-time diagnostic (spec `# 7`'s
// "Warning" error kind): a dependency dropped, a collision tolerated, a
// dylib excluded from the shared set. Collected per architecture and
// meant to be rendered into the `.map` file a caller writes alongside the
// cache.
type Warning string

// PlacedDylib is one dylib's final placement, as recorded in Report for
// whatever writes the `.map` summary.
type PlacedDylib struct {
	InstallName string
	BaseAddress uint64
}

// Report is the per-architecture build summary: everything
// update_dyld_shared_cache's own writeMapFile bookkeeping tracks, without
// this package doing any of the text formatting itself.
type Report struct {
	Arch             string
	DyldBaseAddress  uint64
	CodeSignatureOff uint64
	SlideInfoOffset  uint64
	LocalSymbolsOff  uint64
	UUID             [16]byte
	Placed           []PlacedDylib
	Warnings         []Warning
}

// StateDivergence describes why an existing cache needs to be rebuilt, or
// (in verify mode) why it no longer matches what would be built today.
type StateDivergence struct {
	Reason        string
	ChangedDylibs []string
}

func (d *StateDivergence) Error() string {
	if len(d.ChangedDylibs) == 0 {
		return d.Reason
	}
	return fmt.Sprintf("%s: %v", d.Reason, d.ChangedDylibs)
}

// NeedsRebuild reconciles an existing cache file at existingCachePath
// against the dylib set a fresh build would select, the way
// update_dyld_shared_cache's notUpToDate does: wrong magic or a different
// image count always forces a rebuild; otherwise every dylib must appear
// in the existing image table under its install name, with a matching
// inode and modification time. It returns whether a rebuild is
// needed and, if so, why.
func NeedsRebuild(existingCachePath string, arch archinfo.Info, dylibs []*depgraph.Node, aliases []depgraph.AliasEntry) (bool, *StateDivergence, error) {
	var rebuild bool
	var div *StateDivergence

	err := mmap.WithMappedFile(existingCachePath, false, func(r *mmap.Region) error {
		data := r.Data()
		order := byteOrderFor(arch)

		h, err := decodeHeader(data, order)
		if err != nil {
			rebuild = true
			div = &StateDivergence{Reason: "existing cache header is truncated or corrupt"}
			return nil
		}
		if h.Magic != magicFor(arch) {
			rebuild = true
			div = &StateDivergence{Reason: "existing cache header magic does not match this architecture"}
			return nil
		}

		wantCount := len(dylibs) + len(aliases)
		if int(h.ImagesCount) != wantCount {
			rebuild = true
			div = &StateDivergence{Reason: "existing cache contains a different set of dylibs"}
			return nil
		}

		type existingEntry struct {
			modTime, inode uint64
		}
		existing := make(map[string]existingEntry, h.ImagesCount)
		for i := uint32(0); i < h.ImagesCount; i++ {
			off := int(h.ImagesOffset) + int(i)*imageEntrySize
			if off+imageEntrySize > len(data) {
				rebuild = true
				div = &StateDivergence{Reason: "existing cache image table is corrupt"}
				return nil
			}
			e := decodeImageEntry(data[off:], order)
			path := cString(data, int(e.PathFileOffset))
			existing[path] = existingEntry{modTime: e.ModTime, inode: e.Inode}
		}

		var changed []string
		for _, n := range dylibs {
			got, ok := existing[n.Layout.InstallName]
			if !ok || got.modTime != n.Layout.ModTime || got.inode != n.Layout.Inode {
				changed = append(changed, n.Layout.InstallName)
			}
		}
		if len(changed) > 0 {
			rebuild = true
			div = &StateDivergence{Reason: "one or more dylibs changed since the cache was built", ChangedDylibs: changed}
		}
		return nil
	})
	if err != nil {
		// no existing cache (or unreadable one) always means build one.
		return true, &StateDivergence{Reason: err.Error()}, nil
	}
	return rebuild, div, nil
}

// cString reads a NUL-terminated string starting at offset within data.
func cString(data []byte, offset int) string {
	if offset < 0 || offset >= len(data) {
		return ""
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end < 0 {
		return string(data[offset:])
	}
	return string(data[offset : offset+end])
}
