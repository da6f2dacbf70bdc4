// Package placer assigns every shareable dylib's segments a new address
// inside the shared region and groups them into the cache's TEXT/DATA/
// read-only mappings.
package placer

import (
	"fmt"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

// firstDylibTextOffset is the fixed gap left at the start of the shared
// region for the cache header and image table.
const firstDylibTextOffset = 0x8000

// Mapping is one of the (at most three) VM regions the cache is mapped
// as: TEXT (r-x), DATA (rw-), and read-only (r--, holds every LINKEDIT).
type Mapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// Result is the placer's output: the mapping list, and the first
// __LINKEDIT segment encountered, which owns the merged LINKEDIT region
// built later by the linkedit merger.
type Result struct {
	Mappings           []Mapping
	LinkeditStart      uint64
	FirstLinkedit      *layout.Segment
	FirstLinkeditDylib *layout.DylibLayout
}

// Place resets every segment of every dylib to its original layout, then
// assigns new_addr to each following the fixed TEXT -> DATA -> read-only
// -> LINKEDIT ordering: each region is packed contiguously, page-aligned
// after every segment, and starts where the previous region's arch hook
// says it should.
func Place(dylibs []*layout.DylibLayout, arch archinfo.Info, sharedRegionStart uint64) (*Result, error) {
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			seg.Reset()
			rewriteImportPermsIfNeeded(seg, arch)
			if err := arch.CheckPerms(seg.Name, seg.Writable(), seg.Executable()); err != nil {
				return nil, fmt.Errorf("%s: %w", d.InstallName, err)
			}
		}
	}

	startExecute := sharedRegionStart + firstDylibTextOffset
	currentExecute := startExecute
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			if seg.Executable() && !seg.Writable() {
				seg.SetNewAddr(currentExecute)
				currentExecute += arch.PageAlign(seg.Size)
			}
		}
	}

	startWritable := arch.WritableBase(currentExecute)
	currentWritable := startWritable
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			if seg.Writable() {
				seg.SetNewAddr(currentWritable)
				currentWritable = arch.PageAlign(currentWritable + seg.Size)
			}
		}
	}

	startReadOnly := arch.ReadOnlyBase(currentWritable, currentExecute)
	currentReadOnly := startReadOnly
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			if seg.Name == "__LINKEDIT" || seg.Writable() || seg.Executable() || !seg.Readable() {
				continue
			}
			seg.SetNewAddr(currentReadOnly)
			currentReadOnly += arch.PageAlign(seg.Size)
		}
	}

	res := &Result{LinkeditStart: currentReadOnly}
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			if seg.Name != "__LINKEDIT" {
				continue
			}
			if res.FirstLinkedit == nil {
				res.FirstLinkedit = seg
				res.FirstLinkeditDylib = d
			}
			seg.SetNewAddr(currentReadOnly)
			currentReadOnly += arch.PageAlign(seg.Size)
		}
	}

	var fileOffset uint64
	if currentExecute > startExecute {
		res.Mappings = append(res.Mappings,
			Mapping{Address: startExecute - firstDylibTextOffset, Size: firstDylibTextOffset + (currentExecute - startExecute), FileOffset: fileOffset, MaxProt: types.VmProtRead | types.VmProtExecute, InitProt: types.VmProtRead | types.VmProtExecute},
		)
		fileOffset += res.Mappings[0].Size

		res.Mappings = append(res.Mappings,
			Mapping{Address: startWritable, Size: currentWritable - startWritable, FileOffset: fileOffset, MaxProt: types.VmProtRead | types.VmProtWrite, InitProt: types.VmProtRead | types.VmProtWrite},
		)
		fileOffset += res.Mappings[1].Size

		res.Mappings = append(res.Mappings,
			Mapping{Address: startReadOnly, Size: currentReadOnly - startReadOnly, FileOffset: fileOffset, MaxProt: types.VmProtRead, InitProt: types.VmProtRead},
		)
	} else {
		res.Mappings = append(res.Mappings,
			Mapping{Address: sharedRegionStart, Size: firstDylibTextOffset, FileOffset: 0, MaxProt: types.VmProtRead, InitProt: types.VmProtRead},
		)
	}

	return res, nil
}

// rewriteImportPermsIfNeeded flips a writable __IMPORT segment to
// executable on architectures that place stub-jump tables there, so the
// placement passes above route it into the TEXT region instead of DATA.
func rewriteImportPermsIfNeeded(seg *layout.Segment, arch archinfo.Info) {
	if seg.Name != "__IMPORT" || !arch.RewriteImportPerms() || !seg.Writable() {
		return
	}
	seg.Perms = (seg.Perms &^ types.VmProtWrite) | types.VmProtExecute
}

// FileOffsetForAddress returns the file offset of vmaddr within mappings,
// or an error if vmaddr falls outside every mapping.
func FileOffsetForAddress(mappings []Mapping, vmaddr uint64) (uint64, error) {
	for _, m := range mappings {
		if vmaddr >= m.Address && vmaddr < m.Address+m.Size {
			return m.FileOffset + (vmaddr - m.Address), nil
		}
	}
	return 0, fmt.Errorf("address %#x is not in any cache mapping", vmaddr)
}
