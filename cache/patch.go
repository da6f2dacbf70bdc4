package cache

import (
	"encoding/binary"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/linkedit"
)

func dylibByteOrder(d *layout.DylibLayout) binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// patchSegmentCommands rewrites every one of d's segment load commands in
// buf (the final cache buffer, already holding d's copied-in bytes at
// header) to the address/offset/permissions the placer and rebaser
// settled on. Every dylib gets repacked into the single cache file, so
// every segment's vmaddr/vmsize/fileoff/filesize changes even when its
// contents don't; rewriteImportPermsIfNeeded (placer) can also have
// changed maxprot/initprot.
func patchSegmentCommands(buf []byte, header uint64, d *layout.DylibLayout, arch archinfo.Info) {
	order := dylibByteOrder(d)
	width := arch.PointerSize

	for _, seg := range d.Segments {
		base := header + seg.CmdOffset
		putUint(buf[base:], order, width, seg.NewAddr)
		putUint(buf[base+width:], order, width, seg.Size)
		putUint(buf[base+2*width:], order, width, seg.FileOff)
		putUint(buf[base+3*width:], order, width, seg.FileSize)
		order.PutUint32(buf[base+4*width:], uint32(seg.Perms))
		order.PutUint32(buf[base+4*width+4:], uint32(seg.Perms))
	}
}

func putUint(b []byte, order binary.ByteOrder, width, v uint64) {
	if width == 8 {
		order.PutUint64(b, v)
	} else {
		order.PutUint32(b, uint32(v))
	}
}

// patchLinkeditCommands rewrites d's LC_SYMTAB/LC_DYSYMTAB/LC_DYLD_INFO/
// function-starts/data-in-code commands to the offsets linkedit.Merge
// computed, adding linkeditFileOffset to turn merge-relative offsets into
// final cache file offsets. nindirectsyms/nextrel are not part of
// LoadCommandUpdate (the merge preserves their counts 1:1; only the
// symbol indices inside the table are remapped), so they're re-read from
// d's own original Dysymtab.
func patchLinkeditCommands(buf []byte, header uint64, d *layout.DylibLayout, linkeditFileOffset uint64, update linkedit.LoadCommandUpdate) {
	order := dylibByteOrder(d)
	co := d.CommandOffsets

	if co.HasSymtab {
		base := header + co.SymtabOffset
		order.PutUint32(buf[base+0:], uint32(linkeditFileOffset)+update.SymOff)
		order.PutUint32(buf[base+4:], update.NSyms)
		order.PutUint32(buf[base+8:], uint32(linkeditFileOffset)+update.StrOff)
		order.PutUint32(buf[base+12:], update.StrSize)
	}

	if co.HasDysymtab {
		base := header + co.DysymtabOffset
		order.PutUint32(buf[base+0:], update.Ilocalsym)
		order.PutUint32(buf[base+4:], update.Nlocalsym)
		order.PutUint32(buf[base+8:], update.Iextdefsym)
		order.PutUint32(buf[base+12:], update.Nextdefsym)
		order.PutUint32(buf[base+16:], update.Iundefsym)
		order.PutUint32(buf[base+20:], update.Nundefsym)
		// tocoffset/ntoc/modtaboff/nmodtab/extrefsymoff/nextrefsyms: the
		// legacy two-level-namespace hash tables aren't carried into the
		// merged linkedit, so these stay zeroed.
		for _, off := range []uint64{24, 28, 32, 36, 40, 44} {
			order.PutUint32(buf[base+off:], 0)
		}
		order.PutUint32(buf[base+48:], uint32(linkeditFileOffset)+update.IndirectSymOff)
		if d.Dysymtab != nil {
			order.PutUint32(buf[base+52:], d.Dysymtab.Nindirectsyms)
		}
		order.PutUint32(buf[base+56:], uint32(linkeditFileOffset)+update.ExtRelOff)
		if d.Dysymtab != nil {
			order.PutUint32(buf[base+60:], d.Dysymtab.Nextrel)
		}
		// locreloff/nlocrel: the legacy local relocation table is fully
		// consumed during rebasing and never re-emitted.
		order.PutUint32(buf[base+64:], 0)
		order.PutUint32(buf[base+68:], 0)
	}

	if co.HasDyldInfo && update.HasDyldInfo {
		base := header + co.DyldInfoOffset
		// rebase_off/rebase_size: rebase opcodes are fully consumed during
		// rebasing and never copied into the merged linkedit.
		order.PutUint32(buf[base+0:], 0)
		order.PutUint32(buf[base+4:], 0)
		order.PutUint32(buf[base+8:], uint32(linkeditFileOffset)+update.BindOff)
		order.PutUint32(buf[base+12:], update.BindSize)
		order.PutUint32(buf[base+16:], uint32(linkeditFileOffset)+update.WeakBindOff)
		order.PutUint32(buf[base+20:], update.WeakBindSize)
		order.PutUint32(buf[base+24:], uint32(linkeditFileOffset)+update.LazyBindOff)
		order.PutUint32(buf[base+28:], update.LazyBindSize)
		order.PutUint32(buf[base+32:], uint32(linkeditFileOffset)+update.ExportOff)
		order.PutUint32(buf[base+36:], update.ExportSize)
	}

	if co.HasFunctionStarts && update.HasFunctionStarts {
		base := header + co.FunctionStartsOffset
		order.PutUint32(buf[base+0:], uint32(linkeditFileOffset)+update.FunctionStartsOff)
	}

	if co.HasDataInCode && update.HasDataInCode {
		base := header + co.DataInCodeOffset
		order.PutUint32(buf[base+0:], uint32(linkeditFileOffset)+update.DataInCodeOff)
	}
}
