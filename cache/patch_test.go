package cache

import (
	"testing"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/linkedit"
	"github.com/blacktop/go-dyldcache/types"
)

func TestPatchSegmentCommandsWritesNewPlacement(t *testing.T) {
	arch := archinfo.ARM64
	const segCmdOffset = 24 // past LoadCmd(4)+Len(4)+Name[16]

	s := &layout.Segment{
		Name: "__DATA", CmdOffset: segCmdOffset,
		NewAddr: 0x180100000, Size: 0x4000, FileOff: 0x14000, FileSize: 0x4000,
		Perms: types.VmProtRead | types.VmProtWrite,
	}
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{s}}

	const header = 0x0
	buf := make([]byte, segCmdOffset+4*8+8)
	patchSegmentCommands(buf, header, d, arch)

	order := dylibByteOrder(d)
	base := header + s.CmdOffset
	if got := order.Uint64(buf[base:]); got != s.NewAddr {
		t.Fatalf("vmaddr = %#x, want %#x", got, s.NewAddr)
	}
	if got := order.Uint64(buf[base+8:]); got != s.Size {
		t.Fatalf("vmsize = %#x, want %#x", got, s.Size)
	}
	if got := order.Uint64(buf[base+16:]); got != s.FileOff {
		t.Fatalf("fileoff = %#x, want %#x", got, s.FileOff)
	}
	if got := order.Uint64(buf[base+24:]); got != s.FileSize {
		t.Fatalf("filesize = %#x, want %#x", got, s.FileSize)
	}
	if got := types.VmProtection(order.Uint32(buf[base+32:])); got != s.Perms {
		t.Fatalf("maxprot = %v, want %v", got, s.Perms)
	}
	if got := types.VmProtection(order.Uint32(buf[base+36:])); got != s.Perms {
		t.Fatalf("initprot = %v, want %v", got, s.Perms)
	}
}

func TestPatchSegmentCommands32Bit(t *testing.T) {
	arch := archinfo.ARM
	const segCmdOffset = 24

	s := &layout.Segment{
		Name: "__TEXT", CmdOffset: segCmdOffset,
		NewAddr: 0x30008000, Size: 0x1000, FileOff: 0x8000, FileSize: 0x1000,
		Perms: types.VmProtRead | types.VmProtExecute,
	}
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{s}}

	buf := make([]byte, segCmdOffset+4*4+8)
	patchSegmentCommands(buf, 0, d, arch)

	order := dylibByteOrder(d)
	base := s.CmdOffset
	if got := uint64(order.Uint32(buf[base:])); got != s.NewAddr {
		t.Fatalf("vmaddr = %#x, want %#x", got, s.NewAddr)
	}
	if got := uint64(order.Uint32(buf[base+12:])); got != s.FileSize {
		t.Fatalf("filesize = %#x, want %#x", got, s.FileSize)
	}
}

func TestPatchLinkeditCommandsSymtabAndDysymtab(t *testing.T) {
	d := &layout.DylibLayout{
		InstallName: "/usr/lib/libfoo.dylib",
		Dysymtab:    &macho.Dysymtab{DysymtabCmd: types.DysymtabCmd{Nindirectsyms: 42, Nextrel: 3}},
		CommandOffsets: layout.CommandOffsets{
			HasSymtab: true, SymtabOffset: 100,
			HasDysymtab: true, DysymtabOffset: 200,
		},
	}
	update := linkedit.LoadCommandUpdate{
		SymOff: 0x10, NSyms: 7, StrOff: 0x200, StrSize: 0x50,
		Ilocalsym: 0, Nlocalsym: 2, Iextdefsym: 2, Nextdefsym: 3, Iundefsym: 5, Nundefsym: 2,
		IndirectSymOff: 0x300, ExtRelOff: 0x400,
	}

	buf := make([]byte, 400)
	const linkeditFileOffset = 0x9000
	patchLinkeditCommands(buf, 0, d, linkeditFileOffset, update)

	order := dylibByteOrder(d)
	if got := order.Uint32(buf[100:]); got != linkeditFileOffset+update.SymOff {
		t.Fatalf("symoff = %#x, want %#x", got, linkeditFileOffset+update.SymOff)
	}
	if got := order.Uint32(buf[104:]); got != update.NSyms {
		t.Fatalf("nsyms = %d, want %d", got, update.NSyms)
	}
	if got := order.Uint32(buf[108:]); got != linkeditFileOffset+update.StrOff {
		t.Fatalf("stroff = %#x, want %#x", got, linkeditFileOffset+update.StrOff)
	}

	if got := order.Uint32(buf[200:]); got != update.Ilocalsym {
		t.Fatalf("ilocalsym = %d, want %d", got, update.Ilocalsym)
	}
	if got := order.Uint32(buf[200+48:]); got != linkeditFileOffset+update.IndirectSymOff {
		t.Fatalf("indirectsymoff = %#x, want %#x", got, linkeditFileOffset+update.IndirectSymOff)
	}
	if got := order.Uint32(buf[200+52:]); got != d.Dysymtab.Nindirectsyms {
		t.Fatalf("nindirectsyms = %d, want %d (preserved from the source dylib)", got, d.Dysymtab.Nindirectsyms)
	}
	if got := order.Uint32(buf[200+60:]); got != d.Dysymtab.Nextrel {
		t.Fatalf("nextrel = %d, want %d (preserved from the source dylib)", got, d.Dysymtab.Nextrel)
	}
	if got := order.Uint32(buf[200+24:]); got != 0 {
		t.Fatalf("legacy tocoffset must stay zeroed, got %d", got)
	}
}

func TestPatchLinkeditCommandsSkipsAbsentCommands(t *testing.T) {
	d := &layout.DylibLayout{InstallName: "/usr/lib/libbar.dylib"}
	buf := make([]byte, 64)
	orig := append([]byte(nil), buf...)
	patchLinkeditCommands(buf, 0, d, 0x1000, linkedit.LoadCommandUpdate{})
	for i := range buf {
		if buf[i] != orig[i] {
			t.Fatalf("byte %d changed even though the dylib declares no linkedit-bearing commands", i)
		}
	}
}
