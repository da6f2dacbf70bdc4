package linkedit

import (
	"encoding/binary"
	"testing"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

func TestStringPoolReservesZeroForEmpty(t *testing.T) {
	p := NewStringPool()
	if off := p.AddUnique(""); off != 0 {
		t.Fatalf("empty string offset = %d, want 0", off)
	}
	if p.Size() != 1 {
		t.Fatalf("fresh pool size = %d, want 1", p.Size())
	}
}

func TestStringPoolDedupes(t *testing.T) {
	p := NewStringPool()
	a := p.AddUnique("_foo")
	b := p.AddUnique("_bar")
	c := p.AddUnique("_foo")
	if a != c {
		t.Fatalf("AddUnique not idempotent: %d != %d", a, c)
	}
	if a == b {
		t.Fatal("distinct strings got the same offset")
	}
	if string(p.Bytes()[a:a+4]) != "_foo" {
		t.Fatalf("pool bytes at offset %d = %q, want _foo", a, p.Bytes()[a:a+4])
	}
}

func TestNlistSizeByPointerWidth(t *testing.T) {
	if nlistSize(archinfo.ARM64) != nlistSize64 {
		t.Fatal("expected 64-bit nlist size for arm64")
	}
	if nlistSize(archinfo.X86) != nlistSize32 {
		t.Fatal("expected 32-bit nlist size for i386")
	}
}

func TestPutNlistRoundTrip(t *testing.T) {
	sym := macho.Symbol{Name: "_foo", Type: types.NSect, Sect: 3, Desc: 0x10, Value: 0xdeadbeef}
	buf := make([]byte, nlistSize64)
	putNlist(buf, binary.LittleEndian, archinfo.ARM64, 42, sym)

	if got := binary.LittleEndian.Uint32(buf[0:]); got != 42 {
		t.Fatalf("strx = %d, want 42", got)
	}
	if buf[4] != uint8(types.NSect) {
		t.Fatalf("n_type = %#x, want %#x", buf[4], uint8(types.NSect))
	}
	if buf[5] != 3 {
		t.Fatalf("n_sect = %d, want 3", buf[5])
	}
	if got := binary.LittleEndian.Uint64(buf[8:]); got != 0xdeadbeef {
		t.Fatalf("n_value = %#x, want %#x", got, 0xdeadbeef)
	}
}

func dysymtab(ilocal, nlocal, iext, next, iundef, nundef, nextrel, nindirect uint32) *macho.Dysymtab {
	return &macho.Dysymtab{DysymtabCmd: types.DysymtabCmd{
		Ilocalsym: ilocal, Nlocalsym: nlocal,
		Iextdefsym: iext, Nextdefsym: next,
		Iundefsym: iundef, Nundefsym: nundef,
		Nextrel: nextrel, Nindirectsyms: nindirect,
	}}
}

func TestCopyLocalSymbolsSkipsStabsAndNoSection(t *testing.T) {
	d := &layout.DylibLayout{
		InstallName: "/usr/lib/libfoo.dylib",
		Dysymtab:    dysymtab(0, 3, 3, 0, 3, 0, 0, 0),
		Symtab: &macho.Symtab{Syms: []macho.Symbol{
			{Name: "local_ok", Type: types.NSect, Sect: 1, Value: 0x100},
			{Name: "debug_entry", Type: types.NTypeStab | types.NSect, Sect: 1, Value: 0x200},
			{Name: "indirect_only", Type: types.NSect, Sect: 0, Value: 0x300},
		}},
	}
	entry := &perDylib{oldToNew: make(map[uint32]uint32)}
	pool := NewStringPool()
	var unmapped []byte
	unmappedPool := NewStringPool()
	var infos []LocalSymbolsBlock

	var buf []byte
	if err := copyLocalSymbols(d, entry, &buf, pool, Options{}, &unmapped, unmappedPool, &infos, 0, archinfo.ARM64); err != nil {
		t.Fatalf("copyLocalSymbols: %v", err)
	}
	if entry.localCount != 1 {
		t.Fatalf("localCount = %d, want 1 (stab and no-section entries skipped)", entry.localCount)
	}
	if len(buf) != int(nlistSize64) {
		t.Fatalf("buf len = %d, want %d", len(buf), nlistSize64)
	}
}

func TestCopyLocalSymbolsDontMapRoutesToUnmapped(t *testing.T) {
	d := &layout.DylibLayout{
		InstallName: "/usr/lib/libfoo.dylib",
		Dysymtab:    dysymtab(0, 2, 2, 0, 2, 0, 0, 0),
		Symtab: &macho.Symtab{Syms: []macho.Symbol{
			{Name: "text_local", Type: types.NSect, Sect: 1, Value: 0x100},
			{Name: "data_local", Type: types.NSect, Sect: 2, Value: 0x200},
		}},
	}
	entry := &perDylib{oldToNew: make(map[uint32]uint32)}
	pool := NewStringPool()
	var unmapped []byte
	unmappedPool := NewStringPool()
	var infos []LocalSymbolsBlock

	var buf []byte
	opts := Options{DontMapLocalSymbols: true}
	if err := copyLocalSymbols(d, entry, &buf, pool, opts, &unmapped, unmappedPool, &infos, 0x4000, archinfo.ARM64); err != nil {
		t.Fatalf("copyLocalSymbols: %v", err)
	}

	// only the __text (sect 1) local gets a <redacted> mapped stand-in.
	if entry.localCount != 1 {
		t.Fatalf("localCount = %d, want 1", entry.localCount)
	}
	gotStrx := binary.LittleEndian.Uint32(buf[0:])
	if string(pool.Bytes()[gotStrx:]) != "<redacted>\x00" {
		t.Fatalf("mapped local name = %q, want <redacted>", pool.Bytes()[gotStrx:])
	}

	// both locals land in the unmapped side table, under their real names.
	if len(unmapped) != 2*int(nlistSize64) {
		t.Fatalf("unmapped buf len = %d, want %d", len(unmapped), 2*nlistSize64)
	}
	if len(infos) != 1 || infos[0].Count != 2 || infos[0].DylibOffset != 0x4000 {
		t.Fatalf("unexpected LocalSymbolsBlock: %+v", infos)
	}
}

func TestCopyExportedSymbolsSortsByNameAndSkipsObjcLd(t *testing.T) {
	d := &layout.DylibLayout{
		InstallName: "/usr/lib/libfoo.dylib",
		Dysymtab:    dysymtab(0, 0, 0, 3, 3, 0, 0, 0),
		Symtab: &macho.Symtab{Syms: []macho.Symbol{
			{Name: "zeta", Type: types.NSect, Sect: 1, Value: 1},
			{Name: ".objc_class_name_Foo", Type: types.NSect, Sect: 1, Value: 2},
			{Name: "alpha", Type: types.NSect, Sect: 1, Value: 3},
		}},
	}
	entry := &perDylib{oldToNew: make(map[uint32]uint32)}
	pool := NewStringPool()
	var buf []byte
	if err := copyExportedSymbols(d, entry, &buf, pool, archinfo.ARM64); err != nil {
		t.Fatalf("copyExportedSymbols: %v", err)
	}
	if entry.exportedCount != 2 {
		t.Fatalf("exportedCount = %d, want 2 (objc entry skipped)", entry.exportedCount)
	}
	size := int(nlistSize64)
	firstStrx := binary.LittleEndian.Uint32(buf[0:])
	secondStrx := binary.LittleEndian.Uint32(buf[size:])
	firstName := cstr(pool.Bytes(), firstStrx)
	secondName := cstr(pool.Bytes(), secondStrx)
	if firstName != "alpha" || secondName != "zeta" {
		t.Fatalf("export order = %q, %q; want alpha, zeta", firstName, secondName)
	}
	if _, ok := entry.oldToNew[1]; ok {
		t.Fatal("expected old index 1 (.objc_ skipped) to be absent from remap, 0 (zeta) and 2 (alpha) present instead")
	}
}

func cstr(buf []byte, off uint32) string {
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

func TestCopyImportedSymbolsSkipsObjcAndPreservesOrder(t *testing.T) {
	d := &layout.DylibLayout{
		InstallName: "/usr/lib/libfoo.dylib",
		Dysymtab:    dysymtab(0, 0, 0, 0, 0, 2, 0, 0),
		Symtab: &macho.Symtab{Syms: []macho.Symbol{
			{Name: ".objc_ivar_foo", Type: types.NUndf, Value: 0},
			{Name: "_malloc", Type: types.NUndf, Value: 0},
		}},
	}
	entry := &perDylib{oldToNew: make(map[uint32]uint32)}
	pool := NewStringPool()
	var buf []byte
	if err := copyImportedSymbols(d, entry, &buf, pool, archinfo.ARM64); err != nil {
		t.Fatalf("copyImportedSymbols: %v", err)
	}
	if entry.importedCount != 1 {
		t.Fatalf("importedCount = %d, want 1", entry.importedCount)
	}
	if _, ok := entry.oldToNew[0]; ok {
		t.Fatal("objc-prefixed import should not be remapped")
	}
	if _, ok := entry.oldToNew[1]; !ok {
		t.Fatal("_malloc import should be remapped")
	}
}

func TestSkipObjcOrLdPrefixed(t *testing.T) {
	cases := map[string]bool{
		".objc_class_name_Foo": true,
		"$ld$hide$os10.4$_foo":  true,
		"_malloc":               false,
		"":                      false,
	}
	for name, want := range cases {
		if got := skipObjcOrLdPrefixed(name); got != want {
			t.Errorf("skipObjcOrLdPrefixed(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMergeRejectsDylibWithoutSymtab(t *testing.T) {
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib"}
	_, err := Merge(archinfo.ARM64, []*layout.DylibLayout{d}, nil, Options{})
	if err == nil {
		t.Fatal("expected error for dylib with no symbol table")
	}
}

func TestMergeRejectsDylibWithoutDysymtab(t *testing.T) {
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Symtab: &macho.Symtab{}}
	_, err := Merge(archinfo.ARM64, []*layout.DylibLayout{d}, nil, Options{})
	if err == nil {
		t.Fatal("expected error for dylib with no dynamic symbol table")
	}
}

// Merge's stages that read raw linkedit bytes via d.File() (bind/export
// trie copy, external relocations, function starts, data-in-code,
// indirect symbol table) need a real *macho.File-backed DylibLayout,
// which only layout.New can construct. Those stages are covered at the
// integration level once a fixture producing a real layout.DylibLayout
// from in-memory Mach-O bytes exists; the per-stage unit tests above
// cover the name filtering, sorting, and remap-table bookkeeping that
// stage does around those reads.
