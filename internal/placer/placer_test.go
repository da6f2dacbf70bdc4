package placer

import (
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

func seg(name string, size uint64, perms types.VmProtection) *layout.Segment {
	return &layout.Segment{
		Name: name, OrigVMSize: size, OrigFileSize: size, OrigPerms: perms,
		Size: size, FileSize: size, Perms: perms,
	}
}

func TestPlaceOrdersTextDataLinkedit(t *testing.T) {
	dylibA := &layout.DylibLayout{
		InstallName: "/usr/lib/liba.dylib",
		Segments: []*layout.Segment{
			seg("__TEXT", 0x3000, types.VmProtRead|types.VmProtExecute),
			seg("__DATA", 0x1000, types.VmProtRead|types.VmProtWrite),
			seg("__LINKEDIT", 0x2000, types.VmProtRead),
		},
	}
	dylibB := &layout.DylibLayout{
		InstallName: "/usr/lib/libb.dylib",
		Segments: []*layout.Segment{
			seg("__TEXT", 0x1000, types.VmProtRead|types.VmProtExecute),
			seg("__LINKEDIT", 0x1000, types.VmProtRead),
		},
	}

	res, err := Place([]*layout.DylibLayout{dylibA, dylibB}, archinfo.ARM64, 0x180000000)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	aText := dylibA.Segments[0]
	bText := dylibB.Segments[0]
	if !aText.NewAddrSet() || !bText.NewAddrSet() {
		t.Fatal("TEXT segments must be placed")
	}
	if aText.NewAddr != 0x180000000+firstDylibTextOffset {
		t.Fatalf("unexpected first TEXT address: %#x", aText.NewAddr)
	}
	if bText.NewAddr <= aText.NewAddr {
		t.Fatalf("second dylib's TEXT must come after the first's: %#x vs %#x", bText.NewAddr, aText.NewAddr)
	}

	aData := dylibA.Segments[1]
	if aData.NewAddr < bText.NewAddr {
		t.Fatalf("DATA must be placed after all TEXT segments: data=%#x text=%#x", aData.NewAddr, bText.NewAddr)
	}

	aLinkedit := dylibA.Segments[2]
	bLinkedit := dylibB.Segments[1]
	if aLinkedit.NewAddr < aData.NewAddr {
		t.Fatal("LINKEDIT must be placed after DATA")
	}
	if res.FirstLinkedit != aLinkedit {
		t.Fatalf("expected the first dylib's LINKEDIT to be recorded first, got %+v", res.FirstLinkedit)
	}
	if bLinkedit.NewAddr <= aLinkedit.NewAddr {
		t.Fatal("second dylib's LINKEDIT must come after the first's")
	}

	if len(res.Mappings) != 3 {
		t.Fatalf("expected 3 mappings, got %d", len(res.Mappings))
	}
	if res.Mappings[0].MaxProt != types.VmProtRead|types.VmProtExecute {
		t.Fatalf("unexpected TEXT mapping protection: %v", res.Mappings[0].MaxProt)
	}
	if res.Mappings[1].MaxProt != types.VmProtRead|types.VmProtWrite {
		t.Fatalf("unexpected DATA mapping protection: %v", res.Mappings[1].MaxProt)
	}
	if res.Mappings[2].MaxProt != types.VmProtRead {
		t.Fatalf("unexpected read-only mapping protection: %v", res.Mappings[2].MaxProt)
	}
}

func TestPlaceRejectsWritableExecutableOnArchThatForbidsIt(t *testing.T) {
	dylib := &layout.DylibLayout{
		InstallName: "/usr/lib/libweird.dylib",
		Segments: []*layout.Segment{
			seg("__WX", 0x1000, types.VmProtRead|types.VmProtWrite|types.VmProtExecute),
		},
	}
	if _, err := Place([]*layout.DylibLayout{dylib}, archinfo.X86_64, 0x7FFF80000000); err == nil {
		t.Fatal("expected an error for a writable+executable segment on x86_64")
	}
}

func TestRewriteImportPermsOnARM(t *testing.T) {
	dylib := &layout.DylibLayout{
		InstallName: "/usr/lib/libimport.dylib",
		Segments: []*layout.Segment{
			seg("__IMPORT", 0x1000, types.VmProtRead|types.VmProtWrite),
			seg("__TEXT", 0x1000, types.VmProtRead|types.VmProtExecute),
		},
	}
	res, err := Place([]*layout.DylibLayout{dylib}, archinfo.ARM, 0x30000000)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	importSeg := dylib.Segments[0]
	if importSeg.Writable() {
		t.Fatal("__IMPORT should have had its writable bit cleared on arm")
	}
	if !importSeg.Executable() {
		t.Fatal("__IMPORT should have been made executable on arm")
	}
	if len(res.Mappings) == 0 {
		t.Fatal("expected at least one mapping")
	}
}
