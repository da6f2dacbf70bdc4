package cache

import (
	"errors"
	"testing"

	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/placer"
	"github.com/blacktop/go-dyldcache/types"
)

func seg(name string, addr, size uint64, perms types.VmProtection) *layout.Segment {
	return &layout.Segment{Name: name, OrigAddr: addr, OrigVMSize: size, OrigFileSize: size, OrigPerms: perms, Size: size, FileSize: size, Perms: perms}
}

func nodeWithLayout(installName string, baseAddr uint64) *depgraph.Node {
	return &depgraph.Node{Layout: &layout.DylibLayout{
		InstallName: installName,
		Segments:    []*layout.Segment{seg("__TEXT", baseAddr, 0x1000, types.VmProtRead|types.VmProtExecute)},
	}}
}

func TestSortShareableAlpha(t *testing.T) {
	nodes := []*depgraph.Node{
		nodeWithLayout("/usr/lib/libz.dylib", 0x1000),
		nodeWithLayout("/usr/lib/liba.dylib", 0x2000),
	}
	sortShareable(nodes, true)
	if nodes[0].Layout.InstallName != "/usr/lib/liba.dylib" || nodes[1].Layout.InstallName != "/usr/lib/libz.dylib" {
		t.Fatalf("expected alphabetical order, got %s, %s", nodes[0].Layout.InstallName, nodes[1].Layout.InstallName)
	}
}

func TestSortShareableByBaseAddress(t *testing.T) {
	nodes := []*depgraph.Node{
		nodeWithLayout("/usr/lib/libb.dylib", 0x2000),
		nodeWithLayout("/usr/lib/liba.dylib", 0x1000),
	}
	sortShareable(nodes, false)
	if nodes[0].Layout.InstallName != "/usr/lib/liba.dylib" {
		t.Fatalf("expected the lower base address first, got %s", nodes[0].Layout.InstallName)
	}
}

func TestCheckOverflow(t *testing.T) {
	region := struct{ start, size uint64 }{start: 0x180000000, size: 0x1000}
	ok := &placer.Result{Mappings: []placer.Mapping{{Address: 0x180000000, Size: 0x800}}}
	if err := checkOverflow(ok, region); err != nil {
		t.Fatalf("unexpected overflow error: %v", err)
	}

	bad := &placer.Result{Mappings: []placer.Mapping{{Address: 0x180000000, Size: 0x2000}}}
	err := checkOverflow(bad, region)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
	if !errors.Is(err, ErrLayoutOverflow) {
		t.Fatalf("expected ErrLayoutOverflow, got %v", err)
	}
}

func TestAssignFileOffsets(t *testing.T) {
	text := seg("__TEXT", 0x180008000, 0x1000, types.VmProtRead|types.VmProtExecute)
	text.SetNewAddr(0x180008000)
	linkedit := seg("__LINKEDIT", 0x180009000, 0x1000, types.VmProtRead)
	linkedit.SetNewAddr(0x180009000)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text, linkedit}}

	mappings := []placer.Mapping{{Address: 0x180008000, Size: 0x1000, FileOffset: 0x8000}}
	if err := assignFileOffsets(&placer.Result{Mappings: mappings}, []*layout.DylibLayout{d}); err != nil {
		t.Fatalf("assignFileOffsets: %v", err)
	}
	if text.FileOff != 0x8000 {
		t.Fatalf("__TEXT FileOff = %#x, want 0x8000", text.FileOff)
	}
	if linkedit.FileOff != 0 {
		t.Fatalf("__LINKEDIT must be left alone by assignFileOffsets, got FileOff = %#x", linkedit.FileOff)
	}
}

func TestAssignFileOffsetsOutOfRange(t *testing.T) {
	text := seg("__TEXT", 0x180008000, 0x1000, types.VmProtRead|types.VmProtExecute)
	text.SetNewAddr(0x190000000)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text}}

	mappings := []placer.Mapping{{Address: 0x180008000, Size: 0x1000, FileOffset: 0x8000}}
	err := assignFileOffsets(&placer.Result{Mappings: mappings}, []*layout.DylibLayout{d})
	if err == nil {
		t.Fatal("expected an error for an address outside every mapping")
	}
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Fatalf("expected ErrAddressOutOfRange, got %v", err)
	}
}
