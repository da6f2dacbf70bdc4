package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/layout"
)

func writeFakeCache(t *testing.T, path string, arch archinfo.Info, images []imageEntry, paths []string) {
	t.Helper()
	order := byteOrderFor(arch)

	stringsOff := headerFixedSize + len(images)*imageEntrySize
	var strBuf []byte
	for i := range images {
		images[i].PathFileOffset = uint32(stringsOff + len(strBuf))
		strBuf = append(strBuf, paths[i]...)
		strBuf = append(strBuf, 0)
	}

	h := &header{
		Magic:        magicFor(arch),
		ImagesOffset: uint32(headerFixedSize),
		ImagesCount:  uint32(len(images)),
	}
	buf := append([]byte(nil), h.encode(order)...)
	for _, e := range images {
		buf = append(buf, encodeImageEntry(order, e)...)
	}
	buf = append(buf, strBuf...)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing fake cache: %v", err)
	}
}

func nodeFor(installName string, modTime, inode uint64) *depgraph.Node {
	return &depgraph.Node{Layout: &layout.DylibLayout{InstallName: installName, ModTime: modTime, Inode: inode}}
}

func TestNeedsRebuildMissingCache(t *testing.T) {
	rebuild, div, err := NeedsRebuild(filepath.Join(t.TempDir(), "no-such-cache"), archinfo.X86_64, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !rebuild || div == nil {
		t.Fatal("a missing cache file must always require a rebuild")
	}
}

func TestNeedsRebuildMagicMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	writeFakeCache(t, path, archinfo.ARM64, nil, nil)

	rebuild, div, err := NeedsRebuild(path, archinfo.X86_64, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !rebuild || div == nil {
		t.Fatal("a cache built for a different architecture must force a rebuild")
	}
}

func TestNeedsRebuildUpToDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	dylibs := []*depgraph.Node{nodeFor("/usr/lib/libfoo.dylib", 100, 7)}
	images := []imageEntry{{Address: 0x180008000, ModTime: 100, Inode: 7}}
	writeFakeCache(t, path, archinfo.ARM64, images, []string{"/usr/lib/libfoo.dylib"})

	rebuild, div, err := NeedsRebuild(path, archinfo.ARM64, dylibs, nil)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if rebuild {
		t.Fatalf("expected no rebuild needed, got divergence: %v", div)
	}
}

func TestNeedsRebuildChangedDylib(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	dylibs := []*depgraph.Node{nodeFor("/usr/lib/libfoo.dylib", 200, 7)}
	images := []imageEntry{{Address: 0x180008000, ModTime: 100, Inode: 7}}
	writeFakeCache(t, path, archinfo.ARM64, images, []string{"/usr/lib/libfoo.dylib"})

	rebuild, div, err := NeedsRebuild(path, archinfo.ARM64, dylibs, nil)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !rebuild {
		t.Fatal("a changed mtime must force a rebuild")
	}
	if len(div.ChangedDylibs) != 1 || div.ChangedDylibs[0] != "/usr/lib/libfoo.dylib" {
		t.Fatalf("unexpected changed dylib list: %+v", div.ChangedDylibs)
	}
}

func TestNeedsRebuildDifferentImageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	images := []imageEntry{{Address: 0x180008000, ModTime: 100, Inode: 7}}
	writeFakeCache(t, path, archinfo.ARM64, images, []string{"/usr/lib/libfoo.dylib"})

	dylibs := []*depgraph.Node{nodeFor("/usr/lib/libfoo.dylib", 100, 7), nodeFor("/usr/lib/libbar.dylib", 1, 2)}
	rebuild, div, err := NeedsRebuild(path, archinfo.ARM64, dylibs, nil)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !rebuild || div == nil {
		t.Fatal("a different dylib count must force a rebuild")
	}
}

func TestStateDivergenceError(t *testing.T) {
	d := &StateDivergence{Reason: "stale", ChangedDylibs: []string{"/usr/lib/a.dylib"}}
	if got := d.Error(); got == "" {
		t.Fatal("Error() must not be empty")
	}
	bare := &StateDivergence{Reason: "stale"}
	if bare.Error() != "stale" {
		t.Fatalf("Error() with no changed dylibs should just be the reason, got %q", bare.Error())
	}
}
