package depgraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

type fakeFile struct {
	layout  *layout.DylibLayout
	symlink string
}

type fakeOpener struct {
	files map[string]*fakeFile
}

func newFakeOpener() *fakeOpener { return &fakeOpener{files: make(map[string]*fakeFile)} }

func (f *fakeOpener) addDylib(path string, dl *layout.DylibLayout) {
	f.files[path] = &fakeFile{layout: dl}
}

func (f *fakeOpener) addSymlink(path, target string) {
	f.files[path] = &fakeFile{symlink: target}
}

func (f *fakeOpener) Stat(path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeOpener) Realpath(path string) (string, error) {
	entry, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	if entry.symlink != "" {
		return f.Realpath(entry.symlink)
	}
	return path, nil
}

func (f *fakeOpener) Readlink(path string) (string, bool, error) {
	entry, ok := f.files[path]
	if !ok || entry.symlink == "" {
		return "", false, nil
	}
	return entry.symlink, true, nil
}

func (f *fakeOpener) Open(path string, arch archinfo.Info) (*layout.DylibLayout, error) {
	entry, ok := f.files[path]
	if !ok || entry.layout == nil {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return entry.layout, nil
}

// Dependency aliases layout.Dependency so tests below read a little less
// verbosely.
type Dependency = layout.Dependency

func twoLevelDylib(installName string, deps ...Dependency) *layout.DylibLayout {
	return &layout.DylibLayout{
		Path:            installName,
		InstallName:     installName,
		Kind:            layout.KindDylib,
		Flags:           types.TwoLevel,
		HasSplitSegInfo: true,
		Dependencies:    deps,
	}
}

func TestFindShareableExcludesFlatNamespaceAndItsDependents(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libflat.dylib", &layout.DylibLayout{
		Path: "/usr/lib/libflat.dylib", InstallName: "/usr/lib/libflat.dylib",
		Kind: layout.KindDylib, Flags: 0, HasSplitSegInfo: true,
	})
	op.addDylib("/usr/lib/libsystem.dylib", twoLevelDylib("/usr/lib/libsystem.dylib",
		Dependency{Name: "/usr/lib/libflat.dylib"}))
	op.addDylib("/System/Library/Frameworks/Foundation.framework/Foundation",
		twoLevelDylib("/System/Library/Frameworks/Foundation.framework/Foundation"))

	g := New(archinfo.ARM64, op, "", "")
	if _, err := g.AddRoot("/usr/lib/libsystem.dylib"); err != nil {
		t.Fatalf("AddRoot libsystem: %v", err)
	}
	if _, err := g.AddRoot("/System/Library/Frameworks/Foundation.framework/Foundation"); err != nil {
		t.Fatalf("AddRoot Foundation: %v", err)
	}

	shared := g.FindShareable()
	names := make(map[string]bool)
	for _, n := range shared {
		names[n.Layout.InstallName] = true
	}
	if names["/usr/lib/libflat.dylib"] {
		t.Error("flat-namespace dylib should not be shareable")
	}
	if names["/usr/lib/libsystem.dylib"] {
		t.Error("dylib depending on a non-shareable dylib should not be shareable")
	}
	if !names["/System/Library/Frameworks/Foundation.framework/Foundation"] {
		t.Error("independent two-level dylib should be shareable")
	}
}

func TestAddRootDropsNonSharableDependencyFromMainExecutable(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libsystem.dylib", twoLevelDylib("/usr/lib/libsystem.dylib"))
	op.addDylib("/bin/ls", &layout.DylibLayout{
		Path: "/bin/ls", InstallName: "/bin/ls", Kind: layout.KindExecutable,
		Dependencies: []layout.Dependency{
			{Name: "/usr/lib/libsystem.dylib"},
			{Name: "/Applications/Foo.app/Contents/MacOS/Foo"},
		},
	})

	g := New(archinfo.ARM64, op, "", "")
	root, err := g.AddRoot("/bin/ls")
	if err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if len(root.DependsOn()) != 1 || root.DependsOn()[0].Layout.InstallName != "/usr/lib/libsystem.dylib" {
		t.Fatalf("expected only libsystem.dylib as a dependent, got %+v", root.DependsOn())
	}
}

func TestRPathDependencyDisqualifiesNonWeakSplitSegDylib(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libneedsrpath.dylib", twoLevelDylib("/usr/lib/libneedsrpath.dylib",
		Dependency{Name: "@rpath/libwidget.dylib"}))

	g := New(archinfo.ARM64, op, "", "")
	if _, err := g.AddRoot("/usr/lib/libneedsrpath.dylib"); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	shared := g.FindShareable()
	for _, n := range shared {
		if n.Layout.InstallName == "/usr/lib/libneedsrpath.dylib" {
			t.Fatal("dylib with an unresolved non-weak @rpath dependency must not be shareable")
		}
	}
	if len(g.Warnings) == 0 {
		t.Fatal("expected a warning about the unresolved dependency")
	}
}

func TestRPathDependencyIgnoredWhenWeak(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libok.dylib", twoLevelDylib("/usr/lib/libok.dylib",
		Dependency{Name: "@rpath/liboptional.dylib", Weak: true}))

	g := New(archinfo.ARM64, op, "", "")
	if _, err := g.AddRoot("/usr/lib/libok.dylib"); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	shared := g.FindShareable()
	found := false
	for _, n := range shared {
		if n.Layout.InstallName == "/usr/lib/libok.dylib" {
			found = true
		}
	}
	if !found {
		t.Fatal("a weak unresolved @rpath dependency must not disqualify the dylib")
	}
}

func TestAliasRecordedForSymlinkedInstallName(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libsystem.dylib", twoLevelDylib("/usr/lib/libsystem.dylib"))
	op.addSymlink("/usr/lib/system/libsystem_alias.dylib", "/usr/lib/libsystem.dylib")
	op.addDylib("/usr/lib/libuser.dylib", twoLevelDylib("/usr/lib/libuser.dylib",
		Dependency{Name: "/usr/lib/system/libsystem_alias.dylib"}))

	g := New(archinfo.ARM64, op, "", "")
	if _, err := g.AddRoot("/usr/lib/libuser.dylib"); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	aliases := g.Aliases()
	found := false
	for _, a := range aliases {
		if a.Alias == "/usr/lib/system/libsystem_alias.dylib" && a.Canonical == "/usr/lib/libsystem.dylib" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alias entry for symlinked install name, got %+v", aliases)
	}
}

func TestInstallNameCollisionFailsOnUUIDMismatch(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libsystem.dylib", &layout.DylibLayout{
		Path: "/usr/lib/libsystem.dylib", InstallName: "/usr/lib/libsystem.dylib",
		Kind: layout.KindDylib, Flags: types.TwoLevel, HasSplitSegInfo: true, UUID: "uuid-a",
	})
	// A second, different file that happens to carry the same install name.
	op.addDylib("/tmp/libsystem.dylib", &layout.DylibLayout{
		Path: "/tmp/libsystem.dylib", InstallName: "/usr/lib/libsystem.dylib",
		Kind: layout.KindDylib, Flags: types.TwoLevel, HasSplitSegInfo: true, UUID: "uuid-b",
	})

	g := New(archinfo.ARM64, op, "", "")
	if _, err := g.AddRoot("/usr/lib/libsystem.dylib"); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := g.AddRoot("/tmp/libsystem.dylib"); !errors.Is(err, ErrInstallNameCollision) {
		t.Fatalf("expected ErrInstallNameCollision, got %v", err)
	}
}
