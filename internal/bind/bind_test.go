package bind

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/rebase"
	"github.com/blacktop/go-dyldcache/types"
)

// --- fake depgraph.Opener, mirroring internal/depgraph's own test fixture ---

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

func TestOrdinalTableSkipsDroppedWeakDependency(t *testing.T) {
	op := newFakeOpener()
	op.addDylib("/usr/lib/libsystem.dylib", &layout.DylibLayout{
		Path: "/usr/lib/libsystem.dylib", InstallName: "/usr/lib/libsystem.dylib",
		Kind: layout.KindDylib, Flags: types.TwoLevel, HasSplitSegInfo: true,
	})
	op.addDylib("/usr/lib/libbase.dylib", &layout.DylibLayout{
		Path: "/usr/lib/libbase.dylib", InstallName: "/usr/lib/libbase.dylib",
		Kind: layout.KindDylib, Flags: types.TwoLevel, HasSplitSegInfo: true,
	})
	op.addDylib("/usr/lib/libtop.dylib", &layout.DylibLayout{
		Path: "/usr/lib/libtop.dylib", InstallName: "/usr/lib/libtop.dylib",
		Kind: layout.KindDylib, Flags: types.TwoLevel, HasSplitSegInfo: true,
		Dependencies: []layout.Dependency{
			{Name: "/usr/lib/libbase.dylib"},
			{Name: "/usr/lib/libmissing.dylib", Weak: true},
			{Name: "/usr/lib/libsystem.dylib"},
		},
	})

	g := depgraph.New(archinfo.ARM64, op, "", "")
	root, err := g.AddRoot("/usr/lib/libtop.dylib")
	if err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	table := ordinalTable(root)
	if len(table) != 3 {
		t.Fatalf("ordinalTable: got %d entries, want 3", len(table))
	}
	if table[0] == nil || table[0].InstallName != "/usr/lib/libbase.dylib" {
		t.Fatalf("ordinalTable[0] = %v, want libbase.dylib", table[0])
	}
	if table[1] != nil {
		t.Fatalf("ordinalTable[1] should be nil for the unresolved weak dependency, got %v", table[1])
	}
	if table[2] == nil || table[2].InstallName != "/usr/lib/libsystem.dylib" {
		t.Fatalf("ordinalTable[2] = %v, want libsystem.dylib", table[2])
	}
}

func TestDependentForOrdinalSpecialCases(t *testing.T) {
	self := &layout.DylibLayout{InstallName: "/usr/lib/libself.dylib"}
	dep := &layout.DylibLayout{InstallName: "/usr/lib/libdep.dylib"}
	b := &binder{dylib: self, ordinals: []*layout.DylibLayout{dep}}

	if got, err := b.dependentForOrdinal(types.SelfLibraryOrdinal); err != nil || got != self {
		t.Fatalf("self ordinal: got %v, %v", got, err)
	}
	if got, err := b.dependentForOrdinal(1); err != nil || got != dep {
		t.Fatalf("ordinal 1: got %v, %v", got, err)
	}
	if _, err := b.dependentForOrdinal(types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP); !errors.Is(err, ErrBadOrdinal) {
		t.Fatalf("flat lookup ordinal: expected ErrBadOrdinal, got %v", err)
	}
	if _, err := b.dependentForOrdinal(types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE); !errors.Is(err, ErrBadOrdinal) {
		t.Fatalf("main executable ordinal: expected ErrBadOrdinal, got %v", err)
	}
	if _, err := b.dependentForOrdinal(5); !errors.Is(err, ErrBadOrdinal) {
		t.Fatalf("out of range ordinal: expected ErrBadOrdinal, got %v", err)
	}
}

func TestFindExportedDirect(t *testing.T) {
	dep := &layout.DylibLayout{InstallName: "/usr/lib/libdep.dylib"}
	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		dep: {dylib: dep, exports: map[string]uint64{"_foo": 0x1000}, reexportsDone: true},
	}}

	addr, foundIn, isResolver, err := r.findExported(dep, "_foo")
	if err != nil {
		t.Fatalf("findExported: %v", err)
	}
	if addr != 0x1000 || foundIn != dep || isResolver {
		t.Fatalf("findExported = %#x, %v, %v", addr, foundIn, isResolver)
	}

	if _, _, _, err := r.findExported(dep, "_missing"); !errors.Is(err, ErrUndefinedSymbol) {
		t.Fatalf("expected ErrUndefinedSymbol, got %v", err)
	}
}

func TestFindExportedWholeDylibReexport(t *testing.T) {
	inner := &layout.DylibLayout{InstallName: "/usr/lib/libinner.dylib"}
	outer := &layout.DylibLayout{
		InstallName: "/usr/lib/libouter.dylib",
		Dependencies: []layout.Dependency{
			{Name: "/usr/lib/libinner.dylib", ReExport: true},
		},
	}
	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		inner: {dylib: inner, exports: map[string]uint64{"_bar": 0x2000}, reexportsDone: true},
		outer: {dylib: outer, exports: map[string]uint64{}, ordinals: []*layout.DylibLayout{inner}, reexportsDone: true},
	}}

	addr, foundIn, _, err := r.findExported(outer, "_bar")
	if err != nil {
		t.Fatalf("findExported through whole-dylib re-export: %v", err)
	}
	if addr != 0x2000 || foundIn != inner {
		t.Fatalf("findExported = %#x, %v", addr, foundIn)
	}
}

func TestFindExportedLazyIndividualReexport(t *testing.T) {
	inner := &layout.DylibLayout{InstallName: "/usr/lib/libinner.dylib"}
	outer := &layout.DylibLayout{InstallName: "/usr/lib/libouter.dylib"}
	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		inner: {dylib: inner, exports: map[string]uint64{"_baz": 0x3000}, reexportsDone: true},
		outer: {
			dylib:     outer,
			exports:   map[string]uint64{},
			ordinals:  []*layout.DylibLayout{inner},
			reexports: []reexport{{exportName: "_baz", ordinal: 1, importName: "_baz"}},
		},
	}}

	addr, foundIn, _, err := r.findExported(outer, "_baz")
	if err != nil {
		t.Fatalf("findExported lazy re-export: %v", err)
	}
	if addr != 0x3000 || foundIn != outer {
		t.Fatalf("findExported = %#x, %v", addr, foundIn)
	}
	if !r.binderFor(outer).reexportsDone {
		t.Fatal("reexportsDone should be set after first lookup")
	}
}

func TestIsPublicLocation(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"/usr/lib/libSystem.B.dylib", true},
		{"/usr/lib/system/libcommonCrypto.dylib", false},
		{"/System/Library/Frameworks/Foundation.framework/Foundation", true},
		{"/System/Library/Frameworks/Foundation.framework/Versions/C/Foundation", false},
		{"/System/Library/PrivateFrameworks/Foo.framework/Foo", false},
		{"/usr/local/lib/libfoo.dylib", false},
	}
	for _, c := range cases {
		if got := isPublicLocation(c.name); got != c.want {
			t.Errorf("isPublicLocation(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestReadSLEB128RoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 63, -64, 12345, -12345, 0x3fffffff, -0x40000000}
	for _, want := range cases {
		var buf []byte
		v := want
		for {
			b := byte(v & 0x7f)
			v >>= 7
			signBitSet := b&0x40 != 0
			if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
				buf = append(buf, b)
				break
			}
			buf = append(buf, b|0x80)
		}
		got, p, err := readSLEB128(buf, 0)
		if err != nil {
			t.Fatalf("readSLEB128(%d): %v", want, err)
		}
		if got != want {
			t.Fatalf("readSLEB128: got %d want %d", got, want)
		}
		if p != len(buf) {
			t.Fatalf("readSLEB128: consumed %d want %d", p, len(buf))
		}
	}
}

func TestReadCStringTruncated(t *testing.T) {
	if _, _, err := readCString([]byte{'a', 'b'}, 0); !errors.Is(err, ErrMalformedBindInfo) {
		t.Fatalf("expected ErrMalformedBindInfo, got %v", err)
	}
}

func segWithAddrs(name string, origAddr uint64, perms types.VmProtection) *layout.Segment {
	return &layout.Segment{Name: name, OrigAddr: origAddr, Perms: perms}
}

func TestBindAtWritesPointer(t *testing.T) {
	data := segWithAddrs("__DATA", 0x2000, types.VmProtRead|types.VmProtWrite)
	data.SetNewAddr(0xb000)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libtop.dylib", Segments: []*layout.Segment{data}}
	dep := &layout.DylibLayout{InstallName: "/usr/lib/libdep.dylib"}

	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		d:   {dylib: d, ordinals: []*layout.DylibLayout{dep}, exports: map[string]uint64{}, reexportsDone: true},
		dep: {dylib: dep, exports: map[string]uint64{"_foo": 0x1000}, reexportsDone: true},
	}}

	img := &rebase.Image{Dylib: d, Bytes: map[*layout.Segment][]byte{data: make([]byte, 0x10)}}
	if err := r.bindAt(d, img, 0, 0x8, types.BIND_TYPE_POINTER, 1, 4, "_foo", false); err != nil {
		t.Fatalf("bindAt: %v", err)
	}
	got := binary.LittleEndian.Uint64(img.Bytes[data][0x8:])
	if got != 0x1004 {
		t.Fatalf("bound pointer = %#x, want %#x", got, 0x1004)
	}
}

func TestBindAtSkipsLazyResolver(t *testing.T) {
	data := segWithAddrs("__DATA", 0x2000, types.VmProtRead|types.VmProtWrite)
	data.SetNewAddr(0xb000)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libtop.dylib", Segments: []*layout.Segment{data}}
	dep := &layout.DylibLayout{InstallName: "/usr/lib/libdep.dylib"}

	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		d:   {dylib: d, ordinals: []*layout.DylibLayout{dep}, exports: map[string]uint64{}, reexportsDone: true},
		dep: {dylib: dep, exports: map[string]uint64{"_foo": 0x1000}, resolvers: map[string]bool{"_foo": true}, reexportsDone: true},
	}}

	img := &rebase.Image{Dylib: d, Bytes: map[*layout.Segment][]byte{data: make([]byte, 0x10)}}
	for i := range img.Bytes[data] {
		img.Bytes[data][i] = 0xAA
	}
	if err := r.bindAt(d, img, 0, 0x8, types.BIND_TYPE_POINTER, 1, 0, "_foo", true); err != nil {
		t.Fatalf("bindAt: %v", err)
	}
	for _, b := range img.Bytes[data][0x8 : 0x8+8] {
		if b != 0xAA {
			t.Fatalf("lazy-bound resolver pointer should have been left untouched, got %#x", img.Bytes[data][0x8:0x10])
		}
	}
	if len(r.resolverClients) != 1 {
		t.Fatalf("expected one (client, owner, symbol) fact published, got %d", len(r.resolverClients))
	}
	rc := r.resolverClients[0]
	if rc.client != d || rc.owner != dep || rc.symbol != "_foo" {
		t.Fatalf("unexpected resolver client fact: %+v", rc)
	}
}

// TestBindAtRecordsOwnLazyPointer exercises the other half of resolver
// handling: a dylib binding a lazy pointer to its own resolver (library
// ordinal SELF) records its own lazy-pointer VA instead of a client fact,
// since it is the owner, not a client, of that resolver.
func TestBindAtRecordsOwnLazyPointer(t *testing.T) {
	data := segWithAddrs("__DATA", 0x2000, types.VmProtRead|types.VmProtWrite)
	data.SetNewAddr(0xb000)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libself.dylib", Segments: []*layout.Segment{data}}

	r := &Registry{arch: archinfo.ARM64, binders: map[*layout.DylibLayout]*binder{
		d: {dylib: d, exports: map[string]uint64{"_q": 0x1000}, resolvers: map[string]bool{"_q": true}, reexportsDone: true},
	}}

	img := &rebase.Image{Dylib: d, Bytes: map[*layout.Segment][]byte{data: make([]byte, 0x10)}}
	if err := r.bindAt(d, img, 0, 0x8, types.BIND_TYPE_POINTER, types.SelfLibraryOrdinal, 0, "_q", true); err != nil {
		t.Fatalf("bindAt: %v", err)
	}
	want := data.NewAddr + 0x8
	if got := r.lazyPointers[d]["_q"]; got != want {
		t.Fatalf("lazy pointer VA = %#x, want %#x", got, want)
	}
	if len(r.resolverClients) != 0 {
		t.Fatalf("binding a dylib's own resolver lazy pointer must not publish a client fact, got %+v", r.resolverClients)
	}
}

// TestOptimizeRewritesX86_64Stub exercises the scenario where B exports a
// resolver q with a lazy pointer at VA LP, and A's stub for q must be
// rewritten to jump via LP with offset == LP - (stub_va + 6).
func TestOptimizeRewritesX86_64Stub(t *testing.T) {
	const stubVMAddr = 0x4000
	const lpVMAddr = 0x9000
	stub := []byte{0xFF, 0x25, 0, 0, 0, 0}
	rewriteResolverStub(archinfo.X86_64, binary.LittleEndian, stub, stubVMAddr, lpVMAddr)

	if stub[0] != 0xFF || stub[1] != 0x25 {
		t.Fatalf("opcode bytes must be left untouched, got %#x %#x", stub[0], stub[1])
	}
	offset := int32(binary.LittleEndian.Uint32(stub[2:]))
	want := int32(lpVMAddr - (stubVMAddr + 6))
	if offset != want {
		t.Fatalf("disp32 = %#x, want %#x (LP - (stub_va + 6))", offset, want)
	}
}

func TestOptimizeRewritesArmStub(t *testing.T) {
	const stubVMAddr = 0x8000
	const lpVMAddr = 0x20000
	stub := make([]byte, 16)
	binary.LittleEndian.PutUint32(stub[0:], 0xe59fc004)
	binary.LittleEndian.PutUint32(stub[4:], 0xe08fc00c)
	binary.LittleEndian.PutUint32(stub[8:], 0xe59cf000)
	rewriteResolverStub(archinfo.ARM, binary.LittleEndian, stub, stubVMAddr, lpVMAddr)

	got := binary.LittleEndian.Uint32(stub[12:])
	want := uint32(lpVMAddr - (stubVMAddr + 12))
	if got != want {
		t.Fatalf(".long = %#x, want %#x (LP - (stub_va + 12))", got, want)
	}
}

func TestOptimizeRewriteArmStubRejectsUnexpectedInstructions(t *testing.T) {
	stub := make([]byte, 16)
	original := append([]byte(nil), stub...)
	rewriteResolverStub(archinfo.ARM, binary.LittleEndian, stub, 0x8000, 0x20000)
	for i := range stub {
		if stub[i] != original[i] {
			t.Fatalf("a stub whose instructions don't match the expected PIC sequence must not be rewritten")
		}
	}
}

func TestOptimizeNoopOnUnsupportedArch(t *testing.T) {
	stub := []byte{0xFF, 0x25, 0, 0, 0, 0}
	original := append([]byte(nil), stub...)
	rewriteResolverStub(archinfo.ARM64, binary.LittleEndian, stub, 0x4000, 0x9000)
	for i := range stub {
		if stub[i] != original[i] {
			t.Fatalf("arm64 stubs are not rewritten by the resolver optimization")
		}
	}
}

func TestBindFastStubPatchesX86Only(t *testing.T) {
	loc := make([]byte, 5)
	bindFastStub(archinfo.ARM64, loc, 0x1000, 0x2000, 5)
	for _, b := range loc {
		if b != 0 {
			t.Fatal("bindFastStub must be a no-op on arm64")
		}
	}

	x86 := archinfo.X86
	bindFastStub(x86, loc, 0x1000, 0x2000, 5)
	if loc[0] != 0xE9 {
		t.Fatalf("expected JMP rel32 opcode, got %#x", loc[0])
	}
	rel32 := int32(binary.LittleEndian.Uint32(loc[1:]))
	if got := int64(0x1000) + 5 + int64(rel32); got != 0x2000 {
		t.Fatalf("patched jump target = %#x, want 0x2000", got)
	}
}

// doBindDyldInfo/doBindDyldLazyInfo themselves need a DylibLayout backed
// by a real *macho.File so d.File().ReadAt can serve the opcode bytes;
// that construction belongs in an integration-level test once
// internal/cache can build one end to end. The opcode stream's per-record
// effect (ordinal/type/segment-offset tracking, the five DO_BIND
// variants) is exercised directly through bindAt above instead.
