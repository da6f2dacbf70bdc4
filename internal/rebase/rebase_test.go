package rebase

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

func segWithAddrs(name string, origAddr, size uint64, perms types.VmProtection) *layout.Segment {
	s := &layout.Segment{
		Name: name, OrigAddr: origAddr, OrigVMSize: size, OrigFileSize: size, OrigPerms: perms,
		Size: size, FileSize: size, Perms: perms,
	}
	return s
}

func TestSlideForOriginalVA(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x1000, types.VmProtRead|types.VmProtExecute)
	data := segWithAddrs("__DATA", 0x2000, 0x1000, types.VmProtRead|types.VmProtWrite)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text, data}}

	text.SetNewAddr(0x9000)
	data.SetNewAddr(0xb000)

	slide, err := SlideForOriginalVA(d, 0x1500)
	if err != nil {
		t.Fatalf("SlideForOriginalVA: %v", err)
	}
	if slide != 0x8000 {
		t.Fatalf("expected slide 0x8000, got %#x", slide)
	}

	slide, err = SlideForOriginalVA(d, 0x2800)
	if err != nil {
		t.Fatalf("SlideForOriginalVA: %v", err)
	}
	if slide != 0x9000 {
		t.Fatalf("expected slide 0x9000, got %#x", slide)
	}

	if _, err := SlideForOriginalVA(d, 0x5000); !errors.Is(err, ErrAddressOutOfRange) {
		t.Fatalf("expected ErrAddressOutOfRange, got %v", err)
	}
}

func TestReadULEB128RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0xffffffff}
	for _, want := range cases {
		var buf []byte
		v := want
		for {
			b := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				b |= 0x80
			}
			buf = append(buf, b)
			if v == 0 {
				break
			}
		}
		got, p, err := readULEB128(buf, 0)
		if err != nil {
			t.Fatalf("readULEB128(%#x): %v", want, err)
		}
		if got != want {
			t.Fatalf("readULEB128: got %#x want %#x", got, want)
		}
		if p != len(buf) {
			t.Fatalf("readULEB128: consumed %d want %d", p, len(buf))
		}
	}
}

func TestReadULEB128Truncated(t *testing.T) {
	if _, _, err := readULEB128([]byte{0x80, 0x80}, 0); !errors.Is(err, ErrMalformedRebaseInfo) {
		t.Fatalf("expected ErrMalformedRebaseInfo, got %v", err)
	}
}

func TestDoRebasePointer(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x1000, types.VmProtRead|types.VmProtExecute)
	data := segWithAddrs("__DATA", 0x2000, 0x1000, types.VmProtRead|types.VmProtWrite)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text, data}}
	text.SetNewAddr(0x9000)
	data.SetNewAddr(0xb000)

	arch := archinfo.ARM64
	order := binary.LittleEndian
	img := &Image{Dylib: d, Bytes: map[*layout.Segment][]byte{
		data: make([]byte, 0x10),
	}}
	// a pointer living in __DATA that targets an address inside __TEXT.
	order.PutUint64(img.Bytes[data], 0x1200)

	if err := doRebase(d, img, arch, order, 1, 0, types.REBASE_TYPE_POINTER); err != nil {
		t.Fatalf("doRebase: %v", err)
	}
	got := order.Uint64(img.Bytes[data])
	if got != 0x9200 {
		t.Fatalf("rebased pointer = %#x, want %#x", got, 0x9200)
	}
}

func TestDoRebaseBadSegmentIndex(t *testing.T) {
	d := &layout.DylibLayout{Segments: nil}
	img := &Image{Dylib: d, Bytes: map[*layout.Segment][]byte{}}
	err := doRebase(d, img, archinfo.ARM64, binary.LittleEndian, 0, 0, types.REBASE_TYPE_POINTER)
	if !errors.Is(err, ErrMalformedRebaseInfo) {
		t.Fatalf("expected ErrMalformedRebaseInfo, got %v", err)
	}
}

func TestDoLocalRelocationGenericVanilla(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x1000, types.VmProtRead|types.VmProtExecute)
	data := segWithAddrs("__DATA", 0x2000, 0x1000, types.VmProtRead|types.VmProtWrite)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text, data}}
	text.SetNewAddr(0x9000)
	data.SetNewAddr(0xb000)

	arch := archinfo.Info{CPU: types.CPUArm, PointerSize: 4}
	order := binary.LittleEndian
	img := &Image{Dylib: d, Bytes: map[*layout.Segment][]byte{data: make([]byte, 8)}}
	order.PutUint32(img.Bytes[data], 0x1100)

	r := relocationInfo{Address: uint32(data.OrigAddr), Packed: genericRelocVanilla << 28}
	if _, err := doLocalRelocation(d, img, arch, order, r); err != nil {
		t.Fatalf("doLocalRelocation: %v", err)
	}
	got := order.Uint32(img.Bytes[data])
	if got != 0x9100 {
		t.Fatalf("relocated pointer = %#x, want %#x", got, 0x9100)
	}
}

func TestDoLocalRelocationAmd64RejectsNonUnsigned(t *testing.T) {
	d := &layout.DylibLayout{}
	arch := archinfo.X86_64
	r := relocationInfo{Address: 0, Packed: 1 << 28}
	if _, err := doLocalRelocation(d, &Image{Dylib: d}, arch, binary.LittleEndian, r); !errors.Is(err, ErrBadRelocation) {
		t.Fatalf("expected ErrBadRelocation, got %v", err)
	}
}

func TestDoLocalRelocationScatteredRejectedOnArm(t *testing.T) {
	d := &layout.DylibLayout{}
	arch := archinfo.ARM64
	r := relocationInfo{Address: rScattered | (genericRelocPBLAPtr << 24), Packed: 0x1000}
	if _, err := doLocalRelocation(d, &Image{Dylib: d}, arch, binary.LittleEndian, r); !errors.Is(err, ErrBadRelocation) {
		t.Fatalf("expected ErrBadRelocation, got %v", err)
	}
}

func TestDoLocalRelocationScatteredI386(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x1000, types.VmProtRead|types.VmProtExecute)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text}}
	text.SetNewAddr(0x9000)

	arch := archinfo.X86
	r := relocationInfo{Address: rScattered | (genericRelocPBLAPtr << 24), Packed: 0x1200}
	adjusted, err := doLocalRelocation(d, &Image{Dylib: d}, arch, binary.LittleEndian, r)
	if err != nil {
		t.Fatalf("doLocalRelocation: %v", err)
	}
	if adjusted == nil {
		t.Fatal("expected adjusted scattered relocation")
	}
	if adjusted.Packed != 0x9200 {
		t.Fatalf("adjusted.Packed = %#x, want %#x", adjusted.Packed, 0x9200)
	}
}

func TestDoCodeUpdateKind1And2(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x2000, types.VmProtRead|types.VmProtExecute)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text}}
	order := binary.LittleEndian

	img := &Image{Dylib: d, Bytes: map[*layout.Segment][]byte{text: make([]byte, 0x20)}}
	order.PutUint32(img.Bytes[text][0x10:], 0x2000)
	order.PutUint64(img.Bytes[text][0x18:], 0x3000)

	if err := doCodeUpdate(d, img, order, 1, text.OrigAddr+0x10, 0, 0, 0x100, 0); err != nil {
		t.Fatalf("doCodeUpdate kind 1: %v", err)
	}
	if got := order.Uint32(img.Bytes[text][0x10:]); got != 0x2100 {
		t.Fatalf("kind 1 result = %#x, want %#x", got, 0x2100)
	}

	if err := doCodeUpdate(d, img, order, 2, text.OrigAddr+0x18, 0, 0, 0x100, 0); err != nil {
		t.Fatalf("doCodeUpdate kind 2: %v", err)
	}
	if got := order.Uint64(img.Bytes[text][0x18:]); got != 0x3100 {
		t.Fatalf("kind 2 result = %#x, want %#x", got, 0x3100)
	}
}

func TestDoCodeUpdateSkipsStubHelperPush(t *testing.T) {
	text := segWithAddrs("__TEXT", 0x1000, 0x2000, types.VmProtRead|types.VmProtExecute)
	d := &layout.DylibLayout{InstallName: "/usr/lib/libfoo.dylib", Segments: []*layout.Segment{text}}
	order := binary.LittleEndian

	img := &Image{Dylib: d, Bytes: map[*layout.Segment][]byte{text: make([]byte, 0x20)}}
	// byte before the fixup address is a "push imm32" opcode (0x68).
	img.Bytes[text][0x0f] = 0x68
	order.PutUint32(img.Bytes[text][0x10:], 0xdeadbeef)

	skipStart := text.OrigAddr
	skipEnd := text.OrigAddr + 0x20
	if err := doCodeUpdate(d, img, order, 1, text.OrigAddr+0x10, skipStart, skipEnd, 0x100, 0); err != nil {
		t.Fatalf("doCodeUpdate: %v", err)
	}
	if got := order.Uint32(img.Bytes[text][0x10:]); got != 0xdeadbeef {
		t.Fatalf("fixup should have been skipped, got %#x", got)
	}
}

func TestAdjustSectionAddressesSkipsZeroSlide(t *testing.T) {
	// OrigAddr 0 and no new_addr assigned gives Slide() == 0, so the loop
	// must skip the segment without ever touching d.File() (nil here).
	text := segWithAddrs("__TEXT", 0, 0x1000, types.VmProtRead|types.VmProtExecute)
	d := &layout.DylibLayout{Segments: []*layout.Segment{text}}
	adjustSectionAddresses(d)
}
