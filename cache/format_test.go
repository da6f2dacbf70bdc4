package cache

import (
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/placer"
	"github.com/blacktop/go-dyldcache/types"
)

func TestHeaderRoundTrip(t *testing.T) {
	order := byteOrderFor(archinfo.X86_64)
	h := &header{
		Magic:              magicFor(archinfo.X86_64),
		MappingOffset:      headerFixedSize,
		MappingCount:       3,
		ImagesOffset:       headerFixedSize + 3*mappingEntrySize,
		ImagesCount:        2,
		DyldBaseAddress:    0x7fff80000000,
		SlideInfoOffset:    0x1000,
		SlideInfoSize:      0x200,
		LocalSymbolsOffset: 0x2000,
		LocalSymbolsSize:   0x300,
	}

	buf := h.encode(order)
	if len(buf) != headerFixedSize {
		t.Fatalf("encode: got %d bytes, want %d", len(buf), headerFixedSize)
	}

	got, err := decodeHeader(buf, order)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got.Magic != h.Magic || got.MappingOffset != h.MappingOffset || got.MappingCount != h.MappingCount ||
		got.ImagesOffset != h.ImagesOffset || got.ImagesCount != h.ImagesCount ||
		got.DyldBaseAddress != h.DyldBaseAddress || got.SlideInfoOffset != h.SlideInfoOffset ||
		got.SlideInfoSize != h.SlideInfoSize || got.LocalSymbolsOffset != h.LocalSymbolsOffset ||
		got.LocalSymbolsSize != h.LocalSymbolsSize {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	if _, err := decodeHeader(make([]byte, 4), byteOrderFor(archinfo.ARM64)); err == nil {
		t.Fatal("expected an error decoding a truncated header")
	}
}

func TestMagicForPadsAndRightAligns(t *testing.T) {
	m := magicFor(archinfo.X86_64)
	if len(m) != magicSize {
		t.Fatalf("magic must be %d bytes, got %d", magicSize, len(m))
	}
	if string(m[magicSize-len("x86_64"):]) != "x86_64" {
		t.Fatalf("magic does not end with the architecture name: %q", m)
	}
	if m[0] != 'd' {
		t.Fatalf("magic does not start with the dyld_v1 prefix: %q", m)
	}
}

func TestMappingEntryRoundTrip(t *testing.T) {
	order := byteOrderFor(archinfo.ARM64)
	m := placer.Mapping{
		Address: 0x180008000, Size: 0x4000, FileOffset: 0x8000,
		MaxProt: types.VmProtRead | types.VmProtExecute, InitProt: types.VmProtRead | types.VmProtExecute,
	}
	buf := encodeMapping(order, m)
	if len(buf) != mappingEntrySize {
		t.Fatalf("encodeMapping: got %d bytes, want %d", len(buf), mappingEntrySize)
	}
	if order.Uint64(buf[0:]) != m.Address || order.Uint64(buf[8:]) != m.Size || order.Uint64(buf[16:]) != m.FileOffset {
		t.Fatalf("encodeMapping wrote unexpected bytes: %x", buf)
	}
}

func TestImageEntryRoundTrip(t *testing.T) {
	order := byteOrderFor(archinfo.X86_64)
	e := imageEntry{Address: 0x7fff80008000, ModTime: 12345, Inode: 67, PathFileOffset: 0x100}
	buf := encodeImageEntry(order, e)
	if len(buf) != imageEntrySize {
		t.Fatalf("encodeImageEntry: got %d bytes, want %d", len(buf), imageEntrySize)
	}
	got := decodeImageEntry(buf, order)
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestComputeUUIDIsRFC4122Variant3(t *testing.T) {
	uuid := computeUUID([]byte("some cache bytes"))
	if uuid[6]>>4 != 3 {
		t.Fatalf("uuid version nibble = %d, want 3", uuid[6]>>4)
	}
	if uuid[8]&0xC0 != 0x80 {
		t.Fatalf("uuid variant bits = %#x, want 0x80..", uuid[8]&0xC0)
	}
}

func TestComputeUUIDDeterministic(t *testing.T) {
	buf := []byte("identical buffer")
	a := computeUUID(buf)
	b := computeUUID(buf)
	if a != b {
		t.Fatalf("computeUUID is not deterministic: %x vs %x", a, b)
	}
}

func TestLocalSymbolsHeaderRoundTrip(t *testing.T) {
	order := byteOrderFor(archinfo.ARM)
	h := localSymbolsHeader{NlistOffset: 24, NlistCount: 10, StringsOffset: 200, StringsSize: 40, EntriesOffset: 24, EntriesCount: 2}
	buf := h.encode(order)
	if len(buf) != localSymbolsHeaderSize {
		t.Fatalf("encode: got %d bytes, want %d", len(buf), localSymbolsHeaderSize)
	}
	if order.Uint32(buf[0:]) != h.NlistOffset || order.Uint32(buf[20:]) != h.EntriesCount {
		t.Fatalf("encode wrote unexpected bytes: %x", buf)
	}
}

func TestEncodeLocalSymbolsEntry(t *testing.T) {
	order := byteOrderFor(archinfo.ARM)
	buf := encodeLocalSymbolsEntry(order, 0x1000, 5, 3)
	if len(buf) != localSymbolsEntrySize {
		t.Fatalf("got %d bytes, want %d", len(buf), localSymbolsEntrySize)
	}
	if order.Uint32(buf[0:]) != 0x1000 || order.Uint32(buf[4:]) != 5 || order.Uint32(buf[8:]) != 3 {
		t.Fatalf("unexpected bytes: %x", buf)
	}
}

func TestByteOrderFor(t *testing.T) {
	if byteOrderFor(archinfo.X86_64).String() != "LittleEndian" {
		t.Fatalf("x86_64 must decode little-endian")
	}
}
