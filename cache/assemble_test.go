package cache

import (
	"testing"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/linkedit"
)

func TestNlistEntrySize(t *testing.T) {
	if got := nlistEntrySize(archinfo.ARM64); got != 16 {
		t.Fatalf("arm64 nlist entry size = %d, want 16", got)
	}
	if got := nlistEntrySize(archinfo.ARM); got != 12 {
		t.Fatalf("armv7 nlist entry size = %d, want 12", got)
	}
}

func TestBuildLocalSymbolsBlockLayout(t *testing.T) {
	arch := archinfo.ARM64
	order := byteOrderFor(arch)

	nsyms := 2
	nlist := make([]byte, nsyms*int(nlistEntrySize(arch)))
	strs := linkedit.NewStringPool()
	strs.AddUnique("_foo")
	strs.AddUnique("_bar")

	merge := &linkedit.Result{
		UnmappedLocalSymbols: nlist,
		UnmappedLocalStrings: strs,
		LocalSymbolInfos: []linkedit.LocalSymbolsBlock{
			{DylibOffset: 0x8000, StartIndex: 0, Count: 2},
		},
	}

	block := buildLocalSymbolsBlock(order, arch, merge)

	var h localSymbolsHeader
	h.NlistOffset = order.Uint32(block[0:])
	h.NlistCount = order.Uint32(block[4:])
	h.StringsOffset = order.Uint32(block[8:])
	h.StringsSize = order.Uint32(block[12:])
	h.EntriesOffset = order.Uint32(block[16:])
	h.EntriesCount = order.Uint32(block[20:])

	if h.EntriesOffset != localSymbolsHeaderSize {
		t.Fatalf("entries offset = %d, want %d", h.EntriesOffset, localSymbolsHeaderSize)
	}
	if h.EntriesCount != 1 {
		t.Fatalf("entries count = %d, want 1", h.EntriesCount)
	}
	if h.NlistOffset != localSymbolsHeaderSize+uint32(localSymbolsEntrySize) {
		t.Fatalf("nlist offset = %d, want %d", h.NlistOffset, localSymbolsHeaderSize+uint32(localSymbolsEntrySize))
	}
	if h.NlistCount != uint32(nsyms) {
		t.Fatalf("nlist count = %d, want %d", h.NlistCount, nsyms)
	}
	if h.StringsOffset != h.NlistOffset+uint32(len(nlist)) {
		t.Fatalf("strings offset = %d, want %d", h.StringsOffset, h.NlistOffset+uint32(len(nlist)))
	}
	if h.StringsSize != uint32(len(strs.Bytes())) {
		t.Fatalf("strings size = %d, want %d", h.StringsSize, len(strs.Bytes()))
	}
	if len(block) != int(h.StringsOffset+h.StringsSize) {
		t.Fatalf("block length = %d, want %d", len(block), h.StringsOffset+h.StringsSize)
	}

	entryOff := int(h.EntriesOffset)
	gotDylibOffset := order.Uint32(block[entryOff:])
	gotStart := order.Uint32(block[entryOff+4:])
	gotCount := order.Uint32(block[entryOff+8:])
	if gotDylibOffset != 0x8000 || gotStart != 0 || gotCount != 2 {
		t.Fatalf("entry = (%d, %d, %d), want (0x8000, 0, 2)", gotDylibOffset, gotStart, gotCount)
	}
}

func TestBuildLocalSymbolsBlockNoStrings(t *testing.T) {
	arch := archinfo.ARM64
	order := byteOrderFor(arch)
	merge := &linkedit.Result{}
	block := buildLocalSymbolsBlock(order, arch, merge)
	if len(block) != localSymbolsHeaderSize {
		t.Fatalf("an empty merge result should produce just the header, got %d bytes", len(block))
	}
}
