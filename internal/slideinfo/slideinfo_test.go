package slideinfo

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuildNilOnEmptyInput(t *testing.T) {
	r, err := Build(0x1000, 0, nil)
	if err != nil || r != nil {
		t.Fatalf("expected nil, nil for zero-size mapping, got %+v, %v", r, err)
	}
	r, err = Build(0x1000, 4096, map[uint64]struct{}{})
	if err != nil || r != nil {
		t.Fatalf("expected nil, nil for empty pointer set, got %+v, %v", r, err)
	}
}

func TestBuildRejectsMisalignedPointer(t *testing.T) {
	ptrs := map[uint64]struct{}{0x1001: {}}
	if _, err := Build(0x1000, 4096, ptrs); !errors.Is(err, ErrPointerMisaligned) {
		t.Fatalf("expected ErrPointerMisaligned, got %v", err)
	}
}

func TestBuildRejectsOutOfRangePointer(t *testing.T) {
	ptrs := map[uint64]struct{}{0x5000: {}}
	if _, err := Build(0x1000, 4096, ptrs); !errors.Is(err, ErrPointerOutOfRange) {
		t.Fatalf("expected ErrPointerOutOfRange, got %v", err)
	}
}

func TestBuildSetsBitsAndHeader(t *testing.T) {
	mappingAddr := uint64(0x10000)
	mappingSize := uint64(4096)
	ptrs := map[uint64]struct{}{
		mappingAddr:      {}, // offset 0, byte 0 bit 0
		mappingAddr + 4:  {}, // offset 4, byte 0 bit 1
		mappingAddr + 32: {}, // offset 32, byte 1 bit 0
	}
	r, err := Build(mappingAddr, mappingSize, ptrs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Header.Version != 1 {
		t.Fatalf("version = %d, want 1", r.Header.Version)
	}
	if r.Header.TocCount != uint32(mappingSize/pageSize) {
		t.Fatalf("toc count = %d, want %d", r.Header.TocCount, mappingSize/pageSize)
	}
	if r.Header.EntriesCount != 1 {
		t.Fatalf("entries count = %d, want 1 (single page, single unique bitmap)", r.Header.EntriesCount)
	}

	order := binary.LittleEndian
	if got := order.Uint32(r.Data[0:]); got != 1 {
		t.Fatalf("serialized version = %d, want 1", got)
	}
	entry := r.Data[r.Header.EntriesOffset : r.Header.EntriesOffset+r.Header.EntriesSize]
	if entry[0]&0x3 != 0x3 {
		t.Fatalf("expected bits 0 and 1 set in first entry byte, got %#x", entry[0])
	}
	if entry[1]&0x1 != 0x1 {
		t.Fatalf("expected bit 0 set in second entry byte, got %#x", entry[1])
	}
}

func TestBuildDeduplicatesIdenticalPages(t *testing.T) {
	mappingAddr := uint64(0)
	mappingSize := uint64(pageSize * 2)
	// same relative offset (0) set on both pages -> identical bitmap chunk.
	ptrs := map[uint64]struct{}{
		mappingAddr:              {},
		mappingAddr + pageSize:   {},
	}
	r, err := Build(mappingAddr, mappingSize, ptrs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Header.EntriesCount != 1 {
		t.Fatalf("entries count = %d, want 1 (both pages share the same bitmap)", r.Header.EntriesCount)
	}
	if r.Header.TocCount != 2 {
		t.Fatalf("toc count = %d, want 2", r.Header.TocCount)
	}
	order := binary.LittleEndian
	toc0 := order.Uint16(r.Data[r.Header.TocOffset:])
	toc1 := order.Uint16(r.Data[r.Header.TocOffset+2:])
	if toc0 != toc1 {
		t.Fatalf("expected both TOC entries to point at the same unique entry, got %d and %d", toc0, toc1)
	}
}

func TestBuildRejectsUnalignedMappingSize(t *testing.T) {
	ptrs := map[uint64]struct{}{0: {}}
	if _, err := Build(0, 100, ptrs); err == nil {
		t.Fatal("expected error for non-page-aligned mapping size")
	}
}
