// Package slideinfo builds the read-only page that tells dyld which
// pointers inside the cache's writable mapping must be slid when the
// cache is mapped at a base address other than the one it was built at.
package slideinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrPointerMisaligned = errors.New("pointer address is not 4-byte aligned")
	ErrPointerOutOfRange = errors.New("pointer address falls outside the writable mapping")
)

const (
	// entrySize is 4096 bytes covered at one bit per 4-byte slot: 4096/(8*4).
	entrySize  = 4096 / (8 * 4)
	pageSize   = 4096
	headerSize = 6 * 4 // version, toc_offset, toc_count, entries_offset, entries_count, entries_size
)

// Header mirrors the fixed-size slide-info page header.
type Header struct {
	Version       uint32
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32
}

// Result is a fully serialized slide-info page, ready to append to the
// cache buffer.
type Result struct {
	Header Header
	Data   []byte
}

// Build constructs the slide-info page for a writable mapping spanning
// [mappingAddr, mappingAddr+mappingSize) in the final cache address
// space, given the set of addresses (already deduplicated by the
// caller's use of a set) that hold a pointer requiring a slide. Returns
// nil, nil if mappingSize is zero or pointerAddrs is empty (no page is
// needed).
func Build(mappingAddr, mappingSize uint64, pointerAddrs map[uint64]struct{}) (*Result, error) {
	if mappingSize == 0 || len(pointerAddrs) == 0 {
		return nil, nil
	}
	if mappingSize%pageSize != 0 {
		return nil, fmt.Errorf("writable mapping size %#x is not page-aligned", mappingSize)
	}

	bitmapSize := int(mappingSize / (4 * 8))
	bitmap := make([]byte, bitmapSize)

	for addr := range pointerAddrs {
		if addr < mappingAddr || addr >= mappingAddr+mappingSize {
			return nil, fmt.Errorf("%w: %#x not within [%#x, %#x)", ErrPointerOutOfRange, addr, mappingAddr, mappingAddr+mappingSize)
		}
		offset := addr - mappingAddr
		if offset%4 != 0 {
			return nil, fmt.Errorf("%w: %#x", ErrPointerMisaligned, addr)
		}
		byteIndex := offset / 32
		bitInByte := (offset % 32) / 4
		bitmap[byteIndex] |= 1 << bitInByte
	}

	tocCount := bitmapSize / entrySize
	toc := make([]uint16, tocCount)
	var entries [][]byte

	for i := 0; i < tocCount; i++ {
		chunk := bitmap[i*entrySize : (i+1)*entrySize]
		found := -1
		for j, e := range entries {
			if bytes.Equal(e, chunk) {
				found = j
				break
			}
		}
		if found < 0 {
			found = len(entries)
			entries = append(entries, chunk)
		}
		if found > 0xffff {
			return nil, fmt.Errorf("too many unique slide-info entries (%d) to fit a u16 TOC", found)
		}
		toc[i] = uint16(found)
	}

	tocOffset := uint32(headerSize)
	tocBytesLen := uint32(tocCount) * 2
	// entries are laid out 128-byte aligned after the TOC, matching the
	// original's `(toc_offset + 2*toc_count + 127) & ~127` rounding.
	entriesOffset := (tocOffset + tocBytesLen + 127) &^ 127

	buf := make([]byte, entriesOffset+uint32(len(entries))*entrySize)
	order := binary.LittleEndian
	order.PutUint32(buf[0:], 1)
	order.PutUint32(buf[4:], tocOffset)
	order.PutUint32(buf[8:], uint32(tocCount))
	order.PutUint32(buf[12:], entriesOffset)
	order.PutUint32(buf[16:], uint32(len(entries)))
	order.PutUint32(buf[20:], entrySize)

	for i, idx := range toc {
		order.PutUint16(buf[tocOffset+uint32(i)*2:], idx)
	}
	for i, e := range entries {
		copy(buf[entriesOffset+uint32(i)*entrySize:], e)
	}

	return &Result{
		Header: Header{
			Version:       1,
			TocOffset:     tocOffset,
			TocCount:      uint32(tocCount),
			EntriesOffset: entriesOffset,
			EntriesCount:  uint32(len(entries)),
			EntriesSize:   entrySize,
		},
		Data: buf,
	}, nil
}
