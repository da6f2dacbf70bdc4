package cache

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/placer"
)

// ErrMagicMismatch is returned when an existing cache file's header magic
// doesn't match the architecture being built or verified.
var ErrMagicMismatch = errors.New("cache: header magic does not match architecture")

const (
	magicSize       = 16
	headerFixedSize = magicSize + 4*4 + 7*8 + 16 // magic + 4 uint32 + 7 uint64 + uuid
	mappingEntrySize = 8 + 8 + 8 + 4 + 4
	imageEntrySize   = 8 + 8 + 8 + 4 + 4 // address, modTime, inode, pathFileOffset, pad
)

// header is the fixed-size prologue of a cache file: spec.md `# 6`'s
// "Header (fixed at offset 0)" field list, in its exact declared order.
type header struct {
	Magic [magicSize]byte

	MappingOffset uint32
	MappingCount  uint32
	ImagesOffset  uint32
	ImagesCount   uint32

	DyldBaseAddress     uint64
	CodeSignatureOffset uint64
	CodeSignatureSize   uint64
	SlideInfoOffset     uint64
	SlideInfoSize       uint64
	LocalSymbolsOffset  uint64
	LocalSymbolsSize    uint64

	UUID [16]byte
}

// magicFor builds the 16-byte "dyld_v1" + right-justified arch-name magic
// spec.md `# 6` describes, e.g. "dyld_v1   x86_64" padded with spaces.
func magicFor(arch archinfo.Info) [magicSize]byte {
	var m [magicSize]byte
	for i := range m {
		m[i] = ' '
	}
	copy(m[:], "dyld_v1")
	copy(m[magicSize-len(arch.Name):], arch.Name)
	return m
}

func (h *header) encode(order binary.ByteOrder) []byte {
	buf := make([]byte, headerFixedSize)
	copy(buf, h.Magic[:])
	off := magicSize
	order.PutUint32(buf[off:], h.MappingOffset)
	order.PutUint32(buf[off+4:], h.MappingCount)
	order.PutUint32(buf[off+8:], h.ImagesOffset)
	order.PutUint32(buf[off+12:], h.ImagesCount)
	off += 16
	order.PutUint64(buf[off:], h.DyldBaseAddress)
	order.PutUint64(buf[off+8:], h.CodeSignatureOffset)
	order.PutUint64(buf[off+16:], h.CodeSignatureSize)
	order.PutUint64(buf[off+24:], h.SlideInfoOffset)
	order.PutUint64(buf[off+32:], h.SlideInfoSize)
	order.PutUint64(buf[off+40:], h.LocalSymbolsOffset)
	order.PutUint64(buf[off+48:], h.LocalSymbolsSize)
	off += 56
	copy(buf[off:], h.UUID[:])
	return buf
}

func decodeHeader(data []byte, order binary.ByteOrder) (*header, error) {
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("cache: truncated header (%d bytes)", len(data))
	}
	h := &header{}
	copy(h.Magic[:], data[:magicSize])
	off := magicSize
	h.MappingOffset = order.Uint32(data[off:])
	h.MappingCount = order.Uint32(data[off+4:])
	h.ImagesOffset = order.Uint32(data[off+8:])
	h.ImagesCount = order.Uint32(data[off+12:])
	off += 16
	h.DyldBaseAddress = order.Uint64(data[off:])
	h.CodeSignatureOffset = order.Uint64(data[off+8:])
	h.CodeSignatureSize = order.Uint64(data[off+16:])
	h.SlideInfoOffset = order.Uint64(data[off+24:])
	h.SlideInfoSize = order.Uint64(data[off+32:])
	h.LocalSymbolsOffset = order.Uint64(data[off+40:])
	h.LocalSymbolsSize = order.Uint64(data[off+48:])
	off += 56
	copy(h.UUID[:], data[off:off+16])
	return h, nil
}

// encodeMapping writes one dyld_cache_mapping_info-shaped entry: address,
// size, fileOffset, maxProt, initProt.
func encodeMapping(order binary.ByteOrder, m placer.Mapping) []byte {
	buf := make([]byte, mappingEntrySize)
	order.PutUint64(buf[0:], m.Address)
	order.PutUint64(buf[8:], m.Size)
	order.PutUint64(buf[16:], m.FileOffset)
	order.PutUint32(buf[24:], uint32(m.MaxProt))
	order.PutUint32(buf[28:], uint32(m.InitProt))
	return buf
}

// imageEntry is one dyld_cache_image_info-shaped entry: a canonical
// dylib's placed base address, source mtime/inode, and the file offset of
// its null-terminated install-name (or alias) path string.
type imageEntry struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
}

func encodeImageEntry(order binary.ByteOrder, e imageEntry) []byte {
	buf := make([]byte, imageEntrySize)
	order.PutUint64(buf[0:], e.Address)
	order.PutUint64(buf[8:], e.ModTime)
	order.PutUint64(buf[16:], e.Inode)
	order.PutUint32(buf[24:], e.PathFileOffset)
	return buf
}

func decodeImageEntry(data []byte, order binary.ByteOrder) imageEntry {
	return imageEntry{
		Address:        order.Uint64(data[0:]),
		ModTime:        order.Uint64(data[8:]),
		Inode:          order.Uint64(data[16:]),
		PathFileOffset: order.Uint32(data[24:]),
	}
}

// computeUUID returns MD5(buf) with the RFC 4122 v3 variant bits applied
// to bytes 6 and 8, matching update_dyld_shared_cache's own
// "uuids should conform to RFC 4122" fixup of the raw MD5 digest.
func computeUUID(buf []byte) [16]byte {
	digest := md5.Sum(buf)
	digest[6] = (digest[6] & 0x0F) | (3 << 4)
	digest[8] = (digest[8] & 0x3F) | 0x80
	return digest
}

// localSymbolsHeaderSize is the fixed size of the optional unmapped
// local-symbols block's own header.
const localSymbolsHeaderSize = 6 * 4

type localSymbolsHeader struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

func (h localSymbolsHeader) encode(order binary.ByteOrder) []byte {
	buf := make([]byte, localSymbolsHeaderSize)
	order.PutUint32(buf[0:], h.NlistOffset)
	order.PutUint32(buf[4:], h.NlistCount)
	order.PutUint32(buf[8:], h.StringsOffset)
	order.PutUint32(buf[12:], h.StringsSize)
	order.PutUint32(buf[16:], h.EntriesOffset)
	order.PutUint32(buf[20:], h.EntriesCount)
	return buf
}

// localSymbolsEntrySize is the fixed size of one per-dylib
// dyld_cache_local_symbols_entry-shaped record.
const localSymbolsEntrySize = 3 * 4

func encodeLocalSymbolsEntry(order binary.ByteOrder, dylibOffset, startIndex, count uint32) []byte {
	buf := make([]byte, localSymbolsEntrySize)
	order.PutUint32(buf[0:], dylibOffset)
	order.PutUint32(buf[4:], startIndex)
	order.PutUint32(buf[8:], count)
	return buf
}

func byteOrderFor(arch archinfo.Info) binary.ByteOrder {
	if arch.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
