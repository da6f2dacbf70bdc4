package cache

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/linkedit"
	"github.com/blacktop/go-dyldcache/internal/mmap"
	"github.com/blacktop/go-dyldcache/internal/rebase"
	"github.com/blacktop/go-dyldcache/internal/slideinfo"
)

// headerAreaSize is the fixed gap placer.Place reserves before the first
// dylib's __TEXT segment, shared by the cache header, mapping table,
// image table, and install-name/alias string pool.
const headerAreaSize = 0x8000

// assemble lays every placed, rebased, and bound dylib's bytes into the
// final cache buffer alongside the merged linkedit, slide info, and
// (optionally) unmapped local symbols, computes the whole-file UUID, and
// publishes the result atomically to bc.Opts.OutputPath.
func (bc *BuildContext) assemble(images map[*layout.DylibLayout]*rebase.Image, merge *linkedit.Result, linkeditFileOffset uint64, slidePage *slideinfo.Result) (*Report, error) {
	arch := bc.Opts.Arch
	order := byteOrderFor(arch)

	roEnd := bc.Placement.Mappings[2].FileOffset + bc.Placement.Mappings[2].Size
	total := roEnd

	var slideInfoOffset, slideInfoSize uint64
	if slidePage != nil {
		slideInfoOffset = total
		slideInfoSize = uint64(len(slidePage.Data))
		total += slideInfoSize
	}

	var localSymsOffset, localSymsSize uint64
	var localBlock []byte
	if bc.Opts.DontMapLocalSymbols && len(merge.UnmappedLocalSymbols) > 0 {
		localBlock = buildLocalSymbolsBlock(order, arch, merge)
		localSymsOffset = total
		localSymsSize = uint64(len(localBlock))
		total += localSymsSize
	}

	buf := make([]byte, total)

	aliases := bc.Graph.Aliases()
	byInstallName := make(map[string]*layout.DylibLayout, len(bc.Dylibs))
	for _, d := range bc.Dylibs {
		byInstallName[d.InstallName] = d
	}

	type pathEntry struct {
		path string
		d    *layout.DylibLayout
	}
	entries := make([]pathEntry, 0, len(bc.Dylibs)+len(aliases))
	for _, d := range bc.Dylibs {
		entries = append(entries, pathEntry{path: d.InstallName, d: d})
	}
	for _, a := range aliases {
		d, ok := byInstallName[a.Canonical]
		if !ok {
			continue
		}
		entries = append(entries, pathEntry{path: a.Alias, d: d})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	mappingTableOffset := headerFixedSize
	imagesOffset := mappingTableOffset + len(bc.Placement.Mappings)*mappingEntrySize
	stringPoolOffset := imagesOffset + len(entries)*imageEntrySize
	if stringPoolOffset > headerAreaSize {
		return nil, fmt.Errorf("%w: header area (mapping+image tables) needs %d bytes, only %d available", ErrLayoutOverflow, stringPoolOffset, headerAreaSize)
	}

	stringOff := stringPoolOffset
	report := &Report{Arch: arch.Name, DyldBaseAddress: bc.Opts.DyldBaseAddress}
	for _, e := range entries {
		pathOff := stringOff
		n := copy(buf[pathOff:headerAreaSize], e.path)
		if n < len(e.path) || pathOff+len(e.path)+1 > headerAreaSize {
			return nil, fmt.Errorf("%w: install-name string pool overflows the header area", ErrLayoutOverflow)
		}
		stringOff += len(e.path) + 1

		img := encodeImageEntry(order, imageEntry{
			Address:        e.d.TextSegment().NewAddr,
			ModTime:        e.d.ModTime,
			Inode:          e.d.Inode,
			PathFileOffset: uint32(pathOff),
		})
		copy(buf[imagesOffset:], img)
		imagesOffset += imageEntrySize

		report.Placed = append(report.Placed, PlacedDylib{InstallName: e.path, BaseAddress: e.d.TextSegment().NewAddr})
	}

	for i, m := range bc.Placement.Mappings {
		copy(buf[mappingTableOffset+i*mappingEntrySize:], encodeMapping(order, m))
	}

	for _, d := range bc.Dylibs {
		img := images[d]
		for _, seg := range d.Segments {
			if seg.Name == "__LINKEDIT" {
				continue
			}
			data := img.Bytes[seg]
			if uint64(len(data)) > seg.FileSize {
				data = data[:seg.FileSize]
			}
			copy(buf[seg.FileOff:], data)
		}

		u, ok := merge.Update(d)
		if !ok {
			return nil, fmt.Errorf("%w: %s was not part of the linkedit merge", ErrMalformedInput, d.InstallName)
		}
		header := d.TextSegment().FileOff
		patchSegmentCommands(buf, header, d, arch)
		patchLinkeditCommands(buf, header, d, linkeditFileOffset, u)
	}

	copy(buf[linkeditFileOffset:], merge.Data)

	if slidePage != nil {
		copy(buf[slideInfoOffset:], slidePage.Data)
	}
	if localBlock != nil {
		copy(buf[localSymsOffset:], localBlock)
	}

	h := &header{
		Magic:               magicFor(arch),
		MappingOffset:       uint32(mappingTableOffset),
		MappingCount:        uint32(len(bc.Placement.Mappings)),
		ImagesOffset:        uint32(headerFixedSize + len(bc.Placement.Mappings)*mappingEntrySize),
		ImagesCount:         uint32(len(entries)),
		DyldBaseAddress:     bc.Opts.DyldBaseAddress,
		SlideInfoOffset:     slideInfoOffset,
		SlideInfoSize:       slideInfoSize,
		LocalSymbolsOffset:  localSymsOffset,
		LocalSymbolsSize:    localSymsSize,
	}
	copy(buf, h.encode(order))

	// computeUUID hashes the whole buffer with the UUID field still
	// zeroed (h.encode above never set it), matching
	// update_dyld_shared_cache's own "hash before the uuid is known" order.
	uuid := computeUUID(buf)
	h.UUID = uuid
	copy(buf, h.encode(order))

	report.UUID = uuid
	report.SlideInfoOffset = slideInfoOffset
	report.LocalSymbolsOff = localSymsOffset
	report.CodeSignatureOff = total

	if err := mmap.PublishAtomically(bc.Opts.OutputPath, buf, 0o644); err != nil {
		return nil, fmt.Errorf("cache: publishing %s: %w", bc.Opts.OutputPath, err)
	}

	return report, nil
}

// buildLocalSymbolsBlock lays out the optional unmapped-locals block: a
// fixed header, the per-dylib (dylib_offset, nlist_start_index, count)
// entries, the nlist bytes, then the string pool, with every header
// offset relative to the start of this block.
func buildLocalSymbolsBlock(order binary.ByteOrder, arch archinfo.Info, merge *linkedit.Result) []byte {
	entriesSize := len(merge.LocalSymbolInfos) * localSymbolsEntrySize
	nlistSize := len(merge.UnmappedLocalSymbols)
	var stringsBytes []byte
	if merge.UnmappedLocalStrings != nil {
		stringsBytes = merge.UnmappedLocalStrings.Bytes()
	}

	entriesOffset := uint32(localSymbolsHeaderSize)
	nlistOffset := entriesOffset + uint32(entriesSize)
	stringsOffset := nlistOffset + uint32(nlistSize)
	total := int(stringsOffset) + len(stringsBytes)

	buf := make([]byte, total)
	h := localSymbolsHeader{
		NlistOffset:   nlistOffset,
		NlistCount:    uint32(nlistSize) / nlistEntrySize(arch),
		StringsOffset: stringsOffset,
		StringsSize:   uint32(len(stringsBytes)),
		EntriesOffset: entriesOffset,
		EntriesCount:  uint32(len(merge.LocalSymbolInfos)),
	}
	copy(buf, h.encode(order))

	off := int(entriesOffset)
	for _, e := range merge.LocalSymbolInfos {
		copy(buf[off:], encodeLocalSymbolsEntry(order, uint32(e.DylibOffset), e.StartIndex, e.Count))
		off += localSymbolsEntrySize
	}
	copy(buf[nlistOffset:], merge.UnmappedLocalSymbols)
	copy(buf[stringsOffset:], stringsBytes)
	return buf
}

// nlistEntrySize is n_strx(4) + n_type(1) + n_sect(1) + n_desc(2) +
// n_value(pointer width).
func nlistEntrySize(arch archinfo.Info) uint32 {
	return 8 + uint32(arch.PointerSize)
}
