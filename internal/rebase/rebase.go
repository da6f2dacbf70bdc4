// Package rebase applies a dylib's recorded slide (the difference between
// its original load address and the address the placer assigned it) to
// every internal pointer, split-segment code reference, symbol, and
// exported address the dylib carries.
package rebase

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/pkg/trie"
	"github.com/blacktop/go-dyldcache/types"
)

var (
	ErrAddressOutOfRange     = errors.New("address out of range")
	ErrBadRebaseOpcode       = errors.New("bad rebase opcode")
	ErrMalformedRebaseInfo   = errors.New("malformed rebase info")
	ErrBadRelocation         = errors.New("bad relocation")
	ErrMalformedSplitSegInfo = errors.New("malformed split-segment info")
)

// Image is the mutable in-memory copy of one dylib's segment bytes. The
// rebaser mutates it in place; the bind and linkedit stages read it back.
type Image struct {
	Dylib *layout.DylibLayout
	Bytes map[*layout.Segment][]byte

	// LocalRelocations mirrors Dysymtab's local relocation list with any
	// scattered entries' embedded address adjusted for the dylib's slide;
	// only ever populated on the legacy (non dyld-info) rebase path. The
	// linkedit merger does not read it: no local relocations are copied
	// into the merged LINKEDIT.
	LocalRelocations []relocationInfo

	// PointerAddresses collects the final (post-placement) address of
	// every full pointer-sized value this package or the binder writes
	// into segment memory, deduplicated by address. The slide-info
	// builder reads this back to know which locations dyld must slide at
	// load time.
	PointerAddresses map[uint64]struct{}
}

// RecordPointer notes that a full pointer-sized value now lives at
// segOffset within seg's final placed location.
func (img *Image) RecordPointer(seg *layout.Segment, segOffset uint64) {
	if img.PointerAddresses == nil {
		img.PointerAddresses = make(map[uint64]struct{})
	}
	img.PointerAddresses[seg.NewAddr+segOffset] = struct{}{}
}

// NewImage reads every segment's file contents into memory.
func NewImage(d *layout.DylibLayout) (*Image, error) {
	img := &Image{
		Dylib:            d,
		Bytes:            make(map[*layout.Segment][]byte, len(d.Segments)),
		PointerAddresses: make(map[uint64]struct{}),
	}
	for _, seg := range d.Segments {
		data, err := seg.Raw().Data()
		if err != nil {
			return nil, fmt.Errorf("%s: reading %s: %w", d.InstallName, seg.Name, err)
		}
		img.Bytes[seg] = data
	}
	return img, nil
}

func (img *Image) bytesAt(seg *layout.Segment, offset uint64) ([]byte, error) {
	data := img.Bytes[seg]
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("%w: offset %#x past end of segment %s (size %d)", ErrAddressOutOfRange, offset, seg.Name, len(data))
	}
	return data[offset:], nil
}

func (img *Image) bytesForOriginalVA(va uint64) ([]byte, error) {
	seg, err := segmentForOriginalVA(img.Dylib, va)
	if err != nil {
		return nil, err
	}
	return img.bytesAt(seg, va-seg.OrigAddr)
}

func segmentForOriginalVA(d *layout.DylibLayout, va uint64) (*layout.Segment, error) {
	for _, seg := range d.Segments {
		if seg.OrigVMSize == 0 {
			continue
		}
		if (va >= seg.OrigAddr && va < seg.OrigAddr+seg.OrigVMSize) || va == seg.OrigAddr {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("%w: vm address %#x not found in %s", ErrAddressOutOfRange, va, d.InstallName)
}

// SlideForOriginalVA returns the slide of the segment that originally
// contained va: new_addr - orig_addr.
func SlideForOriginalVA(d *layout.DylibLayout, va uint64) (int64, error) {
	seg, err := segmentForOriginalVA(d, va)
	if err != nil {
		return 0, err
	}
	return seg.Slide(), nil
}

// SlideForNewVA returns the slide of the segment that now contains va, by
// its placed address range.
func SlideForNewVA(d *layout.DylibLayout, va uint64) (int64, error) {
	for _, seg := range d.Segments {
		if seg.NewAddrSet() && va >= seg.NewAddr && va < seg.NewAddr+seg.Size {
			return seg.Slide(), nil
		}
	}
	return 0, fmt.Errorf("%w: new address %#x not found in %s", ErrAddressOutOfRange, va, d.InstallName)
}

func byteOrder(d *layout.DylibLayout) binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func readPointer(order binary.ByteOrder, arch archinfo.Info, b []byte) uint64 {
	if arch.PointerSize == 8 {
		return order.Uint64(b)
	}
	return uint64(order.Uint32(b))
}

func writePointer(order binary.ByteOrder, arch archinfo.Info, b []byte, v uint64) {
	if arch.PointerSize == 8 {
		order.PutUint64(b, v)
	} else {
		order.PutUint32(b, uint32(v))
	}
}

// Run slides every internal pointer, split-segment code fixup, symbol
// table entry and exported address in d, using the new_addr the placer
// already assigned each segment. It returns the dylib's mutable segment
// byte image for the bind and linkedit stages to continue operating on.
func Run(d *layout.DylibLayout, arch archinfo.Info) (*Image, error) {
	img, err := NewImage(d)
	if err != nil {
		return nil, err
	}

	if d.DyldInfo != nil && d.DyldInfo.RebaseSize > 0 {
		if err := applyRebaseInfo(d, img, arch); err != nil {
			return nil, err
		}
	} else {
		if err := adjustDATA(d, img, arch); err != nil {
			return nil, err
		}
	}

	if err := adjustCode(d, img, arch); err != nil {
		return nil, err
	}

	// adjustRelocBaseAddresses (shifting r_address of any legacy
	// relocations recorded relative to the first writable segment) is not
	// ported: it only matters for a local relocation table copied into
	// the merged cache LINKEDIT, and the linkedit merger copies none.

	adjustSectionAddresses(d)

	if err := adjustSymbolTable(d); err != nil {
		return nil, err
	}

	// optimzeStubs (rewriting arm PIC stubs to non-PIC) is intentionally
	// not ported: dyld itself disabled this so the cache could still be
	// sild at load time.

	if d.DyldInfo != nil {
		if err := adjustExportInfo(d, arch); err != nil {
			return nil, err
		}
	}

	return img, nil
}

func adjustSectionAddresses(d *layout.DylibLayout) {
	for _, seg := range d.Segments {
		slide := seg.Slide()
		if slide == 0 {
			continue
		}
		for _, sect := range d.File().GetSectionsForSegment(seg.Name) {
			sect.Addr = uint64(int64(sect.Addr) + slide)
		}
	}
}

func adjustSymbolTable(d *layout.DylibLayout) error {
	if d.Symtab == nil || d.Dysymtab == nil {
		return nil
	}
	syms := d.Symtab.Syms
	dy := d.Dysymtab.DysymtabCmd

	lastExport := dy.Iextdefsym + dy.Nextdefsym
	for i := dy.Iextdefsym; i < lastExport && int(i) < len(syms); i++ {
		if syms[i].Type.Kind() != types.NSect {
			continue
		}
		slide, err := SlideForOriginalVA(d, syms[i].Value)
		if err != nil {
			return fmt.Errorf("%s: export symbol %s: %w", d.InstallName, syms[i].Name, err)
		}
		syms[i].Value = uint64(int64(syms[i].Value) + slide)
	}

	lastLocal := dy.Ilocalsym + dy.Nlocalsym
	for i := dy.Ilocalsym; i < lastLocal && int(i) < len(syms); i++ {
		if syms[i].Sect == 0 || syms[i].Type.IsStab() {
			continue
		}
		slide, err := SlideForOriginalVA(d, syms[i].Value)
		if err != nil {
			return fmt.Errorf("%s: local symbol %s: %w", d.InstallName, syms[i].Name, err)
		}
		syms[i].Value = uint64(int64(syms[i].Value) + slide)
	}
	return nil
}

func adjustExportInfo(d *layout.DylibLayout, arch archinfo.Info) error {
	if d.DyldInfo.ExportSize == 0 {
		return nil
	}
	raw := make([]byte, d.DyldInfo.ExportSize)
	if _, err := d.File().ReadAt(raw, int64(d.DyldInfo.ExportOff)); err != nil {
		return fmt.Errorf("%s: reading export trie: %w", d.InstallName, err)
	}
	originalExports, err := trie.ParseTrie(raw, 0)
	if err != nil {
		return fmt.Errorf("%s: parsing export trie: %w", d.InstallName, err)
	}

	baseAddr := d.BaseAddr()
	baseSlide, err := SlideForOriginalVA(d, baseAddr)
	if err != nil {
		return fmt.Errorf("%s: %w", d.InstallName, err)
	}

	newExports := make([]trie.TrieEntry, 0, len(originalExports))
	for _, e := range originalExports {
		// symbols used by the static linker only, never looked up at
		// runtime.
		if strings.HasPrefix(e.Name, "$ld$") ||
			strings.HasPrefix(e.Name, ".objc_class_name") ||
			strings.HasPrefix(e.Name, ".objc_category_name") {
			continue
		}
		slide, err := SlideForOriginalVA(d, e.Address+baseAddr)
		if err != nil {
			return fmt.Errorf("%s: export %s: %w", d.InstallName, e.Name, err)
		}
		e.Address = uint64(int64(e.Address) + slide - baseSlide)
		newExports = append(newExports, e)
	}

	newTrie, err := trie.BuildExportTrie(newExports)
	if err != nil {
		return fmt.Errorf("%s: rebuilding export trie: %w", d.InstallName, err)
	}
	for uint64(len(newTrie))%arch.PointerSize != 0 {
		newTrie = append(newTrie, 0)
	}
	d.NewExportTrie = newTrie
	return nil
}

// --- dyld-info rebase opcode interpreter ---

func applyRebaseInfo(d *layout.DylibLayout, img *Image, arch archinfo.Info) error {
	data := make([]byte, d.DyldInfo.RebaseSize)
	if _, err := d.File().ReadAt(data, int64(d.DyldInfo.RebaseOff)); err != nil {
		return fmt.Errorf("%s: reading rebase info: %w", d.InstallName, err)
	}
	order := byteOrder(d)

	var (
		segIndex  int
		segOffset uint64
		rtype     uint8
		p         int
		done      bool
	)
	for !done && p < len(data) {
		b := data[p]
		opcode := b & types.REBASE_OPCODE_MASK
		imm := b & types.REBASE_IMMEDIATE_MASK
		p++
		switch opcode {
		case types.REBASE_OPCODE_DONE:
			done = true
		case types.REBASE_OPCODE_SET_TYPE_IMM:
			rtype = imm
		case types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			v, np, err := readULEB128(data, p)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			segOffset, p = v, np
		case types.REBASE_OPCODE_ADD_ADDR_ULEB:
			v, np, err := readULEB128(data, p)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			segOffset += v
			p = np
		case types.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			segOffset += uint64(imm) * arch.PointerSize
		case types.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			for i := uint8(0); i < imm; i++ {
				if err := doRebase(d, img, arch, order, segIndex, segOffset, rtype); err != nil {
					return fmt.Errorf("%s: %w", d.InstallName, err)
				}
				segOffset += arch.PointerSize
			}
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			count, np, err := readULEB128(data, p)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			p = np
			for i := uint64(0); i < count; i++ {
				if err := doRebase(d, img, arch, order, segIndex, segOffset, rtype); err != nil {
					return fmt.Errorf("%s: %w", d.InstallName, err)
				}
				segOffset += arch.PointerSize
			}
		case types.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			if err := doRebase(d, img, arch, order, segIndex, segOffset, rtype); err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			v, np, err := readULEB128(data, p)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			segOffset += v + arch.PointerSize
			p = np
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			count, p1, err := readULEB128(data, p)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			skip, p2, err := readULEB128(data, p1)
			if err != nil {
				return fmt.Errorf("%s: %w", d.InstallName, err)
			}
			p = p2
			for i := uint64(0); i < count; i++ {
				if err := doRebase(d, img, arch, order, segIndex, segOffset, rtype); err != nil {
					return fmt.Errorf("%s: %w", d.InstallName, err)
				}
				segOffset += skip + arch.PointerSize
			}
		default:
			return fmt.Errorf("%w: %#x in %s", ErrBadRebaseOpcode, opcode, d.InstallName)
		}
	}
	return nil
}

func doRebase(d *layout.DylibLayout, img *Image, arch archinfo.Info, order binary.ByteOrder, segIndex int, segOffset uint64, rtype uint8) error {
	if segIndex < 0 || segIndex >= len(d.Segments) {
		return fmt.Errorf("%w: bad segment index %d in rebase info", ErrMalformedRebaseInfo, segIndex)
	}
	seg := d.Segments[segIndex]
	b, err := img.bytesAt(seg, segOffset)
	if err != nil {
		return err
	}

	switch rtype {
	case types.REBASE_TYPE_POINTER:
		if uint64(len(b)) < arch.PointerSize {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedRebaseInfo, seg.Name, segOffset)
		}
		value := readPointer(order, arch, b)
		slide, err := SlideForOriginalVA(d, value)
		if err != nil {
			return fmt.Errorf("at offset %#x in seg=%s, pointer cannot be rebased: %w", segOffset, seg.Name, err)
		}
		writePointer(order, arch, b, uint64(int64(value)+slide))
		img.RecordPointer(seg, segOffset)

	case types.REBASE_TYPE_TEXT_ABSOLUTE32:
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedRebaseInfo, seg.Name, segOffset)
		}
		value := uint64(order.Uint32(b))
		slide, err := SlideForOriginalVA(d, value)
		if err != nil {
			return err
		}
		order.PutUint32(b, uint32(int64(value)+slide))

	case types.REBASE_TYPE_TEXT_PCREL32:
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedRebaseInfo, seg.Name, segOffset)
		}
		svalue := int32(order.Uint32(b))
		va := seg.OrigAddr + segOffset + 4 + uint64(svalue)
		slide, err := SlideForOriginalVA(d, va)
		if err != nil {
			return err
		}
		newVA := uint64(int64(va) + slide)
		newSvalue := int32(int64(seg.OrigAddr+segOffset+4) - int64(newVA))
		order.PutUint32(b, uint32(newSvalue))

	default:
		return fmt.Errorf("%w: bad rebase type %d", ErrBadRebaseOpcode, rtype)
	}
	return nil
}

func readULEB128(data []byte, p int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if p >= len(data) {
			return 0, 0, fmt.Errorf("%w: uleb128 runs past end of rebase info", ErrMalformedRebaseInfo)
		}
		b := data[p]
		p++
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: uleb128 too big", ErrMalformedRebaseInfo)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, p, nil
}

// --- legacy relocation-table rebase path ---

type relocationInfo struct {
	Address uint32
	Packed  uint32
}

const (
	rScattered          = 0x80000000
	genericRelocVanilla = 0
	genericRelocPBLAPtr = 3
	x8664RelocUnsigned  = 0
)

func readRelocations(d *layout.DylibLayout, order binary.ByteOrder, off, count uint32) ([]relocationInfo, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, int(count)*8)
	if _, err := d.File().ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%s: reading relocations: %w", d.InstallName, err)
	}
	out := make([]relocationInfo, count)
	for i := range out {
		out[i].Address = order.Uint32(buf[i*8:])
		out[i].Packed = order.Uint32(buf[i*8+4:])
	}
	return out, nil
}

func rebasePointerAtOriginalVA(d *layout.DylibLayout, img *Image, arch archinfo.Info, order binary.ByteOrder, va uint64) error {
	seg, err := segmentForOriginalVA(d, va)
	if err != nil {
		return err
	}
	b, err := img.bytesAt(seg, va-seg.OrigAddr)
	if err != nil {
		return err
	}
	if uint64(len(b)) < arch.PointerSize {
		return fmt.Errorf("%w: truncated pointer at %#x", ErrMalformedRebaseInfo, va)
	}
	value := readPointer(order, arch, b)
	slide, err := SlideForOriginalVA(d, value)
	if err != nil {
		return fmt.Errorf("relocation at %#x cannot be rebased: %w", va, err)
	}
	writePointer(order, arch, b, uint64(int64(value)+slide))
	img.RecordPointer(seg, va-seg.OrigAddr)
	return nil
}

// doLocalRelocation rebases one legacy local relocation in place. It
// returns a non-nil adjusted entry only for the rare x86 scattered
// PB_LA_PTR case, where the value to slide lives in the relocation entry
// itself rather than in segment memory.
func doLocalRelocation(d *layout.DylibLayout, img *Image, arch archinfo.Info, order binary.ByteOrder, r relocationInfo) (*relocationInfo, error) {
	if arch.CPU == types.CPUAmd64 {
		rtype := (r.Packed >> 28) & 0xf
		if rtype != x8664RelocUnsigned {
			return nil, fmt.Errorf("%w: invalid local relocation type %d", ErrBadRelocation, rtype)
		}
		return nil, rebasePointerAtOriginalVA(d, img, arch, order, uint64(r.Address))
	}

	if r.Address&rScattered == 0 {
		rtype := (r.Packed >> 28) & 0xf
		if rtype != genericRelocVanilla {
			return nil, nil
		}
		return nil, rebasePointerAtOriginalVA(d, img, arch, order, uint64(r.Address))
	}

	if arch.CPU != types.CPU386 {
		return nil, fmt.Errorf("%w: cannot rebase final linked image with scattered relocations", ErrBadRelocation)
	}
	rtype := (r.Address >> 24) & 0xf
	if rtype != genericRelocPBLAPtr {
		return nil, fmt.Errorf("%w: cannot rebase final linked image with scattered relocations", ErrBadRelocation)
	}
	value := uint64(r.Packed)
	slide, err := SlideForOriginalVA(d, value)
	if err != nil {
		return nil, err
	}
	adjusted := relocationInfo{Address: r.Address, Packed: uint32(int64(value) + slide)}
	return &adjusted, nil
}

func adjustDATA(d *layout.DylibLayout, img *Image, arch archinfo.Info) error {
	if d.Dysymtab == nil {
		return nil
	}
	order := byteOrder(d)
	dy := d.Dysymtab.DysymtabCmd

	relocs, err := readRelocations(d, order, dy.Locreloff, dy.Nlocrel)
	if err != nil {
		return err
	}
	img.LocalRelocations = make([]relocationInfo, len(relocs))
	copy(img.LocalRelocations, relocs)
	for i, r := range relocs {
		adjusted, err := doLocalRelocation(d, img, arch, order, r)
		if err != nil {
			return fmt.Errorf("%s: %w", d.InstallName, err)
		}
		if adjusted != nil {
			img.LocalRelocations[i] = *adjusted
		}
	}

	for _, seg := range d.Segments {
		for _, sect := range d.File().GetSectionsForSegment(seg.Name) {
			if sect.Flags.Type() != types.SNonLazySymbolPointers {
				continue
			}
			count := sect.Size / arch.PointerSize
			for j := uint64(0); j < count; j++ {
				idx := sect.Reserved1 + uint32(j)
				if int(idx) >= len(d.Dysymtab.IndirectSyms) {
					continue
				}
				if d.Dysymtab.IndirectSyms[idx] != types.IndirectSymbolLocal {
					continue
				}
				if err := rebasePointerAtOriginalVA(d, img, arch, order, sect.Addr+j*arch.PointerSize); err != nil {
					return fmt.Errorf("%s: non-lazy pointer in %s.%s: %w", d.InstallName, seg.Name, sect.Name, err)
				}
			}
		}
	}
	return nil
}

// --- split-segment code fixups ---

func adjustCode(d *layout.DylibLayout, img *Image, arch archinfo.Info) error {
	if !d.HasSplitSegInfo {
		return nil
	}
	var splitInfo *macho.SplitInfo
	for _, l := range d.File().Loads {
		if si, ok := l.(*macho.SplitInfo); ok {
			splitInfo = si
			break
		}
	}
	if splitInfo == nil || splitInfo.Size == 0 {
		return nil
	}
	data := make([]byte, splitInfo.Size)
	if _, err := d.File().ReadAt(data, int64(splitInfo.Offset)); err != nil {
		return fmt.Errorf("%s: reading split-segment info: %w", d.InstallName, err)
	}

	// <rdar://problem/8253549>: split seg info is wrong for x86_64 stub
	// helpers; ignore fixups that land on the "push" instruction's
	// immediate operand in __TEXT,__stub_helper.
	var skipStart, skipEnd uint64
	if arch.CPU == types.CPUAmd64 {
		for _, sect := range d.File().GetSectionsForSegment("__TEXT") {
			if sect.Name == "__stub_helper" {
				skipStart = sect.Addr
				skipEnd = sect.Addr + sect.Size - 16
			}
		}
	}

	codeSeg := d.TextSegment()
	if codeSeg == nil {
		return fmt.Errorf("%s: split-segment info present with no __TEXT segment", d.InstallName)
	}
	var codeToDataDelta, codeToImportDelta int64
	for _, seg := range d.Segments {
		switch {
		case seg.Name == "__IMPORT":
			codeToImportDelta = (int64(seg.NewAddr) - int64(codeSeg.NewAddr)) - (int64(seg.OrigAddr) - int64(codeSeg.OrigAddr))
		case seg.Writable():
			codeToDataDelta = (int64(seg.NewAddr) - int64(codeSeg.NewAddr)) - (int64(seg.OrigAddr) - int64(codeSeg.OrigAddr))
		}
	}

	order := byteOrder(d)
	p := 0
	for p < len(data) && data[p] != 0 {
		kind := data[p]
		p++
		np, err := doCodeUpdateForEachULEB128(d, img, order, data, p, kind, skipStart, skipEnd, codeToDataDelta, codeToImportDelta)
		if err != nil {
			return fmt.Errorf("%s: %w", d.InstallName, err)
		}
		p = np
	}
	return nil
}

func doCodeUpdateForEachULEB128(d *layout.DylibLayout, img *Image, order binary.ByteOrder, data []byte, p int, kind uint8, skipStart, skipEnd uint64, codeToDataDelta, codeToImportDelta int64) (int, error) {
	var address, delta uint64
	var shift uint
	for {
		if p >= len(data) {
			return 0, fmt.Errorf("%w: runs past end of split-segment info", ErrMalformedSplitSegInfo)
		}
		b := data[p]
		p++
		delta |= uint64(b&0x7f) << shift
		shift += 7
		if b < 0x80 {
			if delta == 0 {
				break
			}
			address += delta
			if err := doCodeUpdate(d, img, order, kind, address, skipStart, skipEnd, codeToDataDelta, codeToImportDelta); err != nil {
				return 0, err
			}
			delta, shift = 0, 0
		}
	}
	return p, nil
}

func doCodeUpdate(d *layout.DylibLayout, img *Image, order binary.ByteOrder, kind uint8, address, skipStart, skipEnd uint64, codeToDataDelta, codeToImportDelta int64) error {
	if skipStart <= address && address < skipEnd {
		if prev, err := img.bytesForOriginalVA(address - 1); err == nil && len(prev) > 0 && prev[0] == 0x68 {
			return nil
		}
	}

	b, err := img.bytesForOriginalVA(address)
	if err != nil {
		return fmt.Errorf("split-segment fixup at %#x: %w", address, err)
	}

	switch {
	case kind == 1: // 32-bit pointer
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		order.PutUint32(b, uint32(int64(order.Uint32(b))+codeToDataDelta))

	case kind == 2: // 64-bit pointer
		if len(b) < 8 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		order.PutUint64(b, uint64(int64(order.Uint64(b))+codeToDataDelta))

	case kind == 4: // i386 reference into __IMPORT
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		order.PutUint32(b, uint32(int64(order.Uint32(b))+codeToImportDelta))

	case kind == 5: // thumb2 movw
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		instr := order.Uint32(b)
		value := (instr & 0x0000000F) + uint32(codeToDataDelta>>12)
		order.PutUint32(b, (instr&0xFFFFFFF0)|(value&0x0000000F))

	case kind == 6: // arm movw
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		instr := order.Uint32(b)
		value := ((instr & 0x000F0000) >> 16) + uint32(codeToDataDelta>>12)
		order.PutUint32(b, (instr&0xFFF0FFFF)|((value<<16)&0x000F0000))

	case kind >= 0x10 && kind <= 0x1F: // thumb2 movt, low nibble pairs with the movw above
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		instr := order.Uint32(b)
		i := (instr & 0x00000400) >> 10
		imm4 := instr & 0x0000000F
		imm3 := (instr & 0x70000000) >> 28
		imm8 := (instr & 0x00FF0000) >> 16
		imm16 := (imm4 << 12) | (i << 11) | (imm3 << 8) | imm8
		target := (imm16 << 16) | (uint32(kind&0xF) << 12)
		newTarget := uint32(int64(target) + codeToDataDelta)
		imm4b := (newTarget & 0xF0000000) >> 28
		ib := (newTarget & 0x08000000) >> 27
		imm3b := (newTarget & 0x07000000) >> 24
		imm8b := (newTarget & 0x00FF0000) >> 16
		order.PutUint32(b, (instr&0x8F00FBF0)|imm4b|(ib<<10)|(imm3b<<28)|(imm8b<<16))

	case kind >= 0x20 && kind <= 0x2F: // arm movt
		if len(b) < 4 {
			return fmt.Errorf("%w: truncated fixup at %#x", ErrMalformedSplitSegInfo, address)
		}
		instr := order.Uint32(b)
		imm4 := (instr & 0x000F0000) >> 16
		imm12 := instr & 0x00000FFF
		imm16 := (imm4 << 12) | imm12
		target := (imm16 << 16) | (uint32(kind&0xF) << 12)
		newTarget := uint32(int64(target) + codeToDataDelta)
		imm4b := (newTarget & 0xF0000000) >> 28
		imm12b := (newTarget & 0x0FFF0000) >> 16
		order.PutUint32(b, (instr&0xFFF0F000)|(imm4b<<16)|imm12b)

	default:
		return fmt.Errorf("%w: invalid kind %#x", ErrMalformedSplitSegInfo, kind)
	}
	return nil
}
