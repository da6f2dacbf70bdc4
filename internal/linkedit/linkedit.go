// Package linkedit merges every dylib's __LINKEDIT contents (bind/weak-
// bind/lazy-bind/export info, symbol table, external relocations,
// function starts, data-in-code, indirect symbol table) into the single
// shared buffer every dylib in the cache points its own __LINKEDIT
// segment at.
package linkedit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/types"
)

var (
	ErrNoSymtab    = errors.New("dylib has no symbol table")
	ErrNoDysymtab  = errors.New("dylib has no dynamic symbol table")
	ErrNotInResult = errors.New("dylib was not part of this merge")
)

// StringPool interns strings once, matching every Mach-O string table's
// convention that offset 0 is the empty string.
type StringPool struct {
	buf   []byte
	index map[string]uint32
}

func NewStringPool() *StringPool {
	return &StringPool{buf: []byte{0}, index: make(map[string]uint32)}
}

// AddUnique returns s's offset into the pool, adding it if not already
// present.
func (p *StringPool) AddUnique(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := p.index[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	p.index[s] = off
	return off
}

func (p *StringPool) Bytes() []byte { return p.buf }
func (p *StringPool) Size() uint32  { return uint32(len(p.buf)) }

// LocalSymbolsBlock records one dylib's contribution to the unmapped
// locals area built when the merge runs in "don't map local symbols"
// mode: its locals live only in the file, indexed by a
// (dylib_offset, start_index, count) triple rather than the mapped
// symbol table.
type LocalSymbolsBlock struct {
	DylibOffset uint64
	StartIndex  uint32
	Count       uint32
}

// LoadCommandUpdate carries every new field value a dylib's load
// commands must be rewritten to once the merge has picked offsets
// within the shared buffer. Offsets here are relative to the start of
// the merged LINKEDIT region; the cache-assembly stage that knows the
// final file offset of that region adds it before patching bytes.
type LoadCommandUpdate struct {
	SymOff, NSyms     uint32
	StrOff, StrSize   uint32
	Ilocalsym, Nlocalsym   uint32
	Iextdefsym, Nextdefsym uint32
	Iundefsym, Nundefsym   uint32
	IndirectSymOff    uint32
	ExtRelOff         uint32

	HasDyldInfo                                             bool
	BindOff, BindSize                                       uint32
	WeakBindOff, WeakBindSize                                uint32
	LazyBindOff, LazyBindSize                                uint32
	ExportOff, ExportSize                                     uint32

	HasFunctionStarts bool
	FunctionStartsOff uint32
	HasDataInCode     bool
	DataInCodeOff     uint32

	// DropSplitSegInfo/DropCodeSignDRs/DropCodeSignature mirror the
	// commands spec 4.7 says must be removed from the per-dylib load
	// command area (signatures only when the build didn't opt to keep
	// them). Merge only sets these flags; nothing in this module reads
	// them, and the commands stay in each dylib's load command area.
	DropSplitSegInfo  bool
	DropCodeSignDRs   bool
	DropCodeSignature bool
}

// Options controls the merge policy.
type Options struct {
	// DontMapLocalSymbols routes local symbols into the file-only
	// unmapped-locals area instead of the mapped symbol table.
	DontMapLocalSymbols bool
	// KeepCodeSignatures preserves LC_CODE_SIGNATURE rather than
	// dropping it during per-dylib load command rewriting.
	KeepCodeSignatures bool
}

type perDylib struct {
	symtabOff uint32

	localStart, localCount       uint32
	exportedStart, exportedCount uint32
	importedStart, importedCount uint32

	oldToNew map[uint32]uint32

	update LoadCommandUpdate
}

// Result is the completed merge: the combined LINKEDIT bytes (unpadded;
// the caller page-aligns and picks a final file offset), the per-build
// string pool, the unmapped-locals side table (populated only when
// Options.DontMapLocalSymbols was set), and the per-dylib load command
// updates.
type Result struct {
	Data       []byte
	Strings    *StringPool

	UnmappedLocalSymbols []byte
	UnmappedLocalStrings *StringPool
	LocalSymbolInfos     []LocalSymbolsBlock

	updates map[*layout.DylibLayout]LoadCommandUpdate
}

// Update returns the load command field values computed for d, or false
// if d was not part of this merge.
func (r *Result) Update(d *layout.DylibLayout) (LoadCommandUpdate, bool) {
	u, ok := r.updates[d]
	return u, ok
}

// Merge builds one combined LINKEDIT buffer for dylibs, in the fixed
// slice order weak-bind / export / bind / lazy-bind / symtab / external
// relocations / function starts / data-in-code / indirect symbol table /
// string pool. dylibOffsets supplies each dylib's mach_header offset
// within the final cache buffer, needed only to populate
// LocalSymbolsBlock.DylibOffset in "don't map local symbols" mode.
func Merge(arch archinfo.Info, dylibs []*layout.DylibLayout, dylibOffsets map[*layout.DylibLayout]uint64, opts Options) (*Result, error) {
	pd := make(map[*layout.DylibLayout]*perDylib, len(dylibs))
	for _, d := range dylibs {
		if d.Symtab == nil {
			return nil, fmt.Errorf("%s: %w", d.InstallName, ErrNoSymtab)
		}
		if d.Dysymtab == nil {
			return nil, fmt.Errorf("%s: %w", d.InstallName, ErrNoDysymtab)
		}
		pd[d] = &perDylib{oldToNew: make(map[uint32]uint32)}
	}

	var buf []byte
	strings := NewStringPool()
	unmappedStrings := NewStringPool()
	var unmappedSyms []byte
	var localInfos []LocalSymbolsBlock

	appendBytes := func(b []byte) uint32 {
		off := uint32(len(buf))
		buf = append(buf, b...)
		return off
	}

	// 1. weak bind info
	for _, d := range dylibs {
		u := &pd[d].update
		if d.DyldInfo != nil && d.DyldInfo.WeakBindSize != 0 {
			data, err := readLinkedit(d, d.DyldInfo.WeakBindOff, d.DyldInfo.WeakBindSize)
			if err != nil {
				return nil, err
			}
			u.WeakBindOff = appendBytes(data)
			u.WeakBindSize = d.DyldInfo.WeakBindSize
		}
	}

	// 2. export info (the rebuilt trie from rebasing, if present)
	for _, d := range dylibs {
		u := &pd[d].update
		if d.DyldInfo == nil {
			continue
		}
		u.HasDyldInfo = true
		trie := d.NewExportTrie
		if trie == nil && d.DyldInfo.ExportSize != 0 {
			var err error
			trie, err = readLinkedit(d, d.DyldInfo.ExportOff, d.DyldInfo.ExportSize)
			if err != nil {
				return nil, err
			}
		}
		if len(trie) != 0 {
			u.ExportOff = appendBytes(trie)
			u.ExportSize = uint32(len(trie))
		}
	}

	// 3. bind info
	for _, d := range dylibs {
		u := &pd[d].update
		if d.DyldInfo != nil && d.DyldInfo.BindSize != 0 {
			data, err := readLinkedit(d, d.DyldInfo.BindOff, d.DyldInfo.BindSize)
			if err != nil {
				return nil, err
			}
			u.BindOff = appendBytes(data)
			u.BindSize = d.DyldInfo.BindSize
		}
	}

	// 4. lazy bind info
	for _, d := range dylibs {
		u := &pd[d].update
		if d.DyldInfo != nil && d.DyldInfo.LazyBindSize != 0 {
			data, err := readLinkedit(d, d.DyldInfo.LazyBindOff, d.DyldInfo.LazyBindSize)
			if err != nil {
				return nil, err
			}
			u.LazyBindOff = appendBytes(data)
			u.LazyBindSize = d.DyldInfo.LazyBindSize
		}
	}

	// 5. symbol table: locals, then exports, then imports, per dylib,
	// the three phases of every dylib running before the next dylib's
	// locals start (so a dylib's own three ranges stay contiguous).
	symtabStart := uint32(len(buf))
	for _, d := range dylibs {
		entry := pd[d]
		entry.symtabOff = symtabStart

		if err := copyLocalSymbols(d, entry, &buf, strings, opts, &unmappedSyms, unmappedStrings, &localInfos, dylibOffsets[d], arch); err != nil {
			return nil, err
		}
		if err := copyExportedSymbols(d, entry, &buf, strings, arch); err != nil {
			return nil, err
		}
		if err := copyImportedSymbols(d, entry, &buf, strings, arch); err != nil {
			return nil, err
		}
	}

	// 6. external relocations, starting at the first 8-byte boundary
	// after the end of the symbol table (the buffer is zero-padded up to
	// it).
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	for _, d := range dylibs {
		entry := pd[d]
		if err := copyExternalRelocations(d, entry, &buf); err != nil {
			return nil, err
		}
	}

	// 7. function starts
	for _, d := range dylibs {
		entry := pd[d]
		if err := copyFunctionStarts(d, &buf, &entry.update.HasFunctionStarts, &entry.update.FunctionStartsOff); err != nil {
			return nil, err
		}
	}

	// 8. data in code
	for _, d := range dylibs {
		entry := pd[d]
		if err := copyDataInCode(d, &buf, &entry.update.HasDataInCode, &entry.update.DataInCodeOff); err != nil {
			return nil, err
		}
	}

	// 9. indirect symbol table
	for _, d := range dylibs {
		entry := pd[d]
		if err := copyIndirectSymbolTable(d, entry, &buf); err != nil {
			return nil, err
		}
	}

	// 10. string pool, appended last
	stringPoolOff := appendBytes(strings.Bytes())

	updates := make(map[*layout.DylibLayout]LoadCommandUpdate, len(dylibs))
	for _, d := range dylibs {
		entry := pd[d]
		u := entry.update

		u.SymOff = entry.symtabOff
		u.NSyms = entry.localCount + entry.exportedCount + entry.importedCount
		u.StrOff = stringPoolOff
		u.StrSize = strings.Size()

		u.Ilocalsym, u.Nlocalsym = 0, entry.localCount
		u.Iextdefsym, u.Nextdefsym = entry.localCount, entry.exportedCount
		u.Iundefsym, u.Nundefsym = entry.localCount+entry.exportedCount, entry.importedCount

		u.IndirectSymOff = entry.update.IndirectSymOff
		u.ExtRelOff = entry.update.ExtRelOff

		u.DropSplitSegInfo = d.HasSplitSegInfo
		u.DropCodeSignDRs = true
		u.DropCodeSignature = !opts.KeepCodeSignatures

		updates[d] = u
	}

	return &Result{
		Data:                 buf,
		Strings:              strings,
		UnmappedLocalSymbols: unmappedSyms,
		UnmappedLocalStrings: unmappedStrings,
		LocalSymbolInfos:     localInfos,
		updates:              updates,
	}, nil
}

func readLinkedit(d *layout.DylibLayout, off, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := d.File().ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%s: reading linkedit data at %#x/%d: %w", d.InstallName, off, size, err)
	}
	return buf, nil
}

const (
	nlistSize32 = 12
	nlistSize64 = 16
)

func nlistSize(arch archinfo.Info) uint32 {
	if arch.PointerSize == 8 {
		return nlistSize64
	}
	return nlistSize32
}

func putNlist(b []byte, order binary.ByteOrder, arch archinfo.Info, strx uint32, sym macho.Symbol) {
	order.PutUint32(b[0:], strx)
	b[4] = uint8(sym.Type)
	b[5] = sym.Sect
	order.PutUint16(b[6:], uint16(sym.Desc))
	if arch.PointerSize == 8 {
		order.PutUint64(b[8:], sym.Value)
	} else {
		order.PutUint32(b[8:], uint32(sym.Value))
	}
}

func byteOrder(d *layout.DylibLayout) binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// copyLocalSymbols skips N_STAB debug entries; in "don't map local
// symbols" mode it routes locals into the unmapped side buffer instead
// of the mapped symbol table, leaving one synthetic "<redacted>" entry
// per local originally defined in the first (__TEXT) section so stack
// walks still see a frame, just with no real name.
func copyLocalSymbols(d *layout.DylibLayout, entry *perDylib, buf *[]byte, pool *StringPool, opts Options,
	unmappedSyms *[]byte, unmappedStrings *StringPool, localInfos *[]LocalSymbolsBlock, dylibOffset uint64, arch archinfo.Info) error {

	entry.localStart = uint32(len(*buf)-int(entry.symtabOff)) / nlistSize(arch)
	order := byteOrder(d)
	dy := d.Dysymtab.DysymtabCmd

	info := LocalSymbolsBlock{DylibOffset: dylibOffset, StartIndex: uint32(len(*unmappedSyms)) / nlistSize(arch)}

	for i := dy.Ilocalsym; i < dy.Ilocalsym+dy.Nlocalsym && int(i) < len(d.Symtab.Syms); i++ {
		sym := d.Symtab.Syms[i]
		if sym.Sect == 0 || sym.Type.IsStab() {
			continue
		}
		if opts.DontMapLocalSymbols {
			if sym.Sect == 1 {
				entryBuf := make([]byte, nlistSize(arch))
				putNlist(entryBuf, order, arch, pool.AddUnique("<redacted>"), sym)
				*buf = append(*buf, entryBuf...)
			}
			unmappedBuf := make([]byte, nlistSize(arch))
			putNlist(unmappedBuf, order, arch, unmappedStrings.AddUnique(sym.Name), sym)
			*unmappedSyms = append(*unmappedSyms, unmappedBuf...)
		} else {
			entryBuf := make([]byte, nlistSize(arch))
			putNlist(entryBuf, order, arch, pool.AddUnique(sym.Name), sym)
			*buf = append(*buf, entryBuf...)
		}
	}

	count := uint32(len(*buf)-int(entry.symtabOff))/nlistSize(arch) - entry.localStart
	entry.localCount = count
	info.Count = uint32(len(*unmappedSyms))/nlistSize(arch) - info.StartIndex
	*localInfos = append(*localInfos, info)
	return nil
}

func skipObjcOrLdPrefixed(name string) bool {
	return strings.HasPrefix(name, ".objc_") || strings.HasPrefix(name, "$ld$")
}

// copyExportedSymbols copies N_SECT-defined external symbols (skipping
// `.objc_`/`$ld$` names), then sorts the copied range by name so dyld
// can binary-search the cache's symbol table without needing a TOC.
func copyExportedSymbols(d *layout.DylibLayout, entry *perDylib, buf *[]byte, pool *StringPool, arch archinfo.Info) error {
	order := byteOrder(d)
	dy := d.Dysymtab.DysymtabCmd
	size := nlistSize(arch)

	entry.exportedStart = uint32(len(*buf)-int(entry.symtabOff)) / size
	startOffset := len(*buf)

	type copied struct {
		oldIndex uint32
		name     string
		off      int
	}
	var names []copied

	for i := dy.Iextdefsym; i < dy.Iextdefsym+dy.Nextdefsym && int(i) < len(d.Symtab.Syms); i++ {
		sym := d.Symtab.Syms[i]
		if sym.Type.Kind() != types.NSect || skipObjcOrLdPrefixed(sym.Name) {
			continue
		}
		entryBuf := make([]byte, size)
		putNlist(entryBuf, order, arch, pool.AddUnique(sym.Name), sym)
		names = append(names, copied{oldIndex: i, name: sym.Name, off: len(*buf)})
		*buf = append(*buf, entryBuf...)
	}
	entry.exportedCount = uint32(len(names))

	sort.SliceStable(names, func(i, j int) bool { return names[i].name < names[j].name })
	sorted := make([]byte, len(*buf)-startOffset)
	for newPos, c := range names {
		copy(sorted[newPos*int(size):], (*buf)[c.off:c.off+int(size)])
		entry.oldToNew[c.oldIndex] = entry.exportedStart + uint32(newPos) - entry.localStart
	}
	copy((*buf)[startOffset:], sorted)
	return nil
}

// copyImportedSymbols copies N_UNDF entries (skipping `.objc_` names);
// these are never sorted, since they are referenced by ordinal from
// bind info rather than looked up by name at runtime.
func copyImportedSymbols(d *layout.DylibLayout, entry *perDylib, buf *[]byte, pool *StringPool, arch archinfo.Info) error {
	order := byteOrder(d)
	dy := d.Dysymtab.DysymtabCmd
	size := nlistSize(arch)

	entry.importedStart = uint32(len(*buf)-int(entry.symtabOff)) / size
	for i := dy.Iundefsym; i < dy.Iundefsym+dy.Nundefsym && int(i) < len(d.Symtab.Syms); i++ {
		sym := d.Symtab.Syms[i]
		if sym.Type.Kind() != types.NUndf || strings.HasPrefix(sym.Name, ".objc_") {
			continue
		}
		entryBuf := make([]byte, size)
		putNlist(entryBuf, order, arch, pool.AddUnique(sym.Name), sym)
		idx := uint32(len(*buf)-int(entry.symtabOff))/size - entry.localStart
		entry.oldToNew[i] = idx
		*buf = append(*buf, entryBuf...)
	}
	entry.importedCount = uint32(len(*buf)-int(entry.symtabOff))/size - entry.importedStart
	return nil
}

func copyExternalRelocations(d *layout.DylibLayout, entry *perDylib, buf *[]byte) error {
	dy := d.Dysymtab.DysymtabCmd
	if dy.Nextrel == 0 {
		return nil
	}
	order := byteOrder(d)
	raw := make([]byte, int(dy.Nextrel)*8)
	if _, err := d.File().ReadAt(raw, int64(dy.Extreloff)); err != nil {
		return fmt.Errorf("%s: reading external relocations: %w", d.InstallName, err)
	}
	entry.update.ExtRelOff = uint32(len(*buf))
	for i := uint32(0); i < dy.Nextrel; i++ {
		rAddress := order.Uint32(raw[i*8:])
		packed := order.Uint32(raw[i*8+4:])
		oldSymIdx := packed & 0x00ffffff
		newSymIdx, ok := entry.oldToNew[oldSymIdx]
		if !ok {
			return fmt.Errorf("%s: external relocation refers to local symbol index %d, which was not remapped", d.InstallName, oldSymIdx)
		}
		packed = (packed &^ 0x00ffffff) | (newSymIdx & 0x00ffffff)
		entryBuf := make([]byte, 8)
		order.PutUint32(entryBuf, rAddress)
		order.PutUint32(entryBuf[4:], packed)
		*buf = append(*buf, entryBuf...)
	}
	return nil
}

func dataInCodeOf(d *layout.DylibLayout) *macho.DataInCode {
	for _, l := range d.File().Loads {
		if dic, ok := l.(*macho.DataInCode); ok {
			return dic
		}
	}
	return nil
}

func copyFunctionStarts(d *layout.DylibLayout, buf *[]byte, has *bool, off *uint32) error {
	cmd := d.File().FunctionStarts()
	if cmd == nil || cmd.Size == 0 {
		return nil
	}
	data := make([]byte, cmd.Size)
	if _, err := d.File().ReadAt(data, int64(cmd.Offset)); err != nil {
		return fmt.Errorf("%s: reading function starts: %w", d.InstallName, err)
	}
	*has = true
	*off = uint32(len(*buf))
	*buf = append(*buf, data...)
	return nil
}

func copyDataInCode(d *layout.DylibLayout, buf *[]byte, has *bool, off *uint32) error {
	cmd := dataInCodeOf(d)
	if cmd == nil || cmd.Size == 0 {
		return nil
	}
	data := make([]byte, cmd.Size)
	if _, err := d.File().ReadAt(data, int64(cmd.Offset)); err != nil {
		return fmt.Errorf("%s: reading data in code: %w", d.InstallName, err)
	}
	*has = true
	*off = uint32(len(*buf))
	*buf = append(*buf, data...)
	return nil
}

func copyIndirectSymbolTable(d *layout.DylibLayout, entry *perDylib, buf *[]byte) error {
	dy := d.Dysymtab.DysymtabCmd
	if dy.Nindirectsyms == 0 {
		return nil
	}
	order := byteOrder(d)
	raw := make([]byte, int(dy.Nindirectsyms)*4)
	if _, err := d.File().ReadAt(raw, int64(dy.Indirectsymoff)); err != nil {
		return fmt.Errorf("%s: reading indirect symbol table: %w", d.InstallName, err)
	}
	entry.update.IndirectSymOff = uint32(len(*buf))
	out := make([]byte, len(raw))
	for i := uint32(0); i < dy.Nindirectsyms; i++ {
		oldIdx := order.Uint32(raw[i*4:])
		newIdx := oldIdx
		if oldIdx != types.IndirectSymbolAbs && oldIdx != types.IndirectSymbolLocal {
			remapped, ok := entry.oldToNew[oldIdx]
			if !ok {
				return fmt.Errorf("%s: indirect symbol table refers to local symbol index %d, which was not remapped", d.InstallName, oldIdx)
			}
			newIdx = remapped
		}
		order.PutUint32(out[i*4:], newIdx)
	}
	*buf = append(*buf, out...)
	return nil
}
