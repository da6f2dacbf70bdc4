// Package bind resolves every undefined symbol reference a dylib carries
// against its dependency closure and writes the resolved address into the
// referencing pointer, stub, or relocation slot.
package bind

import (
	"encoding/binary"
	"errors"
	"fmt"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/rebase"
	"github.com/blacktop/go-dyldcache/pkg/trie"
	"github.com/blacktop/go-dyldcache/types"
)

var (
	ErrUndefinedSymbol    = errors.New("could not resolve undefined symbol")
	ErrFlatNamespace      = errors.New("flat namespace binding not allowed in the shared cache")
	ErrBadOrdinal         = errors.New("bad library ordinal")
	ErrBadBindOpcode      = errors.New("bad bind opcode")
	ErrMalformedBindInfo  = errors.New("malformed bind info")
	ErrResolverReexport   = errors.New("re-export of a resolver symbol is not supported")
)

// armThumbDefDesc is N_ARM_THUMB_DEF, the n_desc bit marking a symbol whose
// real entry point is address+1 (thumb mode).
const armThumbDefDesc = 0x0008

// reexport is one individual-symbol re-export (EXPORT_SYMBOL_FLAGS_REEXPORT)
// pending lazy resolution against the naming dylib's own export table.
type reexport struct {
	exportName string
	ordinal    int
	importName string
}

// binder is the per-dylib symbol-resolution state.
type binder struct {
	dylib *layout.DylibLayout
	// ordinals[i] is the dylib ordinal i+1 resolves to; nil for an ordinal
	// whose dependency could not be resolved (only ever valid for a weak
	// dependency, and only an error if actually referenced).
	ordinals []*layout.DylibLayout

	exports       map[string]uint64
	resolvers     map[string]bool
	reexports     []reexport
	reexportsDone bool
}

// resolverClient is a (client, symbol) fact published while binding
// client: client has a lazy-pointer slot targeting symbol, a resolver
// exported by owner, and the pointer was left unwritten. The post-pass in
// Optimize joins this against owner's own lazyPointers entry to rewrite
// client's call-site stub.
type resolverClient struct {
	client *layout.DylibLayout
	owner  *layout.DylibLayout
	symbol string
}

// Registry resolves symbols across an entire shareable set: one binder per
// dylib, keyed by its layout. It also collects the cross-dylib resolver
// facts binding produces (owner, symbol, lazy-pointer VA) and (client,
// owner, symbol), so Optimize can rewrite every client's stub in one pass
// after every dylib has bound, instead of binders mutating each other
// mid-bind.
type Registry struct {
	arch    archinfo.Info
	binders map[*layout.DylibLayout]*binder

	// lazyPointers[owner][symbol] is the VA of owner's own lazy pointer
	// slot for a resolver it exports, recorded the first time some bind
	// pass (possibly owner's own) reaches that slot.
	lazyPointers map[*layout.DylibLayout]map[string]uint64
	// resolverClients accumulates every (client, owner, symbol) fact in
	// the order Bind encountered them.
	resolverClients []resolverClient
}

// NewRegistry builds the export table and dependency ordinal table for
// every node, ready for Bind to be called once rebasing has placed every
// dylib's segments.
func NewRegistry(arch archinfo.Info, nodes []*depgraph.Node) (*Registry, error) {
	r := &Registry{
		arch:         arch,
		binders:      make(map[*layout.DylibLayout]*binder, len(nodes)),
		lazyPointers: make(map[*layout.DylibLayout]map[string]uint64),
	}
	for _, n := range nodes {
		b, err := newBinder(n)
		if err != nil {
			return nil, err
		}
		r.binders[n.Layout] = b
	}
	return r, nil
}

func newBinder(n *depgraph.Node) (*binder, error) {
	d := n.Layout
	b := &binder{dylib: d, ordinals: ordinalTable(n)}

	if d.DyldInfo != nil && d.DyldInfo.ExportSize > 0 {
		raw := make([]byte, d.DyldInfo.ExportSize)
		if _, err := d.File().ReadAt(raw, int64(d.DyldInfo.ExportOff)); err != nil {
			return nil, fmt.Errorf("%s: reading export trie: %w", d.InstallName, err)
		}
		entries, err := trie.ParseTrie(raw, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: parsing export trie: %w", d.InstallName, err)
		}
		baseAddr := d.BaseAddr()
		b.exports = make(map[string]uint64, len(entries))
		b.resolvers = make(map[string]bool)
		for _, e := range entries {
			if !e.Flags.Regular() {
				return nil, fmt.Errorf("%s: non-regular symbol binding not supported for %s", d.InstallName, e.Name)
			}
			if e.Flags&types.EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER != 0 {
				b.resolvers[e.Name] = true
			}
			if e.Flags&types.EXPORT_SYMBOL_FLAGS_REEXPORT != 0 {
				importName := e.ReExport
				if importName == "" {
					importName = e.Name
				}
				b.reexports = append(b.reexports, reexport{exportName: e.Name, ordinal: int(e.Other), importName: importName})
			} else {
				b.exports[e.Name] = e.Address + baseAddr
			}
		}
	} else {
		b.exports = make(map[string]uint64)
		if d.Symtab == nil || d.Dysymtab == nil {
			return b, nil
		}
		dy := d.Dysymtab.DysymtabCmd
		for i := dy.Iextdefsym; i < dy.Iextdefsym+dy.Nextdefsym && int(i) < len(d.Symtab.Syms); i++ {
			sym := d.Symtab.Syms[i]
			b.exports[sym.Name] = runtimeAddress(sym, d.CPU)
		}
	}
	return b, nil
}

func runtimeAddress(sym macho.Symbol, cpu types.CPU) uint64 {
	if cpu == types.CPUArm && sym.Desc&armThumbDefDesc != 0 {
		return sym.Value + 1
	}
	return sym.Value
}

// ordinalTable recovers, for each dependency in n.Layout.Dependencies
// order, which resolved node it corresponds to. n.DependsOn() is always a
// subsequence of Dependencies in the same relative order (only entries
// that failed to resolve, which can only happen for weak dependencies,
// are missing), so a two-pointer merge by install name recovers the
// mapping without depgraph needing to track the association itself.
func ordinalTable(n *depgraph.Node) []*layout.DylibLayout {
	deps := n.Layout.Dependencies
	resolved := n.DependsOn()
	table := make([]*layout.DylibLayout, len(deps))
	j := 0
	for i, dep := range deps {
		if j < len(resolved) && resolved[j].Layout.InstallName == dep.Name {
			table[i] = resolved[j].Layout
			j++
		}
	}
	return table
}

func (r *Registry) binderFor(d *layout.DylibLayout) *binder {
	return r.binders[d]
}

func (b *binder) dependentForOrdinal(ordinal int) (*layout.DylibLayout, error) {
	switch {
	case ordinal == types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP:
		return nil, fmt.Errorf("%w: dynamic lookup linkage not allowed in the shared cache", ErrBadOrdinal)
	case ordinal == types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE:
		return nil, fmt.Errorf("%w: linkage to the main executable not allowed in the shared cache", ErrBadOrdinal)
	case ordinal < 0:
		return nil, fmt.Errorf("%w: special library ordinal %d not allowed", ErrBadOrdinal, ordinal)
	case ordinal == types.SelfLibraryOrdinal:
		return b.dylib, nil
	case ordinal > len(b.ordinals):
		return nil, fmt.Errorf("%w: %d exceeds %d dependencies", ErrBadOrdinal, ordinal, len(b.ordinals))
	default:
		dep := b.ordinals[ordinal-1]
		if dep == nil {
			return nil, fmt.Errorf("%w: ordinal %d dependency did not resolve", ErrBadOrdinal, ordinal)
		}
		return dep, nil
	}
}

// findExported resolves name against d's export table, lazily resolving
// any pending individual-symbol re-exports on first call. foundIn is the
// dylib whose own export table actually satisfied the lookup (after
// chasing whole-dylib re-exports), used so a lazy pointer's resolver-stub
// status can be deduplicated across the chain it was found through.
func (r *Registry) findExported(d *layout.DylibLayout, name string) (addr uint64, foundIn *layout.DylibLayout, isResolver bool, err error) {
	b := r.binderFor(d)
	if b == nil {
		return 0, nil, false, fmt.Errorf("%s: not part of this bind set", d.InstallName)
	}
	if !b.reexportsDone {
		for _, re := range b.reexports {
			if re.ordinal <= 0 {
				return 0, nil, false, fmt.Errorf("%w: bad ordinal in re-exported symbol %s of %s", ErrBadOrdinal, re.exportName, d.InstallName)
			}
			target, err := b.dependentForOrdinal(re.ordinal)
			if err != nil {
				return 0, nil, false, fmt.Errorf("%s: %w", d.InstallName, err)
			}
			targetAddr, _, isRes, err := r.findExported(target, re.importName)
			if err != nil {
				return 0, nil, false, fmt.Errorf("could not bind symbol %s in %s expected in %s: %w", re.importName, d.InstallName, target.InstallName, err)
			}
			if isRes {
				return 0, nil, false, fmt.Errorf("%w: %s in %s", ErrResolverReexport, re.exportName, d.InstallName)
			}
			b.exports[re.exportName] = targetAddr
		}
		b.reexportsDone = true
	}

	if b.resolvers[name] {
		isResolver = true
	}
	if a, ok := b.exports[name]; ok {
		return a, d, isResolver, nil
	}

	// whole-dylib re-exports (LC_REEXPORT_DYLIB) are searched last, deepest
	// first.
	for i := len(d.Dependencies) - 1; i >= 0; i-- {
		if !d.Dependencies[i].ReExport {
			continue
		}
		dep := b.ordinals[i]
		if dep == nil {
			continue
		}
		if a, fi, isRes, err := r.findExported(dep, name); err == nil {
			return a, fi, isRes, nil
		}
	}
	return 0, nil, false, fmt.Errorf("%w: %s", ErrUndefinedSymbol, name)
}

// HoistPrivateReexports folds the exports of any re-exported dependency
// installed outside /usr/lib or /System/Library/Frameworks/<Name>.framework
// directly into d's own export trie, then rebuilds it: dyld only looks one
// level through LC_REEXPORT_DYLIB for a *public* location, so a privately
// located re-export has to be flattened at cache-build time instead.
func (r *Registry) HoistPrivateReexports(d *layout.DylibLayout) error {
	if d.DyldInfo == nil {
		return nil
	}
	b := r.binderFor(d)
	var privateReexports []*layout.DylibLayout
	for i, dep := range d.Dependencies {
		if dep.ReExport && b.ordinals[i] != nil && !isPublicLocation(b.ordinals[i].InstallName) {
			privateReexports = append(privateReexports, b.ordinals[i])
		}
	}
	if len(privateReexports) == 0 {
		return nil
	}

	raw := d.NewExportTrie
	if raw == nil {
		var err error
		raw = make([]byte, d.DyldInfo.ExportSize)
		if _, err = d.File().ReadAt(raw, int64(d.DyldInfo.ExportOff)); err != nil {
			return fmt.Errorf("%s: reading export trie: %w", d.InstallName, err)
		}
	}
	entries, err := trie.ParseTrie(raw, 0)
	if err != nil {
		return fmt.Errorf("%s: parsing export trie: %w", d.InstallName, err)
	}

	for _, dep := range privateReexports {
		ordinal := 0
		for i, ddep := range d.Dependencies {
			if b.ordinals[i] == dep && ddep.ReExport {
				ordinal = i + 1
				break
			}
		}
		var depRaw []byte
		if dep.NewExportTrie != nil {
			depRaw = dep.NewExportTrie
		} else if dep.DyldInfo != nil && dep.DyldInfo.ExportSize > 0 {
			depRaw = make([]byte, dep.DyldInfo.ExportSize)
			if _, err := dep.File().ReadAt(depRaw, int64(dep.DyldInfo.ExportOff)); err != nil {
				return fmt.Errorf("%s: reading %s export trie: %w", d.InstallName, dep.InstallName, err)
			}
		}
		depEntries, err := trie.ParseTrie(depRaw, 0)
		if err != nil {
			return fmt.Errorf("%s: parsing %s export trie: %w", d.InstallName, dep.InstallName, err)
		}
		for _, e := range depEntries {
			e.Flags |= types.EXPORT_SYMBOL_FLAGS_REEXPORT
			e.Other = uint64(ordinal)
			e.ReExport = ""
			entries = append(entries, e)
		}
	}

	newTrie, err := trie.BuildExportTrie(entries)
	if err != nil {
		return fmt.Errorf("%s: rebuilding export trie after hoisting private re-exports: %w", d.InstallName, err)
	}
	for uint64(len(newTrie))%r.arch.PointerSize != 0 {
		newTrie = append(newTrie, 0)
	}
	d.NewExportTrie = newTrie
	return nil
}

func isPublicLocation(installName string) bool {
	if len(installName) > 9 && installName[:9] == "/usr/lib/" {
		for _, c := range installName[9:] {
			if c == '/' {
				return false
			}
		}
		return true
	}
	const frameworksPrefix = "/System/Library/Frameworks/"
	if len(installName) > len(frameworksPrefix) && installName[:len(frameworksPrefix)] == frameworksPrefix {
		rest := installName[len(frameworksPrefix):]
		dot := -1
		for i, c := range rest {
			if c == '.' {
				dot = i
				break
			}
		}
		if dot < 0 {
			return false
		}
		leaf := rest[:dot]
		return len(installName) > len(leaf)+1 && installName[len(installName)-len(leaf)-1:] == "/"+leaf
	}
	return false
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

func readULEB128(data []byte, p int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if p >= len(data) {
			return 0, 0, fmt.Errorf("%w: uleb128 runs past end of bind info", ErrMalformedBindInfo)
		}
		b := data[p]
		p++
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: uleb128 too big", ErrMalformedBindInfo)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, p, nil
}

func readSLEB128(data []byte, p int) (int64, int, error) {
	var result int64
	var shift uint
	var b byte
	for {
		if p >= len(data) {
			return 0, 0, fmt.Errorf("%w: sleb128 runs past end of bind info", ErrMalformedBindInfo)
		}
		b = data[p]
		p++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, p, nil
}

func readCString(data []byte, p int) (string, int, error) {
	start := p
	for p < len(data) && data[p] != 0 {
		p++
	}
	if p >= len(data) {
		return "", 0, fmt.Errorf("%w: unterminated symbol name in bind info", ErrMalformedBindInfo)
	}
	return string(data[start:p]), p + 1, nil
}

// Bind resolves and writes every bind, lazy-bind, and legacy relocation or
// indirect-symbol reference d carries, using img as the segment byte
// working copy (already rebased). dyldBaseAddress is the shared cache's
// own load address, used to patch the bootstrap pointers in a dylib's
// __DATA,__dyld section.
func (r *Registry) Bind(d *layout.DylibLayout, img *rebase.Image, dyldBaseAddress uint64) error {
	doSetUpDyldSection(d, img, r.arch, dyldBaseAddress)

	if d.DyldInfo != nil {
		if err := r.doBindDyldInfo(d, img); err != nil {
			return fmt.Errorf("%s: %w", d.InstallName, err)
		}
		if err := r.doBindDyldLazyInfo(d, img); err != nil {
			return fmt.Errorf("%s: %w", d.InstallName, err)
		}
		if err := r.HoistPrivateReexports(d); err != nil {
			return err
		}
		// weak bind info is resolved at process launch time, same as on a
		// normal disk image; the cache does not pre-bind it.
		return nil
	}

	if err := r.doBindExternalRelocations(d, img); err != nil {
		return fmt.Errorf("%s: %w", d.InstallName, err)
	}
	if err := r.doBindIndirectSymbols(d, img); err != nil {
		return fmt.Errorf("%s: %w", d.InstallName, err)
	}
	return nil
}

func doSetUpDyldSection(d *layout.DylibLayout, img *rebase.Image, arch archinfo.Info, dyldBaseAddress uint64) {
	order := byteOrder(d)
	for _, seg := range d.Segments {
		if seg.Name != "__DATA" {
			continue
		}
		for _, sect := range d.File().GetSectionsForSegment(seg.Name) {
			if sect.Name != "__dyld" || sect.Size < 2*arch.PointerSize {
				continue
			}
			b, err := imgBytesAt(img, seg, sect.Addr-seg.OrigAddr)
			if err != nil || uint64(len(b)) < 2*arch.PointerSize {
				continue
			}
			writePointer(order, arch, b, dyldBaseAddress+0x1000)
			writePointer(order, arch, b[arch.PointerSize:], dyldBaseAddress+0x1008)
			off := sect.Addr - seg.OrigAddr
			img.RecordPointer(seg, off)
			img.RecordPointer(seg, off+arch.PointerSize)
		}
	}
}

func imgBytesAt(img *rebase.Image, seg *layout.Segment, offset uint64) ([]byte, error) {
	data := img.Bytes[seg]
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("offset %#x past end of segment %s", offset, seg.Name)
	}
	return data[offset:], nil
}

func (r *Registry) doBindDyldLazyInfo(d *layout.DylibLayout, img *rebase.Image) error {
	if d.DyldInfo.LazyBindSize == 0 {
		return nil
	}
	data := make([]byte, d.DyldInfo.LazyBindSize)
	if _, err := d.File().ReadAt(data, int64(d.DyldInfo.LazyBindOff)); err != nil {
		return fmt.Errorf("reading lazy bind info: %w", err)
	}

	var (
		segIndex  int
		segOffset uint64
		ordinal   int
		addend    int64
		symbol    string
		p         int
	)
	for p < len(data) {
		b := data[p]
		opcode := b & types.BIND_OPCODE_MASK
		imm := b & types.BIND_IMMEDIATE_MASK
		p++
		switch opcode {
		case types.BIND_OPCODE_DONE:
			// marks the end of one lazy pointer's binding; more may follow.
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			ordinal = int(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			ordinal, p = int(v), np
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				ordinal = 0
			} else {
				ordinal = int(int8(types.BIND_OPCODE_MASK | imm))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			s, np, err := readCString(data, p)
			if err != nil {
				return err
			}
			symbol, p = s, np
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, np, err := readSLEB128(data, p)
			if err != nil {
				return err
			}
			addend, p = v, np
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			segOffset, p = v, np
		case types.BIND_OPCODE_DO_BIND:
			if err := r.bindAt(d, img, segIndex, segOffset, types.BIND_TYPE_POINTER, ordinal, addend, symbol, true); err != nil {
				return err
			}
			segOffset += r.arch.PointerSize
		default:
			return fmt.Errorf("%w: %#x in lazy bind info", ErrBadBindOpcode, opcode)
		}
	}
	return nil
}

func (r *Registry) doBindDyldInfo(d *layout.DylibLayout, img *rebase.Image) error {
	if d.DyldInfo.BindSize == 0 {
		return nil
	}
	data := make([]byte, d.DyldInfo.BindSize)
	if _, err := d.File().ReadAt(data, int64(d.DyldInfo.BindOff)); err != nil {
		return fmt.Errorf("reading bind info: %w", err)
	}

	var (
		btype     uint8
		segIndex  int
		segOffset uint64
		ordinal   int
		addend    int64
		symbol    string
		p         int
		done      bool
	)
	for !done && p < len(data) {
		b := data[p]
		opcode := b & types.BIND_OPCODE_MASK
		imm := b & types.BIND_IMMEDIATE_MASK
		p++
		switch opcode {
		case types.BIND_OPCODE_DONE:
			done = true
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			ordinal = int(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			ordinal, p = int(v), np
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				ordinal = 0
			} else {
				ordinal = int(int8(types.BIND_OPCODE_MASK | imm))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			s, np, err := readCString(data, p)
			if err != nil {
				return err
			}
			symbol, p = s, np
		case types.BIND_OPCODE_SET_TYPE_IMM:
			btype = imm
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, np, err := readSLEB128(data, p)
			if err != nil {
				return err
			}
			addend, p = v, np
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			segOffset, p = v, np
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			segOffset += v
			p = np
		case types.BIND_OPCODE_DO_BIND:
			if err := r.bindAt(d, img, segIndex, segOffset, btype, ordinal, addend, symbol, false); err != nil {
				return err
			}
			segOffset += r.arch.PointerSize
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := r.bindAt(d, img, segIndex, segOffset, btype, ordinal, addend, symbol, false); err != nil {
				return err
			}
			v, np, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			segOffset += v + r.arch.PointerSize
			p = np
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := r.bindAt(d, img, segIndex, segOffset, btype, ordinal, addend, symbol, false); err != nil {
				return err
			}
			segOffset += uint64(imm)*r.arch.PointerSize + r.arch.PointerSize
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, p1, err := readULEB128(data, p)
			if err != nil {
				return err
			}
			skip, p2, err := readULEB128(data, p1)
			if err != nil {
				return err
			}
			p = p2
			for i := uint64(0); i < count; i++ {
				if err := r.bindAt(d, img, segIndex, segOffset, btype, ordinal, addend, symbol, false); err != nil {
					return err
				}
				segOffset += skip + r.arch.PointerSize
			}
		default:
			return fmt.Errorf("%w: %#x in bind info", ErrBadBindOpcode, opcode)
		}
	}
	return nil
}

// bindAt resolves symbol against the dylib ordinal refers to and writes
// the resolved address (plus addend) into d's segment at segIndex:
// segOffset. A lazy pointer bound to a resolver-stub symbol is left
// untouched: dyld must call through the stub at runtime rather than the
// cache pre-binding straight to its currently-resolved address. Instead the
// slot is published to the registry, either as the owning dylib's own
// lazy-pointer location (if d itself defines the resolver) or as a
// (client, owner, symbol) fact for Optimize to join later.
func (r *Registry) bindAt(d *layout.DylibLayout, img *rebase.Image, segIndex int, segOffset uint64, btype uint8, ordinal int, addend int64, symbol string, lazy bool) error {
	if segIndex < 0 || segIndex >= len(d.Segments) {
		return fmt.Errorf("%w: bad segment index %d in bind info", ErrMalformedBindInfo, segIndex)
	}
	b := r.binderFor(d)
	dep, err := b.dependentForOrdinal(ordinal)
	if err != nil {
		return err
	}
	target, foundIn, isResolver, err := r.findExported(dep, symbol)
	if err != nil {
		return fmt.Errorf("could not bind symbol %s in %s expected in %s: %w", symbol, d.InstallName, dep.InstallName, err)
	}
	if lazy && isResolver {
		if foundIn == d {
			lpVMAddr := d.Segments[segIndex].NewAddr + segOffset
			if r.lazyPointers[foundIn] == nil {
				r.lazyPointers[foundIn] = make(map[string]uint64)
			}
			r.lazyPointers[foundIn][symbol] = lpVMAddr
		} else {
			r.resolverClients = append(r.resolverClients, resolverClient{client: d, owner: foundIn, symbol: symbol})
		}
		return nil
	}

	seg := d.Segments[segIndex]
	bytes, err := imgBytesAt(img, seg, segOffset)
	if err != nil {
		return err
	}
	order := byteOrder(d)
	switch btype {
	case types.BIND_TYPE_POINTER:
		if uint64(len(bytes)) < r.arch.PointerSize {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedBindInfo, seg.Name, segOffset)
		}
		writePointer(order, r.arch, bytes, uint64(int64(target)+addend))
		img.RecordPointer(seg, segOffset)
	case types.BIND_TYPE_TEXT_ABSOLUTE32:
		if len(bytes) < 4 {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedBindInfo, seg.Name, segOffset)
		}
		order.PutUint32(bytes, uint32(int64(target)+addend))
	case types.BIND_TYPE_TEXT_PCREL32:
		if len(bytes) < 4 {
			return fmt.Errorf("%w: truncated pointer at %s+%#x", ErrMalformedBindInfo, seg.Name, segOffset)
		}
		svalue := int32(int64(seg.NewAddr) + int64(segOffset) + 4 - (int64(target) + addend))
		order.PutUint32(bytes, uint32(svalue))
	default:
		return fmt.Errorf("%w: bad bind type %d", ErrBadBindOpcode, btype)
	}
	return nil
}

// --- legacy (pre-dyld-info) binding path ---

type externalReloc struct {
	Address uint32
	Packed  uint32
}

func readExternalRelocs(d *layout.DylibLayout, order binary.ByteOrder, off, count uint32) ([]externalReloc, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, int(count)*8)
	if _, err := d.File().ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("reading external relocations: %w", err)
	}
	out := make([]externalReloc, count)
	for i := range out {
		out[i].Address = order.Uint32(buf[i*8:])
		out[i].Packed = order.Uint32(buf[i*8+4:])
	}
	return out, nil
}

func (r *Registry) resolveUndefinedLegacy(d *layout.DylibLayout, sym macho.Symbol) (uint64, error) {
	if sym.Type.Kind() == types.NSect {
		if sym.Type.IsPrivate() || sym.Desc.WeakDefined() {
			return runtimeAddress(sym, d.CPU), nil
		}
	}
	if !d.Flags.TwoLevel() {
		return 0, fmt.Errorf("%w: %s", ErrFlatNamespace, sym.Name)
	}
	ordinal := sym.Desc.LibraryOrdinal()
	if ordinal == types.ExecutableOrdinal || ordinal == types.DynamicLookupOrdinal {
		return 0, fmt.Errorf("%w: magic ordinal not supported for %s", ErrBadOrdinal, sym.Name)
	}
	b := r.binderFor(d)
	dep, err := b.dependentForOrdinal(ordinal)
	if err != nil {
		return 0, err
	}
	addr, _, _, err := r.findExported(dep, sym.Name)
	if err != nil {
		return 0, fmt.Errorf("could not resolve undefined symbol %s in %s expected in %s: %w", sym.Name, d.InstallName, dep.InstallName, err)
	}
	return addr, nil
}

func (r *Registry) doBindExternalRelocations(d *layout.DylibLayout, img *rebase.Image) error {
	if d.Dysymtab == nil || d.Symtab == nil {
		return nil
	}
	var firstWritable *layout.Segment
	for _, seg := range d.Segments {
		if seg.Writable() {
			firstWritable = seg
			break
		}
	}
	if firstWritable == nil {
		return nil
	}

	order := byteOrder(d)
	dy := d.Dysymtab.DysymtabCmd
	relocs, err := readExternalRelocs(d, order, dy.Extreloff, dy.Nextrel)
	if err != nil {
		return err
	}
	for _, reloc := range relocs {
		symIdx := reloc.Packed & 0x00ffffff
		if int(symIdx) >= len(d.Symtab.Syms) {
			return fmt.Errorf("%w: external relocation symbol index %d out of range", ErrMalformedBindInfo, symIdx)
		}
		sym := d.Symtab.Syms[symIdx]
		va := firstWritable.OrigAddr + uint64(reloc.Address)
		bytes, err := imgBytesForOriginalVA(d, img, va)
		if err != nil {
			return fmt.Errorf("processing external relocation r_address %#x: %w", reloc.Address, err)
		}
		addend := int64(readPointer(order, r.arch, bytes))
		symAddr, err := r.resolveUndefinedLegacy(d, sym)
		if err != nil {
			return err
		}
		writePointer(order, r.arch, bytes, uint64(int64(symAddr)+addend))
		for _, seg := range d.Segments {
			if seg.OrigVMSize != 0 && va >= seg.OrigAddr && va < seg.OrigAddr+seg.OrigVMSize {
				img.RecordPointer(seg, va-seg.OrigAddr)
				break
			}
		}
	}
	return nil
}

func imgBytesForOriginalVA(d *layout.DylibLayout, img *rebase.Image, va uint64) ([]byte, error) {
	for _, seg := range d.Segments {
		if seg.OrigVMSize != 0 && va >= seg.OrigAddr && va < seg.OrigAddr+seg.OrigVMSize {
			return imgBytesAt(img, seg, va-seg.OrigAddr)
		}
	}
	return nil, fmt.Errorf("vm address %#x not found in %s", va, d.InstallName)
}

func (r *Registry) doBindIndirectSymbols(d *layout.DylibLayout, img *rebase.Image) error {
	if d.Dysymtab == nil || d.Symtab == nil {
		return nil
	}
	order := byteOrder(d)
	for _, seg := range d.Segments {
		for _, sect := range d.File().GetSectionsForSegment(seg.Name) {
			var elementSize uint64
			switch sect.Flags.Type() {
			case types.SSymbolStubs:
				elementSize = uint64(sect.Reserved2)
			case types.SNonLazySymbolPointers, types.SLazySymbolPointers:
				elementSize = r.arch.PointerSize
			default:
				continue
			}
			if elementSize == 0 || sect.Size == 0 {
				continue
			}
			count := sect.Size / elementSize
			for j := uint64(0); j < count; j++ {
				idx := sect.Reserved1 + uint32(j)
				if int(idx) >= len(d.Dysymtab.IndirectSyms) {
					continue
				}
				symIdx := d.Dysymtab.IndirectSyms[idx]
				if symIdx == types.IndirectSymbolAbs || symIdx == types.IndirectSymbolLocal {
					continue
				}
				if int(symIdx) >= len(d.Symtab.Syms) {
					return fmt.Errorf("%w: indirect symbol index %d out of range", ErrMalformedBindInfo, symIdx)
				}
				sym := d.Symtab.Syms[symIdx]
				symAddr, err := r.resolveUndefinedLegacy(d, sym)
				if err != nil {
					return err
				}
				offset := j * elementSize
				bytes, err := imgBytesAt(img, seg, sect.Addr-seg.OrigAddr+offset)
				if err != nil {
					return err
				}
				switch sect.Flags.Type() {
				case types.SNonLazySymbolPointers, types.SLazySymbolPointers:
					writePointer(order, r.arch, bytes, symAddr)
					img.RecordPointer(seg, sect.Addr-seg.OrigAddr+offset)
				case types.SSymbolStubs:
					bindFastStub(r.arch, bytes, seg.NewAddr+sect.Addr-seg.OrigAddr+offset, symAddr, elementSize)
				}
			}
		}
	}
	return nil
}

// bindFastStub patches an x86 5-byte "fast stub" (JMP rel32) to jump
// straight to the resolved symbol. Every other architecture's stubs are
// position-independent code the cache builder does not modify.
func bindFastStub(arch archinfo.Info, location []byte, vmlocation, value, elementSize uint64) {
	if arch.CPU != types.CPU386 || elementSize != 5 {
		return
	}
	rel32 := uint32(value - (vmlocation + 5))
	location[0] = 0xE9
	location[1] = byte(rel32)
	location[2] = byte(rel32 >> 8)
	location[3] = byte(rel32 >> 16)
	location[4] = byte(rel32 >> 24)
}

// --- resolver stub optimisation (post-pass) ---

// Optimize joins every (client, owner, symbol) fact recorded by bindAt
// against owner's own lazy-pointer location for that symbol, and rewrites
// each client's call-site stub to jump straight through the owner's lazy
// pointer instead of through the resolver stub. images supplies the
// rebased byte buffer for every dylib taking part in this bind set.
func (r *Registry) Optimize(images map[*layout.DylibLayout]*rebase.Image) error {
	for _, rc := range r.resolverClients {
		lpVMAddr, ok := r.lazyPointers[rc.owner][rc.symbol]
		if !ok {
			continue
		}
		img, ok := images[rc.client]
		if !ok {
			return fmt.Errorf("%s: no rebased image to optimize resolver stub for %s", rc.client.InstallName, rc.symbol)
		}
		if err := optimizeResolverStub(r.arch, rc.client, img, rc.symbol, lpVMAddr); err != nil {
			return fmt.Errorf("%s: optimizing resolver stub for %s: %w", rc.client.InstallName, rc.symbol, err)
		}
	}
	return nil
}

// optimizeResolverStub finds the named symbol stub among client's
// SYMBOL_STUBS sections and rewrites it, per architecture, to jump via
// lpVMAddr rather than through the resolver call dyld would otherwise make.
func optimizeResolverStub(arch archinfo.Info, client *layout.DylibLayout, img *rebase.Image, symbol string, lpVMAddr uint64) error {
	if client.Dysymtab == nil || client.Symtab == nil {
		return nil
	}
	order := byteOrder(client)
	for _, seg := range client.Segments {
		for _, sect := range client.File().GetSectionsForSegment(seg.Name) {
			if sect.Flags.Type() != types.SSymbolStubs || sect.Size == 0 {
				continue
			}
			stubSize := uint64(sect.Reserved2)
			if stubSize == 0 {
				continue
			}
			count := sect.Size / stubSize
			for j := uint64(0); j < count; j++ {
				idx := sect.Reserved1 + uint32(j)
				if int(idx) >= len(client.Dysymtab.IndirectSyms) {
					continue
				}
				symIdx := client.Dysymtab.IndirectSyms[idx]
				if symIdx == types.IndirectSymbolAbs || symIdx == types.IndirectSymbolLocal {
					continue
				}
				if int(symIdx) >= len(client.Symtab.Syms) {
					continue
				}
				if client.Symtab.Syms[symIdx].Name != symbol {
					continue
				}
				stubVMAddr := seg.NewAddr + sect.Addr - seg.OrigAddr + j*stubSize
				stubBytes, err := imgBytesAt(img, seg, sect.Addr-seg.OrigAddr+j*stubSize)
				if err != nil {
					return err
				}
				if uint64(len(stubBytes)) < stubSize {
					return fmt.Errorf("truncated stub at %s+%#x", seg.Name, sect.Addr-seg.OrigAddr+j*stubSize)
				}
				rewriteResolverStub(arch, order, stubBytes[:stubSize], stubVMAddr, lpVMAddr)
				return nil
			}
		}
	}
	return nil
}

// rewriteResolverStub patches one already-located stub in place. arm's
// 16-byte PIC stub loads a pc-relative .long at its tail; x86_64's 6-byte
// "JMP [rip+disp32]" stub carries the displacement as its last four bytes.
// Every other architecture's stub is left untouched.
func rewriteResolverStub(arch archinfo.Info, order binary.ByteOrder, stub []byte, stubVMAddr, lpVMAddr uint64) {
	switch arch.CPU {
	case types.CPUArm:
		if len(stub) != 16 {
			return
		}
		if order.Uint32(stub[0:]) != 0xe59fc004 || order.Uint32(stub[4:]) != 0xe08fc00c || order.Uint32(stub[8:]) != 0xe59cf000 {
			return
		}
		order.PutUint32(stub[12:], uint32(lpVMAddr-(stubVMAddr+12)))
	case types.CPUAmd64:
		if len(stub) != 6 {
			return
		}
		if stub[0] != 0xFF || stub[1] != 0x25 {
			return
		}
		order.PutUint32(stub[2:], uint32(lpVMAddr-(stubVMAddr+6)))
	}
}
