// Package layout turns an already-parsed Mach-O slice into the mutable
// segment/dylib view the rest of the cache builder operates on. Nothing
// downstream of this package touches a *macho.File directly.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/types"
)

// Sentinel error kinds for layout construction failures.
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// Dependency is one entry of a dylib's ordered dependency list.
type Dependency struct {
	Name     string
	Weak     bool
	Upward   bool
	ReExport bool
}

// Segment is the mutable view onto one Mach-O segment command.
// OrigAddr/OrigVMSize/OrigFileOff/OrigFileSize/OrigPerms/Name are the
// immutable original values; Size/FileOff/FileSize/Perms/NewAddr/MappedAddr
// are written by later pipeline stages (placer, then the buffer allocator).
type Segment struct {
	Name string

	OrigAddr     uint64
	OrigVMSize   uint64
	OrigFileOff  uint64
	OrigFileSize uint64
	OrigPerms    types.VmProtection

	Size     uint64
	FileOff  uint64
	FileSize uint64
	Perms    types.VmProtection

	// NewAddr is set exactly once, by the placer (C4).
	NewAddr uint64
	newAddrSet bool
	// MappedAddr is set exactly once, by the cache buffer allocator.
	MappedAddr uint64
	mappedAddrSet bool

	// CmdOffset is the byte offset, from the start of the Mach-O header, of
	// this segment command's vmaddr field (just past cmd, cmdsize, segname).
	// vmsize/fileoff/filesize/maxprot/initprot follow it at fixed offsets
	// that depend only on pointer width (types.Segment64/Segment32's
	// layout). Only the cache assembler uses this, to rewrite every
	// dylib's __LINKEDIT segment command to the one shared location the
	// merged cache linkedit ends up at.
	CmdOffset uint64

	raw *macho.Segment
}

// Reset restores a segment's working fields (size, file offset/size,
// permissions, new/mapped address) to its original values, so the placer
// can be re-run from scratch (e.g. in verify mode).
func (s *Segment) Reset() {
	s.Size = s.OrigVMSize
	s.FileOff = s.OrigFileOff
	s.FileSize = s.OrigFileSize
	s.Perms = s.OrigPerms
	s.NewAddr = 0
	s.newAddrSet = false
	s.MappedAddr = 0
	s.mappedAddrSet = false
}

// SetNewAddr assigns the placement address. It is a programming error to
// call this more than once for a segment: new_addr is set exactly once,
// by the placer.
func (s *Segment) SetNewAddr(addr uint64) {
	if s.newAddrSet {
		panic(fmt.Sprintf("segment %s: new_addr already set", s.Name))
	}
	s.NewAddr = addr
	s.newAddrSet = true
}

// NewAddrSet reports whether the placer has assigned this segment yet.
func (s *Segment) NewAddrSet() bool { return s.newAddrSet }

// SetMappedAddr assigns the in-buffer pointer. Set exactly once.
func (s *Segment) SetMappedAddr(addr uint64) {
	if s.mappedAddrSet {
		panic(fmt.Sprintf("segment %s: mapped_addr already set", s.Name))
	}
	s.MappedAddr = addr
	s.mappedAddrSet = true
}

// Slide returns new_addr - orig_addr, the amount this segment's contents
// must be rebased by.
func (s *Segment) Slide() int64 {
	return int64(s.NewAddr) - int64(s.OrigAddr)
}

// Writable and Executable classify the segment by its working permissions,
// which is what the placer and rebaser need (not the original permissions).
func (s *Segment) Readable() bool   { return s.Perms.Read() }
func (s *Segment) Writable() bool   { return s.Perms.Write() }
func (s *Segment) Executable() bool { return s.Perms.Execute() }

// Raw exposes the underlying parsed segment for components (rebase, bind)
// that still need to read its section list or raw bytes.
func (s *Segment) Raw() *macho.Segment { return s.raw }

// FileKind mirrors the Mach-O header file types a shareable dylib may have.
type FileKind int

const (
	KindDylib FileKind = iota
	KindBundle
	KindExecutable
	KindDylibStub
	KindDylinker
)

// DylibLayout is the mutable per-dylib view consumed by every later stage
// of the cache builder.
type DylibLayout struct {
	Path        string
	InstallName string
	UUID        string
	CurrentVersion, CompatVersion string
	Kind        FileKind
	CPU         types.CPU
	CPUSubtype  types.CPUSubtype
	BigEndian   bool

	Segments     []*Segment
	Dependencies []Dependency
	Flags        types.HeaderFlag

	ModTime uint64
	Inode   uint64
	UID     uint32

	HasSplitSegInfo bool

	// HasDynamicLookupLinkage is true when an undefined external symbol
	// carries the dynamic-lookup library ordinal ("-undefined
	// dynamic_lookup"); HasMainExecutableLookupLinkage is true when one
	// carries the executable ordinal ("-bundle_loader"). Both disqualify
	// the dylib from the shared cache.
	HasDynamicLookupLinkage        bool
	HasMainExecutableLookupLinkage bool

	// Cached stream offsets, populated straight from the parsed file so
	// the rebaser/binder/linkedit merger don't need to re-walk load
	// commands.
	Symtab   *macho.Symtab
	Dysymtab *macho.Dysymtab
	DyldInfo *macho.DyldInfo

	// NewExportTrie holds the rebuilt export trie bytes once the rebaser
	// has slid every exported address; nil until then. The original
	// trie's file offset is left untouched, since only the linkedit
	// merger (which owns the merged cache LINKEDIT layout) is in a
	// position to allocate room for the replacement.
	NewExportTrie []byte

	// CommandOffsets locates the mutable numeric fields of this dylib's
	// LC_SYMTAB/LC_DYSYMTAB/LC_DYLD_INFO/function-starts/data-in-code
	// commands within the raw bytes of its first segment (whichever one
	// has file offset 0, always __TEXT in practice). Only the cache
	// assembler needs this: it is the one stage that both owns the final
	// per-dylib byte buffer and knows where the merged LINKEDIT landed.
	CommandOffsets CommandOffsets

	file *macho.File
}

// CommandOffsets records, for each load command this builder rewrites
// after merging LINKEDIT, the byte offset of that command's first
// mutable field counted from the start of the Mach-O header (cmd and
// cmdsize are never rewritten, so the offset always points past them).
type CommandOffsets struct {
	HasSymtab            bool
	SymtabOffset         uint64 // offset of symoff within LC_SYMTAB
	HasDysymtab          bool
	DysymtabOffset       uint64 // offset of ilocalsym within LC_DYSYMTAB
	HasDyldInfo          bool
	DyldInfoOffset       uint64 // offset of rebase_off within LC_DYLD_INFO(_ONLY)
	HasFunctionStarts    bool
	FunctionStartsOffset uint64 // offset of dataoff within the command
	HasDataInCode        bool
	DataInCodeOffset     uint64 // offset of dataoff within the command
}

// File returns the underlying parsed Mach-O view. Needed by the rebaser and
// binder to read opcode streams and raw section bytes.
func (d *DylibLayout) File() *macho.File { return d.file }

// TextSegment, DataSegment, LinkeditSegment return the one segment of each
// well-known name, or nil. Construction guarantees LinkeditSegment is never
// nil and that TextSegment/DataSegment appear at most once.
func (d *DylibLayout) TextSegment() *Segment     { return d.segmentNamed("__TEXT") }
func (d *DylibLayout) DataSegment() *Segment     { return d.segmentNamed("__DATA") }
func (d *DylibLayout) LinkeditSegment() *Segment { return d.segmentNamed("__LINKEDIT") }
func (d *DylibLayout) ImportSegment() *Segment   { return d.segmentNamed("__IMPORT") }

func (d *DylibLayout) segmentNamed(name string) *Segment {
	for _, s := range d.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// IsSharableLocation classifies the dylib by its install name prefix: only
// dylibs installed under /usr/lib or /System/Library are ever eligible for
// the shared cache.
func (d *DylibLayout) IsSharableLocation() bool {
	return strings.HasPrefix(d.InstallName, "/usr/lib/") || strings.HasPrefix(d.InstallName, "/System/Library/")
}

var fileKindForType = map[types.HeaderFileType]FileKind{
	types.MH_DYLIB:      KindDylib,
	types.MH_BUNDLE:     KindBundle,
	types.MH_EXECUTE:    KindExecutable,
	types.MH_DYLIB_STUB: KindDylibStub,
	types.MH_DYLINKER:   KindDylinker,
}

// New parses a single Mach-O slice into a DylibLayout. Construction rejects
// slices whose file type isn't one of {dylib, bundle, executable,
// dylib-stub, dylinker}, and fails if the slice carries LC_RPATH (an
// @rpath dylib can never be placed in the shared cache) or any unknown
// load command flagged "required by loader" (the high bit of the command
// number).
func New(path string, f *macho.File, modTime, inode uint64, uid uint32) (*DylibLayout, error) {
	kind, ok := fileKindForType[f.FileHeader.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported Mach-O file type %s", ErrMalformedInput, path, f.FileHeader.Type)
	}

	d := &DylibLayout{
		Path:       path,
		Kind:       kind,
		CPU:        f.FileHeader.CPU,
		CPUSubtype: f.FileHeader.SubCPU,
		Flags:      f.FileHeader.Flags,
		ModTime:    modTime,
		Inode:      inode,
		UID:        uid,
		BigEndian:  f.ByteOrder == binary.BigEndian,
		file:       f,
	}

	if id := f.DylibID(); id != nil {
		d.InstallName = id.Name
		d.CurrentVersion = id.CurrentVersion
		d.CompatVersion = id.CompatVersion
	} else {
		d.InstallName = path
	}
	if u := f.UUID(); u != nil {
		d.UUID = u.ID
	}

	cmdOffset := uint64(types.FileHeaderSize32)
	if f.FileHeader.Magic == types.Magic64 {
		cmdOffset = uint64(types.FileHeaderSize64)
	}
	const fieldsOffset = 8 // every load command starts with cmd, cmdsize (uint32 each)

	for _, l := range f.Loads {
		switch c := l.(type) {
		case *macho.Rpath:
			return nil, fmt.Errorf("%w: %s: LC_RPATH present in a would-be-shared dylib", ErrUnsupportedFeature, path)
		case *macho.Dylib:
			d.Dependencies = append(d.Dependencies, Dependency{Name: c.Name})
		case *macho.WeakDylib:
			d.Dependencies = append(d.Dependencies, Dependency{Name: c.Name, Weak: true})
		case *macho.ReExportDylib:
			d.Dependencies = append(d.Dependencies, Dependency{Name: c.Name, ReExport: true})
		case *macho.UpwardDylib:
			d.Dependencies = append(d.Dependencies, Dependency{Name: c.Name, Upward: true})
		case *macho.SplitInfo:
			d.HasSplitSegInfo = true
		case *macho.Segment:
			seg := newSegment(c)
			seg.CmdOffset = cmdOffset + fieldsOffset + 16 // past segname[16]
			d.Segments = append(d.Segments, seg)
		case *macho.Symtab:
			d.CommandOffsets.HasSymtab = true
			d.CommandOffsets.SymtabOffset = cmdOffset + fieldsOffset
		case *macho.Dysymtab:
			d.CommandOffsets.HasDysymtab = true
			d.CommandOffsets.DysymtabOffset = cmdOffset + fieldsOffset
		case *macho.DyldInfo:
			d.CommandOffsets.HasDyldInfo = true
			d.CommandOffsets.DyldInfoOffset = cmdOffset + fieldsOffset
		case *macho.FunctionStarts:
			d.CommandOffsets.HasFunctionStarts = true
			d.CommandOffsets.FunctionStartsOffset = cmdOffset + fieldsOffset
		case *macho.DataInCode:
			d.CommandOffsets.HasDataInCode = true
			d.CommandOffsets.DataInCodeOffset = cmdOffset + fieldsOffset
		case *macho.LoadCmdBytes:
			if c.LoadCmd&types.LC_REQ_DYLD != 0 {
				return nil, fmt.Errorf("%w: %s: unknown load command %#x required by loader", ErrMalformedInput, path, uint32(c.LoadCmd))
			}
		}
		cmdOffset += uint64(len(l.Raw()))
	}

	linkedit := d.LinkeditSegment()
	if linkedit == nil {
		return nil, fmt.Errorf("%w: %s: no __LINKEDIT segment", ErrMalformedInput, path)
	}
	if n := countSegmentsNamed(d.Segments, "__TEXT"); n > 1 {
		return nil, fmt.Errorf("%w: %s: more than one __TEXT segment", ErrMalformedInput, path)
	}
	if n := countSegmentsNamed(d.Segments, "__DATA"); n > 1 {
		return nil, fmt.Errorf("%w: %s: more than one __DATA segment", ErrMalformedInput, path)
	}
	if n := countSegmentsNamed(d.Segments, "__LINKEDIT"); n != 1 {
		return nil, fmt.Errorf("%w: %s: expected exactly one __LINKEDIT segment, found %d", ErrMalformedInput, path, n)
	}

	d.Symtab = f.Symtab
	d.Dysymtab = f.Dysymtab
	d.DyldInfo = f.DyldInfo()

	if d.Symtab != nil {
		for _, sym := range d.Symtab.Syms {
			if sym.Type.Kind() != types.NUndf || !sym.Type.IsExternal() {
				continue
			}
			switch sym.Desc.LibraryOrdinal() {
			case types.DynamicLookupOrdinal:
				d.HasDynamicLookupLinkage = true
			case types.ExecutableOrdinal:
				d.HasMainExecutableLookupLinkage = true
			}
		}
	}

	return d, nil
}

func countSegmentsNamed(segs []*Segment, name string) int {
	n := 0
	for _, s := range segs {
		if s.Name == name {
			n++
		}
	}
	return n
}

func newSegment(s *macho.Segment) *Segment {
	return &Segment{
		Name:         s.Name,
		OrigAddr:     s.Addr,
		OrigVMSize:   s.Memsz,
		OrigFileOff:  s.Offset,
		OrigFileSize: s.Filesz,
		OrigPerms:    s.Prot,
		Size:         s.Memsz,
		FileOff:      s.Offset,
		FileSize:     s.Filesz,
		Perms:        s.Prot,
		raw:          s,
	}
}

// BaseAddr and HighAddr return the lowest original segment address and
// the end of the highest original segment.
func (d *DylibLayout) BaseAddr() uint64 {
	base := ^uint64(0)
	for _, s := range d.Segments {
		if s.OrigAddr < base {
			base = s.OrigAddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base
}

func (d *DylibLayout) HighAddr() uint64 {
	var high uint64
	for _, s := range d.Segments {
		if end := s.OrigAddr + s.OrigVMSize; end > high {
			high = end
		}
	}
	return high
}
