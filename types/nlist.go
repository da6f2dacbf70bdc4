package types

// NType is the n_type byte of a Mach-O symbol table entry (nlist/nlist_64).
type NType uint8

const (
	NTypeStab NType = 0xe0 // if any bits set, a symbolic debugging entry
	NTypePext NType = 0x10 // private external symbol bit
	NTypeType NType = 0x0e // mask for the type bits
	NTypeExt  NType = 0x01 // external symbol bit
)

const (
	NUndf NType = 0x0 // undefined, no section
	NAbs  NType = 0x2 // absolute, no section
	NSect NType = 0xe // defined in section number n_sect
	NPbud NType = 0xc // prebound undefined (defined in a dylib)
	NIndr NType = 0xa // indirect
)

func (t NType) IsStab() bool     { return t&NTypeStab != 0 }
func (t NType) IsPrivate() bool  { return t&NTypePext != 0 }
func (t NType) IsExternal() bool { return t&NTypeExt != 0 }
func (t NType) Kind() NType      { return t & NTypeType }

// NDescType is the n_desc field of a Mach-O symbol table entry. For an
// undefined external symbol it packs the two-level-namespace library
// ordinal into its high byte.
type NDescType uint16

const (
	SelfLibraryOrdinal     = 0x0
	MaxLibraryOrdinal      = 0xfd
	DynamicLookupOrdinal   = 0xfe
	ExecutableOrdinal      = 0xff
	referencedDynamically NDescType = 0x0010
	weakRefBit            NDescType = 0x0040
	weakDefBit            NDescType = 0x0080
)

// LibraryOrdinal extracts the two-level-namespace ordinal packed into the
// high byte of n_desc.
func (d NDescType) LibraryOrdinal() int {
	return int((d >> 8) & 0xff)
}

func (d NDescType) ReferencedDynamically() bool { return d&referencedDynamically != 0 }
func (d NDescType) WeakReferenced() bool        { return d&weakRefBit != 0 }
func (d NDescType) WeakDefined() bool           { return d&weakDefBit != 0 }

// Sentinel values an indirect symbol table entry (Dysymtab.IndirectSyms)
// carries instead of a real symbol index.
const (
	IndirectSymbolLocal uint32 = 0x80000000
	IndirectSymbolAbs   uint32 = 0x40000000
)
