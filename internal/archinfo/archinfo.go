// Package archinfo is the compile-time-selected "arch traits" table the
// rest of the builder reads instead of touching host-order bytes directly.
//
// dyld's own C++ sources parameterize almost every pipeline type over an
// "A::P" pointer-size trait. A Go generic type parameter would force every
// caller to carry that parameter too, so instead every numeric field access
// goes through one concrete Info value passed explicitly.
package archinfo

import (
	"fmt"

	"github.com/blacktop/go-dyldcache/types"
)

// pageSize is fixed at 4 KiB for every architecture this builder supports.
const pageSize = 1 << 12

// Info is an architecture descriptor: pointer width, endianness, the
// reference-kind enumeration (rebase/bind pointer encoding), and the
// per-arch layout hooks the placer and rebaser call into.
type Info struct {
	Name       string
	CPU        types.CPU
	CPUSubtype types.CPUSubtype
	// BackCompat lists subtypes (most to least specific) that this Info's
	// CPUSubtype is compatible with, e.g. armv7 can run armv6/v5/v4 code.
	// Empty for architectures that match on cpu type alone.
	BackCompat []types.CPUSubtype

	PointerSize  uint64 // 4 or 8
	BigEndian    bool
	RebaseIsULEB bool // rebase/bind offsets encoded as ULEB128 vs raw pointer-sized ints

	// allowWritableExecutable is false for architectures that forbid a
	// segment being both writable and executable in the shared cache.
	allowWritableExecutable bool
	// rewriteImportPerms is true for architectures (arm) that flip a
	// __IMPORT segment from writable to executable when placed.
	rewriteImportPerms bool
}

var (
	ARM = Info{
		Name: "armv7", CPU: types.CPUArm, CPUSubtype: types.CPUSubtypeArmV7,
		BackCompat:         []types.CPUSubtype{types.CPUSubtypeArmV7, types.CPUSubtypeArmV6, types.CPUSubtypeArmV5Tej, types.CPUSubtypeArmV4T},
		PointerSize:        4,
		rewriteImportPerms: true,
	}
	ARM64 = Info{
		Name: "arm64", CPU: types.CPUArm64, CPUSubtype: types.CPUSubtypeArmV8,
		PointerSize: 8,
	}
	X86 = Info{
		Name: "i386", CPU: types.CPU386, CPUSubtype: types.CPUSubtypeX86Arch1,
		PointerSize:             4,
		allowWritableExecutable: false,
	}
	X86_64 = Info{
		Name: "x86_64", CPU: types.CPUAmd64, CPUSubtype: types.CPUSubtypeX8664All,
		PointerSize:             8,
		allowWritableExecutable: false,
	}
)

// ByName returns the well-known Info for one of "armv7", "arm64", "i386",
// "x86_64", or false if name isn't recognized.
func ByName(name string) (Info, bool) {
	switch name {
	case ARM.Name:
		return ARM, true
	case ARM64.Name:
		return ARM64, true
	case X86.Name:
		return X86, true
	case X86_64.Name:
		return X86_64, true
	}
	return Info{}, false
}

// Matches reports whether a slice built for (cpu, subtype) can run as this
// Info's architecture: the cpu type must match; where the Info has a
// back-compat list (ARM) the subtype must also be in it, otherwise any
// subtype matches.
func (a Info) Matches(cpu types.CPU, subtype types.CPUSubtype) bool {
	if cpu != a.CPU {
		return false
	}
	if len(a.BackCompat) == 0 {
		return true
	}
	for _, s := range a.BackCompat {
		if s == subtype {
			return true
		}
	}
	return false
}

// PageAlign rounds v up to the next 4 KiB boundary.
func (a Info) PageAlign(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// WritableBase computes the start of the writable (DATA) region given the
// end address of the packed TEXT region.
func (a Info) WritableBase(endText uint64) uint64 {
	return a.PageAlign(endText)
}

// ReadOnlyBase computes the start of the read-only (non-writable,
// non-executable) region given the end of DATA and of TEXT.
func (a Info) ReadOnlyBase(endWritable, endText uint64) uint64 {
	return a.PageAlign(endWritable)
}

// CheckPerms rejects a segment that would be both writable and executable
// on an architecture that forbids the combination.
func (a Info) CheckPerms(segName string, writable, executable bool) error {
	if writable && executable && !a.allowWritableExecutable {
		return fmt.Errorf("%s: found writable and executable segment in %s", a.Name, segName)
	}
	return nil
}

// RewriteImportPerms reports whether a __IMPORT segment's permissions
// should be flipped from writable to executable when placed in this arch's
// shared cache (true for arm only).
func (a Info) RewriteImportPerms() bool {
	return a.rewriteImportPerms
}

// SupportsSlideInfo reports whether the architecture can be re-slid after
// the cache is built. 32-bit architectures cannot.
func (a Info) SupportsSlideInfo() bool {
	return a.PointerSize == 8
}
