// Package cache ties every pipeline stage together: it resolves a root
// set of dylibs into the shareable graph, places their segments, rebases
// and binds each one, merges their linkedit contents into one shared
// buffer, builds the slide-info page, and serializes the whole thing
// into a single cache file the way update_dyld_shared_cache does.
package cache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/bind"
	"github.com/blacktop/go-dyldcache/internal/depgraph"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/linkedit"
	"github.com/blacktop/go-dyldcache/internal/placer"
	"github.com/blacktop/go-dyldcache/internal/rebase"
	"github.com/blacktop/go-dyldcache/internal/slideinfo"
)

// Error kinds a caller can match against with errors.Is, mirroring
// update_dyld_shared_cache's own small set of failure categories.
var (
	ErrMalformedInput     = errors.New("cache: malformed input")
	ErrUnsupportedFeature = errors.New("cache: unsupported feature")
	ErrResolutionFailure  = errors.New("cache: dependency resolution failure")
	ErrLayoutOverflow     = errors.New("cache: placed dylibs overflow the shared region")
	ErrAddressOutOfRange  = errors.New("cache: address out of range")
	// ErrUpToDate is returned by Build when an existing cache already
	// matches the requested dylib set and Options.Force was not set.
	ErrUpToDate = errors.New("cache: existing cache is already up to date")
)

// sharedRegion gives each architecture's fixed shared-region base address
// and size. x86/x86_64 are taken directly from
// SharedCache<x86>::sharedRegionStartAddress/sharedRegionSize and the
// x86_64 specialization; this module doesn't carry the platform header
// defining ARM_SHARED_REGION_START/_SIZE, so the arm/arm64 values are a
// documented approximation (see DESIGN.md), not a ported constant.
var sharedRegion = map[string]struct{ start, size uint64 }{
	"i386":   {0x90000000, 0x20000000},
	"x86_64": {0x7FFF80000000, 0x40000000},
	"armv7":  {0x30000000, 0x8000000},
	"arm64":  {0x180000000, 0x40000000},
}

// Options configures one architecture's build.
type Options struct {
	Arch archinfo.Info

	// RootPath/OverlayPath mirror update_dyld_shared_cache's -root/-overlay:
	// every dylib path is tried under OverlayPath, then RootPath, before
	// falling back to the path as given.
	RootPath    string
	OverlayPath string

	// OutputPath is where the finished cache file is written.
	OutputPath string

	// DyldBaseAddress is the address dyld itself is loaded at inside the
	// shared region, used to patch each dylib's __DATA,__dyld bootstrap
	// pointers.
	DyldBaseAddress uint64

	Force               bool // skip the NeedsRebuild check entirely
	AlphaSort           bool // order placed dylibs by install name
	OptimizeLinkedit    bool // reserved: linkedit already always minimized
	Verify              bool // report divergence instead of rebuilding
	KeepCodeSignatures  bool
	DontMapLocalSymbols bool
}

// BuildContext holds the state of one architecture's in-progress build.
// Exported so a caller inspecting a partial or failed build (logging,
// tests) can see the graph and placement it reached.
type BuildContext struct {
	Opts   Options
	Opener *fsOpener
	Graph  *depgraph.Graph

	Shareable []*depgraph.Node
	Dylibs    []*layout.DylibLayout

	Placement *placer.Result
}

// Build resolves rootPaths into the shareable dependency closure for
// Opts.Arch, places and rebases and binds every one, merges their
// linkedit contents, and writes the finished cache to Opts.OutputPath.
func Build(rootPaths []string, opts Options) (*Report, error) {
	bc := &BuildContext{Opts: opts, Opener: newFSOpener()}
	defer bc.Opener.Close()

	bc.Graph = depgraph.New(opts.Arch, bc.Opener, opts.RootPath, opts.OverlayPath)
	for _, p := range rootPaths {
		if _, err := bc.Graph.AddRoot(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrResolutionFailure, p, err)
		}
	}

	bc.Shareable = bc.Graph.FindShareable()
	if len(bc.Shareable) == 0 {
		return nil, fmt.Errorf("%w: no dylib in the root set is eligible for the shared cache", ErrResolutionFailure)
	}
	sortShareable(bc.Shareable, opts.AlphaSort)

	bc.Dylibs = make([]*layout.DylibLayout, len(bc.Shareable))
	for i, n := range bc.Shareable {
		bc.Dylibs[i] = n.Layout
	}

	if !opts.Force {
		needsRebuild, div, err := NeedsRebuild(opts.OutputPath, opts.Arch, bc.Shareable, bc.Graph.Aliases())
		if err != nil {
			return nil, err
		}
		if !needsRebuild {
			return nil, ErrUpToDate
		}
		if opts.Verify {
			return nil, div
		}
	}

	report, err := bc.build()
	if err != nil {
		return nil, err
	}
	for _, w := range bc.Graph.Warnings {
		report.Warnings = append(report.Warnings, Warning(w))
	}
	return report, nil
}

func sortShareable(nodes []*depgraph.Node, alpha bool) {
	if alpha {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].Layout.InstallName < nodes[j].Layout.InstallName
		})
		return
	}
	// Default (non-alpha) order: by original load address, approximating
	// update_dyld_shared_cache's "order dylibs as found while scanning"
	// behavior with something deterministic, since this module's graph
	// walk order isn't itself stable (nodes live in a map).
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Layout.BaseAddr() < nodes[j].Layout.BaseAddr()
	})
}

func (bc *BuildContext) build() (*Report, error) {
	arch := bc.Opts.Arch
	region, ok := sharedRegion[arch.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no shared region configured for %s", ErrUnsupportedFeature, arch.Name)
	}

	placement, err := placer.Place(bc.Dylibs, arch, region.start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLayoutOverflow, err)
	}
	bc.Placement = placement
	if err := checkOverflow(placement, region); err != nil {
		return nil, err
	}
	if len(placement.Mappings) < 3 {
		return nil, fmt.Errorf("%w: root set has no executable content to place in a shared cache", ErrMalformedInput)
	}

	if err := assignFileOffsets(placement, bc.Dylibs); err != nil {
		return nil, err
	}

	images := make(map[*layout.DylibLayout]*rebase.Image, len(bc.Dylibs))
	for _, d := range bc.Dylibs {
		img, err := rebase.Run(d, arch)
		if err != nil {
			return nil, fmt.Errorf("%w: rebasing %s: %v", ErrAddressOutOfRange, d.InstallName, err)
		}
		images[d] = img
	}

	registry, err := bind.NewRegistry(arch, bc.Shareable)
	if err != nil {
		return nil, fmt.Errorf("cache: building bind registry: %w", err)
	}
	for _, d := range bc.Dylibs {
		if err := registry.Bind(d, images[d], bc.Opts.DyldBaseAddress); err != nil {
			return nil, err
		}
	}
	if err := registry.Optimize(images); err != nil {
		return nil, fmt.Errorf("cache: optimizing resolver stubs: %w", err)
	}

	dylibOffsets := make(map[*layout.DylibLayout]uint64, len(bc.Dylibs))
	for _, d := range bc.Dylibs {
		dylibOffsets[d] = d.TextSegment().FileOff
	}
	mergeResult, err := linkedit.Merge(arch, bc.Dylibs, dylibOffsets, linkedit.Options{
		DontMapLocalSymbols: bc.Opts.DontMapLocalSymbols,
		KeepCodeSignatures:  bc.Opts.KeepCodeSignatures,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: merging linkedit: %v", ErrMalformedInput, err)
	}

	linkeditVMAddr := placement.LinkeditStart
	linkeditSize := arch.PageAlign(uint64(len(mergeResult.Data)))
	roMapping := &placement.Mappings[2]
	linkeditFileOffset := roMapping.FileOffset + (linkeditVMAddr - roMapping.Address)
	roMapping.Size = (linkeditVMAddr - roMapping.Address) + linkeditSize

	for _, d := range bc.Dylibs {
		seg := d.LinkeditSegment()
		seg.NewAddr = linkeditVMAddr
		seg.Size = linkeditSize
		seg.FileOff = linkeditFileOffset
		seg.FileSize = uint64(len(mergeResult.Data))
	}

	pointerAddrs := make(map[uint64]struct{})
	for _, img := range images {
		for addr := range img.PointerAddresses {
			pointerAddrs[addr] = struct{}{}
		}
	}
	dataMapping := placement.Mappings[1]
	var slidePage *slideinfo.Result
	if arch.SupportsSlideInfo() {
		slidePage, err = slideinfo.Build(dataMapping.Address, dataMapping.Size, pointerAddrs)
		if err != nil {
			return nil, fmt.Errorf("%w: building slide info: %v", ErrAddressOutOfRange, err)
		}
	}

	return bc.assemble(images, mergeResult, linkeditFileOffset, slidePage)
}

// checkOverflow rejects a placement whose highest address runs past the
// architecture's fixed shared-region window, mirroring
// update_dyld_shared_cache's own "cache does not fit in shared region"
// fatal check.
func checkOverflow(p *placer.Result, region struct{ start, size uint64 }) error {
	var end uint64
	for _, m := range p.Mappings {
		if top := m.Address + m.Size; top > end {
			end = top
		}
	}
	if end > region.start+region.size {
		return fmt.Errorf("%w: highest placed address %#x exceeds shared region end %#x", ErrLayoutOverflow, end, region.start+region.size)
	}
	return nil
}

// assignFileOffsets fixes every non-LINKEDIT segment's FileOff to where
// the placer's mappings put its NewAddr. LINKEDIT segments are skipped:
// their final shared location isn't known until the merge completes, and
// build overrides every one of them afterward.
func assignFileOffsets(p *placer.Result, dylibs []*layout.DylibLayout) error {
	for _, d := range dylibs {
		for _, seg := range d.Segments {
			if seg.Name == "__LINKEDIT" {
				continue
			}
			off, err := placer.FileOffsetForAddress(p.Mappings, seg.NewAddr)
			if err != nil {
				return fmt.Errorf("%w: %s %s: %v", ErrAddressOutOfRange, d.InstallName, seg.Name, err)
			}
			seg.FileOff = off
		}
	}
	return nil
}
