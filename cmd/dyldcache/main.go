// Command dyldcache builds a shared-library cache file for one
// architecture from a set of root dylibs/executables, the way
// update_dyld_shared_cache builds /System/Library/Caches/... does.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/blacktop/go-dyldcache/cache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dyldcache: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("dyldcache", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: dyldcache -arch ARCH -out PATH [options] ROOT...\n\n")
		fmt.Fprintf(fs.Output(), "ROOT is one or more root dylib/executable paths; -paths-file/-paths-dir\n")
		fmt.Fprintf(fs.Output(), "append further paths read from a .paths scan file or directory.\n\n")
		fs.PrintDefaults()
	}

	var (
		archName     = fs.String("arch", "", "architecture to build: armv7, arm64, i386, or x86_64")
		rootPath     = fs.String("root", "", "filesystem root prepended to every resolved dylib path")
		overlayPath  = fs.String("overlay", "", "overlay root tried before -root for every resolved dylib path")
		outPath      = fs.String("out", "", "path the finished cache file is written to")
		pathsFile    = fs.String("paths-file", "", "a .paths file listing additional root dylib paths, one per line")
		pathsDir     = fs.String("paths-dir", "", "a directory of *.paths files listing additional root dylib paths")
		dyldBaseHex  = fs.String("dyld-base-address", "0", "address dyld is loaded at inside the shared region (hex or decimal)")
		force        = fs.Bool("force", false, "rebuild even if an existing cache at -out already matches the root set")
		alphaSort    = fs.Bool("alpha-sort", false, "order placed dylibs by install name instead of original load address")
		verify       = fs.Bool("verify", false, "report why an existing cache is out of date instead of rebuilding it")
		keepCodeSign = fs.Bool("keep-code-signatures", false, "preserve LC_CODE_SIGNATURE instead of dropping it")
		noLocalSyms  = fs.Bool("dont-map-local-symbols", false, "route local symbols into an unmapped side table instead of the shared symbol table")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *archName == "" || *outPath == "" {
		fs.Usage()
		return errors.New("-arch and -out are required")
	}
	arch, ok := archinfo.ByName(*archName)
	if !ok {
		return fmt.Errorf("unrecognized -arch %q", *archName)
	}

	dyldBaseAddress, err := strconv.ParseUint(*dyldBaseHex, 0, 64)
	if err != nil {
		return fmt.Errorf("-dyld-base-address %q: %w", *dyldBaseHex, err)
	}

	roots := append([]string(nil), fs.Args()...)
	if *pathsFile != "" {
		extra, err := cache.ReadPathsFile(*pathsFile)
		if err != nil {
			return err
		}
		roots = append(roots, extra...)
	}
	if *pathsDir != "" {
		extra, err := cache.ReadPathsDir(*pathsDir)
		if err != nil {
			return err
		}
		roots = append(roots, extra...)
	}
	if len(roots) == 0 {
		fs.Usage()
		return errors.New("no root dylib paths given (positional args, -paths-file, or -paths-dir)")
	}

	report, err := cache.Build(roots, cache.Options{
		Arch:                arch,
		RootPath:            *rootPath,
		OverlayPath:         *overlayPath,
		OutputPath:          *outPath,
		DyldBaseAddress:     dyldBaseAddress,
		Force:               *force,
		AlphaSort:           *alphaSort,
		Verify:              *verify,
		KeepCodeSignatures:  *keepCodeSign,
		DontMapLocalSymbols: *noLocalSyms,
	})
	if err != nil {
		if errors.Is(err, cache.ErrUpToDate) {
			fmt.Fprintf(os.Stderr, "dyldcache: %s is already up to date\n", *outPath)
			return nil
		}
		var div *cache.StateDivergence
		if errors.As(err, &div) {
			fmt.Fprintf(os.Stderr, "dyldcache: cache is out of date: %v\n", div)
			return nil
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "dyldcache: wrote %s (%s, %d images, uuid %x)\n", *outPath, report.Arch, len(report.Placed), report.UUID)
	for _, w := range report.Warnings {
		fmt.Fprintf(os.Stderr, "dyldcache: warning: %s\n", w)
	}
	return nil
}
