package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	macho "github.com/blacktop/go-dyldcache"
	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
	"github.com/blacktop/go-dyldcache/internal/mmap"
)

// fsOpener is the production depgraph.Opener: it reads real Mach-O files
// off disk, memory-mapped for the lifetime of the whole build (spec
// `# 5`'s "each source dylib memory-mapped for build duration").
type fsOpener struct {
	regions map[string]*mmap.Region
	layouts map[string]*layout.DylibLayout
}

func newFSOpener() *fsOpener {
	return &fsOpener{
		regions: make(map[string]*mmap.Region),
		layouts: make(map[string]*layout.DylibLayout),
	}
}

// Close releases every mapping opened over the course of a build. Safe to
// call once all per-architecture work referencing these layouts has
// finished; callers must not touch a DylibLayout this Opener produced
// after calling Close.
func (o *fsOpener) Close() error {
	var firstErr error
	for _, r := range o.regions {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *fsOpener) Stat(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *fsOpener) Realpath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("cache: resolving %s: %w", path, err)
	}
	return resolved, nil
}

// Readlink reports path's symlink target. Any failure (path isn't a
// symlink, or doesn't exist) is reported as ok=false rather than an error:
// depgraph only ever calls this speculatively, to see whether a dependency
// it couldn't find directly is reachable via a symlink.
func (o *fsOpener) Readlink(path string) (string, bool, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false, nil
	}
	return target, true, nil
}

// Open parses the Mach-O slice at path (already a realpath) and returns
// the matching DylibLayout for arch. Universal/fat containers are out of
// scope: path must already be the single-architecture slice arch expects.
func (o *fsOpener) Open(path string, arch archinfo.Info) (*layout.DylibLayout, error) {
	if dl, ok := o.layouts[path]; ok {
		return dl, nil
	}

	region, ok := o.regions[path]
	if !ok {
		r, err := mmap.OpenMapped(path, false)
		if err != nil {
			return nil, err
		}
		o.regions[path] = r
		region = r
	}

	f, err := macho.NewFile(bytes.NewReader(region.Data()))
	if err != nil {
		return nil, fmt.Errorf("cache: parsing %s: %w", path, err)
	}
	if !arch.Matches(f.FileHeader.CPU, f.FileHeader.SubCPU) {
		return nil, fmt.Errorf("cache: %s is %s, not %s", path, f.FileHeader.CPU, arch.Name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	modTime, inode := statMeta(info)

	dl, err := layout.New(path, f, modTime, inode, 0)
	if err != nil {
		return nil, err
	}
	o.layouts[path] = dl
	return dl, nil
}
