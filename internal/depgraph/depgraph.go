// Package depgraph resolves a set of root Mach-O images into the full
// dependency graph reachable from them, then partitions that graph into
// the dylibs eligible to live in the shared cache.
package depgraph

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-dyldcache/internal/archinfo"
	"github.com/blacktop/go-dyldcache/internal/layout"
)

var (
	ErrRPathUnsupported     = errors.New("@rpath is not supported in the shared cache")
	ErrInstallNameCollision = errors.New("two different dylibs share an install name")
)

// Opener resolves filesystem paths into parsed per-architecture dylib
// layouts. The production implementation reads a (possibly universal)
// Mach-O file from disk; tests supply an in-memory fake.
type Opener interface {
	// Stat reports whether path exists.
	Stat(path string) (bool, error)
	// Realpath resolves path to its canonical, symlink-free form.
	Realpath(path string) (string, error)
	// Readlink returns path's symlink target and true if path is itself
	// a symlink, or ok=false if it is not.
	Readlink(path string) (target string, ok bool, err error)
	// Open parses the file at path (already a realpath) and returns the
	// slice matching arch.
	Open(path string, arch archinfo.Info) (*layout.DylibLayout, error)
}

// Node is one resolved dylib in the dependency graph.
type Node struct {
	// Path is the node's canonical (realpath) filesystem location.
	Path   string
	Layout *layout.DylibLayout

	dependsOn          []*Node
	dependenciesLoaded bool
	dependentMissing   bool
}

// AllDependentsFound reports whether every non-weak dependency of n (for
// a dylib built with split-seg info) resolved successfully.
func (n *Node) AllDependentsFound() bool { return !n.dependentMissing }

// DependsOn returns the nodes n's load commands resolved to, in load-
// command order.
func (n *Node) DependsOn() []*Node { return n.dependsOn }

// AliasEntry records a symlink or differently-cased install-name path
// that resolves to a canonical node, so the cache builder can list it as
// an extra image-table entry.
type AliasEntry struct {
	Alias     string
	Canonical string
}

// Graph resolves dylib dependencies for one architecture and partitions
// the result into the shareable subset.
type Graph struct {
	arch        archinfo.Info
	opener      Opener
	fsRoot      string
	overlayRoot string

	// nodes is keyed by every path known to resolve to a given node: its
	// realpath, and (for dylibs) its install name if that differs.
	nodes   map[string]*Node
	aliases map[string]string
	roots   []*Node

	Warnings []string
}

// New creates a dependency graph for one architecture. fsRoot and
// overlayRoot may be empty; when set they are tried in overlay-then-root
// order ahead of the real filesystem, mirroring -root/-overlay semantics.
func New(arch archinfo.Info, opener Opener, fsRoot, overlayRoot string) *Graph {
	return &Graph{
		arch:        arch,
		opener:      opener,
		fsRoot:      fsRoot,
		overlayRoot: overlayRoot,
		nodes:       make(map[string]*Node),
		aliases:     make(map[string]string),
	}
}

// Roots returns every node added with AddRoot, in insertion order.
func (g *Graph) Roots() []*Node { return g.roots }

// AddRoot resolves virtualPath against the overlay root then the base
// root (tried in that order), falling back to virtualPath unmodified,
// opens the result, adds it as a root node, and loads its dependency
// closure before returning.
func (g *Graph) AddRoot(virtualPath string) (*Node, error) {
	path := virtualPath
	if g.overlayRoot != "" {
		if candidate := filepath.Join(g.overlayRoot, virtualPath); g.exists(candidate) {
			path = candidate
		}
	}
	if path == virtualPath && g.fsRoot != "" {
		if candidate := filepath.Join(g.fsRoot, virtualPath); g.exists(candidate) {
			path = candidate
		}
	}

	node, err := g.openNode(path)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", virtualPath, err)
	}
	g.roots = append(g.roots, node)

	var mainExecutable *Node
	if node.Layout.Kind == layout.KindExecutable {
		mainExecutable = node
	}
	if err := g.loadDependencies(node, mainExecutable); err != nil {
		return nil, err
	}
	return node, nil
}

func (g *Graph) exists(path string) bool {
	ok, err := g.opener.Stat(path)
	return err == nil && ok
}

// loadDependencies walks n's LC_LOAD_DYLIB-family load commands exactly
// once, resolving each to a node and recursing. A dependency that fails
// to resolve is silently dropped when it is weak or n itself carries no
// split-seg info; otherwise it is recorded as a warning and n is marked
// with a missing dependent, disqualifying it from the shareable set.
func (g *Graph) loadDependencies(n *Node, mainExecutable *Node) error {
	if n.dependenciesLoaded {
		return nil
	}
	n.dependenciesLoaded = true

	for _, dep := range n.Layout.Dependencies {
		depNode, err := g.resolveDependency(dep.Name, n, mainExecutable)
		if err != nil {
			if dep.Weak || !n.Layout.HasSplitSegInfo {
				continue
			}
			g.Warnings = append(g.Warnings, fmt.Sprintf("could not bind %s because %v", n.Path, err))
			n.dependentMissing = true
			continue
		}
		if depNode == nil {
			continue // main-executable root silently dropping a non-sharable-location dependency
		}
		n.dependsOn = append(n.dependsOn, depNode)
	}

	for _, dep := range n.dependsOn {
		if err := g.loadDependencies(dep, mainExecutable); err != nil {
			return err
		}
	}
	return nil
}

// resolveDependency expands an @executable_path/@loader_path-relative
// dependency name and resolves it to a node. It returns a nil node (no
// error) when the dependent should be silently dropped: a main-executable
// root depending on something outside /usr/lib or /System/Library.
func (g *Graph) resolveDependency(name string, n *Node, mainExecutable *Node) (*Node, error) {
	vpath, err := g.expandPathPrefix(name, n, mainExecutable)
	if err != nil {
		return nil, err
	}
	if n.Layout.Kind == layout.KindExecutable && !isSharableInstallPath(vpath) {
		return nil, nil
	}
	return g.getNodeForVirtualPath(vpath)
}

func (g *Graph) expandPathPrefix(name string, n *Node, mainExecutable *Node) (string, error) {
	switch {
	case strings.HasPrefix(name, "@executable_path/"):
		if mainExecutable == nil {
			return "", fmt.Errorf("@executable_path/ used without a main executable root")
		}
		rel := strings.TrimPrefix(name, "@executable_path/")
		return filepath.Join(filepath.Dir(g.virtualize(mainExecutable.Path)), rel), nil
	case strings.HasPrefix(name, "@loader_path/"):
		rel := strings.TrimPrefix(name, "@loader_path/")
		return filepath.Join(filepath.Dir(g.virtualize(n.Path)), rel), nil
	case strings.HasPrefix(name, "@rpath/"):
		return "", fmt.Errorf("%w: %s", ErrRPathUnsupported, name)
	default:
		return name, nil
	}
}

func isSharableInstallPath(p string) bool {
	return strings.HasPrefix(p, "/usr/lib/") || strings.HasPrefix(p, "/System/Library/")
}

// virtualize strips whichever of overlayRoot/fsRoot prefixes path, so
// @executable_path/@loader_path expansion and alias recording work in
// terms of the virtual (cache-visible) path rather than the host path a
// -root/-overlay run actually read from.
func (g *Graph) virtualize(path string) string {
	if g.overlayRoot != "" && strings.HasPrefix(path, g.overlayRoot) {
		return path[len(g.overlayRoot):]
	}
	if g.fsRoot != "" && strings.HasPrefix(path, g.fsRoot) {
		return path[len(g.fsRoot):]
	}
	return path
}

// getNodeForVirtualPath resolves a dependency's virtual path the same way
// AddRoot resolves a root: overlay first, then root, then the real
// filesystem. If the overlay doesn't have the path but the real install
// name is itself a symlink, it retries by following the symlink inside
// the overlay (install names are occasionally symlinks on the real
// system).
func (g *Graph) getNodeForVirtualPath(vpath string) (*Node, error) {
	if g.overlayRoot != "" {
		if candidate := filepath.Join(g.overlayRoot, vpath); g.exists(candidate) {
			return g.openNode(candidate)
		}
		symlinkPath := vpath
		if g.fsRoot != "" {
			symlinkPath = filepath.Join(g.fsRoot, vpath)
		}
		if target, ok, err := g.opener.Readlink(symlinkPath); err == nil && ok {
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(vpath), target)
			}
			return g.getNodeForVirtualPath(target)
		}
	}
	if g.fsRoot != "" {
		return g.openNode(filepath.Join(g.fsRoot, vpath))
	}
	return g.openNode(vpath)
}

// openNode resolves path to its canonical form and returns the existing
// node for it if one has already been created, otherwise opens it and
// registers aliases/collisions as described by resolveDependency's
// caller and by AddRoot.
func (g *Graph) openNode(path string) (*Node, error) {
	if n, ok := g.nodes[path]; ok {
		return n, nil
	}

	realPath, err := g.opener.Realpath(path)
	if err != nil {
		return nil, fmt.Errorf("realpath %s: %w", path, err)
	}

	if n, ok := g.nodes[realPath]; ok {
		g.recordAlias(g.virtualize(path), n.Layout.InstallName)
		return n, nil
	}

	dl, err := g.opener.Open(realPath, g.arch)
	if err != nil {
		return nil, err
	}
	node := &Node{Path: realPath, Layout: dl}
	g.nodes[realPath] = node

	if dl.Kind == layout.KindDylib && realPath != dl.InstallName {
		if existing, ok := g.nodes[dl.InstallName]; ok {
			if existing.Layout.UUID != "" && dl.UUID != "" && existing.Layout.UUID == dl.UUID {
				g.Warnings = append(g.Warnings, fmt.Sprintf(
					"found two copies of the same dylib with install path %s:\n\t%s\n\t%s",
					dl.InstallName, existing.Path, node.Path))
			} else {
				return nil, fmt.Errorf("%w: %s:\n\t%s\n\t%s",
					ErrInstallNameCollision, dl.InstallName, existing.Path, node.Path)
			}
		} else {
			g.nodes[dl.InstallName] = node
		}
		g.recordAlias(g.virtualize(realPath), dl.InstallName)
	}
	if path != realPath {
		g.recordAlias(g.virtualize(path), dl.InstallName)
	}

	return node, nil
}

func (g *Graph) recordAlias(aliasPath, canonical string) {
	if aliasPath == "" || aliasPath == canonical {
		return
	}
	if _, exists := g.aliases[aliasPath]; exists {
		return
	}
	g.aliases[aliasPath] = canonical
}

// Aliases returns every alias recorded while resolving dependencies,
// sorted by alias path.
func (g *Graph) Aliases() []AliasEntry {
	entries := make([]AliasEntry, 0, len(g.aliases))
	for alias, canonical := range g.aliases {
		entries = append(entries, AliasEntry{Alias: alias, Canonical: canonical})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Alias < entries[j].Alias })
	return entries
}

// sharableReason returns "" if n is individually eligible for the shared
// cache (ignoring its dependency closure), or a human-readable reason
// it is not.
func sharableReason(n *Node) string {
	l := n.Layout
	switch {
	case !l.Flags.TwoLevel():
		return fmt.Sprintf("can't put %s in shared cache because it was built -flat_namespace", l.InstallName)
	case !l.HasSplitSegInfo:
		return fmt.Sprintf("can't put %s in shared cache because it was not built with split-seg info", l.InstallName)
	case l.UID != 0:
		return fmt.Sprintf("can't put %s in shared cache because it is not owned by root", l.InstallName)
	case !l.IsSharableLocation():
		return fmt.Sprintf("can't put %s in shared cache because it is not in /usr/lib or /System/Library", l.InstallName)
	case l.HasDynamicLookupLinkage:
		return fmt.Sprintf("can't put %s in shared cache because it was built with '-undefined dynamic_lookup'", l.InstallName)
	case l.HasMainExecutableLookupLinkage:
		return fmt.Sprintf("can't put %s in shared cache because it was built with '-bundle_loader'", l.InstallName)
	}
	return ""
}

// FindShareable returns the largest subset of candidate dylibs that are
// each individually shareable and depend only on other shareable dylibs.
// It computes this as a fixed point seeded true and contracted on
// contradiction, so a circular dependency chain among otherwise-shareable
// dylibs does not disqualify its members.
func (g *Graph) FindShareable() []*Node {
	var possible []*Node
	possibleSet := make(map[*Node]bool)
	for _, n := range g.nodes {
		if possibleSet[n] || n.Layout.Kind != layout.KindDylib || !n.AllDependentsFound() {
			continue
		}
		if reason := sharableReason(n); reason != "" {
			g.Warnings = append(g.Warnings, reason)
			continue
		}
		possible = append(possible, n)
		possibleSet[n] = true
	}

	memo := make(map[*Node]bool)
	var shared []*Node
	for _, n := range possible {
		if g.canBeShared(n, possibleSet, memo) {
			shared = append(shared, n)
		}
	}
	return shared
}

func (g *Graph) canBeShared(n *Node, possible, memo map[*Node]bool) bool {
	if v, ok := memo[n]; ok {
		return v
	}
	if !possible[n] {
		memo[n] = false
		return false
	}
	memo[n] = true // seed true so circular references don't recurse forever
	for _, dep := range n.dependsOn {
		if !g.canBeShared(dep, possible, memo) {
			memo[n] = false
			g.Warnings = append(g.Warnings, fmt.Sprintf(
				"can't put %s in shared cache because it depends on %s which can't be in shared cache",
				n.Layout.InstallName, dep.Layout.InstallName))
			return false
		}
	}
	return true
}
