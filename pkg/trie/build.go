package trie

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/go-dyldcache/types"
)

// ErrMalformedTrie is returned when a trie blob cannot be parsed: a
// uleb128 that runs past the end of the blob, a child offset outside the
// blob, or a string that is never terminated.
var ErrMalformedTrie = errors.New("malformed trie")

// buildNode is one node of the in-memory trie built by BuildExportTrie.
// Mirrors launch-cache/MachOTrie.hpp's Node/Edge pair: fCummulativeString
// is the full symbol-name prefix reaching this node, fChildren the outgoing
// edges, fTrieOffset the node's byte position once layout has stabilized.
type buildNode struct {
	cumulative string
	children   []buildEdge
	entry      *TrieEntry
	offset     uint32
	ordered    bool
}

type buildEdge struct {
	label string
	child *buildNode
}

// BuildExportTrie encodes entries into a radix-trie byte stream: each node
// is uleb128(terminal-info-size), terminal info if present (uleb128 flags,
// uleb128 address[, uleb128 other, string import-name]), u8 child-count,
// then per child (NUL-terminated edge label, uleb128 child-offset-from-trie-
// start).
func BuildExportTrie(entries []TrieEntry) ([]byte, error) {
	root := &buildNode{cumulative: ""}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: empty symbol name", ErrMalformedTrie)
		}
		root.addSymbol(e)
	}

	var ordered []*buildNode
	for _, e := range entries {
		root.addOrderedNodes(e.Name, &ordered)
	}

	// Offsets and uleb128 sizes are mutually dependent; iterate to a fixed
	// point exactly as MachOTrie.hpp's makeTrie does.
	for {
		var offset uint32
		more := false
		for _, n := range ordered {
			if n.updateOffset(&offset) {
				more = true
			}
		}
		if !more {
			break
		}
	}

	var out []byte
	for _, n := range ordered {
		out = n.appendTo(out)
	}
	return out, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (n *buildNode) addSymbol(e TrieEntry) {
	partial := e.Name[len(n.cumulative):]
	for i := range n.children {
		edge := &n.children[i]
		shared := commonPrefixLen(edge.label, partial)
		switch {
		case shared == len(edge.label):
			// already have a matching edge, descend
			edge.child.addSymbol(e)
			return
		case shared > 0:
			// splice in a new node: A -> C becomes A -> B -> C
			bCum := edge.child.cumulative[:len(edge.child.cumulative)-(len(edge.label)-shared)]
			bNode := &buildNode{cumulative: bCum}
			cNode := edge.child
			bcLabel := edge.label[shared:]
			edge.label = edge.label[:shared]
			edge.child = bNode
			bNode.children = append(bNode.children, buildEdge{label: bcLabel, child: cNode})
			bNode.addSymbol(e)
			return
		}
	}
	// no edge shares any character: new leaf edge for the whole remainder
	entryCopy := e
	newNode := &buildNode{cumulative: e.Name, entry: &entryCopy}
	n.children = append(n.children, buildEdge{label: partial, child: newNode})
}

func (n *buildNode) addOrderedNodes(name string, out *[]*buildNode) {
	if !n.ordered {
		*out = append(*out, n)
		n.ordered = true
	}
	partial := name[len(n.cumulative):]
	for i := range n.children {
		edge := &n.children[i]
		if strings.HasPrefix(partial, edge.label) {
			edge.child.addOrderedNodes(name, out)
			return
		}
	}
}

// updateOffset assigns the node's trie-relative byte offset and advances
// offset past this node's encoded size. Returns true if the offset changed
// from its previous value, signalling another layout pass is needed.
func (n *buildNode) updateOffset(offset *uint32) bool {
	size := uint32(1) // terminal-info-size byte
	if n.entry != nil {
		size += terminalInfoSize(n.entry)
	}
	size++ // child-count byte
	for _, e := range n.children {
		size += uint32(len(e.label)) + 1 + uleb128Size(uint64(e.child.offset))
	}
	changed := n.offset != *offset
	n.offset = *offset
	*offset += size
	return changed
}

func terminalInfoSize(e *TrieEntry) uint32 {
	size := uleb128Size(uint64(e.Flags)) + uleb128Size(e.Address)
	if e.Flags.ReExport() {
		size += uleb128Size(e.Other) + uint32(len(e.ReExport)) + 1
	}
	return size
}

func (n *buildNode) appendTo(out []byte) []byte {
	if n.entry != nil {
		out = append(out, byte(terminalInfoSize(n.entry)))
		out = appendULEB128(out, uint64(n.entry.Flags))
		out = appendULEB128(out, n.entry.Address)
		if n.entry.Flags.ReExport() {
			out = appendULEB128(out, n.entry.Other)
			out = append(out, n.entry.ReExport...)
			out = append(out, 0)
		}
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(len(n.children)))
	for _, e := range n.children {
		out = append(out, e.label...)
		out = append(out, 0)
		out = appendULEB128(out, uint64(e.child.offset))
	}
	return out
}

func uleb128Size(v uint64) uint32 {
	n := uint32(1)
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func appendULEB128(out []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if b&0x80 == 0 {
			break
		}
	}
	return out
}

// entryOffset pairs a parsed entry with the byte offset of its terminal
// node, so ParseExportTrie can restore original layout order afterwards.
type entryOffset struct {
	offset uint32
	entry  TrieEntry
}

// ParseExportTrie recursively descends the trie blob built by
// BuildExportTrie, emits one entry per terminal node, then sorts the
// result by node offset to preserve the layout order the trie was built in.
func ParseExportTrie(data []byte) ([]TrieEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []entryOffset
	if err := walkExportNode(data, 0, "", &out); err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].offset > out[j].offset; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	entries := make([]TrieEntry, len(out))
	for i, eo := range out {
		entries[i] = eo.entry
	}
	return entries, nil
}

func readULEB(data []byte, p int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if p >= len(data) {
			return 0, 0, fmt.Errorf("%w: uleb128 runs past end of trie", ErrMalformedTrie)
		}
		b := data[p]
		p++
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: uleb128 too big", ErrMalformedTrie)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, p, nil
}

func walkExportNode(data []byte, nodeOff uint32, name string, out *[]entryOffset) error {
	if int(nodeOff) >= len(data) {
		return fmt.Errorf("%w: node offset %#x outside trie (size %d)", ErrMalformedTrie, nodeOff, len(data))
	}
	p := int(nodeOff)
	terminalSize, next, err := readULEB(data, p)
	if err != nil {
		return err
	}
	p = next
	childrenStart := p + int(terminalSize)
	if terminalSize != 0 {
		termP := p
		flagsU, n, err := readULEB(data, termP)
		if err != nil {
			return err
		}
		termP = n
		flags := types.ExportFlag(flagsU)
		addr, n, err := readULEB(data, termP)
		if err != nil {
			return err
		}
		termP = n
		var other uint64
		var reexport string
		if flags.ReExport() {
			other, termP, err = readULEB(data, termP)
			if err != nil {
				return err
			}
			nameStart := termP
			for termP < len(data) && data[termP] != 0 {
				termP++
			}
			if termP >= len(data) {
				return fmt.Errorf("%w: unterminated re-export name", ErrMalformedTrie)
			}
			reexport = string(data[nameStart:termP])
		}
		*out = append(*out, entryOffset{
			offset: nodeOff,
			entry: TrieEntry{
				Name:     name,
				ReExport: reexport,
				Flags:    flags,
				Other:    other,
				Address:  addr,
			},
		})
	}
	if childrenStart >= len(data) {
		return fmt.Errorf("%w: children count outside trie", ErrMalformedTrie)
	}
	childCount := int(data[childrenStart])
	p = childrenStart + 1
	for i := 0; i < childCount; i++ {
		labelStart := p
		for p < len(data) && data[p] != 0 {
			p++
		}
		if p >= len(data) {
			return fmt.Errorf("%w: unterminated edge label", ErrMalformedTrie)
		}
		label := string(data[labelStart:p])
		p++ // NUL
		childOff, n, err := readULEB(data, p)
		if err != nil {
			return err
		}
		p = n
		if err := walkExportNode(data, uint32(childOff), name+label, out); err != nil {
			return err
		}
	}
	return nil
}
