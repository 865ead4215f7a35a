// Package pkgtree builds the per-DEX package tree, computes renaming-
// resilient fingerprints bottom-up, and matches it against a library
// database, promoting partial matches toward the root with bounded weight
// accounting.
//
// This is the core of libdetect: the tree construction (§4.2), the exact
// and partial match passes (§4.3, §4.4), and report selection (§4.5), all
// driven off a single PackageTree built from a dex.Dex.
package pkgtree

import (
	"strings"

	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/fingerprint"

	"github.com/pkg/errors"
)

// PackageName is a slash-separated package path prefixed with "L", the
// DEX descriptor convention (e.g. "Lcom/google/gson"). The tree root is
// named "L" and has an empty path.
type PackageName string

// rootName is the display name of the tree root.
const rootName PackageName = "L"

// TreeNode is either a class leaf or an internal package node.
type TreeNode struct {
	name     PackageName
	hash     fingerprint.Hash
	weight   int
	isLeaf   bool
	children *childSet // nil for leaves

	// matchLibs accumulates candidate library name -> weight, populated
	// by ApplyExactMatches and Propagate.
	matchLibs map[string]int
}

// Name returns the node's full package (or class) name.
func (n *TreeNode) Name() PackageName { return n.name }

// Hash returns the node's fingerprint.
func (n *TreeNode) Hash() fingerprint.Hash { return n.hash }

// Weight returns the node's total allowlisted API weight.
func (n *TreeNode) Weight() int { return n.weight }

// IsLeaf reports whether n is a class, as opposed to a package.
func (n *TreeNode) IsLeaf() bool { return n.isLeaf }

// MatchLibs returns the node's current candidate-library weight map. The
// returned map must not be mutated by callers.
func (n *TreeNode) MatchLibs() map[string]int { return n.matchLibs }

// Children returns n's children sorted by path segment. It returns nil for
// leaves.
func (n *TreeNode) Children() []*TreeNode {
	if n.children == nil {
		return nil
	}
	return n.children.Ordered()
}

// PackageTree is the result of parsing one DEX's classes into a package
// hierarchy and fingerprinting it bottom-up.
type PackageTree struct {
	root  *TreeNode
	nodes []*TreeNode
	index map[fingerprint.Hash][]*TreeNode
}

// Root returns the tree's root node (name "L").
func (t *PackageTree) Root() *TreeNode { return t.root }

// Nodes returns every node in the tree (leaves and internal packages
// alike), in the post-order they were finished.
func (t *PackageTree) Nodes() []*TreeNode { return t.nodes }

// Hashes returns the fingerprint of every node in the tree, suitable for a
// Database.MatchLibs query.
func (t *PackageTree) Hashes() []fingerprint.Hash {
	out := make([]fingerprint.Hash, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n.hash
	}
	return out
}

// NodesForHash returns every node sharing the given fingerprint. Two
// distinct subtrees can share a fingerprint (e.g. identical wrapper
// classes); callers should attribute a match to all of them.
func (t *PackageTree) NodesForHash(h fingerprint.Hash) []*TreeNode {
	return t.index[h]
}

// Build constructs a PackageTree from d's classes, keeping only the
// distinct allowlisted API signatures each class invokes, and returns it
// already finished (hashes and weights computed bottom-up, per §4.2).
//
// A class whose name does not start with "L", or is exactly "L", or
// duplicates another class's name, is a fatal input error for the whole
// DEX, per spec §7.
func Build(d dex.Dex, allow *allowlist.Allowlist) (*PackageTree, error) {
	root := &TreeNode{name: rootName, children: newChildSet()}
	seen := make(map[string]struct{})

	for _, class := range d.Classes() {
		name := class.Name()
		if name == string(rootName) || !strings.HasPrefix(name, string(rootName)) {
			return nil, errors.Errorf("pkgtree: invalid class name %q", name)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("pkgtree: duplicate class name %q", name)
		}
		seen[name] = struct{}{}

		apis := invokedAllowlistedAPIs(class, allow)
		if len(apis) == 0 {
			continue
		}

		leaf := &TreeNode{
			name:   PackageName(name),
			hash:   fingerprint.DigestStrings(apis),
			weight: len(apis),
			isLeaf: true,
		}
		if err := insertLeaf(root, leaf); err != nil {
			return nil, err
		}
	}

	tree := &PackageTree{root: root}
	tree.finish()
	return tree, nil
}

// invokedAllowlistedAPIs returns the distinct allowlisted method signatures
// invoked anywhere in class.
func invokedAllowlistedAPIs(class dex.Class, allow *allowlist.Allowlist) []string {
	seen := make(map[string]struct{})
	var apis []string
	for _, m := range class.Methods() {
		for _, sig := range m.InvokedMethods() {
			if !allow.Contains(sig) {
				continue
			}
			if _, ok := seen[sig]; ok {
				continue
			}
			seen[sig] = struct{}{}
			apis = append(apis, sig)
		}
	}
	return apis
}

// insertLeaf walks from root, consuming leaf's path segments one at a
// time, creating any missing internal nodes lazily (deferred until a leaf
// actually demands the path, so that classes contributing no allowlisted
// APIs never create empty ancestor nodes), and attaches leaf under its
// final segment.
func insertLeaf(root *TreeNode, leaf *TreeNode) error {
	segments := pathSegments(leaf.name)
	cur := root
	for i, seg := range segments {
		last := i == len(segments)-1
		if last {
			if _, exists := cur.children.Get(seg); exists {
				return errors.Errorf("pkgtree: duplicate class name %q", leaf.name)
			}
			cur.children.Insert(seg, leaf)
			return nil
		}
		child, ok := cur.children.Get(seg)
		if !ok {
			child = &TreeNode{name: joinSegment(cur.name, seg), children: newChildSet()}
			cur.children.Insert(seg, child)
		}
		cur = child
	}
	return nil
}

// pathSegments splits a PackageName's path into its slash-separated
// segments, e.g. "Lcom/x/Util" -> ["com", "x", "Util"].
func pathSegments(name PackageName) []string {
	trimmed := strings.TrimPrefix(string(name), string(rootName))
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// joinSegment appends segment to parent's name.
func joinSegment(parent PackageName, segment string) PackageName {
	if parent == rootName {
		return rootName + PackageName(segment)
	}
	return parent + "/" + PackageName(segment)
}

// finish performs the post-order walk of §4.2 step 4: for every internal
// node, computes its hash over the sorted list of child hashes and its
// weight as the sum of child weights, then records the node in the flat
// Nodes list and the hash index.
//
// When two distinct subtrees share a fingerprint, both are kept in the
// index under that hash, so a later exact match can be attributed to
// every node that earned it, rather than silently favoring whichever was
// visited last.
func (t *PackageTree) finish() {
	t.index = make(map[fingerprint.Hash][]*TreeNode)

	var walk func(n *TreeNode)
	walk = func(n *TreeNode) {
		if !n.isLeaf {
			children := n.children.Ordered()
			hashes := make([]fingerprint.Hash, len(children))
			weight := 0
			for i, c := range children {
				walk(c)
				hashes[i] = c.hash
				weight += c.weight
			}
			n.hash = fingerprint.DigestHashes(hashes)
			n.weight = weight
		}
		t.nodes = append(t.nodes, n)
		t.index[n.hash] = append(t.index[n.hash], n)
	}
	walk(t.root)
}
