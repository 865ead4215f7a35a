package pkgtree

import (
	"sort"
	"strings"

	"github.com/orangeapk/libdetect/fingerprint"
	"github.com/orangeapk/libdetect/model"
)

// ApplyExactMatches seeds every node whose fingerprint appears in hits with
// a single matchLibs entry {libName: node.weight}, per §4.3. A node with no
// hit gets no entry at all, distinguishing "considered, no match" from
// "not yet considered" for the propagation pass that follows.
//
// hits is indexed by fingerprint so a single query batch covering the
// whole tree (PackageTree.Hashes) can seed every node in one pass.
func (t *PackageTree) ApplyExactMatches(hits []model.LibInfo) {
	byHash := make(map[fingerprint.Hash][]model.LibInfo, len(hits))
	for _, h := range hits {
		byHash[h.Hash] = append(byHash[h.Hash], h)
	}

	for _, n := range t.nodes {
		libs, ok := byHash[n.hash]
		if !ok {
			continue
		}
		n.matchLibs = make(map[string]int, len(libs))
		for _, l := range libs {
			n.matchLibs[l.Name] = n.weight
		}
	}
}

// Propagate runs the partial-match promotion pass of §4.4. A node that
// already carries an exact match (non-empty matchLibs from
// ApplyExactMatches), or a leaf, does not propagate further — its
// children are not walked, but its own matchLibs still contribute to its
// parent's collapse, so the exact match itself is never second-guessed or
// diluted by a weaker partial one.
//
// For every other internal node: each child is collapsed independently —
// within one child's own matchLibs, several entries that collapse to the
// same parent-level name take the max between them (two sibling libraries
// sharing a prefix inside the same child must not double-count). The
// resulting per-child maps are then summed across distinct children onto
// the node, since several children independently carrying weight for the
// same candidate is genuine corroborating evidence. Finally every
// accumulated weight is capped at the node's own weight, since no
// candidate can be matched more strongly than the node itself carries.
func (t *PackageTree) Propagate() {
	var walk func(n *TreeNode)
	walk = func(n *TreeNode) {
		if n.isLeaf || len(n.matchLibs) > 0 {
			return
		}
		acc := make(map[string]int)
		for _, c := range n.children.Ordered() {
			walk(c)
			perChild := make(map[string]int)
			for childName, w := range c.matchLibs {
				collapsed := collapseToParent(childName)
				if cur, ok := perChild[collapsed]; !ok || w > cur {
					perChild[collapsed] = w
				}
			}
			for name, w := range perChild {
				acc[name] += w
			}
		}
		if len(acc) == 0 {
			return
		}
		n.matchLibs = make(map[string]int, len(acc))
		for name, w := range acc {
			if w > n.weight {
				w = n.weight
			}
			n.matchLibs[name] = w
		}
	}
	walk(t.root)
}

// collapseToParent drops a package name's last path segment, mapping a
// child's candidate name onto the name it would carry one level up. A
// name with no remaining slash has nothing left to strip and is left
// unchanged: it has already collapsed as far as it can go, and every
// ancestor above that point inherits it verbatim. Mapping it onto the
// tree root's own sentinel name instead would overwrite the one real
// library name a whole-dex match carries with a meaningless placeholder
// by the time it reaches the root.
func collapseToParent(name string) string {
	idx := strings.LastIndexByte(name, '/')
	if idx < 0 {
		return name
	}
	return name[:idx]
}

// DetectExactLibs implements §4.5's exact-only report: a top-down walk
// that, at the first node carrying any matchLibs, reports it and does not
// descend further (classes are never reported on their own, so a leaf
// reaching this point without an internal ancestor match is simply
// skipped). Among several candidate names at the stopping node, the
// node's own name is preferred if present; otherwise the lexicographically
// smallest name wins, for a stable, deterministic result.
func (t *PackageTree) DetectExactLibs() map[string]string {
	out := make(map[string]string)
	var walk func(n *TreeNode)
	walk = func(n *TreeNode) {
		if len(n.matchLibs) > 0 {
			if !n.isLeaf {
				out[string(n.name)] = chooseName(n)
			}
			return
		}
		if n.isLeaf {
			return
		}
		for _, c := range n.children.Ordered() {
			walk(c)
		}
	}
	walk(t.root)
	return out
}

// chooseName picks the reported candidate name at a node per the
// self-name-preference rule.
func chooseName(n *TreeNode) string {
	if _, ok := n.matchLibs[string(n.name)]; ok {
		return string(n.name)
	}
	names := make([]string, 0, len(n.matchLibs))
	for name := range n.matchLibs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// DetectLibs implements §4.5's full partial-match report, after
// ApplyExactMatches and Propagate have populated matchLibs throughout the
// tree.
//
// At each node, the best (highest-weight) candidates are found. The
// ambiguity gate treats the node as unmatched (and descends normally)
// when there are more tied-best candidate names than matched API weight
// — too little evidence to single one out. Otherwise the naming rule
// picks the node's own name if it's among the best, else the
// lexicographically smallest; the emission rule reports the node when the
// best weight clears rate*node.weight; and the completeness rule stops
// descending once the best weight equals the node's own weight (a
// perfect fit), independent of whether the emission threshold was met.
// When includeSubpkgs is false, a child's own report is suppressed
// whenever its chosen name is the same as, or a subpackage of, its
// nearest reported ancestor's chosen name.
func (t *PackageTree) DetectLibs(rate float64, includeSubpkgs bool) []model.PkgResult {
	var out []model.PkgResult
	var walk func(n *TreeNode, parentChosen string, parentReported bool)
	walk = func(n *TreeNode, parentChosen string, parentReported bool) {
		if n.isLeaf || len(n.matchLibs) == 0 {
			return
		}

		maxW, best := bestCandidates(n.matchLibs)
		if len(best) > maxW {
			// ambiguity gate: too many candidate names for the matched
			// weight to single one out; treat as unmatched and descend.
			for _, c := range n.children.Ordered() {
				walk(c, parentChosen, parentReported)
			}
			return
		}

		chosenName := chooseAmong(n.name, best)
		chosen := parentChosen
		reportedHere := false
		if float64(maxW) >= rate*float64(n.weight) {
			suppressed := parentReported && !includeSubpkgs && isSubpackagePrefix(parentChosen, chosenName)
			if !suppressed {
				sim := float64(maxW) / float64(n.weight)
				out = append(out, model.PkgResult{
					Hash:       n.hash,
					Name:       string(n.name),
					LibName:    chosenName,
					Similarity: &sim,
				})
				reportedHere = true
				chosen = chosenName
			}
		}

		if maxW == n.weight {
			// completeness rule: a perfect fit means descending further
			// cannot refine the report, reported or not.
			return
		}

		for _, c := range n.children.Ordered() {
			walk(c, chosen, reportedHere || parentReported)
		}
	}
	walk(t.root, "", false)
	return out
}

// bestCandidates returns the maximum weight in libs and the set of names
// reaching it.
func bestCandidates(libs map[string]int) (int, []string) {
	maxW := -1
	for _, w := range libs {
		if w > maxW {
			maxW = w
		}
	}
	var best []string
	for name, w := range libs {
		if w == maxW {
			best = append(best, name)
		}
	}
	return maxW, best
}

// chooseAmong applies the self-name-preference/lexicographic tie-break
// rule across an already-narrowed candidate set.
func chooseAmong(selfName PackageName, candidates []string) string {
	for _, c := range candidates {
		if c == string(selfName) {
			return c
		}
	}
	sort.Strings(candidates)
	return candidates[0]
}

// isSubpackagePrefix reports whether child is parent itself, or a deeper
// package under it (parent followed by "/").
func isSubpackagePrefix(parent, child string) bool {
	if parent == "" {
		return false
	}
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}
