package pkgtree

import (
	"testing"

	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/model"
)

type fakeMethod struct {
	invoked []string
}

func (m fakeMethod) InvokedMethods() []string { return m.invoked }

type fakeClass struct {
	name    string
	methods []dex.Method
}

func (c fakeClass) Name() string         { return c.name }
func (c fakeClass) Methods() []dex.Method { return c.methods }

func classOf(name string, apis ...string) dex.Class {
	return fakeClass{name: name, methods: []dex.Method{fakeMethod{invoked: apis}}}
}

func testAllowlist() *allowlist.Allowlist {
	return allowlist.New([]string{
		"Ljava/util/List;->add(Ljava/lang/Object;)Z",
		"Ljava/util/List;->get(I)Ljava/lang/Object;",
		"Ljava/lang/String;->trim()Ljava/lang/String;",
	})
}

func TestBuildRejectsBadNames(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Xcom/a/B", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
	}
	if _, err := Build(dex.NewFile(cases), allow); err == nil {
		t.Fatalf("expected error for class name not starting with L")
	}

	cases = []dex.Class{
		classOf("L", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
	}
	if _, err := Build(dex.NewFile(cases), allow); err == nil {
		t.Fatalf("expected error for class name exactly L")
	}
}

func TestBuildRejectsDuplicateClassNames(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/a/B", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
		classOf("Lcom/a/B", "Ljava/lang/String;->trim()Ljava/lang/String;"),
	}
	if _, err := Build(dex.NewFile(cases), allow); err == nil {
		t.Fatalf("expected error for duplicate class name")
	}
}

func TestBuildSkipsClassesWithNoAllowlistedAPIs(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/a/B", "Lcom/unknown/Thing;->x()V"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(tree.Nodes()) != 1 {
		t.Fatalf("expected only the root node, got %d nodes", len(tree.Nodes()))
	}
	if tree.Root().Weight() != 0 {
		t.Fatalf("expected zero weight, got %d", tree.Root().Weight())
	}
}

func TestBuildComputesWeightAndHashesBottomUp(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/a/B", "Ljava/util/List;->add(Ljava/lang/Object;)Z", "Ljava/util/List;->get(I)Ljava/lang/Object;"),
		classOf("Lcom/a/C", "Ljava/lang/String;->trim()Ljava/lang/String;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root().Weight() != 3 {
		t.Fatalf("root weight = %d, want 3", tree.Root().Weight())
	}

	pkgA, ok := findNode(tree, "Lcom/a")
	if !ok {
		t.Fatalf("expected Lcom/a package node")
	}
	if pkgA.Weight() != 3 {
		t.Fatalf("Lcom/a weight = %d, want 3", pkgA.Weight())
	}
	if len(pkgA.Children()) != 2 {
		t.Fatalf("Lcom/a children = %d, want 2", len(pkgA.Children()))
	}
}

func findNode(tree *PackageTree, name string) (*TreeNode, bool) {
	for _, n := range tree.Nodes() {
		if string(n.Name()) == name {
			return n, true
		}
	}
	return nil, false
}

func TestExactMatchAtLeafDoesNotGetReported(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/a/B", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	leaf, ok := findNode(tree, "Lcom/a/B")
	if !ok {
		t.Fatalf("expected leaf node")
	}
	tree.ApplyExactMatches([]model.LibInfo{{Hash: leaf.Hash(), Name: "some-lib"}})

	got := tree.DetectExactLibs()
	if len(got) != 0 {
		t.Fatalf("expected no reports for a class-only match, got %v", got)
	}
}

func TestExactMatchStopsAtFirstAncestorMatch(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/a/b/X", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
		classOf("Lcom/a/b/Y", "Ljava/util/List;->get(I)Ljava/lang/Object;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pkgB, ok := findNode(tree, "Lcom/a/b")
	if !ok {
		t.Fatalf("expected Lcom/a/b node")
	}
	pkgA, ok := findNode(tree, "Lcom/a")
	if !ok {
		t.Fatalf("expected Lcom/a node")
	}
	// Lcom/a is the shallower ancestor; the top-down walk reaches it before
	// Lcom/a/b and must stop there, never descending far enough to see
	// Lcom/a/b's own match.
	tree.ApplyExactMatches([]model.LibInfo{
		{Hash: pkgB.Hash(), Name: "should-not-be-reached"},
		{Hash: pkgA.Hash(), Name: "gson"},
	})

	got := tree.DetectExactLibs()
	if len(got) != 1 {
		t.Fatalf("expected exactly one report, got %v", got)
	}
	if got["Lcom/a"] != "gson" {
		t.Fatalf("got %v, want Lcom/a -> gson", got)
	}
}

func TestDetectLibsEmitsPartialMatchOnThreshold(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/X", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
		classOf("Lcom/Y", "Ljava/util/List;->get(I)Ljava/lang/Object;"),
		// Z is unmatched, so Lcom's own weight (3) isn't a perfect multiple
		// of the matched weight X and Y contribute (2).
		classOf("Lcom/Z", "Ljava/lang/String;->trim()Ljava/lang/String;"),
		// Lorg is an unrelated sibling package at the root, diluting the
		// root's own ratio below threshold so only Lcom - not the root
		// above it - clears the rate. W's API set differs from every Lcom
		// class's, so its fingerprint matches none of the seeded hits.
		classOf("Lorg/W", "Ljava/util/List;->add(Ljava/lang/Object;)Z",
			"Ljava/util/List;->get(I)Ljava/lang/Object;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	x, _ := findNode(tree, "Lcom/X")
	y, _ := findNode(tree, "Lcom/Y")

	// X and Y each carry a candidate name identical to their own leaf name;
	// propagation collapses both onto "Lcom" and sums their weight (1+1).
	tree.ApplyExactMatches([]model.LibInfo{
		{Hash: x.Hash(), Name: "Lcom/X"},
		{Hash: y.Hash(), Name: "Lcom/Y"},
	})
	tree.Propagate()

	results := tree.DetectLibs(0.6, true)
	if len(results) != 1 {
		t.Fatalf("expected one report, got %d: %v", len(results), results)
	}
	r := results[0]
	if r.Name != "Lcom" || r.LibName != "Lcom" {
		t.Fatalf("got %+v, want Lcom -> Lcom", r)
	}
	if *r.Similarity < 0.66 || *r.Similarity > 0.67 {
		t.Fatalf("similarity = %v, want ~2/3", *r.Similarity)
	}
}

func TestDetectLibsAmbiguityGateSuppressesTie(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lcom/X", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
		classOf("Lcom/Y", "Ljava/util/List;->get(I)Ljava/lang/Object;"),
		// Lorg dilutes the root the same way it does above.
		classOf("Lorg/W", "Ljava/lang/String;->trim()Ljava/lang/String;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	x, _ := findNode(tree, "Lcom/X")
	y, _ := findNode(tree, "Lcom/Y")

	// X and Y collapse to two entirely distinct single-segment candidates;
	// Lcom ends up with two names tied at weight 1, more names than matched
	// weight - ambiguous, so Lcom itself is never reported.
	tree.ApplyExactMatches([]model.LibInfo{
		{Hash: x.Hash(), Name: "La/One"},
		{Hash: y.Hash(), Name: "Lb/Two"},
	})
	tree.Propagate()

	results := tree.DetectLibs(0.6, true)
	if len(results) != 0 {
		t.Fatalf("expected ambiguity to suppress the report, got %v", results)
	}
}

func TestDetectLibsSubpackageFilterSuppressesRedundantChild(t *testing.T) {
	allow := testAllowlist()
	allAPIs := []string{
		"Ljava/util/List;->add(Ljava/lang/Object;)Z",
		"Ljava/util/List;->get(I)Ljava/lang/Object;",
		"Ljava/lang/String;->trim()Ljava/lang/String;",
	}
	cases := []dex.Class{
		// Three classes under Lcom/a/b, weight 3 each, totalling 9 - an
		// exact match is seeded directly on this node below.
		classOf("Lcom/a/b/X1", allAPIs...),
		classOf("Lcom/a/b/X2", allAPIs...),
		classOf("Lcom/a/b/X3", allAPIs...),
		// One more leaf directly under Lcom/a, unmatched, bringing
		// Lcom/a's own weight to 10 so its best candidate (9, inherited
		// from Lcom/a/b) clears a 0.9 threshold without being a perfect
		// fit - which would otherwise stop the walk before reaching
		// Lcom/a/b.
		classOf("Lcom/a/Z", "Ljava/util/List;->add(Ljava/lang/Object;)Z"),
		// A sibling of Lcom/a directly under Lcom, unmatched, diluting
		// Lcom's (and so the root's) own ratio below 0.9 so only Lcom/a and
		// Lcom/a/b - not their ancestors - clear the rate.
		classOf("Lcom/W", "Ljava/lang/String;->trim()Ljava/lang/String;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pkgB, ok := findNode(tree, "Lcom/a/b")
	if !ok {
		t.Fatalf("expected Lcom/a/b node")
	}
	if pkgB.Weight() != 9 {
		t.Fatalf("Lcom/a/b weight = %d, want 9", pkgB.Weight())
	}
	pkgA, ok := findNode(tree, "Lcom/a")
	if !ok {
		t.Fatalf("expected Lcom/a node")
	}
	if pkgA.Weight() != 10 {
		t.Fatalf("Lcom/a weight = %d, want 10", pkgA.Weight())
	}

	tree.ApplyExactMatches([]model.LibInfo{
		{Hash: pkgB.Hash(), Name: "Lcom/a/b"},
	})
	tree.Propagate()

	withSub := tree.DetectLibs(0.9, true)
	withoutSub := tree.DetectLibs(0.9, false)
	if len(withSub) != 2 {
		t.Fatalf("includeSubpkgs=true: got %d reports, want 2: %v", len(withSub), withSub)
	}
	if len(withoutSub) != 1 {
		t.Fatalf("includeSubpkgs=false: got %d reports, want 1: %v", len(withoutSub), withoutSub)
	}
	if withoutSub[0].Name != "Lcom/a" {
		t.Fatalf("includeSubpkgs=false report = %+v, want Lcom/a", withoutSub[0])
	}
}

func TestCollapseToParentLeavesSingleSegmentNamesUnchanged(t *testing.T) {
	// "Lcom" has no further slash to strip, so it has already collapsed
	// as far as it can go; every ancestor above this point inherits it
	// verbatim instead of it being overwritten by the root's own name.
	if got := collapseToParent("Lcom"); got != "Lcom" {
		t.Fatalf("collapseToParent(Lcom) = %q, want Lcom unchanged", got)
	}
	if got := collapseToParent("Lcom/a/b"); got != "Lcom/a" {
		t.Fatalf("collapseToParent(Lcom/a/b) = %q, want Lcom/a", got)
	}
}

func TestDetectLibsReportsWholeDexMatchAtRootWithRealLibName(t *testing.T) {
	allow := testAllowlist()
	cases := []dex.Class{
		classOf("Lfoo/bar/B", "Ljava/util/List;->add(Ljava/lang/Object;)Z",
			"Ljava/util/List;->get(I)Ljava/lang/Object;",
			"Ljava/lang/String;->trim()Ljava/lang/String;"),
	}
	tree, err := Build(dex.NewFile(cases), allow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	foo, ok := findNode(tree, "Lfoo")
	if !ok {
		t.Fatalf("Lfoo node not found")
	}

	// Seed the exact match on the whole "Lfoo" subtree directly, the way
	// a prior distillation of this exact same package would have. With
	// only one top-level package in the dex, this candidate bubbles all
	// the way up to the root unchanged.
	tree.ApplyExactMatches([]model.LibInfo{{Hash: foo.Hash(), Name: "Lfoo"}})
	tree.Propagate()

	results := tree.DetectLibs(0.9, true)
	if len(results) != 1 {
		t.Fatalf("expected one whole-dex report, got %d: %v", len(results), results)
	}
	r := results[0]
	// The report is keyed by the root's own identity, but the matched
	// library name itself must stay "Lfoo" - not be overwritten by that
	// same root sentinel.
	if r.Name != string(rootName) || r.LibName != "Lfoo" {
		t.Fatalf("got %+v, want root -> Lfoo", r)
	}
}
