package libdetect

import (
	"bytes"
	"testing"

	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/dbstore/memstore"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/log"
	"github.com/orangeapk/libdetect/model"
)

type fakeMethod struct{ invoked []string }

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

// barDex builds a fresh Dex consisting of one class under "Lfoo/bar"
// invoking every allowlisted API, so Lfoo and Lfoo/bar both carry weight
// 3. Each call returns a distinct dex.Dex value built from identical
// source classes, mirroring how the same library recompiles identically
// across independent samples.
func barDex() dex.Dex {
	return dex.NewFile([]dex.Class{
		classOf("Lfoo/bar/B",
			"Ljava/util/List;->add(Ljava/lang/Object;)Z",
			"Ljava/util/List;->get(I)Ljava/lang/Object;",
			"Ljava/lang/String;->trim()Ljava/lang/String;"),
	})
}

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a := New(log.New(&bytes.Buffer{}))
	a.SetDatabase(memstore.New(t.TempDir()))
	a.SetAllowlist(testAllowlist())
	// MinLibCount lowered from the default 5 so the corpus side of this
	// test stays small; everything else is left at the spec defaults.
	thresholds := model.DefaultThresholds()
	thresholds.MinLibCount = 2
	a.SetThresholds(thresholds)
	return a
}

func TestEndToEndIngestDistillAndDetect(t *testing.T) {
	a := newTestAnalyzer(t)

	// Ingest the same library twice, the corpus minimum this test's
	// thresholds require before distillation will consider it.
	if err := a.AddDexToDatabase(barDex()); err != nil {
		t.Fatalf("AddDexToDatabase (1): %v", err)
	}
	if err := a.AddDexToDatabase(barDex()); err != nil {
		t.Fatalf("AddDexToDatabase (2): %v", err)
	}

	if err := a.UpdateLibraryDatabase(); err != nil {
		t.Fatalf("UpdateLibraryDatabase: %v", err)
	}

	results, err := a.DetectDexLibraries(barDex())
	if err != nil {
		t.Fatalf("DetectDexLibraries: %v", err)
	}

	// The whole dex is exactly the known library: with only one top-level
	// package in the tree, the exact match on Lfoo propagates all the way
	// to the root at a perfect ratio (Lfoo/bar's own match stays below it,
	// since an exact-matched node does not walk its children), so the
	// completeness rule stops the walk there instead of also reporting
	// Lfoo or Lfoo/bar individually. The report must carry the real
	// library name, not the root's own placeholder identity.
	if len(results) != 1 {
		t.Fatalf("expected one report, got %d: %+v", len(results), results)
	}
	r := results[0]
	if r.LibName != "Lfoo/bar" && r.LibName != "Lfoo" {
		t.Fatalf("got %+v, want the matched library name, not a placeholder", r)
	}
	if r.Similarity == nil || *r.Similarity != 1.0 {
		t.Fatalf("got similarity %v, want a perfect match", r.Similarity)
	}
}

func TestEndToEndExactDetectionBeforeDistillation(t *testing.T) {
	a := newTestAnalyzer(t)

	// Before any distillation has run, the libraries table is empty, so
	// even a dex identical to one already ingested has nothing to match
	// against.
	if err := a.AddDexToDatabase(barDex()); err != nil {
		t.Fatalf("AddDexToDatabase: %v", err)
	}
	exact, err := a.DetectExactDexLibraries(barDex())
	if err != nil {
		t.Fatalf("DetectExactDexLibraries: %v", err)
	}
	if len(exact) != 0 {
		t.Fatalf("expected no exact matches before distillation, got %v", exact)
	}
}

func TestSnapshotRequiresDatabaseAndAllowlist(t *testing.T) {
	a := New(log.New(&bytes.Buffer{}))
	if _, err := a.DetectDexLibraries(barDex()); err == nil {
		t.Fatalf("expected an error with no database or allowlist configured")
	}
	a.SetDatabase(memstore.New(t.TempDir()))
	if _, err := a.DetectDexLibraries(barDex()); err == nil {
		t.Fatalf("expected an error with no allowlist configured")
	}
}
