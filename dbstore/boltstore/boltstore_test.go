package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/fingerprint"
	"github.com/orangeapk/libdetect/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libdetect.bolt")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetRemovePkgs(t *testing.T) {
	s := openTestStore(t)
	h := fingerprint.DigestStrings([]string{"a"})
	p := model.PkgInfo{Hash: h, Name: "Lcom/x", Weight: 4}

	if err := s.AddPkgs([]model.PkgInfo{p, p}); err != nil {
		t.Fatalf("AddPkgs: %v", err)
	}
	recs, err := s.GetPkgs(2)
	if err != nil {
		t.Fatalf("GetPkgs: %v", err)
	}
	if len(recs) != 1 || recs[0].Count != 2 || recs[0].Weight != 4 || recs[0].Name != "Lcom/x" {
		t.Fatalf("got %+v, want one record count=2 weight=4 name=Lcom/x", recs)
	}

	if err := s.RemovePkgs([]model.PkgInfo{p}); err != nil {
		t.Fatalf("RemovePkgs: %v", err)
	}
	recs, err = s.GetPkgs(1)
	if err != nil {
		t.Fatalf("GetPkgs: %v", err)
	}
	if len(recs) != 1 || recs[0].Count != 1 {
		t.Fatalf("got %+v, want one record with count 1", recs)
	}

	if err := s.RemovePkgs([]model.PkgInfo{p}); err != nil {
		t.Fatalf("RemovePkgs (second): %v", err)
	}
	recs, err = s.GetPkgs(0)
	if err != nil {
		t.Fatalf("GetPkgs: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected the record to be deleted once its count reaches zero, got %+v", recs)
	}
}

func TestAddLibsAndMatchLibs(t *testing.T) {
	s := openTestStore(t)
	h1 := fingerprint.DigestStrings([]string{"a"})
	h2 := fingerprint.DigestStrings([]string{"b"})

	if err := s.AddLibs([]model.LibInfo{{Hash: h1, Name: "Lcom/gson"}}); err != nil {
		t.Fatalf("AddLibs: %v", err)
	}

	libs, err := s.MatchLibs([]fingerprint.Hash{h1, h2})
	if err != nil {
		t.Fatalf("MatchLibs: %v", err)
	}
	if len(libs) != 1 || libs[0].Name != "Lcom/gson" || libs[0].Hash != h1 {
		t.Fatalf("got %+v, want a single Lcom/gson match on h1", libs)
	}
}

func TestDumpAndLoadAreUnsupported(t *testing.T) {
	s := openTestStore(t)
	if err := s.Dump(); err != db.ErrUnsupported {
		t.Errorf("Dump() = %v, want db.ErrUnsupported", err)
	}
	if err := s.Load(); err != db.ErrUnsupported {
		t.Errorf("Load() = %v, want db.ErrUnsupported", err)
	}
}
