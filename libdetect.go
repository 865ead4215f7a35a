// Package libdetect detects third-party library usage in Android DEX
// bytecode by structurally fingerprinting package subtrees, matching
// them against a corpus-derived database, and reporting both exact and
// partial matches. See pkgtree for the fingerprinting and matching
// algorithms, db for the storage abstraction, and cluster for the
// corpus pipeline that builds a database from a sample set.
package libdetect

import (
	"archive/zip"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/cluster"
	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/log"
	"github.com/orangeapk/libdetect/model"
	"github.com/orangeapk/libdetect/pkgtree"
)

// Analyzer bundles the process-wide collaborators spec §9 calls for:
// a database handle and a set of thresholds, "initialized at startup,
// frozen during analysis." Analyzer makes that explicit as a value
// passed by the caller, rather than relying on package-level globals.
type Analyzer struct {
	mu         sync.RWMutex
	database   db.Database
	allowlist  *allowlist.Allowlist
	thresholds model.Thresholds
	logger     *log.Logger
}

// New returns an Analyzer with default thresholds and no database or
// allowlist configured; SetDatabase and SetAllowlist must be called
// before any detection or ingestion operation.
func New(logger *log.Logger) *Analyzer {
	return &Analyzer{
		thresholds: model.DefaultThresholds(),
		logger:     logger,
	}
}

// SetDatabase installs database. Per spec §6, this must be called before
// any analyzer operation; calling it again mid-run has undefined effect
// on in-flight operations.
func (a *Analyzer) SetDatabase(database db.Database) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.database = database
}

// SetAllowlist installs the API allowlist used for tree construction.
func (a *Analyzer) SetAllowlist(allow *allowlist.Allowlist) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowlist = allow
}

// SetThresholds installs t, replacing model.DefaultThresholds(). See
// SetDatabase for the same before-first-use caveat.
func (a *Analyzer) SetThresholds(t model.Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = t
}

func (a *Analyzer) snapshot() (db.Database, *allowlist.Allowlist, model.Thresholds, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.database == nil {
		return nil, nil, model.Thresholds{}, errors.New("libdetect: no database configured, call SetDatabase first")
	}
	if a.allowlist == nil {
		return nil, nil, model.Thresholds{}, errors.New("libdetect: no allowlist configured, call SetAllowlist first")
	}
	return a.database, a.allowlist, a.thresholds, nil
}

func (a *Analyzer) buildTree(d dex.Dex) (*pkgtree.PackageTree, db.Database, model.Thresholds, error) {
	database, allow, t, err := a.snapshot()
	if err != nil {
		return nil, nil, model.Thresholds{}, err
	}
	tree, err := pkgtree.Build(d, allow)
	if err != nil {
		return nil, nil, model.Thresholds{}, errors.Wrap(err, "libdetect: building package tree")
	}
	return tree, database, t, nil
}

// DetectDexLibraries runs the full exact-plus-partial detection pipeline
// (spec §4.3-§4.5) over a single DEX.
func (a *Analyzer) DetectDexLibraries(d dex.Dex) ([]model.PkgResult, error) {
	tree, database, t, err := a.buildTree(d)
	if err != nil {
		return nil, err
	}
	hits, err := database.MatchLibs(tree.Hashes())
	if err != nil {
		return nil, errors.Wrap(err, "libdetect: querying database")
	}
	tree.ApplyExactMatches(hits)
	tree.Propagate()
	return tree.DetectLibs(t.LibMatchRate, true), nil
}

// DetectExactDexLibraries runs only the exact-match pass (spec §4.3,
// §4.5 detect_exact_libs) over a single DEX.
func (a *Analyzer) DetectExactDexLibraries(d dex.Dex) (map[string]string, error) {
	database, allow, _, err := a.snapshot()
	if err != nil {
		return nil, err
	}
	tree, err := pkgtree.Build(d, allow)
	if err != nil {
		return nil, errors.Wrap(err, "libdetect: building package tree")
	}
	hits, err := database.MatchLibs(tree.Hashes())
	if err != nil {
		return nil, errors.Wrap(err, "libdetect: querying database")
	}
	tree.ApplyExactMatches(hits)
	return tree.DetectExactLibs(), nil
}

// DetectApkLibraries runs DetectDexLibraries over every classes*.dex
// entry in an APK (a zip archive), in order, unioning the results, per
// spec §6.
func (a *Analyzer) DetectApkLibraries(r *zip.Reader, open func([]byte) (dex.Dex, error)) ([]model.PkgResult, error) {
	var out []model.PkgResult
	err := a.forEachApkDex(r, open, func(d dex.Dex) error {
		results, err := a.DetectDexLibraries(d)
		if err != nil {
			return err
		}
		out = append(out, results...)
		return nil
	})
	return out, err
}

// DetectExactApkLibraries is the exact-only counterpart to
// DetectApkLibraries.
func (a *Analyzer) DetectExactApkLibraries(r *zip.Reader, open func([]byte) (dex.Dex, error)) (map[string]string, error) {
	out := make(map[string]string)
	err := a.forEachApkDex(r, open, func(d dex.Dex) error {
		results, err := a.DetectExactDexLibraries(d)
		if err != nil {
			return err
		}
		for k, v := range results {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// AddDexToDatabase ingests a single DEX's qualifying observations (spec
// §4.6).
func (a *Analyzer) AddDexToDatabase(d dex.Dex) error {
	tree, database, t, err := a.buildTree(d)
	if err != nil {
		return err
	}
	return cluster.AddDexToDatabase(database, tree, t)
}

// RemoveDexFromDatabase is the symmetric inverse of AddDexToDatabase.
func (a *Analyzer) RemoveDexFromDatabase(d dex.Dex) error {
	tree, database, t, err := a.buildTree(d)
	if err != nil {
		return err
	}
	return cluster.RemoveDexFromDatabase(database, tree, t)
}

// AddApkToDatabase ingests every classes*.dex entry of an APK.
func (a *Analyzer) AddApkToDatabase(r *zip.Reader, open func([]byte) (dex.Dex, error)) error {
	return a.forEachApkDex(r, open, a.AddDexToDatabase)
}

// RemoveApkFromDatabase is the symmetric inverse of AddApkToDatabase.
func (a *Analyzer) RemoveApkFromDatabase(r *zip.Reader, open func([]byte) (dex.Dex, error)) error {
	return a.forEachApkDex(r, open, a.RemoveDexFromDatabase)
}

func (a *Analyzer) forEachApkDex(r *zip.Reader, open func([]byte) (dex.Dex, error), fn func(dex.Dex) error) error {
	entries := dex.EntriesInApk(r)
	for _, name := range entries {
		rc, err := dex.OpenApkEntry(r, name)
		if err != nil {
			return err
		}
		raw, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			return errors.Wrapf(readErr, "libdetect: reading %s", name)
		}
		d, err := open(raw)
		if err != nil {
			return errors.Wrapf(err, "libdetect: parsing %s", name)
		}
		if err := fn(d); err != nil {
			return errors.Wrapf(err, "libdetect: %s", name)
		}
	}
	return nil
}

// UpdateLibraryDatabase runs the distiller (spec §4.7) over the current
// database's accumulated observations.
func (a *Analyzer) UpdateLibraryDatabase() error {
	database, _, t, err := a.snapshot()
	if err != nil {
		return err
	}
	return cluster.Distill(database, t, a.logger)
}

// PreloadDatabase bulk-loads the libraries table into memory, per spec
// §5's preload contract.
func (a *Analyzer) PreloadDatabase() error {
	database, _, _, err := a.snapshot()
	if err != nil {
		return err
	}
	return database.Preload()
}

// DumpDatabase persists the configured database's state, where
// meaningful for the backend (spec §6).
func (a *Analyzer) DumpDatabase() error {
	database, _, _, err := a.snapshot()
	if err != nil {
		return err
	}
	return database.Dump()
}

// LoadDatabase replaces the configured database's state with whatever
// DumpDatabase last persisted, where meaningful for the backend.
func (a *Analyzer) LoadDatabase() error {
	database, _, _, err := a.snapshot()
	if err != nil {
		return err
	}
	return database.Load()
}

