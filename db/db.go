// Package db declares the Database abstraction libdetect's analyzer and
// corpus layers depend on, per the concurrency contract of spec §5:
// match_libs/GetPkgs are concurrent-safe reads, the mutating calls are
// atomic per batch, and readers never observe a half-applied batch.
//
// Two backends implement Database: dbstore/memstore (an in-process map
// pair with a flock-guarded three-file dump format) and
// dbstore/boltstore (an embedded transactional key-value store). Callers
// pick one at startup and never swap it mid-run.
package db

import (
	"github.com/orangeapk/libdetect/fingerprint"
	"github.com/orangeapk/libdetect/model"
)

// Database is the storage contract for the packages and libraries
// tables described in spec §3.
type Database interface {
	// MatchLibs returns every (hash, name) pair in the libraries table
	// whose hash appears in hashes. Safe for concurrent use alongside
	// any other MatchLibs call, and alongside in-flight writes (which
	// must appear atomically, never half-applied).
	MatchLibs(hashes []fingerprint.Hash) ([]model.LibInfo, error)

	// AddPkgs inserts or increments the observation count for each
	// PkgInfo's (hash, name, weight) triple. Applied as a single atomic
	// batch.
	AddPkgs(pkgs []model.PkgInfo) error

	// RemovePkgs decrements the observation count for each PkgInfo's
	// (hash, name, weight) triple, the inverse of AddPkgs, used when an
	// APK is replaced by a newer version of itself. Applied as a single
	// atomic batch.
	RemovePkgs(pkgs []model.PkgInfo) error

	// GetPkgs returns every (hash, name, weight, count) record whose
	// count is at least minCount, for the distiller's ingestion pass.
	GetPkgs(minCount int) ([]PkgRecord, error)

	// AddLibs inserts the given (hash, name) pairs into the libraries
	// table, applied as a single atomic batch. Existing (hash, name)
	// pairs are left as-is.
	AddLibs(libs []model.LibInfo) error

	// Preload bulk-loads the libraries table into memory so subsequent
	// MatchLibs calls are pure in-process lookups. Once called, callers
	// must not mix it with concurrent writes to the libraries table.
	Preload() error

	// Dump persists the current logical state, for backends where that
	// is meaningful. Backends for which dump/load is not meaningful
	// (e.g. a relational store) return ErrUnsupported.
	Dump() error

	// Load replaces the current logical state with whatever Dump last
	// persisted. See Dump.
	Load() error
}

// PkgRecord is one row of the packages table, as returned by GetPkgs.
type PkgRecord struct {
	Hash   fingerprint.Hash
	Name   string
	Weight int
	Count  int
}
