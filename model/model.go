// Package model holds the small, dependency-free record types shared by
// pkgtree, the database abstraction, and the corpus clusterer/distiller.
package model

import "github.com/orangeapk/libdetect/fingerprint"

// PkgInfo is a package observation: a fingerprint paired with one of the
// candidate names it was seen under in a particular DEX, and the API
// weight it carried there. Produced by cluster.Observations from a built
// PackageTree, consumed by the database's AddPkgs/RemovePkgs.
type PkgInfo struct {
	Hash   fingerprint.Hash
	Name   string
	Weight int
}

// LibInfo is a library record: a fingerprint paired with the canonical
// library name it resolves to. Produced by the distiller, consumed by the
// matcher's exact-match query.
type LibInfo struct {
	Hash fingerprint.Hash
	Name string
}

// PkgResult is one reported detection: a package-in-DEX name, the library
// name it was matched to, and the match rate that earned the report
// (1.0 for a perfect fit).
type PkgResult struct {
	Hash       fingerprint.Hash
	Name       string
	LibName    string
	Similarity *float64
}

// Thresholds holds every tunable knob from spec §3.
type Thresholds struct {
	// LibMatchRate is the minimum fraction matched-weight/node-weight
	// required to report a partial match. Default 0.9.
	LibMatchRate float64
	// MinApiWeight is the minimum node weight considered during
	// ingestion. Default 3.
	MinApiWeight int
	// MinLibCount is the minimum observation count for a package to be
	// promoted into distillation. Default 5.
	MinLibCount int
	// PkgNameBlackList holds top-level prefixes too generic to be library
	// identifiers, e.g. "Lcom", "Lorg", "Lcn".
	PkgNameBlackList map[string]struct{}
}

// DefaultThresholds returns the thresholds recommended by spec §3.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LibMatchRate: 0.9,
		MinApiWeight: 3,
		MinLibCount:  5,
		PkgNameBlackList: map[string]struct{}{
			"Lcom": {},
			"Lorg": {},
			"Lcn":  {},
		},
	}
}

// Blacklisted reports whether name is in t.PkgNameBlackList.
func (t Thresholds) Blacklisted(name string) bool {
	_, ok := t.PkgNameBlackList[name]
	return ok
}
