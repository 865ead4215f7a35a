// Package cluster implements the two-stage corpus pipeline of spec §4.6
// and §4.7: per-DEX ingestion into the packages table, and the batch
// distiller that turns accumulated observations into canonical library
// records.
package cluster

import (
	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/model"
	"github.com/orangeapk/libdetect/pkgtree"
)

// Observations walks tree and returns one PkgInfo per internal node that
// passes every ingestion filter of spec §4.6: weight at least
// MinApiWeight, a name longer than "L" plus one letter (a symptom of
// aggressive obfuscation), and a name not in the blacklist. Classes
// (leaves) are never observed - only packages are candidate library
// identifiers.
func Observations(tree *pkgtree.PackageTree, t model.Thresholds) []model.PkgInfo {
	var out []model.PkgInfo
	for _, n := range tree.Nodes() {
		if n.IsLeaf() {
			continue
		}
		name := string(n.Name())
		if n.Weight() < t.MinApiWeight {
			continue
		}
		if len(name) <= 2 {
			continue
		}
		if t.Blacklisted(name) {
			continue
		}
		out = append(out, model.PkgInfo{Hash: n.Hash(), Name: name, Weight: n.Weight()})
	}
	return out
}

// AddDexToDatabase ingests tree's qualifying observations into database,
// per spec §4.6 ("insert-or-increment-count").
func AddDexToDatabase(database db.Database, tree *pkgtree.PackageTree, t model.Thresholds) error {
	obs := Observations(tree, t)
	if len(obs) == 0 {
		return nil
	}
	return database.AddPkgs(obs)
}

// RemoveDexFromDatabase is the symmetric inverse of AddDexToDatabase, for
// replacing an older version of the same APK's observations.
func RemoveDexFromDatabase(database db.Database, tree *pkgtree.PackageTree, t model.Thresholds) error {
	obs := Observations(tree, t)
	if len(obs) == 0 {
		return nil
	}
	return database.RemovePkgs(obs)
}
