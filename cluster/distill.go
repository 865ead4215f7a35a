package cluster

import (
	"sort"
	"strings"

	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/fingerprint"
	libdetectlog "github.com/orangeapk/libdetect/log"
	"github.com/orangeapk/libdetect/model"
)

// Distill runs spec §4.7's update_library_database: read every packages
// row with count at least t.MinLibCount, group by hash, keep only the
// "best" names per group under nameBetter, and insert the survivors into
// the libraries table.
func Distill(database db.Database, t model.Thresholds, logger *libdetectlog.Logger) error {
	recs, err := database.GetPkgs(t.MinLibCount)
	if err != nil {
		return err
	}

	byHash := make(map[fingerprint.Hash][]string)
	order := make([]fingerprint.Hash, 0)
	for _, r := range recs {
		if _, ok := byHash[r.Hash]; !ok {
			order = append(order, r.Hash)
		}
		byHash[r.Hash] = append(byHash[r.Hash], r.Name)
	}

	var libs []model.LibInfo
	for _, h := range order {
		names := dedupe(byHash[h])
		survivors := filterBest(names)
		for _, name := range survivors {
			libs = append(libs, model.LibInfo{Hash: h, Name: name})
		}
		if logger != nil && len(names) > 1 {
			logger.LogInfofln("distill: %d candidate name(s) for one fingerprint, kept %d", len(names), len(survivors))
		}
	}
	if len(libs) == 0 {
		return nil
	}
	return database.AddLibs(libs)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// filterBest applies the dominance relation nameBetter across a group of
// candidate names sharing one fingerprint, keeping the undominated
// survivors.
//
// Per the design note in spec §9, whether a name is dominated is computed
// once over the original set before anything is removed - filtering
// strictly before removing. Computing removal by mutating the working
// set while still comparing against it would make the surviving set
// depend on comparison order (a name removed early can no longer
// eliminate a later name it would otherwise have dominated). Computing
// the full set of "is dominated by something" flags first, then removing
// in a second pass, keeps the result independent of iteration order.
func filterBest(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	dominated := make([]bool, len(sorted))
	for i := range sorted {
		for j := range sorted {
			if i == j {
				continue
			}
			if nameBetter(sorted[j], sorted[i]) {
				dominated[i] = true
				break
			}
		}
	}

	var survivors []string
	for i, name := range sorted {
		if !dominated[i] {
			survivors = append(survivors, name)
		}
	}
	return survivors
}

// nameBetter reports whether a strictly dominates b as a canonical
// library identifier, per spec §4.7's Rules O/D/P. The two never dominate
// each other simultaneously, and a name never dominates itself.
func nameBetter(a, b string) bool {
	if a == b {
		return false
	}
	segA := reverseSegments(a)
	segB := reverseSegments(b)

	maxA := maxSegmentLen(segA)
	maxB := maxSegmentLen(segB)

	// Rule O: obfuscation. A name with any segment longer than a single
	// character beats one whose every segment is obfuscated down to one
	// character.
	if maxA > 1 && maxB <= 1 {
		return true
	}
	if maxA <= 1 && maxB > 1 {
		return false
	}

	// Rule D: depth. Fewer path segments is better.
	if len(segA) > len(segB) {
		return false
	}

	// Rule P: partial obfuscation, compared right-to-left (segA/segB are
	// already reversed). a wins a differing position only where b's
	// segment is a single character and a's is not.
	for i := 0; i < len(segA); i++ {
		if i >= len(segB) {
			break
		}
		if segA[i] == segB[i] {
			continue
		}
		if len(segB[i]) == 1 && len(segA[i]) > 1 {
			continue
		}
		return false
	}
	return true
}

// reverseSegments splits name on "/" and returns its segments right to
// left. The leading "L" marker is stripped from the whole name first -
// it is DEX descriptor syntax, not part of the first path segment, and
// leaving it attached would make every name's first segment look
// artificially un-obfuscated (e.g. "La" reads as 2 characters where the
// real, possibly-obfuscated identifier is the single character "a").
func reverseSegments(name string) []string {
	parts := strings.Split(strings.TrimPrefix(name, "L"), "/")
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = parts[len(parts)-1-i]
	}
	return out
}

func maxSegmentLen(segments []string) int {
	longest := 0
	for _, s := range segments {
		if len(s) > longest {
			longest = len(s)
		}
	}
	return longest
}
