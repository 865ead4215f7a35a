// Package memstore implements db.Database as a pair of in-process maps,
// persisted to the three-file dump format of spec §6 and guarded
// cross-process by a flock file lock the way the teacher guards its own
// on-disk caches, plus an in-process sync.RWMutex for the concurrency
// contract of spec §5.
package memstore

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	flock "github.com/theckman/go-flock"

	"github.com/pkg/errors"

	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/fingerprint"
	"github.com/orangeapk/libdetect/model"
)

type pkgKey struct {
	hash   fingerprint.Hash
	name   string
	weight int
}

// Store is an in-memory db.Database. The zero value is not usable; call
// New.
type Store struct {
	dir string

	mu       sync.RWMutex
	pkgs     map[pkgKey]int // count
	libs     map[fingerprint.Hash]map[string]struct{}
	lockFile *flock.Flock
}

// New returns an empty Store whose dump/load files live under dir (the
// current working directory is the conventional choice, per spec §6).
func New(dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{
		dir:      dir,
		pkgs:     make(map[pkgKey]int),
		libs:     make(map[fingerprint.Hash]map[string]struct{}),
		lockFile: flock.NewFlock(dir + "/.libdetect.lock"),
	}
}

func (s *Store) withLock(fn func() error) error {
	if err := s.lockFile.Lock(); err != nil {
		return errors.Wrap(err, "memstore: acquiring cross-process lock")
	}
	defer s.lockFile.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// MatchLibs implements db.Database.
func (s *Store) MatchLibs(hashes []fingerprint.Hash) ([]model.LibInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LibInfo
	for _, h := range hashes {
		names, ok := s.libs[h]
		if !ok {
			continue
		}
		for name := range names {
			out = append(out, model.LibInfo{Hash: h, Name: name})
		}
	}
	return out, nil
}

// AddPkgs implements db.Database.
func (s *Store) AddPkgs(pkgs []model.PkgInfo) error {
	return s.withLock(func() error {
		for _, p := range pkgs {
			k := pkgKey{hash: p.Hash, name: p.Name, weight: p.Weight}
			s.pkgs[k]++
		}
		return nil
	})
}

// RemovePkgs implements db.Database.
func (s *Store) RemovePkgs(pkgs []model.PkgInfo) error {
	return s.withLock(func() error {
		for _, p := range pkgs {
			k := pkgKey{hash: p.Hash, name: p.Name, weight: p.Weight}
			if s.pkgs[k] <= 1 {
				delete(s.pkgs, k)
				continue
			}
			s.pkgs[k]--
		}
		return nil
	})
}

// GetPkgs implements db.Database.
func (s *Store) GetPkgs(minCount int) ([]db.PkgRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []db.PkgRecord
	for k, count := range s.pkgs {
		if count < minCount {
			continue
		}
		out = append(out, db.PkgRecord{Hash: k.hash, Name: k.name, Weight: k.weight, Count: count})
	}
	return out, nil
}

// AddLibs implements db.Database.
func (s *Store) AddLibs(libs []model.LibInfo) error {
	return s.withLock(func() error {
		for _, l := range libs {
			names, ok := s.libs[l.Hash]
			if !ok {
				names = make(map[string]struct{})
				s.libs[l.Hash] = names
			}
			names[l.Name] = struct{}{}
		}
		return nil
	})
}

// Preload is a no-op for memstore: the whole libraries table already
// lives in memory, so there is nothing further to bulk-load.
func (s *Store) Preload() error { return nil }

func (s *Store) pkgsPath() string    { return s.dir + "/db_pkgs.txt" }
func (s *Store) libsPath() string    { return s.dir + "/db_libs.txt" }
func (s *Store) weightsPath() string { return s.dir + "/db_weights.txt" }

// Dump persists the current state to the three-file format of spec §6:
// db_pkgs.txt (hash, name, count), db_libs.txt (hash, name - sorted
// within each hash), db_weights.txt (hash, weight). Guarded by the same
// cross-process file lock as the mutating calls, so a concurrent Dump
// and AddPkgs can never interleave.
func (s *Store) Dump() error {
	return s.withLock(func() error {
		if err := s.dumpPkgs(); err != nil {
			return err
		}
		if err := s.dumpLibs(); err != nil {
			return err
		}
		return s.dumpWeights()
	})
}

func (s *Store) dumpPkgs() error {
	f, err := os.Create(s.pkgsPath())
	if err != nil {
		return errors.Wrap(err, "memstore: creating db_pkgs.txt")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for k, count := range s.pkgs {
		fmt.Fprintf(w, "%s %s %d\n", k.hash.String(), k.name, count)
	}
	return errors.Wrap(w.Flush(), "memstore: writing db_pkgs.txt")
}

func (s *Store) dumpLibs() error {
	f, err := os.Create(s.libsPath())
	if err != nil {
		return errors.Wrap(err, "memstore: creating db_libs.txt")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for h, names := range s.libs {
		sorted := make([]string, 0, len(names))
		for name := range names {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)
		for _, name := range sorted {
			fmt.Fprintf(w, "%s %s\n", h.String(), name)
		}
	}
	return errors.Wrap(w.Flush(), "memstore: writing db_libs.txt")
}

func (s *Store) dumpWeights() error {
	f, err := os.Create(s.weightsPath())
	if err != nil {
		return errors.Wrap(err, "memstore: creating db_weights.txt")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	seen := make(map[fingerprint.Hash]struct{})
	for k := range s.pkgs {
		if _, ok := seen[k.hash]; ok {
			continue
		}
		seen[k.hash] = struct{}{}
		fmt.Fprintf(w, "%s %d\n", k.hash.String(), k.weight)
	}
	return errors.Wrap(w.Flush(), "memstore: writing db_weights.txt")
}

// Load replaces the current state with whatever the three dump files
// hold. A missing file is treated as an empty table (recoverable, per
// spec §7); a malformed line is a fatal, loudly-reported error.
func (s *Store) Load() error {
	return s.withLock(func() error {
		pkgs, err := loadPkgs(s.pkgsPath())
		if err != nil {
			return err
		}
		libs, err := loadLibs(s.libsPath())
		if err != nil {
			return err
		}
		weights, err := loadWeights(s.weightsPath())
		if err != nil {
			return err
		}

		newPkgs := make(map[pkgKey]int, len(pkgs))
		for _, rec := range pkgs {
			weight := weights[rec.hash]
			newPkgs[pkgKey{hash: rec.hash, name: rec.name, weight: weight}] = rec.count
		}
		s.pkgs = newPkgs
		s.libs = libs
		return nil
	})
}

type pkgLine struct {
	hash  fingerprint.Hash
	name  string
	count int
}

func loadPkgs(path string) ([]pkgLine, error) {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]pkgLine, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, errors.Errorf("memstore: malformed db_pkgs.txt line %q", line)
		}
		h, err := fingerprint.ParseHash(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "memstore: malformed db_pkgs.txt line %q", line)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "memstore: malformed db_pkgs.txt line %q", line)
		}
		out = append(out, pkgLine{hash: h, name: fields[1], count: count})
	}
	return out, nil
}

func loadLibs(path string) (map[fingerprint.Hash]map[string]struct{}, error) {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return make(map[fingerprint.Hash]map[string]struct{}), nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[fingerprint.Hash]map[string]struct{})
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, errors.Errorf("memstore: malformed db_libs.txt line %q", line)
		}
		h, err := fingerprint.ParseHash(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "memstore: malformed db_libs.txt line %q", line)
		}
		names, ok := out[h]
		if !ok {
			names = make(map[string]struct{})
			out[h] = names
		}
		names[fields[1]] = struct{}{}
	}
	return out, nil
}

func loadWeights(path string) (map[fingerprint.Hash]int, error) {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return make(map[fingerprint.Hash]int), nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[fingerprint.Hash]int, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, errors.Errorf("memstore: malformed db_weights.txt line %q", line)
		}
		h, err := fingerprint.ParseHash(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "memstore: malformed db_weights.txt line %q", line)
		}
		weight, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "memstore: malformed db_weights.txt line %q", line)
		}
		out[h] = weight
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "memstore: reading %s", path)
	}
	return lines, nil
}
