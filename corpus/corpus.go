// Package corpus supplements the core spec with the directory-ingestion
// driver a real deployment needs to run the clusterer over a tree of
// APKs/DEXes on disk, the way the reference implementation's corpus
// tooling walked a directory of samples at startup.
package corpus

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/cluster"
	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/model"
	"github.com/orangeapk/libdetect/pkgtree"
)

// DexOpener parses raw DEX bytes into a dex.Dex. Real deployments supply
// a DEX parser here; libdetect itself only defines the contract a parser
// must satisfy (see package dex).
type DexOpener func(raw []byte) (dex.Dex, error)

// WalkAndAdd walks root for *.dex and *.apk files and ingests each one
// into database via cluster.AddDexToDatabase, using allow to build each
// file's PackageTree. It returns the number of DEXes successfully
// ingested: one per loose .dex file and one per classes*.dex entry of an
// APK, including entries added before a later entry of the same APK
// failed. A file whose DEX fails to parse or whose tree is rejected
// (spec §7's fatal-for-the-DEX errors) is skipped with its error recorded
// in the returned slice rather than aborting the whole walk - ingestion
// is a batch workload where one bad sample should not lose the rest of
// the corpus.
func WalkAndAdd(root string, database db.Database, allow *allowlist.Allowlist, t model.Thresholds, open DexOpener) (ingested int, failures []error) {
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".dex":
				if err := addDexFile(path, database, allow, t, open); err != nil {
					failures = append(failures, errors.Wrapf(err, "corpus: %s", path))
					return nil
				}
				ingested++
			case ".apk":
				n, err := addApkFile(path, database, allow, t, open)
				ingested += n
				if err != nil {
					failures = append(failures, errors.Wrapf(err, "corpus: %s", path))
					return nil
				}
			}
			return nil
		},
	})
	if err != nil {
		failures = append(failures, errors.Wrapf(err, "corpus: walking %s", root))
	}
	return ingested, failures
}

func addDexFile(path string, database db.Database, allow *allowlist.Allowlist, t model.Thresholds, open DexOpener) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading dex file")
	}
	d, err := open(raw)
	if err != nil {
		return errors.Wrap(err, "parsing dex file")
	}
	tree, err := pkgtree.Build(d, allow)
	if err != nil {
		return errors.Wrap(err, "building package tree")
	}
	return cluster.AddDexToDatabase(database, tree, t)
}

func addApkFile(path string, database db.Database, allow *allowlist.Allowlist, t model.Thresholds, open DexOpener) (int, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, errors.Wrap(err, "opening apk")
	}
	defer r.Close()

	entries := dex.EntriesInApk(&r.Reader)
	ingested := 0
	for _, name := range entries {
		rc, err := dex.OpenApkEntry(&r.Reader, name)
		if err != nil {
			return ingested, err
		}
		raw, err := readAllAndClose(rc)
		if err != nil {
			return ingested, errors.Wrapf(err, "reading %s", name)
		}
		d, err := open(raw)
		if err != nil {
			return ingested, errors.Wrapf(err, "parsing %s", name)
		}
		tree, err := pkgtree.Build(d, allow)
		if err != nil {
			return ingested, errors.Wrapf(err, "building package tree for %s", name)
		}
		if err := cluster.AddDexToDatabase(database, tree, t); err != nil {
			return ingested, err
		}
		ingested++
	}
	return ingested, nil
}

func readAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
