// Package dex declares the external-collaborator contract that a DEX parser
// must satisfy to feed libdetect's PackageTree construction, and the
// APK-container enumeration logic that walks numbered classes*.dex entries.
//
// Parsing the DEX bytecode format itself, and any zip/container handling
// beyond enumerating the classes*.dex entries it holds, are assumed
// available elsewhere; this package only defines the shapes libdetect
// consumes.
package dex

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Class is a single class defined in a DEX file.
type Class interface {
	// Name returns the class's descriptor-syntax name, e.g. "Lcom/a/B;".
	Name() string
	// Methods iterates the methods declared on this class.
	Methods() []Method
}

// Method is a single method belonging to a Class.
type Method interface {
	// InvokedMethods returns the signatures of every method this method
	// invokes, in DEX descriptor form, duplicates allowed.
	InvokedMethods() []string
}

// Dex is a parsed DEX file, exposing the classes it defines.
type Dex interface {
	Classes() []Class
}

// File is a concrete, in-memory Dex built directly from already-parsed
// classes. Real DEX parsers should return a type satisfying Dex directly;
// File exists so tests and small tools can construct fixtures without a
// parser.
type File struct {
	classes []Class
}

// NewFile wraps a fixed slice of classes as a Dex.
func NewFile(classes []Class) *File {
	return &File{classes: classes}
}

// Classes implements Dex.
func (f *File) Classes() []Class {
	return f.classes
}

// EntriesInApk returns the ordered list of classes*.dex entry names present
// in an APK (itself a zip archive), per the spec's enumeration rule:
// classes.dex, classes2.dex, classes3.dex, … in order, stopping at the
// first missing numbered entry.
func EntriesInApk(r *zip.Reader) []string {
	present := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		present[f.Name] = f
	}

	var names []string
	if _, ok := present["classes.dex"]; !ok {
		return names
	}
	names = append(names, "classes.dex")
	for i := 2; ; i++ {
		name := fmt.Sprintf("classes%d.dex", i)
		if _, ok := present[name]; !ok {
			break
		}
		names = append(names, name)
	}
	return names
}

// OpenApkEntry opens one of the names returned by EntriesInApk for reading.
func OpenApkEntry(r *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			return rc, errors.Wrapf(err, "cannot open %s", name)
		}
	}
	return nil, errors.Errorf("entry %s not found in apk", name)
}
