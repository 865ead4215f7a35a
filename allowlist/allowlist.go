// Package allowlist holds the fixed set of framework API signatures treated
// as stable landmarks when fingerprinting a package's invoked methods.
package allowlist

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Allowlist is a read-only set of method signatures, injected at startup and
// shared by every PackageTree built during the lifetime of the process.
type Allowlist struct {
	apis map[string]struct{}
}

// New builds an Allowlist from an explicit slice of signatures, trimming
// blank entries.
func New(signatures []string) *Allowlist {
	a := &Allowlist{apis: make(map[string]struct{}, len(signatures))}
	for _, s := range signatures {
		if s == "" {
			continue
		}
		a.apis[s] = struct{}{}
	}
	return a
}

// Load reads a newline-delimited list of API signatures from r, one per
// line, ignoring blank lines. This is the format of the bundled apis.txt
// resource.
func Load(r io.Reader) (*Allowlist, error) {
	a := &Allowlist{apis: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.apis[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read allowlist")
	}
	return a, nil
}

// LoadFile opens path and delegates to Load. A missing file is an error
// here: unlike the in-memory database's dump files, the allowlist is a
// required bundled resource, not recoverable empty state.
func LoadFile(path string) (*Allowlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open allowlist %q", path)
	}
	defer f.Close()
	return Load(f)
}

// Contains reports whether sig is a recognized landmark API.
func (a *Allowlist) Contains(sig string) bool {
	_, ok := a.apis[sig]
	return ok
}

// Len returns the number of distinct signatures in the allowlist.
func (a *Allowlist) Len() int {
	return len(a.apis)
}
