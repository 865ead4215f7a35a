// Package fingerprint computes the deterministic digests used throughout
// libdetect to identify classes and packages independent of naming.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/pkg/errors"
)

// Size is the length in bytes of a Hash. sha256 was chosen as the fixed
// digest for this deployment; spec requires any ≥160-bit algorithm be held
// constant, since mixing algorithms within one deployment invalidates the
// library database.
const Size = sha256.Size

// Hash is an opaque fingerprint over a sorted set of byte strings.
type Hash [Size]byte

// String renders h as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Zero reports whether h is the zero-value hash.
func (h Hash) Zero() bool {
	return h == Hash{}
}

// ParseHash parses the hex encoding produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrapf(err, "cannot parse hash %q", s)
	}
	if len(b) != Size {
		return h, errors.Errorf("hash %q has %d bytes, want %d", s, len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Digest sorts a defensive copy of items by raw byte ordering, then feeds
// each one into a running sha256, separating them with a NUL byte so that,
// e.g., {"ab", "c"} and {"a", "bc"} cannot collide on the boundary.
//
// items is never mutated.
func Digest(items [][]byte) Hash {
	sorted := make([][]byte, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	h := sha256.New()
	for _, item := range sorted {
		h.Write(item)
		h.Write([]byte{0})
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DigestStrings is a convenience wrapper around Digest for string inputs,
// used for the class-level fingerprint (sorted distinct API signatures).
// Package-level fingerprints use DigestHashes instead.
func DigestStrings(items []string) Hash {
	b := make([][]byte, len(items))
	for i, s := range items {
		b[i] = []byte(s)
	}
	return Digest(b)
}

// DigestHashes computes a package-level fingerprint over the sorted list of
// child hashes, per spec: "digest of the sorted list of child fingerprints".
func DigestHashes(children []Hash) Hash {
	b := make([][]byte, len(children))
	for i, c := range children {
		b[i] = c[:]
	}
	return Digest(b)
}
