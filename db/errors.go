package db

import "github.com/pkg/errors"

// ErrUnsupported is returned by Dump/Load/Preload on a backend for which
// the operation is not meaningful (spec §7's "unsupported operation"
// error kind), e.g. Dump/Load on a transactional backend. Backends
// document which of these they return it for.
var ErrUnsupported = errors.New("db: operation not supported by this backend")
