package backends

import "github.com/pkg/errors"

// ErrNotImplemented indicates an operation is not implemented for the given
// configuration (e.g. unsupported op or dtype for a backend). Backends wrap this
// error so callers can distinguish "not supported" from genuine bugs.
var ErrNotImplemented = errors.New("not implemented")

// ErrOutOfMemory indicates an engine exhausted its configured memory budget while
// lowering or executing a computation. Backends wrap this error with details of the
// allocation that failed.
var ErrOutOfMemory = errors.New("out of memory")
