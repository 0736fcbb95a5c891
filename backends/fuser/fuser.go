// Package fuser implements the lowered engine for FuseDiff.
//
// At compile time it partitions the computation into segments: maximal chains of eligible
// elementwise operators become fused segments, executed as a single pass over the data with
// intermediate values kept in float64 and rounded only at explicit dtype boundaries; every
// other operator becomes a standalone fallback segment, executed with the same per-operator
// kernels the eager engine uses.
//
// Because a fused chain rounds once where the eager engine rounds after every operator, the
// two engines produce slightly different floating-point results for the same computation.
// That divergence is the object under test in differential comparisons: it must stay within
// tolerance, and the fused operators must show up in the execution trace.
//
// The engine is configured through its constructor string -- see ParseConfig. Options select
// float16 lowering, restrict which operators may fuse, cap live buffer memory, or forbid
// fallback execution altogether.
package fuser

import (
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
)

// BackendName to be used in FUSEDIFF_BACKEND to select this engine.
const BackendName = "fuser"

// Registers New() as the constructor for the "fuser" engine.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new fuser Backend from a configuration string -- see ParseConfig for the
// format. It panics on invalid configurations; the error can be captured with
// exceptions.TryCatch[error].
func New(config string) backends.Backend {
	cfg, err := ParseConfig(config)
	if err != nil {
		panic(errors.WithMessagef(err, "creating %q backend", BackendName))
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a new fuser Backend from an already-parsed Config.
func NewWithConfig(cfg Config) *Backend {
	workers := workerspool.New()
	if cfg.Parallelism > 0 {
		workers.SetMaxParallelism(cfg.Parallelism)
	} else if cfg.Parallelism < 0 {
		workers.SetMaxParallelism(0)
	}
	return &Backend{
		config:    cfg,
		workers:   workers,
		allocator: newAllocator(cfg.Budget),
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	config Config

	// workers shard large fused pipelines and fallback kernels.
	workers *workerspool.Pool

	// allocator accounts every live buffer against the configured budget.
	allocator *allocator
}

// Compile-time check that fuser.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns BackendName.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Fusing engine: lowers elementwise chains into fused segments"
}

// NumDevices returns the number of devices available: the fuser engine runs on the host only.
func (b *Backend) NumDevices() backends.DeviceNum {
	return 1
}

// Capabilities returns information about what is supported by this engine. The configuration
// does not change it: operators excluded from lowering still execute through fallback
// segments.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Config returns the configuration this Backend was built with.
func (b *Backend) Config() Config {
	return b.config
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return &Builder{
		backend: b,
		name:    name,
	}
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}
