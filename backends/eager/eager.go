// Package eager implements the per-operator reference engine for FuseDiff.
//
// It executes computations one node at a time, in graph order, with no fusion or rewriting
// of any kind: what the builder recorded is exactly what runs. Its traces contain one
// standalone segment per operator, and its numerics serve as the reference side of
// differential comparisons against lowered engines like fuser.
package eager

import (
	"sync"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
)

// BackendName to be used in FUSEDIFF_BACKEND to select this engine.
const BackendName = "eager"

// Registers New() as the constructor for the "eager" engine.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new eager Backend.
// The engine has no configuration options, the string is simply ignored.
func New(_ string) backends.Backend {
	return &Backend{
		workers: workerspool.New(),
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	// workers shard large elementwise kernels.
	workers *workerspool.Pool
}

// Compile-time check that eager.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns BackendName.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Eager per-operator reference engine"
}

// NumDevices returns the number of devices available: the eager engine runs on the host only.
func (b *Backend) NumDevices() backends.DeviceNum {
	return 1
}

// Capabilities returns information about what is supported by this engine.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
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
