// Package backends defines the interface an execution engine needs to implement to build and run
// transform computations for FuseDiff.
//
// Two engines ship with FuseDiff: "eager" (github.com/fusediff/fusediff/backends/eager) interprets the
// computation node by node and serves as the reference path; "fuser" (github.com/fusediff/fusediff/backends/fuser)
// lowers the computation into fused segments before running it. Both also implement the Tracing
// interface, recording the per-operator execution trace that the difftest package compares.
//
// An engine that doesn't implement every operation can simply return a "not implemented" error for any op, and
// it would still work for computations that don't require those operations.
//
// To simplify error handling, execution functions are expected to throw (panic) with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, or should execute a computation.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
//
// The engines included with FuseDiff run on the host CPU and expose a single device, 0.
type DeviceNum int

// Backend is the API that needs to be implemented by a FuseDiff execution engine.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "eager" for the reference interpreter.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Capabilities returns what the backend supports: the set of operations and data types.
	Capabilities() Capabilities

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from the engine.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
// It panics (see github.com/gomlx/exceptions) if the configuration string is invalid.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// FUSEDIFF_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "fuser") and
// "<backend_configuration>" is backend specific (e.g.: for the fuser backend, a comma-separated
// list of lowering options).
const FUSEDIFF_BACKEND = "FUSEDIFF_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment FUSEDIFF_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(FUSEDIFF_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "eager" or "fuser") and
// "<backend_configuration>" is backend specific (e.g.: for the fuser backend, a comma-separated
// list of lowering options like "fp16,budget=1MB"). A config without a colon is taken as just
// the backend name, with an empty configuration.
//
// It panics if the backend is not registered or if the configuration is invalid.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for FuseDiff -- maybe import the default ones with import _ "github.com/fusediff/fusediff/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
