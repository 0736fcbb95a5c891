package graph

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/tensors"
)

// Transform is a 1-input, 1-output symbolic function, the common case in differential tests.
type Transform func(*Node) *Node

// TransformN is the general N-inputs, M-outputs symbolic function.
type TransformN func([]*Node) []*Node

// DefaultExecMaxCacheSize is the default number of compiled programs an Exec holds, one per
// combination of input shapes.
const DefaultExecMaxCacheSize = 10

// Exec compiles and executes a transform for one engine, caching the compiled program per
// combination of input shapes: repeated calls at the same shapes build and compile only once.
//
// It is safe for concurrent use; each Call still runs as one blocking, sequential execution.
type Exec struct {
	backend backends.Backend
	name    string
	fn      TransformN

	mu sync.Mutex
	// cache in most-recently-used order, bounded by maxCacheSize.
	cache        []*execEntry
	maxCacheSize int
}

type execEntry struct {
	key      string
	compiled *Compiled
}

// NewExec creates an Exec for a 1-input, 1-output transform.
func NewExec(backend backends.Backend, name string, fn Transform) *Exec {
	return NewExecN(backend, name, func(inputs []*Node) []*Node {
		if len(inputs) != 1 {
			exceptions.Panicf("transform %q takes exactly 1 input, got %d", name, len(inputs))
		}
		return []*Node{fn(inputs[0])}
	})
}

// NewExecN creates an Exec for a general N-inputs, M-outputs transform.
func NewExecN(backend backends.Backend, name string, fn TransformN) *Exec {
	if backend == nil {
		exceptions.Panicf("NewExec %q: backend is nil", name)
	}
	return &Exec{
		backend:      backend,
		name:         name,
		fn:           fn,
		maxCacheSize: DefaultExecMaxCacheSize,
	}
}

// SetMaxCache changes the number of compiled programs kept. It returns the Exec, so calls can
// be chained after NewExec.
func (e *Exec) SetMaxCache(size int) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxCacheSize = size
	return e
}

// Name given at construction.
func (e *Exec) Name() string { return e.name }

// Call executes the transform on the given inputs, compiling it first if no cached program
// matches their shapes. Building, compilation and execution errors panic; use
// exceptions.TryCatch[error] to capture them.
func (e *Exec) Call(inputs ...*tensors.Tensor) []*tensors.Tensor {
	return e.compiledFor(inputs).Run(inputs...)
}

// CallTraced is Call, also returning the engine's execution trace.
func (e *Exec) CallTraced(inputs ...*tensors.Tensor) ([]*tensors.Tensor, *backends.ExecutionTrace) {
	return e.compiledFor(inputs).RunTraced(inputs...)
}

// compiledFor returns the cached compiled program for the inputs' shapes, building it on a
// cache miss.
func (e *Exec) compiledFor(inputs []*tensors.Tensor) *Compiled {
	var keyParts []string
	for _, input := range inputs {
		input.AssertValid()
		keyParts = append(keyParts, input.Shape().String())
	}
	key := strings.Join(keyParts, "|")

	e.mu.Lock()
	defer e.mu.Unlock()
	for ii, entry := range e.cache {
		if entry.key == key {
			if ii > 0 {
				// Move to the front of the MRU order.
				e.cache = slices.Delete(e.cache, ii, ii+1)
				e.cache = slices.Insert(e.cache, 0, entry)
			}
			return entry.compiled
		}
	}

	compiled := e.build(inputs)
	e.cache = slices.Insert(e.cache, 0, &execEntry{key: key, compiled: compiled})
	if len(e.cache) > e.maxCacheSize {
		evicted := e.cache[len(e.cache)-1]
		e.cache = e.cache[:len(e.cache)-1]
		evicted.compiled.Finalize()
	}
	return compiled
}

// build constructs and compiles the transform's graph for the inputs' shapes.
func (e *Exec) build(inputs []*tensors.Tensor) *Compiled {
	g := New(e.backend, e.name)
	params := make([]*Node, len(inputs))
	for ii, input := range inputs {
		params[ii] = g.Parameter(paramName(ii), input.Shape())
	}
	outputs := e.fn(params)
	if len(outputs) == 0 {
		exceptions.Panicf("transform %q returned no outputs", e.name)
	}
	return g.Compile(outputs...)
}

// paramName names the ii-th auto-created parameter.
func paramName(ii int) string {
	return "x" + strconv.Itoa(ii)
}

// Finalize frees all cached compiled programs. The Exec can still be used afterwards, it
// simply recompiles on the next Call.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.cache {
		entry.compiled.Finalize()
	}
	e.cache = nil
}
