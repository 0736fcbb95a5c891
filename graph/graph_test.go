package graph

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusediff/fusediff/backends/eager"
	"github.com/fusediff/fusediff/backends/fuser"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/fusediff/fusediff/types/tensors"
)

func sigmoid64(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func TestCompileAndRun(t *testing.T) {
	backend := eager.New("")
	g := New(backend, "add_sigmoid")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 3))
	out := Sigmoid(Add(x, x))
	require.Equal(t, shapes.Make(dtypes.Float32, 3), out.Shape())
	compiled := g.Compile(out)
	defer compiled.Finalize()

	input := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 2}, 3)
	results := compiled.Run(input)
	require.Len(t, results, 1)
	got := tensors.CopyFlatData[float32](results[0])
	for ii, v := range []float32{-1, 0, 2} {
		assert.InDelta(t, sigmoid64(float64(v+v)), float64(got[ii]), 1e-6)
	}

	// The input tensor is left untouched.
	assert.Equal(t, []float32{-1, 0, 2}, tensors.CopyFlatData[float32](input))
}

func TestConstAndConvert(t *testing.T) {
	backend := eager.New("")
	g := New(backend, "const_convert")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2))
	bias := g.Const(tensors.FromFlatDataAndDimensions([]float32{1, -1}, 2))
	out := ConvertDType(Add(x, bias), dtypes.Float64)
	require.Equal(t, dtypes.Float64, out.DType())
	compiled := g.Compile(out)
	defer compiled.Finalize()

	results := compiled.Run(tensors.FromFlatDataAndDimensions([]float32{0.5, 0.5}, 2))
	got := tensors.CopyFlatData[float64](results[0])
	assert.InDelta(t, 1.5, got[0], 1e-6)
	assert.InDelta(t, -0.5, got[1], 1e-6)
}

func TestRunTraced(t *testing.T) {
	backend := fuser.New("")
	g := New(backend, "traced")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	out := SigmoidInPlace(Add(x, x))
	compiled := g.Compile(out)
	defer compiled.Finalize()

	input := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1, 2}, 4)
	results, trace := compiled.RunTraced(input)
	require.Len(t, results, 1)
	require.NotNil(t, trace)
	assert.Equal(t, []string{"add", "sigmoid_"}, trace.OpNames())
	assert.Equal(t, []string{"add", "sigmoid_"}, trace.FusedOpNames())
}

func TestBuildingPanics(t *testing.T) {
	backend := eager.New("")
	g := New(backend, "panics")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2))

	// Nodes cannot be mixed across graphs.
	other := New(backend, "other")
	y := other.Parameter("y", shapes.Make(dtypes.Float32, 2))
	require.Panics(t, func() { Add(x, y) })

	// Incompatible shapes are rejected at build time.
	z := g.Parameter("z", shapes.Make(dtypes.Float32, 3))
	require.Panics(t, func() { Add(x, z) })

	// Float-only ops reject integer dtypes.
	n := g.Parameter("n", shapes.Make(dtypes.Int32, 2))
	require.Panics(t, func() { Sigmoid(n) })

	// After compiling, the graph is frozen.
	compiled := g.Compile(x)
	defer compiled.Finalize()
	require.Panics(t, func() { Neg(x) })

	// Run checks arity and shapes.
	require.Panics(t, func() { compiled.Run() })
	require.Panics(t, func() {
		compiled.Run(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
	})
}

func TestExecCaching(t *testing.T) {
	backend := fuser.New("")
	exec := NewExec(backend, "relu", func(x *Node) *Node {
		zero := x.Graph().Const(tensors.FromScalar(float32(0)))
		return Max(x, zero)
	}).SetMaxCache(2)
	defer exec.Finalize()

	run := func(flat []float32) []float32 {
		out := exec.Call(tensors.FromFlatDataAndDimensions(flat, len(flat)))
		return tensors.CopyFlatData[float32](out[0])
	}
	assert.Equal(t, []float32{0, 1}, run([]float32{-1, 1}))
	require.Len(t, exec.cache, 1)

	// Same shape reuses the compiled program.
	assert.Equal(t, []float32{2, 0}, run([]float32{2, -2}))
	require.Len(t, exec.cache, 1)

	// A new shape compiles a new program and moves to the front.
	assert.Equal(t, []float32{0, 0, 3}, run([]float32{-1, -2, 3}))
	require.Len(t, exec.cache, 2)
	assert.Equal(t, "(Float32)[3]", exec.cache[0].key)

	// A third shape evicts the least recently used program.
	assert.Equal(t, []float32{5}, run([]float32{5}))
	require.Len(t, exec.cache, 2)
	for _, entry := range exec.cache {
		assert.NotEqual(t, "(Float32)[2]", entry.key)
	}
}

func TestExecTraced(t *testing.T) {
	backend := fuser.New("")
	exec := NewExec(backend, "add_sigmoid", func(x *Node) *Node {
		return Sigmoid(Add(x, x))
	})
	defer exec.Finalize()

	outputs, trace := exec.CallTraced(tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2))
	require.Len(t, outputs, 1)
	assert.Equal(t, []string{"add", "sigmoid"}, trace.FusedOpNames())
	assert.Equal(t, fuser.BackendName, trace.Backend)
}

func TestExecMultiInput(t *testing.T) {
	backend := eager.New("")
	exec := NewExecN(backend, "scaled_diff", func(inputs []*Node) []*Node {
		diff := Sub(inputs[0], inputs[1])
		return []*Node{diff, Abs(diff)}
	})
	defer exec.Finalize()

	a := tensors.FromFlatDataAndDimensions([]float32{3, 1}, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{1, 4}, 2)
	outputs := exec.Call(a, b)
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{2, -3}, tensors.CopyFlatData[float32](outputs[0]))
	assert.Equal(t, []float32{2, 3}, tensors.CopyFlatData[float32](outputs[1]))
}
