package eager

import (
	"math"
	"testing"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var backend = New("").(*Backend)

// mustBuffer creates a device buffer from a flat slice and dimensions.
func mustBuffer(t *testing.T, flat any, dtype dtypes.DType, dims ...int) backends.Buffer {
	buf, err := backend.BufferFromFlatData(0, flat, shapes.Make(dtype, dims...))
	require.NoError(t, err)
	return buf
}

// flatF32 reads back the flat float32 data of a buffer.
func flatF32(t *testing.T, buf backends.Buffer) []float32 {
	shape, err := backend.BufferShape(buf)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, shape.DType)
	flat := make([]float32, shape.Size())
	require.NoError(t, backend.BufferToFlatData(buf, flat))
	return flat
}

func TestBackendRegistration(t *testing.T) {
	b := backends.NewWithConfig(BackendName)
	require.Equal(t, BackendName, b.Name())
	require.Equal(t, backends.DeviceNum(1), b.NumDevices())
	assert.True(t, b.Capabilities().Supports(backends.OpTypeSigmoid))
	assert.True(t, b.Capabilities().SupportsDType(dtypes.Float16))
}

func TestBuilderValidation(t *testing.T) {
	builder := backend.Builder("validation")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)

	// Unsupported dtype.
	_, err = builder.Parameter("b", shapes.Make(dtypes.Bool, 2))
	require.Error(t, err)

	// Ops from a different builder are rejected.
	other := backend.Builder("other")
	y, err := other.Parameter("y", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	_, err = builder.Add(x, y)
	require.Error(t, err)

	// Compile requires outputs, and unique ones.
	_, err = builder.Compile()
	require.Error(t, err)
	_, err = builder.Compile(x, x)
	require.Error(t, err)

	// Constant size must match the dimensions.
	_, err = builder.Constant([]float32{1, 2, 3}, 2)
	require.Error(t, err)
	_, err = builder.Constant(float32(1))
	require.Error(t, err)

	// After a successful compile the builder is frozen.
	exec, err := builder.Compile(x)
	require.NoError(t, err)
	_, err = builder.Neg(x)
	require.Error(t, err)
	exec.Finalize()
}

func TestExecuteAddSigmoid(t *testing.T) {
	builder := backend.Builder("add_sigmoid")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 3))
	require.NoError(t, err)
	one, err := builder.Constant([]float32{1, 1, 1}, 3)
	require.NoError(t, err)
	sum, err := builder.Add(x, one)
	require.NoError(t, err)
	out, err := builder.Sigmoid(sum)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	names, inputShapes := exec.Inputs()
	require.Equal(t, []string{"x"}, names)
	require.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 3)}, inputShapes)
	require.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 3)}, exec.Outputs())

	inputFlat := []float32{-1, 0, 1}
	input := mustBuffer(t, inputFlat, dtypes.Float32, 3)
	outputs := exec.Execute(input)
	require.Len(t, outputs, 1)
	got := flatF32(t, outputs[0])
	for ii, x := range inputFlat {
		want := float32(1.0 / (1.0 + math.Exp(-float64(x+1))))
		assert.Equal(t, want, got[ii])
	}

	// The caller's input buffer is never touched by the execution.
	assert.Equal(t, []float32{-1, 0, 1}, flatF32(t, input))
}

func TestExecuteTraced(t *testing.T) {
	builder := backend.Builder("traced")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	sum, err := builder.Add(x, x)
	require.NoError(t, err)
	out, err := builder.Sigmoid(sum)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	input := mustBuffer(t, []float32{0, 1}, dtypes.Float32, 2)
	outputs, trace := exec.(backends.Tracing).ExecuteTraced(input)
	require.Len(t, outputs, 1)
	require.NotNil(t, trace)
	require.Equal(t, BackendName, trace.Backend)

	// One standalone segment per operator; parameters are not operators.
	require.Equal(t, []string{"add", "sigmoid"}, trace.OpNames())
	assert.Empty(t, trace.FusedOpNames())
	assert.Equal(t, 2, trace.NumSegments())
	for ii, record := range trace.Records {
		assert.False(t, record.Fused)
		assert.Equal(t, ii, record.Segment)
	}
}

func TestInPlaceTraceName(t *testing.T) {
	builder := backend.Builder("in_place")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	sum, err := builder.Add(x, x)
	require.NoError(t, err)
	out, err := builder.SigmoidInPlace(sum)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	inputFlat := []float32{-2, -1, 1, 2}
	input := mustBuffer(t, inputFlat, dtypes.Float32, 4)
	outputs, trace := exec.(backends.Tracing).ExecuteTraced(input)
	require.Equal(t, []string{"add", "sigmoid_"}, trace.OpNames())

	got := flatF32(t, outputs[0])
	for ii, x := range inputFlat {
		want := float32(1.0 / (1.0 + math.Exp(-float64(x+x))))
		assert.Equal(t, want, got[ii])
	}

	// In-place only ever overwrites internal temporaries: the caller's buffer is intact.
	assert.Equal(t, []float32{-2, -1, 1, 2}, flatF32(t, input))
}

func TestInPlaceExclusiveOperand(t *testing.T) {
	builder := backend.Builder("in_place_shared")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	sum, err := builder.Add(x, x)
	require.NoError(t, err)
	sig, err := builder.SigmoidInPlace(sum)
	require.NoError(t, err)
	// sum is read again after the in-place op took over its storage.
	reused, err := builder.Mul(sum, sig)
	require.NoError(t, err)
	_, err = builder.Compile(reused)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-place")
}

func TestExecuteBroadcast(t *testing.T) {
	builder := backend.Builder("broadcast")
	lhs, err := builder.Parameter("lhs", shapes.Make(dtypes.Float32, 3, 1))
	require.NoError(t, err)
	rhs, err := builder.Parameter("rhs", shapes.Make(dtypes.Float32, 1, 2))
	require.NoError(t, err)
	out, err := builder.Add(lhs, rhs)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	lhsBuf := mustBuffer(t, []float32{-1, 2, 5}, dtypes.Float32, 3, 1)
	rhsBuf := mustBuffer(t, []float32{10, 100}, dtypes.Float32, 1, 2)
	outputs := exec.Execute(lhsBuf, rhsBuf)
	assert.Equal(t, []float32{9, 99, 12, 102, 15, 105}, flatF32(t, outputs[0]))

	shape, err := backend.BufferShape(outputs[0])
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float32, 3, 2), shape)
}

func TestExecuteConvert(t *testing.T) {
	builder := backend.Builder("convert")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	out, err := builder.ConvertDType(x, dtypes.Float16)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	input := mustBuffer(t, []float32{0.5, 3.14}, dtypes.Float32, 2)
	outputs, trace := exec.(backends.Tracing).ExecuteTraced(input)
	require.Equal(t, []string{"convert"}, trace.OpNames())

	shape, err := backend.BufferShape(outputs[0])
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, shape.DType)
	got := make([]float16.Float16, 2)
	require.NoError(t, backend.BufferToFlatData(outputs[0], got))
	assert.Equal(t, float16.Fromfloat32(0.5), got[0])
	assert.Equal(t, float16.Fromfloat32(3.14), got[1])
}

func TestExecuteDiamondReuse(t *testing.T) {
	// sum is read twice, so its buffer cannot be taken over by the first reader.
	builder := backend.Builder("diamond")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	sum, err := builder.Add(x, x)
	require.NoError(t, err)
	neg, err := builder.Neg(sum)
	require.NoError(t, err)
	out, err := builder.Mul(sum, neg)
	require.NoError(t, err)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	input := mustBuffer(t, []float32{1, 3}, dtypes.Float32, 2)
	outputs := exec.Execute(input)
	assert.Equal(t, []float32{-4, -36}, flatF32(t, outputs[0]))
}

func TestExecuteMultipleOutputs(t *testing.T) {
	builder := backend.Builder("multi_outputs")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	neg, err := builder.Neg(x)
	require.NoError(t, err)
	abs, err := builder.Abs(neg)
	require.NoError(t, err)
	exec, err := builder.Compile(neg, abs)
	require.NoError(t, err)
	defer exec.Finalize()

	input := mustBuffer(t, []float32{-1, 2}, dtypes.Float32, 2)
	outputs := exec.Execute(input)
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{1, -2}, flatF32(t, outputs[0]))
	assert.Equal(t, []float32{1, 2}, flatF32(t, outputs[1]))
}

func TestExecutePanics(t *testing.T) {
	builder := backend.Builder("panics")
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	exec, err := builder.Compile(x)
	require.NoError(t, err)

	// Wrong number of inputs.
	require.Panics(t, func() { exec.Execute() })

	// Wrong input shape.
	badInput := mustBuffer(t, []float32{1, 2, 3}, dtypes.Float32, 3)
	require.Panics(t, func() { exec.Execute(badInput) })

	// Finalized executables refuse to run.
	goodInput := mustBuffer(t, []float32{1, 2}, dtypes.Float32, 2)
	exec.Finalize()
	require.Panics(t, func() { exec.Execute(goodInput) })
}

func TestBufferInterface(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 2)
	buf, flat, err := backend.NewSharedBuffer(0, shape)
	require.NoError(t, err)
	flatRef := flat.([]float32)
	copy(flatRef, []float32{1, 2, 3, 4})

	gotShape, err := backend.BufferShape(buf)
	require.NoError(t, err)
	assert.Equal(t, shape, gotShape)

	deviceNum, err := backend.BufferDeviceNum(buf)
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(0), deviceNum)

	data, err := backend.BufferData(buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, data.([]float32))

	require.NoError(t, backend.BufferFinalize(buf))
	// Double finalize is reported.
	require.Error(t, backend.BufferFinalize(buf))

	// Only buffers of this engine are accepted.
	_, err = backend.BufferShape("not a buffer")
	require.Error(t, err)

	// Non-zero devices are rejected.
	_, err = backend.BufferFromFlatData(1, []float32{1}, shapes.Make(dtypes.Float32))
	require.Error(t, err)

	// Mismatched flat size is rejected.
	_, err = backend.BufferFromFlatData(0, []float32{1, 2}, shapes.Make(dtypes.Float32, 3))
	require.Error(t, err)
}
