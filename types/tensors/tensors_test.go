package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/fusediff/fusediff/types/shapes"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, tensor.Value())
	require.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromValueAndBack(t *testing.T) {
	{
		tensor := FromValue(float32(7))
		require.True(t, tensor.IsScalar())
		require.Equal(t, float32(7), tensor.Value())
		require.Equal(t, float32(7), ToScalar[float32](tensor))
	}
	{
		tensor := FromValue([][]float64{{1, 2}, {3, 4}, {5, 6}})
		require.Equal(t, shapes.Make(dtypes.Float64, 3, 2), tensor.Shape())
		require.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, tensor.Value())
	}
	{
		tensor := FromAnyValue([]int32{1, 2, 3})
		require.Equal(t, []int32{1, 2, 3}, tensor.Value())
		// FromAnyValue of a tensor is a no-op.
		require.Same(t, tensor, FromAnyValue(tensor))
	}
	{
		// Go int maps to the platform word size.
		tensor := FromValue([]int{1, 2, 3})
		require.Equal(t, 3, tensor.Size())
		require.Equal(t, []int64{1, 2, 3}, tensor.Value())
	}

	// Irregular sub-slices panic.
	require.Panics(t, func() { FromAnyValue([][]float32{{1, 2}, {3}}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2)
	require.Equal(t, [][]int8{{1, 2}, {3, 4}}, tensor.Value())
	require.Equal(t, []int8{1, 2, 3, 4}, CopyFlatData[int8](tensor))
	require.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })

	filled := FromScalarAndDimensions(float32(0.5), 6)
	require.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, filled.Value())
}

func TestFlatDataAccess(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 6)
	ConstFlatData(tensor, func(flat []float32) {
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
	})
	MutableFlatData(tensor, func(flat []float32) {
		flat[0] = -1
	})
	require.Equal(t, float32(-1), CopyFlatData[float32](tensor)[0])

	// Generic access with the wrong dtype panics.
	require.Panics(t, func() { ConstFlatData(tensor, func(flat []float64) {}) })

	AssignFlatData(tensor, []float32{6, 5, 4, 3, 2, 1})
	require.Equal(t, []float32{6, 5, 4, 3, 2, 1}, tensor.Value())
	require.Panics(t, func() { AssignFlatData(tensor, []float32{1, 2}) })
}

func TestCloneIsIndependent(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	clone := tensor.Clone()
	MutableFlatData(tensor, func(flat []float32) { flat[0] = 100 })
	require.Equal(t, []float32{1, 2, 3}, clone.Value())
	require.Equal(t, []float32{100, 2, 3}, tensor.Value())
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{1, 2, 3})
	require.True(t, a.Equal(b))
	require.True(t, a.Equal(a))

	MutableFlatData(b, func(flat []float32) { flat[2] = 3.00001 })
	require.False(t, a.Equal(b))
	require.True(t, a.InDelta(b, 1e-4))
	require.False(t, a.InDelta(b, 1e-7))
	require.InDelta(t, 1e-5, a.MaxAbsDiff(b), 1e-6)

	// Different shapes are never equal nor within delta.
	c := FromValue([][]float32{{1, 2, 3}})
	require.False(t, a.Equal(c))
	require.False(t, a.InDelta(c, 1e10))
}

func TestFloat16Conversions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(0.5), float16.Fromfloat32(-2)}, 2)
	require.Equal(t, dtypes.Float16, tensor.DType())
	values := tensor.Float64Values()
	require.InDelta(t, 0.5, values[0], 1e-3)
	require.InDelta(t, -2, values[1], 1e-3)

	other := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(0.5), float16.Fromfloat32(-2.001)}, 2)
	require.True(t, tensor.InDelta(other, 1e-2))
	require.False(t, tensor.InDelta(other, 1e-8))
}

func TestSummary(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2}, {3, 4}})
	require.Equal(t, "(Float32)[2 2]: [1 2 3 4]", tensor.Summary(8))
	require.Equal(t, "(Float32)[2 2]: [1 2 ...]", tensor.Summary(2))
	scalar := FromScalar(int32(3))
	require.Equal(t, "(Int32): 3", scalar.Summary(8))
}

func TestFinalize(t *testing.T) {
	tensor := FromValue([]float32{1})
	require.True(t, tensor.Ok())
	tensor.Finalize()
	require.False(t, tensor.Ok())
	require.Panics(t, func() { tensor.AssertValid() })
}
