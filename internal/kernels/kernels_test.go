package kernels

import (
	"math"
	"testing"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBroadcastIterator(t *testing.T) {
	S := func(dims ...int) shapes.Shape {
		return shapes.Make(dtypes.Float32, dims...)
	}

	// Simple [2, 3] shape broadcast simultaneously by 2 different operands.
	targetShape := S(2, 3)
	bi1 := newBroadcastIterator(S(2, 1), targetShape)
	bi2 := newBroadcastIterator(S(1, 3), targetShape)
	indices1 := make([]int, 0, targetShape.Size())
	indices2 := make([]int, 0, targetShape.Size())
	for range targetShape.Size() {
		indices1 = append(indices1, bi1.Next())
		indices2 = append(indices2, bi2.Next())
	}
	require.Equal(t, []int{0, 0, 0, 1, 1, 1}, indices1)
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, indices2)

	// Alternating broadcast axes.
	targetShape = S(3, 2, 4, 2)
	bi3 := newBroadcastIterator(S(3, 1, 4, 1), targetShape)
	indices3 := make([]int, 0, targetShape.Size())
	for range targetShape.Size() {
		indices3 = append(indices3, bi3.Next())
	}
	want3 := []int{
		0, 0, 1, 1, 2, 2, 3, 3,
		0, 0, 1, 1, 2, 2, 3, 3,
		4, 4, 5, 5, 6, 6, 7, 7,
		4, 4, 5, 5, 6, 6, 7, 7,
		8, 8, 9, 9, 10, 10, 11, 11,
		8, 8, 9, 9, 10, 10, 11, 11,
	}
	require.Equal(t, want3, indices3)
}

func TestUnary_Floats(t *testing.T) {
	// Float32: math ops are computed in float64 and rounded once.
	in := []float32{0, 1, -1, 0.5}
	out := make([]float32, len(in))
	require.NoError(t, Unary(backends.OpTypeSigmoid, dtypes.Float32, in, out, nil))
	for ii, x := range in {
		want := float32(1.0 / (1.0 + math.Exp(-float64(x))))
		assert.Equal(t, want, out[ii])
	}
	require.NoError(t, Unary(backends.OpTypeExp, dtypes.Float32, in, out, nil))
	assert.Equal(t, float32(1), out[0])
	assert.Equal(t, float32(math.E), out[1])

	// Float64 goes through math directly.
	in64 := []float64{4, 9}
	out64 := make([]float64, 2)
	require.NoError(t, Unary(backends.OpTypeSqrt, dtypes.Float64, in64, out64, nil))
	assert.Equal(t, []float64{2, 3}, out64)
	require.NoError(t, Unary(backends.OpTypeTanh, dtypes.Float64, []float64{0, 100}, out64, nil))
	assert.Equal(t, []float64{0, 1}, out64)

	// Sign preserves NaN and signed zeros.
	inSign := []float64{math.NaN(), math.Copysign(0, -1), 0, -3, 7}
	outSign := make([]float64, len(inSign))
	require.NoError(t, Unary(backends.OpTypeSign, dtypes.Float64, inSign, outSign, nil))
	assert.True(t, math.IsNaN(outSign[0]))
	assert.Equal(t, []float64{math.Copysign(0, -1), 0, -1, 1}, outSign[1:])
}

func TestUnary_F16AndBF16(t *testing.T) {
	// 16-bit floats round through float32 on every element.
	inF16 := []float16.Float16{float16.Fromfloat32(0), float16.Fromfloat32(2)}
	outF16 := make([]float16.Float16, 2)
	require.NoError(t, Unary(backends.OpTypeSigmoid, dtypes.Float16, inF16, outF16, nil))
	assert.Equal(t, float16.Fromfloat32(0.5), outF16[0])
	want := float16.Fromfloat32(float32(1.0 / (1.0 + math.Exp(-2.0))))
	assert.Equal(t, want, outF16[1])

	inBF16 := []bfloat16.BFloat16{bfloat16.FromFloat32(-3)}
	outBF16 := make([]bfloat16.BFloat16, 1)
	require.NoError(t, Unary(backends.OpTypeAbs, dtypes.BFloat16, inBF16, outBF16, nil))
	assert.Equal(t, bfloat16.FromFloat32(3), outBF16[0])
}

func TestUnary_Ints(t *testing.T) {
	in := []int32{-2, 0, 5}
	out := make([]int32, 3)
	require.NoError(t, Unary(backends.OpTypeNeg, dtypes.Int32, in, out, nil))
	assert.Equal(t, []int32{2, 0, -5}, out)
	require.NoError(t, Unary(backends.OpTypeAbs, dtypes.Int32, in, out, nil))
	assert.Equal(t, []int32{2, 0, 5}, out)
	require.NoError(t, Unary(backends.OpTypeSign, dtypes.Int32, in, out, nil))
	assert.Equal(t, []int32{-1, 0, 1}, out)

	// Uint8: Abs is the identity and Sign never returns -1.
	inU8 := []uint8{0, 7}
	outU8 := make([]uint8, 2)
	require.NoError(t, Unary(backends.OpTypeAbs, dtypes.Uint8, inU8, outU8, nil))
	assert.Equal(t, []uint8{0, 7}, outU8)
	require.NoError(t, Unary(backends.OpTypeSign, dtypes.Uint8, inU8, outU8, nil))
	assert.Equal(t, []uint8{0, 1}, outU8)

	// Float-only ops are rejected for integers.
	err := Unary(backends.OpTypeExp, dtypes.Int32, in, out, nil)
	require.Error(t, err)
}

func TestUnary_Errors(t *testing.T) {
	out := make([]float32, 1)
	err := Unary(backends.OpTypeAdd, dtypes.Float32, []float32{1}, out, nil)
	require.Error(t, err)
}

func TestBinary_EqualShapes(t *testing.T) {
	S := func(dims ...int) shapes.Shape {
		return shapes.Make(dtypes.Int32, dims...)
	}
	lhs := []int32{-1, 2, 3, 4}
	rhs := []int32{6, 3, 2, 1}
	out := make([]int32, 4)
	require.NoError(t, Binary(backends.OpTypeAdd, dtypes.Int32,
		lhs, rhs, out, S(2, 2), S(2, 2), S(2, 2), nil))
	assert.Equal(t, []int32{5, 5, 5, 5}, out)
	require.NoError(t, Binary(backends.OpTypeMax, dtypes.Int32,
		lhs, rhs, out, S(2, 2), S(2, 2), S(2, 2), nil))
	assert.Equal(t, []int32{6, 3, 3, 4}, out)
	require.NoError(t, Binary(backends.OpTypeMin, dtypes.Int32,
		lhs, rhs, out, S(2, 2), S(2, 2), S(2, 2), nil))
	assert.Equal(t, []int32{-1, 2, 2, 1}, out)
}

func TestBinary_ScalarOperands(t *testing.T) {
	S := func(dims ...int) shapes.Shape {
		return shapes.Make(dtypes.Float32, dims...)
	}

	// Scalar on the right side.
	lhs := []float32{1, 2, 3}
	out := make([]float32, 3)
	require.NoError(t, Binary(backends.OpTypeMul, dtypes.Float32,
		lhs, []float32{2}, out, S(3), S(), S(3), nil))
	assert.Equal(t, []float32{2, 4, 6}, out)

	// Scalar on the left side: order matters for Sub and Div.
	require.NoError(t, Binary(backends.OpTypeSub, dtypes.Float32,
		[]float32{10}, lhs, out, S(), S(3), S(3), nil))
	assert.Equal(t, []float32{9, 8, 7}, out)
	require.NoError(t, Binary(backends.OpTypeDiv, dtypes.Float32,
		[]float32{6}, lhs, out, S(), S(3), S(3), nil))
	assert.Equal(t, []float32{6, 3, 2}, out)
}

func TestBinary_Broadcast(t *testing.T) {
	S := func(dims ...int) shapes.Shape {
		return shapes.Make(dtypes.Int32, dims...)
	}

	// Broadcasting from both sides: [3, 1] x [1, 2] -> [3, 2].
	lhs := []int32{-1, 2, 5}
	rhs := []int32{10, 100}
	out := make([]int32, 6)
	require.NoError(t, Binary(backends.OpTypeAdd, dtypes.Int32,
		lhs, rhs, out, S(3, 1), S(1, 2), S(3, 2), nil))
	assert.Equal(t, []int32{9, 99, 12, 102, 15, 105}, out)
	require.NoError(t, Binary(backends.OpTypeMul, dtypes.Int32,
		lhs, rhs, out, S(3, 1), S(1, 2), S(3, 2), nil))
	assert.Equal(t, []int32{-10, -100, 20, 200, 50, 500}, out)
}

func TestBinary_F16(t *testing.T) {
	S := func(dims ...int) shapes.Shape {
		return shapes.Make(dtypes.Float16, dims...)
	}
	lhs := []float16.Float16{float16.Fromfloat32(7), float16.Fromfloat32(-1)}
	rhs := []float16.Float16{float16.Fromfloat32(11), float16.Fromfloat32(0.5)}
	out := make([]float16.Float16, 2)
	require.NoError(t, Binary(backends.OpTypeAdd, dtypes.Float16,
		lhs, rhs, out, S(2), S(2), S(2), nil))
	assert.Equal(t, float16.Fromfloat32(18), out[0])
	assert.Equal(t, float16.Fromfloat32(-0.5), out[1])
}

func TestBinary_Errors(t *testing.T) {
	S := shapes.Make(dtypes.Float32, 1)
	out := make([]float32, 1)
	err := Binary(backends.OpTypeExp, dtypes.Float32, []float32{1}, []float32{1}, out, S, S, S, nil)
	require.Error(t, err)
}

func TestConvert(t *testing.T) {
	// int32 -> float32
	outF32 := make([]float32, 2)
	require.NoError(t, Convert(dtypes.Int32, dtypes.Float32, []int32{42, -1}, outF32, nil))
	assert.Equal(t, []float32{42, -1}, outF32)

	// float32 -> bfloat16 rounds to the nearest representable value.
	outBF16 := make([]bfloat16.BFloat16, 1)
	require.NoError(t, Convert(dtypes.Float32, dtypes.BFloat16, []float32{3.14}, outBF16, nil))
	assert.Equal(t, bfloat16.FromFloat32(3.14), outBF16[0])

	// float16 -> int32 truncates.
	outI32 := make([]int32, 2)
	in16 := []float16.Float16{float16.Fromfloat32(7.8), float16.Fromfloat32(-2.5)}
	require.NoError(t, Convert(dtypes.Float16, dtypes.Int32, in16, outI32, nil))
	assert.Equal(t, []int32{7, -2}, outI32)

	// float64 -> float16
	outF16 := make([]float16.Float16, 1)
	require.NoError(t, Convert(dtypes.Float64, dtypes.Float16, []float64{0.5}, outF16, nil))
	assert.Equal(t, float16.Fromfloat32(0.5), outF16[0])

	// float16 -> bfloat16 goes through float32.
	require.NoError(t, Convert(dtypes.Float16, dtypes.BFloat16, []float16.Float16{float16.Fromfloat32(2)}, outBF16, nil))
	assert.Equal(t, bfloat16.FromFloat32(2), outBF16[0])

	// uint8 -> int64
	outI64 := make([]int64, 2)
	require.NoError(t, Convert(dtypes.Uint8, dtypes.Int64, []uint8{0, 255}, outI64, nil))
	assert.Equal(t, []int64{0, 255}, outI64)

	// Identity conversion still copies.
	outSame := make([]float32, 2)
	require.NoError(t, Convert(dtypes.Float32, dtypes.Float32, []float32{1, 2}, outSame, nil))
	assert.Equal(t, []float32{1, 2}, outSame)
}

func TestKernelsParallel(t *testing.T) {
	// Large enough to shard across the pool.
	pool := workerspool.New()
	n := 10 * minParallelWork
	in := make([]float64, n)
	for ii := range in {
		in[ii] = float64(ii)
	}
	out := make([]float64, n)
	require.NoError(t, Unary(backends.OpTypeNeg, dtypes.Float64, in, out, pool))
	for ii := range out {
		if out[ii] != -float64(ii) {
			t.Fatalf("out[%d]=%f, want %f", ii, out[ii], -float64(ii))
		}
	}

	S := shapes.Make(dtypes.Float64, n)
	out2 := make([]float64, n)
	require.NoError(t, Binary(backends.OpTypeAdd, dtypes.Float64, in, out, out2, S, S, S, pool))
	for ii := range out2 {
		if out2[ii] != 0 {
			t.Fatalf("out2[%d]=%f, want 0", ii, out2[ii])
		}
	}
}

func TestUnaryFloat64Fn(t *testing.T) {
	fn, err := UnaryFloat64Fn(backends.OpTypeSigmoid)
	require.NoError(t, err)
	assert.Equal(t, 0.5, fn(0))
	_, err = UnaryFloat64Fn(backends.OpTypeAdd)
	require.Error(t, err)

	fn2, err := BinaryFloat64Fn(backends.OpTypeMax)
	require.NoError(t, err)
	assert.Equal(t, 7.0, fn2(3, 7))
	_, err = BinaryFloat64Fn(backends.OpTypeExp)
	require.Error(t, err)
}
