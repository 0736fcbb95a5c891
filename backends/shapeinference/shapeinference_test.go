package shapeinference

import (
	"testing"

	. "github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	I32  = dtypes.Int32
	U8   = dtypes.Uint8
	F16  = dtypes.Float16
	F32  = dtypes.Float32
	F64  = dtypes.Float64
	BF16 = dtypes.BFloat16

	MS = shapes.Make
)

// must1 panics if there is an error.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestBinaryOp(t *testing.T) {
	// Invalid operation type (not a binary op).
	var err error
	_, err = BinaryOp(OpTypeExp, MS(F32), MS(F32))
	require.Error(t, err)

	// Mismatching data types.
	_, err = BinaryOp(OpTypeAdd, MS(F32, 2), MS(F64, 2))
	require.Error(t, err)

	// The same shape should be ok.
	var output shapes.Shape
	matrixShape := MS(F32, 2, 3)
	output, err = BinaryOp(OpTypeAdd, matrixShape, matrixShape)
	require.NoError(t, err)
	require.True(t, matrixShape.Equal(output))

	// Integer binary ops are fine.
	intShape := MS(I32, 3)
	require.True(t, intShape.Equal(must1(BinaryOp(OpTypeMul, intShape, intShape))))

	// Scalar with matrix, both ways.
	scalarShape := MS(F32)
	require.True(t, matrixShape.Equal(must1(BinaryOp(OpTypeAdd, scalarShape, matrixShape))))
	require.True(t, matrixShape.Equal(must1(BinaryOp(OpTypeAdd, matrixShape, scalarShape))))
	require.True(t, scalarShape.Equal(must1(BinaryOp(OpTypeAdd, scalarShape, scalarShape))))

	// Broadcasting on both sides.
	shape1 := MS(F32, 2, 1, 3)
	shape2 := MS(F32, 1, 4, 3)
	expectedBroadcastShape := MS(F32, 2, 4, 3)
	require.True(t, expectedBroadcastShape.Equal(must1(BinaryOp(OpTypeMul, shape1, shape2))))

	// Invalid broadcasting shapes.
	_, err = BinaryOp(OpTypeAdd, MS(F32, 2, 3), MS(F32, 3, 2))
	require.Error(t, err)

	// Rank mismatch without scalar.
	_, err = BinaryOp(OpTypeAdd, MS(F32, 2, 3), MS(F32, 3))
	require.Error(t, err)
}

func TestUnaryOp(t *testing.T) {
	// Invalid operation type (not a unary op).
	var err error
	_, err = UnaryOp(OpTypeAdd, MS(F32, 2))
	require.Error(t, err)

	// Float-only operations reject integer inputs.
	for _, opType := range []OpType{OpTypeExp, OpTypeLog, OpTypeSqrt, OpTypeTanh, OpTypeSigmoid} {
		_, err = UnaryOp(opType, MS(I32, 2))
		require.Errorf(t, err, "UnaryOp(%s) must reject integer inputs", opType)
	}

	// They accept all float dtypes.
	for _, dtype := range []dtypes.DType{F16, BF16, F32, F64} {
		shape := MS(dtype, 2, 2)
		require.True(t, shape.Equal(must1(UnaryOp(OpTypeSigmoid, shape))))
	}

	// Neg rejects unsigned inputs, Abs and Sign take them.
	_, err = UnaryOp(OpTypeNeg, MS(U8, 2))
	require.Error(t, err)
	require.True(t, MS(U8, 2).Equal(must1(UnaryOp(OpTypeAbs, MS(U8, 2)))))
	require.True(t, MS(I32, 2).Equal(must1(UnaryOp(OpTypeNeg, MS(I32, 2)))))
}

func TestConvertOp(t *testing.T) {
	output, err := ConvertOp(MS(F32, 2, 3), F16)
	require.NoError(t, err)
	require.True(t, MS(F16, 2, 3).Equal(output))

	// Conversion to an invalid dtype fails.
	_, err = ConvertOp(MS(F32, 2, 3), dtypes.InvalidDType)
	require.Error(t, err)

	_, err = ConvertOp(shapes.Invalid(), F32)
	require.Error(t, err)
}
