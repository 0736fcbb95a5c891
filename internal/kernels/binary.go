package kernels

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Binary computes out[ii] = op(lhs[jj], rhs[kk]) elementwise, broadcasting lhs and rhs to
// outShape following the standard broadcasting rules (see shapeinference.BinaryOp, which computes
// outShape and validates the operands).
//
// The flat slices must be of the Go type backing dtype; out must have outShape.Size() elements.
// out may alias lhs or rhs if the respective side is not broadcast.
//
// The cases where one of the operands is a scalar (or of size 1) are handled specially, becoming
// almost a unary operation with a constant value. Those cases and the equal-shape case are sharded
// over the pool; the general broadcasting case runs sequentially.
func Binary(opType backends.OpType, dtype dtypes.DType, lhs, rhs, out any,
	lhsShape, rhsShape, outShape shapes.Shape, pool *workerspool.Pool) error {
	chunkFn, sequential, err := binaryChunkFn(opType, dtype, lhs, rhs, out, lhsShape, rhsShape, outShape)
	if err != nil {
		return err
	}
	n := outShape.Size()
	if sequential {
		chunkFn(0, n)
		return nil
	}
	runChunked(pool, n, chunkFn)
	return nil
}

func binaryChunkFn(opType backends.OpType, dtype dtypes.DType, lhs, rhs, out any,
	lhsShape, rhsShape, outShape shapes.Shape) (chunkFn func(start, end int), sequential bool, err error) {
	switch dtype {
	case dtypes.Float64:
		fn := binaryPODFn[float64](opType)
		if fn == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]float64), rhs.([]float64), out.([]float64), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.Float32:
		fn := binaryPODFn[float32](opType)
		if fn == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]float32), rhs.([]float32), out.([]float32), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.Float16:
		fn32 := binaryPODFn[float32](opType)
		if fn32 == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		fn := func(a, b float16.Float16) float16.Float16 {
			return float16.Fromfloat32(fn32(a.Float32(), b.Float32()))
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]float16.Float16), rhs.([]float16.Float16), out.([]float16.Float16), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.BFloat16:
		fn32 := binaryPODFn[float32](opType)
		if fn32 == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		fn := func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
			return bfloat16.FromFloat32(fn32(a.Float32(), b.Float32()))
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]bfloat16.BFloat16), rhs.([]bfloat16.BFloat16), out.([]bfloat16.BFloat16), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.Int32:
		fn := binaryPODFn[int32](opType)
		if fn == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]int32), rhs.([]int32), out.([]int32), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.Int64:
		fn := binaryPODFn[int64](opType)
		if fn == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]int64), rhs.([]int64), out.([]int64), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil

	case dtypes.Uint8:
		fn := binaryPODFn[uint8](opType)
		if fn == nil {
			return nil, false, errors.Errorf("unsupported binary op %s for dtype %s", opType, dtype)
		}
		chunkFn, sequential = binaryCase(fn, lhs.([]uint8), rhs.([]uint8), out.([]uint8), lhsShape, rhsShape, outShape)
		return chunkFn, sequential, nil
	}
	return nil, false, errors.Errorf("unsupported dtype %s for binary op %s", dtype, opType)
}

// binaryPODFn returns the scalar function computing opType natively on T.
func binaryPODFn[T PODNumericConstraints](opType backends.OpType) func(a, b T) T {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		return func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		return func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		return func(a, b T) T { return a / b }
	case backends.OpTypeMax:
		return func(a, b T) T { return max(a, b) }
	case backends.OpTypeMin:
		return func(a, b T) T { return min(a, b) }
	}
	return nil
}

// binaryCase builds the chunk function for the given operand layout: equal shapes, one side of
// size 1, or the general broadcast.
func binaryCase[T SupportedTypesConstraints](fn func(a, b T) T, lhs, rhs, out []T,
	lhsShape, rhsShape, outShape shapes.Shape) (chunkFn func(start, end int), sequential bool) {
	switch {
	case lhsShape.EqualDimensions(outShape) && rhsShape.EqualDimensions(outShape):
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				out[ii] = fn(lhs[ii], rhs[ii])
			}
		}, false

	case rhsShape.Size() == 1 && lhsShape.EqualDimensions(outShape):
		c := rhs[0]
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				out[ii] = fn(lhs[ii], c)
			}
		}, false

	case lhsShape.Size() == 1 && rhsShape.EqualDimensions(outShape):
		c := lhs[0]
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				out[ii] = fn(c, rhs[ii])
			}
		}, false

	default:
		// General broadcast: the iterators are stateful, so this path is sequential.
		return func(_, _ int) {
			lhsIter := newBroadcastIterator(lhsShape, outShape)
			rhsIter := newBroadcastIterator(rhsShape, outShape)
			for ii := range out {
				out[ii] = fn(lhs[lhsIter.Next()], rhs[rhsIter.Next()])
			}
		}, true
	}
}
