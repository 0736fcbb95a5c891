package kernels

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Unary computes out[ii] = op(in[ii]) elementwise.
//
// in and out must be flat slices of the Go type backing dtype, with the same length.
// They may alias each other, for in-place application.
//
// If pool is nil the kernel runs inline, otherwise large slices are sharded over the pool.
func Unary(opType backends.OpType, dtype dtypes.DType, in, out any, pool *workerspool.Pool) error {
	chunkFn, n, err := unaryChunkFn(opType, dtype, in, out)
	if err != nil {
		return err
	}
	runChunked(pool, n, chunkFn)
	return nil
}

// runChunked shards fn over the pool, or runs it inline if pool is nil.
func runChunked(pool *workerspool.Pool, n int, fn func(start, end int)) {
	if pool == nil {
		fn(0, n)
		return
	}
	pool.Range(n, minParallelWork, fn)
}

func unaryChunkFn(opType backends.OpType, dtype dtypes.DType, in, out any) (chunkFn func(start, end int), n int, err error) {
	switch dtype {
	case dtypes.Float64:
		fn := unaryFloat64Fn(opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		return applyUnary(fn, in.([]float64), out.([]float64)), len(in.([]float64)), nil

	case dtypes.Float32:
		fn := unaryFloat64Fn(opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		fn32 := func(x float32) float32 { return float32(fn(float64(x))) }
		return applyUnary(fn32, in.([]float32), out.([]float32)), len(in.([]float32)), nil

	case dtypes.Float16:
		fn := unaryFloat64Fn(opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		inF16, outF16 := in.([]float16.Float16), out.([]float16.Float16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outF16[ii] = float16.Fromfloat32(float32(fn(float64(inF16[ii].Float32()))))
			}
		}, len(inF16), nil

	case dtypes.BFloat16:
		fn := unaryFloat64Fn(opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		inBF16, outBF16 := in.([]bfloat16.BFloat16), out.([]bfloat16.BFloat16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outBF16[ii] = bfloat16.FromFloat32(float32(fn(float64(inBF16[ii].Float32()))))
			}
		}, len(inBF16), nil

	case dtypes.Int32:
		fn := unaryIntFn[int32](opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		return applyUnary(fn, in.([]int32), out.([]int32)), len(in.([]int32)), nil

	case dtypes.Int64:
		fn := unaryIntFn[int64](opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		return applyUnary(fn, in.([]int64), out.([]int64)), len(in.([]int64)), nil

	case dtypes.Uint8:
		fn := unaryUint8Fn(opType)
		if fn == nil {
			return nil, 0, errors.Errorf("unsupported unary op %s for dtype %s", opType, dtype)
		}
		return applyUnary(fn, in.([]uint8), out.([]uint8)), len(in.([]uint8)), nil
	}
	return nil, 0, errors.Errorf("unsupported dtype %s for unary op %s", dtype, opType)
}

// applyUnary returns the chunk function applying fn elementwise over in/out.
func applyUnary[T SupportedTypesConstraints](fn func(T) T, in, out []T) func(start, end int) {
	return func(start, end int) {
		for ii := start; ii < end; ii++ {
			out[ii] = fn(in[ii])
		}
	}
}

// unaryIntFn: only Neg, Abs and Sign are defined for the signed integer types.
func unaryIntFn[T int32 | int64](opType backends.OpType) func(T) T {
	switch opType {
	case backends.OpTypeNeg:
		return func(x T) T { return -x }
	case backends.OpTypeAbs:
		return func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}
	case backends.OpTypeSign:
		return func(x T) T {
			if x > 0 {
				return 1
			}
			if x < 0 {
				return -1
			}
			return 0
		}
	}
	return nil
}

// unaryUint8Fn: Abs is the identity and Sign maps non-zero to 1. Neg is not defined.
func unaryUint8Fn(opType backends.OpType) func(uint8) uint8 {
	switch opType {
	case backends.OpTypeAbs:
		return func(x uint8) uint8 { return x }
	case backends.OpTypeSign:
		return func(x uint8) uint8 {
			if x > 0 {
				return 1
			}
			return 0
		}
	}
	return nil
}
