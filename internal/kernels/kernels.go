// Package kernels implements the elementwise compute kernels shared by the execution engines.
//
// The eager engine dispatches one kernel per node; the fuser engine uses them for the standalone
// fallback segments it cannot fuse. Kernels operate on flat slices of the dtype's Go type
// (float16.Float16 and bfloat16.BFloat16 for the 16-bit float dtypes) and shard large slices
// over a workerspool.Pool.
//
// Float16 and BFloat16 kernels compute in float32 and round back per element.
package kernels

import (
	"math"

	"github.com/fusediff/fusediff/backends"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// minParallelWork is the minimum number of elements of a shard when splitting kernels
// over the workers pool. Below 2x this, kernels run inline.
const minParallelWork = 4096

// SupportedTypesConstraints enumerates the Go types backing the dtypes supported by the engines.
type SupportedTypesConstraints interface {
	int32 | int64 | uint8 | float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// PODNumericConstraints are the Go pod (plain-old-data) types backing the supported dtypes.
// Float16 and BFloat16 are not included because they are specialized types, not natively
// supported by Go.
type PODNumericConstraints interface {
	int32 | int64 | uint8 | float32 | float64
}

// PODSignedNumericConstraints excludes the unsigned types.
type PODSignedNumericConstraints interface {
	int32 | int64 | float32 | float64
}

// PODFloatConstraints are the pod float types.
type PODFloatConstraints interface {
	float32 | float64
}

// unaryFloat64Fn returns the scalar float64 function computing opType, or nil if opType is not
// a unary operation. The fuser's fused pipelines evaluate these directly, so the same scalar
// definitions back both the fused and the standalone paths.
func unaryFloat64Fn(opType backends.OpType) func(float64) float64 {
	switch opType {
	case backends.OpTypeNeg:
		return func(x float64) float64 { return -x }
	case backends.OpTypeAbs:
		return math.Abs
	case backends.OpTypeSign:
		return signFloat64
	case backends.OpTypeExp:
		return math.Exp
	case backends.OpTypeLog:
		return math.Log
	case backends.OpTypeSqrt:
		return math.Sqrt
	case backends.OpTypeTanh:
		return math.Tanh
	case backends.OpTypeSigmoid:
		return sigmoidFloat64
	}
	return nil
}

// UnaryFloat64Fn is unaryFloat64Fn for the other packages of the module (the fuser's pipelines).
// It returns an error for non-unary op types.
func UnaryFloat64Fn(opType backends.OpType) (func(float64) float64, error) {
	fn := unaryFloat64Fn(opType)
	if fn == nil {
		return nil, errors.Errorf("op %s has no unary float kernel", opType)
	}
	return fn, nil
}

// binaryFloat64Fn returns the scalar float64 function computing opType, or nil if opType is not
// a binary operation.
func binaryFloat64Fn(opType backends.OpType) func(a, b float64) float64 {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b float64) float64 { return a + b }
	case backends.OpTypeSub:
		return func(a, b float64) float64 { return a - b }
	case backends.OpTypeMul:
		return func(a, b float64) float64 { return a * b }
	case backends.OpTypeDiv:
		return func(a, b float64) float64 { return a / b }
	case backends.OpTypeMax:
		return func(a, b float64) float64 { return max(a, b) }
	case backends.OpTypeMin:
		return func(a, b float64) float64 { return min(a, b) }
	}
	return nil
}

// BinaryFloat64Fn is binaryFloat64Fn for the other packages of the module (the fuser's pipelines).
// It returns an error for non-binary op types.
func BinaryFloat64Fn(opType backends.OpType) (func(a, b float64) float64, error) {
	fn := binaryFloat64Fn(opType)
	if fn == nil {
		return nil, errors.Errorf("op %s has no binary float kernel", opType)
	}
	return fn, nil
}

func sigmoidFloat64(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// signFloat64 returns +1, -1 or +/-0 following the sign of x. NaN maps to NaN.
func signFloat64(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x > 0 {
		return 1
	}
	if x < 0 {
		return -1
	}
	return x
}
