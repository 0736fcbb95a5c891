package kernels

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Convert computes out[ii] = toDType(in[ii]) elementwise, rounding to the nearest representable
// value when narrowing floats and truncating when converting floats to integers (Go conversion
// semantics).
//
// in must be a flat slice of fromDType's Go type and out of toDType's Go type, both with the
// same length.
func Convert(fromDType, toDType dtypes.DType, in, out any, pool *workerspool.Pool) error {
	chunkFn, n, err := convertChunkFn(fromDType, toDType, in, out)
	if err != nil {
		return err
	}
	runChunked(pool, n, chunkFn)
	return nil
}

func convertChunkFn(fromDType, toDType dtypes.DType, in, out any) (chunkFn func(start, end int), n int, err error) {
	switch fromDType {
	case dtypes.Float64:
		return convertFromPOD(in.([]float64), toDType, out)
	case dtypes.Float32:
		return convertFromPOD(in.([]float32), toDType, out)
	case dtypes.Int32:
		return convertFromPOD(in.([]int32), toDType, out)
	case dtypes.Int64:
		return convertFromPOD(in.([]int64), toDType, out)
	case dtypes.Uint8:
		return convertFromPOD(in.([]uint8), toDType, out)
	case dtypes.Float16:
		inF16 := in.([]float16.Float16)
		return convertFromFloat32Fn(func(ii int) float32 { return inF16[ii].Float32() }, len(inF16), toDType, out)
	case dtypes.BFloat16:
		inBF16 := in.([]bfloat16.BFloat16)
		return convertFromFloat32Fn(func(ii int) float32 { return inBF16[ii].Float32() }, len(inBF16), toDType, out)
	}
	return nil, 0, errors.Errorf("unsupported source dtype %s for %s", fromDType, backends.OpTypeConvert)
}

// convertFromPOD builds the chunk function converting a pod slice to any supported target dtype.
func convertFromPOD[From PODNumericConstraints](in []From, toDType dtypes.DType, out any) (chunkFn func(start, end int), n int, err error) {
	n = len(in)
	switch toDType {
	case dtypes.Float64:
		return convertPOD(in, out.([]float64)), n, nil
	case dtypes.Float32:
		return convertPOD(in, out.([]float32)), n, nil
	case dtypes.Int32:
		return convertPOD(in, out.([]int32)), n, nil
	case dtypes.Int64:
		return convertPOD(in, out.([]int64)), n, nil
	case dtypes.Uint8:
		return convertPOD(in, out.([]uint8)), n, nil
	case dtypes.Float16:
		outF16 := out.([]float16.Float16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outF16[ii] = float16.Fromfloat32(float32(in[ii]))
			}
		}, n, nil
	case dtypes.BFloat16:
		outBF16 := out.([]bfloat16.BFloat16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outBF16[ii] = bfloat16.FromFloat32(float32(in[ii]))
			}
		}, n, nil
	}
	return nil, 0, errors.Errorf("unsupported target dtype %s for %s", toDType, backends.OpTypeConvert)
}

// convertFromFloat32Fn builds the chunk function converting from a float32 accessor (the 16-bit
// float types) to any supported target dtype.
func convertFromFloat32Fn(at func(ii int) float32, n int, toDType dtypes.DType, out any) (chunkFn func(start, end int), _ int, err error) {
	switch toDType {
	case dtypes.Float64:
		outF64 := out.([]float64)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outF64[ii] = float64(at(ii))
			}
		}, n, nil
	case dtypes.Float32:
		outF32 := out.([]float32)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outF32[ii] = at(ii)
			}
		}, n, nil
	case dtypes.Int32:
		outI32 := out.([]int32)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outI32[ii] = int32(at(ii))
			}
		}, n, nil
	case dtypes.Int64:
		outI64 := out.([]int64)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outI64[ii] = int64(at(ii))
			}
		}, n, nil
	case dtypes.Uint8:
		outU8 := out.([]uint8)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outU8[ii] = uint8(at(ii))
			}
		}, n, nil
	case dtypes.Float16:
		outF16 := out.([]float16.Float16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outF16[ii] = float16.Fromfloat32(at(ii))
			}
		}, n, nil
	case dtypes.BFloat16:
		outBF16 := out.([]bfloat16.BFloat16)
		return func(start, end int) {
			for ii := start; ii < end; ii++ {
				outBF16[ii] = bfloat16.FromFloat32(at(ii))
			}
		}, n, nil
	}
	return nil, 0, errors.Errorf("unsupported target dtype %s for %s", toDType, backends.OpTypeConvert)
}

// convertPOD is the chunk function converting between pod types with Go conversion semantics.
func convertPOD[From, To PODNumericConstraints](in []From, out []To) func(start, end int) {
	return func(start, end int) {
		for ii := start; ii < end; ii++ {
			out[ii] = To(in[ii])
		}
	}
}
