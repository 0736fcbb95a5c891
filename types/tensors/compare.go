package tensors

import (
	"bytes"
	"math"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Equal returns whether t and other have the same shape and bitwise-identical
// contents. Notice bitwise equality means NaNs compare equal to themselves,
// which is what the idempotence checks of differential runs need.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := false
	t.ConstBytes(func(data []byte) {
		other.ConstBytes(func(otherData []byte) {
			equal = bytes.Equal(data, otherData)
		})
	})
	return equal
}

// Float64Values returns a copy of the tensor contents converted to float64,
// flat in row-major order. Float16 and BFloat16 are decoded, bool maps to 0/1.
// Used by tolerance comparisons.
func (t *Tensor) Float64Values() []float64 {
	t.AssertValid()
	out := make([]float64, t.Size())
	switch t.DType() {
	case dtypes.Float16:
		ConstFlatData(t, func(flat []float16.Float16) {
			for ii, v := range flat {
				out[ii] = float64(v.Float32())
			}
		})
	case dtypes.BFloat16:
		ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			for ii, v := range flat {
				out[ii] = float64(v.Float32())
			}
		})
	case dtypes.Bool:
		ConstFlatData(t, func(flat []bool) {
			for ii, v := range flat {
				if v {
					out[ii] = 1
				}
			}
		})
	default:
		t.ConstFlatData(func(flat any) {
			flatV := reflect.ValueOf(flat)
			float64T := reflect.TypeOf(float64(0))
			for ii := 0; ii < flatV.Len(); ii++ {
				out[ii] = flatV.Index(ii).Convert(float64T).Float()
			}
		})
	}
	return out
}

// InDelta returns whether t and other have the same shape and every pair of
// elements is within delta of each other. Pairs where both sides are NaN are
// considered within delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := t.Float64Values(), other.Float64Values()
	for ii := range a {
		if math.IsNaN(a[ii]) && math.IsNaN(b[ii]) {
			continue
		}
		if !(math.Abs(a[ii]-b[ii]) <= delta) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the maximum absolute element-wise difference between t
// and other, which must have the same dimensions (dtypes may differ). Pairs
// where both sides are NaN contribute zero; a NaN on one side only yields +Inf.
func (t *Tensor) MaxAbsDiff(other *Tensor) float64 {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.EqualDimensions(other.shape) {
		return math.Inf(1)
	}
	a, b := t.Float64Values(), other.Float64Values()
	maxDiff := 0.0
	for ii := range a {
		if math.IsNaN(a[ii]) && math.IsNaN(b[ii]) {
			continue
		}
		diff := math.Abs(a[ii] - b[ii])
		if math.IsNaN(diff) {
			return math.Inf(1)
		}
		maxDiff = math.Max(maxDiff, diff)
	}
	return maxDiff
}
