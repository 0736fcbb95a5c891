package tensors

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/fusediff/fusediff/types/shapes"
	"github.com/fusediff/fusediff/types/xslices"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. Even scalars have a flattened representation
// of one element. The Tensor is locked until accessFn returns.
//
// The slice is the actual Tensor data (not a copy), owned by the Tensor; it
// must not be modified -- see Tensor.MutableFlatData for that.
//
// See Tensor.Size for the number of elements and Shape.Strides to index
// individual positions.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData. It panics if T
// doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. The contents may be changed until accessFn
// returns. The Tensor is locked for the duration.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData is the generics version of Tensor.MutableFlatData. It panics
// if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// ConstBytes calls accessFn with the tensor contents as a raw bytes slice.
// The slice is the actual storage, owned by the Tensor; don't modify it.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatBytes(flat))
	})
}

// MutableBytes is like ConstBytes, but the contents may be changed until
// accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatBytes(flat))
	})
}

func flatBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// AssignFlatData copies the values of fromFlat into the tensor's storage.
// It panics if the dtype or the size doesn't match.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the Tensor. It panics if T doesn't
// match the DType or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	if !t.Shape().IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.Shape())
	}
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return
}

// CopyFlatData returns a copy of the flat data of the Tensor. It panics if T
// doesn't match the DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) (flatCopy []T) {
	ConstFlatData(t, func(flat []T) {
		flatCopy = xslices.Copy(flat)
	})
	return
}

// LayoutStrides returns the strides for each axis, in elements. Handy when
// indexing the flat data. An alias to Tensor.Shape().Strides().
func (t *Tensor) LayoutStrides() []int { return t.shape.Strides() }

// Value returns a multidimensional slice (or a scalar, for rank 0) with a copy
// of the tensor values. Expensive; meant for small tensors, tests and printing.
func (t *Tensor) Value() any {
	var mdSlice any
	t.ConstFlatData(func(flat any) {
		if t.shape.IsScalar() {
			mdSlice = reflect.ValueOf(flat).Index(0).Interface()
			return
		}
		flatCopyV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.Size(), t.Size())
		reflect.Copy(flatCopyV, reflect.ValueOf(flat))
		if t.shape.Rank() == 1 {
			mdSlice = flatCopyV.Interface()
			return
		}
		mdSlice = nestDataToSlices(flatCopyV, t.shape).Interface()
	})
	return mdSlice
}

// nestDataToSlices takes flat data and builds the nested multidimensional
// slices for the shape, with the leaf slices pointing into the given flat data.
func nestDataToSlices(dataV reflect.Value, shape shapes.Shape) reflect.Value {
	resultT := dataV.Type().Elem()
	for range shape.Dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, shape.Dimensions, shape.Strides())
}

// createSlicesRecursively builds nested slices over flat data, given the
// dimensions and strides of each axis.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	subStrides := strides[1:]
	subDimensions := dimensions[1:]
	subResultT := resultT.Elem()
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(subResultT, subData, subDimensions, subStrides))
	}
	return slice
}

// Summary returns a string with the shape and up to maxValues elements of the
// tensor, row-major. Used by String and failure reports.
func (t *Tensor) Summary(maxValues int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", t.shape)
	if t.shape.IsScalar() {
		fmt.Fprintf(&b, "%v", t.Value())
		return b.String()
	}
	b.WriteString("[")
	count := 0
	strides := t.shape.Strides()
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		for indices := range t.shape.Iter() {
			if count >= maxValues {
				b.WriteString(" ...")
				break
			}
			if count > 0 {
				b.WriteString(" ")
			}
			pos := 0
			for axis, stride := range strides {
				pos += indices[axis] * stride
			}
			fmt.Fprintf(&b, "%v", flatV.Index(pos).Interface())
			count++
		}
	})
	b.WriteString("]")
	return b.String()
}

// String prints the shape and a preview of the tensor contents.
func (t *Tensor) String() string {
	return t.Summary(8)
}
