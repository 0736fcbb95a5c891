// Package tensors implements Tensor, a representation of a multidimensional
// array, used as the input and output value type of FuseDiff executions.
//
// Tensors are defined by their shape (a data type and axes' dimensions) and
// their content, stored as a flat (1D) slice of the shape's DType in row-major
// order. They are host-only values: engines receive and return their contents
// through the backends.DataInterface transfer calls at execution boundaries.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): a tensor with the given shape, zero-valued.
//
//   - FromScalarAndDimensions[T](value T, dimensions ...int): a tensor with the
//     given dimensions, filled with the scalar value. T must be one of the
//     supported types.
//
//   - FromFlatDataAndDimensions[T](data []T, dimensions ...int): a tensor with
//     the given dimensions, with the flattened content copied from data.
//     Example: FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // [[1 2] [3 4]]
//
//   - FromValue[S MultiDimensionSlice](value S): generic conversion from a
//     scalar or (nested) slices. Slices of rank > 1 must be regular: all
//     sub-slices with the same dimensions.
//
//   - FromAnyValue(value any): non-generic version of FromValue; if value is
//     already a *Tensor it is returned unchanged.
package tensors

import (
	"reflect"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/types/shapes"
)

// Tensor is a multidimensional array of one of the supported DTypes, stored
// flat in row-major order.
//
// The zero Tensor is invalid; use one of the From* constructors. A Tensor owns
// its storage: accessors lock it for the duration of the access function.
type Tensor struct {
	// shape is immutable after construction (only cleared by Finalize).
	shape shapes.Shape

	// mu protects flat.
	mu   sync.Mutex
	flat any // Slice of the Go type for the shape's DType, len == shape.Size().
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from with
// FromValue. Generics constraints can't recurse, so slice levels are enumerated
// explicitly; the implementation works for any depth via FromAnyValue.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8
}

// FromShape returns a Tensor with the given shape, with the data initialized
// with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{
		shape: shape.Clone(),
		flat:  flatV.Interface(),
	}
}

// FromScalar creates a scalar tensor with the given value.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the scalar value replicated everywhere. The DType is inferred from the
// value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, with
// the flattened content copied from data. The DType is inferred from the data
// element type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	var dummy T
	if _, isInt := any(dummy).(int); isInt {
		// The underlying storage is int32 or int64 depending on the platform;
		// copy the raw bytes instead of converting element by element.
		t.MutableBytes(func(tensorData []byte) {
			dataAsBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
			copy(tensorData, dataAsBytes)
		})
		return t
	}
	MutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromValue returns a tensor constructed from the given multidimensional slice
// (or scalar). Slices of rank > 1 must be regular. It panics on irregular
// shapes or unsupported types.
//
// FromFlatDataAndDimensions is much faster if speed is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is the non-generic version of FromValue. If value is already a
// *Tensor, it is returned unchanged. It panics on unsupported types or
// irregular nested slices.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flatAny any) {
		if baseType(reflect.TypeOf(value)) == reflect.TypeOf(int(0)) {
			// Go `int` maps to int32/int64 storage depending on the platform;
			// view the flat slice as []int so reflect.Copy matches types.
			switch strconv.IntSize {
			case 64:
				flatRef := flatAny.([]int64)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			case 32:
				flatRef := flatAny.([]int32)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			default:
				exceptions.Panicf("cannot use `int` of %d bits, use int32 or int64 instead", strconv.IntSize)
			}
		}
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	})
	return t
}

// copySlicesRecursively copies values of a multidimensional slice to a flat
// data slice, given the strides of each axis.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %v", v)
		}
		// The first element is the reference; all siblings must match it.
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q and %q", shape, shapeTest)
			}
		}
	} else if t.Kind() == reflect.Pointer {
		return errors.Errorf("cannot convert pointer (%s) to a concrete tensor value", t)
	} else {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// baseType returns the leaf element type of a (possibly nested) slice type.
func baseType(valueType reflect.Type) reflect.Type {
	for valueType.Kind() == reflect.Slice || valueType.Kind() == reflect.Array {
		valueType = valueType.Elem()
	}
	return valueType
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor holds a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state (not nil nor finalized).
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if the tensor is nil, finalized or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() || t.flat == nil {
		panic(errors.New("Tensor is invalid (finalized?)"))
	}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		cloneFlatV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(cloneFlatV, flatV)
		clone = &Tensor{
			shape: t.shape.Clone(),
			flat:  cloneFlatV.Interface(),
		}
	})
	return clone
}

// Finalize releases the tensor storage and leaves the Tensor invalid. It is
// not required -- garbage collection works fine -- but can help with very
// large values.
func (t *Tensor) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}
