// Package xslices provides slice functionality missing from the standard slices
// package, plus reflection-based helpers to compare and fill arbitrary
// (multidimensional) slices, used by the tensors package and by tests.
package xslices

import (
	"cmp"
	"math"
	"reflect"
	"sort"

	"golang.org/x/exp/constraints"
)

// At takes an element at the given `index`, where `index` can be negative, in
// which case it takes from the end of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// SetAt sets an element at the given `index`, where `index` can be negative, in
// which case it counts from the end of the slice.
func SetAt[T any](slice []T, index int, value T) {
	if index < 0 {
		index = len(slice) + index
	}
	slice[index] = value
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// Copy creates a new (shallow) copy of T. A shortcut to a call to `make`
// followed by `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	if len(slice) == 0 {
		return
	}
	slice[0] = value
	for filled := 1; filled < len(slice); filled *= 2 {
		copy(slice[filled:], slice[:filled])
	}
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	FillSlice(s, value)
	return s
}

// Iota returns a slice of incremental values, starting with start and of
// length len. Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element of in, and
// returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Keys returns the keys of a map in the form of a slice.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})
	return s
}

// DeepSliceCmp compares two arbitrarily nested slices, element-wise, using the
// given comparison function on the leaf elements. It returns false if the
// structures (lengths at every level) differ.
func DeepSliceCmp(s0, s1 any, cmpFn func(e0, e1 any) bool) bool {
	t0, t1 := reflect.TypeOf(s0), reflect.TypeOf(s1)
	if t0.Kind() != t1.Kind() {
		return false
	}
	if t0.Kind() != reflect.Slice {
		return cmpFn(s0, s1)
	}
	v0, v1 := reflect.ValueOf(s0), reflect.ValueOf(s1)
	if v0.Len() != v1.Len() {
		return false
	}
	for ii := 0; ii < v0.Len(); ii++ {
		if !DeepSliceCmp(v0.Index(ii).Interface(), v1.Index(ii).Interface(), cmpFn) {
			return false
		}
	}
	return true
}

// SlicesInDelta checks whether multidimensional slices s0 and s1 have the same
// structure and that each pair of values is within the given delta.
// Works with any numeric POD leaf types.
//
// If delta <= 0, it checks for exact equality instead.
func SlicesInDelta(s0, s1 any, delta float64) bool {
	cmpFn := func(e0, e1 any) bool {
		if reflect.TypeOf(e0) != reflect.TypeOf(e1) {
			return false
		}
		if reflect.DeepEqual(e0, e1) {
			return true
		}
		if delta <= 0 {
			return false
		}
		deltaType := reflect.TypeOf(delta)
		e0v, e1v := reflect.ValueOf(e0), reflect.ValueOf(e1)
		if !e0v.CanConvert(deltaType) {
			return false
		}
		e0f := e0v.Convert(deltaType).Float()
		e1f := e1v.Convert(deltaType).Float()
		if math.IsNaN(e0f) && math.IsNaN(e1f) {
			return true
		}
		return math.Abs(e0f-e1f) <= delta
	}
	return DeepSliceCmp(s0, s1, cmpFn)
}
