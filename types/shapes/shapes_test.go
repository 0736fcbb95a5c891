package shapes

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))
	require.Equal(t, "(Float64)", shape0.String())

	shape1 := Make(Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Len(t, shape1.Dimensions, 3)
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { Make(Float32, 4, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	a := Make(Float32, 6)
	b := Make(Float32, 6)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Make(Float64, 6)))
	require.True(t, a.EqualDimensions(Make(Float64, 6)))
	require.False(t, a.Equal(Make(Float32, 6, 1)))

	c := a.Clone()
	c.Dimensions[0] = 3
	require.Equal(t, 6, a.Dimensions[0])

	f16 := a.WithDType(Float16)
	require.Equal(t, Float16, f16.DType)
	require.Equal(t, a.Dimensions, f16.Dimensions)
	require.Equal(t, Float32, a.DType)
}

func TestStrides(t *testing.T) {
	require.Nil(t, Make(Float32).Strides())
	require.Equal(t, []int{1}, Make(Float32, 6).Strides())
	require.Equal(t, []int{6, 2, 1}, Make(Float32, 4, 3, 2).Strides())
}
