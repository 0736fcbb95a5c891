// Package shapeinference calculates the shape resulting from operations and validates their inputs.
//
// Both execution engines share it: the eager engine checks every node as it builds, the fuser
// engine also uses it to plan buffer space for the segments it lowers.
//
// It defines a BinaryOp function for shape inference for the binary operations, using the standard
// broadcasting rules, a UnaryOp function for the unary operations (which keep the operand shape),
// and ConvertOp for the dtype conversion.
package shapeinference

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// NumberOperations can take any type of number as input: integers or floats.
	NumberOperations = types.SetWith(
		backends.OpTypeAdd,
		backends.OpTypeSub,
		backends.OpTypeMul,
		backends.OpTypeDiv,
		backends.OpTypeMax,
		backends.OpTypeMin,

		// Notice Abs and Sign work for unsigned ints: it's just a trivial implementation.
		backends.OpTypeAbs,
		backends.OpTypeSign,
	)

	// SignedNumberOperations won't work on unsigned integers.
	SignedNumberOperations = types.SetWith(
		backends.OpTypeNeg,
	)

	// FloatOperations operate only on floats (Float16, BFloat16, Float32, Float64).
	FloatOperations = types.SetWith(
		backends.OpTypeExp,
		backends.OpTypeLog,
		backends.OpTypeSqrt,
		backends.OpTypeTanh,
		backends.OpTypeSigmoid,
	)

	// StandardBinaryOperations include all operations that have two operands usually named lhs
	// (left-hand-side) and rhs (right-hand-side). They broadcast following the standard rules.
	StandardBinaryOperations = types.SetWith(
		backends.OpTypeAdd,
		backends.OpTypeSub,
		backends.OpTypeMul,
		backends.OpTypeDiv,
		backends.OpTypeMax,
		backends.OpTypeMin,
	)

	// StandardUnaryOperations include all operations that have a single operand as input, and the
	// return shape is the same as the input.
	StandardUnaryOperations = types.SetWith(
		backends.OpTypeAbs,
		backends.OpTypeNeg,
		backends.OpTypeSign,
		backends.OpTypeExp,
		backends.OpTypeLog,
		backends.OpTypeSqrt,
		backends.OpTypeTanh,
		backends.OpTypeSigmoid,
	)
)

// BinaryOp returns the expected output shape for ops in the StandardBinaryOperations set -- those include all
// operations that have two operands usually named lhs (left-hand-side) and rhs (right-hand-side).
//
// It returns an error if the data type (shape.DType) is invalid for the operation, if the dtypes
// don't match, or if the shapes cannot be broadcast.
func BinaryOp(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !StandardBinaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not in the StandardBinaryOperations set, cannot process it with BinaryOp", opType)
		return
	}
	if lhsShape.DType == dtypes.InvalidDType || rhsShape.DType == dtypes.InvalidDType {
		err = errors.Errorf("invalid shape %s or %s for BinaryOp %s", lhsShape, rhsShape, opType)
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for BinaryOp %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if NumberOperations.Has(opType) && !(lhsShape.DType.IsInt() || lhsShape.DType.IsFloat()) {
		err = errors.Errorf("numeric BinaryOp %s must have a number (Int32, Float32, ...) data type as input, got %s", opType, lhsShape)
		return
	}
	if FloatOperations.Has(opType) && !lhsShape.DType.IsFloat() {
		err = errors.Errorf("float BinaryOp %s must have a float (Float32, Float64, ...) data type as input, got %s", opType, lhsShape)
		return
	}
	return broadcastShapes(opType, lhsShape, rhsShape)
}

func broadcastShapes(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	// Trivial cases: if one of the sides is a scalar, return the other side shape.
	if lhsShape.IsScalar() {
		return rhsShape, nil
	}
	if rhsShape.IsScalar() {
		return lhsShape, nil
	}

	// Other cases, either the dimensions match or one of them is 1.
	if lhsShape.Rank() != rhsShape.Rank() {
		err = errors.Errorf("if operands are not scalars, their rank must match for BinaryOp (%s), got shapes %s and %s",
			opType, lhsShape, rhsShape)
		return
	}
	output = lhsShape.Clone()
	for axis := range output.Rank() {
		lhsDim := lhsShape.Dimensions[axis]
		rhsDim := rhsShape.Dimensions[axis]
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			err = errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for BinaryOp (%s), got shapes %s and %s",
				axis, opType, lhsShape, rhsShape)
			return
		}
		output.Dimensions[axis] = max(lhsDim, rhsDim)
	}
	return
}

// UnaryOp checks the validity of the data type for StandardUnaryOperations and returns either an error or
// the output shape, which is the same as the operand's.
func UnaryOp(opType backends.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !StandardUnaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not in the StandardUnaryOperations set, cannot process it with UnaryOp", opType)
		return
	}
	if operand.DType == dtypes.InvalidDType {
		err = errors.Errorf("invalid shape %s for UnaryOp %s", operand, opType)
		return
	}
	if SignedNumberOperations.Has(opType) && (operand.DType.IsUnsigned() ||
		!(operand.DType.IsInt() || operand.DType.IsFloat())) {
		err = errors.Errorf("signed UnaryOp %s must have a signed data type as input, got %s", opType, operand)
		return
	}
	if NumberOperations.Has(opType) && !(operand.DType.IsInt() || operand.DType.IsFloat()) {
		err = errors.Errorf("numeric UnaryOp %s must have a number (Int32, Float32, ...) data type as input, got %s", opType, operand)
		return
	}
	if FloatOperations.Has(opType) && !operand.DType.IsFloat() {
		err = errors.Errorf("float UnaryOp %s must have a float (Float32, Float64, ...) data type as input, got %s", opType, operand)
		return
	}
	output = operand
	return
}

// ConvertOp returns the shape of the ConvertDType operation: the operand shape with the dtype
// replaced by the target dtype.
func ConvertOp(operand shapes.Shape, dtype dtypes.DType) (output shapes.Shape, err error) {
	if operand.DType == dtypes.InvalidDType {
		err = errors.Errorf("invalid operand shape %s for ConvertDType", operand)
		return
	}
	if dtype == dtypes.InvalidDType {
		err = errors.Errorf("invalid target dtype for ConvertDType of %s", operand)
		return
	}
	output = operand.WithDType(dtype)
	return
}
