package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// StandardOps lists the bulk of the operations that a backends.Builder must support.
//
// All operations are elementwise. Binary operations follow the standard broadcasting rules:
// a scalar broadcasts against anything; otherwise ranks must match and each axis must either
// match or be 1 on one of the sides.
//
// The "InPlace" variants compute the same function but write the result into the operand's
// buffer instead of allocating a new one. They appear in execution traces under a distinct
// name, with a trailing underscore (e.g. "sigmoid_"). The operand must not be read after an
// in-place op is applied to it.
type StandardOps interface {

	// Abs returns the element-wise absolute value of x.
	Abs(x Op) (Op, error)

	// Add returns the element-wise sum of the two values.
	// Standard broadcasting rules apply (see StandardOps).
	Add(lhs, rhs Op) (Op, error)

	// ConvertDType converts x to dtype, rounding to the nearest representable value.
	ConvertDType(x Op, dtype dtypes.DType) (Op, error)

	// Div returns the element-wise division of the two values.
	// Standard broadcasting rules apply (see StandardOps).
	Div(lhs, rhs Op) (Op, error)

	// Exp returns the element-wise exponential of x.
	Exp(x Op) (Op, error)

	// ExpInPlace is Exp writing its result into x's buffer. See StandardOps about in-place variants.
	ExpInPlace(x Op) (Op, error)

	// Log returns the element-wise natural logarithm of x.
	Log(x Op) (Op, error)

	// Max returns the element-wise highest value among the two.
	Max(lhs, rhs Op) (Op, error)

	// Min returns the element-wise smallest value among the two.
	Min(lhs, rhs Op) (Op, error)

	// Mul returns the element-wise multiplication of the two values.
	// Standard broadcasting rules apply (see StandardOps).
	Mul(lhs, rhs Op) (Op, error)

	// Neg returns the element-wise negation of x.
	Neg(x Op) (Op, error)

	// Sigmoid returns the element-wise expression 1/(1+exp(-x)). Also known as the logistic function.
	Sigmoid(x Op) (Op, error)

	// SigmoidInPlace is Sigmoid writing its result into x's buffer. See StandardOps about in-place variants.
	SigmoidInPlace(x Op) (Op, error)

	// Sign returns element-wise +1, +/-0 or -1 depending on the sign of x. It returns NaN if the input is NaN.
	Sign(x Op) (Op, error)

	// Sqrt returns the element-wise square root of x.
	Sqrt(x Op) (Op, error)

	// Sub returns the element-wise subtraction of the two values.
	// Standard broadcasting rules apply (see StandardOps).
	Sub(lhs, rhs Op) (Op, error)

	// Tanh returns the element-wise hyperbolic tangent of x.
	Tanh(x Op) (Op, error)

	// TanhInPlace is Tanh writing its result into x's buffer. See StandardOps about in-place variants.
	TanhInPlace(x Op) (Op, error)
}
