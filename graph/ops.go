package graph

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/fusediff/fusediff/backends"
)

// This file implements the package-level operation functions over *Node. They follow the
// engine's StandardOps vocabulary: all elementwise, binary operations with standard
// broadcasting, and in-place variants tracing under their trailing-underscore names.
// Misuse (mixing graphs, unsupported dtypes, incompatible shapes) panics.

// unaryOp adds a unary operation to x's graph.
func unaryOp(opName string, x *Node, fn func(b backends.Builder, x backends.Op) (backends.Op, error)) *Node {
	g := x.graph
	g.assertBuilding(opName)
	g.checkSameGraph(opName, x)
	op, err := fn(g.builder, x.op)
	return g.newNode(opName, op, err)
}

// binaryOp adds a binary operation to the operands' (shared) graph.
func binaryOp(opName string, lhs, rhs *Node, fn func(b backends.Builder, lhs, rhs backends.Op) (backends.Op, error)) *Node {
	g := lhs.graph
	g.assertBuilding(opName)
	g.checkSameGraph(opName, lhs, rhs)
	op, err := fn(g.builder, lhs.op, rhs.op)
	return g.newNode(opName, op, err)
}

// Abs returns the element-wise absolute value of x.
func Abs(x *Node) *Node {
	return unaryOp("Abs", x, backends.Builder.Abs)
}

// Exp returns the element-wise exponential of x.
func Exp(x *Node) *Node {
	return unaryOp("Exp", x, backends.Builder.Exp)
}

// ExpInPlace is Exp computed in the operand's storage. The operand must not be used again.
func ExpInPlace(x *Node) *Node {
	return unaryOp("ExpInPlace", x, backends.Builder.ExpInPlace)
}

// Log returns the element-wise natural logarithm of x.
func Log(x *Node) *Node {
	return unaryOp("Log", x, backends.Builder.Log)
}

// Neg returns the element-wise negation of x.
func Neg(x *Node) *Node {
	return unaryOp("Neg", x, backends.Builder.Neg)
}

// Sigmoid returns the element-wise expression 1/(1+exp(-x)).
func Sigmoid(x *Node) *Node {
	return unaryOp("Sigmoid", x, backends.Builder.Sigmoid)
}

// SigmoidInPlace is Sigmoid computed in the operand's storage. The operand must not be used
// again; the result traces as "sigmoid_".
func SigmoidInPlace(x *Node) *Node {
	return unaryOp("SigmoidInPlace", x, backends.Builder.SigmoidInPlace)
}

// Sign returns element-wise +1, +/-0 or -1 depending on the sign of x.
func Sign(x *Node) *Node {
	return unaryOp("Sign", x, backends.Builder.Sign)
}

// Sqrt returns the element-wise square root of x.
func Sqrt(x *Node) *Node {
	return unaryOp("Sqrt", x, backends.Builder.Sqrt)
}

// Tanh returns the element-wise hyperbolic tangent of x.
func Tanh(x *Node) *Node {
	return unaryOp("Tanh", x, backends.Builder.Tanh)
}

// TanhInPlace is Tanh computed in the operand's storage. The operand must not be used again.
func TanhInPlace(x *Node) *Node {
	return unaryOp("TanhInPlace", x, backends.Builder.TanhInPlace)
}

// Add returns the element-wise sum of the two values.
func Add(lhs, rhs *Node) *Node {
	return binaryOp("Add", lhs, rhs, backends.Builder.Add)
}

// Div returns the element-wise division of the two values.
func Div(lhs, rhs *Node) *Node {
	return binaryOp("Div", lhs, rhs, backends.Builder.Div)
}

// Max returns the element-wise highest value among the two.
func Max(lhs, rhs *Node) *Node {
	return binaryOp("Max", lhs, rhs, backends.Builder.Max)
}

// Min returns the element-wise smallest value among the two.
func Min(lhs, rhs *Node) *Node {
	return binaryOp("Min", lhs, rhs, backends.Builder.Min)
}

// Mul returns the element-wise multiplication of the two values.
func Mul(lhs, rhs *Node) *Node {
	return binaryOp("Mul", lhs, rhs, backends.Builder.Mul)
}

// Sub returns the element-wise subtraction of the two values.
func Sub(lhs, rhs *Node) *Node {
	return binaryOp("Sub", lhs, rhs, backends.Builder.Sub)
}

// ConvertDType converts x to dtype, rounding to the nearest representable value.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	return unaryOp("ConvertDType", x, func(b backends.Builder, op backends.Op) (backends.Op, error) {
		return b.ConvertDType(op, dtype)
	})
}
