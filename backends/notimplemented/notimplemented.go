// Package notimplemented implements a backends.Builder interface that returns a "not implemented"
// error for every operation.
//
// This can help bootstrap any backend implementation: embed Builder and override only the
// operations the backend actually supports.
package notimplemented

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to it with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Builder implements backends.Builder and returns the NotImplementedError wrapped with the stack-trace
// and the operation name for every operation.
type Builder struct {
	// ErrFn is called to generate the error returned, if not nil. Otherwise NotImplementedError is wrapped directly.
	//
	// For non-op methods (like Builder.Name and Builder.Compile) you will have to override them.
	ErrFn func(op backends.OpType) error
}

var _ backends.Builder = Builder{}

func (b Builder) err(op backends.OpType) error {
	if b.ErrFn != nil {
		return b.ErrFn(op)
	}
	return errors.Wrapf(NotImplementedError, "in op %s", op)
}

func (b Builder) Name() string {
	return "Dummy \"not implemented\" builder, please override this method"
}

func (b Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	return nil, errors.Wrapf(NotImplementedError, "in Compile()")
}

func (b Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	return shapes.Invalid(), errors.Wrapf(NotImplementedError, "in OpShape()")
}

func (b Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	return nil, b.err(backends.OpTypeParameter)
}

func (b Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	return nil, b.err(backends.OpTypeConstant)
}

func (b Builder) Abs(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeAbs)
}

func (b Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeAdd)
}

func (b Builder) ConvertDType(x backends.Op, dtype dtypes.DType) (backends.Op, error) {
	return nil, b.err(backends.OpTypeConvert)
}

func (b Builder) Div(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeDiv)
}

func (b Builder) Exp(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeExp)
}

func (b Builder) ExpInPlace(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeExp)
}

func (b Builder) Log(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeLog)
}

func (b Builder) Max(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeMax)
}

func (b Builder) Min(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeMin)
}

func (b Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeMul)
}

func (b Builder) Neg(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeNeg)
}

func (b Builder) Sigmoid(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeSigmoid)
}

func (b Builder) SigmoidInPlace(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeSigmoid)
}

func (b Builder) Sign(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeSign)
}

func (b Builder) Sqrt(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeSqrt)
}

func (b Builder) Sub(lhs, rhs backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeSub)
}

func (b Builder) Tanh(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeTanh)
}

func (b Builder) TanhInPlace(x backends.Op) (backends.Op, error) {
	return nil, b.err(backends.OpTypeTanh)
}
