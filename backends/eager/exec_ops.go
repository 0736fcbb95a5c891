package eager

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/kernels"
)

// nodeExecutor computes one node. It is given the buffers of the node's inputs and, for each,
// whether this execution owns it -- owned buffers may be taken over as the output, in which
// case the executor sets the corresponding inputs entry to nil.
type nodeExecutor func(backend *Backend, node *Node, inputs []*Buffer, inputsOwned []bool) (*Buffer, error)

// nodeExecutors is populated during initialization, one entry per implemented op.
// Entries left nil report an execution error.
var nodeExecutors [backends.OpTypeLast]nodeExecutor

func init() {
	for _, opType := range []backends.OpType{
		backends.OpTypeAbs,
		backends.OpTypeExp,
		backends.OpTypeLog,
		backends.OpTypeNeg,
		backends.OpTypeSigmoid,
		backends.OpTypeSign,
		backends.OpTypeSqrt,
		backends.OpTypeTanh,
	} {
		nodeExecutors[opType] = execUnary
	}
	for _, opType := range []backends.OpType{
		backends.OpTypeAdd,
		backends.OpTypeDiv,
		backends.OpTypeMax,
		backends.OpTypeMin,
		backends.OpTypeMul,
		backends.OpTypeSub,
	} {
		nodeExecutors[opType] = execBinary
	}
	nodeExecutors[backends.OpTypeConvert] = execConvert
}

// unaryOperandAndOutput returns the operand and output buffers for a unary op: the output
// reuses the operand's buffer when this execution owns it.
func unaryOperandAndOutput(backend *Backend, inputs []*Buffer, inputsOwned []bool) (operand, output *Buffer) {
	operand = inputs[0]
	if inputsOwned[0] {
		output = operand
		inputs[0] = nil // Tells the caller the buffer was taken over.
		return
	}
	output = backend.getBuffer(operand.shape.DType, operand.shape.Size())
	output.shape = operand.shape.Clone()
	return
}

// execUnary executes any of the elementwise unary ops.
func execUnary(backend *Backend, node *Node, inputs []*Buffer, inputsOwned []bool) (*Buffer, error) {
	operand, output := unaryOperandAndOutput(backend, inputs, inputsOwned)
	err := kernels.Unary(node.opType, operand.shape.DType, operand.flat, output.flat, backend.workers)
	if err != nil {
		if output != operand {
			backend.putBuffer(output)
		}
		return nil, err
	}
	return output, nil
}

// execBinary executes any of the elementwise binary ops, with broadcasting.
func execBinary(backend *Backend, node *Node, inputs []*Buffer, inputsOwned []bool) (*Buffer, error) {
	lhs, rhs := inputs[0], inputs[1]
	var output *Buffer
	switch {
	case inputsOwned[0] && lhs.shape.Equal(node.shape):
		output = lhs
		inputs[0] = nil
	case inputsOwned[1] && rhs.shape.Equal(node.shape):
		output = rhs
		inputs[1] = nil
	default:
		output = backend.getBuffer(node.shape.DType, node.shape.Size())
		output.shape = node.shape.Clone()
	}
	err := kernels.Binary(node.opType, node.shape.DType,
		lhs.flat, rhs.flat, output.flat,
		lhs.shape, rhs.shape, node.shape, backend.workers)
	if err != nil {
		if output != lhs && output != rhs {
			backend.putBuffer(output)
		}
		return nil, err
	}
	return output, nil
}

// execConvert executes the dtype conversion op. The output dtype differs from the input's, so
// the operand's buffer is never reused.
func execConvert(backend *Backend, node *Node, inputs []*Buffer, _ []bool) (*Buffer, error) {
	operand := inputs[0]
	output := backend.getBuffer(node.shape.DType, node.shape.Size())
	output.shape = node.shape.Clone()
	err := kernels.Convert(operand.shape.DType, node.shape.DType, operand.flat, output.flat, backend.workers)
	if err != nil {
		backend.putBuffer(output)
		return nil, err
	}
	return output, nil
}
