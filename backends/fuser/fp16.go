package fuser

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/fusediff/fusediff/backends"
)

// rewriteToFloat16 rewrites the graph so that all float32 compute happens in float16:
// converts are inserted after float32 parameters and constants, every float32 compute node is
// retyped to float16, and converts back to float32 are inserted before float32 outputs. The
// declared input and output dtypes of the computation are preserved.
//
// It runs before partitioning, so the inserted converts are ordinary elementwise nodes and
// fuse into their neighboring segments.
func (b *Builder) rewriteToFloat16() {
	oldNodes := b.nodes
	oldInputs := b.inputs
	oldOutputs := b.outputs
	b.nodes = make([]*Node, 0, len(oldNodes)+len(oldInputs)+len(oldOutputs))
	b.inputs = make([]*Node, 0, len(oldInputs))

	// mapped[oldIdx] is the node carrying the old node's value in the rewritten graph,
	// in the compute dtype (float16 where the old graph had float32).
	mapped := make([]*Node, len(oldNodes))
	for _, oldNode := range oldNodes {
		switch oldNode.opType {
		case backends.OpTypeParameter:
			param := b.newNode(backends.OpTypeParameter, oldNode.shape)
			param.data = oldNode.data
			b.inputs = append(b.inputs, param)
			mapped[oldNode.builderIdx] = b.toFloat16(param)

		case backends.OpTypeConstant:
			constant := b.newNode(backends.OpTypeConstant, oldNode.shape)
			constant.data = oldNode.data
			mapped[oldNode.builderIdx] = b.toFloat16(constant)

		case backends.OpTypeConvert:
			target := oldNode.shape.DType
			if target == dtypes.Float32 {
				target = dtypes.Float16
			}
			operand := mapped[oldNode.inputs[0].builderIdx]
			if operand.shape.DType == target {
				// The convert became a no-op under the rewrite, e.g. an explicit
				// float32->float16 cast in a graph now computing in float16.
				mapped[oldNode.builderIdx] = operand
				continue
			}
			mapped[oldNode.builderIdx] = b.newNode(backends.OpTypeConvert,
				oldNode.shape.WithDType(target), operand)

		default:
			inputs := make([]*Node, len(oldNode.inputs))
			for ii, input := range oldNode.inputs {
				inputs[ii] = mapped[input.builderIdx]
			}
			shape := oldNode.shape
			if shape.DType == dtypes.Float32 {
				shape = shape.WithDType(dtypes.Float16)
			}
			newNode := b.newNode(oldNode.opType, shape, inputs...)
			newNode.inPlace = oldNode.inPlace
			mapped[oldNode.builderIdx] = newNode
		}
	}

	b.outputs = make([]*Node, len(oldOutputs))
	for ii, oldOutput := range oldOutputs {
		output := mapped[oldOutput.builderIdx]
		if output.shape.DType != oldOutput.shape.DType {
			output = b.newNode(backends.OpTypeConvert,
				output.shape.WithDType(oldOutput.shape.DType), output)
		}
		b.outputs[ii] = output
	}
}

// toFloat16 appends a convert-to-float16 node after a float32 feed (parameter or constant),
// or returns the feed unchanged for any other dtype.
func (b *Builder) toFloat16(feed *Node) *Node {
	if feed.shape.DType != dtypes.Float32 {
		return feed
	}
	return b.newNode(backends.OpTypeConvert, feed.shape.WithDType(dtypes.Float16), feed)
}
