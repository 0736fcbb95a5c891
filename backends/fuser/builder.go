package fuser

import (
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/backends/notimplemented"
	"github.com/fusediff/fusediff/backends/shapeinference"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/shapes"
)

// Builder records the computation graph to be lowered. The lowering itself -- the optional
// float16 rewrite, the partition into segments and the memory estimate -- happens in Compile.
type Builder struct {
	notimplemented.Builder

	name     string
	backend  *Backend
	compiled bool

	// nodes are only created when their inputs have already been created, so the slice is a
	// natural DAG ordering of the graph. Both the lowering passes and the executor rely on
	// this invariance.
	nodes []*Node

	// inputs will have *nodeParameter as data.
	inputs []*Node

	// outputs can be any type of node.
	outputs []*Node
}

// Compile-time check.
var _ backends.Builder = (*Builder)(nil)

// Name implements backends.Builder.
func (b *Builder) Name() string {
	return b.name
}

// Node in the computation graph being lowered.
type Node struct {
	// builderIdx in Builder.nodes.
	builderIdx int
	inputs     []*Node

	opType  backends.OpType
	shape   shapes.Shape
	builder *Builder

	// inPlace marks unary ops recorded with the in-place spelling: they trace under the
	// trailing-underscore name. Lowered execution never aliases caller buffers, so for the
	// fuser the flag only affects the trace.
	inPlace bool

	// data for the specific node type: *nodeParameter for parameters, *Buffer for constants.
	data any
}

// nodeParameter data for OpTypeParameter nodes.
type nodeParameter struct {
	name     string
	inputIdx int
}

// newNode adds a new node of the given opType and shape to the Builder graph.
func (b *Builder) newNode(opType backends.OpType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		builder:    b,
		opType:     opType,
		builderIdx: len(b.nodes),
		shape:      shape,
		inputs:     slices.Clone(inputs),
	}
	b.nodes = append(b.nodes, n)
	return n
}

// checkOps validates that the ops were created by this builder, and that the Builder has not
// yet been compiled.
func (b *Builder) checkOps(op string, ops ...backends.Op) ([]*Node, error) {
	if b == nil {
		return nil, errors.Errorf("%s: Builder is nil (!?), cannot build a graph", op)
	}
	if b.compiled {
		return nil, errors.Errorf("cannot add new op (%s) to Builder %q, it has already been compiled", op, b.name)
	}
	nodes := make([]*Node, len(ops))
	var ok bool
	for idx, anyOp := range ops {
		if anyOp == nil {
			return nil, errors.Errorf("%s: input op #%d is nil!?", op, idx)
		}
		nodes[idx], ok = anyOp.(*Node)
		if !ok {
			return nil, errors.Errorf("%s: input op #%d was created by a different engine, cannot use it with %q",
				op, idx, BackendName)
		}
		if nodes[idx].builder != b {
			return nil, errors.Errorf("%s: input op #%d was created with a different builder (%q), cannot use it with builder %q",
				op, idx, nodes[idx].builder.name, b.name)
		}
	}
	return nodes, nil
}

// OpShape returns the shape of a computation Op.
func (b *Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	inputs, err := b.checkOps("OpShape", op)
	if err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].shape, nil
}

// Parameter creates an input parameter for the computation.
// During execution the corresponding buffer is fed in the order the parameters were created.
func (b *Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	if _, err := b.checkOps("Parameter"); err != nil {
		return nil, err
	}
	if !shape.Ok() {
		return nil, errors.Errorf("Parameter %q given an invalid shape", name)
	}
	if !Capabilities.DTypes[shape.DType] {
		return nil, errors.Errorf("Parameter %q: engine %q does not support dtype %s", name, BackendName, shape.DType)
	}
	node := b.newNode(backends.OpTypeParameter, shape.Clone())
	node.data = &nodeParameter{name: name, inputIdx: len(b.inputs)}
	b.inputs = append(b.inputs, node)
	return node, nil
}

// checkFlat verifies flat is a slice of one of the supported dtypes.
// It returns the dtype and the length of the flat slice.
func checkFlat(flat any) (dtypes.DType, int, error) {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return dtypes.InvalidDType, 0, errors.Errorf("flat data should be a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if dtype == dtypes.InvalidDType {
		return dtype, 0, errors.Errorf("flat is a slice of %s, not a valid data type", flatType.Elem())
	}
	return dtype, reflect.ValueOf(flat).Len(), nil
}

// Constant creates a constant in the graph with the given flat values, and the shape defined
// by dims. The value is copied into a newly allocated buffer, accounted against the engine's
// memory budget until the Builder (or its Executable) is finalized.
func (b *Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	if _, err := b.checkOps("Constant"); err != nil {
		return nil, err
	}
	dtype, length, err := checkFlat(flat)
	if err != nil {
		return nil, errors.WithMessage(err, "Constant")
	}
	if !Capabilities.DTypes[dtype] {
		return nil, errors.Errorf("Constant: engine %q does not support dtype %s", BackendName, dtype)
	}
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Errorf("Constant: invalid dimensions %v, they must all be positive", dims)
		}
	}
	shape := shapes.Make(dtype, dims...)
	if shape.Size() != length {
		return nil, errors.Errorf("Constant: flat has %d values, shape %s requires %d", length, shape, shape.Size())
	}
	buffer, err := b.backend.allocBuffer(shape)
	if err != nil {
		return nil, errors.WithMessage(err, "Constant")
	}
	copyFlat(buffer.flat, flat)
	node := b.newNode(backends.OpTypeConstant, shape)
	node.data = buffer
	return node, nil
}

// addUnaryOp adds a generic elementwise unary op, in-place or not.
func (b *Builder) addUnaryOp(opType backends.OpType, operandOp backends.Op, inPlace bool) (backends.Op, error) {
	inputs, err := b.checkOps(backends.TraceName(opType, inPlace), operandOp)
	if err != nil {
		return nil, err
	}
	operand := inputs[0]
	shape, err := shapeinference.UnaryOp(opType, operand.shape)
	if err != nil {
		return nil, err
	}
	node := b.newNode(opType, shape, operand)
	node.inPlace = inPlace
	return node, nil
}

// addBinaryOp adds a generic elementwise binary op, with broadcasting.
func (b *Builder) addBinaryOp(opType backends.OpType, lhsOp, rhsOp backends.Op) (backends.Op, error) {
	inputs, err := b.checkOps(opType.String(), lhsOp, rhsOp)
	if err != nil {
		return nil, err
	}
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.BinaryOp(opType, lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	return b.newNode(opType, shape, lhs, rhs), nil
}

// ConvertDType converts x to dtype, rounding to the nearest representable value.
func (b *Builder) ConvertDType(x backends.Op, dtype dtypes.DType) (backends.Op, error) {
	inputs, err := b.checkOps(backends.OpTypeConvert.String(), x)
	if err != nil {
		return nil, err
	}
	if !Capabilities.DTypes[dtype] {
		return nil, errors.Errorf("ConvertDType: engine %q does not support dtype %s", BackendName, dtype)
	}
	operand := inputs[0]
	shape, err := shapeinference.ConvertOp(operand.shape, dtype)
	if err != nil {
		return nil, err
	}
	return b.newNode(backends.OpTypeConvert, shape, operand), nil
}

// Abs returns the element-wise absolute value of x.
func (b *Builder) Abs(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeAbs, x, false)
}

// Exp returns the element-wise exponential of x.
func (b *Builder) Exp(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeExp, x, false)
}

// ExpInPlace is Exp writing its result into x's buffer.
func (b *Builder) ExpInPlace(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeExp, x, true)
}

// Log returns the element-wise natural logarithm of x.
func (b *Builder) Log(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeLog, x, false)
}

// Neg returns the element-wise negation of x.
func (b *Builder) Neg(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeNeg, x, false)
}

// Sigmoid returns the element-wise expression 1/(1+exp(-x)).
func (b *Builder) Sigmoid(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeSigmoid, x, false)
}

// SigmoidInPlace is Sigmoid writing its result into x's buffer.
func (b *Builder) SigmoidInPlace(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeSigmoid, x, true)
}

// Sign returns element-wise +1, +/-0 or -1 depending on the sign of x.
func (b *Builder) Sign(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeSign, x, false)
}

// Sqrt returns the element-wise square root of x.
func (b *Builder) Sqrt(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeSqrt, x, false)
}

// Tanh returns the element-wise hyperbolic tangent of x.
func (b *Builder) Tanh(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeTanh, x, false)
}

// TanhInPlace is Tanh writing its result into x's buffer.
func (b *Builder) TanhInPlace(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeTanh, x, true)
}

// Add returns the element-wise sum of the two values.
func (b *Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeAdd, lhs, rhs)
}

// Div returns the element-wise division of the two values.
func (b *Builder) Div(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeDiv, lhs, rhs)
}

// Max returns the element-wise highest value among the two.
func (b *Builder) Max(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMax, lhs, rhs)
}

// Min returns the element-wise smallest value among the two.
func (b *Builder) Min(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMin, lhs, rhs)
}

// Mul returns the element-wise multiplication of the two values.
func (b *Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMul, lhs, rhs)
}

// Sub returns the element-wise subtraction of the two values.
func (b *Builder) Sub(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeSub, lhs, rhs)
}

// Compile lowers the computation built: it optionally rewrites float32 compute to float16,
// partitions the nodes into fused and fallback segments, and charges the plan's estimated
// memory against the engine budget. It invalidates the Builder and returns the Executable.
//
// Compilation errors include budget exhaustion (wrapping backends.ErrOutOfMemory) and, with
// fallback disabled, operators that could not be claimed into any fused segment.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	nodes, err := b.checkOps("Compile", outputs...)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("Compile: computation %q has no outputs", b.name)
	}
	nodeSet := types.SetWith(nodes...)
	if len(nodeSet) != len(nodes) {
		return nil, errors.Errorf("Compile: repeated outputs: %d outputs, %d unique outputs", len(nodes), len(nodeSet))
	}
	b.outputs = nodes
	if err := b.checkInPlaceOperands(); err != nil {
		return nil, err
	}
	if b.backend.config.FP16 {
		b.rewriteToFloat16()
	}
	b.compiled = true
	return newExecutable(b)
}

// checkInPlaceOperands enforces the in-place contract: the operand of an in-place op must have
// no other reader in the computation -- neither another op, nor the output list -- since its
// storage may be overwritten.
func (b *Builder) checkInPlaceOperands() error {
	uses := make([]int, len(b.nodes))
	for _, node := range b.nodes {
		for _, input := range node.inputs {
			uses[input.builderIdx]++
		}
	}
	for _, output := range b.outputs {
		uses[output.builderIdx]++
	}
	for _, node := range b.nodes {
		if !node.inPlace {
			continue
		}
		operand := node.inputs[0]
		if uses[operand.builderIdx] > 1 {
			return errors.Errorf("Compile: operand of in-place %s has %d readers, in-place ops require exclusive use of their operand",
				backends.TraceName(node.opType, true), uses[operand.builderIdx])
		}
	}
	return nil
}

// Finalize immediately releases the resources associated with the Builder, returning the bytes
// of its constants to the engine budget.
func (b *Builder) Finalize() {
	for _, node := range b.nodes {
		if node.opType == backends.OpTypeConstant {
			b.backend.freeBuffer(node.data.(*Buffer))
		}
	}
	b.inputs = nil
	b.outputs = nil
	b.nodes = nil
}
