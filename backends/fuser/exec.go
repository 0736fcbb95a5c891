package fuser

import (
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/kernels"
	"github.com/fusediff/fusediff/types/shapes"
)

var (
	_ backends.Executable = (*Executable)(nil)
	_ backends.Tracing    = (*Executable)(nil)
)

// Executable holds a lowered computation: the frozen builder graph, its segment plan and the
// per-segment pipelines, compiled once and reused across executions.
//
// The plan's estimated buffer bytes are reserved from the engine budget for the lifetime of
// the Executable -- buffers created while running are covered by that charge and are not
// accounted individually.
type Executable struct {
	backend *Backend

	// builder must have Builder.compiled set to true, so it is no longer active.
	builder *Builder

	plan *plan

	// pipelines correspond 1:1 with the plan's segments; fallback segments have nil entries.
	pipelines []*pipeline
}

// newExecutable lowers the compiled builder: partitions it into segments, compiles the fused
// pipelines and reserves the plan's memory estimate.
func newExecutable(b *Builder) (*Executable, error) {
	p, err := newPlan(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", b.name)
	}
	e := &Executable{
		backend:   b.backend,
		builder:   b,
		plan:      p,
		pipelines: make([]*pipeline, len(p.segments)),
	}
	for ii, seg := range p.segments {
		if !seg.fused {
			continue
		}
		e.pipelines[ii], err = newPipeline(p, seg)
		if err != nil {
			return nil, errors.WithMessagef(err, "compiling %q: fused segment #%d", b.name, seg.id)
		}
	}
	if err := b.backend.allocator.reserve(p.estimatedBytes); err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", b.name)
	}
	return e, nil
}

// Finalize immediately frees the resources associated with the executable: the plan's memory
// charge, and the builder graph with its constants.
func (e *Executable) Finalize() {
	if e.builder == nil {
		return
	}
	e.backend.allocator.release(e.plan.estimatedBytes)
	e.builder.Finalize()
	e.builder = nil
	e.plan = nil
	e.pipelines = nil
}

// Inputs returns the list of parameter names and shapes, in the order created by the
// Builder.Parameter calls.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	numInputs := len(e.builder.inputs)
	if numInputs == 0 {
		return
	}
	names = make([]string, numInputs)
	inputShapes = make([]shapes.Shape, numInputs)
	for ii, node := range e.builder.inputs {
		names[ii] = node.data.(*nodeParameter).name
		inputShapes[ii] = node.shape
	}
	return
}

// Outputs returns the output shapes of the computation, in the order given to Builder.Compile.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	numOutputs := len(e.builder.outputs)
	if numOutputs == 0 {
		return
	}
	outputShapes = make([]shapes.Shape, numOutputs)
	for ii, node := range e.builder.outputs {
		outputShapes[ii] = node.shape
	}
	return outputShapes
}

// Execute the computation with the given inputs. The number and shapes of the inputs must
// match those returned by Inputs.
//
// Input buffers are never donated: the caller can keep using them after the call, and the
// returned buffers are always freshly owned by the caller. In-place operators in the
// computation alias plan-internal values only, never the caller's buffers.
//
// Errors are reported with panic, and can be caught with exceptions.TryCatch[error].
func (e *Executable) Execute(inputs ...backends.Buffer) []backends.Buffer {
	outputs, _, err := e.run(inputs, false)
	if err != nil {
		panic(err)
	}
	return outputs
}

// ExecuteTraced runs the computation like Execute and additionally returns the trace of the
// operators executed: one record per operator, with Fused set for those claimed into fused
// segments, in execution order.
func (e *Executable) ExecuteTraced(inputs ...backends.Buffer) ([]backends.Buffer, *backends.ExecutionTrace) {
	outputs, trace, err := e.run(inputs, true)
	if err != nil {
		panic(err)
	}
	return outputs, trace
}

func (e *Executable) run(inputs []backends.Buffer, traced bool) ([]backends.Buffer, *backends.ExecutionTrace, error) {
	if e.builder == nil {
		return nil, nil, errors.Errorf("executable has already been finalized")
	}
	if len(inputs) != len(e.builder.inputs) {
		return nil, nil, errors.Errorf("Execute %q: expected %d inputs, got %d",
			e.builder.name, len(e.builder.inputs), len(inputs))
	}

	// results hold the materialized value of each node: caller buffers for parameters,
	// builder buffers for constants, plan-covered raw buffers for computed values.
	results := make([]*Buffer, e.plan.numNodesToProcess)
	for ii, input := range inputs {
		buffer, err := e.backend.checkBuffer(input)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Execute %q: input #%d", e.builder.name, ii)
		}
		nodeInput := e.builder.inputs[ii]
		if !buffer.shape.Equal(nodeInput.shape) {
			paramName := nodeInput.data.(*nodeParameter).name
			return nil, nil, errors.Errorf("Execute %q: parameter %q (input #%d): expected shape %s, got %s",
				e.builder.name, paramName, ii, nodeInput.shape, buffer.shape)
		}
		if nodeInput.builderIdx < e.plan.numNodesToProcess {
			results[nodeInput.builderIdx] = buffer
		}
	}
	for nodeIdx := range e.plan.numNodesToProcess {
		node := e.builder.nodes[nodeIdx]
		if node.opType == backends.OpTypeConstant && e.plan.numUses[nodeIdx] > 0 {
			results[nodeIdx] = node.data.(*Buffer)
		}
	}

	var trace *backends.ExecutionTrace
	if traced {
		trace = &backends.ExecutionTrace{Backend: BackendName}
	}

	for segIdx, seg := range e.plan.segments {
		var err error
		if seg.fused {
			err = e.pipelines[segIdx].execute(e, results)
		} else {
			err = e.runFallback(seg.nodes[0], results)
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Execute %q: segment #%d", e.builder.name, seg.id)
		}
		if trace != nil {
			for _, node := range seg.nodes {
				trace.Records = append(trace.Records, backends.OpRecord{
					Name:    backends.TraceName(node.opType, node.inPlace),
					OpType:  node.opType,
					Fused:   seg.fused,
					Segment: seg.id,
				})
			}
		}
	}

	// Collect outputs. Feeds are cloned: the caller's and the builder's buffers are never
	// handed out.
	outputs := make([]backends.Buffer, len(e.builder.outputs))
	for ii, outputNode := range e.builder.outputs {
		outBuf := results[outputNode.builderIdx]
		if outBuf == nil {
			return nil, nil, errors.Errorf("Execute %q: output #%d (%s) was not calculated (!?) -- this is a bug",
				e.builder.name, ii, outputNode.opType)
		}
		if isFeed(outputNode) {
			clone := newRawBuffer(outBuf.shape)
			copyFlat(clone.flat, outBuf.flat)
			outBuf = clone
		}
		outputs[ii] = outBuf
	}
	return outputs, trace, nil
}

// runFallback executes one unclaimed operator with the same per-operator kernels the eager
// engine uses, writing into a fresh plan-covered buffer.
func (e *Executable) runFallback(node *Node, results []*Buffer) error {
	output := newRawBuffer(node.shape)
	var err error
	switch node.opType {
	case backends.OpTypeConvert:
		operand := results[node.inputs[0].builderIdx]
		err = kernels.Convert(operand.shape.DType, node.shape.DType, operand.flat, output.flat, e.backend.workers)
	default:
		switch len(node.inputs) {
		case 1:
			operand := results[node.inputs[0].builderIdx]
			err = kernels.Unary(node.opType, operand.shape.DType, operand.flat, output.flat, e.backend.workers)
		case 2:
			lhs := results[node.inputs[0].builderIdx]
			rhs := results[node.inputs[1].builderIdx]
			err = kernels.Binary(node.opType, node.shape.DType,
				lhs.flat, rhs.flat, output.flat,
				lhs.shape, rhs.shape, node.shape, e.backend.workers)
		default:
			err = errors.Errorf("fallback operator %s has %d inputs (!?)", node.opType, len(node.inputs))
		}
	}
	if err != nil {
		return errors.WithMessagef(err, "while executing fallback %s", backends.TraceName(node.opType, node.inPlace))
	}
	results[node.builderIdx] = output
	return nil
}
