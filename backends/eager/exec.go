package eager

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
)

var (
	_ backends.Executable = (*Executable)(nil)
	_ backends.Tracing    = (*Executable)(nil)
)

// Executable holds a frozen Builder. It assumes the graph in the Builder is valid: all shapes
// and dtypes were checked at build time, so execution does not re-validate them.
type Executable struct {
	backend *Backend

	// builder must have Builder.compiled set to true, so it is no longer active.
	builder *Builder

	// numNodesToProcess is max(outputs' builderIdx)+1.
	// Nodes above that index are never needed by this executable.
	numNodesToProcess int

	// numUses is the number of times each node is read during the calculation.
	// It has length numNodesToProcess.
	numUses []int

	// executionBuffersPool allows the reuse of executionBuffers across calls.
	executionBuffersPool sync.Pool

	// maxInputs of all nodes used in the graph.
	maxInputs int
}

// executionBuffers holds the intermediate results during one execution of the graph.
type executionBuffers struct {
	// results hold the calculated value of each node, indexed by builderIdx.
	results []*Buffer

	// numUsed holds the number of times each node has been read so far. Once it matches
	// numUses the node's buffer can be released or reused.
	numUsed []int

	// owned indicates whether the corresponding buffer in results is owned by this
	// execution, meaning it is a temporary that can be reused or freed after its last use.
	// Caller inputs and constants are never owned.
	owned []bool

	// Reused for each op during the sequential execution.
	opInputBuffers []*Buffer
	opInputsOwned  []bool
}

// newExecutable creates an Executable ready to run the graph built with builder.
func newExecutable(builder *Builder) *Executable {
	var numNodesToProcess int
	for _, output := range builder.outputs {
		numNodesToProcess = max(numNodesToProcess, output.builderIdx+1)
	}

	e := &Executable{
		backend:           builder.backend,
		builder:           builder,
		numNodesToProcess: numNodesToProcess,
		numUses:           make([]int, numNodesToProcess),
		executionBuffersPool: sync.Pool{
			New: func() interface{} {
				return &executionBuffers{
					results: make([]*Buffer, numNodesToProcess),
					numUsed: make([]int, numNodesToProcess),
					owned:   make([]bool, numNodesToProcess),
				}
			},
		},
	}

	for nodeIdx := range numNodesToProcess {
		e.maxInputs = max(e.maxInputs, len(builder.nodes[nodeIdx].inputs))
	}

	// Count reads of each node, starting from the outputs.
	for _, output := range builder.outputs {
		e.countNodeUses(output)
	}
	return e
}

// countNodeUses recursively counts how many times a node is read.
func (e *Executable) countNodeUses(node *Node) {
	nodeIdx := node.builderIdx
	e.numUses[nodeIdx]++
	if e.numUses[nodeIdx] == 1 {
		// On the first visit, recursively traverse the inputs of the node.
		for _, input := range node.inputs {
			e.countNodeUses(input)
		}
	}
}

// Finalize immediately frees the resources associated with the executable.
func (e *Executable) Finalize() {
	if e.builder == nil {
		return
	}
	e.builder.Finalize()
	e.builder = nil
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
// returned buffers are always freshly owned by the caller.
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
// operators executed. The eager engine never fuses: every record is a standalone segment.
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
	}

	var trace *backends.ExecutionTrace
	if traced {
		trace = &backends.ExecutionTrace{Backend: BackendName}
	}

	// Get execution buffers from the pool and reset them.
	execBuf := e.executionBuffersPool.Get().(*executionBuffers)
	for ii := range e.numNodesToProcess {
		execBuf.results[ii] = nil
		execBuf.numUsed[ii] = 0
		execBuf.owned[ii] = false
	}

	// Seed parameter results with the caller's buffers. They are never owned by the
	// execution, so they are never mutated, reused or freed.
	for ii, input := range inputs {
		inputNodeIdx := e.builder.inputs[ii].builderIdx
		if inputNodeIdx >= e.numNodesToProcess {
			// Parameter not used by any output.
			continue
		}
		execBuf.results[inputNodeIdx] = input.(*Buffer)
	}

	if err := e.executeSequentially(execBuf, trace); err != nil {
		return nil, nil, err
	}

	// Collect outputs, copying those whose buffers the execution does not own.
	outputs := make([]backends.Buffer, len(e.builder.outputs))
	for ii, outputNode := range e.builder.outputs {
		outNodeIdx := outputNode.builderIdx
		outBuf := execBuf.results[outNodeIdx]
		execBuf.results[outNodeIdx] = nil // Never return the same buffer twice.
		if outBuf == nil {
			return nil, nil, errors.Errorf("Execute %q: output #%d (%s) was not calculated (!?) -- this is a bug",
				e.builder.name, ii, outputNode.opType)
		}
		if !execBuf.owned[outNodeIdx] {
			outBuf = e.backend.cloneBuffer(outBuf)
		}
		outputs[ii] = outBuf
	}

	// Release intermediate buffers that are still around, and drop dangling references.
	for nodeIdx, buf := range execBuf.results {
		if buf != nil && execBuf.owned[nodeIdx] {
			e.backend.putBuffer(buf)
		}
		execBuf.results[nodeIdx] = nil
	}
	e.executionBuffersPool.Put(execBuf)
	return outputs, trace, nil
}

// executeSequentially runs the nodes one after another, in the builder's DAG order, so every
// node's inputs are ready when it executes. If trace is not nil, every executed operator is
// recorded as its own standalone segment -- parameters and constants are not operators.
func (e *Executable) executeSequentially(execBuf *executionBuffers, trace *backends.ExecutionTrace) error {
	execBuf.opInputBuffers = make([]*Buffer, e.maxInputs)
	execBuf.opInputsOwned = make([]bool, e.maxInputs)
	defer func() {
		// Make sure we leave no dangling references to buffers.
		execBuf.opInputBuffers = nil
		execBuf.opInputsOwned = nil
	}()

	for nodeIdx := range e.numNodesToProcess {
		node := e.builder.nodes[nodeIdx]
		if execBuf.results[nodeIdx] != nil {
			// Parameters have their results pre-filled.
			continue
		}
		if e.numUses[nodeIdx] == 0 {
			// Not needed by any of this executable's outputs.
			continue
		}
		if err := e.executeNode(node, execBuf); err != nil {
			return err
		}
		if trace != nil && node.opType != backends.OpTypeConstant {
			trace.Records = append(trace.Records, backends.OpRecord{
				Name:    backends.TraceName(node.opType, node.inPlace),
				OpType:  node.opType,
				Fused:   false,
				Segment: len(trace.Records),
			})
		}
	}
	return nil
}

// executeNode computes one node, reading its inputs from execBuf and storing the result there.
func (e *Executable) executeNode(node *Node, execBuf *executionBuffers) error {
	nodeIdx := node.builderIdx

	// Constants are special: they have no inputs, and their buffer belongs to the builder
	// graph, not to this execution.
	if node.opType == backends.OpTypeConstant {
		execBuf.owned[nodeIdx] = false
		execBuf.results[nodeIdx] = node.data.(*Buffer)
		return nil
	}

	numInputs := len(node.inputs)
	inputBuffers := execBuf.opInputBuffers[:numInputs]
	inputsOwned := execBuf.opInputsOwned[:numInputs]
	for ii, input := range node.inputs {
		inputNodeIdx := input.builderIdx
		inputBuffers[ii] = execBuf.results[inputNodeIdx]
		if inputBuffers[ii] == nil || !inputBuffers[ii].shape.Ok() {
			return errors.Errorf("input #%d of node #%d (%s) is not calculated yet (!?) -- this is a bug",
				ii, nodeIdx, node.opType)
		}
		// Only "own" an input on its last read.
		inputsOwned[ii] = execBuf.owned[inputNodeIdx] && e.numUses[inputNodeIdx]-execBuf.numUsed[inputNodeIdx] == 1
	}

	executor := nodeExecutors[node.opType]
	if executor == nil {
		return errors.Errorf("node executor for op type %s not implemented", node.opType)
	}
	output, err := executor(e.backend, node, inputBuffers, inputsOwned)
	if err != nil {
		return errors.WithMessagef(err, "while executing %s", backends.TraceName(node.opType, node.inPlace))
	}
	execBuf.results[nodeIdx] = output
	execBuf.owned[nodeIdx] = true

	// Mark inputs as read, releasing the ones no longer needed. An executor that took over
	// an input buffer as its output sets the corresponding inputBuffers entry to nil.
	for ii, inputNode := range node.inputs {
		inputNodeIdx := inputNode.builderIdx
		execBuf.numUsed[inputNodeIdx]++
		if inputBuffers[ii] == nil {
			execBuf.results[inputNodeIdx] = nil
			continue
		}
		if execBuf.numUsed[inputNodeIdx] == e.numUses[inputNodeIdx] && execBuf.owned[inputNodeIdx] {
			e.backend.putBuffer(inputBuffers[ii])
			execBuf.results[inputNodeIdx] = nil
		}
	}
	return nil
}
