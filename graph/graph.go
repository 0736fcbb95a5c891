// Package graph provides the symbolic front end used to express transforms for FuseDiff: a
// thin layer over a backends.Builder that works with host tensors and panic-based error
// handling.
//
// A transform is written as a Go function over *Node values:
//
//	transform := func(x *graph.Node) *graph.Node {
//		return graph.Sigmoid(graph.Add(x, x))
//	}
//
// and is built against a concrete engine either directly (New + Compile + Run) or through an
// Exec, which caches one compiled program per combination of input shapes.
//
// Errors during graph building are programming errors (wrong shapes, mismatched dtypes,
// unsupported operations) and are reported with panic, carrying a stack trace. Use
// exceptions.TryCatch[error] to convert them to errors at an API boundary.
package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/fusediff/fusediff/types/tensors"
)

// Graph under construction for one engine. Create it with New, add parameters and operations,
// then Compile it.
type Graph struct {
	backend  backends.Backend
	builder  backends.Builder
	name     string
	compiled bool

	parameters []*Node
}

// Node is the symbolic result of an operation in a Graph. It is immutable: its shape is fixed
// at creation, checked by the engine's shape inference.
type Node struct {
	graph *Graph
	op    backends.Op
	shape shapes.Shape
}

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's value.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// New creates an empty Graph named name that builds a computation for the given engine.
func New(backend backends.Backend, name string) *Graph {
	if backend == nil {
		exceptions.Panicf("graph.New: backend is nil")
	}
	return &Graph{
		backend: backend,
		builder: backend.Builder(name),
		name:    name,
	}
}

// Name of the computation being built.
func (g *Graph) Name() string { return g.name }

// Backend the graph builds for.
func (g *Graph) Backend() backends.Backend { return g.backend }

// assertBuilding panics if the graph was already compiled.
func (g *Graph) assertBuilding(op string) {
	if g == nil {
		exceptions.Panicf("%s: graph is nil", op)
	}
	if g.compiled {
		exceptions.Panicf("%s: graph %q has already been compiled", op, g.name)
	}
}

// newNode wraps a backend op into a *Node, resolving its shape.
func (g *Graph) newNode(opName string, op backends.Op, err error) *Node {
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q: %s", g.name, opName))
	}
	shape, err := g.builder.OpShape(op)
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q: %s", g.name, opName))
	}
	return &Node{graph: g, op: op, shape: shape}
}

// Parameter creates an input parameter for the computation. During execution the
// corresponding tensor is fed in the order the parameters were created.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	g.assertBuilding("Parameter")
	op, err := g.builder.Parameter(name, shape)
	node := g.newNode("Parameter "+name, op, err)
	g.parameters = append(g.parameters, node)
	return node
}

// Const creates a constant node with the value of the given tensor. The tensor contents are
// copied into the graph.
func (g *Graph) Const(t *tensors.Tensor) *Node {
	g.assertBuilding("Const")
	t.AssertValid()
	var op backends.Op
	var err error
	t.ConstFlatData(func(flat any) {
		op, err = g.builder.Constant(flat, t.Shape().Dimensions...)
	})
	return g.newNode("Const", op, err)
}

// checkSameGraph panics if any of the nodes belongs to a different graph.
func (g *Graph) checkSameGraph(op string, nodes ...*Node) {
	for ii, node := range nodes {
		if node == nil {
			exceptions.Panicf("%s: input node #%d is nil", op, ii)
		}
		if node.graph != g {
			exceptions.Panicf("%s: input node #%d belongs to graph %q, not to graph %q",
				op, ii, node.graph.name, g.name)
		}
	}
}

// Compile the graph for the given outputs. It freezes the Graph and returns a Compiled
// program ready to Run. Compilation failures (e.g. the engine rejecting the lowering) are
// reported with panic.
func (g *Graph) Compile(outputs ...*Node) *Compiled {
	g.assertBuilding("Compile")
	if len(outputs) == 0 {
		exceptions.Panicf("Compile: graph %q given no outputs", g.name)
	}
	g.checkSameGraph("Compile", outputs...)
	ops := make([]backends.Op, len(outputs))
	for ii, output := range outputs {
		ops[ii] = output.op
	}
	exec, err := g.builder.Compile(ops...)
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q: Compile", g.name))
	}
	g.compiled = true
	c := &Compiled{
		backend:      g.backend,
		name:         g.name,
		exec:         exec,
		outputShapes: exec.Outputs(),
	}
	_, c.inputShapes = exec.Inputs()
	return c
}

// Compiled is a graph compiled by its engine, ready to run on host tensors.
type Compiled struct {
	backend      backends.Backend
	name         string
	exec         backends.Executable
	inputShapes  []shapes.Shape
	outputShapes []shapes.Shape
}

// InputShapes of the compiled program, in parameter-creation order.
func (c *Compiled) InputShapes() []shapes.Shape { return c.inputShapes }

// OutputShapes of the compiled program, in the order given to Compile.
func (c *Compiled) OutputShapes() []shapes.Shape { return c.outputShapes }

// Finalize immediately frees the compiled program.
func (c *Compiled) Finalize() {
	if c.exec == nil {
		return
	}
	c.exec.Finalize()
	c.exec = nil
}

// Run executes the compiled program with the given input tensors and returns freshly
// allocated output tensors. The inputs are uploaded to the engine and are never aliased or
// mutated. Execution errors are reported with panic.
func (c *Compiled) Run(inputs ...*tensors.Tensor) []*tensors.Tensor {
	buffers := c.uploadInputs(inputs)
	defer c.finalizeBuffers(buffers)
	return c.downloadOutputs(c.exec.Execute(buffers...))
}

// RunTraced is Run, also returning the engine's execution trace. It panics if the engine's
// executable does not implement backends.Tracing.
func (c *Compiled) RunTraced(inputs ...*tensors.Tensor) ([]*tensors.Tensor, *backends.ExecutionTrace) {
	tracing, ok := c.exec.(backends.Tracing)
	if !ok {
		exceptions.Panicf("RunTraced: engine %q executables do not record execution traces", c.backend.Name())
	}
	buffers := c.uploadInputs(inputs)
	defer c.finalizeBuffers(buffers)
	outputs, trace := tracing.ExecuteTraced(buffers...)
	return c.downloadOutputs(outputs), trace
}

// uploadInputs copies the input tensors into engine buffers, checking their shapes.
func (c *Compiled) uploadInputs(inputs []*tensors.Tensor) []backends.Buffer {
	if c.exec == nil {
		exceptions.Panicf("compiled graph %q has already been finalized", c.name)
	}
	if len(inputs) != len(c.inputShapes) {
		exceptions.Panicf("graph %q takes %d inputs, got %d", c.name, len(c.inputShapes), len(inputs))
	}
	buffers := make([]backends.Buffer, len(inputs))
	for ii, input := range inputs {
		input.AssertValid()
		if !input.Shape().Equal(c.inputShapes[ii]) {
			c.finalizeBuffers(buffers[:ii])
			exceptions.Panicf("graph %q: input #%d has shape %s, want %s",
				c.name, ii, input.Shape(), c.inputShapes[ii])
		}
		var err error
		input.ConstFlatData(func(flat any) {
			buffers[ii], err = c.backend.BufferFromFlatData(0, flat, input.Shape())
		})
		if err != nil {
			c.finalizeBuffers(buffers[:ii])
			panic(errors.WithMessagef(err, "graph %q: uploading input #%d", c.name, ii))
		}
	}
	return buffers
}

// downloadOutputs copies the engine's output buffers into fresh host tensors, finalizing the
// buffers.
func (c *Compiled) downloadOutputs(outputs []backends.Buffer) []*tensors.Tensor {
	results := make([]*tensors.Tensor, len(outputs))
	for ii, output := range outputs {
		shape, err := c.backend.BufferShape(output)
		if err != nil {
			panic(errors.WithMessagef(err, "graph %q: reading output #%d", c.name, ii))
		}
		results[ii] = tensors.FromShape(shape)
		results[ii].MutableFlatData(func(flat any) {
			err = c.backend.BufferToFlatData(output, flat)
		})
		if err != nil {
			panic(errors.WithMessagef(err, "graph %q: reading output #%d", c.name, ii))
		}
	}
	c.finalizeBuffers(outputs)
	return results
}

// finalizeBuffers releases engine buffers, ignoring errors from already-finalized entries.
func (c *Compiled) finalizeBuffers(buffers []backends.Buffer) {
	for _, buffer := range buffers {
		if buffer != nil {
			_ = c.backend.BufferFinalize(buffer)
		}
	}
}
