package fuser

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fusediff/fusediff/backends"
)

// segment is one unit of the lowered plan: either a fused pipeline of elementwise operators
// computed in a single pass over the data, or a single fallback operator executed with the
// per-operator reference kernels.
type segment struct {
	// id is the ordinal of the segment in the plan, reported in trace records.
	id int

	// fused is whether the segment is a fused pipeline. Fallback segments hold exactly one
	// node.
	fused bool

	// nodes claimed into the segment, in graph order.
	nodes []*Node
}

// plan is the result of lowering one computation: the partition of its nodes into segments
// and the memory estimate charged against the engine budget.
type plan struct {
	segments []*segment

	// numNodesToProcess is max(outputs' builderIdx)+1. Nodes above that index are never
	// needed by this computation.
	numNodesToProcess int

	// numUses is the number of times each node is read, by other nodes or as an output.
	// Nodes with zero uses are dead and claimed by no segment.
	numUses []int

	// materializes marks the nodes whose value must live in its own buffer at run time:
	// fallback results, and fused members read outside their segment or listed as outputs.
	// Members only read inside their own fused segment stay in registers.
	materializes []bool

	// estimatedBytes is the total size of the buffers the plan materializes in one run.
	// It is reserved against the engine budget while the Executable is alive.
	estimatedBytes int
}

// fusibleOps are the operators the fuser can claim into a fused pipeline. All of the
// engine's compute operators are elementwise, so the set excludes only the feeds.
var fusibleOps = func() [backends.OpTypeLast]bool {
	var ops [backends.OpTypeLast]bool
	for opType, supported := range Capabilities.Operations {
		if !supported || opType == backends.OpTypeParameter || opType == backends.OpTypeConstant {
			continue
		}
		ops[opType] = true
	}
	return ops
}()

// isFeed is whether the node is a parameter or constant: a value fed to the execution rather
// than computed by it.
func isFeed(node *Node) bool {
	return node.opType == backends.OpTypeParameter || node.opType == backends.OpTypeConstant
}

// newPlan partitions the compiled builder's nodes into segments: a linear scan claims maximal
// runs of fusible nodes over the same element domain into fused segments; anything unclaimed
// becomes a singleton fallback segment, or a compile error when fallback is disabled.
func newPlan(b *Builder) (*plan, error) {
	cfg := b.backend.config
	p := &plan{}
	for _, output := range b.outputs {
		p.numNodesToProcess = max(p.numNodesToProcess, output.builderIdx+1)
	}
	p.numUses = make([]int, p.numNodesToProcess)
	for _, output := range b.outputs {
		countNodeUses(p.numUses, output)
	}

	// segmentOf maps a node to the segment that computes it, -1 for feeds and dead nodes.
	segmentOf := make([]int, p.numNodesToProcess)
	for ii := range segmentOf {
		segmentOf[ii] = -1
	}
	var open *segment // Fused segment still accepting members.
	closeOpen := func() {
		open = nil
	}
	for nodeIdx := range p.numNodesToProcess {
		node := b.nodes[nodeIdx]
		if isFeed(node) || p.numUses[nodeIdx] == 0 {
			continue
		}
		if p.fusible(cfg, node) {
			if open == nil || !open.nodes[0].shape.EqualDimensions(node.shape) {
				open = &segment{id: len(p.segments), fused: true}
				p.segments = append(p.segments, open)
			}
			open.nodes = append(open.nodes, node)
			segmentOf[nodeIdx] = open.id
			continue
		}
		if cfg.NoFallback {
			return nil, errors.Wrapf(backends.ErrNotImplemented,
				"lowering %q: operator %s (node #%d) cannot be claimed into a fused segment and fallback is disabled",
				b.name, backends.TraceName(node.opType, node.inPlace), nodeIdx)
		}
		closeOpen()
		fallback := &segment{id: len(p.segments), fused: false, nodes: []*Node{node}}
		p.segments = append(p.segments, fallback)
		segmentOf[nodeIdx] = fallback.id
	}

	// A value materializes when it is read from another segment or listed as an output.
	p.materializes = make([]bool, p.numNodesToProcess)
	for nodeIdx := range p.numNodesToProcess {
		node := b.nodes[nodeIdx]
		if isFeed(node) || p.numUses[nodeIdx] == 0 {
			continue
		}
		for _, input := range node.inputs {
			if isFeed(input) {
				continue
			}
			if segmentOf[input.builderIdx] != segmentOf[nodeIdx] {
				p.materializes[input.builderIdx] = true
			}
		}
	}
	for _, output := range b.outputs {
		if !isFeed(output) {
			p.materializes[output.builderIdx] = true
		}
	}
	for nodeIdx, seg := range segmentOf {
		if seg >= 0 && !p.segments[seg].fused {
			// Fallback kernels always write a full output buffer.
			p.materializes[nodeIdx] = true
		}
	}
	for nodeIdx, materializes := range p.materializes {
		if materializes {
			p.estimatedBytes += int(b.nodes[nodeIdx].shape.Memory())
		}
	}

	if klog.V(1).Enabled() {
		numFused := 0
		for _, seg := range p.segments {
			if seg.fused {
				numFused++
			}
		}
		klog.Infof("fuser: lowered %q into %d segment(s) (%d fused), estimated %s of buffers per run",
			b.name, len(p.segments), numFused, humanize.IBytes(uint64(p.estimatedBytes)))
	}
	return p, nil
}

// fusible is whether the node can be claimed into a fused pipeline under the given
// configuration: a supported elementwise operator, over a supported dtype, whose operator name
// passes the allow/deny lists, and whose inputs are scalars or match its own element domain --
// axis-broadcasting inside a pipeline is not supported and falls back.
func (p *plan) fusible(cfg Config, node *Node) bool {
	if !fusibleOps[node.opType] {
		return false
	}
	if !Capabilities.DTypes[node.shape.DType] {
		return false
	}
	if !cfg.lowers(node.opType.String()) {
		return false
	}
	for _, input := range node.inputs {
		if input.shape.IsScalar() {
			continue
		}
		if !input.shape.EqualDimensions(node.shape) {
			return false
		}
	}
	return true
}

// countNodeUses recursively counts how many times a node is read.
func countNodeUses(numUses []int, node *Node) {
	nodeIdx := node.builderIdx
	numUses[nodeIdx]++
	if numUses[nodeIdx] == 1 {
		for _, input := range node.inputs {
			countNodeUses(numUses, input)
		}
	}
}
