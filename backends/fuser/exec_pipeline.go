package fuser

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/internal/kernels"
)

// minParallelElements is the minimum shard size when splitting a pipeline pass over the
// workers pool. Below 2x this, the pass runs inline.
const minParallelElements = 4096

// argKind says where a pipeline operator reads one of its arguments from.
type argKind uint8

const (
	// argMember reads the in-register value of an earlier member of the same segment.
	argMember argKind = iota

	// argExternal reads the current element of a materialized buffer from outside the
	// segment (a feed or an earlier segment's result).
	argExternal

	// argScalar reads a scalar from outside the segment, loaded once per run.
	argScalar
)

// pipeArg locates one argument of a pipeline operator: Index is the member ordinal, the
// external-slot ordinal, or the scalar-slot ordinal, depending on Kind.
type pipeArg struct {
	kind  argKind
	index int
}

// pipeOp is one member operator of a compiled pipeline. Exactly one of unary and binary is
// set; converts use unary with the rounding function of their target dtype.
type pipeOp struct {
	node   *Node
	unary  func(float64) float64
	binary func(a, b float64) float64
	args   []pipeArg

	// store is the store-slot to write this member's value to, or -1 when the value is only
	// read in-register by later members.
	store int
}

// pipeline is a fused segment compiled into a single elementwise pass: member values flow
// through a float64 scratch vector, rounding only at explicit dtype boundaries (converts) and
// at the final stores.
type pipeline struct {
	seg *segment

	// numElements all members of the segment iterate over.
	numElements int

	ops []pipeOp

	// externals and scalars are the nodes feeding the segment from outside; stores are the
	// members whose value must be written to a materialized buffer.
	externals []*Node
	scalars   []*Node
	stores    []*Node
}

// newPipeline compiles one fused segment: it resolves every member's arguments to in-register
// members, per-element external loads or per-run scalar loads, binds the float64 kernels, and
// assigns store slots for the members that materialize.
func newPipeline(p *plan, seg *segment) (*pipeline, error) {
	pl := &pipeline{
		seg:         seg,
		numElements: seg.nodes[0].shape.Size(),
	}
	memberOf := make(map[int]int, len(seg.nodes)) // builderIdx -> member ordinal.
	for ii, node := range seg.nodes {
		memberOf[node.builderIdx] = ii
	}
	externalOf := make(map[int]int) // builderIdx -> external-slot ordinal.
	scalarOf := make(map[int]int)   // builderIdx -> scalar-slot ordinal.

	pl.ops = make([]pipeOp, 0, len(seg.nodes))
	for _, node := range seg.nodes {
		op := pipeOp{node: node, store: -1}
		op.args = make([]pipeArg, len(node.inputs))
		for ii, input := range node.inputs {
			inputIdx := input.builderIdx
			if memberIdx, ok := memberOf[inputIdx]; ok {
				op.args[ii] = pipeArg{kind: argMember, index: memberIdx}
				continue
			}
			if input.shape.IsScalar() {
				slot, ok := scalarOf[inputIdx]
				if !ok {
					slot = len(pl.scalars)
					scalarOf[inputIdx] = slot
					pl.scalars = append(pl.scalars, input)
				}
				op.args[ii] = pipeArg{kind: argScalar, index: slot}
				continue
			}
			slot, ok := externalOf[inputIdx]
			if !ok {
				slot = len(pl.externals)
				externalOf[inputIdx] = slot
				pl.externals = append(pl.externals, input)
			}
			op.args[ii] = pipeArg{kind: argExternal, index: slot}
		}

		var err error
		switch {
		case node.opType == backends.OpTypeConvert:
			op.unary = roundFn(node.shape.DType)
		case len(node.inputs) == 1:
			op.unary, err = kernels.UnaryFloat64Fn(node.opType)
		case len(node.inputs) == 2:
			op.binary, err = kernels.BinaryFloat64Fn(node.opType)
		default:
			err = errors.Errorf("operator %s has %d inputs (!?)", node.opType, len(node.inputs))
		}
		if err != nil {
			return nil, err
		}

		if p.materializes[node.builderIdx] {
			op.store = len(pl.stores)
			pl.stores = append(pl.stores, node)
		}
		pl.ops = append(pl.ops, op)
	}
	return pl, nil
}

// execute runs the pipeline as one pass over the element range, sharded over the workers pool.
// It reads materialized values from results and stores the segment's materialized members back
// into it, in fresh plan-covered buffers.
func (pl *pipeline) execute(e *Executable, results []*Buffer) error {
	// Per-run bindings: scalar values, per-element loaders and storers.
	scalarValues := make([]float64, len(pl.scalars))
	for ii, node := range pl.scalars {
		buffer := results[node.builderIdx]
		load, err := loadFn(buffer.shape.DType, buffer.flat)
		if err != nil {
			return err
		}
		scalarValues[ii] = load(0)
	}
	loads := make([]func(int) float64, len(pl.externals))
	for ii, node := range pl.externals {
		buffer := results[node.builderIdx]
		load, err := loadFn(buffer.shape.DType, buffer.flat)
		if err != nil {
			return err
		}
		loads[ii] = load
	}
	storeBuffers := make([]*Buffer, len(pl.stores))
	stores := make([]func(int, float64), len(pl.stores))
	for ii, node := range pl.stores {
		storeBuffers[ii] = newRawBuffer(node.shape)
		store, err := storeFn(node.shape.DType, storeBuffers[ii].flat)
		if err != nil {
			return err
		}
		stores[ii] = store
	}

	ops := pl.ops
	e.backend.workers.Range(pl.numElements, minParallelElements, func(start, end int) {
		values := make([]float64, len(ops))
		for element := start; element < end; element++ {
			for memberIdx := range ops {
				op := &ops[memberIdx]
				arg0 := argValue(op.args[0], values, loads, scalarValues, element)
				var value float64
				if op.binary != nil {
					arg1 := argValue(op.args[1], values, loads, scalarValues, element)
					value = op.binary(arg0, arg1)
				} else {
					value = op.unary(arg0)
				}
				values[memberIdx] = value
				if op.store >= 0 {
					stores[op.store](element, value)
				}
			}
		}
	})

	for ii, node := range pl.stores {
		results[node.builderIdx] = storeBuffers[ii]
	}
	return nil
}

// argValue reads one pipeline argument for the given element.
func argValue(arg pipeArg, values []float64, loads []func(int) float64, scalars []float64, element int) float64 {
	switch arg.kind {
	case argMember:
		return values[arg.index]
	case argExternal:
		return loads[arg.index](element)
	default:
		return scalars[arg.index]
	}
}

// roundFn returns the function rounding a float64 pipeline value through the given dtype, used
// at the explicit dtype boundaries (convert members) of a pipeline.
func roundFn(dtype dtypes.DType) func(float64) float64 {
	switch dtype {
	case dtypes.Float64:
		return func(v float64) float64 { return v }
	case dtypes.Float32:
		return func(v float64) float64 { return float64(float32(v)) }
	case dtypes.Float16:
		return func(v float64) float64 {
			return float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case dtypes.BFloat16:
		return func(v float64) float64 {
			return float64(bfloat16.FromFloat32(float32(v)).Float32())
		}
	case dtypes.Int32:
		return func(v float64) float64 { return float64(int32(v)) }
	case dtypes.Int64:
		return func(v float64) float64 { return float64(int64(v)) }
	case dtypes.Uint8:
		return func(v float64) float64 { return float64(uint8(v)) }
	}
	// Partitioning only claims supported dtypes.
	return func(v float64) float64 { return v }
}

// loadFn returns a per-element float64 loader over the given flat slice.
func loadFn(dtype dtypes.DType, flat any) (func(int) float64, error) {
	switch dtype {
	case dtypes.Float64:
		data := flat.([]float64)
		return func(ii int) float64 { return data[ii] }, nil
	case dtypes.Float32:
		data := flat.([]float32)
		return func(ii int) float64 { return float64(data[ii]) }, nil
	case dtypes.Float16:
		data := flat.([]float16.Float16)
		return func(ii int) float64 { return float64(data[ii].Float32()) }, nil
	case dtypes.BFloat16:
		data := flat.([]bfloat16.BFloat16)
		return func(ii int) float64 { return float64(data[ii].Float32()) }, nil
	case dtypes.Int32:
		data := flat.([]int32)
		return func(ii int) float64 { return float64(data[ii]) }, nil
	case dtypes.Int64:
		data := flat.([]int64)
		return func(ii int) float64 { return float64(data[ii]) }, nil
	case dtypes.Uint8:
		data := flat.([]uint8)
		return func(ii int) float64 { return float64(data[ii]) }, nil
	}
	return nil, errors.Errorf("pipelines do not support dtype %s", dtype)
}

// storeFn returns a per-element storer rounding float64 pipeline values into the given flat
// slice.
func storeFn(dtype dtypes.DType, flat any) (func(int, float64), error) {
	switch dtype {
	case dtypes.Float64:
		data := flat.([]float64)
		return func(ii int, v float64) { data[ii] = v }, nil
	case dtypes.Float32:
		data := flat.([]float32)
		return func(ii int, v float64) { data[ii] = float32(v) }, nil
	case dtypes.Float16:
		data := flat.([]float16.Float16)
		return func(ii int, v float64) { data[ii] = float16.Fromfloat32(float32(v)) }, nil
	case dtypes.BFloat16:
		data := flat.([]bfloat16.BFloat16)
		return func(ii int, v float64) { data[ii] = bfloat16.FromFloat32(float32(v)) }, nil
	case dtypes.Int32:
		data := flat.([]int32)
		return func(ii int, v float64) { data[ii] = int32(v) }, nil
	case dtypes.Int64:
		data := flat.([]int64)
		return func(ii int, v float64) { data[ii] = int64(v) }, nil
	case dtypes.Uint8:
		data := flat.([]uint8)
		return func(ii int, v float64) { data[ii] = uint8(v) }, nil
	}
	return nil, errors.Errorf("pipelines do not support dtype %s", dtype)
}
