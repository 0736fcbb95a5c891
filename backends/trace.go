package backends

import (
	"fmt"
	"strings"

	"github.com/fusediff/fusediff/types"
)

// OpRecord is one entry of an ExecutionTrace: a single operator that ran.
type OpRecord struct {
	// Name of the operator as traced -- see TraceName. In-place variants carry a trailing
	// underscore ("sigmoid_"), distinguishing them from their out-of-place form ("sigmoid").
	Name string

	// OpType identifies the mathematical function. In-place variants share the OpType of
	// the out-of-place form.
	OpType OpType

	// Fused reports whether the operator was claimed into a fused segment, as opposed to
	// running standalone (interpreted or as a fallback).
	Fused bool

	// Segment is the index of the execution segment the operator ran in. All operators of a
	// fused segment share its index; standalone operators get a segment of their own.
	Segment int
}

// ExecutionTrace records the operators executed by one traced run, in execution order.
//
// Parameters and constants are not operators and never appear in a trace.
type ExecutionTrace struct {
	// Backend that produced the trace, e.g. "fuser".
	Backend string

	// Records of the operators that ran, in execution order.
	Records []OpRecord
}

// Tracing is an optional interface implemented by Executables of engines that can record
// execution traces. Both engines included with FuseDiff implement it.
type Tracing interface {
	// ExecuteTraced is Executable.Execute, also returning the trace of operators run.
	//
	// Like Execute, it panics (see github.com/gomlx/exceptions) in case of execution errors.
	ExecuteTraced(inputs ...Buffer) ([]Buffer, *ExecutionTrace)
}

// OpNames returns the names of all operators in the trace, in execution order.
// Names can repeat if the same operator ran more than once.
func (t *ExecutionTrace) OpNames() []string {
	names := make([]string, len(t.Records))
	for ii, record := range t.Records {
		names[ii] = record.Name
	}
	return names
}

// FusedOpNames returns the names of the operators that ran inside fused segments,
// in execution order. Names can repeat.
func (t *ExecutionTrace) FusedOpNames() []string {
	names := make([]string, 0, len(t.Records))
	for _, record := range t.Records {
		if record.Fused {
			names = append(names, record.Name)
		}
	}
	return names
}

// FusedSet returns the set of distinct operator names that ran inside fused segments.
func (t *ExecutionTrace) FusedSet() types.Set[string] {
	set := types.MakeSet[string]()
	for _, record := range t.Records {
		if record.Fused {
			set.Insert(record.Name)
		}
	}
	return set
}

// NumSegments returns the number of distinct execution segments in the trace.
func (t *ExecutionTrace) NumSegments() int {
	count := 0
	seen := types.MakeSet[int]()
	for _, record := range t.Records {
		if !seen.Has(record.Segment) {
			seen.Insert(record.Segment)
			count++
		}
	}
	return count
}

// String returns a multi-line human-readable listing of the trace.
func (t *ExecutionTrace) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ExecutionTrace (%s): %d op(s)\n", t.Backend, len(t.Records))
	for ii, record := range t.Records {
		if record.Fused {
			_, _ = fmt.Fprintf(&sb, "  #%d fused segment %d: %s\n", ii, record.Segment, record.Name)
		} else {
			_, _ = fmt.Fprintf(&sb, "  #%d standalone segment %d: %s\n", ii, record.Segment, record.Name)
		}
	}
	return sb.String()
}
