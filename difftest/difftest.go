// Package difftest implements the differential execution comparator at the heart of FuseDiff.
//
// Compare runs one transform twice -- once on a reference engine (eager, unoptimized ground
// truth) and once on a lowered engine (compiled, with operator fusion) -- then checks that:
//
//  1. the two sets of outputs match element-wise within a numerical tolerance;
//  2. every operator name the caller expected to be fused appears in the lowered execution's
//     fused trace records;
//  3. the lowered engine could compile and execute the transform at all.
//
// Any violation is a hard failure with a specific class (see FailureKind): there are no
// warnings, retries or partial passes. The comparator is a test oracle, not a production
// path.
//
// The comparator knows nothing about the engines beyond the backends.Backend interface and
// the backends.Tracing executable interface, which the lowered engine must implement.
package difftest

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats/scalar"
	"k8s.io/klog/v2"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/graph"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/tensors"
)

// DefaultTolerance is the output-comparison bound used when TestCase.Tolerance is zero. It is
// applied as an absolute-or-relative bound per element (scalar.EqualWithinAbsOrRel with the
// same value for both), the customary bound for float32 comparisons.
const DefaultTolerance = 1e-4

// Float16Tolerance is the documented bound for comparisons of transforms lowered through
// float16 compute, whose rounding error dwarfs DefaultTolerance.
const Float16Tolerance = 1e-2

// TestCase is one differential scenario: a transform, the concrete inputs to feed it, and the
// operator names expected to be claimed into fused segments by the lowered engine.
//
// It is immutable: constructed once, consumed by one Compare call, never mutated. Inputs are
// caller-supplied -- determinism (seeding, value choice) is the caller's responsibility.
type TestCase struct {
	// Name of the scenario, used in failure messages.
	Name string

	// Transform is the 1-input, 1-output form of the function under test.
	// Exactly one of Transform and TransformN must be set.
	Transform graph.Transform

	// TransformN is the general N-inputs, M-outputs form.
	TransformN graph.TransformN

	// Inputs are the concrete tensors fed, bit-identically, to both execution paths.
	Inputs []*tensors.Tensor

	// ExpectedFusedOps are the operator names (verbatim trace identifiers, e.g. "sigmoid"
	// or "sigmoid_") that must appear among the lowered execution's fused records.
	ExpectedFusedOps types.Set[string]

	// Tolerance for the output comparison. Zero selects DefaultTolerance.
	Tolerance float64
}

// transformN returns the general form of the test case's transform.
func (tc TestCase) transformN() (graph.TransformN, error) {
	switch {
	case tc.Transform != nil && tc.TransformN != nil:
		return nil, errors.Errorf("test case %q sets both Transform and TransformN", tc.Name)
	case tc.Transform != nil:
		fn := tc.Transform
		return func(inputs []*graph.Node) []*graph.Node {
			if len(inputs) != 1 {
				exceptions.Panicf("test case %q uses the 1-input Transform form but has %d inputs",
					tc.Name, len(inputs))
			}
			return []*graph.Node{fn(inputs[0])}
		}, nil
	case tc.TransformN != nil:
		return tc.TransformN, nil
	default:
		return nil, errors.Errorf("test case %q sets neither Transform nor TransformN", tc.Name)
	}
}

// FailureKind is the class of a differential-comparison failure.
type FailureKind int

const (
	// ValueMismatch: the lowered outputs differ from the reference outputs beyond
	// tolerance, or in shape or dtype.
	ValueMismatch FailureKind = iota

	// MissingFusedOp: an operator name the caller expected was not claimed into any fused
	// segment of the lowered execution.
	MissingFusedOp

	// LoweringFailure: the lowered engine could not compile or execute the transform.
	LoweringFailure
)

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	switch k {
	case ValueMismatch:
		return "value-mismatch"
	case MissingFusedOp:
		return "missing-fused-op"
	case LoweringFailure:
		return "lowering-failure"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure is one violated check of a differential comparison.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// String implements fmt.Stringer.
func (f Failure) String() string {
	return fmt.Sprintf("[%s] %s", f.Kind, f.Detail)
}

// Result of one differential comparison. Derived per call, never persisted.
type Result struct {
	// Name of the compared test case.
	Name string

	// OutputsMatch is whether every lowered output matched its reference output within
	// ToleranceUsed.
	OutputsMatch bool

	// ToleranceUsed is the resolved tolerance bound (DefaultTolerance when the test case
	// left it zero).
	ToleranceUsed float64

	// MissingExpectedOps are the expected fused operator names absent from the lowered
	// execution's fused records, sorted.
	MissingExpectedOps []string

	// MaxAbsDiff is the largest absolute element-wise difference observed across all
	// outputs; +Inf when shapes or dtypes diverged.
	MaxAbsDiff float64

	// ReferenceOutputs and LoweredOutputs are the snapshots taken immediately after each
	// path's execution.
	ReferenceOutputs []*tensors.Tensor
	LoweredOutputs   []*tensors.Tensor

	// Trace of the lowered execution, nil when lowering failed.
	Trace *backends.ExecutionTrace

	// Failures of the comparison, one per violated check, in check order.
	Failures []Failure
}

// Failed is whether any check was violated.
func (r *Result) Failed() bool {
	return len(r.Failures) > 0
}

// String renders a short human-readable report of the result.
func (r *Result) String() string {
	var sb strings.Builder
	if r.Failed() {
		_, _ = fmt.Fprintf(&sb, "%s: FAILED (tolerance %.2g, max |diff| %.3g)\n",
			r.Name, r.ToleranceUsed, r.MaxAbsDiff)
		for _, failure := range r.Failures {
			_, _ = fmt.Fprintf(&sb, "  %s\n", failure)
		}
	} else {
		_, _ = fmt.Fprintf(&sb, "%s: ok (tolerance %.2g, max |diff| %.3g)\n",
			r.Name, r.ToleranceUsed, r.MaxAbsDiff)
	}
	if r.Trace != nil {
		_, _ = fmt.Fprintf(&sb, "  fused ops: %s\n", strings.Join(r.Trace.FusedOpNames(), ", "))
	}
	return sb.String()
}

// Compare runs the test case's transform on the reference engine and, lowered, on the lowered
// engine, and checks outputs and fused-operator expectations.
//
// The returned error is non-nil only for caller misuse (malformed test case, reference
// execution failing -- without ground truth there is nothing to compare) and for
// LoweringFailure, whose Failure is also recorded in the Result. ValueMismatch and
// MissingFusedOp are reported in the Result alone: callers check Result.Failed().
//
// Both paths receive independent deep copies of the inputs, so any divergence is attributable
// to the lowering. After both executions the caller's input tensors are verified to be
// bit-identical to pristine copies taken up front; a mutation voids that attribution and is
// reported as an error.
func Compare(reference, lowered backends.Backend, tc TestCase) (Result, error) {
	result := Result{
		Name:          tc.Name,
		ToleranceUsed: tc.Tolerance,
		MaxAbsDiff:    math.Inf(1),
	}
	if result.ToleranceUsed == 0 {
		result.ToleranceUsed = DefaultTolerance
	}
	if result.ToleranceUsed < 0 {
		return result, errors.Errorf("test case %q: negative tolerance %g", tc.Name, tc.Tolerance)
	}
	fn, err := tc.transformN()
	if err != nil {
		return result, err
	}
	if len(tc.Inputs) == 0 {
		return result, errors.Errorf("test case %q has no inputs", tc.Name)
	}
	if reference == nil || lowered == nil {
		return result, errors.Errorf("test case %q: reference and lowered engines must both be set", tc.Name)
	}

	// Pristine copies, used to verify the engines did not touch the caller's tensors.
	pristine := make([]*tensors.Tensor, len(tc.Inputs))
	for ii, input := range tc.Inputs {
		input.AssertValid()
		pristine[ii] = input.Clone()
	}

	// Step 1: reference path. Outputs are snapshotted into fresh host tensors by the run
	// itself, before the lowered path can alias anything.
	err = exceptions.TryCatch[error](func() {
		result.ReferenceOutputs = runPlain(reference, tc.Name, fn, tc.Inputs)
	})
	if err != nil {
		return result, errors.WithMessagef(err, "test case %q: reference execution on %q failed",
			tc.Name, reference.Name())
	}

	// Step 2: lowered path, traced. Build, compile or execution errors -- including panics
	// from graph building -- are the lowering-failure class.
	err = exceptions.TryCatch[error](func() {
		result.LoweredOutputs, result.Trace = runTraced(lowered, tc.Name, fn, tc.Inputs)
	})
	if err != nil {
		err = errors.WithMessagef(err, "test case %q: lowering on %q failed", tc.Name, lowered.Name())
		result.Failures = append(result.Failures, Failure{Kind: LoweringFailure, Detail: err.Error()})
		return result, err
	}

	// Both paths must have consumed bit-identical inputs.
	for ii, input := range tc.Inputs {
		if !input.Equal(pristine[ii]) {
			return result, errors.Errorf(
				"test case %q: input #%d was mutated during execution, divergence is no longer attributable to the lowering",
				tc.Name, ii)
		}
	}

	// Step 3: element-wise output comparison within tolerance.
	result.OutputsMatch, result.MaxAbsDiff = compareOutputs(&result)

	// Step 4: expected fused operators minus those seen fused in the trace.
	fused := result.Trace.FusedSet()
	missing := tc.ExpectedFusedOps.Sub(fused)
	result.MissingExpectedOps = types.SortedKeys(missing)
	if len(result.MissingExpectedOps) > 0 {
		result.Failures = append(result.Failures, Failure{
			Kind: MissingFusedOp,
			Detail: fmt.Sprintf("expected fused op(s) %q not in the lowered trace (fused: %q)",
				result.MissingExpectedOps, types.SortedKeys(fused)),
		})
	}

	if klog.V(1).Enabled() {
		klog.Infof("difftest: %s", &result)
	}
	return result, nil
}

// compareOutputs checks the lowered outputs against the reference outputs, appending a
// ValueMismatch failure on any divergence. It returns whether they match and the largest
// absolute difference observed (+Inf on shape or dtype divergence).
func compareOutputs(result *Result) (bool, float64) {
	tolerance := result.ToleranceUsed
	reference, lowered := result.ReferenceOutputs, result.LoweredOutputs
	if len(reference) != len(lowered) {
		result.Failures = append(result.Failures, Failure{
			Kind: ValueMismatch,
			Detail: fmt.Sprintf("reference produced %d output(s), lowered produced %d",
				len(reference), len(lowered)),
		})
		return false, math.Inf(1)
	}
	match := true
	maxDiff := 0.0
	for ii := range reference {
		refShape, lowShape := reference[ii].Shape(), lowered[ii].Shape()
		if !refShape.Equal(lowShape) {
			result.Failures = append(result.Failures, Failure{
				Kind: ValueMismatch,
				Detail: fmt.Sprintf("output #%d: reference shape %s, lowered shape %s",
					ii, refShape, lowShape),
			})
			return false, math.Inf(1)
		}
		refValues, lowValues := reference[ii].Float64Values(), lowered[ii].Float64Values()
		outputDiff, firstBad := 0.0, -1
		for jj := range refValues {
			a, b := refValues[jj], lowValues[jj]
			if math.IsNaN(a) && math.IsNaN(b) {
				continue
			}
			diff := math.Abs(a - b)
			if math.IsNaN(diff) {
				diff = math.Inf(1)
			}
			outputDiff = math.Max(outputDiff, diff)
			if firstBad < 0 && !scalar.EqualWithinAbsOrRel(a, b, tolerance, tolerance) {
				firstBad = jj
			}
		}
		maxDiff = math.Max(maxDiff, outputDiff)
		if firstBad >= 0 {
			match = false
			result.Failures = append(result.Failures, Failure{
				Kind: ValueMismatch,
				Detail: fmt.Sprintf(
					"output #%d differs beyond tolerance %.2g: first at element %d (reference %v, lowered %v), max |diff| %.3g",
					ii, tolerance, firstBad, refValues[firstBad], lowValues[firstBad], outputDiff),
			})
		}
	}
	return match, maxDiff
}

// runPlain builds, compiles and runs the transform on the given engine, returning the freshly
// snapshotted host outputs.
func runPlain(backend backends.Backend, name string, fn graph.TransformN, inputs []*tensors.Tensor) []*tensors.Tensor {
	compiled := build(backend, name, fn, inputs)
	defer compiled.Finalize()
	return compiled.Run(inputs...)
}

// runTraced is runPlain also capturing the per-run execution trace. The engine's executables
// must implement backends.Tracing.
func runTraced(backend backends.Backend, name string, fn graph.TransformN, inputs []*tensors.Tensor) ([]*tensors.Tensor, *backends.ExecutionTrace) {
	compiled := build(backend, name, fn, inputs)
	defer compiled.Finalize()
	return compiled.RunTraced(inputs...)
}

func build(backend backends.Backend, name string, fn graph.TransformN, inputs []*tensors.Tensor) *graph.Compiled {
	g := graph.New(backend, name)
	params := make([]*graph.Node, len(inputs))
	for ii, input := range inputs {
		params[ii] = g.Parameter(fmt.Sprintf("x%d", ii), input.Shape())
	}
	return g.Compile(fn(params)...)
}
