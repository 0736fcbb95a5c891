package difftest_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/backends/eager"
	"github.com/fusediff/fusediff/backends/fuser"
	"github.com/fusediff/fusediff/difftest"
	"github.com/fusediff/fusediff/graph"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/tensors"

	_ "github.com/fusediff/fusediff/backends/default"
)

// vec6 is the canonical test vector: values on both sides of zero, none of them exactly
// representable in float16.
func vec6() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions([]float32{-2.7, -1.1, -0.3, 0.1, 1.3, 3.9}, 6)
}

func sigmoidOfSum(x *graph.Node) *graph.Node {
	return graph.Sigmoid(graph.Add(x, x))
}

func TestSigmoidOfSum(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	input := vec6()
	pristine := input.Clone()
	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "sigmoid_of_sum",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{input},
		ExpectedFusedOps: types.SetWith("add", "sigmoid"),
	})
	require.NoError(t, err)
	require.False(t, result.Failed(), "unexpected failures: %v", result.Failures)
	assert.True(t, result.OutputsMatch)
	assert.Empty(t, result.MissingExpectedOps)
	assert.Equal(t, difftest.DefaultTolerance, result.ToleranceUsed)
	assert.Less(t, result.MaxAbsDiff, difftest.DefaultTolerance)
	require.NotNil(t, result.Trace)
	assert.Equal(t, []string{"add", "sigmoid"}, result.Trace.FusedOpNames())
	assert.True(t, input.Equal(pristine), "Compare must not disturb the caller's inputs")
}

func TestInPlaceNameDistinct(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	inPlace := func(x *graph.Node) *graph.Node {
		return graph.SigmoidInPlace(graph.Add(x, x))
	}

	// The in-place variant traces as "sigmoid_": expecting it by that name passes.
	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "sigmoid_in_place",
		Transform:        inPlace,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("sigmoid_"),
	})
	require.NoError(t, err)
	require.False(t, result.Failed(), "unexpected failures: %v", result.Failures)

	// Expecting the out-of-place "sigmoid" must not be satisfied by "sigmoid_".
	result, err = difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "sigmoid_in_place_wrong_name",
		Transform:        inPlace,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("sigmoid"),
	})
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.MissingFusedOp, result.Failures[0].Kind)
	assert.Equal(t, []string{"sigmoid"}, result.MissingExpectedOps)
	assert.True(t, result.OutputsMatch)
}

func TestMissingExpectedOp(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "expects_cos",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("sigmoid", "cos"),
	})
	require.NoError(t, err)
	require.True(t, result.Failed())
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.MissingFusedOp, result.Failures[0].Kind)
	assert.Equal(t, []string{"cos"}, result.MissingExpectedOps)
	assert.Contains(t, result.Failures[0].Detail, `"cos"`)
	assert.True(t, result.OutputsMatch, "outputs still match, only the fusion expectation failed")
}

func TestFloat16Tolerance(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("fp16")
	defer reference.Finalize()
	defer lowered.Finalize()

	tc := difftest.TestCase{
		Name:             "fp16_sigmoid_of_sum",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("add", "sigmoid"),
		Tolerance:        difftest.Float16Tolerance,
	}
	result, err := difftest.Compare(reference, lowered, tc)
	require.NoError(t, err)
	require.False(t, result.Failed(), "unexpected failures: %v", result.Failures)
	assert.Greater(t, result.MaxAbsDiff, 0.0, "float16 rounding must be visible in the diff")

	// The same lowering fails under a float32-grade tolerance: class value-mismatch.
	tc.Name = "fp16_too_tight"
	tc.Tolerance = 1e-6
	result, err = difftest.Compare(reference, lowered, tc)
	require.NoError(t, err)
	require.True(t, result.Failed())
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.ValueMismatch, result.Failures[0].Kind)
	assert.False(t, result.OutputsMatch)
	assert.Greater(t, result.MaxAbsDiff, 1e-6)
}

func TestLoweringFailureOutOfMemory(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("budget=16")
	defer reference.Finalize()
	defer lowered.Finalize()

	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:      "budget_too_small",
		Transform: sigmoidOfSum,
		Inputs:    []*tensors.Tensor{vec6()},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrOutOfMemory), "got: %+v", err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.LoweringFailure, result.Failures[0].Kind)
	assert.Nil(t, result.Trace)
	assert.NotEmpty(t, result.ReferenceOutputs, "ground truth was computed before the lowering failed")
}

func TestLoweringFailureNoFallback(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("nofallback")
	defer reference.Finalize()
	defer lowered.Finalize()

	// Axis-broadcasting cannot fuse; with fallback disabled the lowering must refuse it.
	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name: "broadcast_nofallback",
		TransformN: func(inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{graph.Sigmoid(graph.Add(inputs[0], inputs[1]))}
		},
		Inputs: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1}, 3, 1),
			tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 1, 2),
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrNotImplemented), "got: %+v", err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.LoweringFailure, result.Failures[0].Kind)
}

func TestSelectiveLowering(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("deny=sigmoid")
	defer reference.Finalize()
	defer lowered.Finalize()

	// The denied op runs via fallback: outputs still match, only the fusion check fails.
	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "deny_sigmoid",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("add", "sigmoid"),
	})
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, difftest.MissingFusedOp, result.Failures[0].Kind)
	assert.Equal(t, []string{"sigmoid"}, result.MissingExpectedOps)
	assert.True(t, result.OutputsMatch)
}

func TestDeterminism(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	tc := difftest.TestCase{
		Name:             "determinism",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("add", "sigmoid"),
	}
	first, err := difftest.Compare(reference, lowered, tc)
	require.NoError(t, err)
	second, err := difftest.Compare(reference, lowered, tc)
	require.NoError(t, err)
	assert.Equal(t, first.MaxAbsDiff, second.MaxAbsDiff)
	require.Len(t, second.LoweredOutputs, len(first.LoweredOutputs))
	for ii := range first.LoweredOutputs {
		assert.True(t, first.LoweredOutputs[ii].Equal(second.LoweredOutputs[ii]),
			"lowered output #%d differs between identical runs", ii)
	}
}

func TestReferenceIdempotence(t *testing.T) {
	// The reference engine against itself: bit-identical outputs, nothing fused.
	reference, alsoReference := eager.New(""), eager.New("")
	defer reference.Finalize()
	defer alsoReference.Finalize()

	result, err := difftest.Compare(reference, alsoReference, difftest.TestCase{
		Name:      "eager_vs_eager",
		Transform: sigmoidOfSum,
		Inputs:    []*tensors.Tensor{vec6()},
	})
	require.NoError(t, err)
	require.False(t, result.Failed())
	assert.Zero(t, result.MaxAbsDiff)
	require.Len(t, result.ReferenceOutputs, 1)
	assert.True(t, result.ReferenceOutputs[0].Equal(result.LoweredOutputs[0]))
	assert.Empty(t, result.Trace.FusedOpNames())
}

func TestMultiInputMultiOutput(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name: "two_in_two_out",
		TransformN: func(inputs []*graph.Node) []*graph.Node {
			sum := graph.Add(inputs[0], inputs[1])
			return []*graph.Node{graph.Tanh(sum), graph.Mul(sum, inputs[0])}
		},
		Inputs: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4),
			tensors.FromFlatDataAndDimensions([]float32{-4, -3, -2, -1}, 4),
		},
		ExpectedFusedOps: types.SetWith("add", "tanh", "mul"),
	})
	require.NoError(t, err)
	require.False(t, result.Failed(), "unexpected failures: %v", result.Failures)
	require.Len(t, result.LoweredOutputs, 2)
}

func TestCompareMisuse(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	input := vec6()
	for _, tc := range []struct {
		name string
		tc   difftest.TestCase
	}{
		{"no transform", difftest.TestCase{Name: "none", Inputs: []*tensors.Tensor{input}}},
		{"both transforms", difftest.TestCase{
			Name:      "both",
			Transform: sigmoidOfSum,
			TransformN: func(inputs []*graph.Node) []*graph.Node {
				return inputs
			},
			Inputs: []*tensors.Tensor{input},
		}},
		{"no inputs", difftest.TestCase{Name: "no_inputs", Transform: sigmoidOfSum}},
		{"negative tolerance", difftest.TestCase{
			Name:      "neg_tol",
			Transform: sigmoidOfSum,
			Inputs:    []*tensors.Tensor{input},
			Tolerance: -1,
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := difftest.Compare(reference, lowered, tc.tc)
			require.Error(t, err)
		})
	}

	_, err := difftest.Compare(nil, lowered, difftest.TestCase{
		Name:      "nil_reference",
		Transform: sigmoidOfSum,
		Inputs:    []*tensors.Tensor{input},
	})
	require.Error(t, err)
}

func TestResultString(t *testing.T) {
	reference, lowered := eager.New(""), fuser.New("")
	defer reference.Finalize()
	defer lowered.Finalize()

	result, err := difftest.Compare(reference, lowered, difftest.TestCase{
		Name:             "render",
		Transform:        sigmoidOfSum,
		Inputs:           []*tensors.Tensor{vec6()},
		ExpectedFusedOps: types.SetWith("cos"),
	})
	require.NoError(t, err)
	rendered := result.String()
	assert.Contains(t, rendered, "render: FAILED")
	assert.Contains(t, rendered, "missing-fused-op")
	assert.Contains(t, rendered, "fused ops: add, sigmoid")
}

func TestRunTransformTest(t *testing.T) {
	result := difftest.RunTransformTest(t, "adapter_sigmoid", func(x *graph.Node) *graph.Node {
		return graph.Sigmoid(x)
	}, vec6(), "sigmoid")
	assert.True(t, result.OutputsMatch)
	assert.False(t, math.IsInf(result.MaxAbsDiff, 1))
}
