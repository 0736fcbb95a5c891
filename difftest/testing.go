package difftest

import (
	"os"
	"testing"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/graph"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/tensors"
)

// RunTestCase runs Compare for the test case and fails t with the class of every violated
// check. It returns the Result so callers can make further assertions on outputs or trace.
func RunTestCase(t *testing.T, reference, lowered backends.Backend, tc TestCase) Result {
	t.Helper()
	result, err := Compare(reference, lowered, tc)
	if err != nil && !result.Failed() {
		// Caller misuse or reference failure: without ground truth there is nothing to
		// report per check.
		t.Fatalf("difftest %q: %+v", tc.Name, err)
	}
	for _, failure := range result.Failures {
		t.Errorf("difftest %q: %s", tc.Name, failure)
	}
	return result
}

// RunTransformTest is the convenience form of RunTestCase for the common scenario: one input,
// one output, default tolerance, engines taken from the registry ("eager" as reference, the
// FUSEDIFF_BACKEND environment variable or "fuser" as the engine under test).
//
// The caller must have the engines registered, usually with
// import _ "github.com/fusediff/fusediff/backends/default".
func RunTransformTest(t *testing.T, name string, transform graph.Transform,
	input *tensors.Tensor, expectedFusedOps ...string) Result {
	t.Helper()
	reference := backends.NewWithConfig("eager")
	defer reference.Finalize()
	lowered := newLoweredFromEnv()
	defer lowered.Finalize()
	return RunTestCase(t, reference, lowered, TestCase{
		Name:             name,
		Transform:        transform,
		Inputs:           []*tensors.Tensor{input},
		ExpectedFusedOps: types.SetWith(expectedFusedOps...),
	})
}

// newLoweredFromEnv builds the engine under test: the FUSEDIFF_BACKEND configuration when
// set, "fuser" otherwise.
func newLoweredFromEnv() backends.Backend {
	if _, found := os.LookupEnv(backends.FUSEDIFF_BACKEND); found {
		return backends.New()
	}
	return backends.NewWithConfig("fuser")
}
