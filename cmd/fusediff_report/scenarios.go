package main

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/fusediff/fusediff/difftest"
	"github.com/fusediff/fusediff/graph"
	"github.com/fusediff/fusediff/types"
	"github.com/fusediff/fusediff/types/tensors"
)

// linspace returns n float32 values evenly spread over [from, to], as a vector tensor.
func linspace(from, to float32, n int) *tensors.Tensor {
	flat := make([]float32, n)
	step := (to - from) / float32(n-1)
	for ii := range flat {
		flat[ii] = from + float32(ii)*step
	}
	return tensors.FromFlatDataAndDimensions(flat, n)
}

func unary(name string, transform graph.Transform, input *tensors.Tensor, expectedFused ...string) difftest.TestCase {
	return difftest.TestCase{
		Name:             name,
		Transform:        transform,
		Inputs:           []*tensors.Tensor{input},
		ExpectedFusedOps: types.SetWith(expectedFused...),
	}
}

// builtinScenarios is the suite fusediff_report runs: elementwise chains chosen to cover
// every fusible operator, the in-place trace names, scalar folding, axis-broadcast fallback
// and dtype conversion.
func builtinScenarios() []difftest.TestCase {
	return []difftest.TestCase{
		unary("sigmoid_of_sum",
			func(x *graph.Node) *graph.Node {
				return graph.Sigmoid(graph.Add(x, x))
			},
			linspace(-3, 3, 64), "add", "sigmoid"),

		unary("sigmoid_in_place",
			func(x *graph.Node) *graph.Node {
				return graph.SigmoidInPlace(graph.Add(x, x))
			},
			linspace(-3, 3, 64), "add", "sigmoid_"),

		unary("relu_scale",
			func(x *graph.Node) *graph.Node {
				g := x.Graph()
				relu := graph.Max(x, g.Const(tensors.FromScalar[float32](0)))
				return graph.Mul(relu, g.Const(tensors.FromScalar[float32](2)))
			},
			linspace(-2, 2, 64), "max", "mul"),

		unary("exp_log_roundtrip",
			func(x *graph.Node) *graph.Node {
				return graph.Log(graph.Exp(x))
			},
			linspace(-3, 3, 64), "exp", "log"),

		unary("abs_sign_product",
			func(x *graph.Node) *graph.Node {
				return graph.Mul(graph.Abs(x), graph.Sign(x))
			},
			linspace(-2, 2, 65), "abs", "mul", "sign"),

		unary("sqrt_of_square",
			func(x *graph.Node) *graph.Node {
				return graph.Sqrt(graph.Mul(x, x))
			},
			linspace(-4, 4, 64), "mul", "sqrt"),

		unary("inverse_sqrt_shifted",
			func(x *graph.Node) *graph.Node {
				g := x.Graph()
				one := g.Const(tensors.FromScalar[float32](1))
				return graph.Div(one, graph.Sqrt(graph.Add(graph.Abs(x), one)))
			},
			linspace(-5, 5, 64), "abs", "add", "div", "sqrt"),

		unary("neg_min",
			func(x *graph.Node) *graph.Node {
				return graph.Min(graph.Neg(x), x)
			},
			linspace(-2, 2, 64), "min", "neg"),

		unary("tanh_in_place",
			func(x *graph.Node) *graph.Node {
				return graph.TanhInPlace(graph.Sub(x, x))
			},
			linspace(-1, 1, 32), "sub", "tanh_"),

		unary("convert_roundtrip",
			func(x *graph.Node) *graph.Node {
				wide := graph.ConvertDType(x, dtypes.Float64)
				return graph.ConvertDType(graph.Tanh(wide), dtypes.Float32)
			},
			linspace(-2, 2, 64), "convert", "tanh"),

		{
			Name: "tanh_blend",
			TransformN: func(inputs []*graph.Node) []*graph.Node {
				sum := graph.Add(inputs[0], inputs[1])
				return []*graph.Node{graph.Tanh(sum), graph.Mul(sum, inputs[0])}
			},
			Inputs: []*tensors.Tensor{
				linspace(-1, 1, 48),
				linspace(1, -1, 48),
			},
			ExpectedFusedOps: types.SetWith("add", "mul", "tanh"),
		},

		{
			// The axis-broadcast add runs as a fallback segment; only the sigmoid over
			// its full-shaped result is expected to fuse.
			Name: "broadcast_bias",
			TransformN: func(inputs []*graph.Node) []*graph.Node {
				return []*graph.Node{graph.Sigmoid(graph.Add(inputs[0], inputs[1]))}
			},
			Inputs: []*tensors.Tensor{
				tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1}, 3, 1),
				tensors.FromFlatDataAndDimensions([]float32{0.25, -0.25, 0.5, -0.5}, 1, 4),
			},
			ExpectedFusedOps: types.SetWith("sigmoid"),
		},

		unary("large_vector",
			func(x *graph.Node) *graph.Node {
				return graph.Sigmoid(graph.Neg(x))
			},
			linspace(-6, 6, 100_000), "neg", "sigmoid"),
	}
}
