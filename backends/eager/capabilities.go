package eager

import (
	"github.com/fusediff/fusediff/backends"
	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities of the eager engine: the set of supported operations and data types.
var Capabilities = backends.Capabilities{
	Operations: map[backends.OpType]bool{
		backends.OpTypeParameter: true,
		backends.OpTypeConstant:  true,
		backends.OpTypeConvert:   true,

		// Standard unary operations:
		backends.OpTypeAbs:     true,
		backends.OpTypeExp:     true,
		backends.OpTypeLog:     true,
		backends.OpTypeNeg:     true,
		backends.OpTypeSigmoid: true,
		backends.OpTypeSign:    true,
		backends.OpTypeSqrt:    true,
		backends.OpTypeTanh:    true,

		// Standard binary operations:
		backends.OpTypeAdd: true,
		backends.OpTypeDiv: true,
		backends.OpTypeMax: true,
		backends.OpTypeMin: true,
		backends.OpTypeMul: true,
		backends.OpTypeSub: true,
	},

	DTypes: map[dtypes.DType]bool{
		dtypes.Int32:    true,
		dtypes.Int64:    true,
		dtypes.Uint8:    true,
		dtypes.Float16:  true,
		dtypes.Float32:  true,
		dtypes.Float64:  true,
		dtypes.BFloat16: true,
	},
}
