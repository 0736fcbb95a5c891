package backends

// OpType is an enum of all generic operations that can be supported by a Backend.Builder.
//
// The enum value identifies the mathematical function only: in-place variants of an operation
// share the OpType of the out-of-place form and are distinguished by the builder. Use TraceName
// to render the name an operation takes in an ExecutionTrace.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -transform=snake -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant

	// OpTypeConvert is the OpType of Builder.ConvertDType. Its trace name is "convert".
	OpTypeConvert

	OpTypeAbs
	OpTypeAdd
	OpTypeDiv
	OpTypeExp
	OpTypeLog
	OpTypeMax
	OpTypeMin
	OpTypeMul
	OpTypeNeg
	OpTypeSigmoid
	OpTypeSign
	OpTypeSqrt
	OpTypeSub
	OpTypeTanh

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

// TraceName returns the name under which an operation appears in an ExecutionTrace: the
// snake-case op name, with a trailing underscore for in-place variants -- "sigmoid" vs "sigmoid_".
func TraceName(opType OpType, inPlace bool) string {
	if inPlace {
		return opType.String() + "_"
	}
	return opType.String()
}
