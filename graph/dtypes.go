package graph

import "fmt"

// DType enumerates the tensor element types a Graph can declare.
// The values mirror the ONNX TensorProto data type codes, so graphs built
// from ONNX models can carry the codes through unchanged.
type DType int32

const (
	DTypeUndefined DType = 0
	DTypeFloat32   DType = 1
	DTypeFloat16   DType = 10
	DTypeInt32     DType = 6
	DTypeInt64     DType = 7
	DTypeFloat64   DType = 11
	DTypeBool      DType = 9
)

// String implements fmt.Stringer.
func (dt DType) String() string {
	switch dt {
	case DTypeUndefined:
		return "Undefined"
	case DTypeFloat32:
		return "Float32"
	case DTypeFloat16:
		return "Float16"
	case DTypeInt32:
		return "Int32"
	case DTypeInt64:
		return "Int64"
	case DTypeFloat64:
		return "Float64"
	case DTypeBool:
		return "Bool"
	default:
		return fmt.Sprintf("DType(%d)", int32(dt))
	}
}
