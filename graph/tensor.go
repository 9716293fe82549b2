package graph

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is an initializer: a named constant tensor with a static value.
// Exactly one of the typed data slices is set, matching DType.
type Tensor struct {
	Name  string
	DType DType
	Dims  []int64

	Float32s []float32
	Float16s []float16.Float16
	Int32s   []int32
	Int64s   []int64
}

// Size returns the number of elements described by Dims.
func (t *Tensor) Size() int64 {
	size := int64(1)
	for _, dim := range t.Dims {
		size *= dim
	}
	return size
}

// check verifies that the data slice present matches DType and Dims.
func (t *Tensor) check() error {
	var n int64
	switch t.DType {
	case DTypeFloat32:
		if t.Float32s == nil {
			return errors.Errorf("tensor %q declared %s but Float32s is nil", t.Name, t.DType)
		}
		n = int64(len(t.Float32s))
	case DTypeFloat16:
		if t.Float16s == nil {
			return errors.Errorf("tensor %q declared %s but Float16s is nil", t.Name, t.DType)
		}
		n = int64(len(t.Float16s))
	case DTypeInt32:
		if t.Int32s == nil {
			return errors.Errorf("tensor %q declared %s but Int32s is nil", t.Name, t.DType)
		}
		n = int64(len(t.Int32s))
	case DTypeInt64:
		if t.Int64s == nil {
			return errors.Errorf("tensor %q declared %s but Int64s is nil", t.Name, t.DType)
		}
		n = int64(len(t.Int64s))
	default:
		return errors.Errorf("tensor %q has unsupported data type %s", t.Name, t.DType)
	}
	if n != t.Size() {
		return errors.Errorf("tensor %q shaped %v has size %d, but %d values were provided",
			t.Name, t.Dims, t.Size(), n)
	}
	return nil
}

// Float32Values returns the tensor data as float32, converting Float16 values
// if needed. It fails for integer tensors.
func (t *Tensor) Float32Values() ([]float32, error) {
	switch t.DType {
	case DTypeFloat32:
		return t.Float32s, nil
	case DTypeFloat16:
		values := make([]float32, len(t.Float16s))
		for ii, h := range t.Float16s {
			values[ii] = h.Float32()
		}
		return values, nil
	default:
		return nil, errors.Errorf("tensor %q has data type %s, cannot read it as float32", t.Name, t.DType)
	}
}

// Int64Values returns the tensor data as int64, widening Int32 values if
// needed. It fails for float tensors.
func (t *Tensor) Int64Values() ([]int64, error) {
	switch t.DType {
	case DTypeInt64:
		return t.Int64s, nil
	case DTypeInt32:
		values := make([]int64, len(t.Int32s))
		for ii, v := range t.Int32s {
			values[ii] = int64(v)
		}
		return values, nil
	default:
		return nil, errors.Errorf("tensor %q has data type %s, cannot read it as int64", t.Name, t.DType)
	}
}
