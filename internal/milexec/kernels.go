package milexec

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
)

// kernel computes one operation, reading operands from env and storing the
// outputs back into it.
type kernel func(m *Machine, op *mil.Operation, env map[string]*tensor) error

var kernels = map[string]kernel{
	"add":           binaryKernel(func(a, b float32) float32 { return a + b }),
	"sub":           binaryKernel(func(a, b float32) float32 { return a - b }),
	"mul":           binaryKernel(func(a, b float32) float32 { return a * b }),
	"div":           binaryKernel(func(a, b float32) float32 { return a / b }),
	"relu":          unaryKernel(func(v float32) float32 { return max(v, 0) }),
	"sigmoid":       unaryKernel(func(v float32) float32 { return 1 / (1 + math32.Exp(-v)) }),
	"tanh":          unaryKernel(math32.Tanh),
	"inner_product": innerProductKernel,
	"reshape":       reshapeKernel,
}

// unaryKernel builds an elementwise kernel over a single operand.
func unaryKernel(fn func(float32) float32) kernel {
	return func(_ *Machine, op *mil.Operation, env map[string]*tensor) error {
		operands, err := operandTensors(op, env, 1)
		if err != nil {
			return err
		}
		operand := operands[0]
		out := &tensor{data: make([]float32, len(operand.data)), dims: operand.dims}
		for ii, v := range operand.data {
			out.data[ii] = fn(v)
		}
		return singleOutput(op, env, out)
	}
}

// binaryKernel builds an elementwise kernel over two operands. Operands must
// have the same number of elements, or either one must be a single element,
// which is broadcast.
func binaryKernel(fn func(a, b float32) float32) kernel {
	return func(_ *Machine, op *mil.Operation, env map[string]*tensor) error {
		operands, err := operandTensors(op, env, 2)
		if err != nil {
			return err
		}
		lhs, rhs := operands[0], operands[1]
		switch {
		case len(lhs.data) == len(rhs.data):
			out := &tensor{data: make([]float32, len(lhs.data)), dims: lhs.dims}
			if len(rhs.dims) > len(lhs.dims) {
				out.dims = rhs.dims
			}
			for ii := range lhs.data {
				out.data[ii] = fn(lhs.data[ii], rhs.data[ii])
			}
			return singleOutput(op, env, out)
		case len(rhs.data) == 1:
			out := &tensor{data: make([]float32, len(lhs.data)), dims: lhs.dims}
			for ii := range lhs.data {
				out.data[ii] = fn(lhs.data[ii], rhs.data[0])
			}
			return singleOutput(op, env, out)
		case len(lhs.data) == 1:
			out := &tensor{data: make([]float32, len(rhs.data)), dims: rhs.dims}
			for ii := range rhs.data {
				out.data[ii] = fn(lhs.data[0], rhs.data[ii])
			}
			return singleOutput(op, env, out)
		default:
			return errors.Errorf("operands have incompatible sizes %d and %d", len(lhs.data), len(rhs.data))
		}
	}
}

// innerProductKernel computes x·Wᵀ(+bias): the input is interpreted as
// [batch, K] (the last dimension is K), the "weights" constant is [M, K] and
// the optional "bias" constant is [M]. The output is [batch..., M].
func innerProductKernel(m *Machine, op *mil.Operation, env map[string]*tensor) error {
	operands, err := operandTensors(op, env, 1)
	if err != nil {
		return err
	}
	x := operands[0]
	weights := m.weights[op.Weights["weights"]]
	if weights == nil {
		return errors.New(`missing "weights" constant`)
	}
	if len(weights.dims) != 2 {
		return errors.Errorf("weights must be rank-2 [M, K], got %v", weights.dims)
	}
	outChannels, inChannels := int(weights.dims[0]), int(weights.dims[1])
	if len(x.dims) == 0 || x.dims[len(x.dims)-1] != int64(inChannels) {
		return errors.Errorf("input shaped %v does not end in the weights' inner dimension %d",
			x.dims, inChannels)
	}
	var bias *weight
	if biasName, found := op.Weights["bias"]; found {
		bias = m.weights[biasName]
		if bias == nil {
			return errors.Errorf("missing %q constant", biasName)
		}
		if len(bias.values) != outChannels {
			return errors.Errorf("bias has %d values, expected %d", len(bias.values), outChannels)
		}
	}

	batch := len(x.data) / inChannels
	outDims := append(slices.Clone(x.dims[:len(x.dims)-1]), int64(outChannels))
	out := &tensor{data: make([]float32, batch*outChannels), dims: outDims}
	for b := 0; b < batch; b++ {
		row := x.data[b*inChannels : (b+1)*inChannels]
		for o := 0; o < outChannels; o++ {
			wRow := weights.values[o*inChannels : (o+1)*inChannels]
			var acc float32
			for k, v := range row {
				acc += v * wRow[k]
			}
			if bias != nil {
				acc += bias.values[o]
			}
			out.data[b*outChannels+o] = acc
		}
	}
	return singleOutput(op, env, out)
}

// reshapeKernel reinterprets the operand with the dimensions in the "shape"
// attribute. At most one dimension may be -1, inferred from the rest.
func reshapeKernel(_ *Machine, op *mil.Operation, env map[string]*tensor) error {
	operands, err := operandTensors(op, env, 1)
	if err != nil {
		return err
	}
	operand := operands[0]
	attr, found := op.Attrs["shape"]
	if !found || attr.Kind != mil.AttrKindInts {
		return errors.New(`missing "shape" attribute`)
	}
	dims := slices.Clone(attr.Ints)
	known := int64(1)
	inferred := -1
	for ii, dim := range dims {
		if dim == -1 {
			if inferred >= 0 {
				return errors.Errorf("more than one -1 dimension in shape %v", attr.Ints)
			}
			inferred = ii
			continue
		}
		if dim <= 0 {
			return errors.Errorf("invalid dimension %d in shape %v", dim, attr.Ints)
		}
		known *= dim
	}
	total := int64(len(operand.data))
	if inferred >= 0 {
		if known == 0 || total%known != 0 {
			return errors.Errorf("cannot infer -1 dimension: %d values do not divide by %d", total, known)
		}
		dims[inferred] = total / known
		known *= dims[inferred]
	}
	if known != total {
		return errors.Errorf("shape %v has size %d, operand has %d values", attr.Ints, known, total)
	}
	out := &tensor{data: slices.Clone(operand.data), dims: dims}
	return singleOutput(op, env, out)
}
