package coreml

import (
	"github.com/gomlx/onnx-coreml/graph"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
)

// gemmOpBuilder translates Gemm and MatMul nodes into inner_product
// operations. The second operand (and Gemm's bias) must be initializers:
// the program format stores them as constant weights, so dynamically
// computed weights cannot be represented.
type gemmOpBuilder struct{}

func (gemmOpBuilder) AddInitializersToSkip(b *ModelBuilder, node *graph.Node) {
	if len(node.Inputs) > 1 {
		if _, found := b.Initializer(node.Inputs[1]); found {
			b.AddSkippedInitializer(node.Inputs[1])
		}
	}
	if len(node.Inputs) > 2 {
		if _, found := b.Initializer(node.Inputs[2]); found {
			b.AddSkippedInitializer(node.Inputs[2])
		}
	}
}

func (gemmOpBuilder) AddToModelBuilder(b *ModelBuilder, node *graph.Node) error {
	if len(node.Inputs) < 2 || len(node.Inputs) > 3 || len(node.Outputs) != 1 {
		return errors.Errorf("expected 2 or 3 inputs and 1 output, got %d and %d",
			len(node.Inputs), len(node.Outputs))
	}
	transB := false
	if node.OpType == "Gemm" {
		// Only the trivial Gemm attribute combination maps to inner_product.
		if alpha := node.AttrFloat("alpha", 1); alpha != 1 {
			return errors.Errorf("alpha=%g is not supported", alpha)
		}
		if beta := node.AttrFloat("beta", 1); beta != 1 {
			return errors.Errorf("beta=%g is not supported", beta)
		}
		if transA := node.AttrInt("transA", 0); transA != 0 {
			return errors.Errorf("transA=%d is not supported", transA)
		}
		transB = node.AttrInt("transB", 0) != 0
	}

	weights, found := b.Initializer(node.Inputs[1])
	if !found {
		return errors.Errorf("weights tensor %q is not an initializer, dynamic weights are not supported",
			node.Inputs[1])
	}
	if len(weights.Dims) != 2 {
		return errors.Errorf("weights tensor %q must be rank-2, got shape %v", weights.Name, weights.Dims)
	}

	opName := b.OperationName(node)
	weightName := opName + "_weights"
	if err := addLinearWeights(b, weightName, weights, transB); err != nil {
		return err
	}
	op := &mil.Operation{
		Type:    "inner_product",
		Name:    opName,
		Inputs:  []string{node.Inputs[0]},
		Outputs: []string{node.Outputs[0]},
		Weights: map[string]string{"weights": weightName},
	}

	if len(node.Inputs) == 3 && node.Inputs[2] != "" {
		bias, found := b.Initializer(node.Inputs[2])
		if !found {
			return errors.Errorf("bias tensor %q is not an initializer, dynamic bias is not supported",
				node.Inputs[2])
		}
		outChannels := weights.Dims[0]
		if !transB {
			outChannels = weights.Dims[1]
		}
		if bias.Size() != outChannels {
			return errors.Errorf("bias tensor %q has %d values, expected %d", bias.Name, bias.Size(), outChannels)
		}
		biasValues, err := bias.Float32Values()
		if err != nil {
			return err
		}
		biasName := opName + "_bias"
		if err := b.AddWeight(biasName, biasValues, outChannels); err != nil {
			return err
		}
		op.Weights["bias"] = biasName
	}
	return b.AddOperation(op)
}

// addLinearWeights stores the weights in the [outChannels, inChannels]
// layout inner_product expects. ONNX's B operand is [K, N] unless transB is
// set, in which case it is already [N, K] and the payload can be stored
// as-is, preserving float16 storage.
func addLinearWeights(b *ModelBuilder, name string, weights *graph.Tensor, transB bool) error {
	if transB {
		switch weights.DType {
		case graph.DTypeFloat32:
			return b.AddWeight(name, weights.Float32s, weights.Dims...)
		case graph.DTypeFloat16:
			return b.AddWeight(name, weights.Float16s, weights.Dims...)
		default:
			return errors.Errorf("weights tensor %q has unsupported element type %s", weights.Name, weights.DType)
		}
	}
	values, err := weights.Float32Values()
	if err != nil {
		return err
	}
	inChannels, outChannels := weights.Dims[0], weights.Dims[1]
	transposed := make([]float32, len(values))
	for k := int64(0); k < inChannels; k++ {
		for o := int64(0); o < outChannels; o++ {
			transposed[o*inChannels+k] = values[k*outChannels+o]
		}
	}
	return b.AddWeight(name, transposed, outChannels, inChannels)
}
