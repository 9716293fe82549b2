package coreml

import (
	"github.com/gomlx/onnx-coreml/graph"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
)

// reshapeOpBuilder translates Reshape nodes. The target shape operand must
// be an initializer: the program stores shapes statically, so shapes
// computed at run time cannot be represented.
type reshapeOpBuilder struct{}

func (reshapeOpBuilder) AddInitializersToSkip(b *ModelBuilder, node *graph.Node) {
	if len(node.Inputs) > 1 {
		if _, found := b.Initializer(node.Inputs[1]); found {
			b.AddSkippedInitializer(node.Inputs[1])
		}
	}
}

func (reshapeOpBuilder) AddToModelBuilder(b *ModelBuilder, node *graph.Node) error {
	if err := checkNodeIO(node, 2, 1); err != nil {
		return err
	}
	if allowZero := node.AttrInt("allowzero", 0); allowZero != 0 {
		return errors.Errorf("allowzero=%d is not supported", allowZero)
	}
	shapeTensor, found := b.Initializer(node.Inputs[1])
	if !found {
		return errors.Errorf("shape tensor %q is not an initializer, dynamic shapes are not supported",
			node.Inputs[1])
	}
	dims, err := shapeTensor.Int64Values()
	if err != nil {
		return err
	}
	for _, dim := range dims {
		if dim == 0 {
			// Without allowzero, 0 copies the input dimension; the static
			// program format has no way to express that.
			return errors.Errorf("shape tensor %q contains a 0 dimension, not supported", shapeTensor.Name)
		}
	}
	return b.AddOperation(&mil.Operation{
		Type:    "reshape",
		Name:    b.OperationName(node),
		Inputs:  []string{node.Inputs[0]},
		Outputs: []string{node.Outputs[0]},
		Attrs:   map[string]mil.Attr{"shape": mil.IntsAttr(dims)},
	})
}
