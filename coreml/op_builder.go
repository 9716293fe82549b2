package coreml

import (
	"github.com/gomlx/onnx-coreml/graph"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
)

// OpBuilder translates one operator type into native program operations.
//
// AddInitializersToSkip is a pure inspection pass: it may only record, via
// ModelBuilder.AddSkippedInitializer, which initializers the operator will
// consume internally. It must be idempotent.
//
// AddToModelBuilder emits the native operation(s) for the node. Any error
// aborts the whole compile, so partial emission never reaches an artifact.
type OpBuilder interface {
	AddInitializersToSkip(b *ModelBuilder, node *graph.Node)
	AddToModelBuilder(b *ModelBuilder, node *graph.Node) error
}

// Registry maps operator type names to their OpBuilder. The compiler treats
// it as read-only.
type Registry map[string]OpBuilder

// DefaultOpBuilders constructs the registry of supported operators. Each
// call returns a fresh map, so callers can add or replace entries without
// affecting other compiles.
func DefaultOpBuilders() Registry {
	registry := Registry{
		"Relu":    &activationOpBuilder{milOp: "relu"},
		"Sigmoid": &activationOpBuilder{milOp: "sigmoid"},
		"Tanh":    &activationOpBuilder{milOp: "tanh"},
		"Reshape": &reshapeOpBuilder{},
	}
	for onnxOp, milOp := range map[string]string{
		"Add": "add", "Sub": "sub", "Mul": "mul", "Div": "div",
	} {
		registry[onnxOp] = &binaryOpBuilder{milOp: milOp}
	}
	for _, onnxOp := range []string{"Gemm", "MatMul"} {
		registry[onnxOp] = &gemmOpBuilder{}
	}
	return registry
}

// baseOpBuilder provides the no-op skip pass shared by operators that
// consume no initializers.
type baseOpBuilder struct{}

func (baseOpBuilder) AddInitializersToSkip(_ *ModelBuilder, _ *graph.Node) {}

// checkNodeIO validates a node's argument count before emission.
func checkNodeIO(node *graph.Node, numInputs, numOutputs int) error {
	if len(node.Inputs) != numInputs {
		return errors.Errorf("expected %d inputs, got %d", numInputs, len(node.Inputs))
	}
	if len(node.Outputs) != numOutputs {
		return errors.Errorf("expected %d outputs, got %d", numOutputs, len(node.Outputs))
	}
	return nil
}

// binaryOpBuilder translates the elementwise binary operators.
type binaryOpBuilder struct {
	baseOpBuilder
	milOp string
}

func (ob *binaryOpBuilder) AddToModelBuilder(b *ModelBuilder, node *graph.Node) error {
	if err := checkNodeIO(node, 2, 1); err != nil {
		return err
	}
	return b.AddOperation(&mil.Operation{
		Type:    ob.milOp,
		Name:    b.OperationName(node),
		Inputs:  []string{node.Inputs[0], node.Inputs[1]},
		Outputs: []string{node.Outputs[0]},
	})
}

// activationOpBuilder translates the unary activation operators.
type activationOpBuilder struct {
	baseOpBuilder
	milOp string
}

func (ob *activationOpBuilder) AddToModelBuilder(b *ModelBuilder, node *graph.Node) error {
	if err := checkNodeIO(node, 1, 1); err != nil {
		return err
	}
	return b.AddOperation(&mil.Operation{
		Type:    ob.milOp,
		Name:    b.OperationName(node),
		Inputs:  []string{node.Inputs[0]},
		Outputs: []string{node.Outputs[0]},
	})
}
