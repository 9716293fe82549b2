// Package coreml compiles a computation graph into a CoreML-style program
// artifact and runs inference against it.
//
//   - ModelBuilder: walks a graph in topological order, dispatches each node
//     to a per-operator OpBuilder, and accumulates the program description.
//   - Compile: the single entry point, returning a ready-to-load Model.
//   - Model: owns one serialized artifact and mediates exclusive inference
//     calls against the target runtime.
//
// The compiler is deliberately restricted: only float32 model inputs and
// outputs, and only static shapes. Anything else is a compile error, never
// silently degraded.
package coreml

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-coreml/graph"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorInfo is the recorded compile-time type of one named model input or
// output. Scalar (rank-0) tensors are already normalized to shape [1].
type TensorInfo struct {
	DType graph.DType
	Dims  []int64
}

// Size returns the number of elements.
func (ti TensorInfo) Size() int64 {
	size := int64(1)
	for _, dim := range ti.Dims {
		size *= dim
	}
	return size
}

// ModelBuilder drives the translation of one graph into one artifact.
// Create it with NewModelBuilder and use it for a single Compile call.
type ModelBuilder struct {
	graph    *graph.Graph
	registry Registry
	runtime  Runtime

	plan                *mil.Builder
	skippedInitializers map[string]bool
	scalarOutputs       map[string]bool
	tensorInfo          map[string]TensorInfo
	inputNames          []string
	nextOpIndex         int
}

// NewModelBuilder creates a builder bound to the given graph, using the
// default operator set and runtime.
func NewModelBuilder(g *graph.Graph) *ModelBuilder {
	return &ModelBuilder{
		graph:               g,
		registry:            DefaultOpBuilders(),
		runtime:             defaultRuntime,
		skippedInitializers: make(map[string]bool),
		scalarOutputs:       make(map[string]bool),
		tensorInfo:          make(map[string]TensorInfo),
	}
}

// WithOpBuilders replaces the operator registry. Useful in tests to
// substitute fake operator translations.
func (b *ModelBuilder) WithOpBuilders(registry Registry) *ModelBuilder {
	b.registry = registry
	return b
}

// WithRuntime replaces the target runtime backing the resulting Model.
func (b *ModelBuilder) WithRuntime(runtime Runtime) *ModelBuilder {
	b.runtime = runtime
	return b
}

// Compile translates the graph and writes the serialized artifact to path,
// returning a Model bound to it. The Model still needs Load before Predict.
//
// The pipeline is fixed and fails fast: the first error aborts the compile
// and no artifact is left at path.
func Compile(g *graph.Graph, path string) (*Model, error) {
	return NewModelBuilder(g).Compile(path)
}

// Compile runs the translation pipeline. See the package-level Compile.
func (b *ModelBuilder) Compile(path string) (*Model, error) {
	b.plan = mil.NewBuilder()

	// The graph provides nodes pre-sorted topologically; sorting failures
	// (cycles, dangling tensor references) surface as exceptions.
	var sortedNodes []*graph.Node
	err := exceptions.TryCatch[error](func() { sortedNodes = b.graph.SortedNodes() })
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling graph %q", b.graph.Name())
	}

	b.preprocessInitializers(sortedNodes)
	if err = b.registerInitializers(); err != nil {
		return nil, err
	}
	if err = b.registerModelInputs(); err != nil {
		return nil, err
	}
	if err = b.addOperations(sortedNodes); err != nil {
		return nil, err
	}
	if err = b.registerModelOutputs(); err != nil {
		return nil, err
	}

	if err = mil.WriteFile(path, b.plan.Program()); err != nil {
		return nil, err
	}
	klog.V(1).Infof("coreml: compiled graph %q to %s (%d inputs, %d outputs, %d scalar outputs)",
		b.graph.Name(), path, len(b.graph.Inputs()), len(b.graph.Outputs()), len(b.scalarOutputs))

	model := newModel(path, b.runtime)
	model.inputs = b.inputNames
	model.outputs = outputNames(b.graph)
	model.scalarOutputs = b.scalarOutputs
	model.tensorInfo = b.tensorInfo
	return model, nil
}

// preprocessInitializers asks every registered operator which initializers it
// consumes internally, so they are excluded from the generic registration
// passes. Nodes without a registered OpBuilder are skipped here; they are
// reported as unsupported later, in addOperations.
func (b *ModelBuilder) preprocessInitializers(sortedNodes []*graph.Node) {
	for _, node := range sortedNodes {
		if opBuilder := b.registry[node.OpType]; opBuilder != nil {
			opBuilder.AddInitializersToSkip(b, node)
		}
	}
}

// registerInitializers registers graph initializers that survive the skip
// list as program constants.
//
// TODO: emit const operations for the remaining initializers so operators
// without a special weight path can consume them; for now every supported
// operator loads its constants itself.
func (b *ModelBuilder) registerInitializers() error {
	return nil
}

// featureType validates and normalizes the declared type of a model input or
// output: the shape must be present and fully concrete, the element type must
// be float32, and rank-0 is reinterpreted as shape [1].
func featureType(value *graph.Value, kind string) (TensorInfo, error) {
	name := value.Name
	if value.Type == nil || value.Type.Shape == nil {
		return TensorInfo{}, errors.Errorf("graph %s %q has no shape information", kind, name)
	}
	dims := value.Type.Shape.Dims
	var shape []int64
	if len(dims) == 0 {
		// A rank-0 tensor becomes a single-element array in the program.
		shape = []int64{1}
	} else {
		shape = make([]int64, 0, len(dims))
		for _, dim := range dims {
			if !dim.IsKnown() {
				return TensorInfo{}, errors.Errorf("dynamic shape is not supported, for %s %q (dimension %s)",
					kind, name, dim)
			}
			shape = append(shape, dim.Value)
		}
	}
	switch value.Type.DType {
	case graph.DTypeFloat32:
		// The only element type the program format accepts at the boundary.
	case graph.DTypeUndefined:
		return TensorInfo{}, errors.Errorf("graph %s %q has no element type", kind, name)
	default:
		return TensorInfo{}, errors.Errorf("graph %s %q has unsupported element type %s",
			kind, name, value.Type.DType)
	}
	return TensorInfo{DType: value.Type.DType, Dims: shape}, nil
}

// registerModelInputs turns the graph inputs into program input features.
// Initializers are never model inputs, even when declared as such.
func (b *ModelBuilder) registerModelInputs() error {
	for _, input := range b.graph.Inputs() {
		if _, isInitializer := b.graph.Initializer(input.Name); isInitializer {
			continue
		}
		if b.skippedInitializers[input.Name] {
			continue
		}
		info, err := featureType(input, "input")
		if err != nil {
			return err
		}
		b.tensorInfo[input.Name] = info
		b.inputNames = append(b.inputNames, input.Name)
		b.plan.AddInput(input.Name, mil.Float32, info.Dims...)
	}
	return nil
}

// addOperations dispatches every node to its OpBuilder, in topological order.
func (b *ModelBuilder) addOperations(sortedNodes []*graph.Node) error {
	for _, node := range sortedNodes {
		opBuilder := b.registry[node.OpType]
		if opBuilder == nil {
			return errors.Errorf("node %q, operator type %q is not supported", node.Name, node.OpType)
		}
		if err := opBuilder.AddToModelBuilder(b, node); err != nil {
			return errors.WithMessagef(err, "converting node %q (%s)", node.Name, node.OpType)
		}
	}
	return nil
}

// registerModelOutputs turns the graph outputs into program output features.
// Rank-0 outputs are materialized as shape [1] and remembered in the
// scalar-output set, so callers can restore the logical rank later.
func (b *ModelBuilder) registerModelOutputs() error {
	for _, output := range b.graph.Outputs() {
		info, err := featureType(output, "output")
		if err != nil {
			return err
		}
		if output.Type.Shape != nil && len(output.Type.Shape.Dims) == 0 {
			b.scalarOutputs[output.Name] = true
		}
		b.tensorInfo[output.Name] = info
		b.plan.AddOutput(output.Name, mil.Float32, info.Dims...)
	}
	return nil
}

// outputNames lists the graph output names in graph-declared order.
func outputNames(g *graph.Graph) []string {
	names := make([]string, 0, len(g.Outputs()))
	for _, output := range g.Outputs() {
		names = append(names, output.Name)
	}
	return names
}

// The methods below are the services OpBuilder implementations use while
// emitting operations.

// Graph returns the graph being compiled.
func (b *ModelBuilder) Graph() *graph.Graph { return b.graph }

// Initializer returns the named graph initializer, if any.
func (b *ModelBuilder) Initializer(name string) (*graph.Tensor, bool) {
	return b.graph.Initializer(name)
}

// AddSkippedInitializer marks an initializer as consumed internally by an
// operator, excluding it from the generic registration passes. Calling it
// multiple times with the same name is fine.
func (b *ModelBuilder) AddSkippedInitializer(name string) {
	b.skippedInitializers[name] = true
}

// AddOperation appends a native operation to the program under construction.
func (b *ModelBuilder) AddOperation(op *mil.Operation) error {
	return b.plan.AddOperation(op)
}

// AddWeight registers a constant tensor in the program under construction.
func (b *ModelBuilder) AddWeight(name string, data any, dims ...int64) error {
	return b.plan.AddWeight(name, data, dims...)
}

// OperationName returns a stable unique name for the operation(s) emitted
// for a node, deriving one from the op type when the node is unnamed.
func (b *ModelBuilder) OperationName(node *graph.Node) string {
	b.nextOpIndex++
	if node.Name != "" {
		return node.Name
	}
	return fmt.Sprintf("%s_%d", node.OpType, b.nextOpIndex)
}
