package coreml_test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/onnx-coreml/coreml"
	"github.com/gomlx/onnx-coreml/graph"
	"github.com/janpfeifer/must"
)

// Example compiles a small linear model, loads it with the default runtime
// and runs one prediction.
func Example() {
	newType := func(dims ...int64) *graph.TensorType {
		return &graph.TensorType{
			DType: graph.DTypeFloat32,
			Shape: &graph.Shape{Dims: graph.KnownDims(dims...)},
		}
	}
	g := graph.New("linear")
	g.AddInput("x", newType(1, 2))
	g.AddInitializer(&graph.Tensor{
		Name: "w", DType: graph.DTypeFloat32, Dims: []int64{2, 2},
		Float32s: []float32{1, 2, 3, 4}})
	g.AddNode("linear", "Gemm", []string{"x", "w"}, []string{"h"})
	g.AddNode("act", "Relu", []string{"h"}, []string{"y"})
	g.AddOutput("y", newType(1, 2))

	dir := must.M1(os.MkdirTemp("", "coreml_example"))
	defer func() { _ = os.RemoveAll(dir) }()

	model := must.M1(coreml.Compile(g, filepath.Join(dir, "linear.bin")))
	must.M(model.Load())
	defer func() { _ = model.Close() }()

	y := make([]float32, 2)
	must.M(model.Predict(
		map[string]coreml.TensorData{"x": {Data: []float32{1, 2}}},
		map[string]coreml.TensorData{"y": {Data: y}}))
	fmt.Println(y)

	// Output:
	// [7 10]
}
