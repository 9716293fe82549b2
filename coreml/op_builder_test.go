package coreml

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/onnx-coreml/graph"
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDefaultOpBuildersIsFresh(t *testing.T) {
	r1 := DefaultOpBuilders()
	r1["Relu"] = nil
	r2 := DefaultOpBuilders()
	assert.NotNil(t, r2["Relu"], "each call must return an independent registry")
	for _, opType := range []string{"Add", "Sub", "Mul", "Div", "Relu", "Sigmoid", "Tanh",
		"Gemm", "MatMul", "Reshape"} {
		assert.Contains(t, r2, opType)
	}
}

func TestAddInitializersToSkipIdempotent(t *testing.T) {
	g := mlpGraph()
	b := NewModelBuilder(g)
	node := g.Nodes()[0]
	opBuilder := b.registry[node.OpType]
	opBuilder.AddInitializersToSkip(b, node)
	opBuilder.AddInitializersToSkip(b, node)
	assert.Equal(t, map[string]bool{"w": true, "b": true}, b.skippedInitializers)
}

// gemmGraph builds a one-node Gemm graph; configure is applied to the node
// before the graph is returned.
func gemmGraph(weights *graph.Tensor, configure func(*graph.Node)) *graph.Graph {
	g := graph.New("test")
	g.AddInput("x", float32Type(1, 2))
	if weights != nil {
		g.AddInitializer(weights)
	}
	node := g.AddNode("gemm0", "Gemm", []string{"x", "w"}, []string{"y"})
	if configure != nil {
		configure(node)
	}
	g.AddOutput("y", float32Type(1, 3))
	return g
}

func rank2Weights() *graph.Tensor {
	return &graph.Tensor{
		Name: "w", DType: graph.DTypeFloat32, Dims: []int64{2, 3},
		Float32s: []float32{1, 2, 3, 4, 5, 6}}
}

func TestGemmAttributeErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bin")
	for _, test := range []struct {
		name    string
		attr    *graph.Attribute
		wantErr string
	}{
		{"alpha", &graph.Attribute{Name: "alpha", Float: 2}, "alpha=2 is not supported"},
		{"beta", &graph.Attribute{Name: "beta", Float: 0.5}, "beta=0.5 is not supported"},
		{"transA", &graph.Attribute{Name: "transA", Int: 1}, "transA=1 is not supported"},
	} {
		t.Run(test.name, func(t *testing.T) {
			g := gemmGraph(rank2Weights(), func(n *graph.Node) { n.SetAttr(test.attr) })
			_, err := Compile(g, path)
			require.ErrorContains(t, err, test.wantErr)
			require.ErrorContains(t, err, `converting node "gemm0" (Gemm)`)
		})
	}
}

func TestGemmDynamicWeightsError(t *testing.T) {
	g := graph.New("test")
	g.AddInput("x", float32Type(1, 2))
	g.AddInput("w", float32Type(2, 3))
	g.AddNode("gemm0", "Gemm", []string{"x", "w"}, []string{"y"})
	g.AddOutput("y", float32Type(1, 3))
	_, err := Compile(g, filepath.Join(t.TempDir(), "m.bin"))
	require.ErrorContains(t, err, `weights tensor "w" is not an initializer`)
}

func TestGemmWeightsRankError(t *testing.T) {
	weights := &graph.Tensor{
		Name: "w", DType: graph.DTypeFloat32, Dims: []int64{6},
		Float32s: []float32{1, 2, 3, 4, 5, 6}}
	_, err := Compile(gemmGraph(weights, nil), filepath.Join(t.TempDir(), "m.bin"))
	require.ErrorContains(t, err, `weights tensor "w" must be rank-2`)
}

func TestGemmBiasErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bin")

	g := graph.New("test")
	g.AddInput("x", float32Type(1, 2))
	g.AddInput("b", float32Type(3))
	g.AddInitializer(rank2Weights())
	g.AddNode("gemm0", "Gemm", []string{"x", "w", "b"}, []string{"y"})
	g.AddOutput("y", float32Type(1, 3))
	_, err := Compile(g, path)
	require.ErrorContains(t, err, `bias tensor "b" is not an initializer`)

	g = graph.New("test")
	g.AddInput("x", float32Type(1, 2))
	g.AddInitializer(rank2Weights())
	g.AddInitializer(&graph.Tensor{
		Name: "b", DType: graph.DTypeFloat32, Dims: []int64{2}, Float32s: []float32{1, 2}})
	g.AddNode("gemm0", "Gemm", []string{"x", "w", "b"}, []string{"y"})
	g.AddOutput("y", float32Type(1, 3))
	_, err = Compile(g, path)
	require.ErrorContains(t, err, `bias tensor "b" has 2 values, expected 3`)
}

// With transB set the weights initializer is already in [out, in] layout and
// its payload is stored untouched, float16 included.
func TestGemmTransBFloat16Passthrough(t *testing.T) {
	toF16 := func(values ...float32) []float16.Float16 {
		out := make([]float16.Float16, len(values))
		for ii, v := range values {
			out[ii] = float16.Fromfloat32(v)
		}
		return out
	}
	weights := &graph.Tensor{
		Name: "w", DType: graph.DTypeFloat16, Dims: []int64{3, 2},
		Float16s: toF16(1, 2, 3, 4, 5, 6)}
	g := gemmGraph(weights, func(n *graph.Node) {
		n.SetAttr(&graph.Attribute{Name: "transB", Int: 1})
	})

	path := filepath.Join(t.TempDir(), "m.bin")
	model, err := Compile(g, path)
	require.NoError(t, err)

	p, err := mil.ReadFile(path)
	require.NoError(t, err)
	w, found := p.Weight("gemm0_weights")
	require.True(t, found)
	assert.Equal(t, mil.Float16, w.Type.DType)
	assert.Equal(t, []int64{3, 2}, w.Type.Dims)
	values, err := w.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)

	// The executor consumes the float16 weights directly.
	require.NoError(t, model.Load())
	defer func() { require.NoError(t, model.Close()) }()
	y := make([]float32, 3)
	require.NoError(t, model.Predict(
		map[string]TensorData{"x": {Data: []float32{10, 1}}},
		map[string]TensorData{"y": {Data: y}}))
	assert.Equal(t, []float32{12, 34, 56}, y)
}

// Without transB the [in, out] weights must produce the same results as the
// transposed layout.
func TestGemmTransposesWeights(t *testing.T) {
	g := gemmGraph(rank2Weights(), nil)
	model, err := Compile(g, filepath.Join(t.TempDir(), "m.bin"))
	require.NoError(t, err)
	require.NoError(t, model.Load())
	defer func() { require.NoError(t, model.Close()) }()

	y := make([]float32, 3)
	require.NoError(t, model.Predict(
		map[string]TensorData{"x": {Data: []float32{10, 1}}},
		map[string]TensorData{"y": {Data: y}}))
	// x·w for w=[[1,2,3],[4,5,6]].
	assert.Equal(t, []float32{14, 25, 36}, y)
}

func TestMatMul(t *testing.T) {
	g := graph.New("test")
	g.AddInput("x", float32Type(2, 2))
	g.AddInitializer(&graph.Tensor{
		Name: "w", DType: graph.DTypeFloat32, Dims: []int64{2, 2},
		Float32s: []float32{0, 1, 1, 0}})
	g.AddNode("matmul0", "MatMul", []string{"x", "w"}, []string{"y"})
	g.AddOutput("y", float32Type(2, 2))

	model, err := Compile(g, filepath.Join(t.TempDir(), "m.bin"))
	require.NoError(t, err)
	require.NoError(t, model.Load())
	defer func() { require.NoError(t, model.Close()) }()

	y := make([]float32, 4)
	require.NoError(t, model.Predict(
		map[string]TensorData{"x": {Data: []float32{1, 2, 3, 4}}},
		map[string]TensorData{"y": {Data: y}}))
	assert.Equal(t, []float32{2, 1, 4, 3}, y)
}

func TestReshapeErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bin")

	g := graph.New("test")
	g.AddInput("x", float32Type(2, 3))
	g.AddInput("shape", &graph.TensorType{
		DType: graph.DTypeInt64, Shape: &graph.Shape{Dims: graph.KnownDims(2)}})
	g.AddNode("reshape0", "Reshape", []string{"x", "shape"}, []string{"y"})
	g.AddOutput("y", float32Type(3, 2))
	_, err := Compile(g, path)
	require.ErrorContains(t, err, `shape tensor "shape" is not an initializer, dynamic shapes are not supported`)

	shapeInitializer := func(dims ...int64) *graph.Tensor {
		return &graph.Tensor{
			Name: "shape", DType: graph.DTypeInt64, Dims: []int64{int64(len(dims))}, Int64s: dims}
	}

	g = graph.New("test")
	g.AddInput("x", float32Type(2, 3))
	g.AddInitializer(shapeInitializer(3, 2))
	g.AddNode("reshape0", "Reshape", []string{"x", "shape"}, []string{"y"}).
		SetAttr(&graph.Attribute{Name: "allowzero", Int: 1})
	g.AddOutput("y", float32Type(3, 2))
	_, err = Compile(g, path)
	require.ErrorContains(t, err, "allowzero=1 is not supported")

	g = graph.New("test")
	g.AddInput("x", float32Type(2, 3))
	g.AddInitializer(shapeInitializer(0, 6))
	g.AddNode("reshape0", "Reshape", []string{"x", "shape"}, []string{"y"})
	g.AddOutput("y", float32Type(2, 3))
	_, err = Compile(g, path)
	require.ErrorContains(t, err, `shape tensor "shape" contains a 0 dimension`)
}

func TestReshape(t *testing.T) {
	g := graph.New("test")
	g.AddInput("x", float32Type(2, 3))
	g.AddInitializer(&graph.Tensor{
		Name: "shape", DType: graph.DTypeInt64, Dims: []int64{2}, Int64s: []int64{-1, 2}})
	g.AddNode("reshape0", "Reshape", []string{"x", "shape"}, []string{"y"})
	g.AddOutput("y", float32Type(3, 2))

	path := filepath.Join(t.TempDir(), "m.bin")
	model, err := Compile(g, path)
	require.NoError(t, err)
	// The shape operand is consumed at compile time, never a model input.
	assert.Equal(t, []string{"x"}, model.Inputs())

	p, err := mil.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)
	assert.Equal(t, []int64{-1, 2}, p.Operations[0].Attrs["shape"].Ints)

	require.NoError(t, model.Load())
	defer func() { require.NoError(t, model.Close()) }()
	y := make([]float32, 6)
	require.NoError(t, model.Predict(
		map[string]TensorData{"x": {Data: []float32{1, 2, 3, 4, 5, 6}}},
		map[string]TensorData{"y": {Data: y}}))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, y)
}

func TestNodeArgumentCountErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bin")

	g := graph.New("test")
	g.AddInput("x", float32Type(2))
	g.AddNode("add0", "Add", []string{"x"}, []string{"y"})
	g.AddOutput("y", float32Type(2))
	_, err := Compile(g, path)
	require.ErrorContains(t, err, "expected 2 inputs, got 1")

	g = graph.New("test")
	g.AddInput("x", float32Type(2))
	g.AddNode("relu0", "Relu", []string{"x", "x"}, []string{"y"})
	g.AddOutput("y", float32Type(2))
	_, err = Compile(g, path)
	require.ErrorContains(t, err, "expected 1 inputs, got 2")

	g = graph.New("test")
	g.AddInput("x", float32Type(2))
	g.AddNode("gemm0", "Gemm", []string{"x"}, []string{"y"})
	g.AddOutput("y", float32Type(2))
	_, err = Compile(g, path)
	require.ErrorContains(t, err, "expected 2 or 3 inputs and 1 output")
}
