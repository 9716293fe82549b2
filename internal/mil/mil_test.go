package mil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBuilder(t *testing.T) {
	b := NewBuilder()
	b.AddInput("x", Float32, 2, 3)
	b.AddOutput("y", Float32, 2, 3)
	require.NoError(t, b.AddWeight("w", []float32{1, 2, 3}, 3))
	require.NoError(t, b.AddOperation(&Operation{
		Type:    "add",
		Name:    "add0",
		Inputs:  []string{"x", "w"},
		Outputs: []string{"y"},
	}))

	p := b.Program()
	assert.Equal(t, int32(SpecificationVersion), p.SpecVersion)
	assert.Equal(t, ExactShapeMapping, p.ShapeMapping)
	require.Len(t, p.Inputs, 1)
	assert.Equal(t, int64(6), p.Inputs[0].Type.Size())
	w, found := p.Weight("w")
	require.True(t, found)
	assert.Equal(t, Float32, w.Type.DType)
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddWeight("w", []float32{1, 2}, 2))
	require.ErrorContains(t, b.AddWeight("w", []float32{1}, 1), "added twice")
	require.ErrorContains(t, b.AddWeight("", []float32{1}, 1), "empty name")
	require.ErrorContains(t, b.AddWeight("bad", []float64{1}, 1), "unsupported data type")
	require.ErrorContains(t, b.AddWeight("sized", []float32{1, 2}, 3), "expects 3 values")

	require.ErrorContains(t, b.AddOperation(&Operation{Name: "op"}), "empty type")
	require.ErrorContains(t, b.AddOperation(&Operation{Type: "add"}), "empty name")
	require.ErrorContains(t, b.AddOperation(&Operation{
		Type: "inner_product", Name: "ip0", Outputs: []string{"y"},
		Weights: map[string]string{"weights": "nope"},
	}), "unknown weight")

	require.NoError(t, b.AddOperation(&Operation{Type: "relu", Name: "r0", Outputs: []string{"y"}}))
	require.ErrorContains(t, b.AddOperation(&Operation{Type: "relu", Name: "r0", Outputs: []string{"z"}}),
		"added twice")
}

func TestWeightDecoding(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddWeight("f32", []float32{1.5, -2.25}, 2))
	require.NoError(t, b.AddWeight("f16", []float16.Float16{
		float16.Fromfloat32(0.5), float16.Fromfloat32(-8)}, 2))
	require.NoError(t, b.AddWeight("i32", []int32{-7, 1 << 20}, 2))
	p := b.Program()

	w, _ := p.Weight("f32")
	values, err := w.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2.25}, values)

	w, _ = p.Weight("f16")
	assert.Equal(t, Float16, w.Type.DType)
	assert.Len(t, w.Data(), 4)
	values, err = w.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -8}, values)

	w, _ = p.Weight("i32")
	ints, err := w.Int32Values()
	require.NoError(t, err)
	assert.Equal(t, []int32{-7, 1 << 20}, ints)
	_, err = w.Float32Values()
	require.ErrorContains(t, err, "cannot decode it as float32")

	w, _ = p.Weight("f32")
	_, err = w.Int32Values()
	require.ErrorContains(t, err, "cannot decode it as int32")
}

func TestDTypes(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 0, DType(0).Size())
	assert.Equal(t, "float16", Float16.String())
}
