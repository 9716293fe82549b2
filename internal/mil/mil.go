// Package mil holds the intermediate-language description of a compiled
// model: the accumulating program the compiler populates, and its on-disk
// artifact format.
//
// A Program is write-only during compilation (built through Builder) and
// read-only after Read/ReadFile loads it back from an artifact.
package mil

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// SpecificationVersion is the program format version embedded in every
// artifact. Readers reject programs with a different version.
const SpecificationVersion = 4

// ShapeMapping describes how feature shapes map to the runtime's array
// representation.
type ShapeMapping int32

// ExactShapeMapping maps every feature shape to the runtime arrays exactly
// as declared, with no implicit rank padding. It is the only mode programs
// are written with.
const ExactShapeMapping ShapeMapping = 1

// DType enumerates element types the program format can store.
type DType uint8

const (
	Float32 DType = iota + 1
	Float16
	Int32
)

// Size returns the element size in bytes.
func (dt DType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	}
	return 0
}

// String implements fmt.Stringer.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("DType(%d)", uint8(dt))
	}
}

// TensorType is an element type with concrete dimensions.
type TensorType struct {
	DType DType   `json:"dtype"`
	Dims  []int64 `json:"dims"`
}

// Size returns the number of elements.
func (t TensorType) Size() int64 {
	size := int64(1)
	for _, dim := range t.Dims {
		size *= dim
	}
	return size
}

// Feature is a named model input or output.
type Feature struct {
	Name string     `json:"name"`
	Type TensorType `json:"type"`
}

// AttrKind discriminates the value stored in an Attr.
type AttrKind uint8

const (
	AttrKindInt AttrKind = iota + 1
	AttrKindFloat
	AttrKindInts
	AttrKindStr
)

// Attr is a static operation parameter.
type Attr struct {
	Kind  AttrKind `json:"kind"`
	Int   int64    `json:"int,omitempty"`
	Float float64  `json:"float,omitempty"`
	Ints  []int64  `json:"ints,omitempty"`
	Str   string   `json:"str,omitempty"`
}

// IntAttr builds an integer attribute.
func IntAttr(v int64) Attr { return Attr{Kind: AttrKindInt, Int: v} }

// IntsAttr builds an integer-list attribute.
func IntsAttr(v []int64) Attr { return Attr{Kind: AttrKindInts, Ints: v} }

// Operation is one native operation of the program. Inputs and Outputs name
// activation tensors; Weights maps operation-defined roles (e.g. "weights",
// "bias") to the names of constant tensors registered with the Builder.
type Operation struct {
	Type    string            `json:"type"`
	Name    string            `json:"name"`
	Inputs  []string          `json:"inputs,omitempty"`
	Outputs []string          `json:"outputs"`
	Attrs   map[string]Attr   `json:"attrs,omitempty"`
	Weights map[string]string `json:"weights,omitempty"`
}

// Weight is a constant tensor stored in the artifact's data segment as
// little-endian values.
type Weight struct {
	Name string
	Type TensorType

	data []byte
}

// Data returns the raw little-endian payload.
func (w *Weight) Data() []byte { return w.data }

// Float32Values decodes the payload as float32, converting Float16 storage.
// It fails for integer weights.
func (w *Weight) Float32Values() ([]float32, error) {
	n := int(w.Type.Size())
	switch w.Type.DType {
	case Float32:
		values := make([]float32, n)
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(w.data[ii*4:]))
		}
		return values, nil
	case Float16:
		values := make([]float32, n)
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(w.data[ii*2:])).Float32()
		}
		return values, nil
	default:
		return nil, errors.Errorf("weight %q has data type %s, cannot decode it as float32", w.Name, w.Type.DType)
	}
}

// Int32Values decodes the payload as int32. It fails for float weights.
func (w *Weight) Int32Values() ([]int32, error) {
	if w.Type.DType != Int32 {
		return nil, errors.Errorf("weight %q has data type %s, cannot decode it as int32", w.Name, w.Type.DType)
	}
	values := make([]int32, w.Type.Size())
	for ii := range values {
		values[ii] = int32(binary.LittleEndian.Uint32(w.data[ii*4:]))
	}
	return values, nil
}

// Program is the complete model description: features, operations in
// execution order, and constant weights.
type Program struct {
	SpecVersion  int32
	ShapeMapping ShapeMapping
	Inputs       []Feature
	Outputs      []Feature
	Operations   []*Operation
	Weights      []*Weight
}

// Weight returns the named weight, if any.
func (p *Program) Weight(name string) (*Weight, bool) {
	for _, w := range p.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return nil, false
}

// Builder accumulates a Program during compilation. It is not safe for
// concurrent use; a compile owns its builder exclusively.
type Builder struct {
	program     *Program
	weightNames map[string]bool
	opNames     map[string]bool
}

// NewBuilder creates a builder for an empty program with the fixed
// specification version and exact shape mapping.
func NewBuilder() *Builder {
	return &Builder{
		program: &Program{
			SpecVersion:  SpecificationVersion,
			ShapeMapping: ExactShapeMapping,
		},
		weightNames: make(map[string]bool),
		opNames:     make(map[string]bool),
	}
}

// AddInput appends an input feature.
func (b *Builder) AddInput(name string, dtype DType, dims ...int64) {
	b.program.Inputs = append(b.program.Inputs,
		Feature{Name: name, Type: TensorType{DType: dtype, Dims: dims}})
}

// AddOutput appends an output feature.
func (b *Builder) AddOutput(name string, dtype DType, dims ...int64) {
	b.program.Outputs = append(b.program.Outputs,
		Feature{Name: name, Type: TensorType{DType: dtype, Dims: dims}})
}

// AddOperation appends an operation to the program. Operation names must be
// unique and every referenced weight must have been added already.
func (b *Builder) AddOperation(op *Operation) error {
	if op.Type == "" {
		return errors.Errorf("operation %q has an empty type", op.Name)
	}
	if op.Name == "" {
		return errors.Errorf("operation of type %q has an empty name", op.Type)
	}
	if b.opNames[op.Name] {
		return errors.Errorf("operation %q added twice", op.Name)
	}
	for role, weightName := range op.Weights {
		if !b.weightNames[weightName] {
			return errors.Errorf("operation %q references unknown weight %q as %q", op.Name, weightName, role)
		}
	}
	b.opNames[op.Name] = true
	b.program.Operations = append(b.program.Operations, op)
	return nil
}

// AddWeight registers a constant tensor. Data must be a []float32,
// []float16.Float16 or []int32 slice whose length matches dims.
func (b *Builder) AddWeight(name string, data any, dims ...int64) error {
	if name == "" {
		return errors.New("weight with an empty name")
	}
	if b.weightNames[name] {
		return errors.Errorf("weight %q added twice", name)
	}
	w := &Weight{Name: name, Type: TensorType{Dims: dims}}
	switch values := data.(type) {
	case []float32:
		w.Type.DType = Float32
		w.data = make([]byte, 4*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint32(w.data[ii*4:], math.Float32bits(v))
		}
	case []float16.Float16:
		w.Type.DType = Float16
		w.data = make([]byte, 2*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint16(w.data[ii*2:], v.Bits())
		}
	case []int32:
		w.Type.DType = Int32
		w.data = make([]byte, 4*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint32(w.data[ii*4:], uint32(v))
		}
	default:
		return errors.Errorf("weight %q: unsupported data type %T", name, data)
	}
	if int64(len(w.data)) != w.Type.Size()*int64(w.Type.DType.Size()) {
		return errors.Errorf("weight %q shaped %v expects %d values, got %d bytes of data",
			name, dims, w.Type.Size(), len(w.data))
	}
	b.weightNames[name] = true
	b.program.Weights = append(b.program.Weights, w)
	return nil
}

// Program returns the accumulated program. The builder must not be used
// afterwards.
func (b *Builder) Program() *Program {
	return b.program
}
