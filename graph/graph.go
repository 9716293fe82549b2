// Package graph holds the in-memory representation of a computation graph to
// be compiled: named input/output values with declared types and shapes,
// initializer tensors and operation nodes.
//
// It is the contract the compiler in package coreml consumes: it only needs
// each node's operator type, name and tensor arguments, plus the nodes in
// topological order (see Graph.SortedNodes).
//
// Construction methods panic (they throw exceptions) on structural misuse,
// like repeated names; the compiler surfaces those as errors.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Dim is one dimension of a tensor shape: either a concrete value or a
// symbolic parameter (e.g. "batch_size") left to be resolved at runtime.
type Dim struct {
	Value int64
	Param string
}

// IsKnown reports whether the dimension has a concrete non-negative value.
func (d Dim) IsKnown() bool {
	return d.Param == "" && d.Value >= 0
}

// String implements fmt.Stringer.
func (d Dim) String() string {
	if d.Param != "" {
		return d.Param
	}
	return fmt.Sprintf("%d", d.Value)
}

// KnownDims is a convenience to build a concrete shape.
func KnownDims(dims ...int64) []Dim {
	out := make([]Dim, len(dims))
	for ii, dim := range dims {
		out[ii] = Dim{Value: dim}
	}
	return out
}

// Shape is an ordered list of dimensions. An empty Dims means a rank-0
// (scalar) tensor, which is different from not knowing the shape at all --
// the latter is represented by a nil *Shape in TensorType.
type Shape struct {
	Dims []Dim
}

// TensorType is the declared element type and shape of a named tensor.
// Shape is nil when the graph carries no shape information for the tensor.
type TensorType struct {
	DType DType
	Shape *Shape
}

// Value is a named graph edge: an input or output tensor with its (possibly
// missing) declared type.
type Value struct {
	Name string
	Type *TensorType
}

// Node is one operation of the graph. Inputs and Outputs name the tensors it
// consumes and produces, in operator-defined order. An empty input name marks
// an omitted optional input.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string

	attributes map[string]*Attribute
}

// Attribute is a static operator parameter. Only the field matching how it
// was set is meaningful.
type Attribute struct {
	Name  string
	Int   int64
	Float float32
	Ints  []int64
	Str   string
}

// SetAttr sets (or replaces) an attribute of the node and returns the node,
// so calls can be chained during graph construction.
func (n *Node) SetAttr(attr *Attribute) *Node {
	if attr.Name == "" {
		exceptions.Panicf("node %q: SetAttr with empty attribute name", n.Name)
	}
	if n.attributes == nil {
		n.attributes = make(map[string]*Attribute)
	}
	n.attributes[attr.Name] = attr
	return n
}

// Attr returns the named attribute, or nil if absent.
func (n *Node) Attr(name string) *Attribute {
	return n.attributes[name]
}

// AttrInt returns the named integer attribute, or defaultValue if absent.
func (n *Node) AttrInt(name string, defaultValue int64) int64 {
	attr := n.attributes[name]
	if attr == nil {
		return defaultValue
	}
	return attr.Int
}

// AttrFloat returns the named float attribute, or defaultValue if absent.
func (n *Node) AttrFloat(name string, defaultValue float32) float32 {
	attr := n.attributes[name]
	if attr == nil {
		return defaultValue
	}
	return attr.Float
}

// AttrInts returns the named integer-list attribute, or nil if absent.
func (n *Node) AttrInts(name string) []int64 {
	attr := n.attributes[name]
	if attr == nil {
		return nil
	}
	return attr.Ints
}

// Graph is a computation graph under construction or being compiled.
// It is mutated only through the Add* methods; the compiler treats it as
// read-only.
type Graph struct {
	name         string
	inputs       []*Value
	outputs      []*Value
	initializers map[string]*Tensor
	nodes        []*Node

	tensorNames map[string]bool // every name any node produces or the graph declares.
	sorted      []*Node         // cache for SortedNodes.
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:         name,
		initializers: make(map[string]*Tensor),
		tensorNames:  make(map[string]bool),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddInput declares a graph input. The type can be nil (unknown), which the
// compiler will reject later with a proper error.
func (g *Graph) AddInput(name string, tensorType *TensorType) *Graph {
	if name == "" {
		exceptions.Panicf("graph %q: AddInput with empty name", g.name)
	}
	for _, input := range g.inputs {
		if input.Name == name {
			exceptions.Panicf("graph %q: input %q declared twice", g.name, name)
		}
	}
	g.inputs = append(g.inputs, &Value{Name: name, Type: tensorType})
	g.tensorNames[name] = true
	g.sorted = nil
	return g
}

// AddOutput declares a graph output.
func (g *Graph) AddOutput(name string, tensorType *TensorType) *Graph {
	if name == "" {
		exceptions.Panicf("graph %q: AddOutput with empty name", g.name)
	}
	for _, output := range g.outputs {
		if output.Name == name {
			exceptions.Panicf("graph %q: output %q declared twice", g.name, name)
		}
	}
	g.outputs = append(g.outputs, &Value{Name: name, Type: tensorType})
	g.sorted = nil
	return g
}

// AddInitializer registers a constant tensor. Its name can be referenced by
// node inputs, and may also appear in the declared graph inputs (in which
// case the compiler will not treat it as a runtime input).
func (g *Graph) AddInitializer(t *Tensor) *Graph {
	if t == nil || t.Name == "" {
		exceptions.Panicf("graph %q: AddInitializer with nil tensor or empty name", g.name)
	}
	if _, found := g.initializers[t.Name]; found {
		exceptions.Panicf("graph %q: initializer %q declared twice", g.name, t.Name)
	}
	if err := t.check(); err != nil {
		panic(err)
	}
	g.initializers[t.Name] = t
	g.tensorNames[t.Name] = true
	g.sorted = nil
	return g
}

// AddNode appends an operation node. Nodes can be added in any order;
// SortedNodes resolves the topological order from the tensor names.
// The returned node can be further configured with SetAttr.
func (g *Graph) AddNode(name, opType string, inputs, outputs []string) *Node {
	if opType == "" {
		exceptions.Panicf("graph %q: AddNode %q with empty op type", g.name, name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("graph %q: node %q has no outputs", g.name, name)
	}
	for _, output := range outputs {
		if g.tensorNames[output] {
			exceptions.Panicf("graph %q: tensor %q produced more than once", g.name, output)
		}
		g.tensorNames[output] = true
	}
	node := &Node{Name: name, OpType: opType, Inputs: inputs, Outputs: outputs}
	g.nodes = append(g.nodes, node)
	g.sorted = nil
	return node
}

// Inputs returns the declared graph inputs, in declaration order.
func (g *Graph) Inputs() []*Value { return g.inputs }

// Outputs returns the declared graph outputs, in declaration order.
func (g *Graph) Outputs() []*Value { return g.outputs }

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Initializer returns the named initializer tensor, if any.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	t, found := g.initializers[name]
	return t, found
}

// NumInitializers returns the number of registered initializers.
func (g *Graph) NumInitializers() int { return len(g.initializers) }
