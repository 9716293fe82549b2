// Package milexec is a reference executor for mil programs: a pure-Go
// runtime that loads a program and runs its operations on the CPU.
//
// It backs the default runtime used by the coreml package's Model handle.
// Only float32 features are supported, matching what the compiler emits.
package milexec

import (
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tensor is one activation value during execution.
type tensor struct {
	data []float32
	dims []int64
}

func (t *tensor) size() int64 {
	size := int64(1)
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// weight is a decoded constant.
type weight struct {
	values []float32
	dims   []int64
}

// Machine executes one mil program. It is stateless across Run calls and
// safe for concurrent use; callers that need exclusive access (like the
// coreml Model) serialize externally.
type Machine struct {
	program *mil.Program
	weights map[string]*weight
}

// NewMachine validates the program and decodes its weights. It fails if any
// operation type is not implemented by this executor, or if any feature is
// not float32.
func NewMachine(p *mil.Program) (*Machine, error) {
	for _, feature := range append(append([]mil.Feature{}, p.Inputs...), p.Outputs...) {
		if feature.Type.DType != mil.Float32 {
			return nil, errors.Errorf("feature %q has data type %s, this executor only supports %s",
				feature.Name, feature.Type.DType, mil.Float32)
		}
	}
	m := &Machine{program: p, weights: make(map[string]*weight)}
	for _, w := range p.Weights {
		values, err := w.Float32Values()
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding weight %q", w.Name)
		}
		m.weights[w.Name] = &weight{values: values, dims: w.Type.Dims}
	}
	for _, op := range p.Operations {
		if kernels[op.Type] == nil {
			return nil, errors.Errorf("operation %q has type %q, not implemented by this executor",
				op.Name, op.Type)
		}
	}
	klog.V(2).Infof("milexec: machine ready, %d operations, %d weights",
		len(p.Operations), len(p.Weights))
	return m, nil
}

// Run executes the program. Each input name must be bound to a buffer of
// exactly the feature's size; each output buffer receives a copy of the
// computed value. Buffers are caller-owned and never retained.
func (m *Machine) Run(inputs, outputs map[string][]float32) error {
	env := make(map[string]*tensor, len(inputs)+len(m.program.Operations))
	for _, feature := range m.program.Inputs {
		data, found := inputs[feature.Name]
		if !found {
			return errors.Errorf("missing buffer for input %q", feature.Name)
		}
		if int64(len(data)) != feature.Type.Size() {
			return errors.Errorf("input %q expects %d values, buffer has %d",
				feature.Name, feature.Type.Size(), len(data))
		}
		env[feature.Name] = &tensor{data: data, dims: feature.Type.Dims}
	}

	for _, op := range m.program.Operations {
		kernel := kernels[op.Type]
		if kernel == nil {
			return errors.Errorf("operation %q has type %q, not implemented by this executor",
				op.Name, op.Type)
		}
		if err := kernel(m, op, env); err != nil {
			return errors.WithMessagef(err, "running operation %q (%s)", op.Name, op.Type)
		}
	}

	for _, feature := range m.program.Outputs {
		buffer, found := outputs[feature.Name]
		if !found {
			return errors.Errorf("missing buffer for output %q", feature.Name)
		}
		value, found := env[feature.Name]
		if !found {
			return errors.Errorf("program never produced output %q", feature.Name)
		}
		if int64(len(buffer)) != feature.Type.Size() || value.size() != feature.Type.Size() {
			return errors.Errorf("output %q expects %d values, buffer has %d and computed value has %d",
				feature.Name, feature.Type.Size(), len(buffer), value.size())
		}
		copy(buffer, value.data)
	}
	return nil
}

// operandTensors resolves the op inputs in env.
func operandTensors(op *mil.Operation, env map[string]*tensor, wantCount int) ([]*tensor, error) {
	if len(op.Inputs) != wantCount {
		return nil, errors.Errorf("expected %d inputs, got %d", wantCount, len(op.Inputs))
	}
	operands := make([]*tensor, len(op.Inputs))
	for ii, name := range op.Inputs {
		operand, found := env[name]
		if !found {
			return nil, errors.Errorf("input %q not yet computed", name)
		}
		operands[ii] = operand
	}
	return operands, nil
}

// singleOutput checks the op declares exactly one output and stores value
// under its name.
func singleOutput(op *mil.Operation, env map[string]*tensor, value *tensor) error {
	if len(op.Outputs) != 1 {
		return errors.Errorf("expected 1 output, got %d", len(op.Outputs))
	}
	env[op.Outputs[0]] = value
	return nil
}
