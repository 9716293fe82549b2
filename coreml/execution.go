package coreml

import (
	"github.com/gomlx/onnx-coreml/internal/mil"
	"github.com/gomlx/onnx-coreml/internal/milexec"
)

// defaultRuntime backs Models with the reference executor in
// internal/milexec. Replace it per model with ModelBuilder.WithRuntime.
var defaultRuntime Runtime = execRuntime{}

type execRuntime struct{}

// LoadSession implements Runtime: it deserializes the artifact and builds an
// executor machine for it.
func (execRuntime) LoadSession(path string) (Session, error) {
	program, err := mil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	machine, err := milexec.NewMachine(program)
	if err != nil {
		return nil, err
	}
	return &execSession{machine: machine}, nil
}

type execSession struct {
	machine *milexec.Machine
}

// Run implements Session.
func (s *execSession) Run(inputs, outputs map[string]TensorData) error {
	inputBuffers := make(map[string][]float32, len(inputs))
	for name, binding := range inputs {
		inputBuffers[name] = binding.Data
	}
	outputBuffers := make(map[string][]float32, len(outputs))
	for name, binding := range outputs {
		outputBuffers[name] = binding.Data
	}
	return s.machine.Run(inputBuffers, outputBuffers)
}

// Close implements Session.
func (s *execSession) Close() error {
	s.machine = nil
	return nil
}
