package coreml

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorData binds a named tensor's compile-time type to a caller-owned
// buffer for one Predict call. The buffer is never copied or retained; it
// must stay valid (and not be mutated elsewhere) for the duration of the
// call.
type TensorData struct {
	Info TensorInfo
	Data []float32
}

// Runtime is the narrow contract to the target runtime backing compiled
// models: it deserializes an artifact into a Session ready to run inference.
type Runtime interface {
	LoadSession(path string) (Session, error)
}

// Session is one loaded instance of an artifact.
type Session interface {
	// Run executes one inference call against the caller-owned buffers.
	Run(inputs, outputs map[string]TensorData) error
	// Close releases the session resources.
	Close() error
}

// Model owns one compiled artifact and mediates inference calls against it.
//
// A Model is created by ModelBuilder.Compile, loaded at most once with Load,
// and then serves Predict calls one at a time: a mutex guarantees at most
// one concurrent inference per Model instance. Distinct Models, even over
// the same artifact, are independent.
type Model struct {
	path    string
	runtime Runtime

	mu      sync.Mutex
	session Session

	inputs        []string
	outputs       []string
	scalarOutputs map[string]bool
	tensorInfo    map[string]TensorInfo
}

func newModel(path string, runtime Runtime) *Model {
	return &Model{path: path, runtime: runtime}
}

// Path returns the artifact location on disk.
func (m *Model) Path() string { return m.path }

// Load materializes the runtime session from the artifact. A Model may be
// loaded at most once; a second call is an error, not a no-op.
func (m *Model) Load() error {
	if m.session != nil {
		return errors.Errorf("model %q is already loaded", m.path)
	}
	session, err := m.runtime.LoadSession(m.path)
	if err != nil {
		return errors.WithMessagef(err, "loading model from %s", m.path)
	}
	m.session = session
	klog.V(1).Infof("coreml: loaded model from %s", m.path)
	return nil
}

// Predict runs one inference call, binding the caller-owned buffers to the
// named input and output tensors. It requires a prior successful Load.
//
// At most one Predict runs at a time per Model; concurrent callers block
// until the lock is released, including when the earlier call failed.
func (m *Model) Predict(inputs, outputs map[string]TensorData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Checked under the lock: Close also nils the session under it.
	if m.session == nil {
		return errors.Errorf("model %q is not loaded, call Load before Predict", m.path)
	}
	if err := m.checkBindings(inputs, m.inputs, "input"); err != nil {
		return err
	}
	if err := m.checkBindings(outputs, m.outputs, "output"); err != nil {
		return err
	}
	klog.V(2).Infof("coreml: predict on model %q", m.path)
	return m.session.Run(inputs, outputs)
}

// checkBindings validates that every declared tensor has a binding of the
// recorded size, and that no unknown names were passed.
func (m *Model) checkBindings(bindings map[string]TensorData, names []string, kind string) error {
	for _, name := range names {
		binding, found := bindings[name]
		if !found {
			return errors.Errorf("missing %s binding for %q", kind, name)
		}
		info := m.tensorInfo[name]
		if int64(len(binding.Data)) != info.Size() {
			return errors.Errorf("%s %q expects %d values, buffer has %d",
				kind, name, info.Size(), len(binding.Data))
		}
	}
	if len(bindings) != len(names) {
		for name := range bindings {
			if !slices.Contains(names, name) {
				return errors.Errorf("unknown %s binding %q", kind, name)
			}
		}
	}
	return nil
}

// Close releases the runtime session, if loaded. It is safe to call more
// than once.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

// IsScalarOutput reports whether the named output is logically rank-0 but
// represented as a single-element array in the artifact. Callers are
// expected to unwrap such outputs back to scalars.
func (m *Model) IsScalarOutput(name string) bool {
	return m.scalarOutputs[name]
}

// Inputs returns the model input names, in the graph's declared order.
func (m *Model) Inputs() []string {
	out := make([]string, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Outputs returns the model output names, in the graph's declared order.
func (m *Model) Outputs() []string {
	out := make([]string, len(m.outputs))
	copy(out, m.outputs)
	return out
}

// TensorInfo returns the recorded type of a model input or output.
func (m *Model) TensorInfo(name string) (TensorInfo, error) {
	info, found := m.tensorInfo[name]
	if !found {
		return TensorInfo{}, errors.Errorf("model has no input or output named %q", name)
	}
	return info, nil
}
