package mil

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Artifact layout: an 8-byte little-endian header length, a JSON header
// describing the program and the weight offsets, then the concatenated
// little-endian weight payloads.

// maxHeaderSize bounds the JSON header when reading, so a corrupt length
// prefix cannot trigger a huge allocation.
const maxHeaderSize = 1 << 28

type artifactHeader struct {
	SpecVersion  int32          `json:"spec_version"`
	ShapeMapping ShapeMapping   `json:"shape_mapping"`
	Inputs       []Feature      `json:"inputs"`
	Outputs      []Feature      `json:"outputs"`
	Operations   []*Operation   `json:"operations,omitempty"`
	Weights      []weightHeader `json:"weights,omitempty"`
}

type weightHeader struct {
	Name        string     `json:"name"`
	Type        TensorType `json:"type"`
	DataOffsets [2]int64   `json:"data_offsets"`
}

// Write serializes the program to w.
func Write(w io.Writer, p *Program) error {
	head := artifactHeader{
		SpecVersion:  p.SpecVersion,
		ShapeMapping: p.ShapeMapping,
		Inputs:       p.Inputs,
		Outputs:      p.Outputs,
		Operations:   p.Operations,
	}
	offset := int64(0)
	for _, weight := range p.Weights {
		end := offset + int64(len(weight.data))
		head.Weights = append(head.Weights, weightHeader{
			Name:        weight.Name,
			Type:        weight.Type,
			DataOffsets: [2]int64{offset, end},
		})
		offset = end
	}

	jsonHeader, err := json.Marshal(head)
	if err != nil {
		return errors.Wrap(err, "failed to encode program header")
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(jsonHeader)))
	if _, err = w.Write(sizeBuf[:]); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err = w.Write(jsonHeader); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, weight := range p.Weights {
		if _, err = w.Write(weight.data); err != nil {
			return errors.Wrapf(err, "failed to write data of weight %q", weight.Name)
		}
	}
	return nil
}

// WriteFile serializes the program to a file. The artifact is first written
// to a temporary file next to path and renamed into place on success, so a
// failed write never leaves a partial artifact at path.
func WriteFile(path string, p *Program) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create model file in %s", path)
	}
	tmpPath := tmpFile.Name()
	if err = Write(tmpFile, p); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "failed to save model to %s", path)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to save model to %s", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to save model to %s", path)
	}
	klog.V(2).Infof("mil: wrote program with %d operations and %d weights to %s",
		len(p.Operations), len(p.Weights), path)
	return nil
}

// Read deserializes a program from r, validating the header and the weight
// payload sizes.
func Read(r io.Reader) (*Program, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read header size")
	}
	headerSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if headerSize == 0 || headerSize > maxHeaderSize {
		return nil, errors.Errorf("invalid header size %d", headerSize)
	}
	jsonHeader := make([]byte, headerSize)
	if _, err := io.ReadFull(r, jsonHeader); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	var head artifactHeader
	if err := json.Unmarshal(jsonHeader, &head); err != nil {
		return nil, errors.Wrap(err, "failed to decode program header")
	}
	if head.SpecVersion != SpecificationVersion {
		return nil, errors.Errorf("unsupported specification version %d (supported: %d)",
			head.SpecVersion, SpecificationVersion)
	}
	if head.ShapeMapping != ExactShapeMapping {
		return nil, errors.Errorf("unsupported shape mapping %d", head.ShapeMapping)
	}

	p := &Program{
		SpecVersion:  head.SpecVersion,
		ShapeMapping: head.ShapeMapping,
		Inputs:       head.Inputs,
		Outputs:      head.Outputs,
		Operations:   head.Operations,
	}
	offset := int64(0)
	for _, wh := range head.Weights {
		for _, dim := range wh.Type.Dims {
			if dim < 0 {
				return nil, errors.Errorf("weight %q has negative dimension %d in shape %v",
					wh.Name, dim, wh.Type.Dims)
			}
		}
		byteSize := wh.Type.Size() * int64(wh.Type.DType.Size())
		if wh.DataOffsets[0] != offset || wh.DataOffsets[1] != offset+byteSize {
			return nil, errors.Errorf("weight %q has invalid data offsets %v (expected [%d, %d])",
				wh.Name, wh.DataOffsets, offset, offset+byteSize)
		}
		data := make([]byte, byteSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrapf(err, "failed to read data of weight %q", wh.Name)
		}
		p.Weights = append(p.Weights, &Weight{Name: wh.Name, Type: wh.Type, data: data})
		offset = wh.DataOffsets[1]
	}
	return p, nil
}

// ReadFile deserializes a program from a file written by WriteFile.
func ReadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model file in %s", path)
	}
	defer func() { _ = f.Close() }()
	p, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %s", path)
	}
	return p, nil
}
