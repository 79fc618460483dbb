package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/tensor"
)

// CheckpointFormat defines the serialization format.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatCBOR
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatCBOR:
		return "CBOR"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// WeightEncoding selects the on-disk precision of tensor payloads.
type WeightEncoding string

const (
	EncodingFloat32  WeightEncoding = "float32"
	EncodingFloat16  WeightEncoding = "float16"
	EncodingBFloat16 WeightEncoding = "bfloat16"
)

// WeightTensor is one saved tensor. Float32 payloads live in Data;
// reduced-precision payloads live in Raw.
type WeightTensor struct {
	Name     string         `json:"name" cbor:"1,keyasint"`
	Shape    []int          `json:"shape" cbor:"2,keyasint"`
	Encoding WeightEncoding `json:"encoding" cbor:"3,keyasint"`
	Data     []float32      `json:"data,omitempty" cbor:"4,keyasint,omitempty"`
	Raw      []byte         `json:"raw,omitempty" cbor:"5,keyasint,omitempty"`
}

// CheckpointMetadata describes a saved checkpoint.
type CheckpointMetadata struct {
	Version     string    `json:"version" cbor:"1,keyasint"`
	Framework   string    `json:"framework" cbor:"2,keyasint"`
	CreatedAt   time.Time `json:"created_at" cbor:"3,keyasint"`
	Description string    `json:"description,omitempty" cbor:"4,keyasint,omitempty"`
}

// Checkpoint is the serialized state of a model.
type Checkpoint struct {
	Weights  []WeightTensor     `json:"weights" cbor:"1,keyasint"`
	Metadata CheckpointMetadata `json:"metadata" cbor:"2,keyasint"`
}

// CheckpointSaver reads and writes checkpoints in one format.
type CheckpointSaver struct {
	format     CheckpointFormat
	encoding   WeightEncoding
	inputShape []int
}

// NewCheckpointSaver creates a saver for the given format with float32
// payloads.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format, encoding: EncodingFloat32}
}

// WithEncoding sets the payload precision. ONNX export ignores it and
// always writes float32.
func (cs *CheckpointSaver) WithEncoding(encoding WeightEncoding) *CheckpointSaver {
	cs.encoding = encoding
	return cs
}

// WithInputShape records the model input shape; required for ONNX export.
func (cs *CheckpointSaver) WithInputShape(shape []int) *CheckpointSaver {
	cs.inputShape = append([]int(nil), shape...)
	return cs
}

// Save serializes a module's state dict to path.
func (cs *CheckpointSaver) Save(module nn.Module, path string) error {
	if cs.format == FormatONNX {
		if len(cs.inputShape) == 0 {
			return fmt.Errorf("ONNX export requires an input shape; use WithInputShape")
		}
		return ExportONNX(module, cs.inputShape, path)
	}

	dict, err := StateDict(module)
	if err != nil {
		return fmt.Errorf("failed to extract state: %w", err)
	}
	checkpoint, err := cs.buildCheckpoint(dict)
	if err != nil {
		return err
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatCBOR:
		return cs.saveCBOR(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Load reads a checkpoint from path and writes it into the module.
func (cs *CheckpointSaver) Load(module nn.Module, path string) error {
	checkpoint, err := cs.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	dict, err := checkpoint.stateDict()
	if err != nil {
		return err
	}
	return LoadStateDict(module, dict)
}

// LoadCheckpoint reads a checkpoint without applying it.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	case FormatCBOR:
		if err := cbor.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) buildCheckpoint(dict map[string]*tensor.Tensor) (*Checkpoint, error) {
	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-integral",
			CreatedAt: time.Now(),
		},
	}
	for _, name := range sortedKeys(dict) {
		t := dict[name]
		vals, err := t.Float32s()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		wt := WeightTensor{
			Name:     name,
			Shape:    append([]int(nil), t.Shape...),
			Encoding: cs.encoding,
		}
		switch cs.encoding {
		case EncodingFloat32:
			wt.Data = append([]float32(nil), vals...)
		case EncodingFloat16:
			wt.Raw = encodeFloat16(vals)
		case EncodingBFloat16:
			wt.Raw = bfloat16.EncodeFloat32(vals)
		default:
			return nil, fmt.Errorf("unsupported weight encoding %q", cs.encoding)
		}
		checkpoint.Weights = append(checkpoint.Weights, wt)
	}
	return checkpoint, nil
}

func (c *Checkpoint) stateDict() (map[string]*tensor.Tensor, error) {
	dict := make(map[string]*tensor.Tensor, len(c.Weights))
	for _, wt := range c.Weights {
		var vals []float32
		switch wt.Encoding {
		case EncodingFloat32, "":
			vals = wt.Data
		case EncodingFloat16:
			vals = decodeFloat16(wt.Raw)
		case EncodingBFloat16:
			vals = bfloat16.DecodeFloat32(wt.Raw)
		default:
			return nil, fmt.Errorf("tensor %s: unsupported encoding %q", wt.Name, wt.Encoding)
		}
		t, err := tensor.NewTensor(wt.Shape, tensor.Float32, vals)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", wt.Name, err)
		}
		dict[wt.Name] = t
	}
	return dict, nil
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) saveCBOR(checkpoint *Checkpoint, path string) error {
	data, err := cbor.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func encodeFloat16(vals []float32) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

func decodeFloat16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return out
}
