package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/tensor"
)

// ONNX wire format, hand-encoded. Field numbers follow onnx.proto3.
const (
	onnxIRVersion = 7
	onnxOpsetVer  = 13
	onnxFloatType = 1 // TensorProto.DataType.FLOAT
	attrTypeFloat = 1
	attrTypeInt   = 2
	attrTypeInts  = 7
)

// ExportONNX writes a module as an ONNX model. Parametrized slots are
// materialized at their current grid sizes, so the exported graph is a
// plain discrete network. inputShape describes the model input, e.g.
// [1, 3, 32, 32].
func ExportONNX(module nn.Module, inputShape []int, path string) error {
	b := &onnxBuilder{values: map[string]bool{}}

	inputName := "input"
	outName, err := b.walk("", module, inputName)
	if err != nil {
		return err
	}

	graph := b.buildGraph("go-integral-model", inputName, inputShape, outName)
	model := buildModel(graph)

	if err := os.WriteFile(path, model, 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

type onnxBuilder struct {
	nodes        [][]byte
	initializers [][]byte
	values       map[string]bool
}

func (b *onnxBuilder) freshName(base string) string {
	name := base
	for i := 2; b.values[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	b.values[name] = true
	return name
}

// walk emits nodes for one module and returns the name of its output
// value.
func (b *onnxBuilder) walk(path string, m nn.Module, input string) (string, error) {
	switch mod := m.(type) {
	case *nn.Sequential:
		current := input
		for _, c := range mod.Children() {
			next, err := b.walk(joinNames(path, c.Name), c.Module, current)
			if err != nil {
				return "", err
			}
			current = next
		}
		return current, nil

	case *nn.Conv2d:
		return b.emitConv(path, input, mod.Weight, mod.Bias,
			[]int64{int64(mod.KernelSize), int64(mod.KernelSize)},
			[]int64{int64(mod.Stride), int64(mod.Stride)},
			[]int64{int64(mod.Padding), int64(mod.Padding), int64(mod.Padding), int64(mod.Padding)})

	case *nn.Conv1d:
		return b.emitConv(path, input, mod.Weight, mod.Bias,
			[]int64{int64(mod.KernelSize)},
			[]int64{int64(mod.Stride)},
			[]int64{int64(mod.Padding), int64(mod.Padding)})

	case *nn.Linear:
		return b.emitGemm(path, input, mod.Weight, mod.Bias)

	case *nn.BatchNorm2d:
		return b.emitBatchNorm(path, input, mod)

	case *nn.ReLU:
		out := b.freshName(joinNames(path, "out"))
		b.nodes = append(b.nodes, buildNode("Relu", path, []string{input}, []string{out}, nil))
		return out, nil

	case *nn.Identity:
		return input, nil

	case *nn.Residual:
		bodyOut, err := b.walk(joinNames(path, "body"), mod.Body, input)
		if err != nil {
			return "", err
		}
		out := b.freshName(joinNames(path, "out"))
		b.nodes = append(b.nodes, buildNode("Add", path, []string{input, bodyOut}, []string{out}, nil))
		return out, nil

	case *nn.Concat:
		var inputs []string
		for _, c := range mod.Children() {
			branchOut, err := b.walk(joinNames(path, c.Name), c.Module, input)
			if err != nil {
				return "", err
			}
			inputs = append(inputs, branchOut)
		}
		out := b.freshName(joinNames(path, "out"))
		attrs := [][]byte{buildIntAttr("axis", int64(mod.Dim))}
		b.nodes = append(b.nodes, buildNode("Concat", path, inputs, []string{out}, attrs))
		return out, nil

	default:
		return "", fmt.Errorf("cannot export module %q of type %s to ONNX", path, nn.TypeName(m))
	}
}

func (b *onnxBuilder) emitConv(path, input string, weight, bias *nn.Parameter, kernel, strides, pads []int64) (string, error) {
	wName := b.freshName(joinNames(path, "weight"))
	if err := b.addInitializer(wName, weight); err != nil {
		return "", err
	}
	inputs := []string{input, wName}
	if bias != nil {
		bName := b.freshName(joinNames(path, "bias"))
		if err := b.addInitializer(bName, bias); err != nil {
			return "", err
		}
		inputs = append(inputs, bName)
	}

	attrs := [][]byte{
		buildIntsAttr("kernel_shape", kernel),
		buildIntsAttr("strides", strides),
		buildIntsAttr("pads", pads),
	}
	out := b.freshName(joinNames(path, "out"))
	b.nodes = append(b.nodes, buildNode("Conv", path, inputs, []string{out}, attrs))
	return out, nil
}

func (b *onnxBuilder) emitGemm(path, input string, weight, bias *nn.Parameter) (string, error) {
	wName := b.freshName(joinNames(path, "weight"))
	if err := b.addInitializer(wName, weight); err != nil {
		return "", err
	}
	inputs := []string{input, wName}
	if bias != nil {
		bName := b.freshName(joinNames(path, "bias"))
		if err := b.addInitializer(bName, bias); err != nil {
			return "", err
		}
		inputs = append(inputs, bName)
	}

	attrs := [][]byte{buildIntAttr("transB", 1)}
	out := b.freshName(joinNames(path, "out"))
	b.nodes = append(b.nodes, buildNode("Gemm", path, inputs, []string{out}, attrs))
	return out, nil
}

func (b *onnxBuilder) emitBatchNorm(path, input string, bn *nn.BatchNorm2d) (string, error) {
	scale := b.freshName(joinNames(path, "weight"))
	if err := b.addInitializer(scale, bn.Weight); err != nil {
		return "", err
	}
	shift := b.freshName(joinNames(path, "bias"))
	if err := b.addInitializer(shift, bn.Bias); err != nil {
		return "", err
	}
	mean := b.freshName(joinNames(path, "running_mean"))
	b.initializers = append(b.initializers, buildTensor(mean, bn.RunningMean.Shape, mustFloat32s(bn.RunningMean)))
	variance := b.freshName(joinNames(path, "running_var"))
	b.initializers = append(b.initializers, buildTensor(variance, bn.RunningVar.Shape, mustFloat32s(bn.RunningVar)))

	attrs := [][]byte{
		buildFloatAttr("epsilon", bn.Eps),
		buildFloatAttr("momentum", bn.Momentum),
	}
	out := b.freshName(joinNames(path, "out"))
	node := buildNode("BatchNormalization", path, []string{input, scale, shift, mean, variance}, []string{out}, attrs)
	b.nodes = append(b.nodes, node)
	return out, nil
}

func (b *onnxBuilder) addInitializer(name string, p *nn.Parameter) error {
	t, err := p.Resolve()
	if err != nil {
		return fmt.Errorf("initializer %s: %w", name, err)
	}
	vals, err := t.Float32s()
	if err != nil {
		return err
	}
	b.initializers = append(b.initializers, buildTensor(name, t.Shape, vals))
	return nil
}

func mustFloat32s(t *tensor.Tensor) []float32 {
	vals, err := t.Float32s()
	if err != nil {
		return nil
	}
	return vals
}

func joinNames(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// buildTensor serializes a TensorProto with raw little-endian float32
// data.
func buildTensor(name string, shape []int, vals []float32) []byte {
	var out []byte
	for _, d := range shape {
		out = protowire.AppendTag(out, 1, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(d))
	}
	out = protowire.AppendTag(out, 2, protowire.VarintType)
	out = protowire.AppendVarint(out, onnxFloatType)
	out = protowire.AppendTag(out, 8, protowire.BytesType)
	out = protowire.AppendString(out, name)

	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	out = protowire.AppendTag(out, 9, protowire.BytesType)
	out = protowire.AppendBytes(out, raw)
	return out
}

func buildNode(opType, name string, inputs, outputs []string, attrs [][]byte) []byte {
	var out []byte
	for _, in := range inputs {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendString(out, in)
	}
	for _, o := range outputs {
		out = protowire.AppendTag(out, 2, protowire.BytesType)
		out = protowire.AppendString(out, o)
	}
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendString(out, name)
	out = protowire.AppendTag(out, 4, protowire.BytesType)
	out = protowire.AppendString(out, opType)
	for _, a := range attrs {
		out = protowire.AppendTag(out, 5, protowire.BytesType)
		out = protowire.AppendBytes(out, a)
	}
	return out
}

func buildIntAttr(name string, v int64) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, name)
	out = protowire.AppendTag(out, 3, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(v))
	out = protowire.AppendTag(out, 20, protowire.VarintType)
	out = protowire.AppendVarint(out, attrTypeInt)
	return out
}

func buildIntsAttr(name string, vals []int64) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, name)
	for _, v := range vals {
		out = protowire.AppendTag(out, 8, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(v))
	}
	out = protowire.AppendTag(out, 20, protowire.VarintType)
	out = protowire.AppendVarint(out, attrTypeInts)
	return out
}

func buildFloatAttr(name string, v float32) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, name)
	out = protowire.AppendTag(out, 2, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, math.Float32bits(v))
	out = protowire.AppendTag(out, 20, protowire.VarintType)
	out = protowire.AppendVarint(out, attrTypeFloat)
	return out
}

// buildValueInfo serializes a ValueInfoProto with float element type and
// the given dims; nil dims leave the shape open.
func buildValueInfo(name string, dims []int) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = protowire.AppendTag(shape, 1, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloatType)
	if len(shape) > 0 {
		tensorType = protowire.AppendTag(tensorType, 2, protowire.BytesType)
		tensorType = protowire.AppendBytes(tensorType, shape)
	}

	var typ []byte
	typ = protowire.AppendTag(typ, 1, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tensorType)

	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, name)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, typ)
	return out
}

func (b *onnxBuilder) buildGraph(name, inputName string, inputShape []int, outputName string) []byte {
	var out []byte
	for _, n := range b.nodes {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, n)
	}
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendString(out, name)
	for _, init := range b.initializers {
		out = protowire.AppendTag(out, 5, protowire.BytesType)
		out = protowire.AppendBytes(out, init)
	}
	out = protowire.AppendTag(out, 11, protowire.BytesType)
	out = protowire.AppendBytes(out, buildValueInfo(inputName, inputShape))
	out = protowire.AppendTag(out, 12, protowire.BytesType)
	out = protowire.AppendBytes(out, buildValueInfo(outputName, nil))
	return out
}

func buildModel(graph []byte) []byte {
	var opset []byte
	opset = protowire.AppendTag(opset, 1, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpsetVer)

	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, onnxIRVersion)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendString(out, "go-integral")
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendString(out, "1.0.0")
	out = protowire.AppendTag(out, 7, protowire.BytesType)
	out = protowire.AppendBytes(out, graph)
	out = protowire.AppendTag(out, 8, protowire.BytesType)
	out = protowire.AppendBytes(out, opset)
	return out
}
