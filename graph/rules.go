package graph

import (
	"fmt"

	"github.com/integral-nn/go-integral/nn"
)

func (tr *Tracer) traceBuiltin(path string, m nn.Module, in *ValueMeta) (*ValueMeta, error) {
	switch mod := m.(type) {
	case *nn.Sequential:
		out := in
		for _, c := range mod.Children() {
			next, err := tr.Trace(joinPath(path, c.Name), c.Module, out)
			if err != nil {
				return nil, err
			}
			out = next
		}
		return out, nil

	case *nn.Conv2d:
		return tr.traceConv2d(path, mod, in)

	case *nn.Conv1d:
		return tr.traceConv1d(path, mod, in)

	case *nn.Linear:
		return tr.traceLinear(path, mod, in)

	case *nn.BatchNorm2d:
		return tr.traceBatchNorm(path, mod, in)

	case *nn.ReLU:
		for _, g := range in.Dims {
			if g != nil {
				g.Root().AddOperation("activation")
			}
		}
		return in, nil

	case *nn.Identity:
		return in, nil

	case *nn.Residual:
		return tr.traceResidual(path, mod, in)

	case *nn.Concat:
		return tr.traceConcat(path, mod, in)

	default:
		return nil, &UnsupportedModuleError{Path: path, Type: nn.TypeName(m)}
	}
}

func (tr *Tracer) traceConv2d(path string, c *nn.Conv2d, in *ValueMeta) (*ValueMeta, error) {
	if len(in.Shape) != 4 {
		return nil, fmt.Errorf("%s: Conv2d expects a 4-d input, got %d dims", path, len(in.Shape))
	}
	if in.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("%s: Conv2d expects %d input channels, got %d", path, c.InChannels, in.Shape[1])
	}
	if in.Dims[2] != nil || in.Dims[3] != nil {
		return nil, fmt.Errorf("%s: continuous spatial axes are not supported", path)
	}

	wname := joinPath(path, "weight")
	inGroup, err := tr.bindContraction(wname, c.Weight, 1, c.InChannels, in.Dims[1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	outH := (in.Shape[2]+2*c.Padding-c.KernelSize)/c.Stride + 1
	outW := (in.Shape[3]+2*c.Padding-c.KernelSize)/c.Stride + 1
	out := NewValueMeta([]int{in.Shape[0], c.OutChannels, outH, outW})

	outGroup := tr.bindOutput(path, wname, c.Weight, c.OutChannels)
	if outGroup != nil {
		tr.attachBias(path, c.Bias, outGroup)
		outGroup.AddOperation("conv")
		outGroup.AppendTensor(path, out.Shape, 1)
	}
	if inGroup != nil {
		inGroup.AddOperation("conv")
	}
	out.Dims[1] = outGroup
	return out, nil
}

func (tr *Tracer) traceConv1d(path string, c *nn.Conv1d, in *ValueMeta) (*ValueMeta, error) {
	if len(in.Shape) != 3 {
		return nil, fmt.Errorf("%s: Conv1d expects a 3-d input, got %d dims", path, len(in.Shape))
	}
	if in.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("%s: Conv1d expects %d input channels, got %d", path, c.InChannels, in.Shape[1])
	}
	if in.Dims[2] != nil {
		return nil, fmt.Errorf("%s: continuous spatial axes are not supported", path)
	}

	wname := joinPath(path, "weight")
	inGroup, err := tr.bindContraction(wname, c.Weight, 1, c.InChannels, in.Dims[1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	outL := (in.Shape[2]+2*c.Padding-c.KernelSize)/c.Stride + 1
	out := NewValueMeta([]int{in.Shape[0], c.OutChannels, outL})

	outGroup := tr.bindOutput(path, wname, c.Weight, c.OutChannels)
	if outGroup != nil {
		tr.attachBias(path, c.Bias, outGroup)
		outGroup.AddOperation("conv")
		outGroup.AppendTensor(path, out.Shape, 1)
	}
	if inGroup != nil {
		inGroup.AddOperation("conv")
	}
	out.Dims[1] = outGroup
	return out, nil
}

func (tr *Tracer) traceLinear(path string, l *nn.Linear, in *ValueMeta) (*ValueMeta, error) {
	if len(in.Shape) < 2 {
		return nil, fmt.Errorf("%s: Linear expects at least 2 input dims, got %d", path, len(in.Shape))
	}
	last := len(in.Shape) - 1
	if in.Shape[last] != l.InFeatures {
		return nil, fmt.Errorf("%s: Linear expects %d input features, got %d", path, l.InFeatures, in.Shape[last])
	}

	wname := joinPath(path, "weight")
	inGroup, err := tr.bindContraction(wname, l.Weight, 1, l.InFeatures, in.Dims[last])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	outShape := append(append([]int(nil), in.Shape[:last]...), l.OutFeatures)
	out := NewValueMeta(outShape)
	copy(out.Dims, in.Dims[:last])

	outGroup := tr.bindOutput(path, wname, l.Weight, l.OutFeatures)
	if outGroup != nil {
		tr.attachBias(path, l.Bias, outGroup)
		outGroup.AddOperation("linear")
		outGroup.AppendTensor(path, out.Shape, last)
	}
	if inGroup != nil {
		inGroup.AddOperation("linear")
	}
	out.Dims[last] = outGroup
	return out, nil
}

func (tr *Tracer) traceBatchNorm(path string, bn *nn.BatchNorm2d, in *ValueMeta) (*ValueMeta, error) {
	if len(in.Shape) != 4 {
		return nil, fmt.Errorf("%s: BatchNorm2d expects a 4-d input, got %d dims", path, len(in.Shape))
	}
	if in.Shape[1] != bn.NumFeatures {
		return nil, fmt.Errorf("%s: BatchNorm2d expects %d features, got %d", path, bn.NumFeatures, in.Shape[1])
	}

	g := in.Dims[1]
	if g == nil {
		return in, nil
	}
	g = g.Root()

	wname := joinPath(path, "weight")
	bname := joinPath(path, "bias")
	tr.forceContinuous(wname, 0)
	tr.forceContinuous(bname, 0)
	tr.joinParam(g, wname, bn.Weight, 0)
	tr.joinParam(g, bname, bn.Bias, 0)
	g.AddOperation("batch_norm")
	g.AppendTensor(path, in.Shape, 1)
	g.Buffers = append(g.Buffers, BufferRef{Name: path, Owner: bn, Resample: bn.ResampleStats})
	return in, nil
}

func (tr *Tracer) traceResidual(path string, r *nn.Residual, in *ValueMeta) (*ValueMeta, error) {
	bodyOut, err := tr.Trace(joinPath(path, "body"), r.Body, in)
	if err != nil {
		return nil, err
	}
	if len(bodyOut.Shape) != len(in.Shape) {
		return nil, fmt.Errorf("%s: residual body changed rank from %d to %d", path, len(in.Shape), len(bodyOut.Shape))
	}

	out := NewValueMeta(bodyOut.Shape)
	for d := range out.Dims {
		if in.Shape[d] != bodyOut.Shape[d] {
			return nil, fmt.Errorf("%s: residual shapes differ on dim %d: %d vs %d", path, d, in.Shape[d], bodyOut.Shape[d])
		}
		g, err := tr.unify(in.Dims[d], bodyOut.Dims[d])
		if err != nil {
			return nil, fmt.Errorf("%s: dim %d: %w", path, d, err)
		}
		if g != nil {
			g.AddOperation("add")
		}
		out.Dims[d] = g
	}
	return out, nil
}

func (tr *Tracer) traceConcat(path string, c *nn.Concat, in *ValueMeta) (*ValueMeta, error) {
	branches := c.Children()
	if len(branches) == 0 {
		return nil, fmt.Errorf("%s: Concat has no branches", path)
	}
	if c.Dim < 0 || c.Dim >= len(in.Shape) {
		return nil, fmt.Errorf("%s: concat dim %d out of range", path, c.Dim)
	}

	outs := make([]*ValueMeta, len(branches))
	for i, b := range branches {
		out, err := tr.Trace(joinPath(path, b.Name), b.Module, in)
		if err != nil {
			return nil, err
		}
		if len(out.Shape) != len(in.Shape) {
			return nil, fmt.Errorf("%s: branch %s changed rank", path, b.Name)
		}
		outs[i] = out
	}

	result := outs[0].clone()
	for d := range result.Dims {
		if d == c.Dim {
			continue
		}
		for _, out := range outs[1:] {
			if out.Shape[d] != result.Shape[d] {
				return nil, fmt.Errorf("%s: branches disagree on dim %d", path, d)
			}
			g, err := tr.unify(result.Dims[d], out.Dims[d])
			if err != nil {
				return nil, fmt.Errorf("%s: dim %d: %w", path, d, err)
			}
			result.Dims[d] = g
		}
	}

	total := 0
	continuous := 0
	for _, out := range outs {
		total += out.Shape[c.Dim]
		if out.Dims[c.Dim] != nil {
			continuous++
		}
	}
	result.Shape[c.Dim] = total

	switch continuous {
	case 0:
		result.Dims[c.Dim] = nil
	case len(outs):
		parent := NewGroup(total)
		parent.AddOperation("concat")
		offset := 0
		for _, out := range outs {
			sub := out.Dims[c.Dim].Root()
			parent.Subgroups = append(parent.Subgroups, sub)
			sub.Parents = append(sub.Parents, parent)
			sub.ParentOffsets = append(sub.ParentOffsets, offset)
			offset += out.Shape[c.Dim]
		}
		tr.groups = append(tr.groups, parent)
		result.Dims[c.Dim] = parent
	default:
		return nil, fmt.Errorf("%s: concat mixes continuous and discrete axes on dim %d", path, c.Dim)
	}
	return result, nil
}

// bindContraction ties a weight's reduction dimension to the incoming axis
// group. When the incoming axis is continuous the weight dim is forced
// continuous too, since the axis length must stay free to change.
func (tr *Tracer) bindContraction(wname string, w *nn.Parameter, dim, size int, inGroup *Group) (*Group, error) {
	declared := tr.isDeclaredContinuous(wname, dim, size)
	if inGroup == nil && !declared {
		return nil, nil
	}
	if inGroup != nil && !declared {
		tr.forceContinuous(wname, dim)
	}

	g := tr.bindParam(wname, w, dim, size)
	merged, err := tr.unify(inGroup, g)
	if err != nil {
		return nil, err
	}
	merged.AddOperation("contract")
	return merged, nil
}

// bindOutput ties a weight's output dimension to a group when declared
// continuous, otherwise leaves the axis discrete.
func (tr *Tracer) bindOutput(path, wname string, w *nn.Parameter, size int) *Group {
	if !tr.isDeclaredContinuous(wname, 0, size) {
		return nil
	}
	return tr.bindParam(wname, w, 0, size)
}

// attachBias joins a bias to its layer's output-channel group.
func (tr *Tracer) attachBias(path string, bias *nn.Parameter, outGroup *Group) {
	if bias == nil {
		return
	}
	bname := joinPath(path, "bias")
	if containsInt(tr.DiscreteDims[bname], 0) {
		return
	}
	tr.forceContinuous(bname, 0)
	tr.joinParam(outGroup, bname, bias, 0)
}
