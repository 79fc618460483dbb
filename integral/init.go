package integral

import (
	"fmt"

	"github.com/integral-nn/go-integral/graph"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/parametrize"
	"github.com/integral-nn/go-integral/tensor"
)

// initCoefficients seeds the interpolation coefficients from the discrete
// tensor so the continuous form reproduces it: the tensor is resampled to
// the grid sizes, its continuous axes moved to the coefficient layout, and
// any quadrature weights divided back out.
func initCoefficients(wp *parametrize.WeightParametrization, stored *tensor.Tensor, dims []int, groups []*graph.Group) error {
	vals := stored
	for i, d := range dims {
		m := groups[i].GridSize()
		if m == vals.Shape[d] {
			continue
		}
		resampled, err := resampleAlongDim(vals, d, m)
		if err != nil {
			return err
		}
		vals = resampled
	}

	coeff, err := moveAxesToFront(vals, dims)
	if err != nil {
		return err
	}

	if quad := wp.Quadrature(); quad != nil {
		gridIdx := quad.GridIndices()
		for _, gi := range gridIdx {
			sub, err := wp.Grids().SubGrid(gi)
			if err != nil {
				return err
			}
			if sub.Points() == nil {
				if err := sub.Generate(); err != nil {
					return err
				}
			}
			pts, err := sub.Points().Float32s()
			if err != nil {
				return err
			}
			weights, err := quad.Weights(pts)
			if err != nil {
				return err
			}
			if err := divideAlongDim(coeff, gi, weights); err != nil {
				return err
			}
		}
	}

	dst, err := wp.Interpolator().Values().Float32s()
	if err != nil {
		return err
	}
	src, err := coeff.Float32s()
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("coefficient layout mismatch: %d vs %d elements", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// moveAxesToFront returns a copy with the listed axes first, in the given
// order, and the remaining axes after them in their original order.
func moveAxesToFront(t *tensor.Tensor, dims []int) (*tensor.Tensor, error) {
	perm := make([]int, 0, len(t.Shape))
	perm = append(perm, dims...)
	for d := range t.Shape {
		if !containsInt(dims, d) {
			perm = append(perm, d)
		}
	}

	outShape := make([]int, len(perm))
	for i, d := range perm {
		outShape[i] = t.Shape[d]
	}
	out, err := tensor.Zeros(outShape, t.DType)
	if err != nil {
		return nil, err
	}

	src, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	dst, err := out.Float32s()
	if err != nil {
		return nil, err
	}

	coords := make([]int, len(t.Shape))
	for i := range src {
		rem := i
		for d, s := range t.Strides {
			coords[d] = rem / s
			rem %= s
		}
		j := 0
		for k, d := range perm {
			j += coords[d] * out.Strides[k]
		}
		dst[j] = src[i]
	}
	return out, nil
}

// resampleAlongDim linearly resamples one axis of a tensor to m points.
func resampleAlongDim(t *tensor.Tensor, dim, m int) (*tensor.Tensor, error) {
	n := t.Shape[dim]
	if m < 2 || n < 2 {
		return nil, fmt.Errorf("cannot resample axis of size %d to %d points", n, m)
	}

	outShape := append([]int(nil), t.Shape...)
	outShape[dim] = m
	out, err := tensor.Zeros(outShape, t.DType)
	if err != nil {
		return nil, err
	}

	src, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	dst, err := out.Float32s()
	if err != nil {
		return nil, err
	}

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= t.Shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(t.Shape); d++ {
		inner *= t.Shape[d]
	}

	scale := float32(n-1) / float32(m-1)
	for o := 0; o < outer; o++ {
		for k := 0; k < m; k++ {
			u := float32(k) * scale
			i0 := int(u)
			if i0 > n-2 {
				i0 = n - 2
			}
			frac := u - float32(i0)
			srcBase0 := (o*n + i0) * inner
			srcBase1 := srcBase0 + inner
			dstBase := (o*m + k) * inner
			for x := 0; x < inner; x++ {
				dst[dstBase+x] = (1-frac)*src[srcBase0+x] + frac*src[srcBase1+x]
			}
		}
	}
	return out, nil
}

// divideAlongDim divides each slice of t along dim by the matching weight.
func divideAlongDim(t *tensor.Tensor, dim int, weights []float32) error {
	if t.Shape[dim] != len(weights) {
		return fmt.Errorf("axis size %d does not match %d weights", t.Shape[dim], len(weights))
	}
	data, err := t.Float32s()
	if err != nil {
		return err
	}

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= t.Shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(t.Shape); d++ {
		inner *= t.Shape[d]
	}

	n := len(weights)
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			if weights[k] == 0 {
				return fmt.Errorf("zero quadrature weight at index %d", k)
			}
			base := (o*n + k) * inner
			for x := 0; x < inner; x++ {
				data[base+x] /= weights[k]
			}
		}
	}
	return nil
}

// fuseBatchNorms folds every BatchNorm2d directly following a Conv2d whose
// output axis is continuous into that conv.
func (w *Wrapper) fuseBatchNorms(model nn.Module, continuousDims, discreteDims map[string][]int, inputShape []int) error {
	tracer := w.newTracer(model, continuousDims, discreteDims)
	if _, err := tracer.BuildGroups(inputShape); err != nil {
		return err
	}
	paramGroups := tracer.ParamGroups()

	var paths []string
	var walk func(prefix string, m nn.Module)
	walk = func(prefix string, m nn.Module) {
		if seq, ok := m.(*nn.Sequential); ok {
			children := seq.Children()
			for i := 0; i+1 < len(children); i++ {
				if _, ok := children[i].Module.(*nn.Conv2d); !ok {
					continue
				}
				if _, ok := children[i+1].Module.(*nn.BatchNorm2d); !ok {
					continue
				}
				convPath := joinPath(prefix, children[i].Name)
				if _, ok := paramGroups[convPath+".weight"][0]; ok {
					paths = append(paths, convPath)
				}
			}
		}
		for _, c := range m.Children() {
			walk(joinPath(prefix, c.Name), c.Module)
		}
	}
	walk("", model)

	if len(paths) == 0 {
		return nil
	}
	w.logger.Debug("fusing batchnorm layers", "convs", len(paths))
	return nn.FuseConvBN(model, paths)
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
