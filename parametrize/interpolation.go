// Package parametrize replaces stored parameter tensors with continuous
// functions of trainable coefficients evaluated at grid positions.
package parametrize

import (
	"fmt"
	"math/rand"

	"github.com/integral-nn/go-integral/tensor"
)

var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the seed used for coefficient initialization.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Interpolator evaluates trainable coefficients at a set of positions per
// continuous dimension, producing a concrete parameter tensor.
type Interpolator interface {
	Eval(points []*tensor.Tensor) (*tensor.Tensor, error)
	Values() *tensor.Tensor
	Ndim() int
}

// mapPosition converts a grid position in [-1, 1] to a coefficient
// coordinate in [0, n-1], clamped at the boundaries.
func mapPosition(p float32, n int) (int, float32) {
	u := (p + 1) / 2 * float32(n-1)
	if u <= 0 {
		return 0, 0
	}
	if u >= float32(n-1) {
		return n - 2, 1
	}
	i0 := int(u)
	if i0 > n-2 {
		i0 = n - 2
	}
	return i0, u - float32(i0)
}

// InterpolationWeights1d linearly interpolates a coefficient tensor along
// one continuous axis; remaining axes are a fixed discrete block.
type InterpolationWeights1d struct {
	values        *tensor.Tensor // [contSize, discrete...]
	contDim       int
	discreteShape []int
}

func NewInterpolationWeights1d(contSize int, discreteShape []int, contDim int) (*InterpolationWeights1d, error) {
	if contSize < 2 {
		return nil, fmt.Errorf("continuous axis needs at least 2 samples, got %d", contSize)
	}
	if contDim < 0 || contDim > len(discreteShape) {
		return nil, fmt.Errorf("continuous dim %d out of range for %d discrete dims", contDim, len(discreteShape))
	}

	shape := append([]int{contSize}, discreteShape...)
	values, err := tensor.RandomNormal(shape, 0, 0.05, globalRng)
	if err != nil {
		return nil, err
	}
	values.SetRequiresGrad(true)

	return &InterpolationWeights1d{
		values:        values,
		contDim:       contDim,
		discreteShape: append([]int(nil), discreteShape...),
	}, nil
}

func (w *InterpolationWeights1d) Values() *tensor.Tensor { return w.values }
func (w *InterpolationWeights1d) Ndim() int              { return 1 }
func (w *InterpolationWeights1d) ContDim() int           { return w.contDim }

func (w *InterpolationWeights1d) Eval(points []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(points) != 1 {
		return nil, fmt.Errorf("1D interpolation expects 1 position set, got %d", len(points))
	}
	op := &interp1dOp{contDim: w.contDim, discreteShape: w.discreteShape}
	return tensor.ApplyOp(op, w.values, points[0])
}

type interp1dOp struct {
	contDim       int
	discreteShape []int

	inputs []*tensor.Tensor
}

func (op *interp1dOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *interp1dOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("interp1d requires values and positions, got %d inputs", len(inputs))
	}
	op.inputs = inputs

	values, positions := inputs[0], inputs[1]
	v, err := values.Float32s()
	if err != nil {
		return nil, err
	}
	p, err := positions.Float32s()
	if err != nil {
		return nil, err
	}

	n := values.Shape[0]
	if n < 2 {
		return nil, fmt.Errorf("interp1d requires at least 2 coefficient samples, got %d", n)
	}
	block := values.NumElems / n // contiguous discrete block per sample
	m := len(p)

	outShape := make([]int, 0, len(op.discreteShape)+1)
	outShape = append(outShape, op.discreteShape[:op.contDim]...)
	outShape = append(outShape, m)
	outShape = append(outShape, op.discreteShape[op.contDim:]...)

	out, err := tensor.Zeros(outShape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	o := out.Data.([]float32)

	outer := 1
	for i := 0; i < op.contDim; i++ {
		outer *= op.discreteShape[i]
	}
	inner := 1
	for i := op.contDim; i < len(op.discreteShape); i++ {
		inner *= op.discreteShape[i]
	}

	// values layout is [n, outer, inner]; output layout is [outer, m, inner].
	for c := 0; c < m; c++ {
		i0, frac := mapPosition(p[c], n)
		for ou := 0; ou < outer; ou++ {
			v0 := v[i0*block+ou*inner : i0*block+(ou+1)*inner]
			v1 := v[(i0+1)*block+ou*inner : (i0+1)*block+(ou+1)*inner]
			dst := o[(ou*m+c)*inner : (ou*m+c+1)*inner]
			for i := range dst {
				dst[i] = v0[i]*(1-frac) + v1[i]*frac
			}
		}
	}

	return out, nil
}

func (op *interp1dOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	values, positions := op.inputs[0], op.inputs[1]
	v := values.Data.([]float32)
	p := positions.Data.([]float32)
	g, err := gradOut.Float32s()
	if err != nil {
		return nil, err
	}

	n := values.Shape[0]
	block := values.NumElems / n
	m := len(p)

	outer := 1
	for i := 0; i < op.contDim; i++ {
		outer *= op.discreteShape[i]
	}
	inner := block / outer

	gradV := make([]float32, values.NumElems)
	gradP := make([]float32, m)
	scale := float32(n-1) / 2 // d(coefficient coordinate)/d(position)

	for c := 0; c < m; c++ {
		i0, frac := mapPosition(p[c], n)
		interior := p[c] > -1 && p[c] < 1
		for ou := 0; ou < outer; ou++ {
			src := g[(ou*m+c)*inner : (ou*m+c+1)*inner]
			g0 := gradV[i0*block+ou*inner : i0*block+(ou+1)*inner]
			g1 := gradV[(i0+1)*block+ou*inner : (i0+1)*block+(ou+1)*inner]
			v0 := v[i0*block+ou*inner : i0*block+(ou+1)*inner]
			v1 := v[(i0+1)*block+ou*inner : (i0+1)*block+(ou+1)*inner]
			for i, gi := range src {
				g0[i] += gi * (1 - frac)
				g1[i] += gi * frac
				if interior {
					gradP[c] += gi * (v1[i] - v0[i]) * scale
				}
			}
		}
	}

	gradValues, err := tensor.NewTensor(values.Shape, tensor.Float32, gradV)
	if err != nil {
		return nil, err
	}
	gradPositions, err := tensor.NewTensor(positions.Shape, tensor.Float32, gradP)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradValues, gradPositions}, nil
}

// InterpolationWeights2d bilinearly interpolates a coefficient tensor along
// two continuous axes.
type InterpolationWeights2d struct {
	values        *tensor.Tensor // [contSize0, contSize1, discrete...]
	contDims      [2]int
	discreteShape []int
}

// NewInterpolationWeights2d builds coefficients for a parameter whose two
// leading continuous dims sit at contDims positions of the output tensor.
// contDims must be ascending.
func NewInterpolationWeights2d(contSizes [2]int, discreteShape []int, contDims [2]int) (*InterpolationWeights2d, error) {
	if contSizes[0] < 2 || contSizes[1] < 2 {
		return nil, fmt.Errorf("continuous axes need at least 2 samples, got %v", contSizes)
	}
	if contDims[0] >= contDims[1] {
		return nil, fmt.Errorf("continuous dims must be ascending, got %v", contDims)
	}

	shape := append([]int{contSizes[0], contSizes[1]}, discreteShape...)
	values, err := tensor.RandomNormal(shape, 0, 0.05, globalRng)
	if err != nil {
		return nil, err
	}
	values.SetRequiresGrad(true)

	return &InterpolationWeights2d{
		values:        values,
		contDims:      contDims,
		discreteShape: append([]int(nil), discreteShape...),
	}, nil
}

func (w *InterpolationWeights2d) Values() *tensor.Tensor { return w.values }
func (w *InterpolationWeights2d) Ndim() int              { return 2 }
func (w *InterpolationWeights2d) ContDims() [2]int       { return w.contDims }

func (w *InterpolationWeights2d) Eval(points []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(points) != 2 {
		return nil, fmt.Errorf("2D interpolation expects 2 position sets, got %d", len(points))
	}
	op := &interp2dOp{contDims: w.contDims, discreteShape: w.discreteShape}
	return tensor.ApplyOp(op, w.values, points[0], points[1])
}

type interp2dOp struct {
	contDims      [2]int
	discreteShape []int

	inputs []*tensor.Tensor
}

func (op *interp2dOp) Inputs() []*tensor.Tensor { return op.inputs }

// outputShape interleaves the sampled axis lengths with the discrete block.
func (op *interp2dOp) outputShape(m0, m1 int) []int {
	out := make([]int, 0, len(op.discreteShape)+2)
	di := 0
	for dim := 0; dim < len(op.discreteShape)+2; dim++ {
		switch dim {
		case op.contDims[0]:
			out = append(out, m0)
		case op.contDims[1]:
			out = append(out, m1)
		default:
			out = append(out, op.discreteShape[di])
			di++
		}
	}
	return out
}

func (op *interp2dOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("interp2d requires values and 2 position sets, got %d inputs", len(inputs))
	}
	op.inputs = inputs

	values := inputs[0]
	v, err := values.Float32s()
	if err != nil {
		return nil, err
	}
	p0, err := inputs[1].Float32s()
	if err != nil {
		return nil, err
	}
	p1, err := inputs[2].Float32s()
	if err != nil {
		return nil, err
	}

	n0, n1 := values.Shape[0], values.Shape[1]
	if n0 < 2 || n1 < 2 {
		return nil, fmt.Errorf("interp2d requires at least 2 samples per axis, got %dx%d", n0, n1)
	}
	block := values.NumElems / (n0 * n1)
	m0, m1 := len(p0), len(p1)

	outShape := op.outputShape(m0, m1)
	out, err := tensor.Zeros(outShape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	o := out.Data.([]float32)

	outCoords := make([]int, len(outShape))

	for idx := 0; idx < out.NumElems; idx++ {
		rem := idx
		for d := len(outShape) - 1; d >= 0; d-- {
			outCoords[d] = rem % outShape[d]
			rem /= outShape[d]
		}

		c0 := outCoords[op.contDims[0]]
		c1 := outCoords[op.contDims[1]]
		dOff := 0
		stride := 1
		for d := len(outShape) - 1; d >= 0; d-- {
			if d == op.contDims[0] || d == op.contDims[1] {
				continue
			}
			dOff += outCoords[d] * stride
			stride *= outShape[d]
		}

		i0, f0 := mapPosition(p0[c0], n0)
		j0, f1 := mapPosition(p1[c1], n1)

		at := func(i, j int) float32 {
			return v[(i*n1+j)*block+dOff]
		}
		o[idx] = at(i0, j0)*(1-f0)*(1-f1) +
			at(i0+1, j0)*f0*(1-f1) +
			at(i0, j0+1)*(1-f0)*f1 +
			at(i0+1, j0+1)*f0*f1
	}

	return out, nil
}

func (op *interp2dOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	values := op.inputs[0]
	v := values.Data.([]float32)
	p0 := op.inputs[1].Data.([]float32)
	p1 := op.inputs[2].Data.([]float32)
	g, err := gradOut.Float32s()
	if err != nil {
		return nil, err
	}

	n0, n1 := values.Shape[0], values.Shape[1]
	block := values.NumElems / (n0 * n1)
	m0, m1 := len(p0), len(p1)

	outShape := op.outputShape(m0, m1)
	outCoords := make([]int, len(outShape))

	gradV := make([]float32, values.NumElems)
	gradP0 := make([]float32, m0)
	gradP1 := make([]float32, m1)
	scale0 := float32(n0-1) / 2
	scale1 := float32(n1-1) / 2

	for idx := range g {
		rem := idx
		for d := len(outShape) - 1; d >= 0; d-- {
			outCoords[d] = rem % outShape[d]
			rem /= outShape[d]
		}

		c0 := outCoords[op.contDims[0]]
		c1 := outCoords[op.contDims[1]]
		dOff := 0
		stride := 1
		for d := len(outShape) - 1; d >= 0; d-- {
			if d == op.contDims[0] || d == op.contDims[1] {
				continue
			}
			dOff += outCoords[d] * stride
			stride *= outShape[d]
		}

		i0, f0 := mapPosition(p0[c0], n0)
		j0, f1 := mapPosition(p1[c1], n1)
		gi := g[idx]

		vIdx := func(i, j int) int { return (i*n1+j)*block + dOff }
		gradV[vIdx(i0, j0)] += gi * (1 - f0) * (1 - f1)
		gradV[vIdx(i0+1, j0)] += gi * f0 * (1 - f1)
		gradV[vIdx(i0, j0+1)] += gi * (1 - f0) * f1
		gradV[vIdx(i0+1, j0+1)] += gi * f0 * f1

		if p0[c0] > -1 && p0[c0] < 1 {
			d0 := (v[vIdx(i0+1, j0)]-v[vIdx(i0, j0)])*(1-f1) +
				(v[vIdx(i0+1, j0+1)]-v[vIdx(i0, j0+1)])*f1
			gradP0[c0] += gi * d0 * scale0
		}
		if p1[c1] > -1 && p1[c1] < 1 {
			d1 := (v[vIdx(i0, j0+1)]-v[vIdx(i0, j0)])*(1-f0) +
				(v[vIdx(i0+1, j0+1)]-v[vIdx(i0+1, j0)])*f0
			gradP1[c1] += gi * d1 * scale1
		}
	}

	gradValues, err := tensor.NewTensor(values.Shape, tensor.Float32, gradV)
	if err != nil {
		return nil, err
	}
	gradPos0, err := tensor.NewTensor(op.inputs[1].Shape, tensor.Float32, gradP0)
	if err != nil {
		return nil, err
	}
	gradPos1, err := tensor.NewTensor(op.inputs[2].Shape, tensor.Float32, gradP1)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradValues, gradPos0, gradPos1}, nil
}
