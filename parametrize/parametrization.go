package parametrize

import (
	"fmt"

	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/quadrature"
	"github.com/integral-nn/go-integral/tensor"
)

// WeightParametrization derives a parameter tensor by interpolating
// trainable coefficients at the current grid positions and, when the axis
// is contracted downstream, applying quadrature weights to it.
type WeightParametrization struct {
	weights Interpolator
	grids   *grid.GridND
	quad    quadrature.Quadrature

	cache        *tensor.Tensor
	cacheVersion uint64
	cacheValid   bool
}

func NewWeightParametrization(w Interpolator, grids *grid.GridND, quad quadrature.Quadrature) (*WeightParametrization, error) {
	if w == nil {
		return nil, fmt.Errorf("interpolator must not be nil")
	}
	if grids == nil {
		return nil, fmt.Errorf("grid must not be nil")
	}
	if grids.Ndim() != w.Ndim() {
		return nil, fmt.Errorf("grid dims (%d) do not match interpolation dims (%d)", grids.Ndim(), w.Ndim())
	}
	return &WeightParametrization{weights: w, grids: grids, quad: quad}, nil
}

// Sample returns the current parameter tensor, reusing the cached value
// while the grids are unchanged. The result is detached from autograd.
func (p *WeightParametrization) Sample() (*tensor.Tensor, error) {
	if p.cacheValid && p.cacheVersion == p.grids.Version() {
		return p.cache, nil
	}

	out, err := p.SampleGraph()
	if err != nil {
		return nil, err
	}

	p.cache = out.Detach()
	p.cacheVersion = p.grids.Version()
	p.cacheValid = true
	return p.cache, nil
}

// SampleGraph evaluates the parametrization with gradient tracking and no
// caching; used by fitting and grid tuning.
func (p *WeightParametrization) SampleGraph() (*tensor.Tensor, error) {
	points := make([]*tensor.Tensor, p.grids.Ndim())
	for i := range points {
		sub, err := p.grids.SubGrid(i)
		if err != nil {
			return nil, err
		}
		if sub.Points() == nil {
			if err := sub.Generate(); err != nil {
				return nil, err
			}
		}
		points[i] = sub.Points()
	}

	out, err := p.weights.Eval(points)
	if err != nil {
		return nil, fmt.Errorf("interpolation failed: %w", err)
	}

	if p.quad != nil {
		dims := p.quad.IntegrationDims()
		gridIdx := p.quad.GridIndices()
		for i, dim := range dims {
			pts, err := points[gridIdx[i]].Float32s()
			if err != nil {
				return nil, err
			}
			weights, err := p.quad.Weights(pts)
			if err != nil {
				return nil, fmt.Errorf("quadrature failed: %w", err)
			}
			out, err = tensor.ApplyOp(&tensor.AxisMulOp{Weights: weights, Dim: dim}, out)
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// Parameters returns the trainable state: interpolation coefficients plus
// any trainable grid positions.
func (p *WeightParametrization) Parameters() []*tensor.Tensor {
	out := []*tensor.Tensor{p.weights.Values()}
	for i := 0; i < p.grids.Ndim(); i++ {
		sub, err := p.grids.SubGrid(i)
		if err != nil {
			continue
		}
		if pts := sub.Points(); pts != nil && pts.RequiresGrad() {
			out = append(out, pts)
		}
	}
	return out
}

// Clear drops the cached sample.
func (p *WeightParametrization) Clear() {
	p.cache = nil
	p.cacheValid = false
}

// ResetGrid swaps the grid serving continuous dimension index.
func (p *WeightParametrization) ResetGrid(index int, g grid.Grid) error {
	if err := p.grids.Reset(index, g); err != nil {
		return err
	}
	p.Clear()
	return nil
}

func (p *WeightParametrization) Grids() *grid.GridND               { return p.grids }
func (p *WeightParametrization) Quadrature() quadrature.Quadrature { return p.quad }
func (p *WeightParametrization) Interpolator() Interpolator        { return p.weights }
