// Package quadrature supplies numerical integration weights for continuous
// axes that downstream operations contract, such as a convolution summing
// over its input channels.
package quadrature

import (
	"fmt"
	"math"
)

// Quadrature produces per-sample weights for the grid points of a
// contracted axis. IntegrationDims names the dimensions of the sampled
// parameter tensor the weights apply to; GridIndices names, per
// integration dim, which grid of the parameter's multi-grid supplies the
// positions.
type Quadrature interface {
	Weights(points []float32) ([]float32, error)
	IntegrationDims() []int
	GridIndices() []int
	ValidateSize(n int) error
}

// Trapezoidal implements the trapezoidal rule: interior samples weigh the
// half-interval on each side, boundary samples a single side.
type Trapezoidal struct {
	integrationDims []int
	gridIndices     []int
}

func NewTrapezoidal(integrationDims, gridIndices []int) (*Trapezoidal, error) {
	if len(integrationDims) == 0 {
		return nil, fmt.Errorf("quadrature requires at least one integration dimension")
	}
	if len(integrationDims) != len(gridIndices) {
		return nil, fmt.Errorf("integration dims (%d) and grid indices (%d) must align",
			len(integrationDims), len(gridIndices))
	}
	return &Trapezoidal{integrationDims: integrationDims, gridIndices: gridIndices}, nil
}

func (q *Trapezoidal) Weights(points []float32) ([]float32, error) {
	n := len(points)
	if err := q.ValidateSize(n); err != nil {
		return nil, err
	}

	weights := make([]float32, n)
	weights[0] = (points[1] - points[0]) / 2
	weights[n-1] = (points[n-1] - points[n-2]) / 2
	for i := 1; i < n-1; i++ {
		weights[i] = (points[i+1] - points[i-1]) / 2
	}
	return weights, nil
}

func (q *Trapezoidal) IntegrationDims() []int { return q.integrationDims }
func (q *Trapezoidal) GridIndices() []int     { return q.gridIndices }

func (q *Trapezoidal) ValidateSize(n int) error {
	if n < 2 {
		return fmt.Errorf("trapezoidal rule requires at least 2 points, got %d", n)
	}
	return nil
}

// Simpson implements the composite Simpson rule. It requires an odd point
// count and uniform spacing.
type Simpson struct {
	integrationDims []int
	gridIndices     []int
}

func NewSimpson(integrationDims, gridIndices []int) (*Simpson, error) {
	if len(integrationDims) == 0 {
		return nil, fmt.Errorf("quadrature requires at least one integration dimension")
	}
	if len(integrationDims) != len(gridIndices) {
		return nil, fmt.Errorf("integration dims (%d) and grid indices (%d) must align",
			len(integrationDims), len(gridIndices))
	}
	return &Simpson{integrationDims: integrationDims, gridIndices: gridIndices}, nil
}

func (q *Simpson) Weights(points []float32) ([]float32, error) {
	n := len(points)
	if err := q.ValidateSize(n); err != nil {
		return nil, err
	}

	h := points[1] - points[0]
	for i := 1; i < n-1; i++ {
		step := points[i+1] - points[i]
		if math.Abs(float64(step-h)) > 1e-5 {
			return nil, fmt.Errorf("simpson rule requires uniform spacing, got %g vs %g", step, h)
		}
	}

	weights := make([]float32, n)
	weights[0] = h / 3
	weights[n-1] = h / 3
	for i := 1; i < n-1; i++ {
		if i%2 == 1 {
			weights[i] = 4 * h / 3
		} else {
			weights[i] = 2 * h / 3
		}
	}
	return weights, nil
}

func (q *Simpson) IntegrationDims() []int { return q.integrationDims }
func (q *Simpson) GridIndices() []int     { return q.gridIndices }

func (q *Simpson) ValidateSize(n int) error {
	if n < 3 {
		return fmt.Errorf("simpson rule requires at least 3 points, got %d", n)
	}
	if n%2 == 0 {
		return fmt.Errorf("simpson rule requires an odd number of points, got %d", n)
	}
	return nil
}
