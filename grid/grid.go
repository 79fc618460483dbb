// Package grid manages the sample positions continuous parametrizations are
// evaluated at. All one-dimensional grids live on [-1, 1].
package grid

import (
	"fmt"
	"math/rand"

	"github.com/integral-nn/go-integral/tensor"
)

// Grid is an ordered set of sample positions along one continuous axis.
// Generate refreshes the positions and bumps the version so downstream
// caches know to resample.
type Grid interface {
	Generate() error
	Points() *tensor.Tensor
	Size() int
	Resize(n int) error
	Version() uint64
}

// UniformGrid1d holds evenly spaced fixed positions.
type UniformGrid1d struct {
	size    int
	points  *tensor.Tensor
	version uint64
}

func NewUniformGrid1d(size int) (*UniformGrid1d, error) {
	if size < 1 {
		return nil, fmt.Errorf("grid size must be at least 1, got %d", size)
	}
	g := &UniformGrid1d{size: size}
	if err := g.Generate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *UniformGrid1d) Generate() error {
	points, err := tensor.Linspace(-1, 1, g.size)
	if err != nil {
		return err
	}
	g.points = points
	g.version++
	return nil
}

func (g *UniformGrid1d) Points() *tensor.Tensor { return g.points }
func (g *UniformGrid1d) Size() int              { return g.size }
func (g *UniformGrid1d) Version() uint64        { return g.version }

func (g *UniformGrid1d) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("grid size must be at least 1, got %d", n)
	}
	g.size = n
	return g.Generate()
}

// TrainableGrid1d exposes its positions as an optimizable tensor. The
// positions are initialized uniformly and updated by whatever optimizer the
// caller attaches them to.
type TrainableGrid1d struct {
	positions *tensor.Tensor
	version   uint64
}

func NewTrainableGrid1d(size int) (*TrainableGrid1d, error) {
	if size < 1 {
		return nil, fmt.Errorf("grid size must be at least 1, got %d", size)
	}
	positions, err := tensor.Linspace(-1, 1, size)
	if err != nil {
		return nil, err
	}
	positions.SetRequiresGrad(true)
	return &TrainableGrid1d{positions: positions}, nil
}

func (g *TrainableGrid1d) Generate() error {
	// Positions are live optimizer state; regeneration only invalidates
	// downstream caches.
	g.version++
	return nil
}

func (g *TrainableGrid1d) Points() *tensor.Tensor { return g.positions }

// Positions returns the trainable position tensor for optimizer wiring.
func (g *TrainableGrid1d) Positions() *tensor.Tensor { return g.positions }

func (g *TrainableGrid1d) Size() int       { return g.positions.Shape[0] }
func (g *TrainableGrid1d) Version() uint64 { return g.version }

func (g *TrainableGrid1d) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("grid size must be at least 1, got %d", n)
	}
	positions, err := tensor.Linspace(-1, 1, n)
	if err != nil {
		return err
	}
	positions.SetRequiresGrad(true)
	g.positions = positions
	g.version++
	return nil
}

// Distribution yields sample counts for resampled grids.
type Distribution interface {
	Sample() int
	TargetSize() int
}

// UniformDistribution draws sizes uniformly from [Min, Max].
type UniformDistribution struct {
	Min int
	Max int

	rng *rand.Rand
}

func NewUniformDistribution(min, max int, seed int64) (*UniformDistribution, error) {
	if min < 1 || max < min {
		return nil, fmt.Errorf("invalid size range [%d, %d]", min, max)
	}
	return &UniformDistribution{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}, nil
}

func (d *UniformDistribution) Sample() int {
	if d.Max == d.Min {
		return d.Min
	}
	return d.Min + d.rng.Intn(d.Max-d.Min+1)
}

func (d *UniformDistribution) TargetSize() int { return d.Max }

// NormalDistribution draws sizes from a normal centered between Min and
// Max, clamped to the range.
type NormalDistribution struct {
	Min int
	Max int

	rng *rand.Rand
}

func NewNormalDistribution(min, max int, seed int64) (*NormalDistribution, error) {
	if min < 1 || max < min {
		return nil, fmt.Errorf("invalid size range [%d, %d]", min, max)
	}
	return &NormalDistribution{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}, nil
}

func (d *NormalDistribution) Sample() int {
	mean := float64(d.Min+d.Max) / 2
	sigma := float64(d.Max-d.Min) / 4
	n := int(d.rng.NormFloat64()*sigma + mean + 0.5)
	if n < d.Min {
		n = d.Min
	}
	if n > d.Max {
		n = d.Max
	}
	return n
}

func (d *NormalDistribution) TargetSize() int { return d.Max }

// RandomUniformGrid1d resamples its point count from a distribution on
// every Generate, keeping the positions uniform on [-1, 1].
type RandomUniformGrid1d struct {
	dist    Distribution
	points  *tensor.Tensor
	version uint64
}

func NewRandomUniformGrid1d(dist Distribution) (*RandomUniformGrid1d, error) {
	if dist == nil {
		return nil, fmt.Errorf("distribution must not be nil")
	}
	points, err := tensor.Linspace(-1, 1, dist.TargetSize())
	if err != nil {
		return nil, err
	}
	return &RandomUniformGrid1d{dist: dist, points: points}, nil
}

func (g *RandomUniformGrid1d) Generate() error {
	n := g.dist.Sample()
	if n < 1 {
		return fmt.Errorf("distribution produced invalid grid size %d", n)
	}
	points, err := tensor.Linspace(-1, 1, n)
	if err != nil {
		return err
	}
	g.points = points
	g.version++
	return nil
}

func (g *RandomUniformGrid1d) Points() *tensor.Tensor { return g.points }
func (g *RandomUniformGrid1d) Size() int              { return g.points.Shape[0] }
func (g *RandomUniformGrid1d) Version() uint64        { return g.version }

// Resize pins the grid to a fixed size, replacing the distribution.
func (g *RandomUniformGrid1d) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("grid size must be at least 1, got %d", n)
	}
	dist, err := NewUniformDistribution(n, n, 0)
	if err != nil {
		return err
	}
	g.dist = dist
	points, err := tensor.Linspace(-1, 1, n)
	if err != nil {
		return err
	}
	g.points = points
	g.version++
	return nil
}

// ResetDistribution switches the sampling distribution; positions refresh
// on the next Generate.
func (g *RandomUniformGrid1d) ResetDistribution(dist Distribution) error {
	if dist == nil {
		return fmt.Errorf("distribution must not be nil")
	}
	g.dist = dist
	g.version++
	return nil
}
