package grid

import (
	"fmt"

	"github.com/integral-nn/go-integral/tensor"
)

// CompositeGrid1d concatenates sub-grids into one axis. Each sub-grid's
// [-1, 1] range is mapped onto a contiguous segment whose width is
// proportional to its point count, so a parent group formed by channel
// concatenation samples each sub-range at its own resolution.
type CompositeGrid1d struct {
	subgrids []Grid
	points   *tensor.Tensor
	version  uint64
}

func NewCompositeGrid1d(subgrids []Grid) (*CompositeGrid1d, error) {
	if len(subgrids) == 0 {
		return nil, fmt.Errorf("composite grid requires at least one sub-grid")
	}
	g := &CompositeGrid1d{subgrids: subgrids}
	if err := g.Generate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *CompositeGrid1d) Generate() error {
	total := 0
	for _, sub := range g.subgrids {
		if err := sub.Generate(); err != nil {
			return err
		}
		total += sub.Points().Shape[0]
	}

	data := make([]float32, 0, total)
	start := float32(-1)
	for _, sub := range g.subgrids {
		pts, err := sub.Points().Float32s()
		if err != nil {
			return err
		}
		width := 2 * float32(len(pts)) / float32(total)
		for _, p := range pts {
			data = append(data, start+(p+1)/2*width)
		}
		start += width
	}

	points, err := tensor.NewTensor([]int{total}, tensor.Float32, data)
	if err != nil {
		return err
	}
	g.points = points
	g.version++
	return nil
}

func (g *CompositeGrid1d) Points() *tensor.Tensor { return g.points }

func (g *CompositeGrid1d) Size() int {
	total := 0
	for _, sub := range g.subgrids {
		total += sub.Size()
	}
	return total
}

func (g *CompositeGrid1d) Version() uint64 {
	v := g.version
	for _, sub := range g.subgrids {
		v += sub.Version()
	}
	return v
}

// Resize is not supported: the composition is resized through its
// sub-grids.
func (g *CompositeGrid1d) Resize(n int) error {
	return fmt.Errorf("composite grid cannot be resized directly; resize its sub-grids")
}

func (g *CompositeGrid1d) SubGrids() []Grid { return g.subgrids }

// SetSubGrids rewires the composition and regenerates the concatenated
// point set. Used when a sub-grid object is replaced or resized.
func (g *CompositeGrid1d) SetSubGrids(subs []Grid) error {
	if len(subs) == 0 {
		return fmt.Errorf("composite grid requires at least one sub-grid")
	}
	g.subgrids = subs
	return g.Generate()
}

// GridND composes one grid per continuous dimension of a parameter.
type GridND struct {
	grids []Grid
}

func NewGridND(grids ...Grid) (*GridND, error) {
	if len(grids) == 0 {
		return nil, fmt.Errorf("GridND requires at least one grid")
	}
	return &GridND{grids: grids}, nil
}

func (g *GridND) Generate() error {
	for _, sub := range g.grids {
		if err := sub.Generate(); err != nil {
			return err
		}
	}
	return nil
}

func (g *GridND) Ndim() int { return len(g.grids) }

func (g *GridND) SubGrid(i int) (Grid, error) {
	if i < 0 || i >= len(g.grids) {
		return nil, fmt.Errorf("grid index %d out of range [0, %d)", i, len(g.grids))
	}
	return g.grids[i], nil
}

// Reset swaps the grid serving dimension i.
func (g *GridND) Reset(i int, replacement Grid) error {
	if i < 0 || i >= len(g.grids) {
		return fmt.Errorf("grid index %d out of range [0, %d)", i, len(g.grids))
	}
	if replacement == nil {
		return fmt.Errorf("replacement grid must not be nil")
	}
	g.grids[i] = replacement
	return nil
}

func (g *GridND) Version() uint64 {
	var v uint64
	for _, sub := range g.grids {
		v += sub.Version()
	}
	return v
}
