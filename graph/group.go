// Package graph discovers which parameter dimensions across a model share
// one continuous axis, partitioning them into groups by walking the
// computation graph.
package graph

import (
	"fmt"

	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/quadrature"
	"github.com/integral-nn/go-integral/tensor"
)

// ParamFunction is the view a group needs of the parametrization attached
// to one of its parameters.
type ParamFunction interface {
	Sample() (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Clear()
	ResetGrid(index int, g grid.Grid) error
	Quadrature() quadrature.Quadrature
}

// ParamRef ties one (parameter, dimension) pair to its group. StartIndex
// locates the slice within a concatenated parent axis; GridIndex is the
// position of this axis among the parameter's continuous dims and is set
// when the parametrization is built.
type ParamRef struct {
	Name       string
	Param      *nn.Parameter
	Dim        int
	StartIndex int
	GridIndex  int
	Function   ParamFunction
}

// FeatureMap records an intermediate activation shape tied to the axis.
type FeatureMap struct {
	Path  string
	Shape []int
	Dim   int
}

// BufferRef tracks non-learnable tensors (batchnorm running statistics)
// living on the axis. Resample re-derives them for a new size; Owner gives
// direct access so the axis can be reordered in place.
type BufferRef struct {
	Name     string
	Owner    nn.BufferOwner
	Resample func(n int) error
}

// Group is the set of all (parameter, dimension) pairs that must share one
// grid because they are connected through shape-preserving operations.
type Group struct {
	Params  []*ParamRef
	Tensors []FeatureMap

	// Parents are composite groups this group is a segment of;
	// ParentOffsets holds the start of the segment inside each parent axis.
	Parents       []*Group
	ParentOffsets []int
	Subgroups     []*Group
	Grid          grid.Grid
	Size          int
	Operations    map[string]bool
	Buffers       []BufferRef

	merged *Group
}

func NewGroup(size int) *Group {
	return &Group{
		Size:       size,
		Operations: make(map[string]bool),
	}
}

// Root follows merge pointers to the canonical group.
func (g *Group) Root() *Group {
	r := g
	for r.merged != nil {
		r = r.merged
	}
	return r
}

func (g *Group) IsLeaf() bool {
	return len(g.Subgroups) == 0
}

func (g *Group) AppendParam(name string, p *nn.Parameter, dim, startIndex int) {
	g.Params = append(g.Params, &ParamRef{Name: name, Param: p, Dim: dim, StartIndex: startIndex})
}

func (g *Group) AppendTensor(path string, shape []int, dim int) {
	g.Tensors = append(g.Tensors, FeatureMap{Path: path, Shape: append([]int(nil), shape...), Dim: dim})
}

func (g *Group) AddOperation(op string) {
	g.Operations[op] = true
}

// FindParam locates the reference for a (parameter, dimension) pair.
func (g *Group) FindParam(name string, dim int) *ParamRef {
	for _, p := range g.Params {
		if p.Name == name && p.Dim == dim {
			return p
		}
	}
	return nil
}

// CountParameters sums the element count of every tied parameter. It is
// the sort key that stabilizes group iteration order.
func (g *Group) CountParameters() int {
	total := 0
	for _, p := range g.Params {
		if p.Param == nil {
			continue
		}
		t, err := p.Param.Resolve()
		if err != nil || t == nil {
			continue
		}
		total += t.NumElems
	}
	return total
}

// GridSize reports the current sample count of the axis.
func (g *Group) GridSize() int {
	if g.Grid != nil {
		return g.Grid.Size()
	}
	return g.Size
}

// InitGrid attaches a grid to the group. Leaves get a fixed uniform grid
// of the requested size; parents compose their subgroups' grids.
func (g *Group) InitGrid(size int) error {
	if !g.IsLeaf() {
		subs := make([]grid.Grid, 0, len(g.Subgroups))
		for _, sub := range g.Subgroups {
			if sub.Grid == nil {
				return fmt.Errorf("subgroup has no grid; initialize leaf groups first")
			}
			subs = append(subs, sub.Grid)
		}
		composite, err := grid.NewCompositeGrid1d(subs)
		if err != nil {
			return err
		}
		g.Grid = composite
		g.Size = composite.Size()
		return nil
	}

	if size < 1 {
		size = g.Size
	}
	uniform, err := grid.NewUniformGrid1d(size)
	if err != nil {
		return err
	}
	g.Grid = uniform
	g.Size = size
	return nil
}

// Clear drops the cached samples of every attached parametrization.
func (g *Group) Clear() {
	for _, p := range g.Params {
		if p.Function != nil {
			p.Function.Clear()
		}
	}
	for _, parent := range g.Parents {
		parent.Root().Clear()
	}
}

// RefreshParents rebuilds every ancestor's composite grid from its
// subgroups' current grids and updates ancestor sizes, so parent
// parametrizations stop sampling a stale point set after a leaf resize or
// grid swap.
func (g *Group) RefreshParents() error {
	for _, parent := range g.Parents {
		root := parent.Root()
		total := 0
		subs := make([]grid.Grid, 0, len(root.Subgroups))
		for _, sub := range root.Subgroups {
			sr := sub.Root()
			if sr.Grid == nil {
				return fmt.Errorf("subgroup has no grid")
			}
			subs = append(subs, sr.Grid)
			total += sr.GridSize()
		}
		if composite, ok := root.Grid.(*grid.CompositeGrid1d); ok {
			if err := composite.SetSubGrids(subs); err != nil {
				return err
			}
		}
		root.Size = total
		if err := root.RefreshParents(); err != nil {
			return err
		}
	}
	return nil
}

// validateResize asks every attached quadrature whether the requested size
// is realizable.
func (g *Group) validateResize(n int) error {
	for _, p := range g.Params {
		if p.Function == nil {
			continue
		}
		quad := p.Function.Quadrature()
		if quad == nil {
			continue
		}
		for _, gi := range quad.GridIndices() {
			if gi == p.GridIndex {
				if err := quad.ValidateSize(n); err != nil {
					return fmt.Errorf("resize of %s rejected: %w", p.Name, err)
				}
			}
		}
	}
	return nil
}

// Resize changes the axis sample count. Only leaf groups resize directly;
// parents follow their subgroups.
func (g *Group) Resize(n int) error {
	if !g.IsLeaf() {
		return fmt.Errorf("cannot resize a parent group directly; resize its subgroups")
	}
	if g.Grid == nil {
		return fmt.Errorf("group has no grid")
	}
	if err := g.validateResize(n); err != nil {
		return err
	}

	if err := g.Grid.Resize(n); err != nil {
		return err
	}
	g.Size = n

	for _, b := range g.Buffers {
		if err := b.Resample(n); err != nil {
			return fmt.Errorf("resampling buffer %s: %w", b.Name, err)
		}
	}

	if err := g.RefreshParents(); err != nil {
		return err
	}

	g.Clear()
	return nil
}

// ResetGrid swaps the group's grid, repointing every attached
// parametrization at the replacement.
func (g *Group) ResetGrid(replacement grid.Grid) error {
	if replacement == nil {
		return fmt.Errorf("replacement grid must not be nil")
	}
	if err := g.validateResize(replacement.Size()); err != nil {
		return err
	}

	g.Grid = replacement
	g.Size = replacement.Size()

	for _, p := range g.Params {
		if p.Function != nil {
			if err := p.Function.ResetGrid(p.GridIndex, replacement); err != nil {
				return fmt.Errorf("resetting grid of %s: %w", p.Name, err)
			}
		}
	}

	if err := g.RefreshParents(); err != nil {
		return err
	}

	g.Clear()
	return nil
}

// ResetDistribution switches the group to distribution-based resampling.
func (g *Group) ResetDistribution(dist grid.Distribution) error {
	if rg, ok := g.Grid.(*grid.RandomUniformGrid1d); ok {
		if err := rg.ResetDistribution(dist); err != nil {
			return err
		}
		g.Clear()
		return nil
	}

	rg, err := grid.NewRandomUniformGrid1d(dist)
	if err != nil {
		return err
	}
	return g.ResetGrid(rg)
}
