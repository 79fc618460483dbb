package graph

import (
	"testing"

	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/quadrature"
	"github.com/integral-nn/go-integral/tensor"
)

type fakeFunction struct {
	quad       quadrature.Quadrature
	clears     int
	gridResets int
}

func (f *fakeFunction) Sample() (*tensor.Tensor, error)        { return nil, nil }
func (f *fakeFunction) Parameters() []*tensor.Tensor           { return nil }
func (f *fakeFunction) Clear()                                 { f.clears++ }
func (f *fakeFunction) ResetGrid(index int, g grid.Grid) error { f.gridResets++; return nil }
func (f *fakeFunction) Quadrature() quadrature.Quadrature      { return f.quad }

func newParam(t *testing.T, shape []int) *nn.Parameter {
	t.Helper()
	w, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	return nn.NewParameter(w)
}

func TestGroupInitGridAndResize(t *testing.T) {
	g := NewGroup(8)
	g.AppendParam("w", newParam(t, []int{8, 4}), 0, 0)

	if err := g.InitGrid(8); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}
	if g.GridSize() != 8 {
		t.Errorf("expected grid size 8, got %d", g.GridSize())
	}

	fn := &fakeFunction{}
	g.Params[0].Function = fn

	if err := g.Resize(5); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if g.Size != 5 || g.GridSize() != 5 {
		t.Errorf("expected size 5, got size=%d grid=%d", g.Size, g.GridSize())
	}
	if fn.clears == 0 {
		t.Error("resize did not clear the attached parametrization")
	}
}

func TestGroupResizeRejectedByQuadrature(t *testing.T) {
	g := NewGroup(9)
	g.AppendParam("w", newParam(t, []int{9}), 0, 0)
	if err := g.InitGrid(9); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}

	quad, err := quadrature.NewSimpson([]int{0}, []int{0})
	if err != nil {
		t.Fatalf("NewSimpson failed: %v", err)
	}
	g.Params[0].Function = &fakeFunction{quad: quad}

	if err := g.Resize(6); err == nil {
		t.Error("expected even size to be rejected by the simpson rule")
	}
	if err := g.Resize(7); err != nil {
		t.Errorf("odd size should pass: %v", err)
	}
}

func TestGroupCountParameters(t *testing.T) {
	g := NewGroup(8)
	g.AppendParam("w", newParam(t, []int{8, 3, 3, 3}), 0, 0)
	g.AppendParam("b", newParam(t, []int{8}), 0, 0)

	if got := g.CountParameters(); got != 8*3*3*3+8 {
		t.Errorf("expected %d parameters, got %d", 8*3*3*3+8, got)
	}
}

func TestParentGroupCompositeGrid(t *testing.T) {
	a := NewGroup(4)
	b := NewGroup(6)
	parent := NewGroup(10)
	parent.Subgroups = []*Group{a, b}
	a.Parents = append(a.Parents, parent)
	a.ParentOffsets = append(a.ParentOffsets, 0)
	b.Parents = append(b.Parents, parent)
	b.ParentOffsets = append(b.ParentOffsets, 4)

	// Parent grids require initialized subgroup grids.
	if err := parent.InitGrid(0); err == nil {
		t.Error("expected error initializing parent before leaves")
	}

	if err := a.InitGrid(4); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}
	if err := b.InitGrid(6); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}
	if err := parent.InitGrid(0); err != nil {
		t.Fatalf("parent InitGrid failed: %v", err)
	}
	if parent.GridSize() != 10 {
		t.Errorf("expected parent grid size 10, got %d", parent.GridSize())
	}
	if _, ok := parent.Grid.(*grid.CompositeGrid1d); !ok {
		t.Fatalf("expected composite parent grid, got %T", parent.Grid)
	}

	if err := parent.Resize(8); err == nil {
		t.Error("expected direct parent resize to fail")
	}

	// Shrinking a leaf updates the parent size.
	if err := a.Resize(2); err != nil {
		t.Fatalf("leaf Resize failed: %v", err)
	}
	if parent.Size != 8 {
		t.Errorf("expected parent size 8 after leaf resize, got %d", parent.Size)
	}

	// Clearing a leaf cascades to parametrizations on the parent.
	fn := &fakeFunction{}
	parent.AppendParam("merge.w", newParam(t, []int{4, 8}), 1, 0)
	parent.Params[0].Function = fn
	a.Clear()
	if fn.clears == 0 {
		t.Error("leaf Clear did not reach the parent parametrization")
	}
}

func TestGroupResetGrid(t *testing.T) {
	g := NewGroup(6)
	g.AppendParam("w", newParam(t, []int{6}), 0, 0)
	if err := g.InitGrid(6); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}
	fn := &fakeFunction{}
	g.Params[0].Function = fn

	trainable, err := grid.NewTrainableGrid1d(6)
	if err != nil {
		t.Fatalf("NewTrainableGrid1d failed: %v", err)
	}
	if err := g.ResetGrid(trainable); err != nil {
		t.Fatalf("ResetGrid failed: %v", err)
	}
	if g.Grid != grid.Grid(trainable) {
		t.Error("group grid was not replaced")
	}
	if fn.gridResets != 1 {
		t.Errorf("expected 1 parametrization grid reset, got %d", fn.gridResets)
	}
	if err := g.ResetGrid(nil); err == nil {
		t.Error("expected error resetting to nil grid")
	}
}

func TestGroupResetDistribution(t *testing.T) {
	g := NewGroup(8)
	if err := g.InitGrid(8); err != nil {
		t.Fatalf("InitGrid failed: %v", err)
	}

	dist, err := grid.NewUniformDistribution(4, 8, 3)
	if err != nil {
		t.Fatalf("NewUniformDistribution failed: %v", err)
	}
	if err := g.ResetDistribution(dist); err != nil {
		t.Fatalf("ResetDistribution failed: %v", err)
	}
	rg, ok := g.Grid.(*grid.RandomUniformGrid1d)
	if !ok {
		t.Fatalf("expected random uniform grid, got %T", g.Grid)
	}
	if err := rg.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if n := rg.Size(); n < 4 || n > 8 {
		t.Errorf("generated size %d out of range [4, 8]", n)
	}

	// Swapping the distribution on an existing random grid keeps the grid.
	narrow, err := grid.NewUniformDistribution(5, 5, 0)
	if err != nil {
		t.Fatalf("NewUniformDistribution failed: %v", err)
	}
	if err := g.ResetDistribution(narrow); err != nil {
		t.Fatalf("ResetDistribution failed: %v", err)
	}
	if g.Grid != grid.Grid(rg) {
		t.Error("expected the random grid instance to be reused")
	}
}
