package parametrize

import (
	"math"
	"testing"

	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/quadrature"
	"github.com/integral-nn/go-integral/tensor"
)

func setValues(t *testing.T, w Interpolator, data []float32) {
	t.Helper()
	dst, err := w.Values().Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	if len(dst) != len(data) {
		t.Fatalf("coefficient count mismatch: have %d, want %d", len(dst), len(data))
	}
	copy(dst, data)
}

func TestInterp1dReproducesCoefficientsAtNodes(t *testing.T) {
	w, err := NewInterpolationWeights1d(3, []int{2}, 0)
	if err != nil {
		t.Fatalf("NewInterpolationWeights1d failed: %v", err)
	}
	setValues(t, w, []float32{1, 2, 3, 4, 5, 6})

	pts, err := tensor.Linspace(-1, 1, 3)
	if err != nil {
		t.Fatalf("Linspace failed: %v", err)
	}
	out, err := w.Eval([]*tensor.Tensor{pts})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	if len(out.Shape) != 2 || out.Shape[0] != 3 || out.Shape[1] != 2 {
		t.Fatalf("unexpected output shape %v", out.Shape)
	}
	got, _ := out.Float32s()
	want := []float32{1, 2, 3, 4, 5, 6}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestInterp1dMidpoint(t *testing.T) {
	w, err := NewInterpolationWeights1d(2, nil, 0)
	if err != nil {
		t.Fatalf("NewInterpolationWeights1d failed: %v", err)
	}
	setValues(t, w, []float32{2, 6})

	pts, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	out, err := w.Eval([]*tensor.Tensor{pts})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	got, _ := out.Float32s()
	if math.Abs(float64(got[0]-4)) > 1e-6 {
		t.Errorf("midpoint of 2 and 6: expected 4, got %f", got[0])
	}
}

func TestInterp1dContinuousDimPlacement(t *testing.T) {
	// Continuous axis in output position 1: output is [discrete, sampled].
	w, err := NewInterpolationWeights1d(2, []int{3}, 1)
	if err != nil {
		t.Fatalf("NewInterpolationWeights1d failed: %v", err)
	}
	// Coefficients stay [contSize, discrete...] internally.
	setValues(t, w, []float32{
		1, 2, 3, // sample 0
		5, 6, 7, // sample 1
	})

	pts, _ := tensor.NewTensor([]int{2}, tensor.Float32, []float32{-1, 1})
	out, err := w.Eval([]*tensor.Tensor{pts})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if len(out.Shape) != 2 || out.Shape[0] != 3 || out.Shape[1] != 2 {
		t.Fatalf("unexpected output shape %v", out.Shape)
	}
	got, _ := out.Float32s()
	want := []float32{1, 5, 2, 6, 3, 7}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestInterp1dBackward(t *testing.T) {
	w, err := NewInterpolationWeights1d(2, nil, 0)
	if err != nil {
		t.Fatalf("NewInterpolationWeights1d failed: %v", err)
	}
	setValues(t, w, []float32{0, 0})

	pts, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	out, err := w.Eval([]*tensor.Tensor{pts})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	target, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{2})
	loss, err := tensor.MSE(out, target)
	if err != nil {
		t.Fatalf("MSE failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	g := w.Values().Grad()
	if g == nil {
		t.Fatal("expected gradient on coefficients")
	}
	gv, _ := g.Float32s()
	// loss = (0.5*v0 + 0.5*v1 - 2)^2, d/dv0 = 2*(-2)*0.5 = -2.
	for i, want := range []float32{-2, -2} {
		if math.Abs(float64(gv[i]-want)) > 1e-5 {
			t.Errorf("coefficient grad %d: expected %f, got %f", i, want, gv[i])
		}
	}
}

func TestInterp2dBilinear(t *testing.T) {
	w, err := NewInterpolationWeights2d([2]int{2, 2}, nil, [2]int{0, 1})
	if err != nil {
		t.Fatalf("NewInterpolationWeights2d failed: %v", err)
	}
	setValues(t, w, []float32{
		0, 2,
		4, 6,
	})

	nodes, _ := tensor.NewTensor([]int{2}, tensor.Float32, []float32{-1, 1})
	out, err := w.Eval([]*tensor.Tensor{nodes, nodes})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	got, _ := out.Float32s()
	for i, want := range []float32{0, 2, 4, 6} {
		if math.Abs(float64(got[i]-want)) > 1e-6 {
			t.Errorf("node %d: expected %f, got %f", i, want, got[i])
		}
	}

	center, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	out, err = w.Eval([]*tensor.Tensor{center, center})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	got, _ = out.Float32s()
	if math.Abs(float64(got[0]-3)) > 1e-6 {
		t.Errorf("bilinear center: expected 3, got %f", got[0])
	}
}

func TestInterp2dBackwardAccumulates(t *testing.T) {
	w, err := NewInterpolationWeights2d([2]int{2, 2}, nil, [2]int{0, 1})
	if err != nil {
		t.Fatalf("NewInterpolationWeights2d failed: %v", err)
	}
	setValues(t, w, []float32{0, 0, 0, 0})

	center, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	out, err := w.Eval([]*tensor.Tensor{center, center})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	target, _ := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{4})
	loss, err := tensor.MSE(out, target)
	if err != nil {
		t.Fatalf("MSE failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	g := w.Values().Grad()
	if g == nil {
		t.Fatal("expected gradient on coefficients")
	}
	gv, _ := g.Float32s()
	// Each corner contributes weight 0.25: d/dv = 2*(0-4)*0.25 = -2.
	for i := range gv {
		if math.Abs(float64(gv[i]+2)) > 1e-5 {
			t.Errorf("corner grad %d: expected -2, got %f", i, gv[i])
		}
	}
}

func newTestParametrization(t *testing.T, size int, quad quadrature.Quadrature) *WeightParametrization {
	t.Helper()
	w, err := NewInterpolationWeights1d(size, nil, 0)
	if err != nil {
		t.Fatalf("NewInterpolationWeights1d failed: %v", err)
	}
	g, err := grid.NewUniformGrid1d(size)
	if err != nil {
		t.Fatalf("NewUniformGrid1d failed: %v", err)
	}
	grids, err := grid.NewGridND(g)
	if err != nil {
		t.Fatalf("NewGridND failed: %v", err)
	}
	wp, err := NewWeightParametrization(w, grids, quad)
	if err != nil {
		t.Fatalf("NewWeightParametrization failed: %v", err)
	}
	return wp
}

func TestParametrizationSampleCaching(t *testing.T) {
	wp := newTestParametrization(t, 4, nil)

	first, err := wp.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	second, err := wp.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if first != second {
		t.Error("expected cached sample while grid unchanged")
	}
	if first.RequiresGrad() {
		t.Error("cached sample must be detached")
	}

	sub, _ := wp.Grids().SubGrid(0)
	if err := sub.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	third, err := wp.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if third == first {
		t.Error("expected fresh sample after grid regeneration")
	}

	wp.Clear()
	fourth, err := wp.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if fourth == third {
		t.Error("expected fresh sample after Clear")
	}
}

func TestParametrizationAppliesQuadrature(t *testing.T) {
	quad, err := quadrature.NewTrapezoidal([]int{0}, []int{0})
	if err != nil {
		t.Fatalf("NewTrapezoidal failed: %v", err)
	}
	wp := newTestParametrization(t, 3, quad)
	setValues(t, wp.Interpolator(), []float32{1, 1, 1})

	out, err := wp.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	got, _ := out.Float32s()
	// Uniform points on [-1, 1]: trapezoid weights 0.5, 1, 0.5.
	want := []float32{0.5, 1, 0.5}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestParametrizationParameters(t *testing.T) {
	wp := newTestParametrization(t, 4, nil)
	params := wp.Parameters()
	if len(params) != 1 {
		t.Fatalf("expected only coefficients, got %d tensors", len(params))
	}

	trainable, err := grid.NewTrainableGrid1d(4)
	if err != nil {
		t.Fatalf("NewTrainableGrid1d failed: %v", err)
	}
	if err := wp.ResetGrid(0, trainable); err != nil {
		t.Fatalf("ResetGrid failed: %v", err)
	}
	params = wp.Parameters()
	if len(params) != 2 {
		t.Fatalf("expected coefficients plus grid positions, got %d tensors", len(params))
	}
	if params[1] != trainable.Positions() {
		t.Error("second parameter is not the trainable grid positions")
	}
}

func TestParametrizationDimMismatch(t *testing.T) {
	w, err := NewInterpolationWeights2d([2]int{2, 2}, nil, [2]int{0, 1})
	if err != nil {
		t.Fatalf("NewInterpolationWeights2d failed: %v", err)
	}
	g, _ := grid.NewUniformGrid1d(2)
	grids, _ := grid.NewGridND(g)
	if _, err := NewWeightParametrization(w, grids, nil); err == nil {
		t.Error("expected error for 2D interpolator over 1D grid")
	}
}
