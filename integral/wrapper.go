// Package integral converts discrete models into continuous form: it
// traces parameter dependencies, optionally smooths each shared axis by
// permutation, replaces weight tensors with trainable interpolation
// coefficients over grids, and wraps the result in a Model that supports
// resizing, tuning and discretization.
package integral

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/integral-nn/go-integral/graph"
	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/parametrize"
	"github.com/integral-nn/go-integral/permutation"
	"github.com/integral-nn/go-integral/quadrature"
	"github.com/integral-nn/go-integral/tensor"
)

// BuildContext carries everything a build function needs to parametrize
// one parameter tensor.
type BuildContext struct {
	Name   string
	Param  *nn.Parameter
	Module nn.Module
	Attr   string

	// Dims are the parameter's continuous dimensions, ascending; Groups
	// holds the dependency group owning each of them.
	Dims   []int
	Groups []*graph.Group
}

// BuildFunc constructs the parametrization of one parameter. Custom build
// functions are keyed by the owning module's type name.
type BuildFunc func(w *Wrapper, ctx *BuildContext) (*parametrize.WeightParametrization, error)

// QuadratureFactory builds the quadrature rule applied to contracted
// axes. integrationDims index the parameter tensor, gridIndices the
// parametrization's grids.
type QuadratureFactory func(integrationDims, gridIndices []int) (quadrature.Quadrature, error)

// WrapperConfig holds configuration for model conversion.
type WrapperConfig struct {
	// InitFromDiscrete initializes the interpolation coefficients so the
	// continuous form reproduces the discrete weights.
	InitFromDiscrete bool

	// FuseBatchNorm folds BatchNorm2d layers into the preceding Conv2d
	// before tracing, when the conv's output axis is continuous.
	FuseBatchNorm bool

	// OptimizeIters fine-tunes each parametrization against its discrete
	// weights for this many Adam steps. Zero disables fitting.
	OptimizeIters int

	// StartLR is the initial learning rate of the fitting loop.
	StartLR float32

	// PermutationIters controls the smoothing search; zero skips
	// permutation entirely.
	PermutationIters int
	PermutationSeed  int64

	// Rearranger overrides the default total-variation permutation.
	Rearranger permutation.Rearranger

	// BuildFunctions supplies parametrization builders for custom module
	// types, keyed by nn.TypeName.
	BuildFunctions map[string]BuildFunc

	// TraceRules supplies trace rules for custom module types.
	TraceRules map[string]graph.TraceRule

	// GridSizeFunc picks the initial grid size of a leaf group. Nil keeps
	// the discrete axis size.
	GridSizeFunc func(g *graph.Group) int

	// MinContinuousSize is the smallest axis length worth parametrizing.
	MinContinuousSize int

	// Quadrature builds the rule applied to contracted axes. Nil means
	// trapezoidal.
	Quadrature QuadratureFactory

	Logger *slog.Logger
}

// DefaultWrapperConfig returns the standard conversion settings.
func DefaultWrapperConfig() WrapperConfig {
	return WrapperConfig{
		InitFromDiscrete:  true,
		FuseBatchNorm:     true,
		OptimizeIters:     0,
		StartLR:           0.01,
		PermutationIters:  100,
		MinContinuousSize: 4,
	}
}

// Wrapper converts discrete models into integral form.
type Wrapper struct {
	config WrapperConfig
	logger *slog.Logger
}

func NewWrapper(config WrapperConfig) *Wrapper {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.StartLR <= 0 {
		config.StartLR = 0.01
	}
	if config.MinContinuousSize < 1 {
		config.MinContinuousSize = 4
	}
	if config.Quadrature == nil {
		config.Quadrature = func(integrationDims, gridIndices []int) (quadrature.Quadrature, error) {
			return quadrature.NewTrapezoidal(integrationDims, gridIndices)
		}
	}
	return &Wrapper{config: config, logger: logger}
}

func (w *Wrapper) newTracer(model nn.Module, continuousDims, discreteDims map[string][]int) *graph.Tracer {
	tracer := graph.NewTracer(model, continuousDims, discreteDims)
	tracer.MinContinuousSize = w.config.MinContinuousSize
	for name, rule := range w.config.TraceRules {
		tracer.RegisterRule(name, rule)
	}
	return tracer
}

// ConvertModel turns a discrete model into a continuously parametrized
// Model. continuousDims maps dotted parameter names to the dimensions to
// parametrize; discreteDims pins dimensions that must stay discrete. The
// model is modified in place.
func (w *Wrapper) ConvertModel(model nn.Module, continuousDims, discreteDims map[string][]int, inputShape []int) (*Model, error) {
	if model == nil {
		return nil, fmt.Errorf("model must not be nil")
	}

	if w.config.FuseBatchNorm {
		if err := w.fuseBatchNorms(model, continuousDims, discreteDims, inputShape); err != nil {
			return nil, fmt.Errorf("batchnorm fusion failed: %w", err)
		}
	}

	tracer := w.newTracer(model, continuousDims, discreteDims)
	groups, err := tracer.BuildGroups(inputShape)
	if err != nil {
		return nil, fmt.Errorf("dependency tracing failed: %w", err)
	}
	w.logger.Debug("traced model", "groups", len(groups))

	originalSize := discreteParameterCount(model)

	// Smoothing reorders the discrete seed weights; a fresh model has
	// nothing to smooth.
	if w.config.InitFromDiscrete {
		rearranger := w.config.Rearranger
		if rearranger == nil && w.config.PermutationIters > 0 {
			rearranger = permutation.NewTotalVariation(w.config.PermutationIters, w.config.PermutationSeed)
		}
		if rearranger != nil {
			if err := rearranger.Permute(groups); err != nil {
				return nil, fmt.Errorf("permutation failed: %w", err)
			}
		}
	}

	for _, g := range groups {
		size := 0
		if g.IsLeaf() && w.config.GridSizeFunc != nil {
			size = w.config.GridSizeFunc(g)
		}
		if err := g.InitGrid(size); err != nil {
			return nil, fmt.Errorf("grid initialization failed: %w", err)
		}
		if err := g.Grid.Generate(); err != nil {
			return nil, fmt.Errorf("grid generation failed: %w", err)
		}
	}

	paramGroups := tracer.ParamGroups()
	names := make([]string, 0, len(paramGroups))
	for name := range paramGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := w.parametrizeWeight(model, tracer, name); err != nil {
			return nil, fmt.Errorf("parametrizing %s: %w", name, err)
		}
	}

	return newModel(model, groups, originalSize, w.logger), nil
}

// parametrizeWeight builds and attaches the parametrization of one
// parameter, then fine-tunes it against the discrete weights when
// configured to.
func (w *Wrapper) parametrizeWeight(model nn.Module, tracer *graph.Tracer, name string) error {
	param, owner, attr, err := nn.FindParameter(model, name)
	if err != nil {
		return err
	}

	dims := tracer.ContinuousDimsOf(name)
	if len(dims) == 0 {
		return nil
	}
	byDim := tracer.ParamGroups()[name]
	ctx := &BuildContext{
		Name:   name,
		Param:  param,
		Module: owner,
		Attr:   attr,
		Dims:   dims,
		Groups: make([]*graph.Group, len(dims)),
	}
	for i, d := range dims {
		g, ok := byDim[d]
		if !ok {
			return fmt.Errorf("no dependency group for dim %d", d)
		}
		ctx.Groups[i] = g
	}

	build, err := w.buildFunc(owner)
	if err != nil {
		return err
	}
	wp, err := build(w, ctx)
	if err != nil {
		return err
	}

	var target *tensor.Tensor
	if w.config.InitFromDiscrete && w.config.OptimizeIters > 0 {
		target, err = param.Stored().Clone()
		if err != nil {
			return err
		}
	}

	param.SetParametrization(wp)
	for i, d := range dims {
		ref := ctx.Groups[i].FindParam(name, d)
		if ref == nil {
			return fmt.Errorf("dim %d missing from its dependency group", d)
		}
		ref.GridIndex = i
		ref.Function = wp
	}

	if target != nil {
		before, after, err := w.fitParametrization(wp, target)
		if err != nil {
			return fmt.Errorf("fitting failed: %w", err)
		}
		w.logger.Debug("fitted parametrization", "param", name, "loss_before", before, "loss_after", after)
	}
	return nil
}

// buildFunc resolves the parametrization builder for a module, custom
// functions first.
func (w *Wrapper) buildFunc(owner nn.Module) (BuildFunc, error) {
	typeName := nn.TypeName(owner)
	if build, ok := w.config.BuildFunctions[typeName]; ok {
		return build, nil
	}
	switch owner.(type) {
	case *nn.Conv2d, *nn.Conv1d, *nn.Linear:
		return buildContractionWeight, nil
	case *nn.BatchNorm2d:
		return buildChannelVector, nil
	default:
		return nil, fmt.Errorf("no build function for module type %s", typeName)
	}
}

// buildContractionWeight parametrizes conv and linear weights. The
// reduction dimension, when continuous, gets quadrature weights so the
// contraction approximates an integral.
func buildContractionWeight(w *Wrapper, ctx *BuildContext) (*parametrize.WeightParametrization, error) {
	for _, d := range ctx.Dims {
		if d > 1 {
			return nil, fmt.Errorf("continuous dim %d not supported for %s weights", d, nn.TypeName(ctx.Module))
		}
	}
	if ctx.Attr == "bias" {
		return w.makeParametrization(ctx, nil)
	}

	var quadDims []int
	for _, d := range ctx.Dims {
		if d == 1 {
			quadDims = append(quadDims, 1)
		}
	}
	return w.makeParametrization(ctx, quadDims)
}

// buildChannelVector parametrizes per-channel vectors (batchnorm scale
// and shift, biases).
func buildChannelVector(w *Wrapper, ctx *BuildContext) (*parametrize.WeightParametrization, error) {
	if len(ctx.Dims) != 1 || ctx.Dims[0] != 0 {
		return nil, fmt.Errorf("%s parameters are one-dimensional, cannot parametrize dims %v", nn.TypeName(ctx.Module), ctx.Dims)
	}
	return w.makeParametrization(ctx, nil)
}

// makeParametrization assembles interpolator, grids and quadrature for one
// parameter and, when configured, initializes the coefficients from the
// discrete tensor.
func (w *Wrapper) makeParametrization(ctx *BuildContext, quadDims []int) (*parametrize.WeightParametrization, error) {
	stored := ctx.Param.Stored()
	if stored == nil {
		return nil, fmt.Errorf("parameter is already parametrized")
	}

	discreteShape := make([]int, 0, len(stored.Shape)-len(ctx.Dims))
	for d, size := range stored.Shape {
		if !containsInt(ctx.Dims, d) {
			discreteShape = append(discreteShape, size)
		}
	}

	var interp parametrize.Interpolator
	var err error
	switch len(ctx.Dims) {
	case 1:
		interp, err = parametrize.NewInterpolationWeights1d(ctx.Groups[0].GridSize(), discreteShape, ctx.Dims[0])
	case 2:
		sizes := [2]int{ctx.Groups[0].GridSize(), ctx.Groups[1].GridSize()}
		interp, err = parametrize.NewInterpolationWeights2d(sizes, discreteShape, [2]int{ctx.Dims[0], ctx.Dims[1]})
	default:
		err = fmt.Errorf("at most 2 continuous dims are supported, got %d", len(ctx.Dims))
	}
	if err != nil {
		return nil, err
	}

	subgrids := make([]grid.Grid, len(ctx.Groups))
	for i, g := range ctx.Groups {
		if g.Grid == nil {
			return nil, fmt.Errorf("dependency group has no grid")
		}
		subgrids[i] = g.Grid
	}
	grids, err := grid.NewGridND(subgrids...)
	if err != nil {
		return nil, err
	}

	var quad quadrature.Quadrature
	if len(quadDims) > 0 {
		gridIndices := make([]int, len(quadDims))
		for i, qd := range quadDims {
			gi := indexOf(ctx.Dims, qd)
			if gi < 0 {
				return nil, fmt.Errorf("quadrature dim %d is not continuous", qd)
			}
			gridIndices[i] = gi
		}
		quad, err = w.config.Quadrature(quadDims, gridIndices)
		if err != nil {
			return nil, err
		}
	}

	wp, err := parametrize.NewWeightParametrization(interp, grids, quad)
	if err != nil {
		return nil, err
	}

	if w.config.InitFromDiscrete {
		if err := initCoefficients(wp, stored, ctx.Dims, ctx.Groups); err != nil {
			return nil, fmt.Errorf("initializing coefficients: %w", err)
		}
	}
	return wp, nil
}

// discreteParameterCount sums the element count of every stored parameter.
func discreteParameterCount(model nn.Module) int {
	total := 0
	for _, s := range nn.NamedParameters(model) {
		if stored := s.Param.Stored(); stored != nil {
			total += stored.NumElems
		}
	}
	return total
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
