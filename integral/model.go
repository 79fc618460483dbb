package integral

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/integral-nn/go-integral/graph"
	"github.com/integral-nn/go-integral/grid"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/parametrize"
	"github.com/integral-nn/go-integral/tensor"
)

// Model is a continuously parametrized network. It owns the dependency
// groups of its converted module and exposes the lifecycle operations:
// resizing, grid swapping, tuning, discretization and cache control.
type Model struct {
	module       nn.Module
	groups       []*graph.Group
	originalSize int
	logger       *slog.Logger
}

func newModel(module nn.Module, groups []*graph.Group, originalSize int, logger *slog.Logger) *Model {
	sorted := append([]*graph.Group(nil), groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CountParameters() < sorted[j].CountParameters()
	})
	return &Model{
		module:       module,
		groups:       sorted,
		originalSize: originalSize,
		logger:       logger,
	}
}

// Module returns the underlying parametrized module.
func (m *Model) Module() nn.Module { return m.module }

// Groups returns every dependency group, sorted ascending by parameter
// count.
func (m *Model) Groups() []*graph.Group { return m.groups }

// LeafGroups returns the directly resizable groups, in Groups order.
func (m *Model) LeafGroups() []*graph.Group {
	var out []*graph.Group
	for _, g := range m.groups {
		if g.IsLeaf() {
			out = append(out, g)
		}
	}
	return out
}

// Forward runs the module. In training mode, every leaf grid is
// regenerated first so resampled sizes and tuned positions take effect.
func (m *Model) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if m.module.IsTraining() {
		if err := m.regenerateGrids(); err != nil {
			return nil, err
		}
	}
	return m.module.Forward(input)
}

func (m *Model) Train() { m.module.Train() }
func (m *Model) Eval()  { m.module.Eval() }

// regenerateGrids refreshes every leaf grid, propagating size changes to
// buffers and parent groups. Distribution-backed grids redraw their point
// count; trainable grids bump their version so samples taken against
// optimizer-updated positions are not served from cache.
func (m *Model) regenerateGrids() error {
	for _, g := range m.groups {
		if !g.IsLeaf() || g.Grid == nil {
			continue
		}
		prev := g.Grid.Size()
		if err := g.Grid.Generate(); err != nil {
			return err
		}
		n := g.Grid.Size()
		if n != prev {
			g.Size = n
			for _, b := range g.Buffers {
				if err := b.Resample(n); err != nil {
					return fmt.Errorf("resampling buffer %s: %w", b.Name, err)
				}
			}
			if err := g.RefreshParents(); err != nil {
				return err
			}
		}
		g.Clear()
	}
	return nil
}

// Compression reports the fraction of discrete parameters eliminated by
// the continuous form: 1 means everything, 0 means nothing.
func (m *Model) Compression() (float64, error) {
	if m.originalSize == 0 {
		return 0, fmt.Errorf("model has no parameters")
	}

	current := 0
	seen := make(map[*tensor.Tensor]bool)
	for _, s := range nn.NamedParameters(m.module) {
		if s.Param.IsParametrized() {
			// Only the coefficient storage counts; trainable grid
			// positions are shared tuning state, not weights.
			if wp, ok := s.Param.Parametrization().(*parametrize.WeightParametrization); ok {
				v := wp.Interpolator().Values()
				if !seen[v] {
					seen[v] = true
					current += v.NumElems
				}
				continue
			}
			for _, t := range s.Param.Parametrization().Parameters() {
				if seen[t] {
					continue
				}
				seen[t] = true
				current += t.NumElems
			}
			continue
		}
		if stored := s.Param.Stored(); stored != nil {
			current += stored.NumElems
		}
	}
	return 1 - float64(current)/float64(m.originalSize), nil
}

// Resize changes the grid size of each leaf group; sizes align with
// LeafGroups. A negative size leaves that group unchanged.
func (m *Model) Resize(sizes []int) error {
	leaves := m.LeafGroups()
	if len(sizes) != len(leaves) {
		return fmt.Errorf("got %d sizes for %d resizable groups", len(sizes), len(leaves))
	}
	for i, g := range leaves {
		if sizes[i] < 0 || sizes[i] == g.GridSize() {
			continue
		}
		if err := g.Resize(sizes[i]); err != nil {
			return fmt.Errorf("resizing group %d: %w", i, err)
		}
		if err := g.Grid.Generate(); err != nil {
			return err
		}
	}
	m.Clear()
	return nil
}

// ResetGrid swaps the grid of one leaf group.
func (m *Model) ResetGrid(index int, g grid.Grid) error {
	leaves := m.LeafGroups()
	if index < 0 || index >= len(leaves) {
		return fmt.Errorf("group index %d out of range", index)
	}
	if g.Points() == nil {
		if err := g.Generate(); err != nil {
			return err
		}
	}
	return leaves[index].ResetGrid(g)
}

// ResetDistributions switches leaf groups to distribution-backed grids;
// entries align with LeafGroups and nil entries are skipped.
func (m *Model) ResetDistributions(dists []grid.Distribution) error {
	leaves := m.LeafGroups()
	if len(dists) != len(leaves) {
		return fmt.Errorf("got %d distributions for %d resizable groups", len(dists), len(leaves))
	}
	for i, d := range dists {
		if d == nil {
			continue
		}
		if err := leaves[i].ResetDistribution(d); err != nil {
			return fmt.Errorf("group %d: %w", i, err)
		}
	}
	return nil
}

// GridTuning swaps leaf group grids for trainable ones and returns the
// tensors to optimize: the grid positions, plus batchnorm parameters when
// trainBN is set and biases when trainBias is set. Parametrized biases
// are materialized at the current grid size and switched back to plain
// stored tensors before training. With useAllGrids every leaf group
// participates; otherwise only groups whose axis crosses a contraction,
// since pure interpolation axes gain little from tuned positions.
func (m *Model) GridTuning(trainBN, trainBias, useAllGrids bool) ([]*tensor.Tensor, error) {
	for _, s := range nn.NamedParameters(m.module) {
		if s.Param.IsParametrized() {
			for _, t := range s.Param.Parametrization().Parameters() {
				t.SetRequiresGrad(false)
			}
			continue
		}
		if stored := s.Param.Stored(); stored != nil {
			stored.SetRequiresGrad(false)
		}
	}

	var trainable []*tensor.Tensor
	for _, g := range m.LeafGroups() {
		if !useAllGrids && !g.Operations["contract"] {
			continue
		}
		tg, err := grid.NewTrainableGrid1d(g.GridSize())
		if err != nil {
			return nil, err
		}
		if err := tg.Generate(); err != nil {
			return nil, err
		}
		if err := g.ResetGrid(tg); err != nil {
			return nil, err
		}
		trainable = append(trainable, tg.Positions())
	}

	if trainBN || trainBias {
		seen := make(map[*tensor.Tensor]bool)
		for _, t := range trainable {
			seen[t] = true
		}
		for _, s := range nn.NamedParameters(m.module) {
			_, isBN := s.Module.(*nn.BatchNorm2d)
			isBias := s.Attr == "bias"
			if !(trainBN && isBN) && !(trainBias && isBias) {
				continue
			}
			// Biases train directly: the parametrization is materialized
			// into the stored tensor and dropped.
			if trainBias && isBias && s.Param.IsParametrized() {
				if err := s.Param.RemoveParametrization(true); err != nil {
					return nil, fmt.Errorf("removing bias parametrization of %s: %w", s.Name, err)
				}
				m.dropGroupRefs(s.Param)
			}
			if !s.Param.IsParametrized() {
				if stored := s.Param.Stored(); stored != nil {
					stored.SetRequiresGrad(true)
					if !seen[stored] {
						seen[stored] = true
						trainable = append(trainable, stored)
					}
				}
				continue
			}
			for _, t := range s.Param.Parametrization().Parameters() {
				t.SetRequiresGrad(true)
				if !seen[t] {
					seen[t] = true
					trainable = append(trainable, t)
				}
			}
		}
	}

	m.logger.Debug("grid tuning enabled", "tensors", len(trainable))
	return trainable, nil
}

// dropGroupRefs detaches a parameter from every group once its
// parametrization is removed, so grid changes no longer try to drive it.
func (m *Model) dropGroupRefs(p *nn.Parameter) {
	for _, g := range m.groups {
		kept := g.Params[:0]
		for _, ref := range g.Params {
			if ref.Param != p {
				kept = append(kept, ref)
			}
		}
		g.Params = kept
	}
}

// TransformToDiscrete materializes the current samples into a plain
// discrete copy of the module. The continuous model is left intact.
func (m *Model) TransformToDiscrete() (nn.Module, error) {
	for _, s := range nn.NamedParameters(m.module) {
		if !s.Param.IsParametrized() {
			continue
		}
		if _, err := s.Param.Resolve(); err != nil {
			return nil, fmt.Errorf("sampling %s: %w", s.Name, err)
		}
	}
	return m.module.Clone(), nil
}

// Clear drops every cached parameter sample. The next access resamples
// from the current grids.
func (m *Model) Clear() {
	for _, s := range nn.NamedParameters(m.module) {
		if s.Param.IsParametrized() {
			s.Param.Parametrization().Clear()
		}
	}
}

// OriginalSize reports the discrete parameter count at conversion time.
func (m *Model) OriginalSize() int { return m.originalSize }
