// Package permutation reorders the slices of a continuous axis to make
// the underlying weights smoother before they are parametrized. Smoother
// axes interpolate with less error at reduced grid sizes.
package permutation

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/integral-nn/go-integral/graph"
	"github.com/integral-nn/go-integral/tensor"
)

// Rearranger permutes the axes of dependency groups in place.
type Rearranger interface {
	Permute(groups []*graph.Group) error
}

// target is one tensor slice a group permutation must be applied to:
// indices [Start, Start+size) along Dim of the stored tensor.
type target struct {
	name  string
	param *tensor.Tensor
	set   func(*tensor.Tensor)
	dim   int
	start int
}

// TotalVariation searches for an axis ordering that lowers the summed
// absolute difference between neighboring slices, by random pairwise
// swaps that are kept only when they help.
type TotalVariation struct {
	// Iters is the number of candidate swaps tried per group.
	Iters int

	// OptOut lists parameter names whose groups are left untouched.
	OptOut map[string]bool

	rng *rand.Rand
}

func NewTotalVariation(iters int, seed int64) *TotalVariation {
	if iters < 1 {
		iters = 100
	}
	return &TotalVariation{
		Iters:  iters,
		OptOut: make(map[string]bool),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Permute reorders every leaf group's axis. Parent groups follow their
// subgroups, so only leaves are processed directly.
func (tv *TotalVariation) Permute(groups []*graph.Group) error {
	for _, g := range groups {
		root := g.Root()
		if !root.IsLeaf() || tv.skip(root) {
			continue
		}
		if err := tv.permuteGroup(root); err != nil {
			return err
		}
	}
	return nil
}

func (tv *TotalVariation) skip(g *graph.Group) bool {
	for _, p := range g.Params {
		if tv.OptOut[p.Name] {
			return true
		}
	}
	return false
}

func (tv *TotalVariation) permuteGroup(g *graph.Group) error {
	n := g.Size
	if n < 3 {
		return nil
	}

	targets, err := collectTargets(g)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	rows, err := buildRows(targets, n)
	if err != nil {
		return err
	}

	perm := tv.search(rows, n)
	if isIdentity(perm) {
		return nil
	}
	return applyPermutation(g, targets, perm)
}

// collectTargets gathers the group's own parameter slices plus the slices
// of every ancestor group's parameters that cover this segment of the
// concatenated axis.
func collectTargets(g *graph.Group) ([]target, error) {
	var out []target

	for _, p := range g.Params {
		stored := p.Param.Stored()
		if stored == nil {
			return nil, fmt.Errorf("parameter %s is already parametrized; permute before conversion", p.Name)
		}
		ref := p
		out = append(out, target{
			name:  p.Name,
			param: stored,
			set:   func(t *tensor.Tensor) { ref.Param.SetStored(t) },
			dim:   p.Dim,
			start: p.StartIndex,
		})
	}

	var ancestors func(g *graph.Group, offset int) error
	ancestors = func(g *graph.Group, offset int) error {
		for i, parent := range g.Parents {
			root := parent.Root()
			base := offset + g.ParentOffsets[i]
			for _, p := range root.Params {
				stored := p.Param.Stored()
				if stored == nil {
					return fmt.Errorf("parameter %s is already parametrized; permute before conversion", p.Name)
				}
				ref := p
				out = append(out, target{
					name:  p.Name,
					param: stored,
					set:   func(t *tensor.Tensor) { ref.Param.SetStored(t) },
					dim:   p.Dim,
					start: p.StartIndex + base,
				})
			}
			if err := ancestors(root, base); err != nil {
				return err
			}
		}
		return nil
	}
	if err := ancestors(g, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// buildRows flattens, for each axis index, the concatenation of every
// target's slice at that index. Row distance then measures how different
// two axis positions are.
func buildRows(targets []target, n int) ([][]float32, error) {
	rows := make([][]float32, n)
	for k := 0; k < n; k++ {
		var row []float32
		for _, t := range targets {
			slice, err := tensor.IndexSelect(t.param, t.dim, []int{t.start + k})
			if err != nil {
				return nil, err
			}
			vals, err := slice.Float32s()
			if err != nil {
				return nil, err
			}
			row = append(row, vals...)
		}
		rows[k] = row
	}
	return rows, nil
}

func rowDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i] - b[i]))
	}
	return sum
}

// search runs the accept-on-improvement swap loop and returns the final
// ordering.
func (tv *TotalVariation) search(rows [][]float32, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	dist := func(i, j int) float64 {
		return rowDistance(rows[perm[i]], rows[perm[j]])
	}

	variation := 0.0
	for k := 0; k+1 < n; k++ {
		variation += dist(k, k+1)
	}

	for iter := 0; iter < tv.Iters; iter++ {
		i := tv.rng.Intn(n)
		j := tv.rng.Intn(n)
		if i == j {
			continue
		}
		if i > j {
			i, j = j, i
		}

		before := 0.0
		after := 0.0
		for _, k := range neighborEdges(i, j, n) {
			before += dist(k[0], k[1])
		}
		perm[i], perm[j] = perm[j], perm[i]
		for _, k := range neighborEdges(i, j, n) {
			after += dist(k[0], k[1])
		}

		if after < before {
			variation += after - before
		} else {
			perm[i], perm[j] = perm[j], perm[i]
		}
	}
	return perm
}

// neighborEdges lists the adjacent pairs whose distance changes when
// positions i < j swap.
func neighborEdges(i, j, n int) [][2]int {
	var edges [][2]int
	add := func(a, b int) {
		if a >= 0 && b < n && a < b {
			edges = append(edges, [2]int{a, b})
		}
	}
	add(i-1, i)
	add(i, i+1)
	if j > i+1 {
		add(j-1, j)
	}
	add(j, j+1)
	return edges
}

func isIdentity(perm []int) bool {
	for i, p := range perm {
		if i != p {
			return false
		}
	}
	return true
}

// applyPermutation rebuilds every target tensor with the axis segment
// reordered, leaving indices outside the segment in place, then reorders
// any buffers riding on the axis.
func applyPermutation(g *graph.Group, targets []target, perm []int) error {
	n := len(perm)
	for _, t := range targets {
		size := t.param.Shape[t.dim]
		indices := make([]int, size)
		for i := range indices {
			indices[i] = i
		}
		for k, p := range perm {
			indices[t.start+k] = t.start + p
		}
		reordered, err := tensor.IndexSelect(t.param, t.dim, indices)
		if err != nil {
			return fmt.Errorf("permuting %s: %w", t.name, err)
		}
		t.set(reordered)
	}

	for _, b := range g.Buffers {
		if b.Owner == nil {
			continue
		}
		for _, buf := range b.Owner.Buffers() {
			if buf.Tensor == nil || buf.Set == nil || buf.Tensor.Shape[0] != n {
				continue
			}
			reordered, err := tensor.IndexSelect(buf.Tensor, 0, perm)
			if err != nil {
				return fmt.Errorf("permuting buffer %s: %w", b.Name, err)
			}
			buf.Set(reordered)
		}
	}
	return nil
}
