package graph

import (
	"fmt"
	"sort"

	"github.com/integral-nn/go-integral/nn"
)

// ValueMeta is the symbolic value flowing through the trace: a shape plus,
// per dimension, the group owning that axis (nil for discrete axes).
type ValueMeta struct {
	Shape []int
	Dims  []*Group
}

func NewValueMeta(shape []int) *ValueMeta {
	return &ValueMeta{
		Shape: append([]int(nil), shape...),
		Dims:  make([]*Group, len(shape)),
	}
}

func (v *ValueMeta) clone() *ValueMeta {
	out := NewValueMeta(v.Shape)
	copy(out.Dims, v.Dims)
	return out
}

// TraceRule propagates a ValueMeta through one module. Custom rules are
// registered by type name or pinned to a specific module path.
type TraceRule func(tr *Tracer, path string, m nn.Module, in *ValueMeta) (*ValueMeta, error)

// UnsupportedModuleError reports a module the tracer has no rule for.
type UnsupportedModuleError struct {
	Path string
	Type string
}

func (e *UnsupportedModuleError) Error() string {
	return fmt.Sprintf("no trace rule for module %q of type %s; register a custom rule or mark its parameters discrete", e.Path, e.Type)
}

// Tracer walks a model symbolically and partitions its parameter
// dimensions into groups.
type Tracer struct {
	model nn.Module

	// ContinuousDims maps dotted parameter names to the dimensions the
	// caller wants continuous. The tracer corrects the map in place:
	// dimensions tied to an axis below MinContinuousSize are removed, and
	// dimensions forced continuous by a connected axis are added.
	ContinuousDims map[string][]int
	DiscreteDims   map[string][]int

	// MinContinuousSize is the smallest axis length worth parametrizing.
	// Shorter axes (an RGB input, say) stay discrete.
	MinContinuousSize int

	typeRules map[string]TraceRule
	pathRules map[string]TraceRule

	groups      []*Group
	paramGroups map[string]map[int]*Group
	params      map[string]*nn.Parameter
}

func NewTracer(model nn.Module, continuousDims, discreteDims map[string][]int) *Tracer {
	cont := make(map[string][]int, len(continuousDims))
	for name, dims := range continuousDims {
		cont[name] = append([]int(nil), dims...)
	}
	disc := make(map[string][]int, len(discreteDims))
	for name, dims := range discreteDims {
		disc[name] = append([]int(nil), dims...)
	}
	return &Tracer{
		model:             model,
		ContinuousDims:    cont,
		DiscreteDims:      disc,
		MinContinuousSize: 4,
		typeRules:         make(map[string]TraceRule),
		pathRules:         make(map[string]TraceRule),
		paramGroups:       make(map[string]map[int]*Group),
		params:            make(map[string]*nn.Parameter),
	}
}

// RegisterRule installs a trace rule for every module whose type name
// matches (see nn.TypeName).
func (tr *Tracer) RegisterRule(typeName string, rule TraceRule) {
	tr.typeRules[typeName] = rule
}

// RegisterPathRule pins a trace rule to one module path, overriding the
// type rule.
func (tr *Tracer) RegisterPathRule(path string, rule TraceRule) {
	tr.pathRules[path] = rule
}

// BuildGroups traces the model with a symbolic input of the given shape
// and returns the dependency groups in discovery order, merged groups
// collapsed.
func (tr *Tracer) BuildGroups(inputShape []int) ([]*Group, error) {
	if err := tr.validateDims(); err != nil {
		return nil, err
	}

	out, err := tr.Trace("", tr.model, NewValueMeta(inputShape))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("trace produced no output value")
	}

	seen := make(map[*Group]bool)
	var roots []*Group
	for _, g := range tr.groups {
		r := g.Root()
		if !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	return roots, nil
}

// Trace dispatches one module to its rule. Path rules win over type
// rules, which win over the built-ins.
func (tr *Tracer) Trace(path string, m nn.Module, in *ValueMeta) (*ValueMeta, error) {
	if rule, ok := tr.pathRules[path]; ok {
		return rule(tr, path, m, in)
	}
	if rule, ok := tr.typeRules[nn.TypeName(m)]; ok {
		return rule(tr, path, m, in)
	}
	return tr.traceBuiltin(path, m, in)
}

// ParamGroups returns the group for every continuous (parameter,
// dimension) pair, dims sorted ascending per parameter.
func (tr *Tracer) ParamGroups() map[string]map[int]*Group {
	out := make(map[string]map[int]*Group, len(tr.paramGroups))
	for name, byDim := range tr.paramGroups {
		m := make(map[int]*Group, len(byDim))
		for dim, g := range byDim {
			m[dim] = g.Root()
		}
		out[name] = m
	}
	return out
}

// Parameter returns the slot recorded for a dotted name during tracing.
func (tr *Tracer) Parameter(name string) *nn.Parameter {
	return tr.params[name]
}

// ContinuousDimsOf returns the corrected continuous dims of one
// parameter, sorted ascending.
func (tr *Tracer) ContinuousDimsOf(name string) []int {
	dims := append([]int(nil), tr.ContinuousDims[name]...)
	sort.Ints(dims)
	return dims
}

func (tr *Tracer) validateDims() error {
	slots := nn.NamedParameters(tr.model)
	byName := make(map[string]*nn.Parameter, len(slots))
	for _, s := range slots {
		byName[s.Name] = s.Param
	}

	check := func(kind string, m map[string][]int) error {
		for name, dims := range m {
			p, ok := byName[name]
			if !ok {
				return fmt.Errorf("%s dims reference unknown parameter %q", kind, name)
			}
			stored := p.Stored()
			if stored == nil {
				return fmt.Errorf("parameter %q is already parametrized", name)
			}
			for _, d := range dims {
				if d < 0 || d >= len(stored.Shape) {
					return fmt.Errorf("%s dim %d out of range for parameter %q with %d dims", kind, d, name, len(stored.Shape))
				}
			}
		}
		return nil
	}
	if err := check("continuous", tr.ContinuousDims); err != nil {
		return err
	}
	if err := check("discrete", tr.DiscreteDims); err != nil {
		return err
	}

	for name, dims := range tr.DiscreteDims {
		for _, d := range dims {
			if containsInt(tr.ContinuousDims[name], d) {
				return fmt.Errorf("dim %d of parameter %q is both continuous and discrete", d, name)
			}
		}
	}
	return nil
}

// isDeclaredContinuous reports whether (name, dim) should be continuous,
// honoring explicit discrete pins and the size threshold. When a declared
// dim fails the size check the corrected map drops it.
func (tr *Tracer) isDeclaredContinuous(name string, dim, size int) bool {
	if containsInt(tr.DiscreteDims[name], dim) {
		return false
	}
	if !containsInt(tr.ContinuousDims[name], dim) {
		return false
	}
	if size < tr.MinContinuousSize {
		tr.removeContinuous(name, dim)
		return false
	}
	return true
}

// forceContinuous marks a dim continuous because a connected axis already
// is, updating the corrected map.
func (tr *Tracer) forceContinuous(name string, dim int) {
	if !containsInt(tr.ContinuousDims[name], dim) {
		tr.ContinuousDims[name] = append(tr.ContinuousDims[name], dim)
	}
}

func (tr *Tracer) removeContinuous(name string, dim int) {
	dims := tr.ContinuousDims[name]
	out := dims[:0]
	for _, d := range dims {
		if d != dim {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		delete(tr.ContinuousDims, name)
	} else {
		tr.ContinuousDims[name] = out
	}
}

// bindParam creates (or reuses) the group owning one parameter dimension
// and records the reference.
func (tr *Tracer) bindParam(name string, p *nn.Parameter, dim, size int) *Group {
	tr.params[name] = p
	if byDim, ok := tr.paramGroups[name]; ok {
		if g, ok := byDim[dim]; ok {
			return g.Root()
		}
	}

	g := NewGroup(size)
	g.AppendParam(name, p, dim, 0)
	tr.groups = append(tr.groups, g)
	if tr.paramGroups[name] == nil {
		tr.paramGroups[name] = make(map[int]*Group)
	}
	tr.paramGroups[name][dim] = g
	return g
}

// joinParam attaches a parameter dimension to an existing group.
func (tr *Tracer) joinParam(g *Group, name string, p *nn.Parameter, dim int) {
	tr.params[name] = p
	root := g.Root()
	if root.FindParam(name, dim) == nil {
		root.AppendParam(name, p, dim, 0)
	}
	if tr.paramGroups[name] == nil {
		tr.paramGroups[name] = make(map[int]*Group)
	}
	tr.paramGroups[name][dim] = root
}

// unify merges two axis groups. Either side may be nil (a discrete axis),
// in which case the other wins.
func (tr *Tracer) unify(a, b *Group) (*Group, error) {
	if a == nil {
		if b == nil {
			return nil, nil
		}
		return b.Root(), nil
	}
	if b == nil {
		return a.Root(), nil
	}
	ra, rb := a.Root(), b.Root()
	if ra == rb {
		return ra, nil
	}
	if ra.Size != rb.Size {
		return nil, fmt.Errorf("cannot merge axes of sizes %d and %d", ra.Size, rb.Size)
	}

	ra.Params = append(ra.Params, rb.Params...)
	ra.Tensors = append(ra.Tensors, rb.Tensors...)
	ra.Parents = append(ra.Parents, rb.Parents...)
	ra.ParentOffsets = append(ra.ParentOffsets, rb.ParentOffsets...)
	ra.Subgroups = append(ra.Subgroups, rb.Subgroups...)
	ra.Buffers = append(ra.Buffers, rb.Buffers...)
	for op := range rb.Operations {
		ra.Operations[op] = true
	}
	rb.merged = ra
	return ra, nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
