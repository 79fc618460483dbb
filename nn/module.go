package nn

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"

	"github.com/integral-nn/go-integral/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Parametrization derives a parameter tensor from trainable state instead of
// storing it directly.
type Parametrization interface {
	Sample() (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Clear()
}

// Parameter is a module parameter slot. It holds either a stored tensor or a
// parametrization the tensor is derived from; all reads go through Resolve.
type Parameter struct {
	stored  *tensor.Tensor
	derived Parametrization
}

func NewParameter(t *tensor.Tensor) *Parameter {
	return &Parameter{stored: t}
}

// Resolve returns the effective tensor for this slot.
func (p *Parameter) Resolve() (*tensor.Tensor, error) {
	if p.derived != nil {
		return p.derived.Sample()
	}
	if p.stored == nil {
		return nil, fmt.Errorf("parameter slot is empty")
	}
	return p.stored, nil
}

func (p *Parameter) Stored() *tensor.Tensor {
	return p.stored
}

func (p *Parameter) SetStored(t *tensor.Tensor) {
	p.stored = t
}

func (p *Parameter) IsParametrized() bool {
	return p.derived != nil
}

func (p *Parameter) Parametrization() Parametrization {
	return p.derived
}

// SetParametrization switches the slot to derived state. The previously
// stored tensor is released; callers that need it as a fitting target must
// capture it beforehand.
func (p *Parameter) SetParametrization(f Parametrization) {
	p.derived = f
	p.stored = nil
}

// RemoveParametrization switches the slot back to stored state. When
// materialize is true the current sample becomes the stored tensor.
func (p *Parameter) RemoveParametrization(materialize bool) error {
	if p.derived == nil {
		return nil
	}
	if materialize {
		sampled, err := p.derived.Sample()
		if err != nil {
			return fmt.Errorf("failed to materialize parametrized slot: %w", err)
		}
		clone, err := sampled.Detach().Clone()
		if err != nil {
			return err
		}
		p.stored = clone
	}
	p.derived = nil
	return nil
}

// Slot pairs a parameter attribute name ("weight", "bias") with its slot.
type Slot struct {
	Name  string
	Param *Parameter
}

// Buffer pairs a non-learnable tensor attribute with its name.
type Buffer struct {
	Name   string
	Tensor *tensor.Tensor
	Set    func(*tensor.Tensor)
}

// NamedModule pairs a child module with its name inside the parent.
type NamedModule struct {
	Name   string
	Module Module
}

// Module is the interface all layers implement.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	ParameterSlots() []Slot
	Children() []NamedModule
	Train()
	Eval()
	IsTraining() bool
	Clone() Module
}

// BufferOwner is implemented by modules carrying non-learnable state.
type BufferOwner interface {
	Buffers() []Buffer
}

// TypeName returns the concrete type name of a module, e.g. "Conv2d".
// Custom trace rules and build functions are keyed by it.
func TypeName(m Module) string {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// NamedSlot is a parameter slot with its fully qualified dotted name.
type NamedSlot struct {
	Name   string
	Module Module
	Attr   string
	Param  *Parameter
}

// NamedParameters walks the module tree and returns every parameter slot
// with its dotted path, in traversal order.
func NamedParameters(root Module) []NamedSlot {
	var out []NamedSlot
	var walk func(prefix string, m Module)
	walk = func(prefix string, m Module) {
		for _, s := range m.ParameterSlots() {
			out = append(out, NamedSlot{
				Name:   joinPath(prefix, s.Name),
				Module: m,
				Attr:   s.Name,
				Param:  s.Param,
			})
		}
		for _, c := range m.Children() {
			walk(joinPath(prefix, c.Name), c.Module)
		}
	}
	walk("", root)
	return out
}

// NamedBuffer is a buffer with its fully qualified dotted name.
type NamedBuffer struct {
	Name   string
	Buffer Buffer
}

// NamedBuffers walks the module tree and returns every buffer with its
// dotted path.
func NamedBuffers(root Module) []NamedBuffer {
	var out []NamedBuffer
	var walk func(prefix string, m Module)
	walk = func(prefix string, m Module) {
		if bo, ok := m.(BufferOwner); ok {
			for _, b := range bo.Buffers() {
				out = append(out, NamedBuffer{Name: joinPath(prefix, b.Name), Buffer: b})
			}
		}
		for _, c := range m.Children() {
			walk(joinPath(prefix, c.Name), c.Module)
		}
	}
	walk("", root)
	return out
}

// FindModule resolves a dotted module path relative to root. The empty path
// returns root itself.
func FindModule(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	current := root
	for _, part := range strings.Split(path, ".") {
		found := false
		for _, c := range current.Children() {
			if c.Name == part {
				current = c.Module
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("module path %q not found: no child %q in %s", path, part, TypeName(current))
		}
	}
	return current, nil
}

// SplitParamName splits a dotted parameter name into its module path and
// attribute name.
func SplitParamName(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

// FindParameter resolves a dotted parameter name to its slot and owning
// module.
func FindParameter(root Module, name string) (*Parameter, Module, string, error) {
	path, attr := SplitParamName(name)
	m, err := FindModule(root, path)
	if err != nil {
		return nil, nil, "", err
	}
	for _, s := range m.ParameterSlots() {
		if s.Name == attr {
			return s.Param, m, attr, nil
		}
	}
	return nil, nil, "", fmt.Errorf("parameter %q not found: module %s has no attribute %q", name, TypeName(m), attr)
}
