package nn

import (
	"fmt"
	"strconv"

	"github.com/integral-nn/go-integral/tensor"
)

// Sequential chains child modules in insertion order.
type Sequential struct {
	children []NamedModule
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{training: true}
	for _, m := range modules {
		s.Add(strconv.Itoa(len(s.children)), m)
	}
	return s
}

// Add appends a named child and returns the container for chaining.
func (s *Sequential) Add(name string, m Module) *Sequential {
	s.children = append(s.children, NamedModule{Name: name, Module: m})
	return s
}

// Replace swaps the named child for another module.
func (s *Sequential) Replace(name string, m Module) error {
	for i := range s.children {
		if s.children[i].Name == name {
			s.children[i].Module = m
			return nil
		}
	}
	return fmt.Errorf("no child named %q", name)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for _, c := range s.children {
		out, err := c.Module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		current = out
	}
	return current, nil
}

func (s *Sequential) ParameterSlots() []Slot  { return nil }
func (s *Sequential) Children() []NamedModule { return s.children }

func (s *Sequential) Train() {
	s.training = true
	for _, c := range s.children {
		c.Module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, c := range s.children {
		c.Module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

func (s *Sequential) Clone() Module {
	clone := &Sequential{training: s.training}
	for _, c := range s.children {
		clone.children = append(clone.children, NamedModule{Name: c.Name, Module: c.Module.Clone()})
	}
	return clone
}

// Residual computes x + body(x). The body output shape must match the input.
type Residual struct {
	Body Module

	training bool
}

func NewResidual(body Module) *Residual {
	return &Residual{Body: body, training: true}
}

func (r *Residual) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.Body.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("residual body: %w", err)
	}
	return tensor.Add(input, out)
}

func (r *Residual) ParameterSlots() []Slot { return nil }

func (r *Residual) Children() []NamedModule {
	return []NamedModule{{Name: "body", Module: r.Body}}
}

func (r *Residual) Train()           { r.training = true; r.Body.Train() }
func (r *Residual) Eval()            { r.training = false; r.Body.Eval() }
func (r *Residual) IsTraining() bool { return r.training }

func (r *Residual) Clone() Module {
	return &Residual{Body: r.Body.Clone(), training: r.training}
}

// Concat runs every branch on the same input and concatenates the outputs
// along the channel dimension.
type Concat struct {
	branches []NamedModule
	Dim      int

	training bool
}

func NewConcat(dim int, branches ...Module) *Concat {
	c := &Concat{Dim: dim, training: true}
	for _, m := range branches {
		c.branches = append(c.branches, NamedModule{Name: strconv.Itoa(len(c.branches)), Module: m})
	}
	return c
}

func (c *Concat) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	outputs := make([]*tensor.Tensor, 0, len(c.branches))
	for _, b := range c.branches {
		out, err := b.Module.Forward(input)
		if err != nil {
			return nil, fmt.Errorf("concat branch %s: %w", b.Name, err)
		}
		outputs = append(outputs, out)
	}
	return tensor.Cat(outputs, c.Dim)
}

func (c *Concat) ParameterSlots() []Slot  { return nil }
func (c *Concat) Children() []NamedModule { return c.branches }

func (c *Concat) Train() {
	c.training = true
	for _, b := range c.branches {
		b.Module.Train()
	}
}

func (c *Concat) Eval() {
	c.training = false
	for _, b := range c.branches {
		b.Module.Eval()
	}
}

func (c *Concat) IsTraining() bool { return c.training }

func (c *Concat) Clone() Module {
	clone := &Concat{Dim: c.Dim, training: c.training}
	for _, b := range c.branches {
		clone.branches = append(clone.branches, NamedModule{Name: b.Name, Module: b.Module.Clone()})
	}
	return clone
}
