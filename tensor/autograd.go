package tensor

import (
	"fmt"
)

// ApplyOp runs an operation and records it as the creator of the result so
// gradients can flow back through it.
func ApplyOp(op Operation, inputs ...*Tensor) (*Tensor, error) {
	result, err := op.Forward(inputs...)
	if err != nil {
		return nil, err
	}

	result.creator = op
	for _, in := range inputs {
		if in.requiresGrad || in.creator != nil {
			result.requiresGrad = true
			break
		}
	}

	return result, nil
}

// Backward computes gradients of t with respect to every tensor in its
// creator graph that requires them. t must be a scalar unless an explicit
// output gradient was already set.
func (t *Tensor) Backward() error {
	if t.grad == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("backward on non-scalar tensor of shape %v requires an explicit gradient", t.Shape)
		}
		seed, err := Ones(t.Shape, t.DType)
		if err != nil {
			return err
		}
		t.grad = seed
	}

	order, err := topologicalOrder(t)
	if err != nil {
		return err
	}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}

		grads, err := node.creator.Backward(node.grad)
		if err != nil {
			return fmt.Errorf("backward failed for %s: %w", node, err)
		}

		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}

		for j, in := range inputs {
			if grads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := in.accumulateGrad(grads[j]); err != nil {
				return err
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if !shapesEqual(t.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}

	sum, err := Add(t.grad, g)
	if err != nil {
		return err
	}
	t.grad = sum
	return nil
}

func topologicalOrder(t *Tensor) ([]*Tensor, error) {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(t)

	return order, nil
}

// SubOp implements elementwise subtraction with gradient support.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Sub(inputs[0], inputs[1])
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := Scale(gradOut, -1)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

// MulOp implements elementwise multiplication with gradient support.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Mul(inputs[0], inputs[1])
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := Mul(gradOut, op.inputs[1])
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, op.inputs[0])
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

// AxisMulOp multiplies a tensor by a fixed weight vector broadcast along a
// single dimension. The weights are treated as constants: only the tensor
// input receives a gradient.
type AxisMulOp struct {
	Weights []float32
	Dim     int

	inputs []*Tensor
}

func (op *AxisMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("AxisMulOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return op.apply(inputs[0])
}

func (op *AxisMulOp) apply(t *Tensor) (*Tensor, error) {
	if op.Dim < 0 || op.Dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", op.Dim, len(t.Shape))
	}
	if len(op.Weights) != t.Shape[op.Dim] {
		return nil, fmt.Errorf("weight count %d does not match dimension size %d", len(op.Weights), t.Shape[op.Dim])
	}

	result, err := t.Clone()
	if err != nil {
		return nil, err
	}

	data := result.Data.([]float32)
	outer := 1
	for i := 0; i < op.Dim; i++ {
		outer *= t.Shape[i]
	}
	inner := t.Strides[op.Dim]
	block := t.Shape[op.Dim] * inner

	for o := 0; o < outer; o++ {
		for k, w := range op.Weights {
			seg := data[o*block+k*inner : o*block+(k+1)*inner]
			for i := range seg {
				seg[i] *= w
			}
		}
	}

	return result, nil
}

func (op *AxisMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := op.apply(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *AxisMulOp) Inputs() []*Tensor { return op.inputs }

// MSEOp computes the mean squared error between two tensors as a scalar.
type MSEOp struct {
	inputs []*Tensor
}

func (op *MSEOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MSEOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	a, err := inputs[0].Float32s()
	if err != nil {
		return nil, err
	}
	b, err := inputs[1].Float32s()
	if err != nil {
		return nil, err
	}
	if _, err := checkShapesCompatible(inputs[0].Shape, inputs[1].Shape); err != nil {
		return nil, err
	}

	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}

	return NewTensor([]int{1}, Float32, []float32{float32(sum / float64(len(a)))})
}

func (op *MSEOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Float32s()
	if err != nil {
		return nil, err
	}
	a := op.inputs[0].Data.([]float32)
	b := op.inputs[1].Data.([]float32)

	scale := 2 * g[0] / float32(len(a))
	gradAData := make([]float32, len(a))
	gradBData := make([]float32, len(a))
	for i := range a {
		d := scale * (a[i] - b[i])
		gradAData[i] = d
		gradBData[i] = -d
	}

	gradA, err := NewTensor(op.inputs[0].Shape, Float32, gradAData)
	if err != nil {
		return nil, err
	}
	gradB, err := NewTensor(op.inputs[1].Shape, Float32, gradBData)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *MSEOp) Inputs() []*Tensor { return op.inputs }

// SubAutograd subtracts with gradient tracking.
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return ApplyOp(&SubOp{}, a, b)
}

// MulAutograd multiplies elementwise with gradient tracking.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return ApplyOp(&MulOp{}, a, b)
}

// MSE computes mean squared error with gradient tracking.
func MSE(a, b *Tensor) (*Tensor, error) {
	return ApplyOp(&MSEOp{}, a, b)
}
