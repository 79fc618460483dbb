package tensor

import (
	"fmt"
)

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}

	return shape1, nil
}

func binaryOp(t1, t2 *Tensor, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if t1.DType != t2.DType {
		return nil, fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = f32(data1[i], data2[i])
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

// Scale multiplies every element by a scalar, returning a new tensor.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale requires Float32 tensor, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := range data {
		resultData[i] = data[i] * s
	}

	return result, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		copy(result.Data.([]float32), t.Data.([]float32))
	case Int32:
		copy(result.Data.([]int32), t.Data.([]int32))
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return result, nil
}

func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}

	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}

	return &Tensor{
		Shape:        append([]int(nil), newShape...),
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
		creator:      t.creator,
	}, nil
}

func (t *Tensor) Float32s() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is not Float32, got %s", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
	}

	data, err := t.Float32s()
	if err != nil {
		return 0, err
	}
	return data[coordsToIndex(indices, t.Strides)], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	if len(indices) != len(t.Shape) {
		return fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	data, err := t.Float32s()
	if err != nil {
		return err
	}
	data[coordsToIndex(indices, t.Strides)] = value
	return nil
}

// IndexSelect gathers slices of t along dim in the order given by indices.
// The result is a new tensor; t is left untouched.
func IndexSelect(t *Tensor, dim int, indices []int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}
	for _, idx := range indices {
		if idx < 0 || idx >= t.Shape[dim] {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, dim, t.Shape[dim])
		}
	}

	outputShape := append([]int(nil), t.Shape...)
	outputShape[dim] = len(indices)

	result, err := Zeros(outputShape, t.DType)
	if err != nil {
		return nil, err
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("IndexSelect requires Float32 tensor, got %s", t.DType)
	}

	// Iterate over (outer, selected, inner) blocks. outer covers dims before
	// dim, inner covers contiguous elements after it.
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := t.Strides[dim]

	srcData := t.Data.([]float32)
	dstData := result.Data.([]float32)
	srcBlock := t.Shape[dim] * inner
	dstBlock := len(indices) * inner

	for o := 0; o < outer; o++ {
		for k, idx := range indices {
			src := srcData[o*srcBlock+idx*inner : o*srcBlock+(idx+1)*inner]
			dst := dstData[o*dstBlock+k*inner : o*dstBlock+(k+1)*inner]
			copy(dst, src)
		}
	}

	return result, nil
}

// Narrow returns a copy of the slice [start, start+length) of t along dim.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length < 1 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("narrow range [%d, %d) invalid for dimension of size %d", start, start+length, t.Shape[dim])
	}

	indices := make([]int, length)
	for i := range indices {
		indices[i] = start + i
	}
	return IndexSelect(t, dim, indices)
}

// Cat concatenates tensors along dim. All other dimensions must match.
func Cat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero tensors")
	}

	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(first.Shape))
	}

	total := 0
	for _, t := range tensors {
		if t.DType != Float32 {
			return nil, fmt.Errorf("Cat requires Float32 tensors, got %s", t.DType)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensors must have same number of dimensions: %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("tensor shapes differ outside concat dimension: %v vs %v", first.Shape, t.Shape)
			}
		}
		total += t.Shape[dim]
	}

	outputShape := append([]int(nil), first.Shape...)
	outputShape[dim] = total

	result, err := Zeros(outputShape, Float32)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= first.Shape[i]
	}
	inner := first.Strides[dim]

	dstData := result.Data.([]float32)
	dstBlock := total * inner

	offset := 0
	for _, t := range tensors {
		srcData := t.Data.([]float32)
		srcBlock := t.Shape[dim] * inner
		for o := 0; o < outer; o++ {
			copy(dstData[o*dstBlock+offset*inner:o*dstBlock+offset*inner+srcBlock], srcData[o*srcBlock:(o+1)*srcBlock])
		}
		offset += t.Shape[dim]
	}

	return result, nil
}

// Sum reduces all elements to a single scalar tensor of shape [1].
func Sum(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	var sum float32
	for _, v := range data {
		sum += v
	}
	return NewTensor([]int{1}, Float32, []float32{sum})
}
