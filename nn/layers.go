package nn

import (
	"fmt"
	"math"

	"github.com/integral-nn/go-integral/tensor"
)

func kaimingUniform(shape []int, fanIn int) (*tensor.Tensor, error) {
	bound := float32(math.Sqrt(1.0 / float64(fanIn)))
	data := make([]float32, numElements(shape))
	for i := range data {
		data[i] = (globalRng.Float32()*2 - 1) * bound
	}
	return tensor.NewTensor(shape, tensor.Float32, data)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneParameter(p *Parameter) *Parameter {
	if p == nil {
		return nil
	}
	if p.IsParametrized() {
		// Materialize the current sample; the clone is a plain discrete slot.
		sampled, err := p.Parametrization().Sample()
		if err == nil {
			if c, cerr := sampled.Detach().Clone(); cerr == nil {
				return NewParameter(c)
			}
		}
		return NewParameter(nil)
	}
	if p.stored == nil {
		return NewParameter(nil)
	}
	c, err := p.stored.Clone()
	if err != nil {
		return NewParameter(nil)
	}
	return NewParameter(c)
}

// Conv2d applies a 2D convolution over [batch, channels, height, width]
// input. Weight layout is [outChannels, inChannels, kernel, kernel].
type Conv2d struct {
	Weight *Parameter
	Bias   *Parameter

	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	training bool
}

func NewConv2d(inChannels, outChannels, kernelSize, stride, padding int, bias bool) (*Conv2d, error) {
	if inChannels < 1 || outChannels < 1 || kernelSize < 1 {
		return nil, fmt.Errorf("invalid conv2d configuration: in=%d out=%d kernel=%d", inChannels, outChannels, kernelSize)
	}
	if stride < 1 {
		stride = 1
	}

	weight, err := kaimingUniform(
		[]int{outChannels, inChannels, kernelSize, kernelSize},
		inChannels*kernelSize*kernelSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv2d weight: %w", err)
	}

	c := &Conv2d{
		Weight:      NewParameter(weight),
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		training:    true,
	}

	if bias {
		b, err := tensor.Zeros([]int{outChannels}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		c.Bias = NewParameter(b)
	}

	return c, nil
}

func (c *Conv2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}

	weight, err := c.Weight.Resolve()
	if err != nil {
		return nil, fmt.Errorf("conv2d weight: %w", err)
	}

	var bias *tensor.Tensor
	if c.Bias != nil {
		bias, err = c.Bias.Resolve()
		if err != nil {
			return nil, fmt.Errorf("conv2d bias: %w", err)
		}
	}

	outC := weight.Shape[0]
	inC := weight.Shape[1]
	k := weight.Shape[2]

	if input.Shape[1] != inC {
		return nil, fmt.Errorf("conv2d input channel mismatch: expected %d, got %d", inC, input.Shape[1])
	}

	batch := input.Shape[0]
	inH, inW := input.Shape[2], input.Shape[3]
	outH := (inH+2*c.Padding-k)/c.Stride + 1
	outW := (inW+2*c.Padding-k)/c.Stride + 1
	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("conv2d output would be empty for input %v", input.Shape)
	}

	output, err := tensor.Zeros([]int{batch, outC, outH, outW}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	out := output.Data.([]float32)

	var b []float32
	if bias != nil {
		b = bias.Data.([]float32)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var acc float32
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < k; ky++ {
							iy := oy*c.Stride - c.Padding + ky
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*c.Stride - c.Padding + kx
								if ix < 0 || ix >= inW {
									continue
								}
								acc += in[((n*inC+ic)*inH+iy)*inW+ix] * w[((oc*inC+ic)*k+ky)*k+kx]
							}
						}
					}
					if b != nil {
						acc += b[oc]
					}
					out[((n*outC+oc)*outH+oy)*outW+ox] = acc
				}
			}
		}
	}

	return output, nil
}

func (c *Conv2d) ParameterSlots() []Slot {
	slots := []Slot{{Name: "weight", Param: c.Weight}}
	if c.Bias != nil {
		slots = append(slots, Slot{Name: "bias", Param: c.Bias})
	}
	return slots
}

func (c *Conv2d) Children() []NamedModule { return nil }
func (c *Conv2d) Train()                  { c.training = true }
func (c *Conv2d) Eval()                   { c.training = false }
func (c *Conv2d) IsTraining() bool        { return c.training }

func (c *Conv2d) Clone() Module {
	clone := *c
	clone.Weight = cloneParameter(c.Weight)
	clone.Bias = cloneParameter(c.Bias)
	return &clone
}

// Conv1d applies a 1D convolution over [batch, channels, length] input.
// Weight layout is [outChannels, inChannels, kernel].
type Conv1d struct {
	Weight *Parameter
	Bias   *Parameter

	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	training bool
}

func NewConv1d(inChannels, outChannels, kernelSize, stride, padding int, bias bool) (*Conv1d, error) {
	if inChannels < 1 || outChannels < 1 || kernelSize < 1 {
		return nil, fmt.Errorf("invalid conv1d configuration: in=%d out=%d kernel=%d", inChannels, outChannels, kernelSize)
	}
	if stride < 1 {
		stride = 1
	}

	weight, err := kaimingUniform([]int{outChannels, inChannels, kernelSize}, inChannels*kernelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv1d weight: %w", err)
	}

	c := &Conv1d{
		Weight:      NewParameter(weight),
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		training:    true,
	}

	if bias {
		b, err := tensor.Zeros([]int{outChannels}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		c.Bias = NewParameter(b)
	}

	return c, nil
}

func (c *Conv1d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("conv1d expects 3D input [batch, channels, length], got shape %v", input.Shape)
	}

	weight, err := c.Weight.Resolve()
	if err != nil {
		return nil, fmt.Errorf("conv1d weight: %w", err)
	}

	var bias *tensor.Tensor
	if c.Bias != nil {
		bias, err = c.Bias.Resolve()
		if err != nil {
			return nil, fmt.Errorf("conv1d bias: %w", err)
		}
	}

	outC := weight.Shape[0]
	inC := weight.Shape[1]
	k := weight.Shape[2]

	if input.Shape[1] != inC {
		return nil, fmt.Errorf("conv1d input channel mismatch: expected %d, got %d", inC, input.Shape[1])
	}

	batch := input.Shape[0]
	inL := input.Shape[2]
	outL := (inL+2*c.Padding-k)/c.Stride + 1
	if outL < 1 {
		return nil, fmt.Errorf("conv1d output would be empty for input %v", input.Shape)
	}

	output, err := tensor.Zeros([]int{batch, outC, outL}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	out := output.Data.([]float32)

	var b []float32
	if bias != nil {
		b = bias.Data.([]float32)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for ox := 0; ox < outL; ox++ {
				var acc float32
				for ic := 0; ic < inC; ic++ {
					for kx := 0; kx < k; kx++ {
						ix := ox*c.Stride - c.Padding + kx
						if ix < 0 || ix >= inL {
							continue
						}
						acc += in[(n*inC+ic)*inL+ix] * w[(oc*inC+ic)*k+kx]
					}
				}
				if b != nil {
					acc += b[oc]
				}
				out[(n*outC+oc)*outL+ox] = acc
			}
		}
	}

	return output, nil
}

func (c *Conv1d) ParameterSlots() []Slot {
	slots := []Slot{{Name: "weight", Param: c.Weight}}
	if c.Bias != nil {
		slots = append(slots, Slot{Name: "bias", Param: c.Bias})
	}
	return slots
}

func (c *Conv1d) Children() []NamedModule { return nil }
func (c *Conv1d) Train()                  { c.training = true }
func (c *Conv1d) Eval()                   { c.training = false }
func (c *Conv1d) IsTraining() bool        { return c.training }

func (c *Conv1d) Clone() Module {
	clone := *c
	clone.Weight = cloneParameter(c.Weight)
	clone.Bias = cloneParameter(c.Bias)
	return &clone
}

// Linear implements a fully connected layer: y = xW^T + b.
// Weight layout is [outFeatures, inFeatures].
type Linear struct {
	Weight *Parameter
	Bias   *Parameter

	InFeatures  int
	OutFeatures int

	training bool
}

func NewLinear(inFeatures, outFeatures int, bias bool) (*Linear, error) {
	if inFeatures < 1 || outFeatures < 1 {
		return nil, fmt.Errorf("invalid linear configuration: in=%d out=%d", inFeatures, outFeatures)
	}

	weight, err := kaimingUniform([]int{outFeatures, inFeatures}, inFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to create linear weight: %w", err)
	}

	l := &Linear{
		Weight:      NewParameter(weight),
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		training:    true,
	}

	if bias {
		b, err := tensor.Zeros([]int{outFeatures}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		l.Bias = NewParameter(b)
	}

	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear expects 2D input [batch, features], got shape %v", input.Shape)
	}

	weight, err := l.Weight.Resolve()
	if err != nil {
		return nil, fmt.Errorf("linear weight: %w", err)
	}

	outF := weight.Shape[0]
	inF := weight.Shape[1]
	if input.Shape[1] != inF {
		return nil, fmt.Errorf("linear input size mismatch: expected %d, got %d", inF, input.Shape[1])
	}

	var bias *tensor.Tensor
	if l.Bias != nil {
		bias, err = l.Bias.Resolve()
		if err != nil {
			return nil, fmt.Errorf("linear bias: %w", err)
		}
	}

	batch := input.Shape[0]
	output, err := tensor.Zeros([]int{batch, outF}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	out := output.Data.([]float32)

	var b []float32
	if bias != nil {
		b = bias.Data.([]float32)
	}

	for n := 0; n < batch; n++ {
		for o := 0; o < outF; o++ {
			var acc float32
			for i := 0; i < inF; i++ {
				acc += in[n*inF+i] * w[o*inF+i]
			}
			if b != nil {
				acc += b[o]
			}
			out[n*outF+o] = acc
		}
	}

	return output, nil
}

func (l *Linear) ParameterSlots() []Slot {
	slots := []Slot{{Name: "weight", Param: l.Weight}}
	if l.Bias != nil {
		slots = append(slots, Slot{Name: "bias", Param: l.Bias})
	}
	return slots
}

func (l *Linear) Children() []NamedModule { return nil }
func (l *Linear) Train()                  { l.training = true }
func (l *Linear) Eval()                   { l.training = false }
func (l *Linear) IsTraining() bool        { return l.training }

func (l *Linear) Clone() Module {
	clone := *l
	clone.Weight = cloneParameter(l.Weight)
	clone.Bias = cloneParameter(l.Bias)
	return &clone
}

// BatchNorm2d normalizes [batch, channels, height, width] input per channel.
type BatchNorm2d struct {
	Weight *Parameter // gamma
	Bias   *Parameter // beta

	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	NumFeatures int
	Eps         float32
	Momentum    float32

	training bool
}

func NewBatchNorm2d(numFeatures int, eps, momentum float32) (*BatchNorm2d, error) {
	if numFeatures < 1 {
		return nil, fmt.Errorf("invalid batchnorm configuration: num_features=%d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 || momentum >= 1 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	mean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	variance, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &BatchNorm2d{
		Weight:      NewParameter(gamma),
		Bias:        NewParameter(beta),
		RunningMean: mean,
		RunningVar:  variance,
		NumFeatures: numFeatures,
		Eps:         eps,
		Momentum:    momentum,
		training:    true,
	}, nil
}

func (bn *BatchNorm2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("batchnorm2d expects 4D input, got shape %v", input.Shape)
	}

	gamma, err := bn.Weight.Resolve()
	if err != nil {
		return nil, fmt.Errorf("batchnorm weight: %w", err)
	}
	beta, err := bn.Bias.Resolve()
	if err != nil {
		return nil, fmt.Errorf("batchnorm bias: %w", err)
	}

	channels := input.Shape[1]
	if gamma.Shape[0] != channels {
		return nil, fmt.Errorf("batchnorm channel mismatch: expected %d, got %d", gamma.Shape[0], channels)
	}

	batch := input.Shape[0]
	spatial := input.Shape[2] * input.Shape[3]
	in := input.Data.([]float32)
	g := gamma.Data.([]float32)
	b := beta.Data.([]float32)
	rm := bn.RunningMean.Data.([]float32)
	rv := bn.RunningVar.Data.([]float32)

	output, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	out := output.Data.([]float32)

	for c := 0; c < channels; c++ {
		mean := rm[c]
		variance := rv[c]

		if bn.training {
			var sum float64
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * spatial
				for i := 0; i < spatial; i++ {
					sum += float64(in[base+i])
				}
			}
			count := float64(batch * spatial)
			mean = float32(sum / count)

			var sq float64
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * spatial
				for i := 0; i < spatial; i++ {
					d := float64(in[base+i] - mean)
					sq += d * d
				}
			}
			variance = float32(sq / count)

			rm[c] = (1-bn.Momentum)*rm[c] + bn.Momentum*mean
			rv[c] = (1-bn.Momentum)*rv[c] + bn.Momentum*variance
		}

		inv := 1 / float32(math.Sqrt(float64(variance+bn.Eps)))
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				out[base+i] = (in[base+i]-mean)*inv*g[c] + b[c]
			}
		}
	}

	return output, nil
}

func (bn *BatchNorm2d) ParameterSlots() []Slot {
	return []Slot{
		{Name: "weight", Param: bn.Weight},
		{Name: "bias", Param: bn.Bias},
	}
}

func (bn *BatchNorm2d) Buffers() []Buffer {
	return []Buffer{
		{Name: "running_mean", Tensor: bn.RunningMean, Set: func(t *tensor.Tensor) { bn.RunningMean = t }},
		{Name: "running_var", Tensor: bn.RunningVar, Set: func(t *tensor.Tensor) { bn.RunningVar = t }},
	}
}

// ResetRunningStats restores the running statistics to their initial values.
func (bn *BatchNorm2d) ResetRunningStats() {
	mean := bn.RunningMean.Data.([]float32)
	variance := bn.RunningVar.Data.([]float32)
	for i := range mean {
		mean[i] = 0
		variance[i] = 1
	}
}

// ResampleStats linearly resamples the running statistics to n channels.
// Used when the channel axis this layer sits on is resized.
func (bn *BatchNorm2d) ResampleStats(n int) error {
	if n < 1 {
		return fmt.Errorf("cannot resample batchnorm statistics to %d channels", n)
	}

	mean, err := resampleLinear(bn.RunningMean, n)
	if err != nil {
		return err
	}
	variance, err := resampleLinear(bn.RunningVar, n)
	if err != nil {
		return err
	}

	bn.RunningMean = mean
	bn.RunningVar = variance
	bn.NumFeatures = n
	return nil
}

func resampleLinear(t *tensor.Tensor, n int) (*tensor.Tensor, error) {
	src, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	dst := make([]float32, n)
	if len(src) == 1 {
		for i := range dst {
			dst[i] = src[0]
		}
	} else {
		for i := range dst {
			pos := float64(i) / float64(maxInt(n-1, 1)) * float64(len(src)-1)
			i0 := int(pos)
			if i0 >= len(src)-1 {
				i0 = len(src) - 2
			}
			frac := float32(pos - float64(i0))
			dst[i] = src[i0]*(1-frac) + src[i0+1]*frac
		}
	}

	return tensor.NewTensor([]int{n}, tensor.Float32, dst)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (bn *BatchNorm2d) Children() []NamedModule { return nil }
func (bn *BatchNorm2d) Train()                  { bn.training = true }
func (bn *BatchNorm2d) Eval()                   { bn.training = false }
func (bn *BatchNorm2d) IsTraining() bool        { return bn.training }

func (bn *BatchNorm2d) Clone() Module {
	clone := *bn
	clone.Weight = cloneParameter(bn.Weight)
	clone.Bias = cloneParameter(bn.Bias)
	if c, err := bn.RunningMean.Clone(); err == nil {
		clone.RunningMean = c
	}
	if c, err := bn.RunningVar.Clone(); err == nil {
		clone.RunningVar = c
	}
	return &clone
}

// ReLU applies max(0, x) elementwise.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output, err := input.Clone()
	if err != nil {
		return nil, err
	}
	data := output.Data.([]float32)
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return output, nil
}

func (r *ReLU) ParameterSlots() []Slot  { return nil }
func (r *ReLU) Children() []NamedModule { return nil }
func (r *ReLU) Train()                  { r.training = true }
func (r *ReLU) Eval()                   { r.training = false }
func (r *ReLU) IsTraining() bool        { return r.training }
func (r *ReLU) Clone() Module           { clone := *r; return &clone }

// Identity passes input through unchanged. Fused batchnorm layers are
// replaced with it so module paths stay stable.
type Identity struct{}

func NewIdentity() *Identity { return &Identity{} }

func (i *Identity) Forward(input *tensor.Tensor) (*tensor.Tensor, error) { return input, nil }
func (i *Identity) ParameterSlots() []Slot                               { return nil }
func (i *Identity) Children() []NamedModule                              { return nil }
func (i *Identity) Train()                                               {}
func (i *Identity) Eval()                                                {}
func (i *Identity) IsTraining() bool                                     { return false }
func (i *Identity) Clone() Module                                        { return &Identity{} }
