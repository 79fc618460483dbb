// Package optimizer provides the CPU training pieces used when fitting
// continuous parametrizations: an Adam optimizer over tensors with
// accumulated gradients, and a step-decay learning rate schedule.
package optimizer

import (
	"fmt"
	"math"

	"github.com/integral-nn/go-integral/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam updates a fixed set of parameters from their accumulated
// gradients, with bias-corrected first and second moments.
type Adam struct {
	config AdamConfig
	params []*tensor.Tensor

	m         [][]float32
	v         [][]float32
	stepCount int
}

func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}

	a := &Adam{
		config: config,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, p.NumElems)
		a.v[i] = make([]float32, p.NumElems)
	}
	return a, nil
}

// Step applies one Adam update from each parameter's current gradient.
// Parameters without a gradient are skipped.
func (a *Adam) Step() error {
	a.stepCount++
	bc1 := 1.0 - math.Pow(float64(a.config.Beta1), float64(a.stepCount))
	bc2 := 1.0 - math.Pow(float64(a.config.Beta2), float64(a.stepCount))

	for i, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		gvals, err := grad.Float32s()
		if err != nil {
			return fmt.Errorf("reading gradient: %w", err)
		}
		pvals, err := p.Float32s()
		if err != nil {
			return fmt.Errorf("reading parameter: %w", err)
		}
		if len(gvals) != len(pvals) {
			return fmt.Errorf("gradient has %d elements, parameter has %d", len(gvals), len(pvals))
		}

		for k := range pvals {
			g := gvals[k]
			if a.config.WeightDecay > 0 {
				g += a.config.WeightDecay * pvals[k]
			}
			a.m[i][k] = a.config.Beta1*a.m[i][k] + (1-a.config.Beta1)*g
			a.v[i][k] = a.config.Beta2*a.v[i][k] + (1-a.config.Beta2)*g*g

			mHat := float64(a.m[i][k]) / bc1
			vHat := float64(a.v[i][k]) / bc2
			pvals[k] -= a.config.LearningRate * float32(mHat/(math.Sqrt(vHat)+float64(a.config.Epsilon)))
		}
	}
	return nil
}

// ZeroGrad clears the accumulated gradients of every parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

func (a *Adam) SetLearningRate(lr float32) {
	a.config.LearningRate = lr
}

func (a *Adam) LearningRate() float32 {
	return a.config.LearningRate
}

// StepCount reports how many updates have been applied.
func (a *Adam) StepCount() int {
	return a.stepCount
}
