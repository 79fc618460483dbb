package optimizer

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling
// strategies. Schedulers are pure functions of the step count.
type LRScheduler interface {
	// GetLR returns the learning rate for the current step.
	GetLR(step int, baseLR float32) float32

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepLRScheduler reduces the learning rate by a factor every StepSize
// steps.
type StepLRScheduler struct {
	StepSize int     // Steps between LR reductions
	Gamma    float32 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float32) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(step int, baseLR float32) float32 {
	times := step / s.StepSize
	return baseLR * float32(math.Pow(float64(s.Gamma), float64(times)))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate exponentially.
type ExponentialLRScheduler struct {
	Gamma float32 // Multiplicative factor of LR decay per step
}

// NewExponentialLRScheduler creates an exponential learning rate
// scheduler.
func NewExponentialLRScheduler(gamma float32) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(step int, baseLR float32) float32 {
	return baseLR * float32(math.Pow(float64(s.Gamma), float64(step)))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}
