package integral

import (
	"fmt"

	"github.com/integral-nn/go-integral/optimizer"
	"github.com/integral-nn/go-integral/parametrize"
	"github.com/integral-nn/go-integral/tensor"
)

// fitParametrization runs Adam on the interpolation coefficients against
// the discrete target, with a step-decay schedule. Returns the loss before
// and after fitting.
func (w *Wrapper) fitParametrization(wp *parametrize.WeightParametrization, target *tensor.Tensor) (float32, float32, error) {
	iters := w.config.OptimizeIters
	params := wp.Parameters()

	config := optimizer.DefaultAdamConfig()
	config.LearningRate = w.config.StartLR
	adam, err := optimizer.NewAdam(config, params)
	if err != nil {
		return 0, 0, err
	}

	stepSize := iters / 5
	if stepSize < 1 {
		stepSize = 1
	}
	scheduler := optimizer.NewStepLRScheduler(stepSize, 0.2)

	evalLoss := func() (float32, error) {
		out, err := wp.SampleGraph()
		if err != nil {
			return 0, err
		}
		loss, err := tensor.MSE(out, target)
		if err != nil {
			return 0, err
		}
		vals, err := loss.Float32s()
		if err != nil {
			return 0, err
		}
		return vals[0], nil
	}

	before, err := evalLoss()
	if err != nil {
		return 0, 0, err
	}

	for i := 0; i < iters; i++ {
		adam.ZeroGrad()
		out, err := wp.SampleGraph()
		if err != nil {
			return 0, 0, err
		}
		loss, err := tensor.MSE(out, target)
		if err != nil {
			return 0, 0, err
		}
		if err := loss.Backward(); err != nil {
			return 0, 0, fmt.Errorf("backward pass failed: %w", err)
		}
		adam.SetLearningRate(scheduler.GetLR(i, w.config.StartLR))
		if err := adam.Step(); err != nil {
			return 0, 0, err
		}
	}
	wp.Clear()

	after, err := evalLoss()
	if err != nil {
		return 0, 0, err
	}
	return before, after, nil
}
