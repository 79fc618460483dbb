package integral

import (
	"fmt"

	"github.com/integral-nn/go-integral/data"
	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/tensor"
)

// OutputDivergence measures the mean squared difference between the
// outputs of two modules over one pass of a loader. It is the usual check
// that a resized continuous model still tracks its discrete original.
func OutputDivergence(a, b nn.Module, loader *data.DataLoader) (float32, error) {
	a.Eval()
	b.Eval()
	loader.Reset()

	var total float64
	batches := 0
	for {
		batch, ok, err := loader.NextBatch()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}

		outA, err := a.Forward(batch.Inputs)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %w", err)
		}
		outB, err := b.Forward(batch.Inputs)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %w", err)
		}

		mse, err := tensor.MSE(outA.Detach(), outB.Detach())
		if err != nil {
			return 0, err
		}
		vals, err := mse.Float32s()
		if err != nil {
			return 0, err
		}
		total += float64(vals[0])
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("loader produced no batches")
	}
	return float32(total / float64(batches)), nil
}

// TargetLoss measures the mean squared error of a module against loader
// targets, for comparing compression settings on a held-out set.
func TargetLoss(m nn.Module, loader *data.DataLoader) (float32, error) {
	m.Eval()
	loader.Reset()

	var total float64
	batches := 0
	for {
		batch, ok, err := loader.NextBatch()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if batch.Targets == nil {
			return 0, fmt.Errorf("loader has no targets")
		}

		out, err := m.Forward(batch.Inputs)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %w", err)
		}
		mse, err := tensor.MSE(out.Detach(), batch.Targets)
		if err != nil {
			return 0, err
		}
		vals, err := mse.Float32s()
		if err != nil {
			return 0, err
		}
		total += float64(vals[0])
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("loader produced no batches")
	}
	return float32(total / float64(batches)), nil
}
