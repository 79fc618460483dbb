// Package data provides in-memory datasets and batch loading for
// evaluating and tuning continuous models.
package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/integral-nn/go-integral/tensor"
)

// Sample is one input/target pair. Shapes carry no batch dimension.
type Sample struct {
	Input  *tensor.Tensor
	Target *tensor.Tensor
}

// Dataset is the contract batch loading works against.
type Dataset interface {
	Len() int
	GetItem(index int) (Sample, error)
}

// TensorDataset is a fixed in-memory dataset of paired tensors.
type TensorDataset struct {
	inputs  []*tensor.Tensor
	targets []*tensor.Tensor
}

func NewTensorDataset(inputs, targets []*tensor.Tensor) (*TensorDataset, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("dataset must not be empty")
	}
	if len(inputs) != len(targets) {
		return nil, fmt.Errorf("got %d inputs and %d targets", len(inputs), len(targets))
	}
	return &TensorDataset{inputs: inputs, targets: targets}, nil
}

func (d *TensorDataset) Len() int { return len(d.inputs) }

func (d *TensorDataset) GetItem(index int) (Sample, error) {
	if index < 0 || index >= len(d.inputs) {
		return Sample{}, fmt.Errorf("index %d out of range for dataset of %d samples", index, len(d.inputs))
	}
	return Sample{Input: d.inputs[index], Target: d.targets[index]}, nil
}

// Batch is a stack of samples along a leading batch dimension.
type Batch struct {
	Inputs  *tensor.Tensor
	Targets *tensor.Tensor
	Size    int
}

// Config holds configuration for DataLoader.
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// DataLoader iterates a dataset in batches.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex
}

func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   indices,
	}
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	return dl, nil
}

// Reset rewinds the loader to the beginning, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Steps reports how many batches one pass over the dataset yields.
func (dl *DataLoader) Steps() int {
	n := len(dl.indices)
	return (n + dl.batchSize - 1) / dl.batchSize
}

// NextBatch returns the next batch, or ok=false when the pass is done.
func (dl *DataLoader) NextBatch() (Batch, bool, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return Batch{}, false, nil
	}
	size := dl.batchSize
	if remaining < size {
		size = remaining
	}

	inputs := make([]*tensor.Tensor, 0, size)
	targets := make([]*tensor.Tensor, 0, size)
	for i := 0; i < size; i++ {
		sample, err := dl.dataset.GetItem(dl.indices[dl.position+i])
		if err != nil {
			return Batch{}, false, err
		}
		in, err := withBatchDim(sample.Input)
		if err != nil {
			return Batch{}, false, err
		}
		inputs = append(inputs, in)
		if sample.Target != nil {
			tg, err := withBatchDim(sample.Target)
			if err != nil {
				return Batch{}, false, err
			}
			targets = append(targets, tg)
		}
	}
	dl.position += size

	batch := Batch{Size: size}
	stacked, err := tensor.Cat(inputs, 0)
	if err != nil {
		return Batch{}, false, fmt.Errorf("stacking inputs: %w", err)
	}
	batch.Inputs = stacked

	if len(targets) > 0 {
		stacked, err := tensor.Cat(targets, 0)
		if err != nil {
			return Batch{}, false, fmt.Errorf("stacking targets: %w", err)
		}
		batch.Targets = stacked
	}
	return batch, true, nil
}

func withBatchDim(t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := append([]int{1}, t.Shape...)
	return t.Reshape(shape)
}
