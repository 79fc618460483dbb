package data

import (
	"testing"

	"github.com/integral-nn/go-integral/tensor"
)

func makeDataset(t *testing.T, n int, withTargets bool) *TensorDataset {
	t.Helper()
	inputs := make([]*tensor.Tensor, n)
	targets := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		in, err := tensor.Full([]int{3, 4}, float32(i), tensor.Float32)
		if err != nil {
			t.Fatalf("Full failed: %v", err)
		}
		inputs[i] = in
		if withTargets {
			tg, err := tensor.Full([]int{2}, float32(10+i), tensor.Float32)
			if err != nil {
				t.Fatalf("Full failed: %v", err)
			}
			targets[i] = tg
		}
	}
	ds, err := NewTensorDataset(inputs, targets)
	if err != nil {
		t.Fatalf("NewTensorDataset failed: %v", err)
	}
	return ds
}

func TestTensorDatasetValidation(t *testing.T) {
	if _, err := NewTensorDataset(nil, nil); err == nil {
		t.Error("expected error for empty dataset")
	}
	in, _ := tensor.Zeros([]int{2}, tensor.Float32)
	if _, err := NewTensorDataset([]*tensor.Tensor{in}, nil); err == nil {
		t.Error("expected error for mismatched target count")
	}

	ds := makeDataset(t, 3, true)
	if ds.Len() != 3 {
		t.Errorf("expected length 3, got %d", ds.Len())
	}
	if _, err := ds.GetItem(-1); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := ds.GetItem(3); err == nil {
		t.Error("expected error for index past the end")
	}
}

func TestDataLoaderBatchShapes(t *testing.T) {
	ds := makeDataset(t, 7, true)
	dl, err := NewDataLoader(ds, Config{BatchSize: 3})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.Steps() != 3 {
		t.Errorf("expected 3 steps, got %d", dl.Steps())
	}

	wantSizes := []int{3, 3, 1}
	for i, want := range wantSizes {
		batch, ok, err := dl.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("NextBatch %d reported exhaustion early", i)
		}
		if batch.Size != want {
			t.Errorf("batch %d: expected size %d, got %d", i, want, batch.Size)
		}
		wantShape := []int{want, 3, 4}
		for d, s := range wantShape {
			if batch.Inputs.Shape[d] != s {
				t.Errorf("batch %d: input shape %v, want %v", i, batch.Inputs.Shape, wantShape)
				break
			}
		}
		if batch.Targets == nil || batch.Targets.Shape[0] != want {
			t.Errorf("batch %d: missing or misshaped targets", i)
		}
	}
	if _, ok, _ := dl.NextBatch(); ok {
		t.Error("loader should be exhausted after the last batch")
	}
}

func TestDataLoaderSequentialOrder(t *testing.T) {
	ds := makeDataset(t, 5, true)
	dl, err := NewDataLoader(ds, Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	var seen []float32
	for {
		batch, ok, err := dl.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		if !ok {
			break
		}
		vals, err := batch.Inputs.Float32s()
		if err != nil {
			t.Fatalf("Float32s failed: %v", err)
		}
		for i := 0; i < batch.Size; i++ {
			seen = append(seen, vals[i*12])
		}
	}
	for i, v := range seen {
		if v != float32(i) {
			t.Fatalf("sample %d out of order: got %f", i, v)
		}
	}
}

func TestDataLoaderShuffleDeterministic(t *testing.T) {
	order := func(seed int64) []float32 {
		ds := makeDataset(t, 8, false)
		dl, err := NewDataLoader(ds, Config{BatchSize: 1, Shuffle: true, Seed: seed})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		var out []float32
		for {
			batch, ok, err := dl.NextBatch()
			if err != nil {
				t.Fatalf("NextBatch failed: %v", err)
			}
			if !ok {
				return out
			}
			vals, _ := batch.Inputs.Float32s()
			out = append(out, vals[0])
		}
	}

	a := order(17)
	b := order(17)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same seed must produce the same order")
		}
	}

	c := order(18)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical orders")
	}
}

func TestDataLoaderResetReshuffles(t *testing.T) {
	ds := makeDataset(t, 16, false)
	dl, err := NewDataLoader(ds, Config{BatchSize: 16, Shuffle: true, Seed: 5})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	pass := func() []float32 {
		batch, ok, err := dl.NextBatch()
		if err != nil || !ok {
			t.Fatalf("NextBatch failed: ok=%v err=%v", ok, err)
		}
		vals, _ := batch.Inputs.Float32s()
		out := make([]float32, 16)
		for i := range out {
			out[i] = vals[i*12]
		}
		return out
	}

	first := pass()
	dl.Reset()
	second := pass()

	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Reset did not reshuffle")
	}

	// Every sample still appears exactly once.
	counts := make(map[float32]int)
	for _, v := range second {
		counts[v]++
	}
	for i := 0; i < 16; i++ {
		if counts[float32(i)] != 1 {
			t.Fatalf("sample %d appears %d times after reshuffle", i, counts[float32(i)])
		}
	}
}

func TestDataLoaderNoTargets(t *testing.T) {
	ds := makeDataset(t, 4, false)
	dl, err := NewDataLoader(ds, Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	batch, ok, err := dl.NextBatch()
	if err != nil || !ok {
		t.Fatalf("NextBatch failed: ok=%v err=%v", ok, err)
	}
	if batch.Targets != nil {
		t.Error("expected nil targets for an input-only dataset")
	}
}

func TestDataLoaderConfigValidation(t *testing.T) {
	ds := makeDataset(t, 2, true)
	if _, err := NewDataLoader(ds, Config{BatchSize: 0}); err == nil {
		t.Error("expected error for zero batch size")
	}
}
