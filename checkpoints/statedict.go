// Package checkpoints serializes model state. Continuous models save
// their interpolation coefficients under a parametrization namespace, so
// a reloaded model resumes with the same continuous form; discrete models
// round-trip their plain tensors. JSON, CBOR and ONNX formats are
// supported.
package checkpoints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/parametrize"
	"github.com/integral-nn/go-integral/tensor"
)

const parametrizationInfix = ".parametrizations."
const parametrizationSuffix = ".original"

// coefficientHolder is what a parametrization must expose for its
// trainable coefficients to be saved.
type coefficientHolder interface {
	Interpolator() parametrize.Interpolator
}

// StateDict extracts every tensor of a module keyed by dotted name.
// Parametrized slots contribute their coefficients under
// "<module>.parametrizations.<attr>.original"; buffers are stored under
// their own names.
func StateDict(module nn.Module) (map[string]*tensor.Tensor, error) {
	dict := make(map[string]*tensor.Tensor)

	for _, s := range nn.NamedParameters(module) {
		if s.Param.IsParametrized() {
			holder, ok := s.Param.Parametrization().(coefficientHolder)
			if !ok {
				return nil, fmt.Errorf("parametrization of %s does not expose coefficients", s.Name)
			}
			path, attr := nn.SplitParamName(s.Name)
			key := path + parametrizationInfix + attr + parametrizationSuffix
			if path == "" {
				key = parametrizationInfix[1:] + attr + parametrizationSuffix
			}
			clone, err := holder.Interpolator().Values().Clone()
			if err != nil {
				return nil, err
			}
			dict[key] = clone
			continue
		}
		stored := s.Param.Stored()
		if stored == nil {
			continue
		}
		clone, err := stored.Clone()
		if err != nil {
			return nil, err
		}
		dict[s.Name] = clone
	}

	for _, b := range nn.NamedBuffers(module) {
		if b.Buffer.Tensor == nil {
			continue
		}
		clone, err := b.Buffer.Tensor.Clone()
		if err != nil {
			return nil, err
		}
		dict[b.Name] = clone
	}
	return dict, nil
}

// LoadStateDict writes saved tensors back into a module. Coefficient
// entries require the matching slot to already be parametrized with the
// same shape. Every parametrization cache is dropped afterwards so the
// next access resamples.
func LoadStateDict(module nn.Module, dict map[string]*tensor.Tensor) error {
	buffers := make(map[string]nn.Buffer)
	for _, b := range nn.NamedBuffers(module) {
		buffers[b.Name] = b.Buffer
	}

	for key, value := range dict {
		if strings.Contains(key, parametrizationInfix) || strings.HasPrefix(key, parametrizationInfix[1:]) {
			if err := loadCoefficients(module, key, value); err != nil {
				return err
			}
			continue
		}
		if b, ok := buffers[key]; ok {
			clone, err := value.Clone()
			if err != nil {
				return err
			}
			b.Set(clone)
			continue
		}

		param, _, _, err := nn.FindParameter(module, key)
		if err != nil {
			return fmt.Errorf("state entry %q: %w", key, err)
		}
		if param.IsParametrized() {
			return fmt.Errorf("state entry %q targets a parametrized slot; expected a %q entry", key, parametrizationInfix)
		}
		stored := param.Stored()
		if stored != nil && !shapesEqual(stored.Shape, value.Shape) {
			return fmt.Errorf("state entry %q: shape %v does not match %v", key, value.Shape, stored.Shape)
		}
		clone, err := value.Clone()
		if err != nil {
			return err
		}
		param.SetStored(clone)
	}

	for _, s := range nn.NamedParameters(module) {
		if s.Param.IsParametrized() {
			s.Param.Parametrization().Clear()
		}
	}
	return nil
}

func loadCoefficients(module nn.Module, key string, value *tensor.Tensor) error {
	var path, rest string
	if idx := strings.Index(key, parametrizationInfix); idx >= 0 {
		path = key[:idx]
		rest = strings.TrimPrefix(key[idx:], parametrizationInfix)
	} else {
		rest = strings.TrimPrefix(key, parametrizationInfix[1:])
	}
	attr := strings.TrimSuffix(rest, parametrizationSuffix)
	if attr == rest {
		return fmt.Errorf("state entry %q: unrecognized parametrization key", key)
	}

	name := attr
	if path != "" {
		name = path + "." + attr
	}
	param, _, _, err := nn.FindParameter(module, name)
	if err != nil {
		return fmt.Errorf("state entry %q: %w", key, err)
	}
	if !param.IsParametrized() {
		return fmt.Errorf("state entry %q targets slot %s which is not parametrized", key, name)
	}
	holder, ok := param.Parametrization().(coefficientHolder)
	if !ok {
		return fmt.Errorf("parametrization of %s does not expose coefficients", name)
	}

	values := holder.Interpolator().Values()
	if !shapesEqual(values.Shape, value.Shape) {
		return fmt.Errorf("state entry %q: coefficient shape %v does not match %v", key, value.Shape, values.Shape)
	}
	dst, err := values.Float32s()
	if err != nil {
		return err
	}
	src, err := value.Float32s()
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]*tensor.Tensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
