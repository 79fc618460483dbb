package nn

import (
	"fmt"
	"math"

	"github.com/integral-nn/go-integral/tensor"
)

// FuseConvBN folds batch normalization layers into the convolution
// immediately preceding them inside a Sequential container. Only the conv
// module paths listed in convPaths are fused; the batchnorm is replaced
// with an Identity so paths of later siblings do not shift.
func FuseConvBN(root Module, convPaths []string) error {
	wanted := make(map[string]bool, len(convPaths))
	for _, p := range convPaths {
		wanted[p] = true
	}

	var walk func(prefix string, m Module) error
	walk = func(prefix string, m Module) error {
		if s, ok := m.(*Sequential); ok {
			children := s.Children()
			for i := 0; i < len(children)-1; i++ {
				conv, ok := children[i].Module.(*Conv2d)
				if !ok {
					continue
				}
				bn, ok := children[i+1].Module.(*BatchNorm2d)
				if !ok {
					continue
				}
				convPath := joinPath(prefix, children[i].Name)
				if !wanted[convPath] {
					continue
				}
				if err := fuseInto(conv, bn); err != nil {
					return fmt.Errorf("fusing %s: %w", convPath, err)
				}
				if err := s.Replace(children[i+1].Name, NewIdentity()); err != nil {
					return err
				}
			}
		}
		for _, c := range m.Children() {
			if err := walk(joinPath(prefix, c.Name), c.Module); err != nil {
				return err
			}
		}
		return nil
	}

	return walk("", root)
}

func fuseInto(conv *Conv2d, bn *BatchNorm2d) error {
	if conv.Weight.IsParametrized() {
		return fmt.Errorf("cannot fuse into a parametrized convolution")
	}

	weight := conv.Weight.Stored()
	if weight == nil {
		return fmt.Errorf("convolution has no stored weight")
	}
	if weight.Shape[0] != bn.NumFeatures {
		return fmt.Errorf("channel mismatch: conv has %d output channels, batchnorm has %d features",
			weight.Shape[0], bn.NumFeatures)
	}

	gamma, err := bn.Weight.Resolve()
	if err != nil {
		return err
	}
	beta, err := bn.Bias.Resolve()
	if err != nil {
		return err
	}

	g := gamma.Data.([]float32)
	b := beta.Data.([]float32)
	mean := bn.RunningMean.Data.([]float32)
	variance := bn.RunningVar.Data.([]float32)

	outC := weight.Shape[0]
	perChannel := weight.NumElems / outC
	w := weight.Data.([]float32)

	var biasData []float32
	if conv.Bias != nil {
		biasT := conv.Bias.Stored()
		if biasT == nil {
			return fmt.Errorf("convolution bias slot is parametrized or empty")
		}
		biasData = biasT.Data.([]float32)
	} else {
		biasData = make([]float32, outC)
	}

	for oc := 0; oc < outC; oc++ {
		scale := g[oc] / float32(math.Sqrt(float64(variance[oc]+bn.Eps)))
		for i := oc * perChannel; i < (oc+1)*perChannel; i++ {
			w[i] *= scale
		}
		biasData[oc] = (biasData[oc]-mean[oc])*scale + b[oc]
	}

	if conv.Bias == nil {
		biasT, err := tensor.NewTensor([]int{outC}, tensor.Float32, biasData)
		if err != nil {
			return err
		}
		conv.Bias = NewParameter(biasT)
	}

	return nil
}
