package graph

import (
	"errors"
	"testing"

	"github.com/integral-nn/go-integral/nn"
	"github.com/integral-nn/go-integral/tensor"
)

func mustConv2d(t *testing.T, in, out, kernel, stride, padding int, bias bool) *nn.Conv2d {
	t.Helper()
	c, err := nn.NewConv2d(in, out, kernel, stride, padding, bias)
	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}
	return c
}

func mustLinear(t *testing.T, in, out int, bias bool) *nn.Linear {
	t.Helper()
	l, err := nn.NewLinear(in, out, bias)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	return l
}

func buildConvChain(t *testing.T) *nn.Sequential {
	t.Helper()
	model := nn.NewSequential()
	model.Add("conv1", mustConv2d(t, 3, 8, 3, 1, 1, true))
	model.Add("relu", nn.NewReLU())
	model.Add("conv2", mustConv2d(t, 8, 4, 3, 1, 1, true))
	return model
}

func TestConvChainSingleGroup(t *testing.T) {
	model := buildConvChain(t)
	tr := NewTracer(model, map[string][]int{
		"conv1.weight": {0},
		"conv2.weight": {1},
	}, nil)

	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Size != 8 {
		t.Errorf("expected group size 8, got %d", g.Size)
	}

	for _, want := range []struct {
		name string
		dim  int
	}{
		{"conv1.weight", 0},
		{"conv1.bias", 0},
		{"conv2.weight", 1},
	} {
		if g.FindParam(want.name, want.dim) == nil {
			t.Errorf("group is missing (%s, dim %d)", want.name, want.dim)
		}
	}
	if g.FindParam("conv2.weight", 0) != nil {
		t.Error("conv2 output dim should stay discrete")
	}
	for _, op := range []string{"conv", "contract", "activation"} {
		if !g.Operations[op] {
			t.Errorf("expected operation %q on group", op)
		}
	}

	byDim := tr.ParamGroups()["conv2.weight"]
	if byDim == nil || byDim[1] != g {
		t.Error("ParamGroups does not map conv2.weight dim 1 to the merged group")
	}
	if dims := tr.ContinuousDimsOf("conv1.bias"); len(dims) != 1 || dims[0] != 0 {
		t.Errorf("expected bias forced continuous on dim 0, got %v", dims)
	}
}

func TestMinSizeRemovesSmallAxis(t *testing.T) {
	model := buildConvChain(t)
	// conv1's contraction axis is 3 channels, below the default threshold.
	tr := NewTracer(model, map[string][]int{
		"conv1.weight": {0, 1},
		"conv2.weight": {1},
	}, nil)

	if _, err := tr.BuildGroups([]int{1, 3, 8, 8}); err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if dims := tr.ContinuousDimsOf("conv1.weight"); len(dims) != 1 || dims[0] != 0 {
		t.Errorf("expected small axis dropped, got dims %v", dims)
	}
}

func TestDiscretePinBlocksBias(t *testing.T) {
	model := buildConvChain(t)
	tr := NewTracer(model,
		map[string][]int{"conv1.weight": {0}, "conv2.weight": {1}},
		map[string][]int{"conv1.bias": {0}})

	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if groups[0].FindParam("conv1.bias", 0) != nil {
		t.Error("discrete pin did not keep the bias out of the group")
	}
}

func TestBatchNormJoinsChannelGroup(t *testing.T) {
	bn, err := nn.NewBatchNorm2d(8, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("NewBatchNorm2d failed: %v", err)
	}
	model := nn.NewSequential()
	model.Add("conv1", mustConv2d(t, 3, 8, 3, 1, 1, false))
	model.Add("bn", bn)
	model.Add("conv2", mustConv2d(t, 8, 4, 3, 1, 1, false))

	tr := NewTracer(model, map[string][]int{
		"conv1.weight": {0},
		"conv2.weight": {1},
	}, nil)
	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.FindParam("bn.weight", 0) == nil || g.FindParam("bn.bias", 0) == nil {
		t.Error("batchnorm affine parameters did not join the channel group")
	}
	if !g.Operations["batch_norm"] {
		t.Error("expected batch_norm operation on group")
	}
	if len(g.Buffers) != 1 || g.Buffers[0].Name != "bn" {
		t.Errorf("expected one buffer reference for bn, got %d", len(g.Buffers))
	}
}

func TestResidualUnifiesBodyAndSkip(t *testing.T) {
	body := nn.NewSequential()
	body.Add("conv", mustConv2d(t, 8, 8, 3, 1, 1, false))

	model := nn.NewSequential()
	model.Add("head", mustConv2d(t, 3, 8, 3, 1, 1, false))
	model.Add("block", nn.NewResidual(body))
	model.Add("tail", mustConv2d(t, 8, 4, 3, 1, 1, false))

	tr := NewTracer(model, map[string][]int{
		"head.weight":            {0},
		"block.body.conv.weight": {0, 1},
		"tail.weight":            {1},
	}, nil)
	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected residual to collapse everything into 1 group, got %d", len(groups))
	}
	g := groups[0]
	if !g.Operations["add"] {
		t.Error("expected add operation on unified group")
	}
	for _, want := range []struct {
		name string
		dim  int
	}{
		{"head.weight", 0},
		{"block.body.conv.weight", 0},
		{"block.body.conv.weight", 1},
		{"tail.weight", 1},
	} {
		if g.FindParam(want.name, want.dim) == nil {
			t.Errorf("group is missing (%s, dim %d)", want.name, want.dim)
		}
	}
}

func TestConcatCreatesParentGroup(t *testing.T) {
	model := nn.NewSequential()
	model.Add("split", nn.NewConcat(1,
		mustConv2d(t, 3, 8, 3, 1, 1, false),
		mustConv2d(t, 3, 6, 3, 1, 1, false),
	))
	model.Add("merge", mustConv2d(t, 14, 4, 3, 1, 1, false))

	tr := NewTracer(model, map[string][]int{
		"split.0.weight": {0},
		"split.1.weight": {0},
		"merge.weight":   {1},
	}, nil)
	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}

	var parent *Group
	leaves := 0
	for _, g := range groups {
		if len(g.Subgroups) > 0 {
			parent = g
		} else {
			leaves++
		}
	}
	if parent == nil {
		t.Fatal("expected a parent group for the concatenated axis")
	}
	if leaves != 2 {
		t.Errorf("expected 2 leaf groups, got %d", leaves)
	}
	if parent.Size != 14 {
		t.Errorf("expected parent size 14, got %d", parent.Size)
	}
	if !parent.Operations["concat"] {
		t.Error("expected concat operation on parent")
	}
	if parent.FindParam("merge.weight", 1) == nil {
		t.Error("merge contraction should live on the parent group")
	}

	offsets := map[int]bool{}
	for _, sub := range parent.Subgroups {
		if len(sub.Parents) != 1 || sub.Parents[0].Root() != parent {
			t.Error("subgroup does not point back at the parent")
		}
		for _, off := range sub.ParentOffsets {
			offsets[off] = true
		}
	}
	if !offsets[0] || !offsets[8] {
		t.Errorf("expected parent offsets 0 and 8, got %v", offsets)
	}
}

func TestConcatRejectsMixedAxes(t *testing.T) {
	model := nn.NewSequential()
	model.Add("split", nn.NewConcat(1,
		mustConv2d(t, 3, 8, 3, 1, 1, false),
		mustConv2d(t, 3, 6, 3, 1, 1, false),
	))
	model.Add("merge", mustConv2d(t, 14, 4, 3, 1, 1, false))

	// Only one branch is continuous on the concatenated axis.
	tr := NewTracer(model, map[string][]int{
		"split.0.weight": {0},
	}, nil)
	if _, err := tr.BuildGroups([]int{1, 3, 8, 8}); err == nil {
		t.Error("expected error for mixed continuous/discrete concat")
	}
}

func TestLinearChainGroups(t *testing.T) {
	model := nn.NewSequential()
	model.Add("fc1", mustLinear(t, 16, 32, true))
	model.Add("relu", nn.NewReLU())
	model.Add("fc2", mustLinear(t, 32, 10, true))

	tr := NewTracer(model, map[string][]int{
		"fc1.weight": {0},
		"fc2.weight": {1},
	}, nil)
	groups, err := tr.BuildGroups([]int{2, 16})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Size != 32 {
		t.Errorf("expected group size 32, got %d", g.Size)
	}
	if !g.Operations["linear"] {
		t.Error("expected linear operation on group")
	}
	if g.FindParam("fc1.bias", 0) == nil {
		t.Error("fc1 bias did not join the output group")
	}
}

func TestValidateDimsErrors(t *testing.T) {
	model := buildConvChain(t)

	tests := []struct {
		name string
		cont map[string][]int
		disc map[string][]int
	}{
		{
			name: "unknown parameter",
			cont: map[string][]int{"missing.weight": {0}},
		},
		{
			name: "dim out of range",
			cont: map[string][]int{"conv1.weight": {7}},
		},
		{
			name: "continuous and discrete conflict",
			cont: map[string][]int{"conv1.weight": {0}},
			disc: map[string][]int{"conv1.weight": {0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracer(model, tt.cont, tt.disc)
			if _, err := tr.BuildGroups([]int{1, 3, 8, 8}); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

type opaqueModule struct{}

func (m *opaqueModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) { return input, nil }
func (m *opaqueModule) ParameterSlots() []nn.Slot                            { return nil }
func (m *opaqueModule) Children() []nn.NamedModule                           { return nil }
func (m *opaqueModule) Train()                                               {}
func (m *opaqueModule) Eval()                                                {}
func (m *opaqueModule) IsTraining() bool                                     { return false }
func (m *opaqueModule) Clone() nn.Module                                     { return &opaqueModule{} }

func TestUnsupportedModuleError(t *testing.T) {
	model := nn.NewSequential()
	model.Add("conv", mustConv2d(t, 3, 8, 3, 1, 1, false))
	model.Add("opaque", &opaqueModule{})

	tr := NewTracer(model, map[string][]int{"conv.weight": {0}}, nil)
	_, err := tr.BuildGroups([]int{1, 3, 8, 8})
	var unsupported *UnsupportedModuleError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedModuleError, got %v", err)
	}
	if unsupported.Path != "opaque" {
		t.Errorf("expected path %q, got %q", "opaque", unsupported.Path)
	}
}

func TestCustomRuleOverridesBuiltin(t *testing.T) {
	model := nn.NewSequential()
	model.Add("conv", mustConv2d(t, 3, 8, 3, 1, 1, false))
	model.Add("opaque", &opaqueModule{})

	tr := NewTracer(model, map[string][]int{"conv.weight": {0}}, nil)
	tr.RegisterRule("opaqueModule", func(tr *Tracer, path string, m nn.Module, in *ValueMeta) (*ValueMeta, error) {
		return in, nil
	})
	groups, err := tr.BuildGroups([]int{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("BuildGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected 1 group, got %d", len(groups))
	}
}
