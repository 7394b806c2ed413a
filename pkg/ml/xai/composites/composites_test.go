// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composites

import (
	"fmt"
	"testing"

	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/models"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/canonizers"
	"github.com/gomlx/xai/pkg/ml/xai/rules"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireClean checks that no rule is left bound to the model.
func requireClean(t *testing.T, model nn.Module) {
	require.Zero(t, nn.CountHooks(model))
	require.Zero(t, rules.NumBindings())
}

func relevance(t *testing.T, model nn.Module, x *tensors.Tensor) *tensors.Tensor {
	_, grad, err := nn.Backward(model, x, func(output *tensors.Tensor) (*tensors.Tensor, error) {
		return output, nil
	})
	require.NoError(t, err)
	return grad
}

func boundRules(h *Handle) map[string]string {
	names := make(map[string]string)
	for _, b := range h.Bindings() {
		names[b.Path] = b.Rule.Name()
	}
	return names
}

func TestRegisterRelease(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	firstConv := model.At(0).(*nn.Sequential).At(0).(*nn.Conv2D)
	originalWeight := firstConv.Weight.Value
	x := tensors.Normal(tensors.NewRNG(7), shapes.Make(2, 3, 16, 16), 1)

	p := DefaultParams()
	p.Canonizers = []canonizers.Canonizer{canonizers.VGG()}
	composite := EpsilonPlusFlat(p)
	h, err := composite.Register(model)
	require.NoError(t, err)
	require.False(t, h.IsReleased())
	fmt.Printf("handle %s: %v\n", h.ID(), boundRules(h))
	require.Equal(t, map[string]string{
		"features.0": "flat", "features.1": "pass", "features.2": "pass", "features.3": "pass",
		"features.4": "zplus", "features.5": "pass", "features.6": "pass", "features.7": "pass",
		"classifier.0": "pass", "classifier.1": "epsilon", "classifier.2": "pass", "classifier.3": "epsilon",
	}, boundRules(h))
	name, found := h.RuleName("classifier.3")
	require.True(t, found)
	require.Equal(t, "epsilon", name)
	_, found = h.RuleName("classifier")
	require.False(t, found)

	require.Equal(t, 12, rules.NumBindings())
	require.NotSame(t, originalWeight, firstConv.Weight.Value)
	require.False(t, relevance(t, model, x).HasNonFinite())

	h.Release()
	require.True(t, h.IsReleased())
	requireClean(t, model)
	require.Same(t, originalWeight, firstConv.Weight.Value)
	h.Release()
	requireClean(t, model)

	// The same composite can be registered again.
	h = must.M1(composite.Register(model))
	h.Release()
	requireClean(t, model)
}

func TestReentrant(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	h, err := EpsilonPlus(DefaultParams()).Register(model)
	require.NoError(t, err)
	_, err = EpsilonAlpha2Beta1(DefaultParams()).Register(model)
	require.ErrorIs(t, err, ErrReentrant)
	require.Equal(t, 12, rules.NumBindings())

	// A second model is not affected.
	other := models.VGG(models.DefaultVGGConfig())
	h2 := must.M1(EpsilonPlus(DefaultParams()).Register(other))
	h2.Release()
	h.Release()
	requireClean(t, model)
	requireClean(t, other)
}

func TestNoMatches(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	firstConv := model.At(0).(*nn.Sequential).At(0).(*nn.Conv2D)
	originalWeight := firstConv.Weight.Value
	composite := NewLayerMap("nothing", Entry{Matcher: Kinds("LSTM"), Template: rules.NewEpsilon(nil)}).
		WithCanonizers(canonizers.VGG())
	_, err := composite.Register(model)
	require.ErrorIs(t, err, ErrNoMatches)
	requireClean(t, model)
	require.Same(t, originalWeight, firstConv.Weight.Value)

	// Maps without entries match nothing.
	for _, empty := range []*Composite{NewNameMap("empty_names"), NewLayerMap("empty_layers"),
		NewSpecialFirstLayerMap("empty_first", nil, nil)} {
		_, err = empty.WithCanonizers(canonizers.VGG()).Register(model)
		require.ErrorIs(t, err, ErrNoMatches, "composite %q", empty.Name())
		requireClean(t, model)
		require.Same(t, originalWeight, firstConv.Weight.Value)
	}

	// Noop never fails and attaches nothing.
	h := must.M1(Noop().Register(model))
	require.Empty(t, h.Bindings())
	require.Zero(t, nn.CountHooks(model))
	h.Release()

	// Entries added to a Noop make it a map.
	_, err = Noop().WithEntries(Entry{Matcher: Kinds("LSTM"), Template: rules.NewPass()}).Register(model)
	require.ErrorIs(t, err, ErrNoMatches)
	requireClean(t, model)
}

func TestNameMapFallbackToPass(t *testing.T) {
	const epsilon = 1e-6
	model := nn.NewSequential(
		nn.NewLinear(tensors.FromValue([][]float64{{2, 1}}), tensors.FromValue([]float64{0})),
		nn.NewReLU())
	composite := NewNameMap("names", NameEntry{Names: []string{"0"}, Rule: rules.NewEpsilon(stabilizers.Epsilon(epsilon))})
	x := tensors.FromValue([][]float64{{1, -1}})
	err := composite.Context(model, func() error {
		h := active.handles[model]
		require.NotNil(t, h)
		bindings := h.Bindings()
		require.Len(t, bindings, 2)
		assert.False(t, bindings[0].Implicit)
		assert.True(t, bindings[1].Implicit)
		assert.Equal(t, "pass", bindings[1].Rule.Name())

		got := relevance(t, model, x)
		assert.InDeltaSlice(t, []float64{2 / (1 + epsilon), -1 / (1 + epsilon)}, got.Flat(), 1e-12)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, model)
}

func TestFirstLayerAppliedOnce(t *testing.T) {
	rng := tensors.NewRNG(1)
	model := nn.NewSequential(
		nn.NewLinear(tensors.Normal(rng, shapes.Make(4, 3), 1), nil),
		nn.NewReLU(),
		nn.NewLinear(tensors.Normal(rng, shapes.Make(4, 4), 1), nil),
		nn.NewReLU(),
		nn.NewLinear(tensors.Normal(rng, shapes.Make(2, 4), 1), nil))
	h := must.M1(EpsilonAlpha2Beta1Flat(DefaultParams()).Register(model))
	require.Equal(t, map[string]string{"0": "flat", "1": "pass", "2": "epsilon", "3": "pass", "4": "epsilon"},
		boundRules(h))

	// Entries added with WithEntries take precedence.
	h.Release()
	h = must.M1(EpsilonAlpha2Beta1Flat(DefaultParams()).
		WithEntries(Entry{Matcher: Names("2"), Template: rules.NewWSquare(nil)}).Register(model))
	require.Equal(t, map[string]string{"0": "flat", "1": "pass", "2": "wsquare", "3": "pass", "4": "epsilon"},
		boundRules(h))
	h.Release()
	requireClean(t, model)
}

func TestForcedFailure(t *testing.T) {
	model := models.ResNet(models.DefaultResNetConfig())
	snapshot := make(map[*nn.Parameter]*tensors.Tensor)
	for _, leaf := range nn.Leaves(model) {
		if p, ok := leaf.Module.(nn.Parametrized); ok {
			for _, param := range p.Parameters() {
				snapshot[param] = param.Value
			}
		}
	}
	numLeaves := len(nn.Leaves(model))

	// Bind a rule to the output layer beforehand: registration fails when it reaches it.
	leaves := nn.Leaves(model)
	blocker := rules.NewPass()
	require.NoError(t, blocker.Attach(leaves[len(leaves)-1].Module))

	p := DefaultParams()
	p.Canonizers = []canonizers.Canonizer{canonizers.ResNet()}
	_, err := EpsilonPlus(p).Register(model)
	require.ErrorIs(t, err, rules.ErrAlreadyBound)
	require.Equal(t, 1, nn.CountHooks(model))
	require.Equal(t, 1, rules.NumBindings())
	require.Len(t, nn.Leaves(model), numLeaves)
	for param, value := range snapshot {
		require.Same(t, value, param.Value, "parameter %q not restored", param.Name)
	}
	blocker.Detach()
	requireClean(t, model)

	// Now it works.
	h := must.M1(EpsilonPlus(p).Register(model))
	require.Len(t, nn.Leaves(model), numLeaves+2)
	h.Release()
	requireClean(t, model)
	require.Len(t, nn.Leaves(model), numLeaves)
}

func TestContext(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	composite := EpsilonPlus(DefaultParams())

	wantErr := errors.New("fn failed")
	err := composite.Context(model, func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)
	requireClean(t, model)

	err = composite.Context(model, func() error {
		panic(errors.New("panicked"))
	})
	require.ErrorContains(t, err, "panicked")
	requireClean(t, model)

	require.Panics(t, func() {
		_ = composite.Context(model, func() error { panic("not an error") })
	})
	requireClean(t, model)

	// Registration errors are returned, and fn is not called.
	h := must.M1(composite.Register(model))
	called := false
	err = composite.Context(model, func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrReentrant)
	require.False(t, called)
	h.Release()
}

func TestPresetsByName(t *testing.T) {
	for _, name := range PresetNames() {
		p := DefaultParams()
		if name == NameEpsilonGammaBox {
			_, err := ByName(name, p)
			require.ErrorIs(t, err, rules.ErrMissingBounds)
			p.Low, p.High = tensors.Scalar(-3.0), tensors.Scalar(3.0)
		}
		composite, err := ByName(name, p)
		require.NoError(t, err)
		require.Equal(t, name, composite.Name())

		model := models.VGG(models.DefaultVGGConfig())
		err = composite.WithCanonizers(canonizers.VGG()).Context(model, func() error {
			x := tensors.Uniform(tensors.NewRNG(3), shapes.Make(2, 3, 16, 16), -3, 3)
			require.False(t, relevance(t, model, x).HasNonFinite(), "composite %q", name)
			return nil
		})
		require.NoError(t, err)
		requireClean(t, model)
	}
	_, err := ByName("epsilon_minus", DefaultParams())
	require.ErrorContains(t, err, NameEpsilonPlusFlat)
}

func TestEpsilonGammaBoxBounds(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	firstConv := model.At(0).(*nn.Sequential).At(0).(*nn.Conv2D)
	originalWeight := firstConv.Weight.Value

	// One bound per color channel.
	p := DefaultParams()
	p.Low, p.High = tensors.FromValue([]float64{-2, -2, -2}), tensors.FromValue([]float64{2, 2, 2})
	composite := must.M1(EpsilonGammaBox(p)).WithCanonizers(canonizers.VGG())
	err := composite.Context(model, func() error {
		x := tensors.Uniform(tensors.NewRNG(5), shapes.Make(1, 3, 16, 16), -2, 2)
		got := relevance(t, model, x)
		require.False(t, got.HasNonFinite())
		return nil
	})
	require.NoError(t, err)
	requireClean(t, model)

	// 5 values can't be split over the 3 input channels of the first convolution.
	p.Low, p.High = tensors.FromValue([]float64{-2, -2, -2, -2, -2}), tensors.Scalar(2)
	composite = must.M1(EpsilonGammaBox(p)).WithCanonizers(canonizers.VGG())
	_, err = composite.Register(model)
	require.ErrorIs(t, err, rules.ErrBoundsShape)
	requireClean(t, model)
	require.Same(t, originalWeight, firstConv.Weight.Value)
}

func TestRuleAndMatcherByName(t *testing.T) {
	for _, name := range ruleNames {
		p := DefaultParams()
		p.Low, p.High = tensors.Scalar(0.0), tensors.Scalar(1.0)
		rule, err := RuleByName(name, p)
		require.NoError(t, err)
		require.Equal(t, name, rule.Name())
	}
	_, err := RuleByName("zbox", DefaultParams())
	require.ErrorIs(t, err, rules.ErrMissingBounds)
	_, err = RuleByName("lrp", DefaultParams())
	require.Error(t, err)

	conv := nn.NewConv2D(tensors.FromScalarAndDimensions(1, 1, 1, 1, 1), nil, 1, 0)
	m, err := MatcherByName("convolution")
	require.NoError(t, err)
	require.True(t, m.Match("", conv))
	m, err = MatcherByName(nn.KindBatchNorm)
	require.NoError(t, err)
	require.False(t, m.Match("", conv))
	require.True(t, m.Match("", nn.NewIdentityBatchNorm(1)))
	_, err = MatcherByName("attention")
	require.ErrorContains(t, err, "BatchNorm")
}

func TestMatchers(t *testing.T) {
	linear := nn.NewLinear(tensors.FromScalarAndDimensions(1, 1, 1), nil)
	relu := nn.NewReLU()

	scopes := Scopes("features", "classifier.1")
	assert.True(t, scopes.Match("features.0", relu))
	assert.True(t, scopes.Match("features.1.conv1", relu))
	assert.True(t, scopes.Match("classifier.1", linear))
	assert.False(t, scopes.Match("classifier.2", linear))
	assert.False(t, scopes.Match("features2", linear))
	assert.True(t, Scopes("").Match("anything", relu))
	assert.Equal(t, `Scopes("classifier.1", "features")`, scopes.String())

	all := All(Caps(nn.CapLinear|nn.CapDense), Scopes("classifier"))
	assert.True(t, all.Match("classifier.1", linear))
	assert.False(t, all.Match("features.1", linear))
	assert.False(t, all.Match("classifier.2", relu))
	assert.Equal(t, `All(Caps{linear,dense}, Scopes("classifier"))`, all.String())

	assert.Equal(t, "Kinds(Linear, ReLU)", Kinds(nn.KindReLU, nn.KindLinear).String())
	assert.True(t, Kinds(nn.KindReLU).Match("", relu))
	assert.Equal(t, "Names(a.0, b)", Names("b", "a.0").String())
	assert.True(t, Names("a.0").Match("a.0", relu))
	assert.False(t, Names("a.0").Match("a", relu))
}
