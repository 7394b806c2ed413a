// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attributors

import (
	"fmt"
	"testing"

	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/models"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/canonizers"
	"github.com/gomlx/xai/pkg/ml/xai/composites"
	"github.com/gomlx/xai/pkg/ml/xai/rules"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireClean(t *testing.T, model nn.Module) {
	require.Zero(t, nn.CountHooks(model))
	require.Zero(t, rules.NumBindings())
}

func vggComposite() *composites.Composite {
	p := composites.DefaultParams()
	p.Canonizers = []canonizers.Canonizer{canonizers.VGG()}
	return composites.EpsilonPlusFlat(p)
}

func TestGradientTwoLayers(t *testing.T) {
	const epsilon = stabilizers.DefaultEpsilon
	model := nn.NewSequential(
		nn.NewLinear(tensors.FromValue([][]float64{{2, 1}}), tensors.FromValue([]float64{0})),
		nn.NewReLU())
	x := tensors.FromValue([][]float64{{1, -1}})
	target := must.M1(OneHot(shapes.Make(1, 1), 0))

	output, attribution, err := NewGradient(model, composites.EpsilonPlus(composites.DefaultParams())).Compute(x, target)
	require.NoError(t, err)
	require.Equal(t, []float64{1}, output.Flat())
	assert.InDeltaSlice(t, []float64{2 / (1 + epsilon), -1 / (1 + epsilon)}, attribution.Flat(), 1e-12)
	requireClean(t, model)

	// Without a composite it is the plain gradient.
	_, attribution, err = NewGradient(model, nil).Compute(x, target)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 1}, attribution.Flat())
}

func TestSmoothGradSingleIterationWithoutNoise(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	x := tensors.Normal(tensors.NewRNG(1), shapes.Make(2, 3, 16, 16), 1)
	target := must.M1(OneHot(shapes.Make(2, 10), 3, 7))

	wantOutput, want, err := NewGradient(model, vggComposite()).Compute(x, target)
	require.NoError(t, err)
	gotOutput, got, err := NewSmoothGrad(model, vggComposite(), 0, 1).Compute(x, target)
	require.NoError(t, err)
	require.True(t, wantOutput.InDelta(gotOutput, 1e-12))
	require.True(t, want.InDelta(got, 1e-12))
	requireClean(t, model)
}

func TestSmoothGrad(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	x := tensors.Normal(tensors.NewRNG(1), shapes.Make(2, 3, 16, 16), 1)
	cleanOutput := must.M1(nn.Forward(model, x))

	var progress []string
	attributor := NewSmoothGrad(model, vggComposite(), 0.1, 4).
		WithSeed(7).
		WithProgress(func(done, total int) { progress = append(progress, fmt.Sprintf("%d/%d", done, total)) })
	output, attribution, err := attributor.Compute(x, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1/4", "2/4", "3/4", "4/4"}, progress)
	require.True(t, cleanOutput.InDelta(output, 1e-9), "output must come from the noiseless input")
	require.Equal(t, x.Dims(), attribution.Dims())
	requireClean(t, model)

	// Deterministic given the seed.
	_, again, err := attributor.WithProgress(nil).Compute(x, nil)
	require.NoError(t, err)
	require.True(t, attribution.Equal(again))

	_, gradient, err := NewGradient(model, vggComposite()).Compute(x, nil)
	require.NoError(t, err)
	require.False(t, attribution.InDelta(gradient, 1e-9))

	_, _, err = NewSmoothGrad(model, nil, 0.1, 0).Compute(x, nil)
	require.Error(t, err)
	_, _, err = NewSmoothGrad(model, nil, -1, 1).Compute(x, nil)
	require.Error(t, err)
}

func TestIntegratedGradients(t *testing.T) {
	// For a linear model the gradient is constant: the integrated gradients are exactly (x - baseline) * W^T target.
	model := nn.NewSequential(nn.NewLinear(tensors.FromValue([][]float64{{1, -2, 3}, {0, 1, 1}}),
		tensors.FromValue([]float64{0.5, -1})))
	x := tensors.FromValue([][]float64{{1, 2, 3}, {-1, 0, 2}})
	target := must.M1(OneHot(shapes.Make(2, 2), 0))

	output, attribution, err := NewIntegratedGradients(model, nil, 3, nil).Compute(x, target)
	require.NoError(t, err)
	require.True(t, output.InDelta(tensors.FromValue([][]float64{{6.5, 4}, {5.5, 1}}), 1e-12))
	require.True(t, attribution.InDelta(tensors.FromValue([][]float64{{1, -4, 9}, {-1, 0, 6}}), 1e-12),
		"got %v", attribution)

	var steps int
	_, attribution, err = NewIntegratedGradients(model, nil, 5, tensors.Scalar(1)).
		WithProgress(func(done, total int) { steps = done }).Compute(x, target)
	require.NoError(t, err)
	require.Equal(t, 5, steps)
	require.True(t, attribution.InDelta(tensors.FromValue([][]float64{{0, -2, 6}, {-2, 2, 3}}), 1e-12),
		"got %v", attribution)

	_, _, err = NewIntegratedGradients(model, nil, 2, tensors.FromValue([]float64{1, 2})).Compute(x, target)
	require.Error(t, err)
}

func TestFailuresLeaveModelClean(t *testing.T) {
	model := models.VGG(models.DefaultVGGConfig())
	firstConv := model.At(0).(*nn.Sequential).At(0).(*nn.Conv2D)
	originalWeight := firstConv.Weight.Value
	x := tensors.Normal(tensors.NewRNG(1), shapes.Make(2, 3, 16, 16), 1)

	// Target of the wrong shape.
	_, _, err := NewGradient(model, vggComposite()).Compute(x, tensors.FromShape(shapes.Make(2, 5)))
	require.ErrorContains(t, err, "target shape")
	requireClean(t, model)
	require.Same(t, originalWeight, firstConv.Weight.Value)

	// Input of the wrong shape: the runtime panics in the middle of the forward pass.
	for _, attributor := range []Attributor{
		NewGradient(model, vggComposite()),
		NewSmoothGrad(model, vggComposite(), 0.1, 3),
		NewIntegratedGradients(model, vggComposite(), 3, nil),
	} {
		_, _, err = attributor.Compute(tensors.FromShape(shapes.Make(2, 4, 16, 16)), nil)
		require.Error(t, err)
		fmt.Printf("expected error: %v\n", err)
		requireClean(t, model)
		require.Same(t, originalWeight, firstConv.Weight.Value)
	}
}

func TestNonFinite(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(tensors.FromValue([][]float64{{1, -1}}), nil))
	composite := composites.NewLayerMap("unstabilized",
		composites.Entry{Matcher: composites.Caps(nn.CapDense), Template: rules.NewEpsilon(stabilizers.Identity())})
	_, _, err := NewGradient(model, composite).Compute(tensors.FromValue([][]float64{{1, 1}}),
		tensors.FromValue([][]float64{{1}}))
	require.ErrorIs(t, err, ErrNonFinite)
	requireClean(t, model)
}

func TestOneHot(t *testing.T) {
	target, err := OneHot(shapes.Make(3, 4), 1, 0, 3)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{0, 1, 0, 0}, {1, 0, 0, 0}, {0, 0, 0, 1}}, target.Value())
	target, err = OneHot(shapes.Make(2, 2), 1)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{0, 1}, {0, 1}}, target.Value())

	_, err = OneHot(shapes.Make(2, 2), 2)
	require.Error(t, err)
	_, err = OneHot(shapes.Make(3, 2), 0, 1)
	require.Error(t, err)
	_, err = OneHot(shapes.Make(2, 2, 2), 0)
	require.Error(t, err)
}
