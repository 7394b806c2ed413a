// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relevance back-propagates seed through the model, with whatever rules are attached.
func relevance(t *testing.T, model nn.Module, x, seed *tensors.Tensor) *tensors.Tensor {
	_, grad, err := nn.Backward(model, x, func(output *tensors.Tensor) (*tensors.Tensor, error) {
		return seed, nil
	})
	require.NoError(t, err)
	return grad
}

// attach binds each rule to the corresponding leaf of the model, and returns a function that detaches them all.
func attach(t *testing.T, model nn.Module, rules ...Rule) func() {
	leaves := nn.Leaves(model)
	require.Len(t, leaves, len(rules))
	for ii, rule := range rules {
		require.NoError(t, rule.Attach(leaves[ii].Module))
	}
	return func() {
		for _, rule := range rules {
			rule.Detach()
		}
	}
}

func TestEpsilonTwoLayers(t *testing.T) {
	const epsilon = 1e-6
	model := nn.NewSequential(
		nn.NewLinear(tensors.FromValue([][]float64{{2, 1}}), tensors.FromValue([]float64{0})),
		nn.NewReLU())
	detach := attach(t, model, NewEpsilon(stabilizers.Epsilon(epsilon)), NewPass())
	defer detach()

	x := tensors.FromValue([][]float64{{1, -1}})
	got := relevance(t, model, x, tensors.FromValue([][]float64{{1}}))
	fmt.Printf("relevance: %v\n", got)
	assert.InDeltaSlice(t, []float64{2 / (1 + epsilon), -1 / (1 + epsilon)}, got.Flat(), 1e-12)

	// Relevance is conserved, up to epsilon, and input 1 has relevance of opposite sign to its gradient.
	assert.InDelta(t, 1.0, tensors.ReduceSum(got), 1e-5)
	require.Greater(t, got.Flat()[0], 0.0)
	require.Less(t, got.Flat()[1], 0.0)
}

func TestPassEverywhereIsGradient(t *testing.T) {
	rng := tensors.NewRNG(3)
	// Positive weights and inputs: the ReLU is active everywhere.
	model := nn.NewSequential(
		nn.NewLinear(tensors.Uniform(rng, shapes.Make(4, 3), 0.1, 1), tensors.Uniform(rng, shapes.Make(4), 0, 1)),
		nn.NewReLU(),
		nn.NewLinear(tensors.Normal(rng, shapes.Make(2, 4), 1), nil))
	x := tensors.Uniform(rng, shapes.Make(5, 3), 0, 1)
	seed := tensors.Normal(rng, shapes.Make(5, 2), 1)
	want := relevance(t, model, x, seed)

	detach := attach(t, model, NewPass(), NewPass(), NewPass())
	got := relevance(t, model, x, seed)
	detach()
	require.True(t, want.InDelta(got, 1e-12), "want %v, got %v", want, got)
	require.Zero(t, nn.CountHooks(model))
}

func TestZPlusAndGamma(t *testing.T) {
	x := tensors.FromValue([][]float64{{1, 1}})
	seed := tensors.FromValue([][]float64{{1}})
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1, -1}}), tensors.FromValue([]float64{0.5}))

	zplus := NewZPlus(stabilizers.Epsilon(0))
	require.NoError(t, zplus.Attach(linear))
	assert.InDeltaSlice(t, []float64{1, 0}, relevance(t, linear, x, seed).Flat(), 1e-12)
	zplus.Detach()

	gamma := NewGamma(1, stabilizers.Epsilon(0))
	require.NoError(t, gamma.Attach(linear))
	// W' = [[2, -1]], b' = 1, z = 2.
	assert.InDeltaSlice(t, []float64{1, -0.5}, relevance(t, linear, x, seed).Flat(), 1e-12)
	gamma.Detach()
}

func TestAlphaBeta(t *testing.T) {
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1, -1}}), nil)
	rule := NewAlphaBeta(DefaultAlpha, DefaultBeta, stabilizers.Epsilon(0))
	require.NoError(t, rule.Attach(linear))
	defer rule.Detach()
	got := relevance(t, linear, tensors.FromValue([][]float64{{1, 1}}), tensors.FromValue([][]float64{{1}}))
	assert.InDeltaSlice(t, []float64{2, -1}, got.Flat(), 1e-12)
}

func TestFlatAndWSquare(t *testing.T) {
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1, 2, 3}}), tensors.FromValue([]float64{7}))
	x := tensors.FromValue([][]float64{{-5, 0, 11}})
	seed := tensors.FromValue([][]float64{{3}})

	flat := NewFlat(stabilizers.Epsilon(0))
	require.NoError(t, flat.Attach(linear))
	assert.InDeltaSlice(t, []float64{1, 1, 1}, relevance(t, linear, x, seed).Flat(), 1e-12)
	flat.Detach()

	wsquare := NewWSquare(stabilizers.Epsilon(0))
	require.NoError(t, wsquare.Attach(linear))
	assert.InDeltaSlice(t, []float64{3.0 / 14, 12.0 / 14, 27.0 / 14}, relevance(t, linear, x, seed).Flat(), 1e-12)
	wsquare.Detach()
}

func TestNormOnSum(t *testing.T) {
	sum := nn.NewSum()
	rule := NewNorm(stabilizers.Epsilon(0))
	require.NoError(t, rule.Attach(sum))
	defer rule.Detach()

	a, b := tensors.FromValue([]float64{1, -2}), tensors.FromValue([]float64{3, 0})
	output, grads := backwardTwoInputs(sum, a, b, tensors.FromValue([]float64{1, 4}))
	require.Equal(t, []float64{4, -2}, output.Flat())
	assert.InDeltaSlice(t, []float64{0.25, 4}, grads[0].Flat(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.75, 0}, grads[1].Flat(), 1e-12)
}

func TestZBox(t *testing.T) {
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1, 2}, {0.5, 0.5}}), tensors.FromValue([]float64{0, 0.1}))
	low, high := tensors.Scalar(0), tensors.FromValue([]float64{1, 2})
	rule := must.M1(NewZBox(low, high, nil))
	require.NoError(t, rule.Attach(linear))
	defer rule.Detach()

	seed := tensors.FromValue([][]float64{{1, 1}, {1, 1}})
	// Inputs exactly at the bounds: all weights positive, so z = W (x - low) is zero at low.
	atBounds := tensors.FromValue([][]float64{{0, 0}, {1, 2}})
	got := relevance(t, linear, atBounds, seed)
	fmt.Printf("zbox relevance at the bounds: %v\n", got)
	require.False(t, got.HasNonFinite())
	for _, v := range got.Flat() {
		require.False(t, math.IsNaN(v))
	}

	// Mixed-sign weights, inside the box: relevance is conserved.
	mixed := nn.NewLinear(tensors.FromValue([][]float64{{1, -2}}), nil)
	rule2 := rule.Copy()
	require.NoError(t, rule2.Attach(mixed))
	defer rule2.Detach()
	x := tensors.FromValue([][]float64{{0.5, 0.5}})
	got = relevance(t, mixed, x, tensors.FromValue([][]float64{{1}}))
	// z = (0.5 - 1) - (1*0) - (-2*2) = 3.5; R = (x*W - low*W⁺ - high*W⁻) / z.
	assert.InDeltaSlice(t, []float64{0.5 / 3.5, 3.0 / 3.5}, got.Flat(), 1e-6)

	_, err := NewZBox(nil, high, nil)
	require.ErrorIs(t, err, ErrMissingBounds)
}

func TestZBoxBoundsPerChannel(t *testing.T) {
	conv := nn.NewConv2D(tensors.FromFlatDataAndDimensions([]float64{1, -1}, 1, 2, 1, 1), nil, 1, 0)
	x := tensors.FromFlatDataAndDimensions([]float64{0.5, 0.2, 1, 1.5}, 1, 2, 1, 2)
	seed := tensors.FromFlatDataAndDimensions([]float64{1, 1}, 1, 1, 1, 2)

	perChannel := must.M1(NewZBox(tensors.FromValue([]float64{0, -1}), tensors.FromValue([]float64{1, 2}), stabilizers.Epsilon(0)))
	require.NoError(t, perChannel.Attach(conv))
	got := relevance(t, conv, x, seed)
	perChannel.Detach()

	perSample := must.M1(NewZBox(
		tensors.FromFlatDataAndDimensions([]float64{0, 0, -1, -1}, 2, 1, 2),
		tensors.FromFlatDataAndDimensions([]float64{1, 1, 2, 2}, 2, 1, 2), stabilizers.Epsilon(0)))
	require.NoError(t, perSample.Attach(conv))
	want := relevance(t, conv, x, seed)
	perSample.Detach()
	require.True(t, want.InDelta(got, 1e-12), "want %v, got %v", want, got)
	require.False(t, got.HasNonFinite())
}

func TestZBoxBoundsShape(t *testing.T) {
	conv := nn.NewConv2D(tensors.FromFlatDataAndDimensions([]float64{1, -1}, 1, 2, 1, 1), nil, 1, 0)

	// 5 values can't be split over 2 input channels.
	rule := must.M1(NewZBox(tensors.FromValue([]float64{0, 0, 0, 0, 0}), tensors.Scalar(1), nil))
	require.ErrorIs(t, rule.Attach(conv), ErrBoundsShape)
	require.False(t, rule.IsBound())
	require.Zero(t, conv.NumHooks())

	// 4 values fit the weights, but not an input of shape [1, 2, 1, 3].
	rule = must.M1(NewZBox(tensors.FromValue([]float64{0, 0, 0, 0}), tensors.Scalar(1), nil))
	require.NoError(t, rule.Attach(conv))
	defer rule.Detach()
	x := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 1, 3)
	_, _, err := nn.Backward(conv, x, func(output *tensors.Tensor) (*tensors.Tensor, error) {
		return tensors.OnesLike(output), nil
	})
	require.ErrorIs(t, err, ErrBoundsShape)
}

func TestEpsilonSharedLeaf(t *testing.T) {
	// The same layer applied twice: each application back-propagates with its own inputs.
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1, 1}, {0, 1}}), nil)
	model := nn.NewSequential(linear, linear)
	rule := NewEpsilon(stabilizers.Epsilon(0))
	require.NoError(t, rule.Attach(linear))
	defer rule.Detach()

	// x = [1, 2] -> [3, 2] -> [5, 2].
	got := relevance(t, model, tensors.FromValue([][]float64{{1, 2}}), tensors.FromValue([][]float64{{1, 1}}))
	assert.InDeltaSlice(t, []float64{0.2, 1.8}, got.Flat(), 1e-12)
}

func TestLifecycle(t *testing.T) {
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1}}), nil)
	rule := NewEpsilon(nil)
	require.False(t, rule.IsBound())
	rule.Detach() // Detach without attach is a no-op.

	require.NoError(t, rule.Attach(linear))
	require.True(t, rule.IsBound())
	require.Equal(t, 2, linear.NumHooks())
	bound, found := BoundRule(linear)
	require.True(t, found)
	require.Same(t, rule, bound)

	err := NewPass().Attach(linear)
	require.ErrorIs(t, err, ErrAlreadyBound)
	require.Equal(t, 2, linear.NumHooks(), "failed attach must not install hooks")

	other := nn.NewLinear(tensors.FromValue([][]float64{{1}}), nil)
	require.ErrorIs(t, rule.Attach(other), ErrRuleInUse)
	fresh := rule.Copy()
	require.False(t, fresh.IsBound())
	require.Equal(t, "epsilon", fresh.Name())
	require.NoError(t, fresh.Attach(other))
	fresh.Detach()

	rule.Detach()
	rule.Detach()
	require.False(t, rule.IsBound())
	require.Zero(t, linear.NumHooks())
	_, found = BoundRule(linear)
	require.False(t, found)

	require.ErrorIs(t, NewPass().Attach(nn.NewSequential(linear)), ErrNotLeaf)
	require.Zero(t, NumBindings())
}

func TestBackwardWithoutForward(t *testing.T) {
	linear := nn.NewLinear(tensors.FromValue([][]float64{{1}}), nil)
	rule := NewEpsilon(nil)
	require.NoError(t, rule.Attach(linear))
	defer rule.Detach()
	require.Panics(t, func() {
		_ = rule.backward(linear, nil, tensors.FromValue([][]float64{{1}}), nil)
	})
}

// backwardTwoInputs applies a two-input leaf through a graph and back-propagates seed to both inputs.
func backwardTwoInputs(leaf nn.Module, a, b, seed *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor) {
	g := graph.New("test")
	nodeA, nodeB := g.Input(a), g.Input(b)
	output := leaf.Forward(nodeA, nodeB)
	return output.Value(), graph.Gradient(output, seed, nodeA, nodeB)
}
