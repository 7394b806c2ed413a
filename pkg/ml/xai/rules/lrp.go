// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rules

import (
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/pkg/errors"
)

// Default hyperparameters of the rules.
const (
	DefaultGamma = 0.25
	DefaultAlpha = 2.0
	DefaultBeta  = 1.0
)

// ErrMissingBounds is returned by NewZBox when a bound is not given.
var ErrMissingBounds = errors.New("the zbox rule requires both low and high bounds")

// ErrBoundsShape is returned when the bounds of the zbox rule cannot be broadcast to the inputs of its layer.
var ErrBoundsShape = errors.New("the zbox bounds do not match the layer input")

var (
	identityInput InputModifier = func(x *tensors.Tensor) *tensors.Tensor { return x }
	positiveInput InputModifier = tensors.Positive
	negativeInput InputModifier = tensors.Negative
	onesInput     InputModifier = tensors.OnesLike
)

// modifyWeight returns a ParamModifier that applies fn to the weight and either fn or zero to the bias.
func modifyWeight(fn func(*tensors.Tensor) *tensors.Tensor, zeroBias bool) ParamModifier {
	return func(value *tensors.Tensor, name string) *tensors.Tensor {
		if name == nn.ParamBias && zeroBias {
			return tensors.ZerosLike(value)
		}
		return fn(value)
	}
}

// divideByStabilized is the most common gradient mapper: every branch receives gradOutput / stabilize(z),
// where z is the sum of the outputs of the branches.
func divideByStabilized(s stabilizers.Stabilizer, gradOutput *tensors.Tensor, outputs []*tensors.Tensor) []*tensors.Tensor {
	g := tensors.Div(gradOutput, s.Stabilize(tensors.Sum(outputs[0], outputs[1:]...)))
	grads := make([]*tensors.Tensor, len(outputs))
	for k := range grads {
		grads[k] = g
	}
	return grads
}

// weightedProducts returns a reducer that computes, for each input ii, sum_k coefficients[k] * inputs[k][ii] * gradients[k][ii].
func weightedProducts(coefficients ...float64) Reducer {
	return func(inputs, gradients [][]*tensors.Tensor) []*tensors.Tensor {
		relevance := make([]*tensors.Tensor, len(inputs[0]))
		for ii := range relevance {
			acc := tensors.ZerosLike(inputs[0][ii])
			for k, c := range coefficients {
				if gradients[k] == nil || c == 0 {
					continue
				}
				acc = tensors.Add(acc, tensors.Scale(tensors.Mul(inputs[k][ii], gradients[k][ii]), c))
			}
			relevance[ii] = acc
		}
		return relevance
	}
}

// gradientsOnly is the reducer of rules that ignore the input values: the relevance is the gradient of the first branch.
func gradientsOnly(_, gradients [][]*tensors.Tensor) []*tensors.Tensor {
	return gradients[0]
}

// NewNorm creates the Norm rule: the relevance is redistributed proportionally to each input's contribution to
// the output, normalized by the output. It is used for layers without weights, like pooling and Sum.
//
//	R_in = x * J^T (R_out / stabilize(y))
func NewNorm(stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("norm",
		[]InputModifier{identityInput}, nil, nil,
		divideByStabilized, weightedProducts(1), stabilizer)
}

// NewEpsilon creates the LRP-ε rule:
//
//	R_in = x * (W^T (R_out / stabilize(W x + b)))
//
// The size of ε is given by the stabilizer, see stabilizers.Epsilon.
func NewEpsilon(stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("epsilon",
		[]InputModifier{identityInput}, nil, nil,
		divideByStabilized, weightedProducts(1), stabilizer)
}

// NewZPlus creates the LRP-z⁺ rule, that only redistributes relevance along positive contributions:
// positive inputs with positive weights, and negative inputs with negative weights. Biases are ignored.
//
//	z = W⁺ x⁺ + W⁻ x⁻,  R_in = x⁺ * (W⁺^T (R_out / z)) + x⁻ * (W⁻^T (R_out / z))
func NewZPlus(stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("zplus",
		[]InputModifier{positiveInput, negativeInput},
		[]ParamModifier{modifyWeight(tensors.Positive, true), modifyWeight(tensors.Negative, true)},
		nil, divideByStabilized, weightedProducts(1, 1), stabilizer)
}

// NewGamma creates the LRP-γ rule, that favors positive contributions by adding γ times the positive part of the
// parameters to them:
//
//	R_in = x * ((W + γW⁺)^T (R_out / stabilize((W + γW⁺) x + b + γb⁺)))
func NewGamma(gamma float64, stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("gamma",
		[]InputModifier{identityInput},
		[]ParamModifier{modifyWeight(func(w *tensors.Tensor) *tensors.Tensor {
			return tensors.Add(w, tensors.Scale(tensors.Positive(w), gamma))
		}, false)},
		nil, divideByStabilized, weightedProducts(1), stabilizer)
}

// NewAlphaBeta creates the LRP-αβ rule, that treats positive and negative contributions separately, weighted by
// alpha and beta respectively (usually alpha - beta = 1):
//
//	R_in = α * (positive contributions normalized by their sum) - β * (negative contributions normalized by their sum)
//
// The positive part of the bias is counted with the positive contributions and its negative part with the negative ones.
func NewAlphaBeta(alpha, beta float64, stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("alpha_beta",
		[]InputModifier{positiveInput, negativeInput, positiveInput, negativeInput},
		[]ParamModifier{
			modifyWeight(tensors.Positive, false),
			modifyWeight(tensors.Negative, true),
			modifyWeight(tensors.Negative, false),
			modifyWeight(tensors.Positive, true),
		},
		nil,
		func(s stabilizers.Stabilizer, gradOutput *tensors.Tensor, outputs []*tensors.Tensor) []*tensors.Tensor {
			positive := tensors.Div(gradOutput, s.Stabilize(tensors.Add(outputs[0], outputs[1])))
			negative := tensors.Div(gradOutput, s.Stabilize(tensors.Add(outputs[2], outputs[3])))
			return []*tensors.Tensor{positive, positive, negative, negative}
		},
		weightedProducts(alpha, alpha, -beta, -beta), stabilizer)
}

// NewFlat creates the Flat rule: the relevance is distributed uniformly over the receptive field of each output,
// ignoring both the weights and the input values.
func NewFlat(stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("flat",
		[]InputModifier{onesInput},
		[]ParamModifier{modifyWeight(tensors.OnesLike, true)},
		nil, divideByStabilized, gradientsOnly, stabilizer)
}

// NewWSquare creates the LRP-w² rule: the relevance is distributed proportionally to the squared weights,
// ignoring the input values.
func NewWSquare(stabilizer stabilizers.Stabilizer) *Hook {
	return NewHook("wsquare",
		[]InputModifier{onesInput},
		[]ParamModifier{modifyWeight(tensors.Square, true)},
		nil, divideByStabilized, gradientsOnly, stabilizer)
}

// NewZBox creates the LRP-z^B rule, for the first layer of a model whose inputs are bounded by [low, high].
//
//	z = W x - W⁺ low - W⁻ high
//	R_in = x * (W^T g) - low * (W⁺^T g) - high * (W⁻^T g), with g = R_out / stabilize(z)
//
// low and high can be scalars, one value per input channel, one sample (broadcast over the batch) or have the
// full shape of the layer input, see tensors.BroadcastTo.
// It returns ErrMissingBounds if either bound is nil. Bounds that don't fit the layer fail with ErrBoundsShape:
// on Attach if the weights of the layer already rule them out, otherwise on the forward pass.
func NewZBox(low, high *tensors.Tensor, stabilizer stabilizers.Stabilizer) (*Hook, error) {
	if low == nil || high == nil {
		return nil, ErrMissingBounds
	}
	bound := func(b *tensors.Tensor) InputModifier {
		return func(x *tensors.Tensor) *tensors.Tensor {
			return tensors.BroadcastTo(b, x.Shape())
		}
	}
	h := NewHook("zbox",
		[]InputModifier{identityInput, bound(low), bound(high)},
		[]ParamModifier{nil, modifyWeight(tensors.Positive, false), modifyWeight(tensors.Negative, false)},
		nil,
		func(s stabilizers.Stabilizer, gradOutput *tensors.Tensor, outputs []*tensors.Tensor) []*tensors.Tensor {
			z := tensors.Sub(tensors.Sub(outputs[0], outputs[1]), outputs[2])
			g := tensors.Div(gradOutput, s.Stabilize(z))
			return []*tensors.Tensor{g, g, g}
		},
		weightedProducts(1, -1, -1), stabilizer)
	h.checkLayer = func(layer nn.Module) error {
		affine, ok := layer.(nn.Affine)
		if !ok {
			return nil
		}
		weight, _ := affine.AffineParameters()
		inFeatures := weight.Value.Shape().Dim(1)
		for _, b := range []*tensors.Tensor{low, high} {
			if b.Size() != 1 && b.Size()%inFeatures != 0 {
				return errors.Wrapf(ErrBoundsShape, "bound of shape %s for a layer with %d input features (or channels)",
					b.Shape(), inFeatures)
			}
		}
		return nil
	}
	h.checkInputs = func(inputs []*tensors.Tensor) error {
		for _, x := range inputs {
			for _, b := range []*tensors.Tensor{low, high} {
				if !tensors.CanBroadcastTo(b.Size(), x.Shape()) {
					return errors.Wrapf(ErrBoundsShape, "bound of shape %s for input of shape %s", b.Shape(), x.Shape())
				}
			}
		}
		return nil
	}
	return h, nil
}
