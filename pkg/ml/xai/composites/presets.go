// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composites

import (
	"slices"
	"strings"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/canonizers"
	"github.com/gomlx/xai/pkg/ml/xai/rules"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/gomlx/xai/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Params are the hyperparameters of the preset composites.
type Params struct {
	// Stabilizer used by all rules. If nil, the default stabilizer is used.
	Stabilizer stabilizers.Stabilizer

	// Gamma of the rules.NewGamma rule.
	Gamma float64

	// Alpha and Beta of the rules.NewAlphaBeta rule.
	Alpha, Beta float64

	// Low and High bounds of the input, used by the rules.NewZBox rule. Required by EpsilonGammaBox.
	Low, High *tensors.Tensor

	// Canonizers applied before attaching the rules.
	Canonizers []canonizers.Canonizer
}

// DefaultParams returns the default hyperparameters, without bounds nor canonizers.
func DefaultParams() Params {
	return Params{
		Gamma: rules.DefaultGamma,
		Alpha: rules.DefaultAlpha,
		Beta:  rules.DefaultBeta,
	}
}

// Names of the preset composites, as used by ByName.
const (
	NameEpsilonGammaBox        = "epsilon_gamma_box"
	NameEpsilonPlus            = "epsilon_plus"
	NameEpsilonAlpha2Beta1     = "epsilon_alpha2_beta1"
	NameEpsilonPlusFlat        = "epsilon_plus_flat"
	NameEpsilonAlpha2Beta1Flat = "epsilon_alpha2_beta1_flat"
	NameNoop                   = "noop"
)

// baseEntries are shared by all presets: layers without weights that either pass the relevance through or
// redistribute it proportionally to their inputs.
func baseEntries(p Params) []Entry {
	return []Entry{
		{Matcher: Caps(nn.CapActivation), Template: rules.NewPass()},
		{Matcher: Caps(nn.CapNormalization), Template: rules.NewPass()},
		{Matcher: Caps(nn.CapMerge), Template: rules.NewNorm(p.Stabilizer)},
		{Matcher: Kinds(nn.KindAvgPool2D), Template: rules.NewNorm(p.Stabilizer)},
	}
}

// presetEntries returns the base entries followed by the rule for convolutions and epsilon for dense layers.
func presetEntries(p Params, conv rules.Rule) []Entry {
	return append(baseEntries(p),
		Entry{Matcher: Caps(nn.CapConvolution), Template: conv},
		Entry{Matcher: Caps(nn.CapDense), Template: rules.NewEpsilon(p.Stabilizer)},
	)
}

func finish(c *Composite, p Params) *Composite {
	if len(p.Canonizers) > 0 {
		c = c.WithCanonizers(p.Canonizers...)
	}
	return c
}

// EpsilonGammaBox uses the Gamma rule for convolutions, Epsilon for dense layers, and ZBox for the first linear
// layer. It requires Params.Low and Params.High.
func EpsilonGammaBox(p Params) (*Composite, error) {
	zbox, err := rules.NewZBox(p.Low, p.High, p.Stabilizer)
	if err != nil {
		return nil, errors.WithMessagef(err, "composite %q", NameEpsilonGammaBox)
	}
	c := NewSpecialFirstLayerMap(NameEpsilonGammaBox,
		presetEntries(p, rules.NewGamma(p.Gamma, p.Stabilizer)),
		[]Entry{{Matcher: Caps(nn.CapLinear), Template: zbox}})
	return finish(c, p), nil
}

// EpsilonPlus uses the ZPlus rule for convolutions and Epsilon for dense layers.
func EpsilonPlus(p Params) *Composite {
	return finish(NewLayerMap(NameEpsilonPlus, presetEntries(p, rules.NewZPlus(p.Stabilizer))...), p)
}

// EpsilonAlpha2Beta1 uses the AlphaBeta rule (with α=2 and β=1) for convolutions and Epsilon for dense layers.
func EpsilonAlpha2Beta1(p Params) *Composite {
	return finish(NewLayerMap(NameEpsilonAlpha2Beta1, presetEntries(p, rules.NewAlphaBeta(2, 1, p.Stabilizer))...), p)
}

// EpsilonPlusFlat is like EpsilonPlus, but uses the Flat rule for the first linear layer.
func EpsilonPlusFlat(p Params) *Composite {
	c := NewSpecialFirstLayerMap(NameEpsilonPlusFlat,
		presetEntries(p, rules.NewZPlus(p.Stabilizer)),
		[]Entry{{Matcher: Caps(nn.CapLinear), Template: rules.NewFlat(p.Stabilizer)}})
	return finish(c, p)
}

// EpsilonAlpha2Beta1Flat is like EpsilonAlpha2Beta1, but uses the Flat rule for the first linear layer.
func EpsilonAlpha2Beta1Flat(p Params) *Composite {
	c := NewSpecialFirstLayerMap(NameEpsilonAlpha2Beta1Flat,
		presetEntries(p, rules.NewAlphaBeta(2, 1, p.Stabilizer)),
		[]Entry{{Matcher: Caps(nn.CapLinear), Template: rules.NewFlat(p.Stabilizer)}})
	return finish(c, p)
}

var presets = map[string]func(p Params) (*Composite, error){
	NameEpsilonGammaBox:        EpsilonGammaBox,
	NameEpsilonPlus:            noError(EpsilonPlus),
	NameEpsilonAlpha2Beta1:     noError(EpsilonAlpha2Beta1),
	NameEpsilonPlusFlat:        noError(EpsilonPlusFlat),
	NameEpsilonAlpha2Beta1Flat: noError(EpsilonAlpha2Beta1Flat),
	NameNoop:                   func(p Params) (*Composite, error) { return finish(Noop(), p), nil },
}

func noError(fn func(p Params) *Composite) func(p Params) (*Composite, error) {
	return func(p Params) (*Composite, error) { return fn(p), nil }
}

// PresetNames returns the names accepted by ByName, sorted.
func PresetNames() []string { return xslices.SortedKeys(presets) }

// ByName creates the preset composite with the given name, see the Name* constants.
func ByName(name string, p Params) (*Composite, error) {
	fn, found := presets[name]
	if !found {
		return nil, errors.Errorf("unknown composite %q, valid names are %s", name, strings.Join(PresetNames(), ", "))
	}
	return fn(p)
}

// Names of the rules, as used by RuleByName.
const (
	RulePass      = "pass"
	RuleNorm      = "norm"
	RuleEpsilon   = "epsilon"
	RuleZPlus     = "zplus"
	RuleGamma     = "gamma"
	RuleAlphaBeta = "alpha_beta"
	RuleFlat      = "flat"
	RuleWSquare   = "wsquare"
	RuleZBox      = "zbox"
)

var ruleNames = []string{RulePass, RuleNorm, RuleEpsilon, RuleZPlus, RuleGamma, RuleAlphaBeta, RuleFlat,
	RuleWSquare, RuleZBox}

// RuleByName creates a rule template given its name, configured with the hyperparameters in p.
func RuleByName(name string, p Params) (rules.Rule, error) {
	switch name {
	case RulePass:
		return rules.NewPass(), nil
	case RuleNorm:
		return rules.NewNorm(p.Stabilizer), nil
	case RuleEpsilon:
		return rules.NewEpsilon(p.Stabilizer), nil
	case RuleZPlus:
		return rules.NewZPlus(p.Stabilizer), nil
	case RuleGamma:
		return rules.NewGamma(p.Gamma, p.Stabilizer), nil
	case RuleAlphaBeta:
		return rules.NewAlphaBeta(p.Alpha, p.Beta, p.Stabilizer), nil
	case RuleFlat:
		return rules.NewFlat(p.Stabilizer), nil
	case RuleWSquare:
		return rules.NewWSquare(p.Stabilizer), nil
	case RuleZBox:
		return rules.NewZBox(p.Low, p.High, p.Stabilizer)
	}
	return nil, errors.Errorf("unknown rule %q, valid names are %s", name, strings.Join(ruleNames, ", "))
}

// MatcherByName returns a matcher for a capability name (e.g. "convolution", see nn.Capability) or, failing
// that, a module kind (e.g. "BatchNorm").
func MatcherByName(name string) (Matcher, error) {
	if capability, found := nn.CapabilityByName(name); found {
		return Caps(capability), nil
	}
	if slices.Contains(nn.KnownKinds, name) {
		return Kinds(name), nil
	}
	return nil, errors.Errorf("unknown layer type %q: it is neither a capability %s nor a known kind (%s)",
		name, nn.Capability(^uint32(0)), strings.Join(nn.KnownKinds, ", "))
}
