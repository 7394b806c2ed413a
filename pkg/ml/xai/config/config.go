// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the user-facing configuration of an attribution: which composite, rules,
// canonizers and attributor to use, and their hyperparameters.
//
// A Config can be set from a settings string (see Config.ParseSettings, typically from a command-line flag)
// or from an HCL file (see LoadHCL):
//
//	composite  = "epsilon_gamma_box"
//	canonizers = ["vgg"]
//	low        = [-3]
//	high       = [3]
//	attributor = "smoothgrad"
//	noise_level = 0.1
//	n_iter      = 20
//
//	layer_map "AvgPool2D" {
//	  rule = "epsilon"
//	}
//	name_map "classifier.3" {
//	  rule = "epsilon"
//	}
//
// All errors in the configuration are reported as *FieldError, before any rule is attached to a model.
package config

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/attributors"
	"github.com/gomlx/xai/pkg/ml/xai/canonizers"
	"github.com/gomlx/xai/pkg/ml/xai/composites"
	"github.com/gomlx/xai/pkg/ml/xai/rules"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
)

// FieldError reports an invalid configuration field.
type FieldError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid configuration field %q: %s", e.Field, e.Reason)
}

func fieldErrorf(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Names of the attributors, as used in Config.Attributor.
const (
	AttributorGradient            = "gradient"
	AttributorSmoothGrad          = "smoothgrad"
	AttributorIntegratedGradients = "integrated_gradients"
)

var attributorNames = []string{AttributorGradient, AttributorSmoothGrad, AttributorIntegratedGradients}

// Mapping of a layer (by type or by name) to a rule.
type Mapping struct {
	// Match is a capability (e.g. "convolution") or a module kind (e.g. "BatchNorm") in a layer map, and the
	// dotted path of a layer (e.g. "features.0") in a name map.
	Match string

	// Rule name, see composites.RuleByName.
	Rule string
}

func (m Mapping) String() string { return m.Match + ":" + m.Rule }

// Config of an attribution.
type Config struct {
	// Composite is the name of the preset composite, see composites.ByName.
	Composite string

	// Epsilon of the stabilizer, and whether it is scaled by the Norm ("rms" or "mean_abs") of each sample.
	Epsilon        float64
	RelativeToNorm bool
	Norm           string

	// Gamma, Alpha and Beta of the rules that use them.
	Gamma, Alpha, Beta float64

	// Low and High bounds of the input, for the zbox rule: one value, one value per input channel, or one value
	// per element of a sample.
	// Nil if not set.
	Low, High []float64

	// Canonizers names, see canonizers.ByName.
	Canonizers []string

	// LayerMap and NameMap are applied before the preset's layer map, in this order. The first match wins.
	LayerMap, NameMap []Mapping

	// Attributor is the name of the attributor (see Attributor* constants), and NoiseLevel and NumIterations
	// configure the iterative ones.
	Attributor    string
	NoiseLevel    float64
	NumIterations int
}

// Default values of the configuration.
const (
	DefaultComposite     = composites.NameEpsilonPlusFlat
	DefaultNoiseLevel    = 0.1
	DefaultNumIterations = 20
)

// Default returns the default configuration: the "epsilon_plus_flat" composite with the gradient attributor.
func Default() *Config {
	return &Config{
		Composite:     DefaultComposite,
		Epsilon:       stabilizers.DefaultEpsilon,
		Norm:          stabilizers.NormRMS.String(),
		Gamma:         rules.DefaultGamma,
		Alpha:         rules.DefaultAlpha,
		Beta:          rules.DefaultBeta,
		Attributor:    AttributorGradient,
		NoiseLevel:    DefaultNoiseLevel,
		NumIterations: DefaultNumIterations,
	}
}

// usesZBox returns whether the configuration requires the input bounds.
func (c *Config) usesZBox() bool {
	if c.Composite == composites.NameEpsilonGammaBox {
		return true
	}
	for _, m := range slices.Concat(c.LayerMap, c.NameMap) {
		if m.Rule == composites.RuleZBox {
			return true
		}
	}
	return false
}

func checkFinite(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fieldErrorf(field, "must be finite, got %g", value)
	}
	return nil
}

// Validate checks the configuration, returning a *FieldError for the first invalid field.
func (c *Config) Validate() error {
	if !slices.Contains(composites.PresetNames(), c.Composite) {
		return fieldErrorf("composite", "unknown composite %q, valid names are %s",
			c.Composite, strings.Join(composites.PresetNames(), ", "))
	}
	if err := checkFinite("epsilon", c.Epsilon); err != nil {
		return err
	}
	if c.Epsilon < 0 {
		return fieldErrorf("epsilon", "must be non-negative, got %g", c.Epsilon)
	}
	if _, err := stabilizers.NormString(c.Norm); err != nil {
		return fieldErrorf("norm", "%v", err)
	}
	for _, hyper := range []struct {
		field string
		value float64
	}{{"gamma", c.Gamma}, {"alpha", c.Alpha}, {"beta", c.Beta}} {
		if err := checkFinite(hyper.field, hyper.value); err != nil {
			return err
		}
		if hyper.value < 0 {
			return fieldErrorf(hyper.field, "must be non-negative, got %g", hyper.value)
		}
	}
	if c.usesZBox() {
		if len(c.Low) == 0 {
			return fieldErrorf("low", "the zbox rule requires the input bounds low and high")
		}
		if len(c.High) == 0 {
			return fieldErrorf("high", "the zbox rule requires the input bounds low and high")
		}
	}
	if len(c.Low) != 0 && len(c.High) != 0 && len(c.Low) != len(c.High) {
		return fieldErrorf("high", "low has %d values, but high has %d", len(c.Low), len(c.High))
	}
	for _, name := range c.Canonizers {
		if _, err := canonizers.ByName(name); err != nil {
			return fieldErrorf("canonizers", "%v", err)
		}
	}
	for _, m := range c.LayerMap {
		if _, err := composites.MatcherByName(m.Match); err != nil {
			return fieldErrorf("layer_map", "%v", err)
		}
		if err := checkRuleName("layer_map", m.Rule); err != nil {
			return err
		}
	}
	for _, m := range c.NameMap {
		if m.Match == "" {
			return fieldErrorf("name_map", "empty layer name for rule %q", m.Rule)
		}
		if err := checkRuleName("name_map", m.Rule); err != nil {
			return err
		}
	}
	if !slices.Contains(attributorNames, c.Attributor) {
		return fieldErrorf("attributor", "unknown attributor %q, valid names are %s",
			c.Attributor, strings.Join(attributorNames, ", "))
	}
	if err := checkFinite("noise_level", c.NoiseLevel); err != nil {
		return err
	}
	if c.NoiseLevel < 0 {
		return fieldErrorf("noise_level", "must be non-negative, got %g", c.NoiseLevel)
	}
	if c.NumIterations < 1 {
		return fieldErrorf("n_iter", "must be at least 1, got %d", c.NumIterations)
	}
	return nil
}

func checkRuleName(field, name string) error {
	// Bounds are checked separately: any valid bound will do to validate the name.
	p := composites.DefaultParams()
	p.Low, p.High = tensors.Scalar(0), tensors.Scalar(1)
	if _, err := composites.RuleByName(name, p); err != nil {
		return fieldErrorf(field, "%v", err)
	}
	return nil
}

// Stabilizer returns the stabilizer configured.
func (c *Config) Stabilizer() (stabilizers.Stabilizer, error) {
	norm, err := stabilizers.NormString(c.Norm)
	if err != nil {
		return nil, fieldErrorf("norm", "%v", err)
	}
	return stabilizers.New(stabilizers.Config{
		Epsilon:        c.Epsilon,
		UseSign:        true,
		RelativeToNorm: c.RelativeToNorm,
		Norm:           norm,
	}), nil
}

func boundTensor(values []float64) *tensors.Tensor {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		return tensors.Scalar(values[0])
	}
	return tensors.FromValue(slices.Clone(values))
}

// Params returns the hyperparameters of the composites, with the canonizers.
func (c *Config) Params() (composites.Params, error) {
	if err := c.Validate(); err != nil {
		return composites.Params{}, err
	}
	s, err := c.Stabilizer()
	if err != nil {
		return composites.Params{}, err
	}
	p := composites.Params{
		Stabilizer: s,
		Gamma:      c.Gamma,
		Alpha:      c.Alpha,
		Beta:       c.Beta,
		Low:        boundTensor(c.Low),
		High:       boundTensor(c.High),
	}
	for _, name := range c.Canonizers {
		canonizer, err := canonizers.ByName(name)
		if err != nil {
			return composites.Params{}, fieldErrorf("canonizers", "%v", err)
		}
		p.Canonizers = append(p.Canonizers, canonizer)
	}
	return p, nil
}

// NewComposite builds the composite configured: the preset, with the name map and layer map entries taking
// precedence.
func (c *Config) NewComposite() (*composites.Composite, error) {
	p, err := c.Params()
	if err != nil {
		return nil, err
	}
	composite, err := composites.ByName(c.Composite, p)
	if err != nil {
		return nil, fieldErrorf("composite", "%v", err)
	}
	var entries []composites.Entry
	for _, m := range c.NameMap {
		rule, err := composites.RuleByName(m.Rule, p)
		if err != nil {
			return nil, fieldErrorf("name_map", "%v", err)
		}
		entries = append(entries, composites.Entry{Matcher: composites.Names(m.Match), Template: rule})
	}
	for _, m := range c.LayerMap {
		matcher, err := composites.MatcherByName(m.Match)
		if err != nil {
			return nil, fieldErrorf("layer_map", "%v", err)
		}
		rule, err := composites.RuleByName(m.Rule, p)
		if err != nil {
			return nil, fieldErrorf("layer_map", "%v", err)
		}
		entries = append(entries, composites.Entry{Matcher: matcher, Template: rule})
	}
	if len(entries) > 0 {
		composite = composite.WithEntries(entries...)
	}
	return composite, nil
}

// NewAttributor builds the attributor configured for the model. progress, if not nil, is called after each
// iteration of iterative attributors.
func (c *Config) NewAttributor(model nn.Module, progress attributors.ProgressFn) (attributors.Attributor, error) {
	composite, err := c.NewComposite()
	if err != nil {
		return nil, err
	}
	switch c.Attributor {
	case AttributorGradient:
		return attributors.NewGradient(model, composite), nil
	case AttributorSmoothGrad:
		return attributors.NewSmoothGrad(model, composite, c.NoiseLevel, c.NumIterations).WithProgress(progress), nil
	case AttributorIntegratedGradients:
		return attributors.NewIntegratedGradients(model, composite, c.NumIterations, nil).WithProgress(progress), nil
	}
	return nil, fieldErrorf("attributor", "unknown attributor %q", c.Attributor)
}
