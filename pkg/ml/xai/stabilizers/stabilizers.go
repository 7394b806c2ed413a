// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stabilizers implements denominators that are never exactly zero, used by the rules that divide.
//
// A Stabilizer can be given as a constant epsilon, as a configured object (see Config) or as
// an arbitrary function (see Func). From converts any of them.
package stabilizers

import (
	"math"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultEpsilon used by Epsilon-based rules when not configured.
const DefaultEpsilon = 1e-6

// Stabilizer returns a version of x safe to be used as a denominator.
//
// Finite values are never mapped to zero. Non-finite values stay non-finite.
type Stabilizer interface {
	Stabilize(x *tensors.Tensor) *tensors.Tensor
}

// Norm is the policy used to measure the scale of a sample when Config.RelativeToNorm is set.
type Norm int

const (
	// NormRMS uses the root-mean-square of the sample. It is the default.
	NormRMS Norm = iota

	// NormMeanAbs uses the mean absolute value of the sample.
	NormMeanAbs
)

var normNames = map[Norm]string{NormRMS: "rms", NormMeanAbs: "mean_abs"}

// String implements fmt.Stringer.
func (n Norm) String() string {
	if name, found := normNames[n]; found {
		return name
	}
	return "Norm(invalid)"
}

// NormString parses the name of a Norm, as returned by Norm.String.
func NormString(name string) (Norm, error) {
	for n, s := range normNames {
		if s == name {
			return n, nil
		}
	}
	return 0, errors.Errorf("unknown norm %q, valid values are %q and %q", name, NormRMS, NormMeanAbs)
}

// Config of a Stabilizer.
type Config struct {
	// Epsilon is the offset applied to the denominator.
	Epsilon float64

	// UseSign moves every value away from zero by Epsilon, keeping its sign: x + sign(x)*Epsilon,
	// with sign(0) = +1. If false, only values exactly zero are replaced by Epsilon.
	UseSign bool

	// RelativeToNorm scales Epsilon, per sample (axis 0), by the Norm of the value being stabilized.
	// Samples with a zero norm use the unscaled Epsilon.
	RelativeToNorm bool

	// Norm policy used with RelativeToNorm.
	Norm Norm
}

// DefaultConfig returns the default configuration: Epsilon=DefaultEpsilon, UseSign=true, and not relative to the norm.
func DefaultConfig() Config {
	return Config{Epsilon: DefaultEpsilon, UseSign: true, Norm: NormRMS}
}

// Configured is a Stabilizer defined by a Config.
type Configured struct {
	Config
}

// New returns a Stabilizer for the given configuration.
func New(config Config) *Configured {
	return &Configured{Config: config}
}

// Epsilon returns the default Stabilizer with the given epsilon.
func Epsilon(epsilon float64) *Configured {
	config := DefaultConfig()
	config.Epsilon = epsilon
	return New(config)
}

// sign0 is the sign of v, with sign0(0) = +1.
func sign0(v float64) float64 {
	if v >= 0 {
		return 1
	}
	return -1
}

// Stabilize implements Stabilizer.
func (s *Configured) Stabilize(x *tensors.Tensor) *tensors.Tensor {
	epsilons := s.epsilons(x)
	out := tensors.ZerosLike(x)
	in, data := x.Flat(), out.Flat()
	sampleSize := x.Shape().SampleSize()
	for ii, v := range in {
		eps := epsilons[ii/sampleSize]
		switch {
		case s.UseSign:
			data[ii] = v + sign0(v)*eps
		case v == 0:
			data[ii] = eps
		default:
			data[ii] = v
		}
	}
	return out
}

// epsilons returns the epsilon to use for each sample of x.
func (s *Configured) epsilons(x *tensors.Tensor) []float64 {
	batchSize := x.Shape().BatchSize()
	epsilons := make([]float64, batchSize)
	if !s.RelativeToNorm {
		for ii := range epsilons {
			epsilons[ii] = s.Epsilon
		}
		return epsilons
	}
	var norms []float64
	if s.Norm == NormMeanAbs {
		norms = tensors.MeanAbsPerSample(x)
	} else {
		norms = tensors.RMSPerSample(x)
	}
	for ii, norm := range norms {
		if norm == 0 {
			epsilons[ii] = s.Epsilon
		} else {
			epsilons[ii] = s.Epsilon * norm
		}
	}
	return epsilons
}

// Func adapts an arbitrary function to a Stabilizer.
type Func func(x *tensors.Tensor) *tensors.Tensor

// Stabilize implements Stabilizer.
func (fn Func) Stabilize(x *tensors.Tensor) *tensors.Tensor { return fn(x) }

// Identity returns a Stabilizer that doesn't change its input. Divisions by zero yield non-finite values.
func Identity() Stabilizer {
	return Func(func(x *tensors.Tensor) *tensors.Tensor { return x })
}

// From converts value to a Stabilizer. It accepts:
//
//   - a float64 (or float32, or int), used as epsilon of the default stabilizer (see Epsilon);
//   - a Stabilizer, returned as is;
//   - a function func(*tensors.Tensor) *tensors.Tensor.
//
// A nil value returns the default stabilizer. The three forms of the same stabilizer behave identically.
func From(value any) (Stabilizer, error) {
	switch v := value.(type) {
	case nil:
		return New(DefaultConfig()), nil
	case float64:
		return checkedEpsilon(v)
	case float32:
		return checkedEpsilon(float64(v))
	case int:
		return checkedEpsilon(float64(v))
	case Stabilizer:
		return v, nil
	case func(*tensors.Tensor) *tensors.Tensor:
		if v == nil {
			return nil, errors.New("stabilizers.From: nil function")
		}
		return Func(v), nil
	default:
		return nil, errors.Errorf("stabilizers.From: cannot use value of type %T as a stabilizer", value)
	}
}

func checkedEpsilon(epsilon float64) (Stabilizer, error) {
	if math.IsNaN(epsilon) || math.IsInf(epsilon, 0) || epsilon < 0 {
		return nil, errors.Errorf("stabilizers.From: epsilon must be finite and non-negative, got %g", epsilon)
	}
	return Epsilon(epsilon), nil
}
