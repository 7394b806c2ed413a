// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package canonizers

import (
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/support/sets"
	"github.com/pkg/errors"
)

// mergeInstance records the merge of one batch normalization into the preceding affine layer.
type mergeInstance struct {
	affineWeight, affineBias *nn.Parameter
	bn                       *nn.BatchNorm

	// Original values, restored by Revert.
	weight, bias                    *tensors.Tensor
	bnWeight, bnBias, bnMean, bnVar *tensors.Tensor
	bnEpsilon                       float64
	reverted                        bool
}

// Revert implements Instance.
func (m *mergeInstance) Revert() {
	if m.reverted {
		return
	}
	m.affineWeight.Value, m.affineBias.Value = m.weight, m.bias
	m.bn.Weight.Value, m.bn.Bias.Value = m.bnWeight, m.bnBias
	m.bn.RunningMean.Value, m.bn.RunningVar.Value = m.bnMean, m.bnVar
	m.bn.Epsilon = m.bnEpsilon
	m.reverted = true
}

// MergeBatchNorm folds the batch normalization bn into the affine layer that precedes it, and turns bn into
// the identity:
//
//	scale = bn.weight / sqrt(bn.running_var + bn.epsilon)
//	weight' = weight * scale (over the output axis)
//	bias' = (bias - bn.running_mean) * scale + bn.bias
//
// A bias is created if the affine layer has none. The original tensors are not modified, they are replaced
// by new ones, and put back by Instance.Revert.
func MergeBatchNorm(affine nn.Affine, bn *nn.BatchNorm) (Instance, error) {
	weightParam, biasParam := affine.AffineParameters()
	weight := weightParam.Value
	channels := bn.Channels()
	if weight.Shape().Dim(0) != channels {
		return nil, errors.Errorf("cannot merge %s with %d output channels into batch normalization of %d channels",
			affine.Descriptor(), weight.Shape().Dim(0), channels)
	}
	instance := &mergeInstance{
		affineWeight: weightParam, affineBias: biasParam, bn: bn,
		weight: weight, bias: biasParam.Value,
		bnWeight: bn.Weight.Value, bnBias: bn.Bias.Value,
		bnMean: bn.RunningMean.Value, bnVar: bn.RunningVar.Value,
		bnEpsilon: bn.Epsilon,
	}

	scale := bn.Scale()
	mergedWeight := weight.Clone()
	data := mergedWeight.Flat()
	rowSize := weight.Shape().SampleSize()
	for c := range channels {
		for ii := c * rowSize; ii < (c+1)*rowSize; ii++ {
			data[ii] *= scale[c]
		}
	}
	mergedBias := tensors.FromShape(shapes.Make(channels))
	if biasParam.Value != nil {
		mergedBias = biasParam.Value.Clone()
	}
	bias, mean, bnBias := mergedBias.Flat(), bn.RunningMean.Value.Flat(), bn.Bias.Value.Flat()
	for c := range channels {
		bias[c] = (bias[c]-mean[c])*scale[c] + bnBias[c]
	}
	weightParam.Value, biasParam.Value = mergedWeight, mergedBias

	identity := nn.NewIdentityBatchNorm(channels)
	bn.Weight.Value, bn.Bias.Value = identity.Weight.Value, identity.Bias.Value
	bn.RunningMean.Value, bn.RunningVar.Value = identity.RunningMean.Value, identity.RunningVar.Value
	bn.Epsilon = identity.Epsilon
	return instance, nil
}

// merger keeps track of the layers already merged in one Apply, so no layer is merged twice.
type merger struct {
	merged    sets.Set[nn.Module]
	instances []Instance
}

func newMerger() *merger {
	return &merger{merged: sets.Make[nn.Module]()}
}

// merge affine and bn if both are of the right type and neither was merged yet. It returns whether they were merged.
func (m *merger) merge(first, second nn.Module) (bool, error) {
	affine, isAffine := first.(nn.Affine)
	bn, isBN := second.(*nn.BatchNorm)
	if !isAffine || !isBN || m.merged.HasAny(first, second) {
		return false, nil
	}
	instance, err := MergeBatchNorm(affine, bn)
	if err != nil {
		return false, err
	}
	m.merged.Insert(first, second)
	m.instances = append(m.instances, instance)
	return true, nil
}

// fail reverts the merges done so far and returns err.
func (m *merger) fail(err error) ([]Instance, error) {
	RevertAll(m.instances)
	return nil, err
}

// sequentialMergeBatchNorm merges every (affine, batch normalization) pair of adjacent children of a Sequential.
type sequentialMergeBatchNorm struct{}

// SequentialMergeBatchNorm returns the canonizer that merges each batch normalization that directly follows an
// affine layer (Linear or Conv2D) in a Sequential, anywhere in the model.
func SequentialMergeBatchNorm() Canonizer { return sequentialMergeBatchNorm{} }

// Name implements Canonizer.
func (sequentialMergeBatchNorm) Name() string { return NameMergeBatchNorm }

// Apply implements Canonizer.
func (c sequentialMergeBatchNorm) Apply(root nn.Module) ([]Instance, error) {
	m := newMerger()
	err := nn.Walk(root, func(path string, module nn.Module) error {
		if module.Descriptor().Kind != nn.KindSequential {
			return nil
		}
		children := module.Children()
		for ii := 0; ii+1 < len(children); ii++ {
			if _, err := m.merge(children[ii].Module, children[ii+1].Module); err != nil {
				return errors.WithMessagef(err, "merging %q", nn.JoinPath(path, children[ii].Name))
			}
		}
		return nil
	})
	if err != nil {
		return m.fail(err)
	}
	logApplied(c.Name(), root, len(m.instances))
	return m.instances, nil
}

// VGG returns the canonizer for VGG-style models, a flat stack of layers: it merges batch normalizations into
// the preceding convolution or linear layer.
func VGG() Canonizer {
	return Compose(NameVGG, SequentialMergeBatchNorm())
}
