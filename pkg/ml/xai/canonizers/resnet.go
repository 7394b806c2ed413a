// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package canonizers

import (
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/pkg/errors"
)

// basicBlockMergeBatchNorm merges the batch normalizations of the residual branch of each nn.BasicBlock.
type basicBlockMergeBatchNorm struct{}

// Name implements Canonizer.
func (basicBlockMergeBatchNorm) Name() string { return "basic_block_merge_batchnorm" }

// Apply implements Canonizer.
func (c basicBlockMergeBatchNorm) Apply(root nn.Module) ([]Instance, error) {
	m := newMerger()
	err := nn.Walk(root, func(path string, module nn.Module) error {
		block, ok := module.(*nn.BasicBlock)
		if !ok {
			return nil
		}
		for _, pair := range [][2]nn.Module{{block.Conv1, block.BN1}, {block.Conv2, block.BN2}} {
			if _, err := m.merge(pair[0], pair[1]); err != nil {
				return errors.WithMessagef(err, "merging block %q", path)
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

// mergeModuleInstance records the installation of an explicit merge module in a BasicBlock.
type mergeModuleInstance struct {
	block    *nn.BasicBlock
	original nn.Module
	reverted bool
}

// Revert implements Instance.
func (m *mergeModuleInstance) Revert() {
	if m.reverted {
		return
	}
	m.block.Merge = m.original
	m.reverted = true
}

// residualSum installs an nn.Sum as the merge module of each nn.BasicBlock, so rules can be attached to the
// addition of the residual connection.
type residualSum struct{}

// Name implements Canonizer.
func (residualSum) Name() string { return "residual_sum" }

// Apply implements Canonizer.
func (c residualSum) Apply(root nn.Module) ([]Instance, error) {
	var instances []Instance
	_ = nn.Walk(root, func(_ string, module nn.Module) error {
		block, ok := module.(*nn.BasicBlock)
		if !ok || block.Merge != nil {
			return nil
		}
		instances = append(instances, &mergeModuleInstance{block: block, original: block.Merge})
		block.Merge = nn.NewSum()
		return nil
	})
	logApplied(c.Name(), root, len(instances))
	return instances, nil
}

// ResNet returns the canonizer for ResNet-style models: it merges the batch normalizations of Sequentials
// (e.g. the stem and the downsample branches) and of the residual blocks, and makes the residual additions
// explicit nn.Sum modules.
func ResNet() Canonizer {
	return Compose(NameResNet, SequentialMergeBatchNorm(), basicBlockMergeBatchNorm{}, residualSum{})
}
