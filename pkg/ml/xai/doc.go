// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xai computes attributions (explanations) of the outputs of nn models with respect to their inputs:
// plain gradients, noise-averaged gradients and Layer-wise Relevance Propagation (LRP).
//
// The functionality is split in sub-packages, from the lowest level to the highest:
//
//   - stabilizers: denominators that are never zero, used by every rule that divides.
//   - rules: LRP rules, that replace the gradient of one layer by a relevance redistribution formula.
//   - canonizers: reversible rewrites of a model (e.g. merging batch normalization into the preceding layer).
//   - composites: map each layer of a model to a rule, and own the lifetime of the hooks and canonizers.
//   - attributors: run a composite-instrumented model forward and backward and return the attribution.
//   - config: configuration of composites and attributors, from settings strings or HCL files.
//
// Example:
//
//	params := composites.DefaultParams()
//	params.Canonizers = []canonizers.Canonizer{canonizers.VGG()}
//	attributor := attributors.NewGradient(model, composites.EpsilonPlusFlat(params))
//	target, err := attributors.OneHot(outputShape, classIdx)
//	...
//	output, relevance, err := attributor.Compute(input, target)
package xai
