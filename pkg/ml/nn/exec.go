// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Forward executes model on input and returns the output.
//
// Panics during execution (e.g. shape mismatches) are returned as errors.
func Forward(model Module, input *tensors.Tensor) (output *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		g := graph.New("forward")
		output = model.Forward(g.Input(input)).Value()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "nn.Forward(%s)", model.Descriptor())
	}
	return output, nil
}

// Backward executes model on input and back-propagates the seed returned by weights (given the output)
// down to the input.
//
// It returns the output and the gradient of ReduceSum(output * seed) with respect to the input, using the
// backward hooks registered in the model's leaves.
func Backward(model Module, input *tensors.Tensor, weights func(output *tensors.Tensor) (*tensors.Tensor, error)) (
	output, grad *tensors.Tensor, err error) {
	var weightsErr error
	err = exceptions.TryCatch[error](func() {
		g := graph.New("backward")
		inputNode := g.Input(input)
		outputNode := model.Forward(inputNode)
		output = outputNode.Value()
		var seed *tensors.Tensor
		seed, weightsErr = weights(output)
		if weightsErr != nil {
			return
		}
		if klog.V(2).Enabled() {
			klog.Infof("nn.Backward: graph %q with %d nodes, output shape %s", g.Name(), g.NumNodes(), output.Shape())
		}
		grad = graph.Gradient(outputNode, seed, inputNode)[0]
	})
	if weightsErr != nil {
		return nil, nil, weightsErr
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "nn.Backward(%s)", model.Descriptor())
	}
	return output, grad, nil
}
