// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Identity returns a new node with the same value as x. Its gradient is the identity.
//
// It is useful as an anchor for a custom VJP, see Node.SetCustomVJP.
func Identity(x *Node) *Node {
	return x.graph.Op("Identity", x.value, func(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
		return []*tensors.Tensor{v}
	}, x)
}

// Add returns the element-wise sum of the given nodes, which must have the same shape.
func Add(first *Node, rest ...*Node) *Node {
	values := make([]*tensors.Tensor, len(rest))
	for ii, node := range rest {
		values[ii] = node.value
	}
	inputs := append([]*Node{first}, rest...)
	return first.graph.Op("Add", tensors.Sum(first.value, values...), func(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
		vjps := make([]*tensors.Tensor, len(inputs))
		for ii := range vjps {
			vjps[ii] = v
		}
		return vjps
	}, inputs...)
}

// Mul returns the element-wise product of x and y, which must have the same shape.
func Mul(x, y *Node) *Node {
	return x.graph.Op("Mul", tensors.Mul(x.value, y.value), func(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
		return []*tensors.Tensor{tensors.Mul(v, y.value), tensors.Mul(v, x.value)}
	}, x, y)
}

// Reshape returns x with the given dimensions (one can be -1). Its gradient reshapes back.
func Reshape(x *Node, dimensions ...int) *Node {
	xDims := x.value.Dims()
	return x.graph.Op("Reshape", x.value.Reshape(dimensions...), func(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
		return []*tensors.Tensor{v.Reshape(xDims...)}
	}, x)
}
