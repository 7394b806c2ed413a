// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// reverseNode holds the back-propagation state of one node.
type reverseNode struct {
	// Included is true for nodes to which the root node has a dependency.
	Included bool

	// Useful is true when this node is in the path to one of the nodes we are calculating the gradient with
	// respect to. For nodes not marked as useful, we don't need to generate the VJP values (aka adjoints).
	Useful bool

	// AccumulatedVJP is the gradient of the root node with respect to the output of this node. In the end it will
	// be the sum of the VJPs back-propagated by all its consumers.
	AccumulatedVJP *tensors.Tensor
}

// Gradient back-propagates seed -- the adjoint of output, with output's shape -- and returns the gradient with
// respect to each of the gradientNodes.
//
// This is the same as the gradient of the scalar `ReduceSum(output * seed)`. Nodes with a custom VJP (see
// Node.SetCustomVJP) use it instead of their operation's VJP.
//
// If there is no path from output to a gradient node, its gradient is zero.
// It panics (see github.com/gomlx/exceptions) on shape mismatches.
func Gradient(output *Node, seed *tensors.Tensor, gradientNodes ...*Node) []*tensors.Tensor {
	g := output.graph
	if !seed.Shape().Equal(output.Shape()) {
		exceptions.Panicf("graph.Gradient: seed shape %s doesn't match output shape %s", seed.Shape(), output.Shape())
	}
	for ii, node := range gradientNodes {
		if node.graph != g {
			exceptions.Panicf("graph.Gradient: gradient node #%d is from a different graph", ii)
		}
	}

	reverseNodes := make([]reverseNode, len(g.nodes))
	// Useful: nodes are in execution order, so inputs are always visited first.
	for _, node := range gradientNodes {
		reverseNodes[node.id].Useful = true
	}
	for _, node := range g.nodes[:output.id+1] {
		for _, input := range node.inputNodes {
			if reverseNodes[input.id].Useful {
				reverseNodes[node.id].Useful = true
				break
			}
		}
	}
	// Included: all dependencies of the root.
	reverseNodes[output.id].Included = true
	for nodeIdx := output.id; nodeIdx >= 0; nodeIdx-- {
		if !reverseNodes[nodeIdx].Included {
			continue
		}
		for _, input := range g.nodes[nodeIdx].inputNodes {
			reverseNodes[input.id].Included = true
		}
	}

	needGradientForNode := func(node *Node) bool {
		if node.stopGradient {
			return false
		}
		rNode := &reverseNodes[node.id]
		return rNode.Included && rNode.Useful
	}

	reverseNodes[output.id].AccumulatedVJP = seed

	// Loop from final node backwards, back propagating the gradients. Since nodes are ordered according to
	// execution, by the time a node is reached all nodes consuming its value were already accounted for.
	for nodeIdx := output.id; nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := &reverseNodes[nodeIdx]
		if !needGradientForNode(node) || rNode.AccumulatedVJP == nil {
			continue
		}
		needInputs := false
		for _, input := range node.inputNodes {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		vjpFn := node.customVJP
		if vjpFn == nil {
			vjpFn = node.vjp
		}
		if vjpFn == nil {
			exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot back-propagate", node)
		}
		inputsVJPs := vjpFn(node, rNode.AccumulatedVJP)
		if len(inputsVJPs) != len(node.inputNodes) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs", node, len(inputsVJPs), len(node.inputNodes))
		}
		for ii, input := range node.inputNodes {
			vjp := inputsVJPs[ii]
			if vjp == nil || !needGradientForNode(input) {
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				exceptions.Panicf("invalid gradient calculation for node %s: VJP for input #%d has shape %s, wanted %s",
					node, ii, vjp.Shape(), input.Shape())
			}
			rInput := &reverseNodes[input.id]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = tensors.Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*tensors.Tensor, len(gradientNodes))
	for ii, node := range gradientNodes {
		accumulated := reverseNodes[node.id].AccumulatedVJP
		if accumulated == nil {
			gradients[ii] = tensors.ZerosLike(node.value)
		} else {
			gradients[ii] = accumulated
		}
	}
	return gradients
}
