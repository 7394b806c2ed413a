// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// NodeId is the position of a Node in its Graph.
type NodeId int

// VJP computes the Vector Jacobian Product of a node: given the adjoint v (gradient of the root with
// respect to the node's value), it returns the gradient with respect to each of the node's inputs.
//
// A nil entry means no gradient flows to the corresponding input.
type VJP func(node *Node, v *tensors.Tensor) []*tensors.Tensor

// Node represents the result of an operation in the graph, and can be used as input to further operations.
//
// It holds the concrete value computed, and the information needed for auto-differentiation (see Gradient).
type Node struct {
	graph      *Graph
	id         NodeId
	opName     string
	value      *tensors.Tensor
	inputNodes []*Node
	vjp        VJP

	// customVJP, if set, replaces vjp during Gradient.
	customVJP VJP

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool
}

// Input creates a node with the given value and no inputs. Gradients can be taken with respect to it.
func (g *Graph) Input(value *tensors.Tensor) *Node {
	return g.Op("Input", value, nil)
}

// Op records a new node computed by the operation opName, with the given value already computed
// from the inputs, and the VJP used to back-propagate through it.
//
// It panics if any of the inputs belongs to a different graph.
func (g *Graph) Op(opName string, value *tensors.Tensor, vjp VJP, inputs ...*Node) *Node {
	if value == nil {
		exceptions.Panicf("graph.Op(%q): nil value", opName)
	}
	for ii, input := range inputs {
		if input == nil || input.graph != g {
			exceptions.Panicf("graph.Op(%q): input #%d is nil or from a different graph", opName, ii)
		}
	}
	node := &Node{
		graph:      g,
		id:         NodeId(len(g.nodes)),
		opName:     opName,
		value:      value,
		inputNodes: inputs,
		vjp:        vjp,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Graph that holds this node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node within its graph.
func (n *Node) Id() NodeId { return n.id }

// OpName returns the name of the operation that created the node.
func (n *Node) OpName() string { return n.opName }

// Value of the node. It is not a copy and should not be modified.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.value.Shape() }

// Inputs returns the input nodes of the operation.
func (n *Node) Inputs() []*Node {
	inputs := make([]*Node, len(n.inputNodes))
	copy(inputs, n.inputNodes)
	return inputs
}

// SetCustomVJP replaces the gradient definition of the node during Gradient. Setting it to nil
// restores the operation's own VJP.
func (n *Node) SetCustomVJP(vjp VJP) { n.customVJP = vjp }

// CustomVJP returns the custom gradient set for the node, or nil.
func (n *Node) CustomVJP() VJP { return n.customVJP }

// StopGradient prevents any gradient from flowing through this node.
func (n *Node) StopGradient() { n.stopGradient = true }

// String implements fmt.Stringer.
func (n *Node) String() string {
	inputIds := make([]string, len(n.inputNodes))
	for ii, input := range n.inputNodes {
		inputIds[ii] = fmt.Sprintf("#%d", input.id)
	}
	custom := ""
	if n.customVJP != nil {
		custom = " [custom VJP]"
	}
	return fmt.Sprintf("#%d %s(%s) -> %s%s", n.id, n.opName, strings.Join(inputIds, ", "), n.value.Shape(), custom)
}
