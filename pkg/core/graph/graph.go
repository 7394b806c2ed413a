// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements an eager computation graph with reverse-mode automatic differentiation.
//
// Differently from a symbolic graph, each operation is executed as it is added: a Node holds
// the concrete value (a *tensors.Tensor) of its result, the input nodes used to compute it, and
// the VJP (Vector Jacobian Product) function used to back-propagate gradients through it.
// A Graph is therefore the recording (or "tape") of one forward pass, and Gradient walks it
// backwards.
//
// Any node can have its VJP replaced with Node.SetCustomVJP: this is the hook that allows
// relevance propagation rules to substitute the gradient of a layer by their own formula.
//
// Overall in this package we assume the following conventions:
//
//   - root node: the output of the graph. Gradient returns the gradient of the root weighted by a
//     seed tensor (of the root's shape) with respect to a list of selected gradient nodes.
//   - VJP / Adjoint: the accumulated reverse gradient of the root node with respect to the current node
//     being processed. The "V" is not necessarily a vector, it has the shape of the node.
package graph

import (
	"fmt"
	"strings"
)

// Graph records the nodes of one eager forward pass, in execution order.
//
// A Graph is not safe for concurrent use.
type Graph struct {
	name  string
	nodes []*Node
}

// New creates an empty Graph. The name is only used for pretty-printing.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes recorded so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the recorded nodes, in execution order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.nodes))
	copy(nodes, g.nodes)
	return nodes
}

// String implements fmt.Stringer, listing all nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}
