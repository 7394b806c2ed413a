// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/pkg/errors"
)

// PathSeparator separates the names of the modules in a path, e.g. "features.0".
const PathSeparator = "."

// JoinPath returns the path of the child named name of the module at path parent.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + PathSeparator + name
}

// ErrSkipChildren can be returned by the function passed to Walk to skip the children of a module.
var ErrSkipChildren = errors.New("skip children")

// Walk visits root and all its descendants in pre-order (a module before its children, children in
// execution order), calling fn with the path of each module. The root has the empty path.
//
// If fn returns ErrSkipChildren the children of the module are not visited. Any other error interrupts the walk
// and is returned.
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(path string, m Module) error) error {
	if err := fn(path, m); err != nil {
		if errors.Is(err, ErrSkipChildren) {
			return nil
		}
		return err
	}
	for _, child := range m.Children() {
		if err := walk(JoinPath(path, child.Name), child.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// NamedModule is a module and its path from the root.
type NamedModule struct {
	Path   string
	Module Module
}

// Modules returns all modules of root (including itself) in pre-order.
func Modules(root Module) []NamedModule {
	var modules []NamedModule
	_ = Walk(root, func(path string, m Module) error {
		modules = append(modules, NamedModule{Path: path, Module: m})
		return nil
	})
	return modules
}

// Leaves returns the leaf modules of root in pre-order. If root is itself a leaf, it is the only one returned.
func Leaves(root Module) []NamedModule {
	var leaves []NamedModule
	for _, nm := range Modules(root) {
		if IsLeaf(nm.Module) {
			leaves = append(leaves, nm)
		}
	}
	return leaves
}

// CountHooks returns the total number of hooks registered in root and its descendants.
func CountHooks(root Module) int {
	var count int
	for _, nm := range Modules(root) {
		count += nm.Module.NumHooks()
	}
	return count
}

// CountParameters returns the total number of scalar parameters in the leaves of root.
func CountParameters(root Module) int {
	var count int
	for _, nm := range Leaves(root) {
		if p, ok := nm.Module.(Parametrized); ok {
			for _, param := range p.Parameters() {
				count += param.Value.Size()
			}
		}
	}
	return count
}
