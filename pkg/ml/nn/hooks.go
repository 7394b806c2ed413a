// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/xai/pkg/core/tensors"
)

// ForwardHook is called after a leaf is applied, with its input values and output. It must not modify them.
type ForwardHook func(m Module, inputs []*tensors.Tensor, output *tensors.Tensor)

// BackwardHook is called when a gradient is back-propagated through a leaf. It receives the input values
// of the application being differentiated, the adjoint of its output (gradOutput) and the gradients the
// leaf would normally send to its inputs.
//
// A leaf applied more than once in a forward pass calls its backward hooks once per application, each
// with the inputs of that application.
//
// It returns the replacement gradients for the inputs, or nil to keep gradInputs.
type BackwardHook func(m Module, inputs []*tensors.Tensor, gradOutput *tensors.Tensor, gradInputs []*tensors.Tensor) []*tensors.Tensor

type hookEntry struct {
	id       int
	forward  ForwardHook
	backward BackwardHook
}

// Base holds the hooks of a module, and must be embedded by every Module implementation.
//
// The zero value is ready to use.
type Base struct {
	nextId  int
	entries []hookEntry
}

func (b *Base) base() *Base { return b }

func (b *Base) register(entry hookEntry) *HookHandle {
	entry.id = b.nextId
	b.nextId++
	b.entries = append(b.entries, entry)
	return &HookHandle{owner: b, id: entry.id}
}

// RegisterForwardHook implements Module.
func (b *Base) RegisterForwardHook(hook ForwardHook) *HookHandle {
	return b.register(hookEntry{forward: hook})
}

// RegisterBackwardHook implements Module.
func (b *Base) RegisterBackwardHook(hook BackwardHook) *HookHandle {
	return b.register(hookEntry{backward: hook})
}

// NumHooks implements Module.
func (b *Base) NumHooks() int { return len(b.entries) }

func (b *Base) forwardHooks() []ForwardHook {
	var hooks []ForwardHook
	for _, entry := range b.entries {
		if entry.forward != nil {
			hooks = append(hooks, entry.forward)
		}
	}
	return hooks
}

func (b *Base) backwardHooks() []BackwardHook {
	var hooks []BackwardHook
	for _, entry := range b.entries {
		if entry.backward != nil {
			hooks = append(hooks, entry.backward)
		}
	}
	return hooks
}

// HookHandle is returned when registering a hook, and is used to remove it.
type HookHandle struct {
	owner *Base
	id    int
}

// Remove the hook from its module. It is a no-op if the hook was already removed.
func (h *HookHandle) Remove() {
	if h == nil || h.owner == nil {
		return
	}
	entries := h.owner.entries
	for ii, entry := range entries {
		if entry.id == h.id {
			h.owner.entries = append(entries[:ii:ii], entries[ii+1:]...)
			break
		}
	}
	h.owner = nil
}

// IsRemoved returns whether Remove was called.
func (h *HookHandle) IsRemoved() bool { return h == nil || h.owner == nil }
