// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package composites maps each layer of a model to an LRP rule, and owns the lifetime of the rules and
// canonizers applied to the model.
//
// A Composite is a policy: an ordered list of (Matcher, rule template) entries, optionally a list of
// "first layer" entries and a list of canonizers. Composite.Register applies it to a model:
//
//  1. Apply the canonizers, in order.
//  2. Walk the leaves of the model in traversal order and resolve a rule for each: the first-layer entries are
//     used once, for the first leaf they match; otherwise the first entry that matches wins; leaves not matched
//     get a rules.Pass.
//  3. Attach a copy of each resolved rule template to its leaf.
//
// Handle.Release undoes everything in reverse order: rules are detached, then canonizers reverted. Use
// Composite.Context to guarantee the release, even on errors or panics.
package composites

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/canonizers"
	"github.com/gomlx/xai/pkg/ml/xai/rules"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrReentrant is returned when registering a composite on a model that already has one registered.
	ErrReentrant = errors.New("model already has a composite registered")

	// ErrNoMatches is returned when a composite with a layer (or name) map matches no layer of the model.
	ErrNoMatches = errors.New("composite matched no layer of the model")
)

// Entry of a layer map: layers matched by Matcher get a copy of Template.
type Entry struct {
	Matcher  Matcher
	Template rules.Rule
}

// Composite maps layers to rules. It is immutable once created (the With* methods return modified copies),
// and can be registered on any number of models, one at a time per model.
type Composite struct {
	name       string
	entries    []Entry
	firstLayer []Entry
	canonizers []canonizers.Canonizer

	// isMap is set for layer and name maps, even without entries: they must match at least one layer.
	isMap bool
}

// NewLayerMap creates a composite that resolves rules with the given entries, usually matching the layers
// by kind or capabilities. The first matching entry wins.
func NewLayerMap(name string, entries ...Entry) *Composite {
	return &Composite{name: name, entries: entries, isMap: true}
}

// NameEntry of a name map: layers whose path is in Names get a copy of Rule.
type NameEntry struct {
	Names []string
	Rule  rules.Rule
}

// NewNameMap creates a composite that resolves rules by the dotted path of the layers. Layers not named get
// a rules.Pass.
func NewNameMap(name string, entries ...NameEntry) *Composite {
	layerEntries := make([]Entry, len(entries))
	for ii, entry := range entries {
		layerEntries[ii] = Entry{Matcher: Names(entry.Names...), Template: entry.Rule}
	}
	return NewLayerMap(name, layerEntries...)
}

// NewSpecialFirstLayerMap creates a composite like NewLayerMap, but the first leaf (in traversal order) matched
// by one of the firstLayer entries gets its rule instead. Typically used for the input layer of the model.
func NewSpecialFirstLayerMap(name string, entries []Entry, firstLayer []Entry) *Composite {
	return NewLayerMap(name, entries...).WithFirstLayer(firstLayer...)
}

// Noop returns a composite that attaches no rules, so the attribution is the plain gradient.
func Noop() *Composite {
	return &Composite{name: "noop"}
}

// Name of the composite.
func (c *Composite) Name() string { return c.name }

// WithCanonizers returns a copy of the composite that also applies the given canonizers.
func (c *Composite) WithCanonizers(canonizers ...canonizers.Canonizer) *Composite {
	newC := *c
	newC.canonizers = append(slices.Clone(c.canonizers), canonizers...)
	return &newC
}

// WithEntries returns a copy of the composite with the given entries prepended to its layer map, so they
// take precedence over the existing ones.
func (c *Composite) WithEntries(entries ...Entry) *Composite {
	newC := *c
	newC.entries = append(slices.Clone(entries), c.entries...)
	newC.isMap = c.isMap || len(entries) > 0
	return &newC
}

// WithFirstLayer returns a copy of the composite with the given first-layer entries: the first leaf (in traversal
// order) matched by one of them gets its rule, overriding the layer map.
func (c *Composite) WithFirstLayer(entries ...Entry) *Composite {
	newC := *c
	newC.firstLayer = slices.Clone(entries)
	newC.isMap = c.isMap || len(entries) > 0
	return &newC
}

// Canonizers returns the canonizers applied by the composite.
func (c *Composite) Canonizers() []canonizers.Canonizer { return slices.Clone(c.canonizers) }

// hasMap returns whether the composite is a layer or name map: if so, it is expected to match something,
// even if it has no entries.
func (c *Composite) hasMap() bool { return c.isMap }

// active holds the handles of the models with a composite registered.
var active = struct {
	mu      sync.Mutex
	handles map[nn.Module]*Handle
}{handles: make(map[nn.Module]*Handle)}

// Binding of a rule to a layer, as resolved by Register.
type Binding struct {
	Path string
	Rule rules.Rule

	// Implicit is true for layers that didn't match any entry, and got a rules.Pass.
	Implicit bool
}

// Handle of a composite registered on a model. Release it with Release.
type Handle struct {
	id        uuid.UUID
	composite *Composite
	model     nn.Module
	bindings  []Binding
	attached  []rules.Rule
	instances []canonizers.Instance
	released  bool
}

// ID of the registration, used in logs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Bindings returns the rules bound to each leaf, in traversal order.
func (h *Handle) Bindings() []Binding { return slices.Clone(h.bindings) }

// RuleName returns the name of the rule bound to the leaf at path.
func (h *Handle) RuleName(path string) (name string, found bool) {
	for _, b := range h.bindings {
		if b.Path == path {
			return b.Rule.Name(), true
		}
	}
	return "", false
}

// resolve returns the rule template for each leaf, and whether any entry matched.
func (c *Composite) resolve(leaves []nn.NamedModule) (bindings []Binding, matched bool) {
	firstUsed := false
	for _, leaf := range leaves {
		var template rules.Rule
		if !firstUsed {
			for _, entry := range c.firstLayer {
				if entry.Matcher.Match(leaf.Path, leaf.Module) {
					template, firstUsed = entry.Template, true
					break
				}
			}
		}
		if template == nil {
			for _, entry := range c.entries {
				if entry.Matcher.Match(leaf.Path, leaf.Module) {
					template = entry.Template
					break
				}
			}
		}
		if template == nil {
			bindings = append(bindings, Binding{Path: leaf.Path, Rule: rules.NewPass(), Implicit: true})
			continue
		}
		matched = true
		bindings = append(bindings, Binding{Path: leaf.Path, Rule: template.Copy()})
	}
	return
}

// Register applies the composite to the model: canonizers are applied and rules attached.
//
// The returned Handle must be released (see Handle.Release) to restore the model; prefer Context, that
// guarantees it. On error, the model is left unchanged.
func (c *Composite) Register(model nn.Module) (*Handle, error) {
	h := &Handle{id: uuid.New(), composite: c, model: model}
	active.mu.Lock()
	if _, found := active.handles[model]; found {
		active.mu.Unlock()
		return nil, errors.Wrapf(ErrReentrant, "registering composite %q on %s", c.name, model.Descriptor())
	}
	active.handles[model] = h
	active.mu.Unlock()

	if err := h.register(); err != nil {
		h.Release()
		return nil, err
	}
	klog.V(1).Infof("composite %q registered on %s (handle %s): %d rules, %d canonizer instances",
		c.name, model.Descriptor(), h.id, len(h.attached), len(h.instances))
	return h, nil
}

func (h *Handle) register() error {
	c := h.composite
	for _, canonizer := range c.canonizers {
		instances, err := canonizer.Apply(h.model)
		if err != nil {
			return errors.WithMessagef(err, "composite %q", c.name)
		}
		h.instances = append(h.instances, instances...)
	}
	if !c.hasMap() {
		return nil
	}

	leaves := nn.Leaves(h.model)
	bindings, matched := c.resolve(leaves)
	if !matched {
		return errors.Wrapf(ErrNoMatches, "composite %q on %s with %d leaves", c.name, h.model.Descriptor(), len(leaves))
	}
	h.bindings = bindings
	for ii, b := range bindings {
		if klog.V(2).Enabled() {
			klog.Infof("composite %q: %q (%s) -> %s", c.name, b.Path, leaves[ii].Module.Descriptor(), b.Rule.Name())
		}
		if err := b.Rule.Attach(leaves[ii].Module); err != nil {
			return errors.WithMessagef(err, "composite %q attaching rule %q to %q", c.name, b.Rule.Name(), b.Path)
		}
		h.attached = append(h.attached, b.Rule)
	}
	return nil
}

// Release detaches the rules and reverts the canonizers, in reverse order. It is a no-op if already released.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	for _, rule := range slices.Backward(h.attached) {
		rule.Detach()
	}
	h.attached = nil
	canonizers.RevertAll(h.instances)
	h.instances = nil

	active.mu.Lock()
	if active.handles[h.model] == h {
		delete(active.handles, h.model)
	}
	active.mu.Unlock()
	klog.V(1).Infof("composite %q released from %s (handle %s)", h.composite.name, h.model.Descriptor(), h.id)
}

// IsReleased returns whether Release was called.
func (h *Handle) IsReleased() bool { return h.released }

// Context registers the composite on the model, calls fn and releases it, whatever happens in fn.
//
// Errors returned by fn, and panics with an error, are returned. Other panics are re-thrown after the release.
func (c *Composite) Context(model nn.Module, fn func() error) error {
	h, err := c.Register(model)
	if err != nil {
		return err
	}
	defer h.Release()
	var fnErr error
	err = exceptions.TryCatch[error](func() { fnErr = fn() })
	if err != nil {
		return errors.WithMessagef(err, "composite %q: panic", c.name)
	}
	return fnErr
}
