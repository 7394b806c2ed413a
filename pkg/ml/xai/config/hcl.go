// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/xai/pkg/support/fsutil"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hclMapping is a layer_map or name_map block.
type hclMapping struct {
	Match string `hcl:"match,label"`
	Rule  string `hcl:"rule"`
}

// hclFile is the structure of a configuration file. Attributes not given are left at their default values.
type hclFile struct {
	Composite      *string       `hcl:"composite,optional"`
	Epsilon        *float64      `hcl:"epsilon,optional"`
	RelativeToNorm *bool         `hcl:"relative_to_norm,optional"`
	Norm           *string       `hcl:"norm,optional"`
	Gamma          *float64      `hcl:"gamma,optional"`
	Alpha          *float64      `hcl:"alpha,optional"`
	Beta           *float64      `hcl:"beta,optional"`
	Low            []float64     `hcl:"low,optional"`
	High           []float64     `hcl:"high,optional"`
	Canonizers     []string      `hcl:"canonizers,optional"`
	LayerMap       []*hclMapping `hcl:"layer_map,block"`
	NameMap        []*hclMapping `hcl:"name_map,block"`
	Attributor     *string       `hcl:"attributor,optional"`
	NoiseLevel     *float64      `hcl:"noise_level,optional"`
	NumIterations  *int          `hcl:"n_iter,optional"`
}

func setIfGiven[T any](target *T, value *T) {
	if value != nil {
		*target = *value
	}
}

func toMappings(blocks []*hclMapping) []Mapping {
	mappings := make([]Mapping, len(blocks))
	for ii, block := range blocks {
		mappings[ii] = Mapping{Match: block.Match, Rule: block.Rule}
	}
	return mappings
}

// apply overwrites the fields of c given in the file.
func (f *hclFile) apply(c *Config) {
	setIfGiven(&c.Composite, f.Composite)
	setIfGiven(&c.Epsilon, f.Epsilon)
	setIfGiven(&c.RelativeToNorm, f.RelativeToNorm)
	setIfGiven(&c.Norm, f.Norm)
	setIfGiven(&c.Gamma, f.Gamma)
	setIfGiven(&c.Alpha, f.Alpha)
	setIfGiven(&c.Beta, f.Beta)
	if f.Low != nil {
		c.Low = f.Low
	}
	if f.High != nil {
		c.High = f.High
	}
	if f.Canonizers != nil {
		c.Canonizers = f.Canonizers
	}
	if len(f.LayerMap) > 0 {
		c.LayerMap = toMappings(f.LayerMap)
	}
	if len(f.NameMap) > 0 {
		c.NameMap = toMappings(f.NameMap)
	}
	setIfGiven(&c.Attributor, f.Attributor)
	setIfGiven(&c.NoiseLevel, f.NoiseLevel)
	setIfGiven(&c.NumIterations, f.NumIterations)
}

// diagnosticsError converts HCL diagnostics to an error: a *FieldError if the error refers to an unknown
// or invalid field.
func diagnosticsError(diags hcl.Diagnostics, src []byte, filename string) error {
	for _, diag := range diags {
		if diag.Severity != hcl.DiagError {
			continue
		}
		if diag.Summary == "Unsupported argument" || diag.Summary == "Unsupported block type" {
			fieldName := ""
			if diag.Subject != nil {
				fieldName = string(diag.Subject.SliceBytes(src))
			}
			return &FieldError{Field: fieldName, Reason: diag.Error()}
		}
	}
	return errors.Wrapf(diags, "failed to decode configuration %q", filename)
}

// ParseHCL parses the HCL configuration in src over the default configuration, and validates it.
// filename is only used in error messages.
func ParseHCL(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse configuration %q", filename)
	}
	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, diagnosticsError(diags, src, filename)
	}
	c := Default()
	parsed.apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("configuration %q: %s", filename, c.Settings())
	return c, nil
}

// LoadHCL reads the HCL configuration file at filePath (a leading "~" is replaced by the home directory).
// See ParseHCL.
func LoadHCL(filePath string) (*Config, error) {
	src, err := fsutil.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseHCL(src, filePath)
}
