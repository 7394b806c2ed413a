// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/xai/pkg/support/fsutil"
	"github.com/gomlx/xai/pkg/support/xslices"
	"github.com/pkg/errors"
)

// field of the configuration, settable from a string.
type field struct {
	name  string
	usage string
	set   func(c *Config, value string) error
	get   func(c *Config) string
}

func parseJSON[T any](value string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(value), &v)
	return v, err
}

func parseFloat(value string) (float64, error) { return parseJSON[float64](value) }

func parseMapping(value string) (Mapping, error) {
	match, rule, found := strings.Cut(value, ":")
	if !found || match == "" || rule == "" {
		return Mapping{}, errors.Errorf("mapping %q must have the format \"<layer>:<rule>\"", value)
	}
	return Mapping{Match: strings.TrimSpace(match), Rule: strings.TrimSpace(rule)}, nil
}

func joinList[T any](values []T) string {
	return strings.Join(xslices.Map(values, func(v T) string { return fmt.Sprint(v) }), ",")
}

// fields in the order they are listed by Settings.
var fields = []field{
	{"composite", "name of the preset composite",
		func(c *Config, v string) error { c.Composite = v; return nil },
		func(c *Config) string { return c.Composite }},
	{"epsilon", "epsilon of the stabilizer",
		func(c *Config, v string) (err error) { c.Epsilon, err = parseFloat(v); return },
		func(c *Config) string { return fmt.Sprint(c.Epsilon) }},
	{"relative_to_norm", "scale epsilon by the norm of each sample",
		func(c *Config, v string) (err error) { c.RelativeToNorm, err = parseJSON[bool](v); return },
		func(c *Config) string { return fmt.Sprint(c.RelativeToNorm) }},
	{"norm", `norm used with relative_to_norm: "rms" or "mean_abs"`,
		func(c *Config, v string) error { c.Norm = v; return nil },
		func(c *Config) string { return c.Norm }},
	{"gamma", "gamma of the gamma rule",
		func(c *Config, v string) (err error) { c.Gamma, err = parseFloat(v); return },
		func(c *Config) string { return fmt.Sprint(c.Gamma) }},
	{"alpha", "alpha of the alpha_beta rule",
		func(c *Config, v string) (err error) { c.Alpha, err = parseFloat(v); return },
		func(c *Config) string { return fmt.Sprint(c.Alpha) }},
	{"beta", "beta of the alpha_beta rule",
		func(c *Config, v string) (err error) { c.Beta, err = parseFloat(v); return },
		func(c *Config) string { return fmt.Sprint(c.Beta) }},
	{"low", "comma-separated lower bound(s) of the input, for the zbox rule",
		func(c *Config, v string) (err error) { c.Low, err = xslices.ParseList(v, parseFloat); return },
		func(c *Config) string { return joinList(c.Low) }},
	{"high", "comma-separated upper bound(s) of the input, for the zbox rule",
		func(c *Config, v string) (err error) { c.High, err = xslices.ParseList(v, parseFloat); return },
		func(c *Config) string { return joinList(c.High) }},
	{"canonizers", "comma-separated canonizer names",
		func(c *Config, v string) (err error) {
			c.Canonizers, err = xslices.ParseList(v, func(s string) (string, error) { return s, nil })
			return
		},
		func(c *Config) string { return joinList(c.Canonizers) }},
	{"layer_map", `comma-separated "<capability or kind>:<rule>" entries`,
		func(c *Config, v string) (err error) { c.LayerMap, err = xslices.ParseList(v, parseMapping); return },
		func(c *Config) string { return joinList(c.LayerMap) }},
	{"name_map", `comma-separated "<layer path>:<rule>" entries`,
		func(c *Config, v string) (err error) { c.NameMap, err = xslices.ParseList(v, parseMapping); return },
		func(c *Config) string { return joinList(c.NameMap) }},
	{"attributor", `"gradient", "smoothgrad" or "integrated_gradients"`,
		func(c *Config, v string) error { c.Attributor = v; return nil },
		func(c *Config) string { return c.Attributor }},
	{"noise_level", "noise of smoothgrad, relative to the range of each sample",
		func(c *Config, v string) (err error) { c.NoiseLevel, err = parseFloat(v); return },
		func(c *Config) string { return fmt.Sprint(c.NoiseLevel) }},
	{"n_iter", "number of iterations of smoothgrad and integrated_gradients",
		func(c *Config, v string) (err error) {
			c.NumIterations, err = parseJSON[int](strings.ReplaceAll(v, "_", ""))
			return
		},
		func(c *Config) string { return fmt.Sprint(c.NumIterations) }},
}

func findField(name string) (field, bool) {
	for _, f := range fields {
		if f.name == name {
			return f, true
		}
	}
	return field{}, false
}

// ParseSettings updates the configuration from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "epsilon=0.01;canonizers=vgg;n_iter=1_000".
//
// An entry "file:<path>" reads settings from the file, one or more per line (separated by ";"), with
// lines starting with "#" ignored.
//
// It returns the names of the fields set, or a *FieldError for unknown fields or unparseable values.
// The configuration is not validated, see Validate.
func (c *Config) ParseSettings(settings string) (fieldsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		fieldsSet, err = c.parseSetting(strings.TrimSpace(setting), fieldsSet)
		if err != nil {
			return
		}
	}
	return
}

func (c *Config) parseSetting(setting string, fieldsSet []string) ([]string, error) {
	if setting == "" {
		return fieldsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		contents, err := fsutil.ReadFile(filePath)
		if err != nil {
			return fieldsSet, errors.WithMessage(err, "failed to read settings file")
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lineFields, err := c.ParseSettings(line)
			fieldsSet = append(fieldsSet, lineFields...)
			if err != nil {
				return fieldsSet, err
			}
		}
		return fieldsSet, nil
	}

	name, value, found := strings.Cut(setting, "=")
	name = strings.TrimSpace(name)
	if !found {
		return fieldsSet, fieldErrorf(name, "each setting requires the format \"<field>=<value>\", got %q", setting)
	}
	f, found := findField(name)
	if !found {
		return fieldsSet, fieldErrorf(name, "unknown field, valid fields are %s", strings.Join(FieldNames(), ", "))
	}
	if err := f.set(c, strings.TrimSpace(value)); err != nil {
		return fieldsSet, fieldErrorf(name, "failed to parse value %q: %v", value, err)
	}
	return append(fieldsSet, name), nil
}

// FieldNames returns the names of the configuration fields.
func FieldNames() []string {
	return xslices.Map(fields, func(f field) string { return f.name })
}

// Settings returns the configuration as a settings string, that can be parsed back with ParseSettings.
// Unset optional fields are omitted.
func (c *Config) Settings() string {
	var parts []string
	for _, f := range fields {
		if value := f.get(c); value != "" {
			parts = append(parts, f.name+"="+value)
		}
	}
	return strings.Join(parts, ";")
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set") and with a
// description of the configuration fields, with their default values.
//
// The flag should be created before the call to flag.Parse, and parsed with Config.ParseSettings.
func CreateSettingsFlag(defaults *Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{`Configuration of the attribution: a list of "field=value" separated by ";". ` +
		`It can also be given an entry like "file:settings.txt", in which case the settings are read from the file, ` +
		`one or more per line. Fields:`}
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("  %q: %s, default %q", f.name, f.usage, f.get(defaults)))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}
