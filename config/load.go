// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// LoadFile reads options from an HCL file and fills the remaining options
// with defaults.
func LoadFile(path string) (*Options, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes options from HCL source. The filename must end in .hcl
// and is only used in diagnostics.
func Parse(filename string, src []byte) (*Options, error) {
	var o Options
	if err := hclsimple.Decode(filename, src, nil, &o); err != nil {
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}
	o.Canonicalize()
	return &o, nil
}

// ApplyOverrides sets options from key=value pairs. Keys are the HCL
// attribute names, with a dot addressing the attributes of a block, for
// example "thresholds.recompute_factor=4". Values are converted to the
// type of the option.
func (o *Options) ApplyOverrides(pairs []string) error {
	if len(pairs) == 0 {
		return nil
	}

	raw := make(map[string]interface{})
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid override %q, expected key=value", pair)
		}

		block, attr, nested := strings.Cut(key, ".")
		if !nested {
			raw[key] = value
			continue
		}
		m, _ := raw[block].(map[string]interface{})
		if m == nil {
			m = make(map[string]interface{})
			raw[block] = m
		}
		m[attr] = value
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           o,
		TagName:          "hcl",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	return nil
}
