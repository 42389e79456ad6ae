// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ParseFile reads and builds the pipeline declared in path. Files ending in
// .json are decoded as HCL JSON, everything else as native HCL.
func ParseFile(path string) (*Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline %q: %w", path, err)
	}
	return Parse(path, src)
}

// Parse decodes src and builds the pipeline. The filename is used for
// diagnostics and to pick the syntax.
func Parse(filename string, src []byte) (*Graph, error) {
	var spec Spec
	if err := hclsimple.Decode(decodeName(filename), src, nil, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if spec.Name == "" {
		base := filepath.Base(filename)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return Build(&spec)
}

// decodeName makes sure hclsimple can infer the syntax from the name, for
// example when reading from stdin.
func decodeName(filename string) string {
	switch filepath.Ext(filename) {
	case ".hcl", ".json":
		return filename
	}
	return filename + ".hcl"
}
