// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the policy manifest inside a policy directory.
const ManifestFile = "policies.yaml"

// Manifest lists the policies of a directory. Each entry names the Rego file
// holding its module, relative to the directory.
type Manifest struct {
	Policies []ManifestEntry `yaml:"policies"`
}

// ManifestEntry describes one policy in a Manifest.
type ManifestEntry struct {
	Policy `yaml:",inline"`
	File   string `yaml:"file"`
}

// LoadDir reads dir/policies.yaml, compiles every listed module and registers
// the policies. Nothing is registered if any policy fails to compile.
func LoadDir(ctx context.Context, dir string, registry *Registry) ([]Policy, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading policy manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing policy manifest: %w", err)
	}

	policies := make([]Policy, 0, len(m.Policies))
	for _, entry := range m.Policies {
		p := entry.Policy
		if entry.File == "" {
			if p.Tag != TagAuditSink {
				return nil, fmt.Errorf("policy %s has no file", p.ID)
			}
			p.Module = DefaultSinkModule
		} else {
			src, err := os.ReadFile(filepath.Join(dir, entry.File))
			if err != nil {
				return nil, fmt.Errorf("reading policy %s: %w", p.ID, err)
			}
			p.Module = string(src)
		}
		if _, err := Compile(ctx, p); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	for _, p := range policies {
		if err := registry.Put(p); err != nil {
			return nil, err
		}
	}
	return policies, nil
}
