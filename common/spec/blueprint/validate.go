package blueprint

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a blueprint YAML document and validates it. It is the
// canonical entry point for loading blueprints.
func Parse(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("blueprint parse: %w", err)
	}
	if err := Validate(&bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

// Validate checks a Blueprint for structural correctness without executing
// it. It returns the first validation error encountered, or nil if the
// blueprint is valid.
func Validate(bp *Blueprint) error {
	if bp == nil {
		return fmt.Errorf("blueprint must not be nil")
	}

	// ── API version ──────────────────────────────────────────────────────────
	if bp.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, bp.APIVersion)
	}

	// ── Metadata ─────────────────────────────────────────────────────────────
	if strings.TrimSpace(bp.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}
	if strings.TrimSpace(bp.Metadata.Type) == "" {
		return fmt.Errorf("metadata.type must not be empty")
	}

	// ── Agent ────────────────────────────────────────────────────────────────
	if len(bp.Agent.Command) == 0 {
		return fmt.Errorf("agent.command must not be empty")
	}
	for i, arg := range bp.Agent.Command {
		if i == 0 && strings.TrimSpace(arg) == "" {
			return fmt.Errorf("agent.command[0] must not be blank")
		}
	}
	for k := range bp.Agent.Env {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("agent.env: variable names must not be blank")
		}
	}

	// ── Host ─────────────────────────────────────────────────────────────────
	for k := range bp.Host.Env {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("host.env: variable names must not be blank")
		}
	}

	// ── Sync ─────────────────────────────────────────────────────────────────
	switch bp.Sync.Mode {
	case "", "git", "mirror":
	default:
		return fmt.Errorf("sync.mode must be \"git\" or \"mirror\", got %q", bp.Sync.Mode)
	}

	return nil
}
