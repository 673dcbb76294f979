// Package blueprint defines types for the agent blueprint schema (v1).
//
// A blueprint is the versioned YAML document that describes one agent type:
// the sandbox it runs in, the process to launch inside it, and the sync
// defaults applied to its work tree.
package blueprint

// SpecVersion is the API version string required in every blueprint.
const SpecVersion = "tachikoma/v1"

// Blueprint is the root type for an agent-type definition.
type Blueprint struct {
	// APIVersion must be "tachikoma/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Host describes the sandbox to provision for agents of this type.
	Host Host `yaml:"host,omitempty" json:"host,omitempty"`

	// Agent describes the process launched inside the sandbox.
	Agent Agent `yaml:"agent" json:"agent"`

	// Sync holds the default transfer settings for this agent type.
	Sync Sync `yaml:"sync,omitempty" json:"sync,omitempty"`
}

// Metadata holds descriptive information about a blueprint.
type Metadata struct {
	// Name is the agent name, usually interpolated from the create request.
	Name string `yaml:"name" json:"name"`

	// Type is the agent-type tag recorded on agents built from this
	// blueprint.
	Type string `yaml:"type" json:"type"`

	// Description is a human-readable summary of what the agent does.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Host describes the sandbox for one agent type.
type Host struct {
	// Backend selects the provider. Empty means the daemon default.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Image is the sandbox image for backends that run one.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Env holds environment variables set on the sandbox itself.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Labels are attached to the backing resource for later selection.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Agent describes the process launched inside the sandbox.
type Agent struct {
	// Command is the argv to launch. Must not be empty.
	Command []string `yaml:"command" json:"command"`

	// Env holds additional environment variables for the agent process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Sync holds per-type defaults for work-tree transfers.
type Sync struct {
	// Mode is "git" or "mirror". Empty leaves the choice to the caller.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Include restricts mirror transfers to matching paths.
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`

	// Exclude drops matching paths from mirror transfers.
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}
