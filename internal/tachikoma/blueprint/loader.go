// Package blueprint resolves and renders agent-type blueprints.
//
// Each blueprint lives in a named subdirectory and must contain a
// blueprint.yaml file using Go text/template syntax for variable
// substitution.
//
// Typical layout (relative to the blueprint root):
//
//	shell/blueprint.yaml
//	worker/blueprint.yaml
package blueprint

import (
	"bytes"
	"fmt"
	"io/fs"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	blueprintspec "github.com/bdobrica/Tachikoma/common/spec/blueprint"
)

const fileName = "blueprint.yaml"

// Vars holds values interpolated into a blueprint.
type Vars struct {
	// AgentID is the tracked agent identifier.
	AgentID string

	// AgentName is the operator-chosen agent name.
	AgentName string

	// AgentType is the blueprint name the agent is built from.
	AgentType string

	// HostName is the sandbox name the agent will run on. May be empty
	// before the host has been provisioned.
	HostName string
}

// docSchema gates the rendered document before the typed decode; it is the
// layer that rejects unknown keys, which the struct decode would silently
// drop.
var docSchema = jsonschema.MustCompileString("blueprint.json", `{
  "type": "object",
  "required": ["apiVersion", "metadata", "agent"],
  "properties": {
    "apiVersion": {"type": "string"},
    "metadata": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {"type": "string"},
        "type": {"type": "string"},
        "description": {"type": "string"}
      },
      "additionalProperties": false
    },
    "host": {
      "type": "object",
      "properties": {
        "backend": {"type": "string"},
        "image": {"type": "string"},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "labels": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "agent": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "command": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "env": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "sync": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["git", "mirror"]},
        "include": {"type": "array", "items": {"type": "string"}},
        "exclude": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`)

// Registry resolves and renders blueprints from a filesystem root.
//
// The root fs.FS is expected to contain sub-directories named after agent
// types; each must hold a blueprint.yaml file.
//
// Example:
//
//	reg := blueprint.NewRegistry(os.DirFS("/etc/tachikoma/blueprints"))
//	bp, err := reg.Load("worker", vars)
type Registry struct {
	root fs.FS
}

// NewRegistry creates a Registry backed by the provided filesystem root.
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// List returns the names of all blueprints that contain a blueprint.yaml
// file.
func (r *Registry) List() ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing blueprints: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(r.root, e.Name()+"/"+fileName); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Render loads blueprint.yaml for the named type, interpolates vars, and
// returns the rendered YAML.
//
// Blueprints are trusted operator content loaded from disk. User-submitted
// blueprint content must NOT be used here: text/template allows arbitrary
// pipeline chaining that could be exploited.
func (r *Registry) Render(name string, vars Vars) ([]byte, error) {
	path := name + "/" + fileName

	raw, err := fs.ReadFile(r.root, path)
	if err != nil {
		return nil, fmt.Errorf("blueprint %q: %w", name, err)
	}

	// Option "missingkey=error" causes the template to fail loudly if a
	// Vars field referenced in the blueprint does not exist, instead of
	// silently inserting "<no value>".
	tmpl, err := template.New(path).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("blueprint %q: parse: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("blueprint %q: render: %w", name, err)
	}

	return buf.Bytes(), nil
}

// Load renders the named blueprint and returns its validated typed form.
func (r *Registry) Load(name string, vars Vars) (*blueprintspec.Blueprint, error) {
	rendered, err := r.Render(name, vars)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return nil, fmt.Errorf("blueprint %q: decode: %w", name, err)
	}
	if err := docSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("blueprint %q: schema: %w", name, err)
	}

	bp, err := blueprintspec.Parse(rendered)
	if err != nil {
		return nil, fmt.Errorf("blueprint %q: %w", name, err)
	}
	return bp, nil
}
