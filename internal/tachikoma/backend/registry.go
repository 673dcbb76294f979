package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Factory builds a provider from its validated configuration block. The map
// no longer contains the "backend" key; everything in it belongs to the
// backend's own schema.
type Factory func(cfg map[string]any) (Provider, error)

// Registry maps backend names to provider factories and their configuration
// schemas. It is constructed once at process start and passed by reference;
// there is no ambient global registry, which keeps tests hermetic.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*registration
}

type registration struct {
	schema  *jsonschema.Schema
	factory Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*registration)}
}

// Register adds a backend under a unique name. schema is the JSON Schema
// document describing the backend's configuration block (everything except
// the "backend" key itself); every backend must supply one.
func (r *Registry) Register(name string, schema []byte, f Factory) error {
	if name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	if f == nil {
		return fmt.Errorf("backend %s: nil factory", name)
	}
	if len(schema) == 0 {
		return fmt.Errorf("backend %s: missing config schema", name)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("backend %s: invalid config schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[name]; dup {
		return fmt.Errorf("backend %s already registered", name)
	}
	r.backends[name] = &registration{schema: compiled, factory: f}
	return nil
}

// Open resolves the "backend" key of a provider configuration block,
// validates the remaining fields against that backend's schema, and builds
// the provider. An unregistered name yields an UnknownBackendError.
func (r *Registry) Open(cfg map[string]any) (Provider, error) {
	rawName, ok := cfg["backend"]
	if !ok {
		return nil, fmt.Errorf("provider config is missing the \"backend\" key")
	}
	name, ok := rawName.(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("provider config \"backend\" must be a non-empty string")
	}

	r.mu.RLock()
	reg := r.backends[name]
	r.mu.RUnlock()
	if reg == nil {
		return nil, &UnknownBackendError{Name: name, Registered: r.Names()}
	}

	rest := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if k == "backend" {
			continue
		}
		rest[k] = v
	}

	normalized, err := normalizeForSchema(rest)
	if err != nil {
		return nil, fmt.Errorf("backend %s: config is not plain data: %w", name, err)
	}
	if err := reg.schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", name, err)
	}

	p, err := reg.factory(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s provider: %w", name, err)
	}
	return p, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all registrations. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = make(map[string]*registration)
}

// DecodeConfig maps a raw configuration block onto a typed struct via a JSON
// round trip. Backend factories use it to parse their validated block.
func DecodeConfig(raw map[string]any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// normalizeForSchema converts a YAML-decoded tree into the shape the schema
// validator expects (what encoding/json produces: float64 numbers,
// map[string]any objects).
func normalizeForSchema(v map[string]any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
