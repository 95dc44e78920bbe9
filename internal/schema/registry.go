package schema

import (
	"fmt"
	"sort"
)

type registration struct {
	entity *Entity
	access AccessControl
}

// Registry is the schema-wide lookup table the server and client resolve
// entity names and resource paths against. Registration happens during
// bootstrap; lookups afterwards are read-only and safe for concurrent use.
type Registry struct {
	byName map[string]registration
	byPath map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]registration),
		byPath: make(map[string]string),
	}
}

// Register adds an entity and its access control to the registry.
func (r *Registry) Register(entity *Entity, access AccessControl) error {
	if entity == nil {
		return fmt.Errorf("schema: entity is required")
	}
	if entity.Name == "" || entity.Path == "" {
		return fmt.Errorf("schema: entity name and path are required")
	}
	if entity.IdentityAttribute == "" {
		return fmt.Errorf("schema: entity %q needs an identity attribute", entity.Name)
	}
	if access == nil {
		return fmt.Errorf("schema: entity %q needs access control", entity.Name)
	}

	if _, exists := r.byName[entity.Name]; exists {
		return fmt.Errorf("schema: entity %q already registered", entity.Name)
	}
	if existing, exists := r.byPath[entity.Path]; exists {
		return fmt.Errorf("schema: path %q already used by entity %q", entity.Path, existing)
	}

	for name, prop := range entity.Relationships {
		if prop.Entity == "" {
			return fmt.Errorf("schema: relationship %q of %q has no target entity", name, entity.Name)
		}
	}
	for _, required := range entity.RequiredInitialProperties {
		if !entity.HasProperty(required) {
			return fmt.Errorf("schema: required property %q of %q is not declared", required, entity.Name)
		}
	}

	r.byName[entity.Name] = registration{entity: entity, access: access}
	r.byPath[entity.Path] = entity.Name
	return nil
}

// Lookup resolves an entity by name.
func (r *Registry) Lookup(name string) (*Entity, AccessControl, bool) {
	reg, ok := r.byName[name]
	if !ok {
		return nil, nil, false
	}
	return reg.entity, reg.access, true
}

// ByPath resolves an entity by its resource path segment.
func (r *Registry) ByPath(path string) (*Entity, AccessControl, bool) {
	name, ok := r.byPath[path]
	if !ok {
		return nil, nil, false
	}
	return r.Lookup(name)
}

// Entities returns all registered entities ordered by name.
func (r *Registry) Entities() []*Entity {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	entities := make([]*Entity, 0, len(names))
	for _, name := range names {
		entities = append(entities, r.byName[name].entity)
	}
	return entities
}
