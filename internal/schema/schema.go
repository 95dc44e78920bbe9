// Package schema holds the declarative description of the object graph served by a
// resource server: entities with typed attributes and relationships, per-entity
// access-control callbacks, and the registry the server resolves requests against.
package schema

import (
	"fmt"
	"math"
	"time"
)

// TimestampLayout is the wire format for date attribute values.
const TimestampLayout = time.RFC3339

// AttributeType enumerates the value types an attribute may carry.
type AttributeType uint8

const (
	String AttributeType = iota
	Integer
	Float
	Boolean
	Date
)

// DeleteRule controls what happens to a relationship's targets when the owning
// resource is deleted.
type DeleteRule uint8

const (
	// Nullify removes dangling references to the deleted resource.
	Nullify DeleteRule = iota
	// Cascade deletes the referenced resources as well.
	Cascade
)

// Attribute declares a typed attribute of an entity.
type Attribute struct {
	Type AttributeType

	// Unique enforces that no two instances carry the same value, e.g. the
	// identity attribute of a user-like entity.
	Unique bool
}

// Relationship declares a link to another entity, rendered on the wire as a
// resource ID (to-one) or an array of resource IDs (to-many).
type Relationship struct {
	Entity     string
	ToMany     bool
	DeleteRule DeleteRule
}

// Entity describes one addressable resource type.
type Entity struct {
	Name string
	// Path is the URL segment instances are served under.
	Path string
	// IdentityAttribute is the JSON key carrying the resource ID.
	IdentityAttribute string
	// RequiresSession rejects anonymous requests against this entity.
	RequiresSession bool
	// RequiredInitialProperties must all be present in a create payload.
	RequiredInitialProperties []string

	Attributes    map[string]Attribute
	Relationships map[string]Relationship
	Functions     []string
}

// HasProperty reports whether name is a declared attribute or relationship.
func (e *Entity) HasProperty(name string) bool {
	if _, ok := e.Attributes[name]; ok {
		return true
	}
	_, ok := e.Relationships[name]
	return ok
}

// HasFunction reports whether the entity declares the named function.
func (e *Entity) HasFunction(name string) bool {
	for _, fn := range e.Functions {
		if fn == name {
			return true
		}
	}
	return false
}

// CoerceValue normalises a decoded JSON value for the named property into its
// storage form, or fails when the value does not fit the declared type.
func (e *Entity) CoerceValue(name string, raw any) (any, error) {
	if attr, ok := e.Attributes[name]; ok {
		return coerceAttribute(name, attr, raw)
	}
	if rel, ok := e.Relationships[name]; ok {
		return coerceRelationship(name, rel, raw)
	}
	return nil, fmt.Errorf("schema: entity %q has no property %q", e.Name, name)
}

func coerceAttribute(name string, attr Attribute, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch attr.Type {
	case String:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case Integer:
		if n, ok := NormalizeID(raw); ok {
			return n, nil
		}
	case Float:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
	case Boolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case Date:
		if s, ok := raw.(string); ok {
			if _, err := time.Parse(TimestampLayout, s); err == nil {
				return s, nil
			}
		}
	}

	return nil, fmt.Errorf("schema: invalid value for attribute %q", name)
}

func coerceRelationship(name string, rel Relationship, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if rel.ToMany {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("schema: relationship %q expects an array of resource IDs", name)
		}
		ids := make([]any, 0, len(items))
		for _, item := range items {
			id, ok := NormalizeID(item)
			if !ok {
				return nil, fmt.Errorf("schema: relationship %q contains a non-integer resource ID", name)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	id, ok := NormalizeID(raw)
	if !ok {
		return nil, fmt.Errorf("schema: relationship %q expects a resource ID", name)
	}
	return id, nil
}

// NormalizeID converts JSON number representations into an int64 resource ID.
func NormalizeID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

// RelationshipIDs extracts the ID set stored for a relationship value.
func RelationshipIDs(raw any) []int64 {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			if id, ok := NormalizeID(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		if id, ok := NormalizeID(v); ok {
			return []int64{id}
		}
	}
	return nil
}

// Resource is one entity instance as seen by access-control callbacks and the
// server: the entity name, the assigned resource ID and the stored values.
type Resource struct {
	Entity string
	ID     int64
	Values map[string]any
}

// Value returns the stored value for a property.
func (r *Resource) Value(name string) any {
	if r == nil || r.Values == nil {
		return nil
	}
	return r.Values[name]
}
