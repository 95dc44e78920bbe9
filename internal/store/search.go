package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/internal/schema"
)

// ErrInvalidSearch marks a search descriptor the store refuses to run:
// unknown key, disallowed operator or an operator/type mismatch.
var ErrInvalidSearch = errors.New("store: invalid search descriptor")

// Search operators. Only these run; anything else is rejected before touching
// the persistence engine so a client cannot force an unindexed full scan with
// arbitrary predicates.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpContains     = "contains"
	OpBeginsWith   = "begins_with"
	OpEndsWith     = "ends_with"
)

// ModifierCaseInsensitive applies to the string operators.
const ModifierCaseInsensitive = "case_insensitive"

var allowedOperators = map[string]bool{
	OpEqual:        true,
	OpNotEqual:     true,
	OpLess:         true,
	OpLessEqual:    true,
	OpGreater:      true,
	OpGreaterEqual: true,
	OpContains:     true,
	OpBeginsWith:   true,
	OpEndsWith:     true,
}

var stringOperators = map[string]bool{
	OpContains:   true,
	OpBeginsWith: true,
	OpEndsWith:   true,
}

// SortDescriptor orders search results by one attribute.
type SortDescriptor struct {
	Key       string `json:"key" validate:"required"`
	Ascending bool   `json:"ascending"`
}

// SearchRequest is the wire descriptor for a search operation.
type SearchRequest struct {
	Key         string           `json:"key" validate:"required"`
	Operator    string           `json:"operator" validate:"required"`
	Value       any              `json:"value"`
	Modifier    string           `json:"modifier,omitempty"`
	FetchLimit  int              `json:"fetch_limit" validate:"gte=0"`
	FetchOffset int              `json:"fetch_offset" validate:"gte=0"`
	Sort        []SortDescriptor `json:"sort,omitempty"`
}

// Search evaluates the descriptor against every instance of the entity and
// returns the full ordered match list. The caller applies permission
// filtering and then the descriptor's offset and limit, so restricted
// resources never consume a slot of the window.
func (s *ObjectStore) Search(ctx context.Context, entity string, req SearchRequest) ([]*schema.Resource, error) {
	ent, _, ok := s.registry.Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	if err := validateSearch(ent, req); err != nil {
		return nil, err
	}

	var records []models.Record
	if err := s.db.WithContext(ctx).
		Where("entity_name = ?", entity).
		Order("resource_id").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: search %s: %w", entity, err)
	}

	matches := make([]*schema.Resource, 0, len(records))
	for i := range records {
		res := resourceFromRecord(&records[i])
		ok, err := matchValue(req.Operator, req.Modifier, res.Value(req.Key), req.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, res)
		}
	}

	sortResources(matches, req.Sort)
	return matches, nil
}

func validateSearch(ent *schema.Entity, req SearchRequest) error {
	if !allowedOperators[req.Operator] {
		return fmt.Errorf("%w: operator %q is not allowed", ErrInvalidSearch, req.Operator)
	}
	if !ent.HasProperty(req.Key) {
		return fmt.Errorf("%w: %s has no property %q", ErrInvalidSearch, ent.Name, req.Key)
	}
	if req.Modifier != "" && req.Modifier != ModifierCaseInsensitive {
		return fmt.Errorf("%w: unknown modifier %q", ErrInvalidSearch, req.Modifier)
	}
	if req.Modifier == ModifierCaseInsensitive && !stringOperators[req.Operator] && req.Operator != OpEqual && req.Operator != OpNotEqual {
		return fmt.Errorf("%w: modifier %q needs a string operator", ErrInvalidSearch, req.Modifier)
	}
	for _, desc := range req.Sort {
		if !ent.HasProperty(desc.Key) {
			return fmt.Errorf("%w: %s has no property %q", ErrInvalidSearch, ent.Name, desc.Key)
		}
	}
	return nil
}

func matchValue(operator, modifier string, stored, want any) (bool, error) {
	if stringOperators[operator] {
		storedStr, okStored := stored.(string)
		wantStr, okWant := want.(string)
		if !okWant {
			return false, fmt.Errorf("%w: operator %q needs a string value", ErrInvalidSearch, operator)
		}
		if !okStored {
			return false, nil
		}
		if modifier == ModifierCaseInsensitive {
			storedStr = strings.ToLower(storedStr)
			wantStr = strings.ToLower(wantStr)
		}
		switch operator {
		case OpContains:
			return strings.Contains(storedStr, wantStr), nil
		case OpBeginsWith:
			return strings.HasPrefix(storedStr, wantStr), nil
		case OpEndsWith:
			return strings.HasSuffix(storedStr, wantStr), nil
		}
	}

	switch operator {
	case OpEqual:
		return equalWithModifier(stored, want, modifier), nil
	case OpNotEqual:
		return !equalWithModifier(stored, want, modifier), nil
	}

	// Ordering operators.
	cmp, ok := compareValues(stored, want)
	if !ok {
		return false, nil
	}
	switch operator {
	case OpLess:
		return cmp < 0, nil
	case OpLessEqual:
		return cmp <= 0, nil
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterEqual:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("%w: operator %q", ErrInvalidSearch, operator)
}

func equalWithModifier(stored, want any, modifier string) bool {
	if modifier == ModifierCaseInsensitive {
		if storedStr, ok := stored.(string); ok {
			if wantStr, ok := want.(string); ok {
				return strings.EqualFold(storedStr, wantStr)
			}
		}
	}
	return valuesEqual(stored, want)
}

func valuesEqual(stored, want any) bool {
	if cmp, ok := compareValues(stored, want); ok {
		return cmp == 0
	}

	if storedBool, ok := stored.(bool); ok {
		wantBool, ok := want.(bool)
		return ok && storedBool == wantBool
	}

	return stored == nil && want == nil
}

// compareValues orders two values of the same logical type: numbers
// numerically, strings (including RFC3339 dates) lexicographically.
func compareValues(stored, want any) (int, bool) {
	if storedNum, ok := toFloat(stored); ok {
		wantNum, ok := toFloat(want)
		if !ok {
			return 0, false
		}
		switch {
		case storedNum < wantNum:
			return -1, true
		case storedNum > wantNum:
			return 1, true
		default:
			return 0, true
		}
	}

	if storedStr, ok := stored.(string); ok {
		wantStr, ok := want.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(storedStr, wantStr), true
	}

	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func sortResources(resources []*schema.Resource, descriptors []SortDescriptor) {
	if len(descriptors) == 0 {
		return
	}

	sort.SliceStable(resources, func(i, j int) bool {
		for _, desc := range descriptors {
			cmp, ok := compareValues(resources[i].Value(desc.Key), resources[j].Value(desc.Key))
			if !ok || cmp == 0 {
				continue
			}
			if desc.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}
